//go:build !wasm

package main

import (
	"fmt"
	"os"
)

// hostLog falls back to stderr on the host platform, which only happens
// under go test.
func hostLog(level uint32, msg string) {
	fmt.Fprintf(os.Stderr, "[level=%d] %s\n", level, msg)
}
