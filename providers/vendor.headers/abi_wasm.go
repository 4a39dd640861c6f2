package main

import "unsafe"

// The guest ABI: each driver_ export takes (input_ptr, input_len) and
// returns (output_ptr << 32) | output_len. Buffers cross the boundary
// through the exported malloc and free.

// allocs pins buffers handed to the host until it frees them.
var allocs = map[uintptr][]byte{}

//go:wasmexport malloc
func guestMalloc(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	buf := make([]byte, size)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	allocs[ptr] = buf
	return uint32(ptr)
}

//go:wasmexport free
func guestFree(ptr uint32) {
	delete(allocs, uintptr(ptr))
}

//go:wasmexport driver_source
func driverSource(ptr, size uint32) uint64 {
	return invoke("source", ptr, size)
}

//go:wasmexport driver_build
func driverBuild(ptr, size uint32) uint64 {
	return invoke("build", ptr, size)
}

//go:wasmexport driver_package
func driverPackage(ptr, size uint32) uint64 {
	return invoke("package", ptr, size)
}

func invoke(stage string, ptr, size uint32) uint64 {
	var input []byte
	if size > 0 {
		input = unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size)
	}
	return pin(handleStage(stage, input))
}

// pin registers an output buffer in allocs and packs its location for
// the host, which reads it and then calls free.
func pin(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	ptr := uintptr(unsafe.Pointer(&b[0]))
	allocs[ptr] = b
	return uint64(uint32(ptr))<<32 | uint64(uint32(len(b)))
}

//go:wasmimport ferrite log
func ferriteLog(level, ptr, size uint32)

// hostLog routes a message to the host logger.
func hostLog(level uint32, msg string) {
	if msg == "" {
		ferriteLog(level, 0, 0)
		return
	}
	b := []byte(msg)
	ferriteLog(level, uint32(uintptr(unsafe.Pointer(&b[0]))), uint32(len(b)))
}
