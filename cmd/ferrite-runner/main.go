// Package main implements the ferrite-runner binary: a small external
// process that executes recipe stage scripts on behalf of the script
// driver, speaking framed JSON over stdio.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ferrite-build/ferrite/pkg/runner/handlers"
	"github.com/ferrite-build/ferrite/pkg/runner/protocol"
)

const version = "1.0.0"

// probedTools are looked up on PATH at startup and reported as tool.*
// capabilities in the READY message.
var probedTools = []string{
	"cc", "c++", "make", "cmake", "ninja", "pkg-config", "git", "tar", "patch",
}

type runner struct {
	encoder      *protocol.Encoder
	decoder      *protocol.Decoder
	stages       *handlers.StageHandler
	commandCount int
}

func main() {
	r := &runner{
		encoder: protocol.NewEncoder(os.Stdout),
		decoder: protocol.NewDecoder(os.Stdin),
		stages:  &handlers.StageHandler{},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := r.sendReady(); err != nil {
		os.Exit(1)
	}

	exitCode := 0
	reason := "stdin_closed"

	for {
		if ctx.Err() != nil {
			reason = "signal"
			goto exit
		}
		if err := r.processNextCommand(ctx); err != nil {
			if !errors.Is(err, io.EOF) {
				reason = "protocol_error"
				exitCode = 1
			}
			goto exit
		}
	}

exit:
	r.exit(reason, exitCode)
}

func (r *runner) sendReady() error {
	caps := map[string]bool{
		string(protocol.CommandTypeSource):  true,
		string(protocol.CommandTypeBuild):   true,
		string(protocol.CommandTypePackage): true,
	}
	for _, tool := range probedTools {
		if _, err := exec.LookPath(tool); err == nil {
			caps["tool."+tool] = true
		}
	}

	return r.encoder.EncodeReady(&protocol.ReadyMessage{
		Version:  version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps:     caps,
	})
}

func (r *runner) processNextCommand(ctx context.Context) error {
	cmd, err := r.decoder.DecodeCommand()
	if err != nil {
		return err
	}

	r.commandCount++

	stage := cmd.Type.Stage()
	if stage == "" {
		return r.encoder.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.ErrorCodeInvalidCommand,
			Message:   fmt.Sprintf("unsupported command type: %s", cmd.Type),
		})
	}

	var params protocol.StageParams
	if err := protocol.ParseParams(cmd.Params, &params); err != nil {
		return r.encoder.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.ErrorCodeInvalidCommand,
			Message:   err.Error(),
		})
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	// Stamp and forward streamed events; the encoder serializes writes.
	eventCh := make(chan *protocol.EventMessage, 64)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for evt := range eventCh {
			evt.CommandID = cmd.ID
			r.encoder.EncodeEvent(evt)
		}
	}()

	start := time.Now()
	result, err := r.stages.Handle(cmdCtx, stage, &params, eventCh)
	close(eventCh)
	<-forwarded
	duration := time.Since(start).Seconds()

	if err != nil {
		errMsg := &protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.ErrorCodeStageFailed,
			Message:   err.Error(),
		}
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			errMsg.Code = protocol.ErrorCodeTimeout
			errMsg.Message = fmt.Sprintf("stage %s exceeded its %ds timeout", stage, cmd.Timeout)
			errMsg.Retryable = true
		case errors.Is(err, context.Canceled):
			errMsg.Message = fmt.Sprintf("stage %s canceled", stage)
			errMsg.Retryable = true
		}
		return r.encoder.EncodeError(errMsg)
	}

	resultBytes, err := json.Marshal(result)
	if err != nil {
		return r.encoder.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.ErrorCodeStageFailed,
			Message:   fmt.Sprintf("failed to marshal result: %v", err),
		})
	}

	return r.encoder.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    resultBytes,
		Duration:  duration,
	})
}

func (r *runner) exit(reason string, exitCode int) {
	r.encoder.EncodeExit(&protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      exitCode,
		CommandsTotal: r.commandCount,
	})
	os.Exit(exitCode)
}
