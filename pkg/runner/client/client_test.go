package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ferrite-build/ferrite/pkg/runner/protocol"
)

// fakeLauncher wires the client to an in-process runner driven by the
// script function.
type fakeLauncher struct {
	script func(enc *protocol.Encoder, dec *protocol.Decoder)
}

type fakeProcess struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	done   chan struct{}
	kill   func()
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *fakeProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *fakeProcess) Wait() error           { <-p.done; return nil }
func (p *fakeProcess) Kill() error           { p.kill(); return nil }

func (l *fakeLauncher) Launch(ctx context.Context) (Process, error) {
	cmdR, cmdW := io.Pipe()
	respR, respW := io.Pipe()

	done := make(chan struct{})
	var once sync.Once
	kill := func() {
		once.Do(func() {
			cmdR.CloseWithError(io.ErrClosedPipe)
			respW.Close()
		})
	}

	go func() {
		defer close(done)
		defer respW.Close()
		l.script(protocol.NewEncoder(respW), protocol.NewDecoder(cmdR))
	}()

	return &fakeProcess{stdin: cmdW, stdout: respR, done: done, kill: kill}, nil
}

func sendReady(enc *protocol.Encoder) {
	enc.EncodeReady(&protocol.ReadyMessage{
		Version:  "1.0.0",
		Platform: "linux",
		Arch:     "amd64",
		PID:      42,
		Caps:     map[string]bool{"stage.build": true, "tool.cc": true},
	})
}

// drainUntilEOF keeps the fake runner alive until the client closes
// stdin.
func drainUntilEOF(dec *protocol.Decoder) {
	for {
		if _, err := dec.Decode(); err != nil {
			return
		}
	}
}

func testCommand(id string) *protocol.CommandMessage {
	return &protocol.CommandMessage{
		ID:      id,
		Type:    protocol.CommandTypeBuild,
		Timeout: 30,
		Params:  json.RawMessage(`{"ref":"zlib/1.3.1","script":"true"}`),
	}
}

func newTestClient(t *testing.T, script func(enc *protocol.Encoder, dec *protocol.Decoder)) *Client {
	t.Helper()
	c, err := NewClient(&Config{
		Launcher:       &fakeLauncher{script: script},
		StartupTimeout: 5 * time.Second,
		Logger:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientStartHandshake(t *testing.T) {
	c := newTestClient(t, func(enc *protocol.Encoder, dec *protocol.Decoder) {
		sendReady(enc)
		drainUntilEOF(dec)
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ready := c.Ready()
	if ready == nil {
		t.Fatal("expected ready message after start")
	}
	if ready.Version != "1.0.0" || !ready.Caps["stage.build"] {
		t.Errorf("unexpected ready message: %+v", ready)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestClientStartTimeout(t *testing.T) {
	c, err := NewClient(&Config{
		Launcher:       &fakeLauncher{script: func(enc *protocol.Encoder, dec *protocol.Decoder) { drainUntilEOF(dec) }},
		StartupTimeout: 50 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	err = c.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "timeout waiting for READY") {
		t.Errorf("expected startup timeout, got %v", err)
	}
}

func TestClientStartWrongFirstMessage(t *testing.T) {
	c := newTestClient(t, func(enc *protocol.Encoder, dec *protocol.Decoder) {
		enc.EncodeDone(&protocol.DoneMessage{CommandID: "stray"})
		drainUntilEOF(dec)
	})

	err := c.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "expected READY") {
		t.Errorf("expected handshake failure, got %v", err)
	}
}

func TestClientExecute(t *testing.T) {
	c := newTestClient(t, func(enc *protocol.Encoder, dec *protocol.Decoder) {
		sendReady(enc)
		cmd, err := dec.DecodeCommand()
		if err != nil {
			return
		}
		enc.EncodeEvent(&protocol.EventMessage{CommandID: cmd.ID, Message: "compiling"})
		result, _ := json.Marshal(&protocol.StageResult{Stage: "build", ExitCode: 0})
		enc.EncodeDone(&protocol.DoneMessage{CommandID: cmd.ID, Result: result, Duration: 0.1})
		drainUntilEOF(dec)
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done, err := c.Execute(context.Background(), testCommand("cmd-1"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if done.CommandID != "cmd-1" {
		t.Errorf("expected command ID cmd-1, got %q", done.CommandID)
	}

	var result protocol.StageResult
	if err := json.Unmarshal(done.Result, &result); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if result.Stage != "build" || result.ExitCode != 0 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestClientExecuteWithEvents(t *testing.T) {
	c := newTestClient(t, func(enc *protocol.Encoder, dec *protocol.Decoder) {
		sendReady(enc)
		cmd, err := dec.DecodeCommand()
		if err != nil {
			return
		}
		enc.EncodeEvent(&protocol.EventMessage{CommandID: cmd.ID, Message: "step one"})
		enc.EncodeEvent(&protocol.EventMessage{CommandID: cmd.ID, Level: "warn", Message: "step two"})
		enc.EncodeDone(&protocol.DoneMessage{CommandID: cmd.ID})
		drainUntilEOF(dec)
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	eventCh := make(chan *protocol.EventMessage, 8)
	if _, err := c.ExecuteWithEvents(context.Background(), testCommand("cmd-1"), eventCh); err != nil {
		t.Fatalf("ExecuteWithEvents: %v", err)
	}

	if len(eventCh) != 2 {
		t.Fatalf("expected 2 events, got %d", len(eventCh))
	}
	first := <-eventCh
	if first.Message != "step one" {
		t.Errorf("unexpected first event: %+v", first)
	}
}

func TestClientRunnerError(t *testing.T) {
	c := newTestClient(t, func(enc *protocol.Encoder, dec *protocol.Decoder) {
		sendReady(enc)
		cmd, err := dec.DecodeCommand()
		if err != nil {
			return
		}
		enc.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      protocol.ErrorCodeTimeout,
			Message:   "stage killed by deadline",
			Retryable: true,
		})
		drainUntilEOF(dec)
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := c.Execute(context.Background(), testCommand("cmd-1"))
	var rerr *RunnerError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RunnerError, got %v", err)
	}
	if rerr.Code != protocol.ErrorCodeTimeout || !rerr.Retryable {
		t.Errorf("unexpected runner error: %+v", rerr)
	}
}

func TestClientUnexpectedExit(t *testing.T) {
	c := newTestClient(t, func(enc *protocol.Encoder, dec *protocol.Decoder) {
		sendReady(enc)
		if _, err := dec.DecodeCommand(); err != nil {
			return
		}
		enc.EncodeExit(&protocol.ExitMessage{Reason: "crash", ExitCode: 1})
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := c.Execute(context.Background(), testCommand("cmd-1"))
	if err == nil || !strings.Contains(err.Error(), "runner exited unexpectedly") {
		t.Errorf("expected unexpected exit error, got %v", err)
	}
}

func TestClientCommandIDMismatch(t *testing.T) {
	c := newTestClient(t, func(enc *protocol.Encoder, dec *protocol.Decoder) {
		sendReady(enc)
		if _, err := dec.DecodeCommand(); err != nil {
			return
		}
		enc.EncodeDone(&protocol.DoneMessage{CommandID: "someone-else"})
		drainUntilEOF(dec)
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := c.Execute(context.Background(), testCommand("cmd-1"))
	if err == nil || !strings.Contains(err.Error(), "command ID mismatch") {
		t.Errorf("expected ID mismatch error, got %v", err)
	}
}

func TestClientExecuteBeforeStart(t *testing.T) {
	c := newTestClient(t, func(enc *protocol.Encoder, dec *protocol.Decoder) {
		drainUntilEOF(dec)
	})

	_, err := c.Execute(context.Background(), testCommand("cmd-1"))
	if err == nil || !strings.Contains(err.Error(), "client is not running") {
		t.Errorf("expected not running error, got %v", err)
	}
}

func TestClientExecuteAfterClose(t *testing.T) {
	c := newTestClient(t, func(enc *protocol.Encoder, dec *protocol.Decoder) {
		sendReady(enc)
		drainUntilEOF(dec)
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := c.Execute(context.Background(), testCommand("cmd-1"))
	if err == nil || !strings.Contains(err.Error(), "client is not running") {
		t.Errorf("expected not running error, got %v", err)
	}
}

func TestClientContextCancellation(t *testing.T) {
	c := newTestClient(t, func(enc *protocol.Encoder, dec *protocol.Decoder) {
		sendReady(enc)
		// Swallow the command and never answer.
		drainUntilEOF(dec)
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Execute(ctx, testCommand("cmd-1"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// The stream is poisoned; the client shuts down.
	if _, err := c.Execute(context.Background(), testCommand("cmd-2")); err == nil {
		t.Error("expected the client to be closed after cancellation")
	}
}
