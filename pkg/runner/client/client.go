// Package client runs an external ferrite-runner process and speaks the
// framed stdio protocol with it.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ferrite-build/ferrite/pkg/runner/protocol"
)

const (
	defaultStartupTimeout = 10 * time.Second

	// closeGrace is how long Close waits for the runner to exit on its
	// own after stdin closes before killing it.
	closeGrace = 3 * time.Second
)

// RunnerError is a command failure reported by the runner itself, as
// opposed to a broken stream or a dead process.
type RunnerError struct {
	Code      string
	Message   string
	Details   map[string]string
	Retryable bool
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("runner error %s: %s", e.Code, e.Message)
}

// Config contains client configuration options.
type Config struct {
	// Launcher starts the runner process.
	Launcher Launcher

	// StartupTimeout bounds the wait for the READY handshake.
	StartupTimeout time.Duration

	// Logger receives streamed runner events.
	Logger zerolog.Logger
}

// Client manages communication with one runner process. Commands are
// serialized; the protocol carries one command at a time per stream.
type Client struct {
	launcher       Launcher
	startupTimeout time.Duration
	logger         zerolog.Logger

	// execMu serializes in-flight commands.
	execMu sync.Mutex

	mu      sync.Mutex
	proc    Process
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	ready   *protocol.ReadyMessage
	started bool
	closed  bool
}

// NewClient creates a new runner client.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.Launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	timeout := cfg.StartupTimeout
	if timeout == 0 {
		timeout = defaultStartupTimeout
	}
	return &Client{
		launcher:       cfg.Launcher,
		startupTimeout: timeout,
		logger:         cfg.Logger,
	}, nil
}

// Start launches the runner process and waits for its READY message.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if c.started {
		return fmt.Errorf("client already started")
	}

	proc, err := c.launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("failed to launch runner: %w", err)
	}
	c.proc = proc
	c.encoder = protocol.NewEncoder(proc.Stdin())
	c.decoder = protocol.NewDecoder(proc.Stdout())

	readyCtx, cancel := context.WithTimeout(ctx, c.startupTimeout)
	defer cancel()

	readyCh := make(chan *protocol.ReadyMessage, 1)
	errCh := make(chan error, 1)

	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			errCh <- err
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			errCh <- fmt.Errorf("expected READY, got %s", msg.Type)
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseParams(msg.Data, &ready); err != nil {
			errCh <- err
			return
		}
		readyCh <- &ready
	}()

	select {
	case <-readyCtx.Done():
		_ = proc.Kill()
		return fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		_ = proc.Kill()
		return fmt.Errorf("failed to receive READY: %w", err)
	case ready := <-readyCh:
		c.ready = ready
		c.started = true
		c.logger.Debug().
			Str("runner_version", ready.Version).
			Str("platform", ready.Platform).
			Str("arch", ready.Arch).
			Int("pid", ready.PID).
			Msg("runner ready")
		return nil
	}
}

// Execute sends a command to the runner and waits for completion.
// Streamed events are logged.
func (c *Client) Execute(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error) {
	return c.ExecuteWithEvents(ctx, cmd, nil)
}

// ExecuteWithEvents sends a command and additionally forwards streamed
// events to eventCh. The channel should be drained by the caller; events
// are dropped when it is full.
func (c *Client) ExecuteWithEvents(ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage) (*protocol.DoneMessage, error) {
	c.mu.Lock()
	if c.closed || !c.started {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is not running")
	}
	encoder, decoder := c.encoder, c.decoder
	c.mu.Unlock()

	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}

	c.execMu.Lock()
	defer c.execMu.Unlock()

	if err := encoder.EncodeCommand(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	type outcome struct {
		done *protocol.DoneMessage
		err  error
	}
	outCh := make(chan outcome, 1)
	go func() {
		done, err := c.receive(cmd, decoder, eventCh)
		outCh <- outcome{done: done, err: err}
	}()

	select {
	case <-ctx.Done():
		// The stream still carries the abandoned response; it cannot be
		// reused.
		_ = c.Close()
		return nil, ctx.Err()
	case out := <-outCh:
		return out.done, out.err
	}
}

// receive reads messages until the command completes.
func (c *Client) receive(cmd *protocol.CommandMessage, decoder *protocol.Decoder, eventCh chan<- *protocol.EventMessage) (*protocol.DoneMessage, error) {
	for {
		msg, err := decoder.Decode()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseParams(msg.Data, &event); err != nil {
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			c.logEvent(&event)
			if eventCh != nil {
				select {
				case eventCh <- &event:
				default:
					c.logger.Debug().Msg("event channel full, dropping event")
				}
			}

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseParams(msg.Data, &done); err != nil {
				return nil, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
			}
			return &done, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID)
			}
			return nil, &RunnerError{
				Code:      errMsg.Code,
				Message:   errMsg.Message,
				Details:   errMsg.Details,
				Retryable: errMsg.Retryable,
			}

		case protocol.MessageTypeExit:
			return nil, fmt.Errorf("runner exited unexpectedly")

		default:
			return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

func (c *Client) logEvent(event *protocol.EventMessage) {
	level := zerolog.InfoLevel
	switch event.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	}
	log := c.logger.WithLevel(level).Str("command_id", event.CommandID)
	if stream := event.Metadata["stream"]; stream != "" {
		log = log.Str("stream", stream)
	}
	log.Msg(event.Message)
}

// Ready returns the READY message received during startup, nil before
// Start succeeds.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Close shuts the runner down: stdin closes so the runner exits on its
// own, and the process is killed if it lingers past the grace period.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.proc == nil {
		return nil
	}

	var errs []error
	if err := c.proc.Stdin().Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- c.proc.Wait() }()

	select {
	case <-waitCh:
	case <-time.After(closeGrace):
		_ = c.proc.Kill()
		<-waitCh
	}

	_ = c.proc.Stdout().Close()

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}
