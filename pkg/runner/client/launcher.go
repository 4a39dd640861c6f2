package client

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Process is a started runner process.
type Process interface {
	// Stdin is the runner's command stream.
	Stdin() io.WriteCloser

	// Stdout is the runner's response stream.
	Stdout() io.ReadCloser

	// Wait blocks until the process exits.
	Wait() error

	// Kill terminates the process immediately.
	Kill() error
}

// Launcher starts runner processes. Implementations decide where the
// runner lives: a local child process, a remote host, a container.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// CommandLauncher launches the runner binary as a local child process.
// The runner's stderr is routed into the logger; the protocol owns
// stdin and stdout.
type CommandLauncher struct {
	// Path is the runner binary to execute.
	Path string

	// Args are extra command line arguments.
	Args []string

	// Dir is the working directory for the runner process.
	Dir string

	// Env is the runner's environment. Nil inherits the parent's.
	Env []string

	// Logger receives the runner's stderr output.
	Logger zerolog.Logger
}

// Launch starts the runner process. The process outlives ctx; its
// lifetime is bound to the client that drives it.
func (l *CommandLauncher) Launch(ctx context.Context) (Process, error) {
	if l.Path == "" {
		return nil, fmt.Errorf("runner path is required")
	}

	cmd := exec.Command(l.Path, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = l.Env
	cmd.Stderr = logWriter{logger: l.Logger, level: zerolog.WarnLevel}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start runner: %w", err)
	}

	return &commandProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type commandProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *commandProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *commandProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *commandProcess) Wait() error           { return p.cmd.Wait() }
func (p *commandProcess) Kill() error           { return p.cmd.Process.Kill() }

// logWriter splits writes into lines and logs them.
type logWriter struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func (w logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		w.logger.WithLevel(w.level).Msg(line)
	}
	return len(p), nil
}
