// Package handlers implements stage script execution for the
// ferrite-runner.
package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ferrite-build/ferrite/pkg/runner/protocol"
)

const (
	defaultShell = "/bin/sh"

	// infoFileName is where a package stage script leaves its package
	// info JSON, via $FERRITE_INFO_FILE.
	infoFileName = ".ferrite-info.json"

	// outputTailBytes bounds the stdout/stderr tails kept in the stage
	// result. Full output is streamed as events.
	outputTailBytes = 8 << 10

	// pipeGrace bounds how long the script's pipes stay open after the
	// process exits. A grandchild still holding them gets cut off here.
	pipeGrace = 10 * time.Second
)

// StageHandler runs one lifecycle stage script through a shell.
type StageHandler struct{}

// Handle executes a stage script. Script output is streamed line by line
// on eventCh (when non-nil) and the last few KB of each stream are kept
// in the result. A non-zero script exit is reported in the result, not
// as an error; errors mean the runner could not execute the stage.
func (h *StageHandler) Handle(ctx context.Context, stage string, params *protocol.StageParams, eventCh chan<- *protocol.EventMessage) (*protocol.StageResult, error) {
	if params.Script == "" {
		return nil, fmt.Errorf("script is required")
	}

	workDir, err := stageWorkDir(stage, params)
	if err != nil {
		return nil, err
	}

	shell := params.Shell
	if shell == "" {
		shell = defaultShell
	}

	var infoFile string
	if params.WantInfo && params.PackageDir != "" {
		infoFile = filepath.Join(params.PackageDir, infoFileName)
	}

	cmd := exec.CommandContext(ctx, shell, "-e", "-c", params.Script)
	cmd.Dir = workDir
	cmd.Env = buildEnv(stage, params, infoFile)
	cmd.WaitDelay = pipeGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	stdoutTail := newTailBuffer(outputTailBytes)
	stderrTail := newTailBuffer(outputTailBytes)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start script: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamOutput(stdout, "info", "stdout", stdoutTail, eventCh)
	}()
	go func() {
		defer wg.Done()
		streamOutput(stderr, "warn", "stderr", stderrTail, eventCh)
	}()

	waitErr := cmd.Wait()
	wg.Wait()
	duration := time.Since(start).Seconds()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	result := &protocol.StageResult{
		Stage:    stage,
		Duration: duration,
		Stdout:   stdoutTail.String(),
		Stderr:   stderrTail.String(),
	}

	if waitErr != nil {
		exitErr, ok := waitErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("script execution failed: %w", waitErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	if infoFile != "" && result.ExitCode == 0 {
		info, err := readInfoFile(infoFile)
		if err != nil {
			return nil, err
		}
		result.Info = info
	}

	return result, nil
}

// stageWorkDir picks the directory a stage script runs in.
func stageWorkDir(stage string, params *protocol.StageParams) (string, error) {
	var dir string
	switch stage {
	case "source":
		dir = params.SourceDir
	case "build":
		dir = params.BuildDir
	case "package":
		dir = params.PackageDir
	default:
		return "", fmt.Errorf("unknown stage: %s", stage)
	}
	if dir == "" {
		return "", fmt.Errorf("no working directory for stage %s", stage)
	}
	return dir, nil
}

// buildEnv assembles the script environment: the runner's own environment
// plus the FERRITE_* variables, with any request env applied last.
func buildEnv(stage string, params *protocol.StageParams, infoFile string) []string {
	env := os.Environ()
	add := func(key, value string) {
		env = append(env, key+"="+value)
	}

	add("FERRITE_STAGE", stage)
	add("FERRITE_REF", params.Ref)
	if params.Fingerprint != "" {
		add("FERRITE_FINGERPRINT", params.Fingerprint)
	}
	if params.RecipeDir != "" {
		add("FERRITE_RECIPE_DIR", params.RecipeDir)
	}
	if params.SourceDir != "" {
		add("FERRITE_SOURCE_DIR", params.SourceDir)
	}
	if params.BuildDir != "" {
		add("FERRITE_BUILD_DIR", params.BuildDir)
	}
	if params.PackageDir != "" {
		add("FERRITE_PACKAGE_DIR", params.PackageDir)
	}
	if infoFile != "" {
		add("FERRITE_INFO_FILE", infoFile)
	}

	for _, key := range sortedKeys(params.Settings) {
		add("FERRITE_SETTING_"+envKey(key), params.Settings[key])
	}
	for _, key := range sortedKeys(params.Options) {
		add("FERRITE_OPTION_"+envKey(key), params.Options[key])
	}
	for _, key := range sortedKeys(params.Env) {
		add(key, params.Env[key])
	}

	return env
}

// envKey converts a settings or options key into an environment variable
// fragment: uppercased, with anything outside [A-Za-z0-9] mapped to '_'.
func envKey(key string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
	return strings.ToUpper(mapped)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// streamOutput scans one output stream, recording lines into the tail and
// emitting them as events.
func streamOutput(r io.Reader, level, stream string, tail *tailBuffer, eventCh chan<- *protocol.EventMessage) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		tail.WriteLine(line)
		if eventCh != nil {
			eventCh <- &protocol.EventMessage{
				Level:    level,
				Message:  line,
				Metadata: map[string]string{"stream": stream},
			}
		}
	}
}

// readInfoFile loads the package info JSON a package stage script wrote.
// A missing file returns nil; a malformed one is an error. The file is
// removed afterwards, it must not ship inside the packaged artifact.
func readInfoFile(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read package info file: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("package info file %s is not valid JSON", infoFileName)
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("failed to remove package info file: %w", err)
	}
	return json.RawMessage(data), nil
}

// tailBuffer keeps the last max bytes of line-oriented output.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) WriteLine(line string) {
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if len(t.buf) > t.max {
		t.buf = append([]byte(nil), t.buf[len(t.buf)-t.max:]...)
	}
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
