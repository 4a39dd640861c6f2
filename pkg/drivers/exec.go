// Package drivers contains build driver implementations for the engine.
// The script driver executes recipe stage scripts through the external
// ferrite-runner process; sandboxed wasm plugin drivers live in the wasm
// subpackage.
package drivers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ferrite-build/ferrite/pkg/engine"
	"github.com/ferrite-build/ferrite/pkg/recipe"
	"github.com/ferrite-build/ferrite/pkg/runner/client"
	"github.com/ferrite-build/ferrite/pkg/runner/protocol"
)

// ScriptDriverName identifies the script driver in recipes and logs.
const ScriptDriverName = "script"

// defaultStageTimeout bounds a single stage when the config leaves the
// timeout zero.
const defaultStageTimeout = 30 * time.Minute

// runnerClient is the slice of the runner client the driver uses.
// Narrow so tests can substitute a fake.
type runnerClient interface {
	Start(ctx context.Context) error
	Execute(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error)
	Ready() *protocol.ReadyMessage
	Close() error
}

// ScriptConfig configures a script driver.
type ScriptConfig struct {
	// RunnerPath is the ferrite-runner binary to spawn.
	RunnerPath string

	// Shell overrides the shell stage scripts run under. Empty means
	// the runner default.
	Shell string

	// Timeout bounds a single stage. Zero means defaultStageTimeout.
	Timeout time.Duration

	Logger zerolog.Logger
}

// ScriptDriver runs recipe-declared stage scripts in an external
// ferrite-runner process. A stage whose recipe declares no script is a
// no-op.
type ScriptDriver struct {
	client  runnerClient
	parser  *recipe.Parser
	shell   string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewScriptDriver builds a script driver spawning cfg.RunnerPath. Call
// Start before the first stage and Close when done.
func NewScriptDriver(cfg ScriptConfig) (*ScriptDriver, error) {
	if cfg.RunnerPath == "" {
		return nil, fmt.Errorf("runner path is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultStageTimeout
	}

	c, err := client.NewClient(&client.Config{
		Launcher: &client.CommandLauncher{Path: cfg.RunnerPath, Logger: cfg.Logger},
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &ScriptDriver{
		client:  c,
		parser:  recipe.NewParser(),
		shell:   cfg.Shell,
		timeout: timeout,
		logger:  cfg.Logger.With().Str("driver", ScriptDriverName).Logger(),
	}, nil
}

// Name returns the driver name.
func (d *ScriptDriver) Name() string {
	return ScriptDriverName
}

// Start launches the runner process and verifies it supports the three
// lifecycle stages.
func (d *ScriptDriver) Start(ctx context.Context) error {
	if err := d.client.Start(ctx); err != nil {
		return engine.NewTransientError("failed to start runner", err).
			WithCode(engine.ErrCodeDriver)
	}

	ready := d.client.Ready()
	for _, ct := range []protocol.CommandType{
		protocol.CommandTypeSource,
		protocol.CommandTypeBuild,
		protocol.CommandTypePackage,
	} {
		if !ready.Caps[string(ct)] {
			_ = d.client.Close()
			return engine.NewPermanentError(
				fmt.Sprintf("runner does not support %s", ct), nil).
				WithCode(engine.ErrCodeDriver)
		}
	}

	d.logger.Debug().
		Str("runner_version", ready.Version).
		Int("pid", ready.PID).
		Msg("script driver started")
	return nil
}

// Close shuts the runner process down.
func (d *ScriptDriver) Close() error {
	return d.client.Close()
}

// FetchSource runs the recipe's source script, if any.
func (d *ScriptDriver) FetchSource(ctx context.Context, req *engine.BuildRequest) error {
	_, err := d.runStage(ctx, protocol.CommandTypeSource, req)
	return err
}

// Build runs the recipe's build script, if any.
func (d *ScriptDriver) Build(ctx context.Context, req *engine.BuildRequest) error {
	_, err := d.runStage(ctx, protocol.CommandTypeBuild, req)
	return err
}

// Package runs the recipe's package script and assembles the artifact
// from req.PackageDir. The script publishes produced info by writing
// JSON to $FERRITE_INFO_FILE.
func (d *ScriptDriver) Package(ctx context.Context, req *engine.BuildRequest) (*engine.Artifact, error) {
	result, err := d.runStage(ctx, protocol.CommandTypePackage, req)
	if err != nil {
		return nil, err
	}

	var info *engine.PackageInfo
	if result != nil && len(result.Info) > 0 {
		info = &engine.PackageInfo{}
		if err := json.Unmarshal(result.Info, info); err != nil {
			return nil, engine.NewPermanentError("invalid package info from stage script", err).
				WithCode(engine.ErrCodeDriver).
				WithRef(req.Ref.String()).
				WithOperation(protocol.CommandTypePackage.Stage())
		}
	}

	return &engine.Artifact{
		Ref:         req.Ref.String(),
		Fingerprint: req.Fingerprint,
		Path:        req.PackageDir,
		Info:        info,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// runStage loads the recipe, resolves the stage's script and executes
// it through the runner. A missing script returns (nil, nil).
func (d *ScriptDriver) runStage(ctx context.Context, cmdType protocol.CommandType, req *engine.BuildRequest) (*protocol.StageResult, error) {
	stage := cmdType.Stage()

	rec, err := d.parser.ParseFile(filepath.Join(req.RecipeDir, recipe.RecipeFileName))
	if err != nil {
		return nil, engine.NewInvalidError("failed to load recipe", err).
			WithCode(engine.ErrCodeDriver).
			WithRef(req.Ref.String()).
			WithOperation(stage)
	}

	script := rec.Scripts[stage]
	if strings.TrimSpace(script) == "" {
		d.logger.Debug().
			Str("ref", req.Ref.String()).
			Str("stage", stage).
			Msg("no stage script, skipping")
		return nil, nil
	}

	params := &protocol.StageParams{
		Ref:         req.Ref.String(),
		Fingerprint: req.Fingerprint,
		Script:      script,
		Shell:       d.shell,
		RecipeDir:   req.RecipeDir,
		SourceDir:   req.SourceDir,
		BuildDir:    req.BuildDir,
		PackageDir:  req.PackageDir,
		Env:         dependencyEnv(req),
		Settings:    req.Settings,
		Options:     req.Options,
		WantInfo:    cmdType == protocol.CommandTypePackage,
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, engine.NewPermanentError("failed to marshal stage params", err).
			WithCode(engine.ErrCodeDriver).
			WithRef(req.Ref.String()).
			WithOperation(stage)
	}

	done, err := d.client.Execute(ctx, &protocol.CommandMessage{
		ID:      uuid.NewString(),
		Type:    cmdType,
		Timeout: int(d.timeout / time.Second),
		Params:  raw,
	})
	if err != nil {
		return nil, d.stageError(stage, req, err)
	}

	var result protocol.StageResult
	if err := json.Unmarshal(done.Result, &result); err != nil {
		return nil, engine.NewPermanentError("invalid stage result from runner", err).
			WithCode(engine.ErrCodeDriver).
			WithRef(req.Ref.String()).
			WithOperation(stage)
	}

	if result.ExitCode != 0 {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("%s script failed with exit code %d", stage, result.ExitCode), nil).
			WithCode(engine.ErrCodeDriver).
			WithRef(req.Ref.String()).
			WithOperation(stage).
			WithDetail("exitCode", result.ExitCode).
			WithDetail("stderr", result.Stderr)
	}

	d.logger.Debug().
		Str("ref", req.Ref.String()).
		Str("stage", stage).
		Float64("duration", result.Duration).
		Msg("stage script finished")

	return &result, nil
}

// stageError classifies a failed runner exchange. Runner-reported
// errors carry their own retryable flag; context and transport failures
// are transient so the scheduler may retry on a fresh runner.
func (d *ScriptDriver) stageError(stage string, req *engine.BuildRequest, err error) *engine.ResolveError {
	resolveErr := engine.NewTransientError("runner communication failed", err)

	var rerr *client.RunnerError
	switch {
	case errors.As(err, &rerr):
		msg := fmt.Sprintf("%s script failed: %s", stage, rerr.Message)
		if rerr.Retryable {
			resolveErr = engine.NewTransientError(msg, err)
		} else {
			resolveErr = engine.NewPermanentError(msg, err)
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		resolveErr = engine.NewTransientError("stage interrupted", err)
	}

	return resolveErr.
		WithCode(engine.ErrCodeDriver).
		WithRef(req.Ref.String()).
		WithOperation(stage)
}

// dependencyEnv flattens the request's dependency info into
// FERRITE_DEP_* variables for stage scripts. Directory lists use the
// platform list separator, flag and library lists are space separated.
// Environment entries published by dependencies pass through under
// their own names.
func dependencyEnv(req *engine.BuildRequest) map[string]string {
	if len(req.Dependencies) == 0 {
		return nil
	}

	env := make(map[string]string)
	var refs, includeDirs, libDirs, binDirs []string
	var libs, defines, cflags, cxxflags, linkFlags []string
	for _, dep := range req.Dependencies {
		refs = append(refs, dep.Ref)
		if dep.Info == nil {
			continue
		}
		includeDirs = append(includeDirs, dep.Info.IncludeDirs...)
		libDirs = append(libDirs, dep.Info.LibDirs...)
		binDirs = append(binDirs, dep.Info.BinDirs...)
		libs = append(libs, dep.Info.Libs...)
		defines = append(defines, dep.Info.Defines...)
		cflags = append(cflags, dep.Info.CFlags...)
		cxxflags = append(cxxflags, dep.Info.CXXFlags...)
		linkFlags = append(linkFlags, dep.Info.LinkFlags...)
		for k, v := range dep.Info.Env {
			env[k] = v
		}
	}

	pathList := string(os.PathListSeparator)
	env["FERRITE_DEPS"] = strings.Join(refs, " ")
	setIfAny(env, "FERRITE_DEP_INCLUDE_DIRS", includeDirs, pathList)
	setIfAny(env, "FERRITE_DEP_LIB_DIRS", libDirs, pathList)
	setIfAny(env, "FERRITE_DEP_BIN_DIRS", binDirs, pathList)
	setIfAny(env, "FERRITE_DEP_LIBS", libs, " ")
	setIfAny(env, "FERRITE_DEP_DEFINES", defines, " ")
	setIfAny(env, "FERRITE_DEP_CFLAGS", cflags, " ")
	setIfAny(env, "FERRITE_DEP_CXXFLAGS", cxxflags, " ")
	setIfAny(env, "FERRITE_DEP_LINK_FLAGS", linkFlags, " ")
	return env
}

func setIfAny(env map[string]string, key string, values []string, sep string) {
	if len(values) > 0 {
		env[key] = strings.Join(values, sep)
	}
}
