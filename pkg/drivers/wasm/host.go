// Package wasm hosts build-driver plugins compiled to WebAssembly. A
// plugin ships as a module file plus a YAML manifest naming the stages it
// implements; the host runs it under wazero with WASI, mounts the build
// request's directories into the guest and exchanges JSON over linear
// memory.
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/ferrite-build/ferrite/pkg/engine"
)

// Guest mount points for the build request directories.
const (
	guestRecipeDir  = "/recipe"
	guestSourceDir  = "/source"
	guestBuildDir   = "/build"
	guestPackageDir = "/package"
)

const (
	defaultTimeout     = 10 * time.Minute
	defaultMemoryPages = 256 // 16MB
)

// HostConfig contains defaults for the WASM host. Manifest limits take
// precedence over these.
type HostConfig struct {
	// Timeout bounds a single stage invocation.
	Timeout time.Duration

	// MemoryLimitPages is the linear memory limit in 64KB pages.
	MemoryLimitPages uint32
}

// Driver runs a WASM driver plugin as an engine.BuildDriver. The module
// is compiled once; every stage call gets a fresh instance with its own
// linear memory and the request's directories mounted, so concurrent
// stage calls from the scheduler do not share guest state.
type Driver struct {
	manifest *Manifest
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	timeout  time.Duration
	logger   zerolog.Logger
}

var _ engine.BuildDriver = (*Driver)(nil)

// stageResponse is the JSON payload a stage export returns.
type stageResponse struct {
	// Error carries a guest-reported stage failure.
	Error string `json:"error,omitempty"`

	// Info is the produced package info, returned by the package stage.
	Info *engine.PackageInfo `json:"info,omitempty"`
}

// NewDriver creates a driver host from a manifest and module bytes.
func NewDriver(ctx context.Context, manifest *Manifest, module []byte, cfg *HostConfig, logger zerolog.Logger) (*Driver, error) {
	if cfg == nil {
		cfg = &HostConfig{}
	}

	timeout := cfg.Timeout
	if manifest.Limits.Timeout > 0 {
		timeout = manifest.Limits.Timeout
	}
	if timeout == 0 {
		timeout = defaultTimeout
	}

	pages := cfg.MemoryLimitPages
	if manifest.Limits.MemoryPages > 0 {
		pages = manifest.Limits.MemoryPages
	}
	if pages == 0 {
		pages = defaultMemoryPages
	}

	log := logger.With().Str("driver", manifest.Name).Str("driver_version", manifest.Version).Logger()

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if err := registerHostFunctions(ctx, runtime, log); err != nil {
		runtime.Close(ctx)
		return nil, err
	}

	compiled, err := runtime.CompileModule(ctx, module)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}

	if err := checkExports(compiled, manifest); err != nil {
		runtime.Close(ctx)
		return nil, err
	}

	return &Driver{
		manifest: manifest,
		runtime:  runtime,
		compiled: compiled,
		timeout:  timeout,
		logger:   log,
	}, nil
}

// registerHostFunctions registers the ferrite host module the guest can
// import.
func registerHostFunctions(ctx context.Context, runtime wazero.Runtime, logger zerolog.Logger) error {
	builder := runtime.NewHostModuleBuilder("ferrite")

	// log(level, ptr, len) writes a guest message to the host logger.
	// Levels: 0 trace, 1 debug, 2 info, 3 warn, 4 error.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, ptr, msgLen uint32) {
			msg, ok := mod.Memory().Read(ptr, msgLen)
			if !ok {
				return
			}
			logger.WithLevel(guestLogLevel(level)).Msg(string(msg))
		}).
		Export("log")

	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("failed to instantiate host module: %w", err)
	}

	return nil
}

func guestLogLevel(level uint32) zerolog.Level {
	switch level {
	case 0:
		return zerolog.TraceLevel
	case 1:
		return zerolog.DebugLevel
	case 3:
		return zerolog.WarnLevel
	case 4:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// checkExports verifies the module exports the bridge functions and one
// entry per declared stage.
func checkExports(compiled wazero.CompiledModule, manifest *Manifest) error {
	exports := compiled.ExportedFunctions()

	required := []string{"malloc", "free"}
	for _, stage := range manifest.Stages {
		required = append(required, stageExport(stage))
	}
	for _, name := range required {
		if _, ok := exports[name]; !ok {
			return fmt.Errorf("module does not export %s", name)
		}
	}

	return nil
}

// stageExport returns the guest export name for a stage.
func stageExport(stage string) string {
	return "driver_" + stage
}

// Name returns the driver name from the manifest.
func (d *Driver) Name() string {
	return d.manifest.Name
}

// Manifest returns the driver manifest.
func (d *Driver) Manifest() *Manifest {
	return d.manifest
}

// FetchSource runs the plugin's source stage.
func (d *Driver) FetchSource(ctx context.Context, req *engine.BuildRequest) error {
	_, err := d.invoke(ctx, StageSource, req)
	return err
}

// Build runs the plugin's build stage.
func (d *Driver) Build(ctx context.Context, req *engine.BuildRequest) error {
	_, err := d.invoke(ctx, StageBuild, req)
	return err
}

// Package runs the plugin's package stage and assembles the artifact from
// the returned info and the request's package directory.
func (d *Driver) Package(ctx context.Context, req *engine.BuildRequest) (*engine.Artifact, error) {
	resp, err := d.invoke(ctx, StagePackage, req)
	if err != nil {
		return nil, err
	}

	return &engine.Artifact{
		Ref:         req.Ref.String(),
		Fingerprint: req.Fingerprint,
		Path:        req.PackageDir,
		Info:        resp.Info,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// invoke runs one stage in a fresh module instance.
func (d *Driver) invoke(ctx context.Context, stage string, req *engine.BuildRequest) (*stageResponse, error) {
	if !d.manifest.SupportsStage(stage) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("driver %s does not implement stage %s", d.manifest.Name, stage), nil).
			WithCode(engine.ErrCodeDriver).
			WithRef(req.Ref.String()).
			WithOperation(stage)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	wire := guestRequest(req)
	input, err := json.Marshal(wire)
	if err != nil {
		return nil, engine.NewPermanentError("failed to marshal build request", err).
			WithCode(engine.ErrCodeDriver).WithRef(req.Ref.String()).WithOperation(stage)
	}

	instance, err := d.runtime.InstantiateModule(ctx, d.compiled, d.moduleConfig(req))
	if err != nil {
		return nil, d.stageError(ctx, stage, req, "failed to instantiate module", err)
	}
	defer instance.Close(context.WithoutCancel(ctx))

	bridge, err := newBridge(instance)
	if err != nil {
		return nil, engine.NewPermanentError("invalid driver module", err).
			WithCode(engine.ErrCodeDriver).WithRef(req.Ref.String()).WithOperation(stage)
	}

	output, err := bridge.call(ctx, stageExport(stage), input)
	if err != nil {
		return nil, d.stageError(ctx, stage, req, "stage call failed", err)
	}

	var resp stageResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, engine.NewPermanentError("failed to unmarshal stage response", err).
			WithCode(engine.ErrCodeDriver).WithRef(req.Ref.String()).WithOperation(stage)
	}

	if resp.Error != "" {
		return nil, engine.NewPermanentError(resp.Error, nil).
			WithCode(engine.ErrCodeDriver).WithRef(req.Ref.String()).WithOperation(stage)
	}

	return &resp, nil
}

// stageError classifies a failed stage call. Deadline and cancellation
// are transient so the scheduler may retry; everything else is
// permanent.
func (d *Driver) stageError(ctx context.Context, stage string, req *engine.BuildRequest, msg string, err error) *engine.ResolveError {
	rerr := engine.NewPermanentError(msg, err)
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		rerr = engine.NewTransientError(msg, err)
	}
	return rerr.WithCode(engine.ErrCodeDriver).WithRef(req.Ref.String()).WithOperation(stage)
}

// guestRequest copies the build request, rewriting host directories to
// the guest mount points.
func guestRequest(req *engine.BuildRequest) *engine.BuildRequest {
	wire := *req
	if req.RecipeDir != "" {
		wire.RecipeDir = guestRecipeDir
	}
	if req.SourceDir != "" {
		wire.SourceDir = guestSourceDir
	}
	if req.BuildDir != "" {
		wire.BuildDir = guestBuildDir
	}
	if req.PackageDir != "" {
		wire.PackageDir = guestPackageDir
	}
	return &wire
}

// moduleConfig builds the per-invocation module configuration: anonymous
// instance, request directories mounted, guest output routed to the
// logger.
func (d *Driver) moduleConfig(req *engine.BuildRequest) wazero.ModuleConfig {
	fs := wazero.NewFSConfig()
	if req.RecipeDir != "" {
		fs = fs.WithReadOnlyDirMount(req.RecipeDir, guestRecipeDir)
	}
	if req.SourceDir != "" {
		fs = fs.WithDirMount(req.SourceDir, guestSourceDir)
	}
	if req.BuildDir != "" {
		fs = fs.WithDirMount(req.BuildDir, guestBuildDir)
	}
	if req.PackageDir != "" {
		fs = fs.WithDirMount(req.PackageDir, guestPackageDir)
	}

	return wazero.NewModuleConfig().
		WithName("").
		WithFSConfig(fs).
		WithStdout(stageWriter{logger: d.logger, level: zerolog.DebugLevel}).
		WithStderr(stageWriter{logger: d.logger, level: zerolog.WarnLevel}).
		WithSysWalltime().
		WithSysNanotime()
}

// Close releases the runtime and the compiled module.
func (d *Driver) Close(ctx context.Context) error {
	if d.runtime != nil {
		if err := d.runtime.Close(ctx); err != nil {
			return fmt.Errorf("failed to close WASM runtime: %w", err)
		}
	}
	return nil
}

// stageWriter forwards guest stdout/stderr lines to the host logger.
type stageWriter struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func (w stageWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		w.logger.WithLevel(w.level).Msg(line)
	}
	return len(p), nil
}
