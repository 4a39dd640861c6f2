package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ferrite-build/ferrite/pkg/clientconfig"
	"github.com/ferrite-build/ferrite/pkg/configspace"
	"github.com/ferrite-build/ferrite/pkg/drivers"
	"github.com/ferrite-build/ferrite/pkg/drivers/wasm"
	"github.com/ferrite-build/ferrite/pkg/engine"
	"github.com/ferrite-build/ferrite/pkg/policy"
	"github.com/ferrite-build/ferrite/pkg/recipe"
	"github.com/ferrite-build/ferrite/pkg/stores"
	"github.com/ferrite-build/ferrite/pkg/telemetry"
	sshtransport "github.com/ferrite-build/ferrite/pkg/transports/ssh"
)

// appRuntime bundles what the resolution commands assemble from the
// client configuration: telemetry, the artifact store, the recipe
// index, the policy gate and the engine.
type appRuntime struct {
	cfg    *clientconfig.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	store  stores.ArtifactStore
	index  *recipe.FSIndex
	eng    *engine.Engine

	closers []func()
}

// runtimeOptions adjusts what newRuntime assembles.
type runtimeOptions struct {
	// version stamps the telemetry service version.
	version string

	// driverName selects the build driver: empty or "script" for the
	// external runner, anything else names a WASM plugin, optionally as
	// name@constraint.
	driverName string

	// startDriver spawns the runner process and checks its capabilities.
	// Commands that never execute stages leave the driver cold.
	startDriver bool

	// requireLockfile arms the policy denial of floating version ranges.
	requireLockfile bool
}

func (rt *appRuntime) onClose(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// close releases runtime resources in reverse assembly order.
func (rt *appRuntime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// indexStore exposes the run and event persistence surface when the
// configured backend provides one.
func (rt *appRuntime) indexStore() (stores.IndexStore, bool) {
	idx, ok := rt.store.(stores.IndexStore)
	return idx, ok
}

// loadConfig resolves the configuration path and loads the client
// configuration, falling back to defaults when no file exists.
func loadConfig() (*clientconfig.Config, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = clientconfig.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	cfg, err := clientconfig.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// newRuntime assembles the full pipeline for the resolve, install and
// graph commands.
func newRuntime(ctx context.Context, opts runtimeOptions) (*appRuntime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(cfg, opts.version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	rt := &appRuntime{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}
	rt.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			rt.logger.Debug().Err(err).Msg("telemetry shutdown incomplete")
		}
	})
	if cfg.Telemetry.Metrics.Enabled && cfg.Telemetry.Metrics.ListenAddress != "" {
		if err := tel.StartMetricsServer(); err != nil {
			rt.close()
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	recipesRoot, err := cfg.RecipesRoot()
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.index = recipe.NewFSIndex(recipesRoot)

	store, err := openStore(ctx, cfg, rt.logger)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.store = store
	rt.onClose(func() {
		if err := store.Close(); err != nil {
			rt.logger.Debug().Err(err).Msg("store close failed")
		}
	})

	var policyPaths []string
	if cfg.PolicyDir != "" {
		policyPaths = []string{cfg.PolicyDir}
	}
	gate, err := policy.NewEngine(policy.Config{
		PolicyPaths:     policyPaths,
		RequireLockfile: opts.requireLockfile,
		Environment:     cfg.Telemetry.Environment,
	}, rt.logger)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	universe, err := loadUniverse(cfg)
	if err != nil {
		rt.close()
		return nil, err
	}

	driver, driverLabel, err := rt.buildDriver(ctx, opts)
	if err != nil {
		rt.close()
		return nil, err
	}

	workRoot, err := cfg.WorkRoot()
	if err != nil {
		rt.close()
		return nil, err
	}

	eng, err := engine.NewEngine(engine.EngineConfig{
		Provider:    rt.index,
		Store:       telemetry.NewInstrumentedStore(store, cfg.Storage.Backend, tel),
		Driver:      telemetry.NewInstrumentedDriver(driver, driverLabel, tel),
		Policy:      telemetry.NewInstrumentedGate(gate, tel),
		Events:      tel.Events,
		Universe:    universe,
		MaxParallel: cfg.Engine.Workers,
		MaxRetries:  retryConfig(cfg),
		WorkRoot:    workRoot,
		Logger:      rt.logger,
	})
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.eng = eng

	tel.Events.Subscribe(telemetry.NewLogSubscriber(tel.Logger), nil)
	tel.Events.Subscribe(telemetry.NewMetricsSubscriber(tel.Metrics), nil)

	return rt, nil
}

// buildDriver constructs the selected build driver. The script driver is
// only spawned when the command executes stages.
func (rt *appRuntime) buildDriver(ctx context.Context, opts runtimeOptions) (engine.BuildDriver, string, error) {
	name := opts.driverName
	if name == "" || name == drivers.ScriptDriverName {
		runnerPath := rt.cfg.Engine.RunnerPath
		if runnerPath == "" {
			runnerPath = "ferrite-runner"
		}
		d, err := drivers.NewScriptDriver(drivers.ScriptConfig{
			RunnerPath: runnerPath,
			Timeout:    rt.cfg.Engine.StageTimeout.Std(),
			Logger:     rt.logger,
		})
		if err != nil {
			return nil, "", err
		}
		if opts.startDriver {
			if err := d.Start(ctx); err != nil {
				return nil, "", err
			}
			rt.onClose(func() {
				if err := d.Close(); err != nil {
					rt.logger.Debug().Err(err).Msg("runner close failed")
				}
			})
		}
		return d, drivers.ScriptDriverName, nil
	}

	driversDir := rt.cfg.Engine.DriversDir
	if driversDir == "" {
		return nil, "", fmt.Errorf("driver %q requested but engine.drivers_dir is not configured", name)
	}
	registry := wasm.NewRegistry(driversDir, &wasm.HostConfig{
		Timeout: rt.cfg.Engine.StageTimeout.Std(),
	}, rt.logger)
	if err := registry.ScanDirectory(ctx, driversDir); err != nil {
		return nil, "", err
	}
	rt.onClose(func() {
		if err := registry.Close(context.Background()); err != nil {
			rt.logger.Debug().Err(err).Msg("driver registry close failed")
		}
	})

	name, constraint, _ := strings.Cut(name, "@")
	d, err := registry.Get(ctx, name, constraint)
	if err != nil {
		return nil, "", err
	}
	return d, name, nil
}

// telemetryConfig maps the client configuration onto the telemetry
// stack's configuration.
func telemetryConfig(cfg *clientconfig.Config, version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}
	if cfg.Telemetry.Environment != "" {
		tc.Environment = cfg.Telemetry.Environment
	}
	if cfg.Telemetry.Logging.Level != "" {
		tc.Logging.Level = cfg.Telemetry.Logging.Level
	}
	if cfg.Telemetry.Logging.Format != "" {
		tc.Logging.Format = cfg.Telemetry.Logging.Format
	}
	tc.Metrics.Enabled = cfg.Telemetry.Metrics.Enabled
	tc.Metrics.ListenAddress = cfg.Telemetry.Metrics.ListenAddress
	tc.Tracing.Enabled = cfg.Telemetry.Tracing.Enabled
	if cfg.Telemetry.Tracing.Exporter != "" {
		tc.Tracing.Exporter = cfg.Telemetry.Tracing.Exporter
	}
	if cfg.Telemetry.Tracing.Endpoint != "" {
		tc.Tracing.Endpoint = cfg.Telemetry.Tracing.Endpoint
	}
	if cfg.Telemetry.Tracing.SamplingRate > 0 {
		tc.Tracing.SamplingRate = cfg.Telemetry.Tracing.SamplingRate
	}
	return tc
}

// retryConfig translates the client retry setting into the engine's
// convention, where explicit zero disables retries.
func retryConfig(cfg *clientconfig.Config) int {
	if cfg.Engine.MaxRetries == 0 {
		return -1
	}
	return cfg.Engine.MaxRetries
}

// openStore constructs the configured artifact store backend.
func openStore(ctx context.Context, cfg *clientconfig.Config, logger zerolog.Logger) (stores.ArtifactStore, error) {
	root, err := cfg.StorageRoot()
	if err != nil {
		return nil, err
	}

	switch cfg.Storage.Backend {
	case clientconfig.BackendFile, "":
		return stores.NewFileStore(stores.FileConfig{Root: root})

	case clientconfig.BackendSQLite:
		store, err := stores.NewSQLiteStore(stores.Config{
			Path: filepath.Join(root, "ferrite.db"),
		})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		return store, nil

	case clientconfig.BackendRedis:
		return stores.NewRedisStore(ctx, stores.RedisConfig{
			Addr:      cfg.Storage.Redis.Addr,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
			TTL:       cfg.Storage.Redis.TTL.Std(),
		})

	case clientconfig.BackendSFTP:
		remote, ok := cfg.Remotes[cfg.Storage.Remote]
		if !ok {
			return nil, fmt.Errorf("remote %q is not declared under [remotes]", cfg.Storage.Remote)
		}
		client, err := connectRemote(ctx, remote)
		if err != nil {
			return nil, err
		}
		store, err := stores.NewSFTPStore(client, stores.SFTPConfig{
			Root:          remote.Root,
			VerifyUploads: remote.VerifyUploads,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// connectRemote dials a configured SSH remote.
func connectRemote(ctx context.Context, remote clientconfig.RemoteConfig) (*sshtransport.Client, error) {
	sshCfg := sshtransport.DefaultConfig(remote.Host, remote.User)
	if remote.Port != 0 {
		sshCfg.Port = remote.Port
	}
	if remote.Auth != "" {
		sshCfg.AuthMethod = sshtransport.AuthMethod(remote.Auth)
	}
	if remote.KeyPath != "" {
		sshCfg.PrivateKeyPath = remote.KeyPath
	}
	if remote.KnownHostsPath != "" {
		sshCfg.KnownHostsPath = remote.KnownHostsPath
	}

	client, err := sshtransport.NewClient(sshCfg)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", remote.Host, err)
	}
	return client, nil
}

// loadUniverse reads the configured settings schema override, nil for
// the built-in universe.
func loadUniverse(cfg *clientconfig.Config) (configspace.Schema, error) {
	if cfg.SettingsSchema == "" {
		return nil, nil
	}
	data, err := os.ReadFile(cfg.SettingsSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings schema: %w", err)
	}
	schema, err := configspace.ParseSchemaYAML(data)
	if err != nil {
		return nil, fmt.Errorf("invalid settings schema %s: %w", cfg.SettingsSchema, err)
	}
	return schema, nil
}

// loadRootRecipe parses the recipe at path, which may name the file or
// its directory.
func loadRootRecipe(path string) (*recipe.Recipe, error) {
	if path == "" {
		path = "."
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("recipe path: %w", err)
	}
	if info.IsDir() {
		path = filepath.Join(path, recipe.RecipeFileName)
	}
	return recipe.NewParser().ParseFile(path)
}

// buildProfile layers the named (or detected) profile under explicit
// -s/-o assignments and converts it to the engine's form.
func buildProfile(cfg *clientconfig.Config, name string, settings, options []string) (*engine.Profile, error) {
	base, err := cfg.Profile(name)
	if err != nil {
		return nil, err
	}

	overrides, err := parseAssignments(settings)
	if err != nil {
		return nil, fmt.Errorf("invalid setting: %w", err)
	}
	optionValues, err := parseAssignments(options)
	if err != nil {
		return nil, fmt.Errorf("invalid option: %w", err)
	}

	merged := base.Merge(clientconfig.Profile{Settings: overrides, Options: optionValues})
	return &engine.Profile{Settings: merged.Settings, Options: merged.Options}, nil
}

// parseAssignments parses repeated key=value flags.
func parseAssignments(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		out[key] = value
	}
	return out, nil
}
