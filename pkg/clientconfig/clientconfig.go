// Package clientconfig loads the client configuration file
// (~/.ferrite/config.toml by default) and resolves named profiles over
// the detected host platform.
package clientconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendSFTP   = "sftp"
)

// Duration decodes TOML strings like "10m" through time.ParseDuration.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the client configuration document.
type Config struct {
	// Storage selects and configures the artifact store backend.
	Storage StorageConfig `toml:"storage"`

	// Remotes are named SSH/SFTP endpoints usable as remote stores.
	Remotes map[string]RemoteConfig `toml:"remotes" validate:"dive"`

	// Engine tunes resolution and stage execution.
	Engine EngineConfig `toml:"engine"`

	// RecipesDir is the local recipe index root, laid out as
	// <name>/<version>/<user>/<channel>/recipe.cue.
	RecipesDir string `toml:"recipes_dir"`

	// PolicyDir holds rego policies evaluated over resolved graphs.
	PolicyDir string `toml:"policy_dir"`

	// SettingsSchema optionally overrides the embedded settings
	// universe with a YAML schema file.
	SettingsSchema string `toml:"settings_schema"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetryConfig `toml:"telemetry"`

	// Profiles are named settings/options bundles layered over the
	// detected platform profile.
	Profiles map[string]Profile `toml:"profiles"`
}

// StorageConfig selects the artifact store backend.
type StorageConfig struct {
	// Backend is the store implementation.
	Backend string `toml:"backend" validate:"required,oneof=file sqlite redis sftp"`

	// Root is the local store directory (file and sqlite backends).
	// Empty means ~/.ferrite/storage.
	Root string `toml:"root"`

	// Remote names the [remotes] entry the sftp backend uses.
	Remote string `toml:"remote"`

	// Redis configures the redis backend.
	Redis RedisConfig `toml:"redis"`
}

// RedisConfig holds redis backend settings.
type RedisConfig struct {
	Addr      string   `toml:"addr"`
	Password  string   `toml:"password"`
	DB        int      `toml:"db" validate:"gte=0"`
	KeyPrefix string   `toml:"key_prefix"`
	TTL       Duration `toml:"ttl"`
}

// RemoteConfig describes one SSH/SFTP endpoint.
type RemoteConfig struct {
	// Host is the remote hostname or address.
	Host string `toml:"host" validate:"required"`

	// Port is the SSH port. Zero means 22.
	Port int `toml:"port" validate:"gte=0,lte=65535"`

	// User is the SSH username.
	User string `toml:"user" validate:"required"`

	// Auth selects the authentication method.
	Auth string `toml:"auth" validate:"omitempty,oneof=key password"`

	// KeyPath is the private key file for key authentication.
	KeyPath string `toml:"key_path"`

	// KnownHostsPath enables host key verification when set.
	KnownHostsPath string `toml:"known_hosts"`

	// Root is the remote store directory.
	Root string `toml:"root" validate:"required"`

	// VerifyUploads re-hashes uploaded content on the remote side.
	VerifyUploads bool `toml:"verify_uploads"`
}

// EngineConfig tunes resolution and stage execution.
type EngineConfig struct {
	// Workers bounds concurrent stage execution. Zero means one worker
	// per CPU.
	Workers int `toml:"workers" validate:"gte=0"`

	// MaxRetries bounds extra attempts for retryable stage failures.
	MaxRetries int `toml:"max_retries" validate:"gte=0"`

	// StageTimeout bounds a single driver stage.
	StageTimeout Duration `toml:"stage_timeout"`

	// DriversDir is scanned for WASM driver plugins.
	DriversDir string `toml:"drivers_dir"`

	// RunnerPath is the ferrite-runner binary for the script driver.
	// Empty means looking it up on PATH.
	RunnerPath string `toml:"runner_path"`

	// WorkDir is where per-build stage directories are laid out.
	WorkDir string `toml:"work_dir"`
}

// TelemetryConfig mirrors the telemetry settings exposed to users.
type TelemetryConfig struct {
	// Environment tags telemetry output (development, staging,
	// production).
	Environment string `toml:"environment"`

	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
	Tracing TracingConfig `toml:"tracing"`
}

// LoggingConfig holds user-facing logging settings.
type LoggingConfig struct {
	Level  string `toml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `toml:"format" validate:"omitempty,oneof=console json"`
}

// MetricsConfig holds user-facing metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`

	// ListenAddress serves /metrics when set.
	ListenAddress string `toml:"listen_address"`
}

// TracingConfig holds user-facing tracing settings.
type TracingConfig struct {
	Enabled      bool    `toml:"enabled"`
	Exporter     string  `toml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint     string  `toml:"endpoint"`
	SamplingRate float64 `toml:"sampling_rate" validate:"gte=0,lte=1"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: BackendFile,
		},
		Engine: EngineConfig{
			MaxRetries:   2,
			StageTimeout: Duration(30 * time.Minute),
		},
		Telemetry: TelemetryConfig{
			Environment: "development",
			Logging: LoggingConfig{
				Level:  "info",
				Format: "console",
			},
			Metrics: MetricsConfig{
				Enabled: true,
			},
			Tracing: TracingConfig{
				Exporter:     "stdout",
				SamplingRate: 1.0,
			},
		},
	}
}

// DefaultPath returns ~/.ferrite/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".ferrite", "config.toml"), nil
}

// Load reads and validates a configuration file. Unknown keys are
// rejected.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown configuration key %q in %s", undecoded[0].String(), path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to the
// defaults when it does not.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// Validate checks structural constraints and backend cross-fields.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage backend redis requires storage.redis.addr")
		}
	case BackendSFTP:
		if c.Storage.Remote == "" {
			return fmt.Errorf("storage backend sftp requires storage.remote")
		}
		if _, ok := c.Remotes[c.Storage.Remote]; !ok {
			return fmt.Errorf("storage.remote %q is not declared under [remotes]", c.Storage.Remote)
		}
	}

	for name, p := range c.Profiles {
		for path, value := range p.Settings {
			if path == "" || value == "" {
				return fmt.Errorf("profile %q has an empty settings entry", name)
			}
		}
	}
	return nil
}

// StorageRoot returns the configured store directory, defaulting to
// ~/.ferrite/storage.
func (c *Config) StorageRoot() (string, error) {
	if c.Storage.Root != "" {
		return c.Storage.Root, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".ferrite", "storage"), nil
}

// RecipesRoot returns the configured recipe index directory, defaulting
// to ~/.ferrite/recipes.
func (c *Config) RecipesRoot() (string, error) {
	if c.RecipesDir != "" {
		return c.RecipesDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".ferrite", "recipes"), nil
}

// WorkRoot returns the build workspace directory, defaulting to
// ~/.ferrite/build.
func (c *Config) WorkRoot() (string, error) {
	if c.Engine.WorkDir != "" {
		return c.Engine.WorkDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".ferrite", "build"), nil
}
