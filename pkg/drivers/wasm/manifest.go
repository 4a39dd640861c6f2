package wasm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Stage names a driver plugin may implement.
const (
	StageSource  = "source"
	StageBuild   = "build"
	StagePackage = "package"
)

// Manifest describes a WASM driver plugin: its identity, the module file,
// the stages it implements and its resource limits.
type Manifest struct {
	// Name is the driver name (e.g. "shell.build").
	Name string `yaml:"name"`

	// Version is the driver version.
	Version string `yaml:"version"`

	// Description describes what the driver builds.
	Description string `yaml:"description,omitempty"`

	// Author is the driver author.
	Author string `yaml:"author,omitempty"`

	// License is the driver license identifier.
	License string `yaml:"license,omitempty"`

	// Entrypoint is the WASM module file, relative to the manifest unless
	// absolute.
	Entrypoint string `yaml:"entrypoint"`

	// Checksum is the hex sha256 of the module file. When set, the module
	// is verified against it before loading.
	Checksum string `yaml:"checksum,omitempty"`

	// Stages lists the stages the module exports (source, build, package).
	Stages []string `yaml:"stages"`

	// Limits bound the module's resources.
	Limits Limits `yaml:"limits,omitempty"`

	// Path is the file path the manifest was loaded from.
	Path string `yaml:"-"`

	// ModulePath is the resolved path to the WASM module.
	ModulePath string `yaml:"-"`

	// Verified indicates the module checksum has been verified.
	Verified bool `yaml:"-"`
}

// Limits bound a driver module's memory and per-stage execution time.
type Limits struct {
	// MemoryPages is the linear memory limit in 64KB pages.
	MemoryPages uint32

	// Timeout bounds a single stage invocation.
	Timeout time.Duration
}

// UnmarshalYAML decodes limits, parsing the timeout from a duration
// string ("90s", "10m").
func (l *Limits) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MemoryPages uint32 `yaml:"memory_pages"`
		Timeout     string `yaml:"timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	l.MemoryPages = raw.MemoryPages
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", raw.Timeout, err)
		}
		l.Timeout = d
	}
	return nil
}

// Key returns the registry key for this manifest (name@version).
func (m *Manifest) Key() string {
	return driverKey(m.Name, m.Version)
}

// SupportsStage reports whether the driver implements the given stage.
func (m *Manifest) SupportsStage(stage string) bool {
	for _, s := range m.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// VerifyChecksum verifies the module bytes against the manifest checksum.
func (m *Manifest) VerifyChecksum(module []byte) error {
	if m.Checksum == "" {
		return fmt.Errorf("no checksum in manifest")
	}

	hash := sha256.Sum256(module)
	computed := hex.EncodeToString(hash[:])
	if computed != m.Checksum {
		return fmt.Errorf("module checksum mismatch: expected %s, got %s",
			m.Checksum, computed)
	}

	m.Verified = true
	return nil
}

// Loader loads and validates driver manifests.
type Loader struct {
	// BaseDir is the base directory for resolving relative module paths.
	BaseDir string
}

// NewLoader creates a new manifest loader.
func NewLoader(baseDir string) *Loader {
	return &Loader{BaseDir: baseDir}
}

// LoadFromFile loads a manifest from a YAML file and resolves the module
// path, which must exist.
func (l *Loader) LoadFromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := l.validate(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	manifest.Path = path
	if err := l.resolveModulePath(&manifest); err != nil {
		return nil, fmt.Errorf("failed to resolve module path: %w", err)
	}

	return &manifest, nil
}

// LoadFromBytes loads a manifest from raw YAML, verifying the module
// checksum when the manifest carries one.
func (l *Loader) LoadFromBytes(data []byte, module []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := l.validate(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	if manifest.Checksum != "" {
		if err := manifest.VerifyChecksum(module); err != nil {
			return nil, err
		}
	}

	return &manifest, nil
}

// validate checks the basic structure of a manifest.
func (l *Loader) validate(manifest *Manifest) error {
	if manifest.Name == "" {
		return fmt.Errorf("driver name is required")
	}
	if manifest.Version == "" {
		return fmt.Errorf("driver version is required")
	}
	if manifest.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}

	if len(manifest.Stages) == 0 {
		return fmt.Errorf("at least one stage is required")
	}
	seen := make(map[string]bool)
	for _, stage := range manifest.Stages {
		switch stage {
		case StageSource, StageBuild, StagePackage:
		default:
			return fmt.Errorf("unknown stage %q", stage)
		}
		if seen[stage] {
			return fmt.Errorf("duplicate stage %q", stage)
		}
		seen[stage] = true
	}

	if manifest.Checksum != "" {
		if len(manifest.Checksum) != sha256.Size*2 {
			return fmt.Errorf("checksum must be a hex sha256")
		}
		if _, err := hex.DecodeString(manifest.Checksum); err != nil {
			return fmt.Errorf("checksum must be a hex sha256")
		}
	}

	return nil
}

// resolveModulePath resolves the entrypoint to an existing module file.
func (l *Loader) resolveModulePath(manifest *Manifest) error {
	switch {
	case filepath.IsAbs(manifest.Entrypoint):
		manifest.ModulePath = manifest.Entrypoint
	case manifest.Path != "":
		manifest.ModulePath = filepath.Join(filepath.Dir(manifest.Path), manifest.Entrypoint)
	default:
		manifest.ModulePath = filepath.Join(l.BaseDir, manifest.Entrypoint)
	}

	if _, err := os.Stat(manifest.ModulePath); err != nil {
		return fmt.Errorf("module not found at %s: %w", manifest.ModulePath, err)
	}

	return nil
}
