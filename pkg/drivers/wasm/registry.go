package wasm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ferrite-build/ferrite/pkg/engine"
	"github.com/ferrite-build/ferrite/pkg/version"
)

// ManifestFileName is the manifest file looked up when scanning a
// drivers directory.
const ManifestFileName = "driver.yaml"

// Registry holds registered driver plugins and instantiates them on
// demand. Drivers are keyed by name@version.
type Registry struct {
	mu sync.RWMutex

	// drivers maps driver key to instantiated host.
	drivers map[string]*Driver

	// manifests maps driver key to manifest.
	manifests map[string]*Manifest

	// modules maps driver key to module bytes.
	modules map[string][]byte

	loader     *Loader
	hostConfig *HostConfig
	logger     zerolog.Logger
}

// NewRegistry creates a new driver registry. baseDir resolves relative
// module paths for manifests loaded from bytes.
func NewRegistry(baseDir string, hostConfig *HostConfig, logger zerolog.Logger) *Registry {
	return &Registry{
		drivers:    make(map[string]*Driver),
		manifests:  make(map[string]*Manifest),
		modules:    make(map[string][]byte),
		loader:     NewLoader(baseDir),
		hostConfig: hostConfig,
		logger:     logger.With().Str("component", "drivers").Logger(),
	}
}

// Register registers a driver from manifest YAML and module bytes. The
// manifest checksum, when present, is verified against the module.
func (r *Registry) Register(ctx context.Context, manifestData, module []byte) error {
	manifest, err := r.loader.LoadFromBytes(manifestData, module)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}

	return r.store(manifest, module)
}

// RegisterFromPath registers a driver from a manifest file, reading the
// module it points at.
func (r *Registry) RegisterFromPath(ctx context.Context, manifestPath string) error {
	manifest, err := r.loader.LoadFromFile(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}

	module, err := os.ReadFile(manifest.ModulePath)
	if err != nil {
		return fmt.Errorf("failed to read module: %w", err)
	}

	if manifest.Checksum != "" {
		if err := manifest.VerifyChecksum(module); err != nil {
			return err
		}
	}

	return r.store(manifest, module)
}

func (r *Registry) store(manifest *Manifest, module []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := manifest.Key()
	if _, exists := r.manifests[key]; exists {
		return fmt.Errorf("driver %s already registered", key)
	}

	r.manifests[key] = manifest
	r.modules[key] = module

	r.logger.Debug().Str("key", key).Strs("stages", manifest.Stages).Msg("registered driver")
	return nil
}

// ScanDirectory registers every subdirectory of dir carrying a
// driver.yaml. Broken drivers are logged and skipped.
func (r *Registry) ScanDirectory(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read drivers directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestPath := filepath.Join(dir, entry.Name(), ManifestFileName)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		if err := r.RegisterFromPath(ctx, manifestPath); err != nil {
			r.logger.Warn().Err(err).Str("manifest", manifestPath).Msg("skipping driver")
		}
	}

	return nil
}

// Get returns the driver matching name and constraint, instantiating it
// on first use. constraint is an exact version, a range expression, or
// empty/"latest" for the highest registered version.
func (r *Registry) Get(ctx context.Context, name, constraint string) (engine.BuildDriver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, err := r.resolveVersion(name, constraint)
	if err != nil {
		return nil, err
	}

	if driver, exists := r.drivers[key]; exists {
		return driver, nil
	}

	manifest := r.manifests[key]
	module, exists := r.modules[key]
	if !exists {
		return nil, fmt.Errorf("module for driver %s not found", key)
	}

	driver, err := NewDriver(ctx, manifest, module, r.hostConfig, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create driver %s: %w", key, err)
	}

	r.drivers[key] = driver
	return driver, nil
}

// List returns the registered manifests, sorted by key.
func (r *Registry) List() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	manifests := make([]*Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].Key() < manifests[j].Key()
	})
	return manifests
}

// Unregister removes a driver, closing it if instantiated.
func (r *Registry) Unregister(ctx context.Context, name, ver string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := driverKey(name, ver)

	if driver, exists := r.drivers[key]; exists {
		if err := driver.Close(ctx); err != nil {
			return fmt.Errorf("failed to close driver: %w", err)
		}
		delete(r.drivers, key)
	}

	delete(r.manifests, key)
	delete(r.modules, key)

	return nil
}

// Close closes all instantiated drivers and clears the registry.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for key, driver := range r.drivers {
		if err := driver.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close driver %s: %w", key, err))
		}
	}

	r.drivers = make(map[string]*Driver)
	r.manifests = make(map[string]*Manifest)
	r.modules = make(map[string][]byte)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing drivers: %v", errs)
	}
	return nil
}

// resolveVersion resolves a version constraint against the registered
// versions of a driver. Exact versions match directly; anything else is
// parsed as a range.
func (r *Registry) resolveVersion(name, constraint string) (string, error) {
	var candidates []version.Version
	for _, m := range r.manifests {
		if m.Name == name {
			candidates = append(candidates, version.Parse(m.Version))
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("driver %s not registered", name)
	}

	if constraint == "" || constraint == "latest" {
		best := candidates[0]
		for _, v := range candidates[1:] {
			if version.Compare(v, best) > 0 {
				best = v
			}
		}
		return driverKey(name, best.String()), nil
	}

	if key := driverKey(name, constraint); r.manifests[key] != nil {
		return key, nil
	}

	rng, err := version.ParseRange(constraint)
	if err != nil {
		return "", fmt.Errorf("driver %s@%s not registered", name, constraint)
	}
	v, ok := version.MaxSatisfying(rng, candidates, nil)
	if !ok {
		return "", fmt.Errorf("no registered version of driver %s satisfies %s", name, constraint)
	}
	return driverKey(name, v.String()), nil
}

// driverKey builds the registry key for a driver.
func driverKey(name, version string) string {
	return name + "@" + version
}
