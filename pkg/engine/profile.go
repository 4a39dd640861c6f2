package engine

import (
	"sort"
	"strings"

	"github.com/ferrite-build/ferrite/pkg/ref"
	"github.com/ferrite-build/ferrite/pkg/version"
)

// Profile is the session input configuration: the settings values the whole
// graph resolves under, and option assignments for the root package or
// imposed on specific packages.
type Profile struct {
	// Settings maps dotted settings paths to values ("os" -> "Linux",
	// "compiler.version" -> "13").
	Settings map[string]string `json:"settings,omitempty"`

	// Options maps option keys to values. A bare key ("shared") applies to
	// the root package; a scoped key ("zlib:shared") is imposed on every
	// graph node with that package name.
	Options map[string]string `json:"options,omitempty"`
}

// settingPaths returns the profile's settings paths sorted so parent
// attributes are assigned before their sub-attributes.
func (p *Profile) settingPaths() []string {
	paths := make([]string, 0, len(p.Settings))
	for path := range p.Settings {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// ownOptions returns the unscoped option assignments, for the root package.
func (p *Profile) ownOptions() map[string]string {
	out := make(map[string]string)
	for k, v := range p.Options {
		if !strings.Contains(k, ":") {
			out[k] = v
		}
	}
	return out
}

// scopedOptions returns per-package option impositions keyed by package
// name.
func (p *Profile) scopedOptions() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for k, v := range p.Options {
		name, opt, found := strings.Cut(k, ":")
		if !found {
			continue
		}
		if out[name] == nil {
			out[name] = make(map[string]any)
		}
		out[name][opt] = v
	}
	return out
}

// ResolveOptions is the explicit per-session configuration threaded through
// graph building and conflict resolution.
type ResolveOptions struct {
	// Preferred pins or prefers versions per package key, typically from a
	// lockfile. A preferred version satisfying a requirement wins over
	// higher candidates.
	Preferred map[ref.Key]version.Version `json:"-"`

	// ErrorOnOverride reports an error when an override pin actually
	// changes the version a requirement would have resolved to on its own.
	ErrorOnOverride bool `json:"errorOnOverride,omitempty"`

	// Workers bounds stage execution parallelism. Zero means the
	// scheduler default.
	Workers int `json:"workers,omitempty"`
}

// preferredFor returns the preferred versions for a key, empty when none.
func (o ResolveOptions) preferredFor(key ref.Key) []version.Version {
	if o.Preferred == nil {
		return nil
	}
	v, ok := o.Preferred[key]
	if !ok {
		return nil
	}
	return []version.Version{v}
}
