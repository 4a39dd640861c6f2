// Package lockfile pins the outcome of a resolution to a versioned
// JSON document, so later resolutions reproduce the same graph and can
// be verified against it.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/ferrite-build/ferrite/pkg/engine"
	"github.com/ferrite-build/ferrite/pkg/ref"
	"github.com/ferrite-build/ferrite/pkg/version"
)

// FormatVersion is the lockfile document version this package writes.
const FormatVersion = 1

// Lockfile is the serialized pin set of one resolution. Serialization
// is deterministic: the same graph produces the same bytes.
type Lockfile struct {
	// Version is the document format version.
	Version int `json:"version"`

	// Root is the root node's ID.
	Root string `json:"root"`

	// Packages maps node IDs to their pins.
	Packages map[string]LockedPackage `json:"packages"`
}

// LockedPackage pins one resolved package.
type LockedPackage struct {
	// Name is the package name.
	Name string `json:"name"`

	// Version is the resolved concrete version.
	Version string `json:"version"`

	// User is the optional namespace owner.
	User string `json:"user,omitempty"`

	// Channel is the optional namespace channel.
	Channel string `json:"channel,omitempty"`

	// Revision is the resolved recipe revision, when known.
	Revision string `json:"revision,omitempty"`

	// Fingerprint is the node's binary identifier, when computed.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Requires lists the IDs of the node's direct requirements, sorted.
	Requires []string `json:"requires,omitempty"`
}

// FromGraph captures a resolved graph's pins.
func FromGraph(g *engine.ResolvedGraph) *Lockfile {
	requires := make(map[string][]string, len(g.Nodes))
	for _, edge := range g.Edges {
		requires[edge.From] = append(requires[edge.From], edge.To)
	}

	packages := make(map[string]LockedPackage, len(g.Nodes))
	for id, node := range g.Nodes {
		deps := requires[id]
		sort.Strings(deps)
		packages[id] = LockedPackage{
			Name:        node.Ref.Name,
			Version:     node.Ref.Version,
			User:        node.Ref.User,
			Channel:     node.Ref.Channel,
			Revision:    node.Ref.Revision,
			Fingerprint: node.Fingerprint,
			Requires:    deps,
		}
	}

	return &Lockfile{
		Version:  FormatVersion,
		Root:     g.Root,
		Packages: packages,
	}
}

// Write serializes the lockfile to path.
func (l *Lockfile) Write(path string) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lockfile: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write lockfile %s: %w", path, err)
	}
	return nil
}

// Read loads and checks a lockfile document.
func Read(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lockfile %s: %w", path, err)
	}

	var l Lockfile
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse lockfile %s: %w", path, err)
	}
	if l.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported lockfile version %d (supported: %d)", l.Version, FormatVersion)
	}
	return &l, nil
}

// Verify checks a resolved graph against the pins: every node must be
// pinned at the same version, and revision and fingerprint must match
// where both sides carry them.
func (l *Lockfile) Verify(g *engine.ResolvedGraph) error {
	var problems []error

	if l.Root != g.Root {
		problems = append(problems, fmt.Errorf("root is %s, lockfile pins %s", g.Root, l.Root))
	}

	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		node := g.Nodes[id]
		locked, ok := l.Packages[id]
		if !ok {
			problems = append(problems, fmt.Errorf("package %s is not pinned", id))
			continue
		}
		if locked.Version != node.Ref.Version {
			problems = append(problems, fmt.Errorf("package %s resolved to %s, lockfile pins %s",
				id, node.Ref.Version, locked.Version))
		}
		if locked.Revision != "" && node.Ref.Revision != "" && locked.Revision != node.Ref.Revision {
			problems = append(problems, fmt.Errorf("package %s resolved revision %s, lockfile pins %s",
				id, node.Ref.Revision, locked.Revision))
		}
		if locked.Fingerprint != "" && node.Fingerprint != "" && locked.Fingerprint != node.Fingerprint {
			problems = append(problems, fmt.Errorf("package %s fingerprint %s does not match pinned %s",
				id, node.Fingerprint, locked.Fingerprint))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("lockfile verification failed: %w", errors.Join(problems...))
	}
	return nil
}

// Preferred converts the pins into the resolver's preferred-version
// set.
func (l *Lockfile) Preferred() map[ref.Key]version.Version {
	pins := make(map[ref.Key]version.Version, len(l.Packages))
	for _, p := range l.Packages {
		key := ref.Key{Name: p.Name, User: p.User, Channel: p.Channel}
		pins[key] = version.Parse(p.Version)
	}
	return pins
}
