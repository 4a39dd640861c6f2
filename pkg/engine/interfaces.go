package engine

import (
	"context"

	"github.com/ferrite-build/ferrite/pkg/recipe"
	"github.com/ferrite-build/ferrite/pkg/ref"
	"github.com/ferrite-build/ferrite/pkg/version"
)

// RecipeProvider serves recipes to the resolver and graph builder.
type RecipeProvider interface {
	// Candidates lists the versions available for a package key, in
	// ascending order. An unknown key yields an empty list.
	Candidates(ctx context.Context, key ref.Key) ([]version.Version, error)

	// Load returns the recipe for an exact reference.
	Load(ctx context.Context, r ref.Reference) (*recipe.Recipe, error)

	// Hooks loads the hook surface declared by a recipe, or nil when the
	// recipe declares none.
	Hooks(r *recipe.Recipe) (*recipe.Hooks, error)
}

// BuildDriver executes the external stages of one node's lifecycle. The
// orchestrator sequences the calls; the driver owns directories, processes
// and toolchains.
type BuildDriver interface {
	// FetchSource makes the node's sources available under
	// req.SourceDir.
	FetchSource(ctx context.Context, req *BuildRequest) error

	// Build compiles the node from req.SourceDir into req.BuildDir.
	Build(ctx context.Context, req *BuildRequest) error

	// Package assembles the final artifact from req.BuildDir into
	// req.PackageDir and returns the artifact with its produced info.
	Package(ctx context.Context, req *BuildRequest) (*Artifact, error)
}

// BuildRequest carries everything a driver needs for one node's stages.
type BuildRequest struct {
	// Ref is the package being built.
	Ref ref.Reference `json:"ref"`

	// Fingerprint is the binary identifier the artifact will be stored
	// under.
	Fingerprint string `json:"fingerprint"`

	// Settings are the node's effective settings as dotted paths.
	Settings map[string]string `json:"settings,omitempty"`

	// Options are the node's effective option values.
	Options map[string]string `json:"options,omitempty"`

	// Dependencies describe the node's direct dependencies, build tools
	// included, with their published info.
	Dependencies []DependencyInfo `json:"dependencies,omitempty"`

	// RecipeDir is the directory the recipe was loaded from.
	RecipeDir string `json:"recipeDir,omitempty"`

	// SourceDir is where sources are fetched to.
	SourceDir string `json:"sourceDir,omitempty"`

	// BuildDir is the build tree.
	BuildDir string `json:"buildDir,omitempty"`

	// PackageDir is where the final artifact layout is assembled.
	PackageDir string `json:"packageDir,omitempty"`
}

// DependencyInfo is one resolved dependency as seen by a build driver.
type DependencyInfo struct {
	// Ref is the dependency's resolved reference.
	Ref string `json:"ref"`

	// Fingerprint identifies the dependency's binary.
	Fingerprint string `json:"fingerprint"`

	// Kind is the requirement edge kind.
	Kind EdgeKind `json:"kind"`

	// Info is the dependency's published info.
	Info *PackageInfo `json:"info,omitempty"`
}

// ArtifactStore is the content-addressed binary cache, keyed by
// fingerprint.
type ArtifactStore interface {
	// Lookup returns the artifact stored under a fingerprint, or ok=false
	// when absent.
	Lookup(ctx context.Context, fingerprint string) (a *Artifact, ok bool, err error)

	// Store registers an artifact under its fingerprint.
	Store(ctx context.Context, a *Artifact) error

	// Lock serializes producers of one fingerprint. The returned release
	// function must be called on every exit path.
	Lock(ctx context.Context, fingerprint string) (release func(), err error)
}

// PolicyGate vets a fully expanded graph before fingerprints are computed.
type PolicyGate interface {
	// Check returns a ResolveError with code POLICY_VIOLATION when the
	// graph violates an active policy.
	Check(ctx context.Context, g *ResolvedGraph) error
}

// EventPublisher publishes resolution and execution events.
type EventPublisher interface {
	// Publish publishes an event.
	Publish(ctx context.Context, event *Event) error
}
