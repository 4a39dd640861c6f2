package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ferrite-build/ferrite/pkg/configspace"
	"github.com/ferrite-build/ferrite/pkg/recipe"
	"github.com/ferrite-build/ferrite/pkg/ref"
)

// Node is one vertex of the resolved graph: a single package at a single
// version, with its effective configuration and binary identity. Within one
// resolution there is at most one node per (name, user, channel) key.
type Node struct {
	// ID is the graph key, rendered from the package key
	// ("zlib", "boost@corp/stable").
	ID string `json:"id"`

	// Ref is the fully resolved package reference.
	Ref ref.Reference `json:"ref"`

	// Recipe is the parsed recipe backing this node.
	Recipe *recipe.Recipe `json:"-"`

	// State is the node's lifecycle state.
	State LifecycleState `json:"state"`

	// Depth is the requirement depth at which this node's version was
	// selected. The root is depth 0.
	Depth int `json:"depth"`

	// Path is the requirement chain from the root to this node, used in
	// conflict reports.
	Path []string `json:"path,omitempty"`

	// Config is the node's effective settings and options. Frozen once the
	// graph is fully expanded.
	Config *configspace.Configuration `json:"-"`

	// Requirements are the node's effective requirements after hook
	// evaluation, in declaration order.
	Requirements []recipe.Requirement `json:"-"`

	// Fingerprint is the canonical binary identifier. Empty until the node
	// reaches IdComputed.
	Fingerprint string `json:"fingerprint,omitempty"`

	// FingerprintInput is the canonical structure the fingerprint was
	// hashed from, kept for diagnostics.
	FingerprintInput *FingerprintInput `json:"-"`

	// ArtifactFingerprint is the fingerprint of the artifact actually used.
	// Differs from Fingerprint only when a compatible fallback matched.
	ArtifactFingerprint string `json:"artifactFingerprint,omitempty"`

	// Provides are the functional slots this node occupies: its own name
	// plus the recipe's declared provides.
	Provides []string `json:"provides,omitempty"`

	// InvalidReason explains why validation rejected the configuration.
	InvalidReason string `json:"invalidReason,omitempty"`

	// FailureReason explains a stage failure or an inherited one.
	FailureReason string `json:"failureReason,omitempty"`

	// CacheHit is true when the artifact was reused instead of built.
	CacheHit bool `json:"cacheHit,omitempty"`

	// Info is the node's produced info, available once InfoPublished.
	Info *PackageInfo `json:"info,omitempty"`

	// depOptions are option impositions this node passes to its
	// dependencies, merged shallowest-ancestor-first.
	depOptions map[string]map[string]any

	// imposed tracks option paths already written by an ancestor, so later
	// discovered ancestors cannot rewrite them.
	imposed map[string]bool
}

// Key returns the package key this node occupies.
func (n *Node) Key() ref.Key {
	return n.Ref.Key()
}

// Edge is one requirement edge of the resolved graph.
type Edge struct {
	// From is the requiring node's ID.
	From string `json:"from"`

	// To is the required node's ID.
	To string `json:"to"`

	// Kind classifies the edge.
	Kind EdgeKind `json:"kind"`

	// Expression is the version expression the edge was declared with.
	// Override edges carry the pinned version.
	Expression string `json:"expression,omitempty"`
}

// ResolvedGraph is the complete, conflict-free dependency graph of one
// resolution.
type ResolvedGraph struct {
	// Root is the root node's ID.
	Root string `json:"root"`

	// Nodes maps node IDs to nodes.
	Nodes map[string]*Node `json:"nodes"`

	// Edges lists every requirement edge.
	Edges []Edge `json:"edges"`

	// Levels groups node IDs into execution levels: every node's
	// scheduling dependencies live in strictly earlier levels.
	Levels [][]string `json:"levels"`

	// Depth is the number of execution levels.
	Depth int `json:"depth"`
}

// Node returns the node with the given ID, or nil.
func (g *ResolvedGraph) Node(id string) *Node {
	return g.Nodes[id]
}

// NodeIDs returns all node IDs in deterministic order.
func (g *ResolvedGraph) NodeIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dependencies returns the nodes the given node requires through
// scheduling-relevant edges, deduplicated, in deterministic order.
func (g *ResolvedGraph) Dependencies(id string) []*Node {
	var out []*Node
	seen := make(map[string]bool)
	for _, e := range g.Edges {
		if e.From == id && e.Kind.GatesScheduling() && !seen[e.To] {
			seen[e.To] = true
			out = append(out, g.Nodes[e.To])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DependencyIDs returns the IDs of the node's scheduling dependencies,
// deduplicated, in deterministic order.
func (g *ResolvedGraph) DependencyIDs(id string) []string {
	deps := g.Dependencies(id)
	out := make([]string, len(deps))
	for i, dep := range deps {
		out[i] = dep.ID
	}
	return out
}

// Dependents returns the nodes that require the given node through
// scheduling-relevant edges, deduplicated, in deterministic order.
func (g *ResolvedGraph) Dependents(id string) []*Node {
	var out []*Node
	seen := make(map[string]bool)
	for _, e := range g.Edges {
		if e.To == id && e.Kind.GatesScheduling() && !seen[e.From] {
			seen[e.From] = true
			out = append(out, g.Nodes[e.From])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EdgesFrom returns the outgoing edges of a node in declaration order.
func (g *ResolvedGraph) EdgesFrom(id string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// ToDOT generates a DOT representation of the resolved graph for
// visualization with Graphviz tools.
func (g *ResolvedGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ResolvedGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		label := n.Ref.String()
		if n.Fingerprint != "" {
			label += "\\n" + shortFingerprint(n.Fingerprint)
		}
		sb.WriteString(fmt.Sprintf("  %q [label=%q, fillcolor=%q, style=\"filled,rounded\"];\n",
			id, label, stateColor(n.State)))
	}
	sb.WriteString("\n")

	for _, e := range g.Edges {
		sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", e.From, e.To, edgeStyle(e.Kind)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// shortFingerprint abbreviates a fingerprint for display.
func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// stateColor returns a fill color for visualizing lifecycle states.
func stateColor(s LifecycleState) string {
	switch s {
	case StateInfoPublished:
		return "lightgreen"
	case StateInvalid, StateFailed:
		return "lightcoral"
	case StatePackaged, StateBuilt:
		return "lightblue"
	default:
		return "white"
	}
}

// edgeStyle returns a DOT style string for edge kinds.
func edgeStyle(k EdgeKind) string {
	switch k {
	case EdgePrivate:
		return "style=dashed, color=gray40"
	case EdgeTool:
		return "style=dotted, color=blue"
	case EdgeOverride:
		return "style=dashed, color=red, constraint=false"
	default:
		return "style=solid, color=black"
	}
}

// PackageInfo is the produced information one packaged node publishes to
// its consumers.
type PackageInfo struct {
	// IncludeDirs are header search directories.
	IncludeDirs []string `json:"includeDirs,omitempty"`

	// LibDirs are library search directories.
	LibDirs []string `json:"libDirs,omitempty"`

	// BinDirs are runtime tool directories.
	BinDirs []string `json:"binDirs,omitempty"`

	// Libs are linkable library names.
	Libs []string `json:"libs,omitempty"`

	// Defines are preprocessor definitions.
	Defines []string `json:"defines,omitempty"`

	// CFlags are extra C compiler flags.
	CFlags []string `json:"cflags,omitempty"`

	// CXXFlags are extra C++ compiler flags.
	CXXFlags []string `json:"cxxflags,omitempty"`

	// LinkFlags are extra linker flags.
	LinkFlags []string `json:"linkFlags,omitempty"`

	// Env are environment variables exposed to consumers.
	Env map[string]string `json:"env,omitempty"`

	// Vars are arbitrary user-defined variables exposed to consumers.
	Vars map[string]string `json:"vars,omitempty"`
}

// Merge appends other's info to i. Directory and flag lists concatenate in
// dependency order; env and vars are first-writer-wins.
func (i *PackageInfo) Merge(other *PackageInfo) {
	if other == nil {
		return
	}
	i.IncludeDirs = append(i.IncludeDirs, other.IncludeDirs...)
	i.LibDirs = append(i.LibDirs, other.LibDirs...)
	i.BinDirs = append(i.BinDirs, other.BinDirs...)
	i.Libs = append(i.Libs, other.Libs...)
	i.Defines = append(i.Defines, other.Defines...)
	i.CFlags = append(i.CFlags, other.CFlags...)
	i.CXXFlags = append(i.CXXFlags, other.CXXFlags...)
	i.LinkFlags = append(i.LinkFlags, other.LinkFlags...)
	for k, v := range other.Env {
		if i.Env == nil {
			i.Env = make(map[string]string)
		}
		if _, ok := i.Env[k]; !ok {
			i.Env[k] = v
		}
	}
	for k, v := range other.Vars {
		if i.Vars == nil {
			i.Vars = make(map[string]string)
		}
		if _, ok := i.Vars[k]; !ok {
			i.Vars[k] = v
		}
	}
}

// Clone returns a deep copy.
func (i *PackageInfo) Clone() *PackageInfo {
	if i == nil {
		return nil
	}
	out := &PackageInfo{
		IncludeDirs: append([]string(nil), i.IncludeDirs...),
		LibDirs:     append([]string(nil), i.LibDirs...),
		BinDirs:     append([]string(nil), i.BinDirs...),
		Libs:        append([]string(nil), i.Libs...),
		Defines:     append([]string(nil), i.Defines...),
		CFlags:      append([]string(nil), i.CFlags...),
		CXXFlags:    append([]string(nil), i.CXXFlags...),
		LinkFlags:   append([]string(nil), i.LinkFlags...),
	}
	if i.Env != nil {
		out.Env = make(map[string]string, len(i.Env))
		for k, v := range i.Env {
			out.Env[k] = v
		}
	}
	if i.Vars != nil {
		out.Vars = make(map[string]string, len(i.Vars))
		for k, v := range i.Vars {
			out.Vars[k] = v
		}
	}
	return out
}

// Artifact is one stored binary package.
type Artifact struct {
	// Ref is the owning package reference.
	Ref string `json:"ref"`

	// Fingerprint is the binary identifier the artifact is stored under.
	Fingerprint string `json:"fingerprint"`

	// Path is the artifact location in the producing driver's namespace.
	Path string `json:"path,omitempty"`

	// Size is the artifact size in bytes.
	Size int64 `json:"size,omitempty"`

	// Checksum is the sha256 of the artifact content.
	Checksum string `json:"checksum,omitempty"`

	// Info is the produced info published to consumers.
	Info *PackageInfo `json:"info,omitempty"`

	// CreatedAt is when the artifact was stored.
	CreatedAt time.Time `json:"createdAt"`
}

// Run tracks one orchestration execution over a resolved graph.
type Run struct {
	// ID is the unique run identifier.
	ID string `json:"id"`

	// RootRef is the root package reference being installed.
	RootRef string `json:"rootRef"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"startedAt"`

	// CompletedAt is when the run finished, nil while running.
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Duration is the total execution time.
	Duration time.Duration `json:"duration,omitempty"`

	// Summary aggregates per-node outcomes.
	Summary RunSummary `json:"summary"`
}

// RunSummary aggregates node outcomes of a run.
type RunSummary struct {
	// Total is the number of nodes in the graph.
	Total int `json:"total"`

	// Built is the number of nodes that ran the build stages.
	Built int `json:"built"`

	// Reused is the number of cache hits, canonical or compatible.
	Reused int `json:"reused"`

	// Failed is the number of nodes that failed a stage.
	Failed int `json:"failed"`

	// Skipped is the number of nodes skipped because a dependency failed.
	Skipped int `json:"skipped"`

	// Invalid is the number of nodes with validation-rejected
	// configurations.
	Invalid int `json:"invalid"`
}

// Event is one timeline entry published during resolution or execution.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the owning run, if any.
	RunID string `json:"runId,omitempty"`

	// NodeID is the graph node the event concerns, if any.
	NodeID string `json:"nodeId,omitempty"`

	// Message is the human-readable event message.
	Message string `json:"message"`

	// Level is the severity level.
	Level string `json:"level"`
}
