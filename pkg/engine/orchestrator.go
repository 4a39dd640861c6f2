package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ferrite-build/ferrite/pkg/configspace"
	"github.com/ferrite-build/ferrite/pkg/recipe"
)

// Engine ties the resolution pipeline together: graph building, policy
// vetting, fingerprinting, planning and staged execution.
type Engine struct {
	provider   RecipeProvider
	store      ArtifactStore
	driver     BuildDriver
	policy     PolicyGate
	events     EventPublisher
	workRoot   string
	maxRetries int
	logger     zerolog.Logger

	builder       *GraphBuilder
	fingerprinter *Fingerprinter
	planner       *Planner
	scheduler     *StageScheduler
}

// EngineConfig wires an Engine's collaborators.
type EngineConfig struct {
	// Provider resolves candidate versions and loads recipes.
	Provider RecipeProvider

	// Store holds built artifacts keyed by fingerprint.
	Store ArtifactStore

	// Driver runs the source, build and package stages.
	Driver BuildDriver

	// Policy optionally vets resolved graphs before fingerprinting.
	Policy PolicyGate

	// Events optionally receives run and node lifecycle events.
	Events EventPublisher

	// Universe is the full settings schema nodes declare axes from.
	// Nil selects the built-in default.
	Universe configspace.Schema

	// MaxParallel bounds build parallelism per level.
	MaxParallel int

	// MaxRetries bounds extra attempts for retryable stage failures.
	// Zero keeps the scheduler default; negative disables retries.
	MaxRetries int

	// WorkRoot, when set, is where the scheduler lays out per-node stage
	// directories. Empty leaves directory handling to the driver.
	WorkRoot string

	Logger zerolog.Logger
}

// NewEngine validates the configuration and assembles the pipeline.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("engine: recipe provider is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: artifact store is required")
	}
	if cfg.Driver == nil {
		return nil, fmt.Errorf("engine: build driver is required")
	}
	universe := cfg.Universe
	if universe == nil {
		universe = configspace.DefaultSchema()
	}
	logger := cfg.Logger.With().Str("component", "engine").Logger()

	fingerprinter := NewFingerprinter(cfg.Provider, cfg.Logger)
	return &Engine{
		provider:      cfg.Provider,
		store:         cfg.Store,
		driver:        cfg.Driver,
		policy:        cfg.Policy,
		events:        cfg.Events,
		workRoot:      cfg.WorkRoot,
		maxRetries:    retryBudget(cfg.MaxRetries),
		logger:        logger,
		builder:       NewGraphBuilder(cfg.Provider, universe, cfg.Logger),
		fingerprinter: fingerprinter,
		planner:       NewPlanner(cfg.Store, fingerprinter, cfg.Logger),
		scheduler: NewStageScheduler(cfg.Driver, cfg.Store, cfg.Events, cfg.Logger, cfg.MaxParallel).
			WithWorkRoot(cfg.WorkRoot).
			WithMaxRetries(retryBudget(cfg.MaxRetries)),
	}, nil
}

// retryBudget translates the config convention (zero default, negative
// off) into the scheduler's (negative default, zero off).
func retryBudget(configured int) int {
	switch {
	case configured == 0:
		return -1
	case configured < 0:
		return 0
	default:
		return configured
	}
}

// Resolve expands the graph under the profile, runs the policy gate, and
// computes every node's fingerprint bottom-up. The returned graph is fully
// configured: each valid node is at least ConfigResolved and carries its
// binary identity unless an invalid dependency blocks it.
func (e *Engine) Resolve(
	ctx context.Context,
	root *recipe.Recipe,
	profile *Profile,
	opts ResolveOptions,
) (*ResolvedGraph, error) {
	g, err := e.builder.Build(ctx, root, profile, opts)
	if err != nil {
		return nil, err
	}

	if e.policy != nil {
		if err := e.policy.Check(ctx, g); err != nil {
			var rerr *ResolveError
			if errors.As(err, &rerr) {
				return nil, err
			}
			return nil, NewPermanentError("policy rejected resolved graph", err).
				WithCode(ErrCodePolicyViolation).
				WithOperation("resolve")
		}
	}

	if err := e.fingerprinter.ComputeFingerprints(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// Plan prices a resolved graph against the artifact store without
// executing anything.
func (e *Engine) Plan(ctx context.Context, g *ResolvedGraph) (*InstallPlan, error) {
	return e.planner.Plan(ctx, g)
}

// Install resolves, plans and executes in one call. opts.Workers, when
// positive, overrides the engine's configured parallelism for this run.
func (e *Engine) Install(
	ctx context.Context,
	root *recipe.Recipe,
	profile *Profile,
	opts ResolveOptions,
) (*Run, *ResolvedGraph, error) {
	g, err := e.Resolve(ctx, root, profile, opts)
	if err != nil {
		return nil, nil, err
	}
	plan, err := e.Plan(ctx, g)
	if err != nil {
		return nil, g, err
	}

	scheduler := e.scheduler
	if opts.Workers > 0 {
		scheduler = NewStageScheduler(e.driver, e.store, e.events, e.logger, opts.Workers).
			WithWorkRoot(e.workRoot).
			WithMaxRetries(e.maxRetries)
	}
	run, err := scheduler.Execute(ctx, g, plan)
	if err != nil {
		return nil, g, err
	}
	return run, g, nil
}

// CollectInfo aggregates the package info a node's build and consumers see:
// its direct normal and private dependencies, then everything transitively
// reachable over normal edges beyond them. Private edges cut further
// propagation and tool dependencies never contribute.
func (e *Engine) CollectInfo(g *ResolvedGraph, nodeID string) *PackageInfo {
	return CollectInfo(g, nodeID)
}

// CollectInfo is the standalone form of Engine.CollectInfo.
func CollectInfo(g *ResolvedGraph, nodeID string) *PackageInfo {
	merged := &PackageInfo{}
	visited := map[string]bool{nodeID: true}

	var frontier []string
	for _, e := range g.EdgesFrom(nodeID) {
		if e.Kind == EdgeNormal || e.Kind == EdgePrivate {
			frontier = append(frontier, e.To)
		}
	}
	sort.Strings(frontier)

	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			if visited[id] {
				continue
			}
			visited[id] = true
			node := g.Nodes[id]
			if node == nil {
				continue
			}
			if node.Info != nil {
				merged.Merge(node.Info)
			}
			for _, e := range g.EdgesFrom(id) {
				if e.Kind == EdgeNormal && !visited[e.To] {
					next = append(next, e.To)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}
	return merged
}
