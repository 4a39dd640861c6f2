package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ferrite-build/ferrite/pkg/configspace"
	"github.com/ferrite-build/ferrite/pkg/recipe"
	"github.com/ferrite-build/ferrite/pkg/ref"
	"github.com/ferrite-build/ferrite/pkg/version"
)

// GraphBuilder expands a root recipe into a fully configured dependency
// graph. Expansion is breadth first from the root: every requirement is
// resolved to a concrete reference, configuration flows from parent to child
// at node creation, and version disagreements go through the conflict rules
// before any node is duplicated. The result is a DAG with
// dependencies-before-dependents execution levels.
type GraphBuilder struct {
	provider RecipeProvider
	selector *VersionSelector
	universe configspace.Schema
	logger   zerolog.Logger
}

// NewGraphBuilder creates a graph builder resolving against the given
// provider. universe is the full settings schema nodes carve their declared
// axes from.
func NewGraphBuilder(provider RecipeProvider, universe configspace.Schema, logger zerolog.Logger) *GraphBuilder {
	return &GraphBuilder{
		provider: provider,
		selector: NewVersionSelector(provider),
		universe: universe,
		logger:   logger.With().Str("component", "graph-builder").Logger(),
	}
}

// pinnedOverride is one override in scope at a node: the pinned version and
// the node that declared it.
type pinnedOverride struct {
	version  string
	declarer string
}

// graphBuild holds the mutable state of one Build call.
type graphBuild struct {
	builder *GraphBuilder
	profile *Profile
	opts    ResolveOptions

	nodes map[string]*Node
	edges []Edge
	queue []string

	// hooks caches loaded hook modules per node for the finalize pass.
	hooks map[string]*recipe.Hooks

	// overrides maps a node ID to the override scope its requirements
	// resolve under: its ancestors' overrides merged over its own, so the
	// declaration closest to the root wins.
	overrides map[string]map[ref.Key]pinnedOverride

	// scopedOpts are the profile's per-package option impositions.
	scopedOpts map[string]map[string]any

	overrideEdges map[string]bool
}

// Build resolves the graph rooted at the given recipe under the profile.
// The root recipe is used as provided and is not reloaded through the
// provider, so uncommitted local recipes resolve like any other node.
func (b *GraphBuilder) Build(
	ctx context.Context,
	root *recipe.Recipe,
	profile *Profile,
	opts ResolveOptions,
) (*ResolvedGraph, error) {
	if root == nil {
		return nil, NewInvalidError("root recipe is required", nil).
			WithCode(ErrCodeRecipe).
			WithOperation("resolve")
	}
	if profile == nil {
		profile = &Profile{}
	}

	gb := &graphBuild{
		builder:       b,
		profile:       profile,
		opts:          opts,
		nodes:         make(map[string]*Node),
		hooks:         make(map[string]*recipe.Hooks),
		overrides:     make(map[string]map[ref.Key]pinnedOverride),
		scopedOpts:    profile.scopedOptions(),
		overrideEdges: make(map[string]bool),
	}

	rootNode, err := gb.addNode(ctx, nil, root.Ref(), root)
	if err != nil {
		return nil, err
	}

	for len(gb.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, NewTransientError("graph resolution cancelled", err).
				WithOperation("resolve")
		}
		id := gb.queue[0]
		gb.queue = gb.queue[1:]
		if err := gb.expand(ctx, gb.nodes[id]); err != nil {
			return nil, err
		}
	}

	if err := gb.checkProvides(); err != nil {
		return nil, err
	}
	if err := gb.checkCycles(); err != nil {
		return nil, err
	}
	if err := gb.finalize(ctx); err != nil {
		return nil, err
	}

	graph := &ResolvedGraph{
		Root:  rootNode.ID,
		Nodes: gb.nodes,
		Edges: gb.edges,
	}
	graph.computeLevels()

	b.logger.Debug().
		Str("root", rootNode.Ref.String()).
		Int("nodes", len(graph.Nodes)).
		Int("edges", len(graph.Edges)).
		Int("levels", graph.Depth).
		Msg("Graph resolved")

	return graph, nil
}

// addNode creates and registers the node for target, wiring configuration
// inheritance, impositions, the configure hook, and the requirement list.
// pre, when non-nil, is used instead of loading the recipe from the
// provider.
func (gb *graphBuild) addNode(
	ctx context.Context,
	parent *Node,
	target ref.Reference,
	pre *recipe.Recipe,
) (*Node, error) {
	rec := pre
	if rec == nil {
		var err error
		rec, err = gb.builder.provider.Load(ctx, target)
		if err != nil {
			return nil, NewPermanentError("loading recipe failed", err).
				WithCode(ErrCodeRecipe).
				WithRef(target.String()).
				WithOperation("resolve")
		}
	}

	node := &Node{
		ID:         target.Key().String(),
		Ref:        target,
		Recipe:     rec,
		State:      StateUnresolved,
		Provides:   providesSlots(rec),
		depOptions: make(map[string]map[string]any),
		imposed:    make(map[string]bool),
	}
	if parent != nil {
		node.Depth = parent.Depth + 1
		node.Path = append(append([]string{}, parent.Path...), node.ID)
	} else {
		node.Path = []string{node.ID}
	}

	hooks, err := gb.builder.provider.Hooks(rec)
	if err != nil {
		return nil, NewPermanentError("loading recipe hooks failed", err).
			WithCode(ErrCodeRecipe).
			WithRef(target.String()).
			WithOperation("resolve")
	}
	gb.hooks[node.ID] = hooks

	settings, err := gb.settingsFor(node, parent, rec)
	if err != nil {
		return nil, err
	}
	options, err := gb.optionsFor(node, rec)
	if err != nil {
		return nil, err
	}
	node.Config = &configspace.Configuration{Settings: settings, Options: options}

	if parent == nil {
		if err := gb.imposeOptions(node, anyValues(gb.profile.ownOptions())); err != nil {
			return nil, err
		}
		if err := gb.imposeOptions(node, gb.scopedOpts[node.Ref.Name]); err != nil {
			return nil, err
		}
	} else {
		if err := gb.imposeOptions(node, gb.scopedOpts[node.Ref.Name]); err != nil {
			return nil, err
		}
		if err := gb.imposeOptions(node, parent.depOptions[node.Ref.Name]); err != nil {
			return nil, err
		}
	}

	if err := gb.runConfigure(ctx, node, hooks); err != nil {
		return nil, err
	}

	// Impositions travel with the creating path: a parent's scoped values
	// for packages further down win over this node's own, so the
	// declaration closest to the root takes effect.
	if parent != nil {
		for name, opts := range parent.depOptions {
			if node.depOptions[name] == nil {
				node.depOptions[name] = make(map[string]any)
			}
			for opt, value := range opts {
				node.depOptions[name][opt] = value
			}
		}
	}

	reqs, err := gb.requirementsFor(ctx, node, rec, hooks)
	if err != nil {
		return nil, err
	}
	node.Requirements = reqs

	if err := gb.scopeOverrides(node, parent, rec); err != nil {
		return nil, err
	}

	gb.nodes[node.ID] = node
	gb.queue = append(gb.queue, node.ID)
	return node, nil
}

// settingsFor builds the node's settings space: the axes the recipe
// declares, carved out of the universe, seeded from the parent's effective
// values (the profile, for the root).
func (gb *graphBuild) settingsFor(node *Node, parent *Node, rec *recipe.Recipe) (*configspace.Space, error) {
	schema := configspace.Schema{}
	for _, axis := range rec.Settings {
		if strings.Contains(axis, ".") {
			return nil, NewInvalidError(
				fmt.Sprintf("recipe declares nested settings axis %q; declare the top-level axis instead", axis),
				nil,
			).
				WithCode(ErrCodeRecipe).
				WithRef(node.Ref.String()).
				WithOperation("configure")
		}
		domain, ok := gb.builder.universe[axis]
		if !ok {
			return nil, NewInvalidError(
				fmt.Sprintf("settings axis %q is not defined in the configuration universe", axis),
				nil,
			).
				WithCode(ErrCodeDomain).
				WithRef(node.Ref.String()).
				WithOperation("configure")
		}
		schema[axis] = domain
	}
	space := configspace.NewSpace(schema)

	if parent == nil {
		for _, path := range gb.profile.settingPaths() {
			if !axisDeclared(schema, path) {
				continue
			}
			if err := space.Set(path, gb.profile.Settings[path]); err != nil {
				return nil, NewInvalidError("profile settings rejected", err).
					WithCode(ErrCodeDomain).
					WithRef(node.Ref.String()).
					WithOperation("configure").
					WithDetail("path", path)
			}
		}
		return space, nil
	}

	// Items is sorted, so parent attributes are assigned before the
	// sub-attributes they activate.
	for _, item := range parent.Config.Settings.Items() {
		if !axisDeclared(schema, item.Path) {
			continue
		}
		value, ok := parent.Config.Settings.Get(item.Path)
		if !ok {
			continue
		}
		if err := space.Set(item.Path, value.String()); err != nil {
			return nil, NewInvalidError("inherited settings rejected", err).
				WithCode(ErrCodeDomain).
				WithRef(node.Ref.String()).
				WithOperation("configure").
				WithDetail("path", item.Path)
		}
	}
	return space, nil
}

// optionsFor builds the node's options space from its own declaration, with
// declared defaults applied.
func (gb *graphBuild) optionsFor(node *Node, rec *recipe.Recipe) (*configspace.Space, error) {
	space := configspace.NewSpace(rec.OptionsSchema())
	if err := space.ApplyDefaults(); err != nil {
		return nil, NewInvalidError("applying declared option defaults failed", err).
			WithCode(ErrCodeRecipe).
			WithRef(node.Ref.String()).
			WithOperation("configure")
	}
	return space, nil
}

// imposeOptions applies ancestor or profile option values onto a node.
// The first imposition of an option wins; values the node locked in its own
// configure hook are never touched.
func (gb *graphBuild) imposeOptions(node *Node, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	opts := make([]string, 0, len(values))
	for opt := range values {
		opts = append(opts, opt)
	}
	sort.Strings(opts)

	for _, opt := range opts {
		if node.imposed[opt] || node.Config.Options.Locked(opt) {
			continue
		}
		if err := node.Config.Options.Set(opt, values[opt]); err != nil {
			return NewInvalidError("imposed option rejected", err).
				WithCode(ErrCodeDomain).
				WithRef(node.Ref.String()).
				WithOperation("configure").
				WithDetail("option", opt)
		}
		node.imposed[opt] = true
	}
	return nil
}

// runConfigure evaluates the node's configure hook and applies its result:
// own settings and options are locked against later ancestors, scoped
// entries become impositions on this node's dependencies, and domain edits
// narrow or drop settings attributes.
func (gb *graphBuild) runConfigure(ctx context.Context, node *Node, hooks *recipe.Hooks) error {
	if !hooks.Has(recipe.HookConfigure) {
		return nil
	}
	res, err := hooks.Configure(ctx, hookConfig(node))
	if err != nil {
		return NewPermanentError("configure hook failed", err).
			WithCode(ErrCodeRecipe).
			WithRef(node.Ref.String()).
			WithOperation("configure")
	}

	for _, path := range sortedKeys(res.Settings) {
		if err := node.Config.Settings.SetLocked(path, res.Settings[path]); err != nil {
			return NewInvalidError("configure hook settings rejected", err).
				WithCode(ErrCodeDomain).
				WithRef(node.Ref.String()).
				WithOperation("configure").
				WithDetail("path", path)
		}
	}
	for _, path := range sortedKeys(res.Restrict) {
		if err := restrictPath(node.Config, path, res.Restrict[path]); err != nil {
			return NewInvalidError("configure hook domain restriction rejected", err).
				WithCode(ErrCodeDomain).
				WithRef(node.Ref.String()).
				WithOperation("configure").
				WithDetail("path", path)
		}
	}
	for _, path := range res.RemoveSettings {
		if err := node.Config.Settings.Remove(path); err != nil {
			return NewInvalidError("configure hook settings removal rejected", err).
				WithCode(ErrCodeDomain).
				WithRef(node.Ref.String()).
				WithOperation("configure").
				WithDetail("path", path)
		}
	}

	for _, key := range sortedKeys(res.Options) {
		name, opt, scoped := strings.Cut(key, ":")
		if scoped {
			if node.depOptions[name] == nil {
				node.depOptions[name] = make(map[string]any)
			}
			node.depOptions[name][opt] = res.Options[key]
			continue
		}
		if err := node.Config.Options.SetLocked(key, res.Options[key]); err != nil {
			return NewInvalidError("configure hook options rejected", err).
				WithCode(ErrCodeDomain).
				WithRef(node.Ref.String()).
				WithOperation("configure").
				WithDetail("option", key)
		}
		node.imposed[key] = true
	}
	return nil
}

// requirementsFor collects the node's requirement list: the static
// declarations plus whatever the requirements hook produces for the current
// configuration.
func (gb *graphBuild) requirementsFor(
	ctx context.Context,
	node *Node,
	rec *recipe.Recipe,
	hooks *recipe.Hooks,
) ([]recipe.Requirement, error) {
	reqs, err := rec.DeclaredRequirements()
	if err != nil {
		return nil, NewInvalidError("declared requirements rejected", err).
			WithCode(ErrCodeRecipe).
			WithRef(node.Ref.String()).
			WithOperation("resolve")
	}

	if hooks.Has(recipe.HookRequirements) {
		dynamic, err := hooks.Requirements(ctx, hookConfig(node))
		if err != nil {
			return nil, NewPermanentError("requirements hook failed", err).
				WithCode(ErrCodeRecipe).
				WithRef(node.Ref.String()).
				WithOperation("resolve")
		}
		for _, expr := range dynamic {
			req, err := recipe.ParseRequirement(expr, recipe.RequirementNormal)
			if err != nil {
				code := ErrCodeRecipe
				if errors.Is(err, version.ErrInvalidRange) {
					code = ErrCodeAmbiguousRange
				}
				return nil, NewInvalidError(
					fmt.Sprintf("requirements hook produced invalid requirement %q", expr),
					err,
				).
					WithCode(code).
					WithRef(node.Ref.String()).
					WithOperation("resolve")
			}
			reqs = append(reqs, req)
		}
	}
	return reqs, nil
}

// scopeOverrides computes the override scope the node's requirements
// resolve under and records it for the expansion step.
func (gb *graphBuild) scopeOverrides(node *Node, parent *Node, rec *recipe.Recipe) error {
	own, err := rec.DeclaredOverrides()
	if err != nil {
		return NewInvalidError("declared overrides rejected", err).
			WithCode(ErrCodeRecipe).
			WithRef(node.Ref.String()).
			WithOperation("resolve")
	}

	scope := make(map[ref.Key]pinnedOverride, len(own))
	for _, o := range own {
		pin, _ := o.Expression.ExactVersion()
		scope[o.TargetKey()] = pinnedOverride{version: pin.String(), declarer: node.ID}
	}
	for key, pin := range gb.overrides[parentID(parent)] {
		scope[key] = pin
	}
	gb.overrides[node.ID] = scope
	return nil
}

// expand resolves every requirement of one node, creating child nodes or
// attaching edges to already selected ones.
func (gb *graphBuild) expand(ctx context.Context, node *Node) error {
	for _, req := range node.Requirements {
		if err := gb.resolveRequirement(ctx, node, req); err != nil {
			return err
		}
	}
	return nil
}

// resolveRequirement turns one requirement into a graph edge. An override in
// scope replaces the declared expression with its pin before resolution.
// When the target key already has a node the conflict rules decide: a
// satisfied expression just gains an edge, a shallower selection wins over a
// deeper disagreeing requirement, and disagreement at equal depth is fatal.
func (gb *graphBuild) resolveRequirement(ctx context.Context, from *Node, req recipe.Requirement) error {
	key := req.TargetKey()
	effective := req

	pin, overridden := gb.overrides[from.ID][key]
	if overridden {
		if gb.opts.ErrorOnOverride {
			if err := gb.checkOverrideChanges(ctx, req, pin); err != nil {
				return err
			}
		}
		effective.Expression = version.Exact(pin.version)
	}

	existing, ok := gb.nodes[key.String()]
	if !ok {
		target, err := gb.builder.selector.Select(ctx, effective, gb.opts.preferredFor(key))
		if err != nil {
			if req.Optional && IsNoSatisfyingVersion(err) {
				gb.builder.logger.Debug().
					Str("node", from.ID).
					Str("requirement", req.String()).
					Msg("Optional requirement has no candidate, dropping")
				return nil
			}
			return err
		}
		child, err := gb.addNode(ctx, from, target, nil)
		if err != nil {
			return err
		}
		gb.addEdge(from.ID, child.ID, req)
		if overridden {
			gb.recordOverrideEdge(pin.declarer, child.ID)
		}
		return nil
	}

	selected := version.Parse(existing.Ref.Version)
	if effective.Expression.Matches(selected) {
		gb.addEdge(from.ID, existing.ID, req)
		if overridden {
			gb.recordOverrideEdge(pin.declarer, existing.ID)
		}
		return gb.imposeOptions(existing, from.depOptions[existing.Ref.Name])
	}

	newDepth := from.Depth + 1
	if existing.Depth < newDepth {
		// The earlier, shallower selection stands. The requirement still
		// links against it, it just did not get the version it asked for.
		gb.builder.logger.Warn().
			Str("node", from.ID).
			Str("requirement", effective.String()).
			Str("selected", existing.Ref.String()).
			Msg("Requirement absorbed by shallower selection")
		gb.addEdge(from.ID, existing.ID, req)
		return gb.imposeOptions(existing, from.depOptions[existing.Ref.Name])
	}

	return versionConflict(existing, from, effective, selected)
}

// checkOverrideChanges reports an override that actually changes what the
// requirement would have resolved to on its own. Overrides that merely
// confirm the natural resolution pass.
func (gb *graphBuild) checkOverrideChanges(ctx context.Context, req recipe.Requirement, pin pinnedOverride) error {
	natural, err := gb.builder.selector.Select(ctx, req, gb.opts.preferredFor(req.TargetKey()))
	if err == nil && natural.Version == pin.version {
		return nil
	}
	return NewConflictError(
		fmt.Sprintf("override %s/%s changes the resolution of %s", req.TargetKey(), pin.version, req),
		err,
	).
		WithCode(ErrCodeUnexpectedOverride).
		WithRef(req.TargetKey().String()).
		WithOperation("resolve").
		WithDetail("override", pin.version).
		WithDetail("declaredBy", pin.declarer).
		WithDetail("requirement", req.String())
}

func (gb *graphBuild) addEdge(from, to string, req recipe.Requirement) {
	gb.edges = append(gb.edges, Edge{
		From:       from,
		To:         to,
		Kind:       edgeKind(req.Kind),
		Expression: req.Expression.String(),
	})
}

// recordOverrideEdge attaches the bookkeeping edge from the override's
// declarer to the node it constrained. Override edges never gate scheduling
// and never enter fingerprints.
func (gb *graphBuild) recordOverrideEdge(declarer, to string) {
	if declarer == to {
		return
	}
	key := declarer + "->" + to
	if gb.overrideEdges[key] {
		return
	}
	gb.overrideEdges[key] = true
	gb.edges = append(gb.edges, Edge{From: declarer, To: to, Kind: EdgeOverride})
}

// checkProvides scans the whole resolved graph for functional slot
// conflicts. Every node occupies its own name plus its declared provides
// slots; two distinct nodes on one slot is fatal.
func (gb *graphBuild) checkProvides() error {
	slots := make(map[string][]string)
	for _, id := range sortedNodeIDs(gb.nodes) {
		for _, slot := range gb.nodes[id].Provides {
			slots[slot] = append(slots[slot], id)
		}
	}

	names := make([]string, 0, len(slots))
	for slot := range slots {
		names = append(names, slot)
	}
	sort.Strings(names)

	for _, slot := range names {
		ids := slots[slot]
		if len(ids) < 2 {
			continue
		}
		first := gb.nodes[ids[0]]
		second := gb.nodes[ids[1]]
		return NewConflictError(
			fmt.Sprintf("packages %s and %s both provide %q", first.Ref, second.Ref, slot),
			nil,
		).
			WithCode(ErrCodeProvidesConflict).
			WithOperation("resolve").
			WithDetail("slot", slot).
			WithDetail("providers", []string{first.Ref.String(), second.Ref.String()})
	}
	return nil
}

// checkCycles runs a depth-first search over requirement edges and reports
// the first cycle found with its full path.
func (gb *graphBuild) checkCycles() error {
	adjacency := make(map[string][]string)
	for _, e := range gb.edges {
		if e.Kind == EdgeOverride {
			continue
		}
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}
	for _, next := range adjacency {
		sort.Strings(next)
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, next := range adjacency[id] {
			if !visited[next] {
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			} else if onStack[next] {
				start := 0
				for i, p := range path {
					if p == next {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, path[start:]...), next)
				return cycle
			}
		}

		onStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range sortedNodeIDs(gb.nodes) {
		if visited[id] {
			continue
		}
		if cycle := visit(id); cycle != nil {
			return NewConflictError(
				fmt.Sprintf("dependency cycle detected: %s", strings.Join(cycle, " -> ")),
				nil,
			).
				WithCode(ErrCodeDependencyCycle).
				WithOperation("resolve").
				WithDetail("cycle", cycle)
		}
	}
	return nil
}

// finalize runs each node's validate hook against its final configuration,
// freezes the configuration spaces, and moves valid nodes to ConfigResolved.
// An invalid node is terminal but does not abort resolution; unaffected
// subgraphs remain buildable.
func (gb *graphBuild) finalize(ctx context.Context) error {
	for _, id := range sortedNodeIDs(gb.nodes) {
		node := gb.nodes[id]
		hooks := gb.hooks[id]

		if hooks.Has(recipe.HookValidate) {
			valid, reason, err := hooks.Validate(ctx, hookConfig(node))
			if err != nil {
				return NewPermanentError("validate hook failed", err).
					WithCode(ErrCodeRecipe).
					WithRef(node.Ref.String()).
					WithOperation("configure")
			}
			if !valid {
				if reason == "" {
					reason = "configuration rejected by validate"
				}
				node.State = StateInvalid
				node.InvalidReason = reason
				node.Config.Freeze()
				gb.builder.logger.Warn().
					Str("node", node.ID).
					Str("reason", reason).
					Msg("Node configuration invalid")
				continue
			}
		}

		node.Config.Freeze()
		node.State = StateConfigResolved
	}
	return nil
}

// computeLevels groups nodes into execution levels, dependencies before
// dependents. Level 0 holds nodes with no scheduling dependencies.
func (g *ResolvedGraph) computeLevels() {
	deps := make(map[string][]string)
	dependents := make(map[string][]string)
	for _, e := range g.Edges {
		if !e.Kind.GatesScheduling() {
			continue
		}
		deps[e.From] = append(deps[e.From], e.To)
		dependents[e.To] = append(dependents[e.To], e.From)
	}

	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = len(deps[id])
	}

	var current []string
	for id, degree := range inDegree {
		if degree == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)

	g.Levels = nil
	for len(current) > 0 {
		g.Levels = append(g.Levels, current)
		var next []string
		for _, id := range current {
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}
	g.Depth = len(g.Levels)
}

// versionConflict builds the fatal error for two equally deep paths
// demanding different versions of one package.
func versionConflict(existing *Node, from *Node, req recipe.Requirement, selected version.Version) error {
	key := req.TargetKey()
	return NewConflictError(
		fmt.Sprintf("version conflict on %s: %s requires %s but %s is already selected",
			key, from.Ref, req.Expression, selected),
		nil,
	).
		WithCode(ErrCodeVersionConflict).
		WithRef(key.String()).
		WithOperation("resolve").
		WithDetail("requirement", req.String()).
		WithDetail("requirerPath", strings.Join(append(append([]string{}, from.Path...), key.String()), " -> ")).
		WithDetail("selected", existing.Ref.String()).
		WithDetail("selectedPath", strings.Join(existing.Path, " -> "))
}

// hookConfig flattens a node's current configuration into the input shape
// hooks receive: dotted settings paths and option names mapped to values,
// with None as nil and boolean-shaped values as booleans.
func hookConfig(n *Node) map[string]any {
	return map[string]any{
		"settings": spaceValues(n.Config.Settings),
		"options":  spaceValues(n.Config.Options),
	}
}

func spaceValues(s *configspace.Space) map[string]any {
	out := make(map[string]any)
	for _, item := range s.Items() {
		v, ok := s.Get(item.Path)
		if !ok {
			continue
		}
		switch {
		case v.IsNone():
			out[item.Path] = nil
		default:
			if b, isBool := v.Bool(); isBool {
				out[item.Path] = b
			} else {
				out[item.Path] = v.String()
			}
		}
	}
	return out
}

// providesSlots returns the functional slots a recipe occupies: its own
// name plus its declared provides list, deduplicated.
func providesSlots(rec *recipe.Recipe) []string {
	slots := []string{rec.Name}
	seen := map[string]bool{rec.Name: true}
	for _, p := range rec.Provides {
		if seen[p] {
			continue
		}
		seen[p] = true
		slots = append(slots, p)
	}
	return slots
}

// axisDeclared reports whether a dotted path belongs to one of the schema's
// top-level axes.
func axisDeclared(schema configspace.Schema, path string) bool {
	axis, _, _ := strings.Cut(path, ".")
	_, ok := schema[axis]
	return ok
}

func edgeKind(kind recipe.RequirementKind) EdgeKind {
	switch kind {
	case recipe.RequirementPrivate:
		return EdgePrivate
	case recipe.RequirementTool:
		return EdgeTool
	default:
		return EdgeNormal
	}
}

func parentID(parent *Node) string {
	if parent == nil {
		return ""
	}
	return parent.ID
}

func sortedNodeIDs(nodes map[string]*Node) []string {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func anyValues(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// restrictPath narrows the domain of an options attribute if the node
// declares one by that name, otherwise narrows the settings attribute.
func restrictPath(cfg *configspace.Configuration, path string, allowed []any) error {
	if cfg.Options.Has(path) || optionsDeclares(cfg.Options, path) {
		return cfg.Options.RestrictDomain(path, allowed)
	}
	return cfg.Settings.RestrictDomain(path, allowed)
}

func optionsDeclares(s *configspace.Space, path string) bool {
	_, err := s.DomainOf(path)
	return err == nil
}
