package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/ferrite-build/ferrite/pkg/configspace"
	"github.com/ferrite-build/ferrite/pkg/engine"
	"github.com/ferrite-build/ferrite/pkg/version"
)

// Engine compiles Rego policies and gates resolved graphs on them. It
// implements engine.PolicyGate.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	loader   *Loader
	cfg      Config
	logger   zerolog.Logger
	builtins []Policy
}

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

var _ engine.PolicyGate = (*Engine)(nil)

// NewEngine creates a policy gate with the built-in policies compiled and
// any configured policy paths loaded.
func NewEngine(cfg Config, logger zerolog.Logger) (*Engine, error) {
	doc, err := cfg.dataDocument()
	if err != nil {
		return nil, fmt.Errorf("failed to build policy data: %w", err)
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.NewFromObject(doc),
		loader:   NewLoader(logger),
		cfg:      cfg,
		logger:   logger.With().Str("component", "policy-gate").Logger(),
		builtins: GetBuiltinPolicies(),
	}

	ctx := context.Background()
	for i := range e.builtins {
		if err := e.addPolicy(ctx, &e.builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", e.builtins[i].Name, err)
		}
	}

	if len(cfg.PolicyPaths) > 0 {
		if err := e.LoadPolicies(ctx, cfg.PolicyPaths); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Check evaluates every enabled policy against the resolved graph. A
// violation of severity error or critical fails the check with a
// POLICY_VIOLATION error; lower severities are logged and the run
// proceeds.
func (e *Engine) Check(ctx context.Context, g *engine.ResolvedGraph) error {
	if g == nil {
		return nil
	}

	input := InputFromGraph(g, &CheckContext{
		Environment: e.cfg.Environment,
		Timestamp:   time.Now().UTC(),
	})

	result, err := e.Evaluate(ctx, input)
	if err != nil {
		return engine.NewPermanentError("policy evaluation failed", err).
			WithCode(engine.ErrCodePolicyViolation).
			WithOperation("resolve")
	}

	for i := range result.Warnings {
		w := &result.Warnings[i]
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("package", w.Package).
			Str("severity", string(w.Severity)).
			Msg(w.Message)
	}

	if result.Allowed {
		return nil
	}

	first := result.Violations[0]
	return engine.NewPermanentError(
		fmt.Sprintf("policy %s: %s", first.Policy, first.Message), nil).
		WithCode(engine.ErrCodePolicyViolation).
		WithOperation("resolve").
		WithDetail("violations", result.Violations)
}

// Evaluate runs every enabled policy over the given input and splits the
// deny results into blocking violations and warnings.
func (e *Engine) Evaluate(ctx context.Context, input *GraphInput) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{EvaluatedAt: start.UTC()}
	for _, name := range e.sortedPolicyNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Allowed = len(result.Violations) == 0
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("root", input.Root).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Graph policy evaluation completed")

	return result, nil
}

// InputFromGraph flattens a resolved graph into the policy input document.
// Packages are sorted by ID; override edges are split out of the edge list
// into the overrides list.
func InputFromGraph(g *engine.ResolvedGraph, cctx *CheckContext) *GraphInput {
	in := &GraphInput{Root: g.Root, Context: cctx}

	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		p := PackageInput{
			ID:       n.ID,
			Name:     n.Ref.Name,
			Version:  n.Ref.Version,
			User:     n.Ref.User,
			Channel:  n.Ref.Channel,
			Revision: n.Ref.Revision,
			Provides: n.Provides,
			Depth:    n.Depth,
			Root:     n.ID == g.Root,
		}
		if n.Recipe != nil {
			p.License = n.Recipe.License
		}
		if n.Config != nil {
			p.Settings = spaceValues(n.Config.Settings)
			p.Options = spaceValues(n.Config.Options)
		}
		in.Packages = append(in.Packages, p)
	}

	for _, edge := range g.Edges {
		if edge.Kind == engine.EdgeOverride {
			in.Overrides = append(in.Overrides, OverrideInput{
				Declarer: edge.From,
				Target:   edge.To,
				Version:  edge.Expression,
			})
			continue
		}
		in.Edges = append(in.Edges, EdgeInput{
			From:       edge.From,
			To:         edge.To,
			Kind:       string(edge.Kind),
			Expression: edge.Expression,
			Floating:   isFloating(edge.Expression),
		})
	}

	return in
}

// spaceValues flattens a value space into path/value pairs.
func spaceValues(s *configspace.Space) map[string]string {
	if s == nil {
		return nil
	}
	items := s.Items()
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]string, len(items))
	for _, it := range items {
		out[it.Path] = it.Value
	}
	return out
}

// isFloating reports whether a version expression is a range.
func isFloating(expr string) bool {
	if expr == "" {
		return false
	}
	parsed, err := version.ParseExpression(expr)
	return err == nil && parsed.IsRange()
}

// LoadPolicies loads and compiles policy files, adding them to the active
// set. A policy sharing a name with an already loaded one replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for i := range policies {
		if err := e.addPolicy(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded")

	return nil
}

// ReloadPolicies replaces the active set with the built-in policies plus
// the given ones. The current set stays active when any policy fails to
// compile.
func (e *Engine) ReloadPolicies(ctx context.Context, policies []Policy) error {
	staged := make(map[string]*compiledPolicy, len(e.builtins)+len(policies))
	for i := range e.builtins {
		cp, err := e.compilePolicy(ctx, &e.builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtins[i].Name, err)
		}
		staged[cp.policy.Name] = cp
	}
	for i := range policies {
		cp, err := e.compilePolicy(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		staged[cp.policy.Name] = cp
	}

	e.mu.Lock()
	e.policies = staged
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(staged)).
		Msg("Policies reloaded")

	return nil
}

// Watch reloads policies whenever a file under the configured policy paths
// changes. A no-op when no paths are configured.
func (e *Engine) Watch(ctx context.Context) error {
	if len(e.cfg.PolicyPaths) == 0 {
		return nil
	}
	return e.loader.Watch(ctx, e.cfg.PolicyPaths, func(policies []Policy) error {
		return e.ReloadPolicies(ctx, policies)
	})
}

// Close stops the policy file watcher.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

// evaluatePolicy runs one prepared deny query over the input.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *GraphInput) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, res := range results {
		if len(res.Expressions) == 0 {
			continue
		}
		denySet, ok := res.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, e.newViolation(cp.policy, d))
		}
	}

	return violations, nil
}

// newViolation shapes one deny result. A string result becomes the
// message; an object result may override the severity and name the
// offending package.
func (e *Engine) newViolation(p *Policy, result interface{}) Violation {
	v := Violation{
		Policy:     p.Name,
		Severity:   p.Severity,
		DetectedAt: time.Now().UTC(),
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if pkg, ok := r["package"].(string); ok {
			v.Package = pkg
		}
		if rem, ok := r["remediation"].(string); ok {
			v.Remediation = rem
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}

	return v
}

// compilePolicy parses the policy module and prepares its deny query
// against the configuration data store.
func (e *Engine) compilePolicy(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   p,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// addPolicy compiles a policy and adds it to the active set.
func (e *Engine) addPolicy(ctx context.Context, p *Policy) error {
	cp, err := e.compilePolicy(ctx, p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.policies[p.Name] = cp
	e.mu.Unlock()

	e.logger.Debug().
		Str("policy", p.Name).
		Msg("Policy compiled")

	return nil
}

// sortedPolicyNames returns the loaded policy names sorted. Callers hold
// at least a read lock.
func (e *Engine) sortedPolicyNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedPolicyNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = true
	e.logger.Info().Str("policy", name).Msg("Policy enabled")

	return nil
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = false
	e.logger.Info().Str("policy", name).Msg("Policy disabled")

	return nil
}
