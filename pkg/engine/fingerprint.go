package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ferrite-build/ferrite/pkg/configspace"
	"github.com/ferrite-build/ferrite/pkg/recipe"
)

// DepFingerprint is one dependency's contribution to a node's binary
// identity.
type DepFingerprint struct {
	Ref         string `json:"ref"`
	Fingerprint string `json:"fingerprint"`
}

// FingerprintInput is the canonical value a fingerprint hashes: the node's
// own reference, its effective settings and options as canonical strings,
// and the fingerprints of its normal and private dependencies sorted by
// reference. Options with a wildcard domain are left out entirely, removed
// settings attributes and unassigned attributes are simply absent. Two
// nodes produce the same fingerprint exactly when this value is equal.
type FingerprintInput struct {
	Ref      string            `json:"ref"`
	Settings map[string]string `json:"settings,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
	Requires []DepFingerprint  `json:"requires,omitempty"`
}

// Canonical returns the deterministic serialized form of the input. Map
// keys serialize in sorted order, so equal inputs yield equal bytes.
func (in *FingerprintInput) Canonical() ([]byte, error) {
	return json.Marshal(in)
}

// Hash returns the hex fingerprint of the canonical form.
func (in *FingerprintInput) Hash() (string, error) {
	data, err := in.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Clone returns a deep copy.
func (in *FingerprintInput) Clone() *FingerprintInput {
	cp := &FingerprintInput{
		Ref:      in.Ref,
		Settings: make(map[string]string, len(in.Settings)),
		Options:  make(map[string]string, len(in.Options)),
		Requires: append([]DepFingerprint{}, in.Requires...),
	}
	for k, v := range in.Settings {
		cp.Settings[k] = v
	}
	for k, v := range in.Options {
		cp.Options[k] = v
	}
	return cp
}

// CompatibleCandidate is one fallback binary identity a node is willing to
// consume when no binary for its canonical fingerprint exists.
type CompatibleCandidate struct {
	Fingerprint string            `json:"fingerprint"`
	Input       *FingerprintInput `json:"input"`
}

// Fingerprinter computes binary identities across a resolved graph.
type Fingerprinter struct {
	provider RecipeProvider
	logger   zerolog.Logger
}

// NewFingerprinter creates a fingerprinter loading hook modules through the
// given provider.
func NewFingerprinter(provider RecipeProvider, logger zerolog.Logger) *Fingerprinter {
	return &Fingerprinter{
		provider: provider,
		logger:   logger.With().Str("component", "fingerprinter").Logger(),
	}
}

// ComputeFingerprints assigns each node its fingerprint in a bottom-up fold
// over the graph's levels, so every dependency fingerprint is final before
// it is read. Invalid nodes get no fingerprint; nodes downstream of an
// invalid node are left without one as well and surface as failures at
// scheduling time. Recomputing an already fingerprinted graph is a no-op.
func (f *Fingerprinter) ComputeFingerprints(ctx context.Context, g *ResolvedGraph) error {
	for _, level := range g.Levels {
		for _, id := range level {
			if err := ctx.Err(); err != nil {
				return NewTransientError("fingerprint computation cancelled", err).
					WithOperation("fingerprint")
			}
			node := g.Nodes[id]
			if node.State == StateInvalid {
				continue
			}
			input, ready, err := f.inputFor(ctx, g, node)
			if err != nil {
				return err
			}
			if !ready {
				continue
			}
			hash, err := input.Hash()
			if err != nil {
				return NewPermanentError("hashing fingerprint input failed", err).
					WithCode(ErrCodeInternal).
					WithRef(node.Ref.String()).
					WithOperation("fingerprint")
			}
			node.FingerprintInput = input
			node.Fingerprint = hash
			if node.State == StateConfigResolved {
				node.State = StateIDComputed
			}
		}
	}
	return nil
}

// inputFor assembles a node's fingerprint input and runs its package_id
// hook over the digest. ready is false when a dependency has no
// fingerprint, which happens downstream of invalid nodes.
func (f *Fingerprinter) inputFor(ctx context.Context, g *ResolvedGraph, node *Node) (*FingerprintInput, bool, error) {
	var requires []DepFingerprint
	seen := make(map[string]bool)
	for _, e := range g.EdgesFrom(node.ID) {
		if !e.Kind.InFingerprint() {
			continue
		}
		dep := g.Nodes[e.To]
		if dep == nil || seen[dep.Ref.String()] {
			continue
		}
		if dep.Fingerprint == "" {
			return nil, false, nil
		}
		seen[dep.Ref.String()] = true
		requires = append(requires, DepFingerprint{
			Ref:         dep.Ref.String(),
			Fingerprint: dep.Fingerprint,
		})
	}
	sort.Slice(requires, func(i, j int) bool { return requires[i].Ref < requires[j].Ref })

	input := &FingerprintInput{
		Ref:      node.Ref.String(),
		Settings: configDigest(node.Config.Settings),
		Options:  optionsDigest(node.Config.Options),
		Requires: requires,
	}

	hooks, err := f.provider.Hooks(node.Recipe)
	if err != nil {
		return nil, false, NewPermanentError("loading recipe hooks failed", err).
			WithCode(ErrCodeRecipe).
			WithRef(node.Ref.String()).
			WithOperation("fingerprint")
	}
	if hooks.Has(recipe.HookPackageID) {
		folded, err := hooks.PackageID(ctx, map[string]any{
			"settings": digestToAny(input.Settings),
			"options":  digestToAny(input.Options),
		})
		if err != nil {
			return nil, false, NewPermanentError("package_id hook failed", err).
				WithCode(ErrCodeRecipe).
				WithRef(node.Ref.String()).
				WithOperation("fingerprint")
		}
		if folded != nil {
			if raw, ok := folded["settings"]; ok {
				input.Settings, err = digestFromAny(raw)
				if err != nil {
					return nil, false, badPackageIDShape(node, "settings", err)
				}
			}
			if raw, ok := folded["options"]; ok {
				input.Options, err = digestFromAny(raw)
				if err != nil {
					return nil, false, badPackageIDShape(node, "options", err)
				}
			}
		}
	}
	return input, true, nil
}

// CompatibleFallbacks evaluates the node's compatible hook and returns the
// fallback identities in declared order. Each entry must produce a valid
// configuration: a fallback whose values fall outside the node's declared
// domains is skipped, as is one that hashes identically to the canonical
// fingerprint.
func (f *Fingerprinter) CompatibleFallbacks(ctx context.Context, node *Node) ([]CompatibleCandidate, error) {
	if node.FingerprintInput == nil {
		return nil, nil
	}
	hooks, err := f.provider.Hooks(node.Recipe)
	if err != nil {
		return nil, NewPermanentError("loading recipe hooks failed", err).
			WithCode(ErrCodeRecipe).
			WithRef(node.Ref.String()).
			WithOperation("fingerprint")
	}
	if !hooks.Has(recipe.HookCompatible) {
		return nil, nil
	}

	deltas, err := hooks.Compatible(ctx, hookConfig(node))
	if err != nil {
		return nil, NewPermanentError("compatible hook failed", err).
			WithCode(ErrCodeRecipe).
			WithRef(node.Ref.String()).
			WithOperation("fingerprint")
	}

	var out []CompatibleCandidate
	for _, delta := range deltas {
		input, ok := applyCompatibleDelta(node, delta)
		if !ok {
			f.logger.Debug().
				Str("node", node.ID).
				Msg("Compatible fallback outside declared domains, skipping")
			continue
		}
		hash, err := input.Hash()
		if err != nil {
			return nil, NewPermanentError("hashing fallback input failed", err).
				WithCode(ErrCodeInternal).
				WithRef(node.Ref.String()).
				WithOperation("fingerprint")
		}
		if hash == node.Fingerprint {
			continue
		}
		out = append(out, CompatibleCandidate{Fingerprint: hash, Input: input})
	}
	return out, nil
}

// applyCompatibleDelta overlays one compatible-hook delta onto a copy of
// the node's canonical input. ok is false when any changed value is outside
// its attribute's domain.
func applyCompatibleDelta(node *Node, delta map[string]any) (*FingerprintInput, bool) {
	input := node.FingerprintInput.Clone()

	if raw, ok := delta["settings"]; ok {
		values, isMap := raw.(map[string]any)
		if !isMap {
			return nil, false
		}
		check := node.Config.Settings.Clone()
		for _, path := range sortedKeys(values) {
			if err := check.Set(path, values[path]); err != nil {
				return nil, false
			}
			input.Settings[path] = configspace.Normalize(values[path]).String()
		}
	}

	if raw, ok := delta["options"]; ok {
		values, isMap := raw.(map[string]any)
		if !isMap {
			return nil, false
		}
		check := node.Config.Options.Clone()
		for _, path := range sortedKeys(values) {
			if err := check.Set(path, values[path]); err != nil {
				return nil, false
			}
			if isAnyDomain(node.Config.Options, path) {
				continue
			}
			input.Options[path] = configspace.Normalize(values[path]).String()
		}
	}

	return input, true
}

// configDigest flattens every assigned attribute of a space to canonical
// strings. Removed and unassigned attributes are absent.
func configDigest(s *configspace.Space) map[string]string {
	out := make(map[string]string)
	for _, item := range s.Items() {
		out[item.Path] = item.Value
	}
	return out
}

// optionsDigest flattens assigned options to canonical strings, leaving
// wildcard-domain options out of the binary identity entirely.
func optionsDigest(s *configspace.Space) map[string]string {
	out := make(map[string]string)
	for _, item := range s.Items() {
		if item.AnyDomain {
			continue
		}
		out[item.Path] = item.Value
	}
	return out
}

func digestToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func digestFromAny(raw any) (map[string]string, error) {
	values, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a dict, got %T", raw)
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = configspace.Normalize(v).String()
	}
	return out, nil
}

func badPackageIDShape(node *Node, section string, err error) error {
	return NewInvalidError(
		fmt.Sprintf("package_id hook returned a malformed %q section", section),
		err,
	).
		WithCode(ErrCodeRecipe).
		WithRef(node.Ref.String()).
		WithOperation("fingerprint")
}

func isAnyDomain(s *configspace.Space, path string) bool {
	d, err := s.DomainOf(path)
	return err == nil && d.Kind == configspace.DomainAny
}
