package engine

import (
	"context"
	"fmt"

	"github.com/ferrite-build/ferrite/pkg/recipe"
	"github.com/ferrite-build/ferrite/pkg/ref"
	"github.com/ferrite-build/ferrite/pkg/version"
)

// VersionSelector resolves requirement expressions to concrete references
// against the versions a recipe provider knows about.
type VersionSelector struct {
	provider RecipeProvider
}

// NewVersionSelector creates a version selector.
func NewVersionSelector(provider RecipeProvider) *VersionSelector {
	return &VersionSelector{provider: provider}
}

// Select resolves one requirement. preferred lists versions to favor over
// higher candidates when they satisfy the expression: versions already
// selected elsewhere in the graph first, then session pins.
func (s *VersionSelector) Select(
	ctx context.Context,
	req recipe.Requirement,
	preferred []version.Version,
) (ref.Reference, error) {
	key := req.TargetKey()

	if v, ok := req.Expression.ExactVersion(); ok {
		return ref.Reference{
			Name:    key.Name,
			Version: v.String(),
			User:    key.User,
			Channel: key.Channel,
		}, nil
	}

	rng, ok := req.Expression.Range()
	if !ok {
		return ref.Reference{}, NewPermanentError("requirement has no usable version expression", nil).
			WithCode(ErrCodeAmbiguousRange).
			WithRef(req.String())
	}

	candidates, err := s.provider.Candidates(ctx, key)
	if err != nil {
		return ref.Reference{}, NewTransientError("listing candidate versions failed", err).
			WithCode(ErrCodeStore).
			WithRef(key.String()).
			WithOperation("resolve")
	}

	chosen, ok := version.MaxSatisfying(rng, candidates, preferred)
	if !ok {
		return ref.Reference{}, NewPermanentError(
			fmt.Sprintf("no candidate version of %s satisfies %s", key, req.Expression),
			nil,
		).
			WithCode(ErrCodeNoSatisfyingVersion).
			WithRef(req.String()).
			WithOperation("resolve").
			WithDetail("requested", req.Expression.String()).
			WithDetail("available", versionStrings(candidates))
	}

	return ref.Reference{
		Name:    key.Name,
		Version: chosen.String(),
		User:    key.User,
		Channel: key.Channel,
	}, nil
}

func versionStrings(versions []version.Version) []string {
	out := make([]string, len(versions))
	for i, v := range versions {
		out[i] = v.String()
	}
	return out
}
