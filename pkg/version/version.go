// Package version implements version ordering and range resolution for
// package requirements.
//
// Versions are parsed as semantic versions when possible. Strings that do not
// parse as semver are carried as opaque versions and ordered lexically, so
// recipes with date-style or vendor-style versions still resolve
// deterministically. Ranges follow the usual comparator grammar
// (">=1.2 <2.0", "^1.4", disjunction via "||") plus a "~=" compatible-release
// operator.
//
// This is a thin wrapper around github.com/Masterminds/semver/v3.
package version

import (
	"errors"
	"fmt"
	"strings"

	mm "github.com/Masterminds/semver/v3"
)

// ErrInvalidRange is wrapped by all range parse failures, including
// ambiguous "~=" expressions.
var ErrInvalidRange = errors.New("invalid version range")

// Version is one candidate version. The zero value is the empty version.
type Version struct {
	raw string
	sv  *mm.Version
}

// Parse accepts any version string. Semver strings gain semantic ordering,
// everything else is opaque and ordered lexically.
func Parse(raw string) Version {
	v, err := mm.NewVersion(raw)
	if err != nil {
		return Version{raw: raw}
	}
	return Version{raw: raw, sv: v}
}

// String returns the original version string.
func (v Version) String() string { return v.raw }

// IsSemver reports whether the version has semantic ordering.
func (v Version) IsSemver() bool { return v.sv != nil }

// IsZero reports whether the version is the empty version.
func (v Version) IsZero() bool { return v.raw == "" }

// Compare orders a and b, returning -1, 0 or 1. Semantic ordering applies
// when both sides parse as semver, lexical ordering otherwise.
func Compare(a, b Version) int {
	if a.sv != nil && b.sv != nil {
		return a.sv.Compare(b.sv)
	}
	return strings.Compare(a.raw, b.raw)
}

// Range is a parsed version range.
type Range struct {
	raw string
	c   *mm.Constraints
}

// ParseRange parses a comparator range: conjunction of comparator terms
// separated by spaces or commas, alternative term groups separated by "||",
// and the "~=" compatible-release operator ("~=1.2.3" allows >=1.2.3 <1.3.0,
// "~=1.2" allows >=1.2.0 <2.0.0). A single-segment "~=" operand is rejected
// as ambiguous.
func ParseRange(raw string) (Range, error) {
	if strings.TrimSpace(raw) == "" {
		return Range{}, fmt.Errorf("%w: empty expression", ErrInvalidRange)
	}
	normalized, err := normalizeRange(raw)
	if err != nil {
		return Range{}, err
	}
	c, err := mm.NewConstraint(normalized)
	if err != nil {
		return Range{}, fmt.Errorf("%w: %q: %v", ErrInvalidRange, raw, err)
	}
	return Range{raw: raw, c: c}, nil
}

// MustParseRange is ParseRange that panics on error, for fixtures.
func MustParseRange(raw string) Range {
	r, err := ParseRange(raw)
	if err != nil {
		panic(err)
	}
	return r
}

// normalizeRange rewrites "~=" terms into their tilde/caret equivalents while
// keeping group structure intact.
func normalizeRange(raw string) (string, error) {
	groups := strings.Split(raw, "||")
	for gi, group := range groups {
		terms := strings.FieldsFunc(group, func(r rune) bool {
			return r == ' ' || r == '\t' || r == ','
		})
		if len(terms) == 0 {
			return "", fmt.Errorf("%w: empty alternative in %q", ErrInvalidRange, raw)
		}
		for ti, term := range terms {
			if !strings.HasPrefix(term, "~=") {
				continue
			}
			operand := strings.TrimPrefix(term, "~=")
			rewritten, err := compatibleRelease(operand)
			if err != nil {
				return "", fmt.Errorf("%w: %q: %v", ErrInvalidRange, raw, err)
			}
			terms[ti] = rewritten
		}
		groups[gi] = strings.Join(terms, " ")
	}
	return strings.Join(groups, " || "), nil
}

// compatibleRelease maps a "~=" operand onto the equivalent tilde or caret
// term. The segment count decides the locked prefix, so the operand must have
// at least two numeric segments.
func compatibleRelease(operand string) (string, error) {
	if operand == "" {
		return "", errors.New("missing operand after ~=")
	}
	numeric := operand
	if i := strings.IndexAny(numeric, "-+"); i >= 0 {
		numeric = numeric[:i]
	}
	switch strings.Count(numeric, ".") {
	case 0:
		return "", fmt.Errorf("~=%s is ambiguous, need at least major.minor", operand)
	case 1:
		return "^" + operand, nil
	default:
		return "~" + operand, nil
	}
}

// String returns the original range expression.
func (r Range) String() string { return r.raw }

// Satisfies reports whether v is inside the range. Opaque versions never
// satisfy a comparator range.
func (r Range) Satisfies(v Version) bool {
	if r.c == nil || v.sv == nil {
		return false
	}
	return r.c.Check(v.sv)
}

// MaxSatisfying resolves a range against a candidate pool. Any satisfying
// member of preferred wins over all other candidates (the highest preferred
// one if several satisfy), otherwise the highest satisfying candidate is
// picked. The second return is false when nothing satisfies.
func MaxSatisfying(r Range, candidates []Version, preferred []Version) (Version, bool) {
	var best Version
	found := false
	for _, p := range preferred {
		if !r.Satisfies(p) {
			continue
		}
		if !found || Compare(p, best) > 0 {
			best = p
			found = true
		}
	}
	if found {
		return best, true
	}
	for _, candidate := range candidates {
		if !r.Satisfies(candidate) {
			continue
		}
		if !found || Compare(candidate, best) > 0 {
			best = candidate
			found = true
		}
	}
	return best, found
}

// Expression is a version requirement: either an exact version or a range.
type Expression struct {
	raw     string
	exact   Version
	rng     Range
	isRange bool
}

// ParseExpression parses a requirement version term. A term wrapped in
// square brackets is a range ("[>=1.2 <2.0]"), anything else is an exact
// version.
func ParseExpression(raw string) (Expression, error) {
	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		r, err := ParseRange(raw[1 : len(raw)-1])
		if err != nil {
			return Expression{}, err
		}
		return Expression{raw: raw, rng: r, isRange: true}, nil
	}
	if raw == "" {
		return Expression{}, fmt.Errorf("%w: empty version term", ErrInvalidRange)
	}
	return Expression{raw: raw, exact: Parse(raw)}, nil
}

// Exact builds an exact-version expression.
func Exact(v string) Expression {
	return Expression{raw: v, exact: Parse(v)}
}

// RangeOf builds a range expression.
func RangeOf(r Range) Expression {
	return Expression{raw: "[" + r.String() + "]", rng: r, isRange: true}
}

// IsRange reports whether the expression is a range rather than an exact pin.
func (e Expression) IsRange() bool { return e.isRange }

// String returns the original expression text.
func (e Expression) String() string { return e.raw }

// ExactVersion returns the pinned version for non-range expressions.
func (e Expression) ExactVersion() (Version, bool) {
	if e.isRange {
		return Version{}, false
	}
	return e.exact, true
}

// Range returns the parsed range for range expressions.
func (e Expression) Range() (Range, bool) {
	if !e.isRange {
		return Range{}, false
	}
	return e.rng, true
}

// Matches reports whether v satisfies the expression. Exact expressions
// match by string equality on the raw version.
func (e Expression) Matches(v Version) bool {
	if e.isRange {
		return e.rng.Satisfies(v)
	}
	return e.exact.raw == v.raw
}
