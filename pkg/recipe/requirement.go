package recipe

import (
	"fmt"
	"strings"

	"github.com/ferrite-build/ferrite/pkg/ref"
	"github.com/ferrite-build/ferrite/pkg/version"
)

// RequirementKind discriminates requirement edges.
type RequirementKind string

const (
	// RequirementNormal is a regular dependency.
	RequirementNormal RequirementKind = "normal"

	// RequirementTool is a build-tool dependency, excluded from the
	// requiring package's fingerprint.
	RequirementTool RequirementKind = "tool"

	// RequirementPrivate is a dependency whose published info stops at the
	// requiring package.
	RequirementPrivate RequirementKind = "private"

	// RequirementOverride constrains the version of an existing transitive
	// dependency without introducing a node.
	RequirementOverride RequirementKind = "override"
)

// Requirement is one declared dependency expression of a recipe.
type Requirement struct {
	// Name is the target package name.
	Name string `json:"name"`

	// User is the target namespace owner.
	User string `json:"user,omitempty"`

	// Channel is the target namespace channel.
	Channel string `json:"channel,omitempty"`

	// Expression is the version requirement, exact or range.
	Expression version.Expression `json:"expression"`

	// Kind classifies the edge this requirement creates.
	Kind RequirementKind `json:"kind"`

	// Optional requirements are dropped instead of failing the resolution
	// when no candidate satisfies them.
	Optional bool `json:"optional,omitempty"`
}

// ParseRequirement parses "name/versionExpr[@user[/channel]]" where
// versionExpr is an exact version or a bracketed range:
//
//	zlib/1.3.1
//	openssl/[>=3.0 <4.0]
//	boost/[~=1.84]@corp/stable
func ParseRequirement(s string, kind RequirementKind) (Requirement, error) {
	if s == "" {
		return Requirement{}, fmt.Errorf("%w: empty requirement", ref.ErrInvalidReference)
	}
	rest := s
	var req Requirement
	req.Kind = kind

	if i := strings.LastIndexByte(rest, '@'); i >= 0 {
		ns := rest[i+1:]
		rest = rest[:i]
		user, channel, found := strings.Cut(ns, "/")
		req.User = user
		if found {
			req.Channel = channel
		}
		if req.User == "" || (found && req.Channel == "") {
			return Requirement{}, fmt.Errorf("%w: malformed user/channel in %q", ref.ErrInvalidReference, s)
		}
	}

	name, expr, found := strings.Cut(rest, "/")
	if !found || name == "" || expr == "" {
		return Requirement{}, fmt.Errorf("%w: requirement %q needs name/version", ref.ErrInvalidReference, s)
	}
	req.Name = name

	probe := ref.Reference{Name: name, User: req.User, Channel: req.Channel}
	if err := probe.Validate(); err != nil {
		return Requirement{}, err
	}

	parsed, err := version.ParseExpression(expr)
	if err != nil {
		return Requirement{}, err
	}
	req.Expression = parsed

	if !parsed.IsRange() {
		exact := ref.Reference{Name: name, Version: expr, User: req.User, Channel: req.Channel}
		if err := exact.Validate(); err != nil {
			return Requirement{}, err
		}
	}
	return req, nil
}

// ParseRequirements parses a list of requirement strings of one kind.
func ParseRequirements(exprs []string, kind RequirementKind) ([]Requirement, error) {
	out := make([]Requirement, 0, len(exprs))
	for _, e := range exprs {
		req, err := ParseRequirement(e, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// TargetKey returns the graph slot the requirement points at.
func (r Requirement) TargetKey() ref.Key {
	return ref.Key{Name: r.Name, User: r.User, Channel: r.Channel}
}

// String renders the requirement in its declaration form.
func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	b.WriteByte('/')
	b.WriteString(r.Expression.String())
	if r.User != "" {
		b.WriteByte('@')
		b.WriteString(r.User)
		if r.Channel != "" {
			b.WriteByte('/')
			b.WriteString(r.Channel)
		}
	}
	return b.String()
}

// DeclaredRequirements parses all requirement lists of the recipe in
// declaration order: normal, private, tool, then optional-normal. Overrides
// are not included; they are pins, not edges, and are fetched separately via
// DeclaredOverrides.
func (r *Recipe) DeclaredRequirements() ([]Requirement, error) {
	out := make([]Requirement, 0,
		len(r.Requires)+len(r.PrivateRequires)+len(r.ToolRequires)+len(r.OptionalRequires))

	normal, err := ParseRequirements(r.Requires, RequirementNormal)
	if err != nil {
		return nil, fmt.Errorf("recipe %s: requires: %w", r.Ref(), err)
	}
	out = append(out, normal...)

	private, err := ParseRequirements(r.PrivateRequires, RequirementPrivate)
	if err != nil {
		return nil, fmt.Errorf("recipe %s: privateRequires: %w", r.Ref(), err)
	}
	out = append(out, private...)

	tools, err := ParseRequirements(r.ToolRequires, RequirementTool)
	if err != nil {
		return nil, fmt.Errorf("recipe %s: toolRequires: %w", r.Ref(), err)
	}
	out = append(out, tools...)

	optional, err := ParseRequirements(r.OptionalRequires, RequirementNormal)
	if err != nil {
		return nil, fmt.Errorf("recipe %s: optionalRequires: %w", r.Ref(), err)
	}
	for i := range optional {
		optional[i].Optional = true
	}
	out = append(out, optional...)

	return out, nil
}

// DeclaredOverrides parses the recipe's override pins. Each override must
// name an exact version; a range cannot pin anything.
func (r *Recipe) DeclaredOverrides() ([]Requirement, error) {
	overrides, err := ParseRequirements(r.Overrides, RequirementOverride)
	if err != nil {
		return nil, fmt.Errorf("recipe %s: overrides: %w", r.Ref(), err)
	}
	for _, o := range overrides {
		if o.Expression.IsRange() {
			return nil, fmt.Errorf("recipe %s: override %s must pin an exact version", r.Ref(), o)
		}
	}
	return overrides, nil
}
