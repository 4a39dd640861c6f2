package policy

import (
	"encoding/json"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not
	// block a run.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the run.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that block the run and demand
	// immediate attention.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity fails the gate.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations. A deny result may
	// carry its own severity and override it.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Package is the graph node the violation concerns, when one can be
	// named.
	Package string `json:"package,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides a suggested fix.
	Remediation string `json:"remediation,omitempty"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Result represents the outcome of evaluating every enabled policy against
// one resolved graph.
type Result struct {
	// Allowed is true when no blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations (error, critical).
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists the non-blocking violations (info, warning).
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate. A failed policy does
	// not block the run.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated,
	// sorted.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation started.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Config configures the policy gate. The zero value enables the built-in
// policies with nothing to enforce: no banned packages, no override cap,
// floating ranges permitted.
type Config struct {
	// PolicyPaths lists .rego/.json files and directories loaded at
	// construction and reloaded by Watch.
	PolicyPaths []string `json:"policy_paths,omitempty"`

	// RequireLockfile denies floating version ranges anywhere in the
	// resolved graph. Set when the run must reproduce a lockfile.
	RequireLockfile bool `json:"require_lockfile,omitempty"`

	// BannedPackages lists glob patterns for packages that may not appear
	// in a resolved graph. A pattern without "/" matches the package name
	// ("zlib", "corp-*"); a pattern with "/" matches name/version
	// ("openssl/1.*").
	BannedPackages []string `json:"banned_packages,omitempty"`

	// MaxOverrides caps the number of version overrides applied in one
	// graph. Zero means no cap.
	MaxOverrides int `json:"max_overrides,omitempty"`

	// Environment names the evaluation environment, exposed to policies as
	// input.context.environment.
	Environment string `json:"environment,omitempty"`
}

// dataDocument renders the gate configuration as the data document the
// built-in policies read under data.ferrite.config. The JSON round trip
// keeps the value types OPA's store accepts.
func (c Config) dataDocument() (map[string]interface{}, error) {
	banned := c.BannedPackages
	if banned == nil {
		banned = []string{}
	}
	raw, err := json.Marshal(map[string]interface{}{
		"require_lockfile": c.RequireLockfile,
		"banned_packages":  banned,
		"max_overrides":    c.MaxOverrides,
		"environment":      c.Environment,
	})
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"ferrite": map[string]interface{}{"config": doc},
	}, nil
}

// GraphInput is the input document policies evaluate against: the resolved
// graph flattened into packages, requirement edges and applied overrides.
type GraphInput struct {
	// Root is the root node's ID.
	Root string `json:"root"`

	// Packages lists every resolved node, sorted by ID.
	Packages []PackageInput `json:"packages"`

	// Edges lists the requirement edges (normal, tool, private).
	Edges []EdgeInput `json:"edges,omitempty"`

	// Overrides lists the version pins that were applied during
	// resolution.
	Overrides []OverrideInput `json:"overrides,omitempty"`

	// Context carries evaluation context.
	Context *CheckContext `json:"context"`
}

// PackageInput is one resolved node as policies see it.
type PackageInput struct {
	// ID is the node's graph key.
	ID string `json:"id"`

	// Name is the package name.
	Name string `json:"name"`

	// Version is the resolved version.
	Version string `json:"version"`

	// User is the optional namespace owner.
	User string `json:"user,omitempty"`

	// Channel is the optional namespace channel.
	Channel string `json:"channel,omitempty"`

	// Revision is the optional recipe revision.
	Revision string `json:"revision,omitempty"`

	// License is the recipe's declared license identifier.
	License string `json:"license,omitempty"`

	// Provides lists the functional slots the node occupies.
	Provides []string `json:"provides,omitempty"`

	// Depth is the requirement depth the node was selected at.
	Depth int `json:"depth"`

	// Root marks the graph's root node.
	Root bool `json:"root,omitempty"`

	// Settings holds the node's effective settings as path/value pairs.
	Settings map[string]string `json:"settings,omitempty"`

	// Options holds the node's effective options as path/value pairs.
	Options map[string]string `json:"options,omitempty"`
}

// EdgeInput is one requirement edge as policies see it.
type EdgeInput struct {
	// From is the requiring node's ID.
	From string `json:"from"`

	// To is the required node's ID.
	To string `json:"to"`

	// Kind classifies the edge: normal, tool or private.
	Kind string `json:"kind"`

	// Expression is the declared version expression.
	Expression string `json:"expression,omitempty"`

	// Floating marks edges declared with a version range rather than an
	// exact pin.
	Floating bool `json:"floating,omitempty"`
}

// OverrideInput is one applied version pin.
type OverrideInput struct {
	// Declarer is the node that declared the override.
	Declarer string `json:"declarer"`

	// Target is the node the pin was applied to.
	Target string `json:"target"`

	// Version is the pinned version.
	Version string `json:"version"`
}

// CheckContext provides context information for policy evaluation.
type CheckContext struct {
	// Environment names the evaluation environment
	// (e.g. "ci", "developer").
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// PolicyBundle represents a collection of related policies distributed as
// one JSON document.
type PolicyBundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`

	// CreatedAt is when the bundle was created.
	CreatedAt time.Time `json:"created_at"`
}
