package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		floatingRangesPolicy(),
		bannedPackagesPolicy(),
		overrideBudgetPolicy(),
	}
}

// floatingRangesPolicy denies floating version ranges when the gate is
// configured to require a lockfile.
func floatingRangesPolicy() Policy {
	return Policy{
		Name:        "floating-ranges",
		Description: "Denies floating version ranges when a lockfile is required",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"versions", "determinism"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package ferrite.policies.ranges

import rego.v1

# A floating range resolves to whatever the index holds today. When the run
# must reproduce a lockfile, every requirement has to pin an exact version.
deny contains violation if {
	data.ferrite.config.require_lockfile
	some edge in input.edges
	edge.floating
	violation := {
		"message": sprintf("requirement %s -> %s uses floating range %s but a lockfile is required", [edge.from, edge.to, edge.expression]),
		"severity": "error",
		"package": edge.to,
	}
}`,
	}
}

// bannedPackagesPolicy denies packages on the configured banned list.
func bannedPackagesPolicy() Policy {
	return Policy{
		Name:        "banned-packages",
		Description: "Denies packages matching the configured banned list",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"supply-chain"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package ferrite.policies.banned

import rego.v1

# Patterns without a slash match the package name.
deny contains violation if {
	some pkg in input.packages
	some pattern in data.ferrite.config.banned_packages
	not contains(pattern, "/")
	glob.match(pattern, [], pkg.name)
	violation := {
		"message": sprintf("package %s/%s is banned (pattern %s)", [pkg.name, pkg.version, pattern]),
		"severity": "error",
		"package": pkg.id,
	}
}

# Patterns with a slash match name/version, so single versions can be
# banned without banning the package.
deny contains violation if {
	some pkg in input.packages
	some pattern in data.ferrite.config.banned_packages
	contains(pattern, "/")
	glob.match(pattern, ["/"], sprintf("%s/%s", [pkg.name, pkg.version]))
	violation := {
		"message": sprintf("package %s/%s is banned (pattern %s)", [pkg.name, pkg.version, pattern]),
		"severity": "error",
		"package": pkg.id,
	}
}`,
	}
}

// overrideBudgetPolicy caps the number of version overrides applied in one
// resolution.
func overrideBudgetPolicy() Policy {
	return Policy{
		Name:        "override-budget",
		Description: "Caps the number of version overrides applied in one graph",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"overrides", "hygiene"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package ferrite.policies.overrides

import rego.v1

deny contains violation if {
	budget := data.ferrite.config.max_overrides
	budget > 0
	applied := count(input.overrides)
	applied > budget
	violation := {
		"message": sprintf("graph applies %d version overrides, budget is %d", [applied, budget]),
		"severity": "error",
		"package": input.root,
	}
}`,
	}
}
