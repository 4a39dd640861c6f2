// Package policy provides Open Policy Agent (OPA) integration for ferrite.
//
// This package gates resolved dependency graphs on Rego policies before any
// stage executes. It includes built-in policies for common governance
// requirements and supports custom policy loading with hot reload.
//
// # Architecture
//
// The policy system consists of four main components:
//
//  1. Engine - Compiles policies and evaluates them against graphs
//  2. Loader - Loads and compile-checks policies from files and directories
//  3. Types - Data structures for policies, violations, and results
//  4. Built-in Policies - Pre-defined policies for common requirements
//
// The Engine implements the engine.PolicyGate interface: the resolver calls
// Check after graph expansion and before fingerprints are computed, so a
// rejected graph never reaches the store or the build drivers.
//
// # Usage
//
// Creating a policy gate:
//
//	gate, err := policy.NewEngine(policy.Config{
//	    BannedPackages:  []string{"leftpad", "openssl/1.*"},
//	    RequireLockfile: true,
//	    MaxOverrides:    3,
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Checking a resolved graph:
//
//	if err := gate.Check(ctx, graph); err != nil {
//	    // err is a *engine.ResolveError with code POLICY_VIOLATION
//	}
//
// Loading custom policies:
//
//	err = gate.LoadPolicies(ctx, []string{
//	    "/etc/ferrite/policies",
//	    "/opt/policies/custom.rego",
//	})
//
// # Built-in Policies
//
// The following policies are included by default:
//
//  1. floating-ranges - Denies floating version ranges when a lockfile is
//     required
//  2. banned-packages - Denies packages matching the configured banned list
//  3. override-budget - Caps the number of version overrides in one graph
//
// All three read their thresholds from the gate Config, exposed to Rego
// under data.ferrite.config. A zero Config leaves them inert.
//
// # Policy Input
//
// Policies evaluate against the resolved graph flattened into a document:
//
//	input.root                the root node's ID
//	input.packages            id, name, version, user, channel, revision,
//	                          license, provides, depth, settings, options
//	input.edges               from, to, kind, expression, floating
//	input.overrides           declarer, target, version
//	input.context             environment, timestamp
//
// # Custom Policies
//
// Custom policies are Rego modules with a deny set. A deny result may be a
// plain message string or an object carrying message, severity, package and
// remediation:
//
//	package custom.policies.licenses
//
//	import rego.v1
//
//	deny contains violation if {
//	    some pkg in input.packages
//	    pkg.license == ""
//	    violation := {
//	        "message": sprintf("package %s declares no license", [pkg.name]),
//	        "severity": "warning",
//	        "package": pkg.id,
//	    }
//	}
//
// # Severity Levels
//
// Violations have four severity levels:
//
//   - info: Informational messages
//   - warning: Findings that are logged but do not block the run
//   - error: Violations that fail the check
//   - critical: Violations that fail the check and demand immediate action
//
// # Hot Reload
//
// Watch observes the configured policy paths with fsnotify and reloads the
// whole policy set, debounced, whenever a .rego or .json file changes:
//
//	if err := gate.Watch(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer gate.Close()
//
// A reload that fails to compile leaves the previous set active.
//
// # Performance
//
// Policies are compiled once and reused: the engine prepares one OPA eval
// query per policy and runs it for every graph. The loader caches parsed
// files until a change event invalidates them.
package policy
