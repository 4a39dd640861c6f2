// Package engine implements the core resolution pipeline of the Ferrite
// package manager.
//
// # Overview
//
// Ferrite turns a root recipe plus a profile into reproducible binary
// packages. The engine operates through a 4-phase pipeline:
//
//  1. Resolve - Expand the dependency graph, propagate configuration and
//     settle version conflicts (GraphBuilder)
//  2. Fingerprint - Compute each node's binary identity bottom-up
//     (Fingerprinter)
//  3. Plan - Decide build versus cache reuse per node (Planner)
//  4. Install - Execute build stages level-parallel (StageScheduler)
//
// # Core Domain Types
//
//   - Node: one package occurrence in the resolved graph, with its
//     effective configuration and lifecycle state
//   - Edge: a requirement relation tagged normal, private, tool or override
//   - ResolvedGraph: the full DAG with dependencies-before-dependents
//     execution levels
//   - FingerprintInput: the canonical value hashed into a fingerprint
//   - InstallPlan / PlanUnit: the decided actions for one graph
//   - Run / Event: execution outcome and its timeline
//
// # Collaborator Interfaces
//
// The pipeline is wired through small interfaces so storage, transport and
// build mechanics stay out of the resolution logic:
//
//   - RecipeProvider: lists candidate versions, loads recipes and hooks
//   - ArtifactStore: fingerprint-keyed binary storage with producer locks
//   - BuildDriver: runs the source, build and package stages
//   - PolicyGate: vets resolved graphs before anything builds
//   - EventPublisher: receives run and node lifecycle events
//
// # Error Classification
//
// Failures carry an ErrorClass and a stable machine code. Transient errors
// are retried with backoff during execution; conflicts and invalid
// configurations are surfaced immediately:
//
//	if engine.IsVersionConflict(err) {
//	    // an explicit override is required
//	}
//
// # Example
//
//	eng, err := engine.NewEngine(engine.EngineConfig{
//	    Provider: index,
//	    Store:    store,
//	    Driver:   driver,
//	    Logger:   logger,
//	})
//	run, graph, err := eng.Install(ctx, rootRecipe, profile, engine.ResolveOptions{})
//
// # Concurrency
//
// A ResolvedGraph is built single-threaded and is safe for concurrent reads
// afterwards. During execution each node is mutated by exactly one worker;
// cross-node coordination goes through the scheduler's internal state.
package engine
