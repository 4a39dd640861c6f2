package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PlanUnit is the decided action for one graph node.
type PlanUnit struct {
	// NodeID is the graph node this unit executes.
	NodeID string `json:"nodeId"`

	// Ref is the node's resolved package reference.
	Ref string `json:"ref"`

	// Fingerprint is the node's canonical binary identity.
	Fingerprint string `json:"fingerprint,omitempty"`

	// CompatibleFingerprint is the fallback identity consumed instead of
	// the canonical one, set only for ActionCompatible units.
	CompatibleFingerprint string `json:"compatibleFingerprint,omitempty"`

	// Action decides whether the node builds or reuses a cached binary.
	Action PlanAction `json:"action"`

	// Reason explains the decision in one line.
	Reason string `json:"reason,omitempty"`

	// Level is the execution level the unit runs at.
	Level int `json:"level"`

	// DependsOn lists the node IDs that must finish first.
	DependsOn []string `json:"dependsOn,omitempty"`
}

// PlanSummary counts plan units by decided action.
type PlanSummary struct {
	Total      int `json:"total"`
	Build      int `json:"build"`
	Reuse      int `json:"reuse"`
	Compatible int `json:"compatible"`

	// Invalid counts nodes whose configuration was rejected; they get no
	// unit and fail at execution time.
	Invalid int `json:"invalid,omitempty"`

	// Blocked counts nodes downstream of invalid ones; they have no
	// fingerprint and get no unit.
	Blocked int `json:"blocked,omitempty"`
}

// InstallPlan is the decided set of actions for one resolved graph, in
// dependencies-before-dependents level order.
type InstallPlan struct {
	ID        string      `json:"id"`
	RootRef   string      `json:"rootRef"`
	Units     []PlanUnit  `json:"units"`
	Levels    [][]string  `json:"levels"`
	CreatedAt time.Time   `json:"createdAt"`
	Summary   PlanSummary `json:"summary"`

	unitIndex map[string]int
}

// Unit returns the plan unit for a node ID.
func (p *InstallPlan) Unit(nodeID string) (*PlanUnit, bool) {
	if p.unitIndex == nil {
		p.unitIndex = make(map[string]int, len(p.Units))
		for i := range p.Units {
			p.unitIndex[p.Units[i].NodeID] = i
		}
	}
	i, ok := p.unitIndex[nodeID]
	if !ok {
		return nil, false
	}
	return &p.Units[i], true
}

// Planner decides, per fingerprinted node, whether a cached binary is
// reused or the node builds from source.
type Planner struct {
	store         ArtifactStore
	fingerprinter *Fingerprinter
	logger        zerolog.Logger
}

// NewPlanner creates a planner consulting the given artifact store.
func NewPlanner(store ArtifactStore, fingerprinter *Fingerprinter, logger zerolog.Logger) *Planner {
	return &Planner{
		store:         store,
		fingerprinter: fingerprinter,
		logger:        logger.With().Str("component", "planner").Logger(),
	}
}

// Plan walks the graph in level order and decides each node's action. The
// canonical fingerprint is looked up first; on a miss the node's compatible
// fallbacks are tried in declared order before falling back to a build.
// Nodes forcing a rebuild skip the cache entirely. Invalid nodes and nodes
// without a fingerprint get no unit and are only counted.
func (p *Planner) Plan(ctx context.Context, g *ResolvedGraph) (*InstallPlan, error) {
	root, ok := g.Nodes[g.Root]
	if !ok {
		return nil, NewInvalidError("graph has no root node", nil).
			WithCode(ErrCodeInternal).
			WithOperation("plan")
	}

	plan := &InstallPlan{
		ID:        uuid.New().String(),
		RootRef:   root.Ref.String(),
		Levels:    g.Levels,
		CreatedAt: time.Now().UTC(),
	}

	for levelIdx, level := range g.Levels {
		for _, id := range level {
			if err := ctx.Err(); err != nil {
				return nil, NewTransientError("planning cancelled", err).
					WithOperation("plan")
			}
			node := g.Nodes[id]
			plan.Summary.Total++

			if node.State == StateInvalid {
				plan.Summary.Invalid++
				continue
			}
			if node.Fingerprint == "" {
				plan.Summary.Blocked++
				continue
			}

			unit := PlanUnit{
				NodeID:      id,
				Ref:         node.Ref.String(),
				Fingerprint: node.Fingerprint,
				Level:       levelIdx,
				DependsOn:   g.DependencyIDs(id),
			}
			if err := p.decide(ctx, node, &unit); err != nil {
				return nil, err
			}

			switch unit.Action {
			case ActionBuild:
				plan.Summary.Build++
			case ActionReuse:
				plan.Summary.Reuse++
			case ActionCompatible:
				plan.Summary.Compatible++
			}
			plan.Units = append(plan.Units, unit)
		}
	}

	p.logger.Debug().
		Str("plan", plan.ID).
		Int("total", plan.Summary.Total).
		Int("build", plan.Summary.Build).
		Int("reuse", plan.Summary.Reuse+plan.Summary.Compatible).
		Msg("Install plan computed")

	return plan, nil
}

func (p *Planner) decide(ctx context.Context, node *Node, unit *PlanUnit) error {
	if node.Recipe != nil && node.Recipe.AlwaysRebuild {
		unit.Action = ActionBuild
		unit.Reason = "recipe forces rebuild"
		return nil
	}

	_, found, err := p.store.Lookup(ctx, node.Fingerprint)
	if err != nil {
		return NewTransientError("artifact lookup failed", err).
			WithCode(ErrCodeStore).
			WithRef(node.Ref.String()).
			WithOperation("plan")
	}
	if found {
		unit.Action = ActionReuse
		unit.Reason = "binary cached"
		return nil
	}

	fallbacks, err := p.fingerprinter.CompatibleFallbacks(ctx, node)
	if err != nil {
		return err
	}
	for _, candidate := range fallbacks {
		_, found, err := p.store.Lookup(ctx, candidate.Fingerprint)
		if err != nil {
			return NewTransientError("artifact lookup failed", err).
				WithCode(ErrCodeStore).
				WithRef(node.Ref.String()).
				WithOperation("plan")
		}
		if found {
			unit.Action = ActionCompatible
			unit.CompatibleFingerprint = candidate.Fingerprint
			unit.Reason = "compatible binary cached"
			return nil
		}
	}

	unit.Action = ActionBuild
	unit.Reason = "no binary for fingerprint"
	return nil
}
