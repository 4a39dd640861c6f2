package engine

import (
	"encoding/json"
	"fmt"
)

// LifecycleState represents the position of a node in its staged lifecycle.
type LifecycleState string

const (
	// StateUnresolved indicates the node exists but its configuration is not
	// final yet.
	StateUnresolved LifecycleState = "unresolved"

	// StateConfigResolved indicates the effective configuration is final and
	// locked.
	StateConfigResolved LifecycleState = "config_resolved"

	// StateIDComputed indicates the binary fingerprint has been computed.
	StateIDComputed LifecycleState = "id_computed"

	// StateSourceFetched indicates sources are present. Skipped on a cache
	// hit.
	StateSourceFetched LifecycleState = "source_fetched"

	// StateBuilt indicates the build stage completed.
	StateBuilt LifecycleState = "built"

	// StatePackaged indicates the artifact exists, freshly built or reused
	// from the store.
	StatePackaged LifecycleState = "packaged"

	// StateInfoPublished indicates the node's produced info is visible to
	// its consumers. Terminal success state.
	StateInfoPublished LifecycleState = "info_published"

	// StateInvalid indicates the recipe's validation rejected the effective
	// configuration. Terminal failing state.
	StateInvalid LifecycleState = "invalid"

	// StateFailed indicates a stage failed, or a dependency failed first.
	// Terminal failing state.
	StateFailed LifecycleState = "failed"
)

// IsTerminal returns true if the state is final for this resolution run.
func (s LifecycleState) IsTerminal() bool {
	return s == StateInfoPublished || s == StateInvalid || s == StateFailed
}

// IsFailing returns true if the state marks the node unusable by dependents.
func (s LifecycleState) IsFailing() bool {
	return s == StateInvalid || s == StateFailed
}

// Validate checks if the lifecycle state is valid.
func (s LifecycleState) Validate() error {
	switch s {
	case StateUnresolved, StateConfigResolved, StateIDComputed,
		StateSourceFetched, StateBuilt, StatePackaged,
		StateInfoPublished, StateInvalid, StateFailed:
		return nil
	default:
		return fmt.Errorf("invalid lifecycle state: %s", s)
	}
}

// EdgeKind represents the type of a requirement edge.
type EdgeKind string

const (
	// EdgeNormal is a regular dependency edge.
	EdgeNormal EdgeKind = "normal"

	// EdgePrivate is a dependency whose produced info does not propagate
	// past the requiring node.
	EdgePrivate EdgeKind = "private"

	// EdgeTool is a build-tool dependency. It takes no part in the
	// requirer's fingerprint.
	EdgeTool EdgeKind = "tool"

	// EdgeOverride records an applied version pin. Override edges never
	// introduce nodes and never gate scheduling.
	EdgeOverride EdgeKind = "override"
)

// GatesScheduling returns true if the edge orders stage execution.
func (k EdgeKind) GatesScheduling() bool {
	return k == EdgeNormal || k == EdgePrivate || k == EdgeTool
}

// InFingerprint returns true if the edge's target contributes its own
// fingerprint to the requirer's.
func (k EdgeKind) InFingerprint() bool {
	return k == EdgeNormal || k == EdgePrivate
}

// Validate checks if the edge kind is valid.
func (k EdgeKind) Validate() error {
	switch k {
	case EdgeNormal, EdgePrivate, EdgeTool, EdgeOverride:
		return nil
	default:
		return fmt.Errorf("invalid edge kind: %s", k)
	}
}

// PlanAction represents what the orchestrator will do for one node.
type PlanAction string

const (
	// ActionBuild runs the full fetch/build/package sequence.
	ActionBuild PlanAction = "build"

	// ActionReuse reuses an artifact stored under the canonical
	// fingerprint.
	ActionReuse PlanAction = "reuse"

	// ActionCompatible reuses an artifact stored under a declared
	// compatible fingerprint.
	ActionCompatible PlanAction = "compatible"
)

// Validate checks if the plan action is valid.
func (a PlanAction) Validate() error {
	switch a {
	case ActionBuild, ActionReuse, ActionCompatible:
		return nil
	default:
		return fmt.Errorf("invalid plan action: %s", a)
	}
}

// RunStatus represents the overall status of an orchestration run.
type RunStatus string

const (
	// RunStatusPending indicates the run has not started executing stages.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates stages are executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every node reached InfoPublished.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates no node group completed usefully.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates some subtrees completed while others
	// failed or were skipped.
	RunStatusPartial RunStatus = "partial"

	// RunStatusCancelled indicates the run was cancelled.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusPartial || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusPartial, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// EventType represents the type of event in the orchestration timeline.
type EventType string

const (
	// EventTypeRunStarted indicates a run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted indicates a run has completed.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeRunFailed indicates a run has failed.
	EventTypeRunFailed EventType = "run_failed"

	// EventTypeNodeStage indicates a node entered a lifecycle stage.
	EventTypeNodeStage EventType = "node_stage"

	// EventTypeNodeCompleted indicates a node reached InfoPublished.
	EventTypeNodeCompleted EventType = "node_completed"

	// EventTypeNodeFailed indicates a node failed a stage or inherited a
	// dependency failure.
	EventTypeNodeFailed EventType = "node_failed"

	// EventTypeCacheHit indicates an artifact was reused instead of built.
	EventTypeCacheHit EventType = "cache_hit"

	// EventTypeWarning indicates a warning was raised.
	EventTypeWarning EventType = "warning"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeNodeFailed:
		return "error"
	case EventTypeWarning:
		return "warning"
	default:
		return "info"
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum
// serialization.
func (s LifecycleState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *LifecycleState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = LifecycleState(str)
	return s.Validate()
}
