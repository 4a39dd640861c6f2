package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StageScheduler executes an install plan level by level, running
// independent nodes in parallel within each level. A node only starts after
// every scheduling dependency reached InfoPublished; when a dependency
// fails, its dependents are failed without attempting while independent
// subtrees keep going.
type StageScheduler struct {
	driver BuildDriver
	store  ArtifactStore
	events EventPublisher
	logger zerolog.Logger

	// maxParallel bounds concurrent workers per level.
	maxParallel int

	// maxRetries bounds extra attempts for retryable stage failures.
	maxRetries int

	// retryBase is the first retry backoff, doubled per attempt.
	retryBase time.Duration

	// workRoot, when set, is where per-fingerprint stage directories are
	// laid out. Empty leaves the request directories to the driver.
	workRoot string
}

// DefaultMaxParallel is the worker bound used when none is configured.
const DefaultMaxParallel = 4

// NewStageScheduler creates a scheduler executing builds through the given
// driver and store.
func NewStageScheduler(
	driver BuildDriver,
	store ArtifactStore,
	events EventPublisher,
	logger zerolog.Logger,
	maxParallel int,
) *StageScheduler {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &StageScheduler{
		driver:      driver,
		store:       store,
		events:      events,
		logger:      logger.With().Str("component", "scheduler").Logger(),
		maxParallel: maxParallel,
		maxRetries:  2,
		retryBase:   time.Second,
	}
}

// WithWorkRoot makes the scheduler lay out source, build and package
// directories for each built node under root/<fingerprint>/.
func (s *StageScheduler) WithWorkRoot(root string) *StageScheduler {
	s.workRoot = root
	return s
}

// WithMaxRetries overrides the retry budget for transient stage
// failures. Negative values are ignored.
func (s *StageScheduler) WithMaxRetries(n int) *StageScheduler {
	if n >= 0 {
		s.maxRetries = n
	}
	return s
}

// stageOutcome is a node's terminal result within one run.
type stageOutcome int

const (
	outcomePending stageOutcome = iota
	outcomeSucceeded
	outcomeFailed
	outcomeSkipped
)

// execState tracks per-run node outcomes shared across workers.
type execState struct {
	mu       sync.RWMutex
	outcomes map[string]stageOutcome
}

func (s *execState) set(nodeID string, outcome stageOutcome) {
	s.mu.Lock()
	s.outcomes[nodeID] = outcome
	s.mu.Unlock()
}

func (s *execState) get(nodeID string) (stageOutcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outcomes[nodeID]
	return o, ok
}

// Execute runs the plan to completion and returns the run record. In-flight
// stages run to completion on cancellation so no partial artifact enters
// the store; only nodes not yet started are skipped.
func (s *StageScheduler) Execute(ctx context.Context, g *ResolvedGraph, plan *InstallPlan) (*Run, error) {
	if plan == nil {
		return nil, NewInvalidError("install plan is required", nil).
			WithCode(ErrCodeInternal).
			WithOperation("install")
	}

	run := &Run{
		ID:        uuid.New().String(),
		RootRef:   plan.RootRef,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	state := &execState{outcomes: make(map[string]stageOutcome)}

	s.publishEvent(ctx, run.ID, "", EventTypeRunStarted, "install run started")

	// Nodes that never got a plan unit cannot execute: invalid
	// configurations stay terminal, everything downstream fails up front.
	for _, id := range sortedNodeIDs(g.Nodes) {
		node := g.Nodes[id]
		if _, ok := plan.Unit(id); ok {
			continue
		}
		state.set(id, outcomeFailed)
		if node.State == StateInvalid {
			s.publishEvent(ctx, run.ID, id, EventTypeNodeFailed,
				fmt.Sprintf("configuration invalid: %s", node.InvalidReason))
			continue
		}
		node.State = StateFailed
		node.FailureReason = "upstream configuration invalid"
		s.publishEvent(ctx, run.ID, id, EventTypeNodeFailed, node.FailureReason)
	}

	for _, level := range plan.Levels {
		units := make([]*PlanUnit, 0, len(level))
		for _, id := range level {
			if unit, ok := plan.Unit(id); ok {
				units = append(units, unit)
			}
		}
		if len(units) == 0 {
			continue
		}
		s.executeLevel(ctx, g, run, state, units)

		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		s.markCancelled(ctx, g, run, plan, state)
	}

	completedAt := time.Now().UTC()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)
	run.Summary = s.summarize(g, plan, state)
	run.Status = finalStatus(ctx, run.Summary)

	if run.Status == RunStatusSucceeded {
		s.publishEvent(ctx, run.ID, "", EventTypeRunCompleted, "install run completed")
	} else {
		s.publishEvent(ctx, run.ID, "", EventTypeRunFailed,
			fmt.Sprintf("install run finished with status %s", run.Status))
	}

	return run, nil
}

// executeLevel drains one level through a bounded worker pool.
func (s *StageScheduler) executeLevel(
	ctx context.Context,
	g *ResolvedGraph,
	run *Run,
	state *execState,
	units []*PlanUnit,
) {
	workQueue := make(chan *PlanUnit, len(units))
	for _, unit := range units {
		workQueue <- unit
	}
	close(workQueue)

	workerCount := min(s.maxParallel, len(units))
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for unit := range workQueue {
				node := g.Nodes[unit.NodeID]

				if !s.dependenciesSucceeded(state, unit) {
					node.State = StateFailed
					node.FailureReason = "dependency failed"
					state.set(unit.NodeID, outcomeSkipped)
					s.publishEvent(ctx, run.ID, unit.NodeID, EventTypeNodeFailed,
						"skipped: dependency failed")
					continue
				}
				if ctx.Err() != nil {
					state.set(unit.NodeID, outcomeSkipped)
					s.publishEvent(ctx, run.ID, unit.NodeID, EventTypeNodeFailed,
						"skipped: run cancelled")
					continue
				}

				if err := s.executeNode(ctx, g, run, node, unit); err != nil {
					node.State = StateFailed
					node.FailureReason = err.Error()
					state.set(unit.NodeID, outcomeFailed)
					s.publishEvent(ctx, run.ID, unit.NodeID, EventTypeNodeFailed, err.Error())
					s.logger.Error().Err(err).
						Str("node", unit.NodeID).
						Msg("Node execution failed")
					continue
				}
				state.set(unit.NodeID, outcomeSucceeded)
				s.publishEvent(ctx, run.ID, unit.NodeID, EventTypeNodeCompleted,
					fmt.Sprintf("%s at state %s", unit.Ref, node.State))
			}
		}()
	}
	wg.Wait()
}

// dependenciesSucceeded reports whether every scheduling dependency of the
// unit reached a successful terminal outcome.
func (s *StageScheduler) dependenciesSucceeded(state *execState, unit *PlanUnit) bool {
	for _, dep := range unit.DependsOn {
		outcome, ok := state.get(dep)
		if !ok || outcome != outcomeSucceeded {
			return false
		}
	}
	return true
}

// executeNode drives one node through its remaining lifecycle stages,
// retrying retryable failures with exponential backoff.
func (s *StageScheduler) executeNode(
	ctx context.Context,
	g *ResolvedGraph,
	run *Run,
	node *Node,
	unit *PlanUnit,
) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.retryBase << (attempt - 1)
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			s.publishEvent(ctx, run.ID, unit.NodeID, EventTypeWarning,
				fmt.Sprintf("retrying after failure (attempt %d/%d)", attempt+1, s.maxRetries+1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return err
			}
		}

		err = s.attemptNode(ctx, g, run, node, unit)
		if err == nil || !IsRetryable(err) {
			return err
		}
	}
	return err
}

func (s *StageScheduler) attemptNode(
	ctx context.Context,
	g *ResolvedGraph,
	run *Run,
	node *Node,
	unit *PlanUnit,
) error {
	switch unit.Action {
	case ActionReuse:
		return s.reuse(ctx, run, node, node.Fingerprint, g)
	case ActionCompatible:
		return s.reuse(ctx, run, node, unit.CompatibleFingerprint, g)
	default:
		return s.build(ctx, run, node, g)
	}
}

// reuse consumes a cached binary, skipping the node straight through the
// build stages. When the binary disappeared since planning, the node
// falls back to a build.
func (s *StageScheduler) reuse(ctx context.Context, run *Run, node *Node, fingerprint string, g *ResolvedGraph) error {
	artifact, found, err := s.store.Lookup(ctx, fingerprint)
	if err != nil {
		return NewTransientError("artifact lookup failed", err).
			WithCode(ErrCodeStore).
			WithRef(node.Ref.String()).
			WithOperation("install")
	}
	if !found {
		s.logger.Warn().
			Str("node", node.ID).
			Str("fingerprint", fingerprint).
			Msg("Planned binary disappeared, building instead")
		return s.build(ctx, run, node, g)
	}

	node.CacheHit = true
	node.ArtifactFingerprint = fingerprint
	node.Info = artifact.Info
	node.State = StateInfoPublished
	s.publishEvent(ctx, run.ID, node.ID, EventTypeCacheHit,
		fmt.Sprintf("%s reused binary %s", node.Ref, shortID(fingerprint)))
	return nil
}

// build runs the full stage pipeline under the store's producer lock, so
// at most one producer works on a fingerprint at a time. Stages get a
// cancellation-free context: a build already underway runs to completion.
func (s *StageScheduler) build(ctx context.Context, run *Run, node *Node, g *ResolvedGraph) error {
	release, err := s.store.Lock(ctx, node.Fingerprint)
	if err != nil {
		return NewTransientError("acquiring producer lock failed", err).
			WithCode(ErrCodeStore).
			WithRef(node.Ref.String()).
			WithOperation("install")
	}
	defer release()

	bctx := context.WithoutCancel(ctx)

	// Another producer may have published the binary while we waited.
	// A recipe forcing rebuilds never consumes it.
	forced := node.Recipe != nil && node.Recipe.AlwaysRebuild
	if artifact, found, err := s.store.Lookup(bctx, node.Fingerprint); err == nil && found && !forced {
		node.CacheHit = true
		node.ArtifactFingerprint = node.Fingerprint
		node.Info = artifact.Info
		node.State = StateInfoPublished
		s.publishEvent(ctx, run.ID, node.ID, EventTypeCacheHit,
			fmt.Sprintf("%s reused binary %s", node.Ref, shortID(node.Fingerprint)))
		return nil
	}

	req := s.buildRequest(g, node)
	if err := s.layoutWorkspace(req); err != nil {
		return NewPermanentError("creating build workspace failed", err).
			WithCode(ErrCodeDriver).
			WithRef(node.Ref.String()).
			WithOperation("install")
	}

	s.publishEvent(ctx, run.ID, node.ID, EventTypeNodeStage, "fetching source")
	if err := s.driver.FetchSource(bctx, req); err != nil {
		return stageFailure(node, "source", err)
	}
	node.State = StateSourceFetched

	s.publishEvent(ctx, run.ID, node.ID, EventTypeNodeStage, "building")
	if err := s.driver.Build(bctx, req); err != nil {
		return stageFailure(node, "build", err)
	}
	node.State = StateBuilt

	s.publishEvent(ctx, run.ID, node.ID, EventTypeNodeStage, "packaging")
	artifact, err := s.driver.Package(bctx, req)
	if err != nil {
		return stageFailure(node, "package", err)
	}
	node.State = StatePackaged

	artifact.Ref = node.Ref.String()
	artifact.Fingerprint = node.Fingerprint
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	if err := s.store.Store(bctx, artifact); err != nil {
		return NewTransientError("storing artifact failed", err).
			WithCode(ErrCodeStore).
			WithRef(node.Ref.String()).
			WithOperation("install")
	}

	node.ArtifactFingerprint = node.Fingerprint
	node.Info = artifact.Info
	node.State = StateInfoPublished
	return nil
}

// layoutWorkspace creates the node's stage directories under the work
// root. The producer lock is already held, so the fingerprint-keyed
// directory has a single writer.
func (s *StageScheduler) layoutWorkspace(req *BuildRequest) error {
	if s.workRoot == "" {
		return nil
	}
	base := filepath.Join(s.workRoot, req.Fingerprint)
	req.SourceDir = filepath.Join(base, "source")
	req.BuildDir = filepath.Join(base, "build")
	req.PackageDir = filepath.Join(base, "package")
	for _, dir := range []string{req.SourceDir, req.BuildDir, req.PackageDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// buildRequest assembles the driver input for one node: its full effective
// configuration and the resolved info of every scheduling dependency.
func (s *StageScheduler) buildRequest(g *ResolvedGraph, node *Node) *BuildRequest {
	req := &BuildRequest{
		Ref:         node.Ref,
		Fingerprint: node.Fingerprint,
		Settings:    configDigest(node.Config.Settings),
		Options:     configDigest(node.Config.Options),
	}
	if node.Recipe != nil {
		req.RecipeDir = node.Recipe.Dir
	}

	kinds := make(map[string]EdgeKind)
	for _, e := range g.EdgesFrom(node.ID) {
		if _, ok := kinds[e.To]; !ok && e.Kind.GatesScheduling() {
			kinds[e.To] = e.Kind
		}
	}
	for _, dep := range g.Dependencies(node.ID) {
		fingerprint := dep.ArtifactFingerprint
		if fingerprint == "" {
			fingerprint = dep.Fingerprint
		}
		req.Dependencies = append(req.Dependencies, DependencyInfo{
			Ref:         dep.Ref.String(),
			Fingerprint: fingerprint,
			Kind:        kinds[dep.ID],
			Info:        dep.Info,
		})
	}
	return req
}

// markCancelled skips every node that has not reached a terminal outcome.
func (s *StageScheduler) markCancelled(
	ctx context.Context,
	g *ResolvedGraph,
	run *Run,
	plan *InstallPlan,
	state *execState,
) {
	for _, unit := range plan.Units {
		if _, ok := state.get(unit.NodeID); ok {
			continue
		}
		state.set(unit.NodeID, outcomeSkipped)
		s.publishEvent(ctx, run.ID, unit.NodeID, EventTypeNodeFailed, "skipped: run cancelled")
	}
}

// summarize counts terminal outcomes across the whole graph.
func (s *StageScheduler) summarize(g *ResolvedGraph, plan *InstallPlan, state *execState) RunSummary {
	summary := RunSummary{
		Total:   plan.Summary.Total,
		Invalid: plan.Summary.Invalid + plan.Summary.Blocked,
	}
	for _, unit := range plan.Units {
		outcome, ok := state.get(unit.NodeID)
		if !ok {
			continue
		}
		node := g.Nodes[unit.NodeID]
		switch outcome {
		case outcomeSucceeded:
			if node.CacheHit {
				summary.Reused++
			} else {
				summary.Built++
			}
		case outcomeFailed:
			summary.Failed++
		case outcomeSkipped:
			summary.Skipped++
		}
	}
	return summary
}

func finalStatus(ctx context.Context, summary RunSummary) RunStatus {
	switch {
	case ctx.Err() != nil:
		return RunStatusCancelled
	case summary.Failed > 0 || summary.Invalid > 0:
		if summary.Built+summary.Reused > 0 {
			return RunStatusPartial
		}
		return RunStatusFailed
	case summary.Skipped > 0:
		return RunStatusPartial
	default:
		return RunStatusSucceeded
	}
}

func stageFailure(node *Node, stage string, err error) error {
	if IsRetryable(err) {
		return NewTransientError(fmt.Sprintf("%s stage failed", stage), err).
			WithCode(ErrCodeStageFailed).
			WithRef(node.Ref.String()).
			WithOperation("install").
			WithDetail("stage", stage)
	}
	return NewPermanentError(fmt.Sprintf("%s stage failed", stage), err).
		WithCode(ErrCodeStageFailed).
		WithRef(node.Ref.String()).
		WithOperation("install").
		WithDetail("stage", stage)
}

func (s *StageScheduler) publishEvent(ctx context.Context, runID, nodeID string, eventType EventType, message string) {
	if s.events == nil {
		return
	}
	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		NodeID:    nodeID,
		Message:   message,
		Level:     eventType.Severity(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Debug().Err(err).Str("type", string(eventType)).Msg("Event publish failed")
	}
}

func shortID(fingerprint string) string {
	if len(fingerprint) <= 12 {
		return fingerprint
	}
	return fingerprint[:12]
}
