package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ferrite-build/ferrite/pkg/engine"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []engine.Event
}

func (r *eventRecorder) record(e engine.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) snapshot() []engine.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]engine.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) waitFor(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if len(r.snapshot()) >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d events, got %d", n, len(r.snapshot()))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newSyncBus(t *testing.T) *EventBus {
	t.Helper()
	bus, err := NewEventBus(EventsConfig{
		Enabled:      true,
		BufferSize:   16,
		MaxBatchSize: 16,
		EnableAsync:  false,
	})
	if err != nil {
		t.Fatalf("NewEventBus: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Shutdown(ctx)
	})
	return bus
}

func publish(t *testing.T, bus *EventBus, e engine.Event) {
	t.Helper()
	if err := bus.Publish(context.Background(), &e); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestEventBusFillsDefaults(t *testing.T) {
	bus := newSyncBus(t)
	rec := &eventRecorder{}
	bus.Subscribe(rec.record, nil)

	original := &engine.Event{Type: engine.EventTypeCacheHit, Message: "reused"}
	if err := bus.Publish(context.Background(), original); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	events := rec.snapshot()
	if len(events) != 1 {
		t.Fatalf("delivered %d events, want 1", len(events))
	}
	got := events[0]
	if got.ID == "" {
		t.Error("delivered event has no ID")
	}
	if got.Timestamp.IsZero() {
		t.Error("delivered event has no timestamp")
	}
	if got.Level != EventLevelInfo {
		t.Errorf("delivered event level = %q, want %q", got.Level, EventLevelInfo)
	}
	if original.ID != "" {
		t.Error("Publish mutated the caller's event")
	}
}

func TestEventBusDeliveryOrder(t *testing.T) {
	bus := newSyncBus(t)
	rec := &eventRecorder{}
	bus.Subscribe(rec.record, nil)

	messages := []string{"first", "second", "third", "fourth"}
	for _, msg := range messages {
		publish(t, bus, engine.Event{Type: engine.EventTypeNodeStage, Message: msg})
	}

	events := rec.snapshot()
	if len(events) != len(messages) {
		t.Fatalf("delivered %d events, want %d", len(events), len(messages))
	}
	for i, msg := range messages {
		if events[i].Message != msg {
			t.Errorf("event %d message = %q, want %q", i, events[i].Message, msg)
		}
	}
}

func TestEventBusSubscriberFilter(t *testing.T) {
	bus := newSyncBus(t)
	all := &eventRecorder{}
	failures := &eventRecorder{}
	bus.Subscribe(all.record, nil)
	bus.Subscribe(failures.record, FilterByType(engine.EventTypeNodeFailed))

	publish(t, bus, engine.Event{Type: engine.EventTypeNodeStage, Message: "building"})
	publish(t, bus, engine.Event{Type: engine.EventTypeNodeFailed, Message: "boom"})
	publish(t, bus, engine.Event{Type: engine.EventTypeCacheHit, Message: "reused"})

	if got := len(all.snapshot()); got != 3 {
		t.Errorf("unfiltered subscriber got %d events, want 3", got)
	}
	got := failures.snapshot()
	if len(got) != 1 || got[0].Message != "boom" {
		t.Errorf("filtered subscriber got %v, want only the failure", got)
	}
}

func TestEventBusGlobalFilter(t *testing.T) {
	bus := newSyncBus(t)
	rec := &eventRecorder{}
	bus.Subscribe(rec.record, nil)
	bus.AddFilter(FilterByLevel(EventLevelWarning))

	publish(t, bus, engine.Event{Type: engine.EventTypeNodeStage, Message: "info noise"})
	publish(t, bus, engine.Event{Type: engine.EventTypeNodeFailed, Message: "boom"})

	events := rec.snapshot()
	if len(events) != 1 || events[0].Message != "boom" {
		t.Errorf("global filter delivered %v, want only the failure", events)
	}
}

func TestEventBusAsyncDelivery(t *testing.T) {
	bus, err := NewEventBus(EventsConfig{
		Enabled:       true,
		BufferSize:    64,
		MaxBatchSize:  100,
		FlushInterval: 10 * time.Millisecond,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("NewEventBus: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Shutdown(ctx)
	}()

	rec := &eventRecorder{}
	bus.Subscribe(rec.record, nil)

	messages := []string{"a", "b", "c"}
	for _, msg := range messages {
		publish(t, bus, engine.Event{Type: engine.EventTypeNodeStage, Message: msg})
	}

	rec.waitFor(t, len(messages), 2*time.Second)
	events := rec.snapshot()
	for i, msg := range messages {
		if events[i].Message != msg {
			t.Errorf("event %d message = %q, want %q", i, events[i].Message, msg)
		}
	}
}

func TestEventBusAsyncBatchFlush(t *testing.T) {
	// Ticker far in the future: delivery must come from the batch
	// filling, not the flush interval.
	bus, err := NewEventBus(EventsConfig{
		Enabled:       true,
		BufferSize:    64,
		MaxBatchSize:  2,
		FlushInterval: time.Hour,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("NewEventBus: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Shutdown(ctx)
	}()

	rec := &eventRecorder{}
	bus.Subscribe(rec.record, nil)

	publish(t, bus, engine.Event{Type: engine.EventTypeNodeStage, Message: "one"})
	publish(t, bus, engine.Event{Type: engine.EventTypeNodeStage, Message: "two"})

	rec.waitFor(t, 2, 2*time.Second)
}

func TestEventBusShutdownDrains(t *testing.T) {
	bus, err := NewEventBus(EventsConfig{
		Enabled:       true,
		BufferSize:    64,
		MaxBatchSize:  100,
		FlushInterval: time.Hour,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("NewEventBus: %v", err)
	}

	rec := &eventRecorder{}
	bus.Subscribe(rec.record, nil)

	for i := 0; i < 5; i++ {
		publish(t, bus, engine.Event{Type: engine.EventTypeNodeStage, Message: "queued"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bus.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got := len(rec.snapshot()); got != 5 {
		t.Errorf("shutdown delivered %d events, want 5", got)
	}
}

func TestEventBusDropsWhenBufferFull(t *testing.T) {
	bus, err := NewEventBus(EventsConfig{
		Enabled:       true,
		BufferSize:    1,
		MaxBatchSize:  1,
		FlushInterval: time.Hour,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("NewEventBus: %v", err)
	}

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	bus.Subscribe(func(e engine.Event) {
		started <- struct{}{}
		<-release
	}, nil)

	ctx := context.Background()
	publish(t, bus, engine.Event{Type: engine.EventTypeNodeStage, Message: "one"})

	// The processor is now blocked mid-delivery and the buffer is empty.
	<-started

	if err := bus.Publish(ctx, &engine.Event{Type: engine.EventTypeNodeStage, Message: "two"}); err != nil {
		t.Fatalf("second publish should buffer: %v", err)
	}
	if err := bus.Publish(ctx, &engine.Event{Type: engine.EventTypeNodeStage, Message: "three"}); err == nil {
		t.Error("third publish should report a full buffer")
	}

	close(release)
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bus.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestEventBusDisabled(t *testing.T) {
	bus, err := NewEventBus(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewEventBus: %v", err)
	}
	rec := &eventRecorder{}
	bus.Subscribe(rec.record, nil)

	if err := bus.Publish(context.Background(), &engine.Event{Type: engine.EventTypeRunStarted}); err != nil {
		t.Errorf("disabled bus Publish = %v, want nil", err)
	}
	if got := len(rec.snapshot()); got != 0 {
		t.Errorf("disabled bus delivered %d events, want 0", got)
	}
	if err := bus.Shutdown(context.Background()); err != nil {
		t.Errorf("disabled bus Shutdown = %v, want nil", err)
	}
}

func TestEventFilters(t *testing.T) {
	warning := engine.Event{Type: engine.EventTypeWarning, Level: EventLevelWarning, RunID: "r1", NodeID: "n1"}
	failure := engine.Event{Type: engine.EventTypeNodeFailed, Level: EventLevelError, RunID: "r2", NodeID: "n2"}
	info := engine.Event{Type: engine.EventTypeCacheHit, Level: EventLevelInfo, RunID: "r1", NodeID: "n2"}

	tests := []struct {
		name   string
		filter EventFilter
		event  engine.Event
		want   bool
	}{
		{"level passes equal", FilterByLevel(EventLevelWarning), warning, true},
		{"level passes higher", FilterByLevel(EventLevelWarning), failure, true},
		{"level rejects lower", FilterByLevel(EventLevelWarning), info, false},
		{"type match", FilterByType(engine.EventTypeNodeFailed), failure, true},
		{"type mismatch", FilterByType(engine.EventTypeNodeFailed), warning, false},
		{"run match", FilterByRunID("r1"), warning, true},
		{"run mismatch", FilterByRunID("r1"), failure, false},
		{"node match", FilterByNodeID("n2"), info, true},
		{"node mismatch", FilterByNodeID("n2"), warning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter(tt.event); got != tt.want {
				t.Errorf("filter(%s) = %v, want %v", tt.event.Type, got, tt.want)
			}
		})
	}
}

func TestLogSubscriberWritesEventFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	logger, err := NewLogger(LoggingConfig{
		Level:      "debug",
		Format:     "json",
		Output:     path,
		TimeFormat: "rfc3339",
	})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	sub := NewLogSubscriber(logger)
	sub(engine.Event{Type: engine.EventTypeCacheHit, RunID: "r1", NodeID: "zlib", Message: "zlib reused", Level: EventLevelInfo})
	sub(engine.Event{Type: engine.EventTypeNodeFailed, RunID: "r1", NodeID: "app", Message: "build failed", Level: EventLevelError})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log output: %v", err)
	}
	out := string(data)
	for _, want := range []string{
		`"event":"cache_hit"`,
		`"run_id":"r1"`,
		`"node_id":"zlib"`,
		"zlib reused",
		`"level":"error"`,
		"build failed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestMetricsSubscriberMapsNodeOutcomes(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	sub := NewMetricsSubscriber(m)
	sub(engine.Event{Type: engine.EventTypeNodeCompleted})
	sub(engine.Event{Type: engine.EventTypeCacheHit})
	sub(engine.Event{Type: engine.EventTypeCacheHit})
	sub(engine.Event{Type: engine.EventTypeNodeFailed})
	sub(engine.Event{Type: engine.EventTypeRunStarted}) // not node-level, ignored

	for outcome, want := range map[string]float64{
		"built":  1,
		"reused": 2,
		"failed": 1,
	} {
		if got := testutil.ToFloat64(m.nodesProcessed.WithLabelValues(outcome)); got != want {
			t.Errorf("nodes_processed_total{outcome=%q} = %v, want %v", outcome, got, want)
		}
	}
}
