package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ferrite-build/ferrite/pkg/engine"
)

// NewInstrumentedStore wraps an artifact store with spans, operation
// metrics and cache hit/miss counters. backend names the store in metric
// labels. A nil tel returns the store unwrapped.
func NewInstrumentedStore(inner engine.ArtifactStore, backend string, tel *Telemetry) engine.ArtifactStore {
	if tel == nil {
		return inner
	}
	return &instrumentedStore{inner: inner, backend: backend, tel: tel}
}

type instrumentedStore struct {
	inner   engine.ArtifactStore
	backend string
	tel     *Telemetry
}

func (s *instrumentedStore) Lookup(ctx context.Context, fingerprint string) (*engine.Artifact, bool, error) {
	ctx, span := s.tel.Tracer.StartStoreSpan(ctx, s.backend, "lookup")
	defer span.End()
	span.SetAttributes(AttrFingerprint.String(fingerprint))

	timer := NewTimer()
	artifact, ok, err := s.inner.Lookup(ctx, fingerprint)
	s.tel.Metrics.RecordStoreOperation(s.backend, "lookup", timer.Duration())

	if err != nil {
		s.tel.Metrics.RecordStoreError(s.backend, "lookup")
		recordClassified(s.tel.Metrics, err)
		RecordError(span, err)
		return nil, false, err
	}
	if ok {
		s.tel.Metrics.RecordCacheHit()
	} else {
		s.tel.Metrics.RecordCacheMiss()
	}
	RecordSuccess(span)
	return artifact, ok, nil
}

func (s *instrumentedStore) Store(ctx context.Context, a *engine.Artifact) error {
	ctx, span := s.tel.Tracer.StartStoreSpan(ctx, s.backend, "store")
	defer span.End()
	if a != nil {
		span.SetAttributes(AttrFingerprint.String(a.Fingerprint))
	}

	timer := NewTimer()
	err := s.inner.Store(ctx, a)
	s.tel.Metrics.RecordStoreOperation(s.backend, "store", timer.Duration())

	if err != nil {
		s.tel.Metrics.RecordStoreError(s.backend, "store")
		recordClassified(s.tel.Metrics, err)
		RecordError(span, err)
		return err
	}
	RecordSuccess(span)
	return nil
}

func (s *instrumentedStore) Lock(ctx context.Context, fingerprint string) (func(), error) {
	ctx, span := s.tel.Tracer.StartStoreSpan(ctx, s.backend, "lock")
	defer span.End()
	span.SetAttributes(AttrFingerprint.String(fingerprint))

	timer := NewTimer()
	release, err := s.inner.Lock(ctx, fingerprint)
	s.tel.Metrics.RecordStoreOperation(s.backend, "lock", timer.Duration())

	if err != nil {
		s.tel.Metrics.RecordStoreError(s.backend, "lock")
		RecordError(span, err)
		return nil, err
	}
	RecordSuccess(span)
	return release, nil
}

// NewInstrumentedDriver wraps a build driver with per-stage spans and
// duration metrics. name labels the driver in metrics. A nil tel returns
// the driver unwrapped.
func NewInstrumentedDriver(inner engine.BuildDriver, name string, tel *Telemetry) engine.BuildDriver {
	if tel == nil {
		return inner
	}
	return &instrumentedDriver{inner: inner, name: name, tel: tel}
}

type instrumentedDriver struct {
	inner engine.BuildDriver
	name  string
	tel   *Telemetry
}

func (d *instrumentedDriver) FetchSource(ctx context.Context, req *engine.BuildRequest) error {
	return d.stage(ctx, "source", req, func(ctx context.Context) error {
		return d.inner.FetchSource(ctx, req)
	})
}

func (d *instrumentedDriver) Build(ctx context.Context, req *engine.BuildRequest) error {
	return d.stage(ctx, "build", req, func(ctx context.Context) error {
		return d.inner.Build(ctx, req)
	})
}

func (d *instrumentedDriver) Package(ctx context.Context, req *engine.BuildRequest) (*engine.Artifact, error) {
	var artifact *engine.Artifact
	err := d.stage(ctx, "package", req, func(ctx context.Context) error {
		var err error
		artifact, err = d.inner.Package(ctx, req)
		return err
	})
	return artifact, err
}

func (d *instrumentedDriver) stage(ctx context.Context, stage string, req *engine.BuildRequest, fn func(context.Context) error) error {
	ctx, span := d.tel.Tracer.StartDriverSpan(ctx, d.name, stage)
	defer span.End()
	if req != nil {
		span.SetAttributes(
			AttrPackageRef.String(req.Ref.String()),
			AttrFingerprint.String(req.Fingerprint),
		)
	}

	timer := NewTimer()
	err := fn(ctx)
	d.tel.Metrics.RecordDriverStage(d.name, stage, timer.Duration())

	if err != nil {
		d.tel.Metrics.RecordDriverError(d.name, stage)
		recordClassified(d.tel.Metrics, err)
		RecordError(span, err)
		return err
	}
	RecordSuccess(span)
	return nil
}

// NewInstrumentedGate wraps a policy gate with a span and evaluation
// metrics. A nil tel returns the gate unwrapped.
func NewInstrumentedGate(inner engine.PolicyGate, tel *Telemetry) engine.PolicyGate {
	if tel == nil {
		return inner
	}
	return &instrumentedGate{inner: inner, tel: tel}
}

type instrumentedGate struct {
	inner engine.PolicyGate
	tel   *Telemetry
}

func (g *instrumentedGate) Check(ctx context.Context, graph *engine.ResolvedGraph) error {
	ctx, span := g.tel.Tracer.StartSpan(ctx, "policy.check",
		attribute.String("span.kind", "policy"))
	defer span.End()
	if graph != nil {
		span.SetAttributes(AttrGraphNodes.Int(len(graph.Nodes)))
	}

	timer := NewTimer()
	err := g.inner.Check(ctx, graph)

	outcome := "allowed"
	if err != nil {
		outcome = "error"
		var rerr *engine.ResolveError
		if errors.As(err, &rerr) && rerr.Code == engine.ErrCodePolicyViolation {
			outcome = "violation"
		}
		recordClassified(g.tel.Metrics, err)
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	g.tel.Metrics.RecordPolicyEvaluation(outcome, timer.Duration())
	return err
}

// recordClassified counts a classified engine error by class and code.
func recordClassified(m *Metrics, err error) {
	var rerr *engine.ResolveError
	if errors.As(err, &rerr) {
		m.RecordError(string(rerr.Class), rerr.Code)
		return
	}
	m.RecordError("unknown", "")
}
