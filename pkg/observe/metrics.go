// Package observe provides the OpenTelemetry metrics and tracing used by the
// turn controller and pipeline, plus a Prometheus exporter bridge for the
// server's /metrics endpoint.
//
// All record methods accept a nil *Metrics and do nothing, so components can
// run without instrumentation in tests.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/lokutor-ai/lokutor-turn"

// Metrics holds all OpenTelemetry metric instruments. The underlying OTel
// types handle their own synchronisation.
type Metrics struct {
	// StageDuration tracks collaborator latency. Attributes: stage, status.
	StageDuration metric.Float64Histogram

	// PipelineRuns counts completed pipeline runs. Attributes: status, stage.
	PipelineRuns metric.Int64Counter

	// Utterances counts sealed utterances. Attribute: outcome
	// (processed, too_short, discarded).
	Utterances metric.Int64Counter

	// DroppedFrames counts capture frames not fed to the detector.
	// Attribute: reason (gate, idle, processing, format, queue).
	DroppedFrames metric.Int64Counter

	// StateTransitions counts turn state changes. Attributes: from, to.
	StateTransitions metric.Int64Counter

	// ActiveSessions tracks live remote sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets are histogram boundaries (seconds) for collaborator calls.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15,
}

// NewMetrics creates all instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("turn.pipeline.stage.duration",
		metric.WithDescription("Latency of one pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineRuns, err = m.Int64Counter("turn.pipeline.runs",
		metric.WithDescription("Completed pipeline runs by status and failing stage."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("turn.utterances",
		metric.WithDescription("Sealed utterances by outcome."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("turn.frames.dropped",
		metric.WithDescription("Capture frames dropped before voice detection, by reason."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("turn.state.transitions",
		metric.WithDescription("Turn state transitions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("turn.sessions.active",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built on the global
// meter provider. Call it after InitProvider so it binds to the exporter.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordStage records the latency and status of one stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.StageDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}

// RecordPipeline counts one pipeline run. stage is empty on success.
func (m *Metrics) RecordPipeline(ctx context.Context, status, stage string) {
	if m == nil {
		return
	}
	m.PipelineRuns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
			attribute.String("stage", stage),
		),
	)
}

// RecordUtterance counts one sealed utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDroppedFrame counts one dropped capture frame.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.DroppedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTransition counts one state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}
