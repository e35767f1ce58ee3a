package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
)

// Refresh outcomes reported by the topology cache.
const (
	RefreshFetched     = "fetched"
	RefreshNotModified = "not_modified"
	RefreshSkipped     = "skipped"
	RefreshFailed      = "failed"
)

// Metrics holds the typed instruments of the routing core. The zero value is
// not usable; construct with NewMetrics or NopMetrics.
type Metrics struct {
	refreshes       metric.Int64Counter
	refreshDuration metric.Float64Histogram
	collapsed       metric.Int64Counter
	retryDecisions  metric.Int64Counter
	tokenMerges     metric.Int64Counter
	requests        metric.Int64Counter
}

// NewMetrics creates the instruments on meter. A nil meter yields no-op
// instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("drc")
	}

	var (
		m   Metrics
		err error
	)
	if m.refreshes, err = meter.Int64Counter("drc_topology_refreshes",
		metric.WithDescription("Topology refresh attempts by outcome")); err != nil {
		return nil, err
	}
	if m.refreshDuration, err = meter.Float64Histogram("drc_topology_refresh_duration_seconds",
		metric.WithDescription("Latency of topology fetches"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.collapsed, err = meter.Int64Counter("drc_topology_refreshes_collapsed",
		metric.WithDescription("Refresh callers that joined an in-flight fetch")); err != nil {
		return nil, err
	}
	if m.retryDecisions, err = meter.Int64Counter("drc_retry_decisions",
		metric.WithDescription("Retry policy decisions by policy and decision")); err != nil {
		return nil, err
	}
	if m.tokenMerges, err = meter.Int64Counter("drc_session_token_merges",
		metric.WithDescription("Session token merges, labelled by whether the stored token advanced")); err != nil {
		return nil, err
	}
	if m.requests, err = meter.Int64Counter("drc_requests",
		metric.WithDescription("Executed requests by final outcome")); err != nil {
		return nil, err
	}
	return &m, nil
}

// NopMetrics returns instruments that record nothing.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(nil)
	return m
}

func (m *Metrics) RecordRefresh(ctx context.Context, collection, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("collection", collection),
		attribute.String("outcome", outcome),
	)
	m.refreshes.Add(ctx, 1, attrs)
	if outcome == RefreshFetched || outcome == RefreshNotModified {
		m.refreshDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("collection", collection)))
	}
}

func (m *Metrics) RecordRefreshCollapsed(ctx context.Context, collection string) {
	m.collapsed.Add(ctx, 1, metric.WithAttributes(attribute.String("collection", collection)))
}

func (m *Metrics) RecordRetryDecision(ctx context.Context, policy, decision string) {
	m.retryDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("policy", policy),
		attribute.String("decision", decision),
	))
}

// RecordTokenMerge satisfies session.MergeRecorder.
func (m *Metrics) RecordTokenMerge(advanced bool) {
	m.tokenMerges.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("advanced", advanced)))
}

func (m *Metrics) RecordRequest(ctx context.Context, outcome string) {
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
