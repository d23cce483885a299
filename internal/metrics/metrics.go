// Package metrics records the gateway's admission counters and capacity
// gauges via OpenTelemetry, following xmetrics' pattern of instruments
// built once at startup and recorded with attribute.KeyValue labels per
// call, minus the tracing half (no tracer provider is wired here; the
// admission pipeline has no span boundaries worth exporting yet).
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/xbsc-402/x402-backend/internal/metrics"

const (
	attrKeyOutcome = "outcome"
	attrKeyReason  = "reason"
)

// Outcome labels a terminal admission result.
type Outcome string

const (
	OutcomeSettled         Outcome = "settled"
	OutcomeChallengeIssued Outcome = "challenge_issued"
	OutcomeDenied          Outcome = "denied"
	OutcomeError           Outcome = "error"
)

// Metrics is the set of instruments the admission pipeline and its HTTP
// layer record against.
type Metrics struct {
	mintRequests       metric.Int64Counter
	settlementDuration metric.Float64Histogram
	capacityAvailable  metric.Int64Gauge
	abuseBans          metric.Int64Counter
}

// New builds the instrument set against provider's default meter. Passing
// nil returns an error; there is no fallback to the global MeterProvider.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		return nil, fmt.Errorf("metrics: nil meter provider")
	}
	meter := provider.Meter(instrumentationName)

	mintRequests, err := meter.Int64Counter(
		"x402gateway.mint.requests",
		metric.WithDescription("POST /mint outcomes by label"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: new mint requests counter: %w", err)
	}

	settlementDuration, err := meter.Float64Histogram(
		"x402gateway.settlement.duration",
		metric.WithDescription("time from coalescer enqueue to settlement result"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: new settlement duration histogram: %w", err)
	}

	capacityAvailable, err := meter.Int64Gauge(
		"x402gateway.capacity.available",
		metric.WithDescription("max - current - pending mint count, per token last observed"),
		metric.WithUnit("{mint}"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: new capacity gauge: %w", err)
	}

	abuseBans, err := meter.Int64Counter(
		"x402gateway.abuse.bans",
		metric.WithDescription("identifiers banned, by trigger"),
		metric.WithUnit("{ban}"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: new abuse bans counter: %w", err)
	}

	return &Metrics{
		mintRequests:       mintRequests,
		settlementDuration: settlementDuration,
		capacityAvailable:  capacityAvailable,
		abuseBans:          abuseBans,
	}, nil
}

// RecordMintRequest ticks the outcome counter for one POST /mint attempt.
func (m *Metrics) RecordMintRequest(ctx context.Context, outcome Outcome, reason string) {
	attrs := []attribute.KeyValue{attribute.String(attrKeyOutcome, string(outcome))}
	if reason != "" {
		attrs = append(attrs, attribute.String(attrKeyReason, reason))
	}
	m.mintRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSettlementDuration records the wall-clock time a settled (or
// failed) item spent inside the coalescer.
func (m *Metrics) RecordSettlementDuration(ctx context.Context, seconds float64, outcome Outcome) {
	m.settlementDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String(attrKeyOutcome, string(outcome)),
	))
}

// RecordCapacityAvailable records the last-observed available mint count
// for token.
func (m *Metrics) RecordCapacityAvailable(ctx context.Context, token string, available int64) {
	m.capacityAvailable.Record(ctx, available, metric.WithAttributes(
		attribute.String("token", token),
	))
}

// RecordAbuseBan ticks the ban counter, labeled by what triggered it
// ("threshold" for an automatic sliding-window ban, "manual" for an
// operator-issued one).
func (m *Metrics) RecordAbuseBan(ctx context.Context, trigger string) {
	m.abuseBans.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}
