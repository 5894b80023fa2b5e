// Package telemetry mirrors the Alpaca transport's request counters
// and EWMA latency into OpenTelemetry instruments. It is
// purely an observability add-on: nothing in internal/alpaca or
// internal/phd2 depends on it, and a nil/disabled Recorder is a
// no-op sink.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/skyrelay/skyrelay/internal/alpaca"
)

// Recorder mirrors alpaca.Metrics snapshots into OTel instruments.
type Recorder struct {
	requestsSent    metric.Int64Counter
	requestsSuccess metric.Int64Counter
	requestsFailed  metric.Int64Counter
	bytesIn         metric.Int64Counter
	bytesOut        metric.Int64Counter
	avgLatency      metric.Float64Gauge

	mu sync.Mutex // Observe may be invoked from concurrent requests

	prevSent, prevSuccess, prevFailed, prevBytesIn, prevBytesOut int64
}

// NewRecorder builds a Recorder against the global OTel meter provider,
// named serviceName. Instrument-creation errors are surfaced; callers
// in cmd/skyrelay treat a failure here as non-fatal (telemetry is
// optional) and fall back to a nil Recorder.
func NewRecorder(serviceName string) (*Recorder, error) {
	meter := otel.Meter(serviceName)

	r := &Recorder{}
	var err error
	if r.requestsSent, err = meter.Int64Counter("alpaca.requests.sent"); err != nil {
		return nil, err
	}
	if r.requestsSuccess, err = meter.Int64Counter("alpaca.requests.successful"); err != nil {
		return nil, err
	}
	if r.requestsFailed, err = meter.Int64Counter("alpaca.requests.failed"); err != nil {
		return nil, err
	}
	if r.bytesIn, err = meter.Int64Counter("alpaca.bytes.in"); err != nil {
		return nil, err
	}
	if r.bytesOut, err = meter.Int64Counter("alpaca.bytes.out"); err != nil {
		return nil, err
	}
	if r.avgLatency, err = meter.Float64Gauge("alpaca.latency.ewma_ms"); err != nil {
		return nil, err
	}
	return r, nil
}

// Observe records the delta between this snapshot and the previous one
// as counter increments, and the EWMA latency as a gauge. Safe to call
// from the Transport.OnMetrics hook on every completed request; r may
// be nil, in which case Observe is a no-op (used when telemetry is
// disabled in config).
func (r *Recorder) Observe(ctx context.Context, snap alpaca.Metrics) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestsSent.Add(ctx, snap.RequestsSent-r.prevSent)
	r.requestsSuccess.Add(ctx, snap.RequestsSuccessful-r.prevSuccess)
	r.requestsFailed.Add(ctx, snap.RequestsFailed-r.prevFailed)
	r.bytesIn.Add(ctx, snap.BytesIn-r.prevBytesIn)
	r.bytesOut.Add(ctx, snap.BytesOut-r.prevBytesOut)
	r.avgLatency.Record(ctx, float64(snap.AverageLatency().Microseconds())/1000.0)

	r.prevSent = snap.RequestsSent
	r.prevSuccess = snap.RequestsSuccessful
	r.prevFailed = snap.RequestsFailed
	r.prevBytesIn = snap.BytesIn
	r.prevBytesOut = snap.BytesOut
}

// Hook adapts Observe to the alpaca.Transport.OnMetrics callback shape,
// using context.Background() since the transport hook carries no
// request-scoped context of its own.
func (r *Recorder) Hook() func(alpaca.Metrics) {
	return func(snap alpaca.Metrics) {
		r.Observe(context.Background(), snap)
	}
}
