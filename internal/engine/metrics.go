package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is a consistent point-in-time view of engine counters. It is not
// linearized with concurrent mutations.
type Metrics struct {
	Queued         int           `json:"queued"`
	InFlight       int           `json:"in_flight"`
	Completed      uint64        `json:"completed"`
	Failed         uint64        `json:"failed"`
	AverageLatency time.Duration `json:"average_latency"`
}

// stats holds the mutex-guarded snapshot counters backing Metrics.
type stats struct {
	mu           sync.Mutex
	queued       int
	inFlight     int
	completed    uint64
	failed       uint64
	totalLatency time.Duration
}

func newStats() *stats {
	return new(stats)
}

func (s *stats) setQueued(depth int) {
	s.mu.Lock()
	s.queued = depth
	s.mu.Unlock()
}

func (s *stats) admit() {
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()
}

func (s *stats) release() {
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
}

func (s *stats) completedOrder(latency time.Duration) {
	s.mu.Lock()
	s.completed++
	s.totalLatency += latency
	s.mu.Unlock()
}

func (s *stats) failedOrder(latency time.Duration) {
	s.mu.Lock()
	s.failed++
	s.totalLatency += latency
	s.mu.Unlock()
}

func (s *stats) snapshot() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := Metrics{
		Queued:    s.queued,
		InFlight:  s.inFlight,
		Completed: s.completed,
		Failed:    s.failed,
	}
	if terminal := s.completed + s.failed; terminal > 0 {
		m.AverageLatency = s.totalLatency / time.Duration(terminal)
	}
	return m
}

// instruments groups the engine's OpenTelemetry metrics.
type instruments struct {
	submittedCounter  metric.Int64Counter
	admittedCounter   metric.Int64Counter
	completedCounter  metric.Int64Counter
	failedCounter     metric.Int64Counter
	retriedCounter    metric.Int64Counter
	invariantCounter  metric.Int64Counter
	sinkFailCounter   metric.Int64Counter
	inFlightGauge     metric.Int64UpDownCounter
	attemptHistogram  metric.Float64Histogram
}

func newInstruments() instruments {
	meter := otel.Meter("engine")
	var inst instruments
	inst.submittedCounter, _ = meter.Int64Counter("engine.orders.submitted",
		metric.WithDescription("Orders accepted into the admission queue"),
		metric.WithUnit("{order}"))
	inst.admittedCounter, _ = meter.Int64Counter("engine.orders.admitted",
		metric.WithDescription("Orders dispatched to execution"),
		metric.WithUnit("{order}"))
	inst.completedCounter, _ = meter.Int64Counter("engine.orders.completed",
		metric.WithDescription("Orders reaching the success terminal state"),
		metric.WithUnit("{order}"))
	inst.failedCounter, _ = meter.Int64Counter("engine.orders.failed",
		metric.WithDescription("Orders reaching the failed terminal state"),
		metric.WithUnit("{order}"))
	inst.retriedCounter, _ = meter.Int64Counter("engine.orders.retried",
		metric.WithDescription("Retry attempts scheduled"),
		metric.WithUnit("{attempt}"))
	inst.invariantCounter, _ = meter.Int64Counter("engine.invariant.violations",
		metric.WithDescription("Illegal state transitions rejected"),
		metric.WithUnit("{violation}"))
	inst.sinkFailCounter, _ = meter.Int64Counter("engine.sink.failures",
		metric.WithDescription("Order store or notification hub write failures"),
		metric.WithUnit("{failure}"))
	inst.inFlightGauge, _ = meter.Int64UpDownCounter("engine.orders.in_flight",
		metric.WithDescription("Execution attempts currently holding a slot"),
		metric.WithUnit("{order}"))
	inst.attemptHistogram, _ = meter.Float64Histogram("engine.attempt.duration",
		metric.WithDescription("Latency of individual execution attempts"),
		metric.WithUnit("ms"))
	return inst
}

func (i instruments) submitted(ctx context.Context) {
	if i.submittedCounter != nil {
		i.submittedCounter.Add(ctx, 1)
	}
}

func (i instruments) admitted(ctx context.Context) {
	if i.admittedCounter != nil {
		i.admittedCounter.Add(ctx, 1)
	}
}

func (i instruments) slotAcquired(ctx context.Context) {
	if i.inFlightGauge != nil {
		i.inFlightGauge.Add(ctx, 1)
	}
}

func (i instruments) released(ctx context.Context) {
	if i.inFlightGauge != nil {
		i.inFlightGauge.Add(ctx, -1)
	}
}

func (i instruments) completed(ctx context.Context) {
	if i.completedCounter != nil {
		i.completedCounter.Add(ctx, 1)
	}
}

func (i instruments) failed(ctx context.Context) {
	if i.failedCounter != nil {
		i.failedCounter.Add(ctx, 1)
	}
}

func (i instruments) retried(ctx context.Context) {
	if i.retriedCounter != nil {
		i.retriedCounter.Add(ctx, 1)
	}
}

func (i instruments) invariantViolation(ctx context.Context) {
	if i.invariantCounter != nil {
		i.invariantCounter.Add(ctx, 1)
	}
}

func (i instruments) sinkFailure(ctx context.Context, sink string) {
	if i.sinkFailCounter != nil {
		i.sinkFailCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
	}
}

func (i instruments) attempt(ctx context.Context, elapsed time.Duration) {
	if i.attemptHistogram != nil {
		i.attemptHistogram.Record(ctx, float64(elapsed.Milliseconds()))
	}
}
