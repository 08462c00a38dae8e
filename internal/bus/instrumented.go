package bus

import (
	"context"
	"time"
)

// MetricsRecorder records bus publish outcomes.
// Declared here to avoid an import cycle with the metrics package.
type MetricsRecorder interface {
	RecordBusPublish(topic string, latencyMs int64, err error)
}

// InstrumentedBus wraps a Bus with publish metrics.
type InstrumentedBus struct {
	inner   Bus
	metrics MetricsRecorder
}

// NewInstrumentedBus creates a new instrumented bus.
func NewInstrumentedBus(inner Bus, metrics MetricsRecorder) *InstrumentedBus {
	return &InstrumentedBus{
		inner:   inner,
		metrics: metrics,
	}
}

// Publish publishes an event and records its latency and outcome.
func (b *InstrumentedBus) Publish(ctx context.Context, topic string, event Event) (Ack, error) {
	start := time.Now()
	ack, err := b.inner.Publish(ctx, topic, event)
	latencyMs := time.Since(start).Milliseconds()

	if b.metrics != nil {
		b.metrics.RecordBusPublish(topic, latencyMs, err)
	}

	return ack, err
}

// Subscribe delegates to the inner bus.
func (b *InstrumentedBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	return b.inner.Subscribe(ctx, topic, handler)
}

// Close closes the underlying bus.
func (b *InstrumentedBus) Close() error {
	return b.inner.Close()
}
