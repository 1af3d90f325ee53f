package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	streamed    *prometheus.CounterVec
	subscribers prometheus.Gauge
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking the websocket event stream.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			streamed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftmarket",
				Subsystem: "events",
				Name:      "streamed_total",
				Help:      "Count of journaled events written to stream subscribers by type.",
			}, []string{"type"}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nftmarket",
				Subsystem: "events",
				Name:      "subscribers",
				Help:      "Open websocket event stream subscriptions.",
			}),
		}
		prometheus.MustRegister(eventRegistry.streamed, eventRegistry.subscribers)
	})
	return eventRegistry
}

// RecordStreamed increments the streamed counter for the supplied event type.
func (m *eventMetrics) RecordStreamed(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.streamed.WithLabelValues(normalized).Inc()
}

// SubscriberOpened tracks a new stream subscription; the returned func
// releases it.
func (m *eventMetrics) SubscriberOpened() func() {
	if m == nil {
		return func() {}
	}
	m.subscribers.Inc()
	var once sync.Once
	return func() { once.Do(m.subscribers.Dec) }
}
