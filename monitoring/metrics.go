package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/slatewire/slatewire/broker"
)

const namespace = "slatewire"

// Metrics counts slate and listener events. It is a broker.EventSink.
type Metrics struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	amounts       *prometheus.CounterVec
	listenerState *prometheus.GaugeVec
}

// A compile time check to ensure Metrics implements the broker.EventSink
// interface.
var _ broker.EventSink = (*Metrics)(nil)

// NewMetrics creates the metrics and registers them with a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Number of slate and listener events.",
		}, []string{"listener", "kind"}),
		amounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalized_amount_total",
			Help:      "Sum of the amounts of finalized slates.",
		}, []string{"listener"}),
		listenerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listener_running",
			Help:      "Whether a listener is currently connected.",
		}, []string{"listener"}),
	}

	m.registry.MustRegister(
		m.events, m.amounts, m.listenerState,
		prometheus.NewGoCollector(),
	)

	return m
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Notify counts the event.
//
// NOTE: This is part of the broker.EventSink interface.
func (m *Metrics) Notify(event broker.Event) {
	m.events.WithLabelValues(event.Listener, event.Kind.String()).Inc()

	switch event.Kind {
	case broker.EventFinalized:
		m.amounts.WithLabelValues(event.Listener).Add(
			float64(event.Amount),
		)

	case broker.EventListenerOpened, broker.EventListenerReestablished:
		m.listenerState.WithLabelValues(event.Listener).Set(1)

	case broker.EventListenerDropped, broker.EventListenerClosed:
		m.listenerState.WithLabelValues(event.Listener).Set(0)
	}
}
