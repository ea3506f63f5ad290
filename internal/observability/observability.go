// Package observability implements the passive event monitor (C9): it
// subscribes to every event type on the bus, accumulates counters, and
// exposes both a plain-struct snapshot and a Prometheus scrape endpoint
// (CounterVec/HistogramVec per concern, registry.MustRegister,
// promhttp.HandlerFor).
package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datafold/datafold/internal/bus"
)

// Statistics is a point-in-time snapshot of the monitor's counters.
type Statistics struct {
	QueriesExecuted    uint64
	MutationsExecuted  uint64
	AtomsCreated       uint64
	AtomRefsUpdated    uint64
	SchemaLoads        uint64
	SchemaChanges      uint64
	TransformTriggers  uint64
	TransformSuccesses uint64
	TransformFailures  uint64
}

// Monitor passively observes the event bus and aggregates counters per
// event type and, for transforms, per outcome.
type Monitor struct {
	bus  *bus.Bus
	subs []*bus.Subscription

	mu    sync.Mutex
	stats Statistics

	registry *prometheus.Registry
	events   *prometheus.CounterVec
	transformDuration *prometheus.HistogramVec
	queryDuration     *prometheus.HistogramVec
	mutationDuration  *prometheus.HistogramVec
}

// New creates a Monitor subscribed to eventBus and registers its
// Prometheus collectors.
func New(eventBus *bus.Bus) *Monitor {
	m := &Monitor{
		bus:      eventBus,
		registry: prometheus.NewRegistry(),
	}

	m.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datafold_events_total",
		Help: "Total number of bus events observed, by type.",
	}, []string{"event_type"})

	m.transformDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datafold_transform_duration_seconds",
		Help:    "Transform execution latency in seconds, by result.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	m.queryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datafold_query_duration_seconds",
		Help:    "Query execution latency in seconds, by schema.",
		Buckets: prometheus.DefBuckets,
	}, []string{"schema"})

	m.mutationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datafold_mutation_duration_seconds",
		Help:    "Mutation execution latency in seconds, by schema.",
		Buckets: prometheus.DefBuckets,
	}, []string{"schema"})

	m.registry.MustRegister(m.events, m.transformDuration, m.queryDuration, m.mutationDuration)
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m.subscribeAll()
	return m
}

func (m *Monitor) subscribeAll() {
	types := []bus.EventType{
		bus.EventFieldValueSet, bus.EventAtomCreated, bus.EventAtomRefUpdated,
		bus.EventSchemaLoaded, bus.EventSchemaChanged, bus.EventTransformTriggered,
		bus.EventTransformExecuted, bus.EventQueryExecuted, bus.EventMutationExecuted,
	}
	for _, t := range types {
		t := t
		m.subs = append(m.subs, m.bus.Subscribe(t, func(ev bus.Event) { m.observe(t, ev) }))
	}
}

func (m *Monitor) observe(t bus.EventType, ev bus.Event) {
	m.events.WithLabelValues(string(t)).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	switch t {
	case bus.EventAtomCreated:
		m.stats.AtomsCreated++
	case bus.EventAtomRefUpdated:
		m.stats.AtomRefsUpdated++
	case bus.EventSchemaLoaded:
		m.stats.SchemaLoads++
	case bus.EventSchemaChanged:
		m.stats.SchemaChanges++
	case bus.EventTransformTriggered:
		m.stats.TransformTriggers++
	case bus.EventTransformExecuted:
		if p, ok := ev.Payload.(bus.TransformExecutedPayload); ok {
			m.transformDuration.WithLabelValues(p.Result).Observe(p.Duration.Seconds())
			if p.Result == "success" {
				m.stats.TransformSuccesses++
			} else {
				m.stats.TransformFailures++
			}
		}
	case bus.EventQueryExecuted:
		m.stats.QueriesExecuted++
		if p, ok := ev.Payload.(bus.QueryExecutedPayload); ok {
			m.queryDuration.WithLabelValues(p.Schema).Observe(p.Duration.Seconds())
		}
	case bus.EventMutationExecuted:
		m.stats.MutationsExecuted++
		if p, ok := ev.Payload.(bus.MutationExecutedPayload); ok {
			m.mutationDuration.WithLabelValues(p.Schema).Observe(p.Duration.Seconds())
		}
	}
}

// GetStatistics returns a snapshot of the monitor's counters.
func (m *Monitor) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Handler returns an HTTP handler serving the Prometheus scrape endpoint.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Close unsubscribes the monitor from every event type it observes.
func (m *Monitor) Close() {
	for _, s := range m.subs {
		m.bus.Unsubscribe(s)
	}
}
