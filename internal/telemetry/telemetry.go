// Package telemetry exposes Prometheus counters for the SDK's cache and
// fetch activity. All methods are nil-receiver safe so the managers can run
// without metrics wired.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the SDK's counters.
type Metrics struct {
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	fetches       prometheus.Counter
	fetchFailures prometheus.Counter
	notifications prometheus.Counter
}

// New creates Metrics registered on reg. Passing nil registers nothing but
// the counters still count.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitlekit_snapshot_cache_hits_total",
			Help: "Snapshot reads served from the local cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitlekit_snapshot_cache_misses_total",
			Help: "Snapshot reads that found no valid cached value.",
		}),
		fetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitlekit_snapshot_fetches_total",
			Help: "Snapshot fetch attempts against the backend.",
		}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitlekit_snapshot_fetch_failures_total",
			Help: "Snapshot fetches that ended in a backend error.",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitlekit_snapshot_notifications_total",
			Help: "Snapshot change notifications delivered to listeners.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cacheHits, m.cacheMisses, m.fetches, m.fetchFailures, m.notifications)
	}
	return m
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) Fetch() {
	if m != nil {
		m.fetches.Inc()
	}
}

func (m *Metrics) FetchFailure() {
	if m != nil {
		m.fetchFailures.Inc()
	}
}

func (m *Metrics) Notification() {
	if m != nil {
		m.notifications.Inc()
	}
}
