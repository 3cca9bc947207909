// Package metrics provides internal metrics collection for the broker.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the broker's Prometheus metrics.
type Collector struct {
	sessionsConnected prometheus.Gauge
	framesTotal       *prometheus.CounterVec
	decryptFailures   prometheus.Counter
	broadcastsTotal   prometheus.Counter
	queueOverflows    prometheus.Counter
	evictionsTotal    prometheus.Counter
	ledgerEntries     prometheus.Counter
	ledgerPending     prometheus.Gauge

	logger *zap.Logger
}

// NewCollector registers the broker metrics with reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	return &Collector{
		logger: logger.With(zap.String("component", "metrics")),

		sessionsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_connected",
			Help:      "Number of currently connected node sessions",
		}),
		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total inbound frames processed, by method",
		}, []string{"method"}),
		decryptFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "Inbound frames dropped because decryption failed",
		}),
		broadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Team events fanned out to sessions",
		}),
		queueOverflows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_queue_overflows_total",
			Help:      "Sessions disconnected because their outbound queue backed up",
		}),
		evictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_evictions_total",
			Help:      "Nodes evicted after missing heartbeats",
		}),
		ledgerEntries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_entries_total",
			Help:      "Ledger entries appended",
		}),
		ledgerPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_entries_pending",
			Help:      "Acknowledged ledger entries awaiting a successful disk append",
		}),
	}
}

// SessionOpened increments the connected-sessions gauge.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsConnected.Inc()
}

// SessionClosed decrements the connected-sessions gauge.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsConnected.Dec()
}

// FrameProcessed counts an inbound frame for a method.
func (c *Collector) FrameProcessed(method string) {
	if c == nil {
		return
	}
	c.framesTotal.WithLabelValues(method).Inc()
}

// DecryptFailure counts a dropped undecryptable frame.
func (c *Collector) DecryptFailure() {
	if c == nil {
		return
	}
	c.decryptFailures.Inc()
}

// Broadcast counts one fan-out delivery attempt.
func (c *Collector) Broadcast() {
	if c == nil {
		return
	}
	c.broadcastsTotal.Inc()
}

// QueueOverflow counts a session disconnected for a backed-up queue.
func (c *Collector) QueueOverflow() {
	if c == nil {
		return
	}
	c.queueOverflows.Inc()
}

// Eviction counts a heartbeat-timeout eviction.
func (c *Collector) Eviction() {
	if c == nil {
		return
	}
	c.evictionsTotal.Inc()
}

// LedgerAppended counts an appended ledger entry and updates the pending
// gauge.
func (c *Collector) LedgerAppended(pending int) {
	if c == nil {
		return
	}
	c.ledgerEntries.Inc()
	c.ledgerPending.Set(float64(pending))
}
