// Package metrics exposes the node's observability surface (spec §10) as
// Prometheus collectors. They are counters and gauges of their own: the
// node increments them next to the components' internal bookkeeping
// (applicator.Metrics, antientropy.RoundMetrics) and samples the outbox's
// depth and drop count into them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every collector a node reports. The collectors are
// registered on a prometheus.Registerer; no /metrics HTTP route is served
// by this module.
type Registry struct {
	EventsPublished   prometheus.Counter
	EventsApplied     prometheus.Counter
	EventsDuplicate   prometheus.Counter
	EventsRejected    prometheus.Counter
	ClockSkewRejected prometheus.Counter
	PayloadTooLarge   prometheus.Counter

	MerkleRootChanges prometheus.Counter

	AESyncRounds    prometheus.Counter
	AESyncSuccess   prometheus.Counter
	AESyncFailure   prometheus.Counter
	AEKeysSynced    prometheus.Counter
	AERoundDuration prometheus.Histogram

	OutboxDropped  prometheus.Counter
	OutboxDepth    prometheus.Gauge
	CommandLatency *prometheus.HistogramVec

	registerer prometheus.Registerer
}

// New constructs and registers every collector against reg. Passing nil
// uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Registry{
		registerer: reg,

		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "merklekv", Name: "events_published_total",
			Help: "Change events enqueued onto the outbox for publication.",
		}),
		EventsApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "merklekv", Name: "events_applied_total",
			Help: "Remote change events applied to local storage.",
		}),
		EventsDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "merklekv", Name: "events_duplicate_total",
			Help: "Remote change events dropped as duplicates by (node_id, seq).",
		}),
		EventsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "merklekv", Name: "events_rejected_total",
			Help: "Remote change events rejected (schema error, oversize, etc).",
		}),
		ClockSkewRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "merklekv", Name: "clock_skew_rejected_total",
			Help: "Remote change events rejected for exceeding the future clock-skew bound.",
		}),
		PayloadTooLarge: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "merklekv", Name: "payload_too_large_total",
			Help: "Requests or events rejected for exceeding a size cap.",
		}),
		MerkleRootChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "merklekv", Name: "merkle_root_hash_changes_total",
			Help: "Number of times the local Merkle root hash has changed.",
		}),
		AESyncRounds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "merklekv", Name: "ae_sync_rounds_total",
			Help: "Anti-entropy rounds attempted.",
		}),
		AESyncSuccess: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "merklekv", Name: "ae_sync_success_total",
			Help: "Anti-entropy rounds that completed without error.",
		}),
		AESyncFailure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "merklekv", Name: "ae_sync_failure_total",
			Help: "Anti-entropy rounds that failed (timeout, rate limit, oversized batch).",
		}),
		AEKeysSynced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "merklekv", Name: "ae_keys_synced_total",
			Help: "Keys reconciled across all anti-entropy rounds.",
		}),
		AERoundDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "merklekv", Name: "ae_round_duration_seconds",
			Help:    "Anti-entropy round duration.",
			Buckets: prometheus.DefBuckets,
		}),
		OutboxDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "merklekv", Name: "outbox_dropped_total",
			Help: "Events dropped from the outbox due to capacity overflow.",
		}),
		OutboxDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "merklekv", Name: "outbox_depth",
			Help: "Current number of events queued in the outbox.",
		}),
		CommandLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "merklekv", Name: "command_latency_seconds",
			Help:    "Command round-trip latency by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}
