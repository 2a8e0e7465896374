package savedfeeds

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skyfeeds_mutations_applied_total",
		Help: "Mutations applied optimistically to the saved feeds state",
	}, []string{"kind"})

	mutationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skyfeeds_mutations_rejected_total",
		Help: "Mutations rejected by validation",
	}, []string{"kind"})

	mutationsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skyfeeds_mutations_coalesced_total",
		Help: "Mutations folded into an already scheduled or in-flight persist",
	})

	persistCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skyfeeds_persist_calls_total",
		Help: "Calls made to the remote preferences service to persist saved feeds",
	})

	persistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skyfeeds_persist_failures_total",
		Help: "Failed persist calls by error kind",
	}, []string{"kind"})

	persistSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skyfeeds_persist_superseded_total",
		Help: "Persist results ignored because a newer generation exists",
	})

	rollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skyfeeds_rollbacks_total",
		Help: "Rollbacks to the last known good state",
	})

	persistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "skyfeeds_persist_duration_seconds",
		Help:    "Duration of persist calls",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
	})
)
