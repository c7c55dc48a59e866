package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CollabRealtimeMetrics are the counters and gauges of the realtime core.
type CollabRealtimeMetrics struct {
	OpenedGroups       prometheus.Gauge
	ConnectedUsers     prometheus.Gauge
	GroupsCreated      prometheus.Counter
	GroupsPruned       prometheus.Counter
	PersistAttempts    *prometheus.CounterVec
	PersistDuration    prometheus.Histogram
	LoadedFromSnapshot prometheus.Counter
	ProxyReads         *prometheus.CounterVec
	RejectedMessages   *prometheus.CounterVec
	IndexFailures      prometheus.Counter
}

// New registers the metrics on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *CollabRealtimeMetrics {
	f := promauto.With(reg)
	return &CollabRealtimeMetrics{
		OpenedGroups: f.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_opened_collab_groups",
			Help: "Number of collab groups currently held in memory",
		}),
		ConnectedUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connected_users",
			Help: "Number of users attached to at least one collab group",
		}),
		GroupsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_collab_groups_created_total",
			Help: "Collab groups created",
		}),
		GroupsPruned: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_collab_groups_pruned_total",
			Help: "Collab groups removed after staying inactive",
		}),
		PersistAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_collab_persist_total",
			Help: "Collab flushes to storage by result",
		}, []string{"result"}),
		PersistDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "realtime_collab_persist_duration_seconds",
			Help:    "Time to flush a collab to storage",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		LoadedFromSnapshot: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_collab_loaded_from_snapshot_total",
			Help: "Collabs recovered from a snapshot because the primary encoding was unreadable",
		}),
		ProxyReads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_storage_proxy_reads_total",
			Help: "Storage proxy reads by source",
		}, []string{"source"}),
		RejectedMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_rejected_client_messages_total",
			Help: "Client messages rejected by the router",
		}, []string{"reason"}),
		IndexFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_collab_index_failures_total",
			Help: "Failed indexing attempts",
		}),
	}
}
