// Package telemetry exposes Prometheus metrics for the ingestion and
// notification pipeline.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// IngestMetrics counts ingestion outcomes.
type IngestMetrics struct {
	PackagesInserted prometheus.Counter
	VersionsInserted prometheus.Counter
	Skipped          *prometheus.CounterVec
	FetchErrors      *prometheus.CounterVec
}

// NewIngestMetrics registers ingestion metrics on the given registerer.
func NewIngestMetrics(reg prometheus.Registerer) *IngestMetrics {
	factory := promauto.With(reg)
	return &IngestMetrics{
		PackagesInserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fossdb_packages_inserted_total",
			Help: "Packages stored on first sighting.",
		}),
		VersionsInserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fossdb_versions_inserted_total",
			Help: "Package versions appended to the store.",
		}),
		Skipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fossdb_candidates_skipped_total",
			Help: "Candidates skipped by the coordinator, by reason.",
		}, []string{"reason"}),
		FetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fossdb_registry_fetch_errors_total",
			Help: "Failed registry poll cycles, by registry.",
		}, []string{"registry"}),
	}
}

// NotifyMetrics counts the reactive notification path.
type NotifyMetrics struct {
	EventsPublished  prometheus.Counter
	EventsDropped    prometheus.Counter
	LiveConnections  prometheus.Gauge
	EventsDispatched prometheus.Counter
	DispatchFailures prometheus.Counter
}

// NewNotifyMetrics registers notification metrics on the given registerer.
func NewNotifyMetrics(reg prometheus.Registerer) *NotifyMetrics {
	factory := promauto.With(reg)
	return &NotifyMetrics{
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "fossdb_events_published_total",
			Help: "Timeline events published to the broadcaster.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "fossdb_events_dropped_total",
			Help: "Events dropped on full subscriber queues.",
		}),
		LiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fossdb_live_connections",
			Help: "Currently connected live notification clients.",
		}),
		EventsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "fossdb_events_dispatched_total",
			Help: "Pending events handed to the notification sink.",
		}),
		DispatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "fossdb_event_dispatch_failures_total",
			Help: "Notification sink failures.",
		}),
	}
}
