package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RevisionsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_revisions_committed_total",
		Help: "Revisions committed by the authority",
	})

	RevisionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_revisions_rejected_total",
		Help: "Revisions rejected by the authority, by reason",
	}, []string{"code"})

	DuplicateSubmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_duplicate_submissions_total",
		Help: "Resubmitted revisions answered with the original ack",
	})

	ResyncRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docsync_resync_requests_total",
		Help: "Resync requests, by side (client issued / authority served)",
	}, []string{"side"})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_client_reconnects_total",
		Help: "Reconnect attempts made by sync clients",
	})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docsync_connected_clients",
		Help: "Websocket connections currently attached to the authority",
	})

	OpenDocuments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docsync_open_documents",
		Help: "Documents with a live revision manager",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docsync_events_dropped_total",
		Help: "Revision events dropped after exhausting kafka retries",
	})

	SubmitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docsync_submit_duration_seconds",
		Help:    "Time spent committing one revision at the authority",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})
)
