package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "torrentdesk",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "torrentdesk",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	TorrentsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "torrentdesk",
		Name:      "torrents",
		Help:      "Number of torrents in the registry by state.",
	}, []string{"state"})

	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "torrentdesk",
		Name:      "commands_total",
		Help:      "Control commands by kind and outcome.",
	}, []string{"command", "outcome"})

	EngineEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "torrentdesk",
		Name:      "engine_events_total",
		Help:      "Engine events by kind and whether they were applied or discarded.",
	}, []string{"kind", "result"})

	PersistenceFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "torrentdesk",
		Name:      "persistence_failures_total",
		Help:      "Total number of failed store writes after retries.",
	})

	PersistenceDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentdesk",
		Name:      "persistence_degraded",
		Help:      "1 while store writes are failing and state is only held in memory.",
	})

	GlobalLimitKiB = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "torrentdesk",
		Name:      "global_limit_kib",
		Help:      "Applied global rate limit in KiB/s by direction, 0 = unlimited.",
	}, []string{"direction"})

	DownloadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentdesk",
		Name:      "download_speed_bytes",
		Help:      "Current aggregate download speed in bytes per second.",
	})

	UploadSpeedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentdesk",
		Name:      "upload_speed_bytes",
		Help:      "Current aggregate upload speed in bytes per second.",
	})

	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentdesk",
		Name:      "peers_connected",
		Help:      "Total number of peers connected across all torrents.",
	})

	WSClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "torrentdesk",
		Name:      "ws_clients",
		Help:      "Number of connected websocket clients.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TorrentsByState,
		CommandsTotal,
		EngineEventsTotal,
		PersistenceFailuresTotal,
		PersistenceDegraded,
		GlobalLimitKiB,
		DownloadSpeedBytes,
		UploadSpeedBytes,
		PeersConnected,
		WSClients,
	)
}
