package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "live_relay"

type Metrics struct {
	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	UpstreamSessions  prometheus.Gauge
	SetupFailures     *prometheus.CounterVec
	SetupDuration     prometheus.Histogram
	ChunksForwarded   *prometheus.CounterVec
	EventsRelayed     *prometheus.CounterVec
	MalformedMessages prometheus.Counter
	DroppedMessages   prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Downstream client sockets currently connected",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Downstream client sockets accepted",
		}),
		UpstreamSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_sessions_active",
			Help:      "Upstream model sessions currently ready",
		}),
		SetupFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_setup_failures_total",
			Help:      "Upstream session setups that did not reach ready",
		}, []string{"reason"}),
		SetupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_setup_seconds",
			Help:      "Time from start request to upstream setup acknowledgement",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		ChunksForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_forwarded_total",
			Help:      "Media chunks forwarded upstream",
		}, []string{"kind"}),
		EventsRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_relayed_total",
			Help:      "Messages sent to downstream clients",
		}, []string{"type"}),
		MalformedMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Downstream messages rejected as malformed",
		}),
		DroppedMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Downstream messages dropped because the send buffer was full",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served",
		}, []string{"method", "status"}),
	}
}
