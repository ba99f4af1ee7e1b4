package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements services.Metrics.
type PrometheusCollector struct {
	sessionsRegistered prometheus.Gauge
	callsActive        prometheus.Gauge
	callsTotal         *prometheus.CounterVec
	callDuration       prometheus.Histogram

	packetsRelayed *prometheus.CounterVec
	bytesRelayed   *prometheus.CounterVec
	packetsDropped *prometheus.CounterVec

	signalRequests *prometheus.CounterVec
	signalErrors   *prometheus.CounterVec

	simulcastSwitches *prometheus.CounterVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		sessionsRegistered: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pairline_sessions_registered",
			Help: "Number of currently registered usernames",
		}),

		callsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "pairline_calls_active",
			Help: "Number of calls currently in progress",
		}),

		callsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pairline_calls_total",
			Help: "Finished calls by final state",
		}, []string{"state"}),

		callDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "pairline_call_duration_seconds",
			Help:    "Duration of finished calls",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),

		packetsRelayed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pairline_packets_relayed_total",
			Help: "Media packets relayed between peers",
		}, []string{"kind"}),

		bytesRelayed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pairline_bytes_relayed_total",
			Help: "Media bytes relayed between peers",
		}, []string{"kind"}),

		packetsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pairline_packets_dropped_total",
			Help: "Packets dropped before relay, by reason",
		}, []string{"reason"}),

		signalRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pairline_signal_requests_total",
			Help: "Signaling requests by kind",
		}, []string{"request"}),

		signalErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pairline_signal_errors_total",
			Help: "Failed signaling requests by error code",
		}, []string{"code"}),

		simulcastSwitches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pairline_simulcast_switches_total",
			Help: "Requested simulcast layer switches",
		}, []string{"layer"}),
	}
}

func (p *PrometheusCollector) SessionRegistered() {
	p.sessionsRegistered.Inc()
}

func (p *PrometheusCollector) SessionRemoved() {
	p.sessionsRegistered.Dec()
}

func (p *PrometheusCollector) CallStarted(video bool) {
	p.callsActive.Inc()
}

func (p *PrometheusCollector) CallEnded(state string, duration time.Duration) {
	p.callsActive.Dec()
	p.callsTotal.WithLabelValues(state).Inc()
	if duration > 0 {
		p.callDuration.Observe(duration.Seconds())
	}
}

func (p *PrometheusCollector) PacketRelayed(video bool, bytes int) {
	kind := "audio"
	if video {
		kind = "video"
	}
	p.packetsRelayed.WithLabelValues(kind).Inc()
	p.bytesRelayed.WithLabelValues(kind).Add(float64(bytes))
}

func (p *PrometheusCollector) PacketDropped(reason string) {
	p.packetsDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) SignalRequest(request string) {
	p.signalRequests.WithLabelValues(request).Inc()
}

func (p *PrometheusCollector) SignalError(code int) {
	p.signalErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (p *PrometheusCollector) SimulcastSwitch(temporal bool) {
	layer := "substream"
	if temporal {
		layer = "temporal"
	}
	p.simulcastSwitches.WithLabelValues(layer).Inc()
}
