package monitoring

import (
	"time"

	"sinklisten/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Counters
	listenersActive  prometheus.Gauge
	connectsTotal    prometheus.Counter
	reconnectsTotal  prometheus.Counter
	failuresTotal    *prometheus.CounterVec
	heartbeatsMissed prometheus.Counter

	// Histograms
	connectionSetupDuration prometheus.Histogram

	// Per-sink metrics
	sinkPacketsReceived *prometheus.GaugeVec
	sinkPacketsLost     *prometheus.GaugeVec
	sinkJitter          *prometheus.GaugeVec
	sinkRoundTripTime   *prometheus.GaugeVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		listenersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sinklisten_listeners_active",
			Help: "Number of sinks currently being listened to",
		}),

		connectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sinklisten_connects_total",
			Help: "Total number of successful sink connections",
		}),

		reconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sinklisten_reconnects_total",
			Help: "Total number of reconnect attempts",
		}),

		failuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sinklisten_failures_total",
			Help: "Total number of connection failures by error category",
		}, []string{"category"}),

		heartbeatsMissed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sinklisten_heartbeats_missed_total",
			Help: "Total number of missed heartbeats",
		}),

		connectionSetupDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sinklisten_connection_setup_duration_seconds",
			Help:    "Time from connect start to first media track",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		sinkPacketsReceived: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sinklisten_sink_packets_received",
			Help: "RTP packets received from each sink",
		}, []string{"sink_id"}),

		sinkPacketsLost: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sinklisten_sink_packets_lost",
			Help: "RTP packets lost per sink",
		}, []string{"sink_id"}),

		sinkJitter: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sinklisten_sink_jitter_seconds",
			Help: "Receive jitter per sink",
		}, []string{"sink_id"}),

		sinkRoundTripTime: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sinklisten_sink_rtt_seconds",
			Help: "ICE round trip time per sink",
		}, []string{"sink_id"}),
	}
}

func (p *PrometheusCollector) RecordListenerStarted() {
	p.listenersActive.Inc()
	p.connectsTotal.Inc()
}

func (p *PrometheusCollector) RecordListenerStopped(sinkID domain.SinkID) {
	p.listenersActive.Dec()

	p.sinkPacketsReceived.DeleteLabelValues(string(sinkID))
	p.sinkPacketsLost.DeleteLabelValues(string(sinkID))
	p.sinkJitter.DeleteLabelValues(string(sinkID))
	p.sinkRoundTripTime.DeleteLabelValues(string(sinkID))
}

func (p *PrometheusCollector) RecordReconnect() {
	p.reconnectsTotal.Inc()
}

func (p *PrometheusCollector) RecordFailure(category domain.ErrorCategory) {
	p.failuresTotal.WithLabelValues(string(category)).Inc()
}

func (p *PrometheusCollector) RecordHeartbeatMissed() {
	p.heartbeatsMissed.Inc()
}

func (p *PrometheusCollector) RecordConnectionSetup(duration time.Duration) {
	p.connectionSetupDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) UpdateSinkStats(stats *domain.AudioStats) {
	sinkID := string(stats.SinkID)
	p.sinkPacketsReceived.WithLabelValues(sinkID).Set(float64(stats.PacketsReceived))
	p.sinkPacketsLost.WithLabelValues(sinkID).Set(float64(stats.PacketsLost))
	p.sinkJitter.WithLabelValues(sinkID).Set(stats.Jitter)
	p.sinkRoundTripTime.WithLabelValues(sinkID).Set(stats.RoundTripTime)
}
