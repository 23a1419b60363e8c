package monitoring

import (
	"time"

	"confroom/internal/core/domain"
	"confroom/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	sessionState      prometheus.Gauge
	sessionTransition *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	streamFailures    *prometheus.CounterVec
	publishDuration   *prometheus.HistogramVec
	streams           *prometheus.GaugeVec
	breakerState      prometheus.Gauge
}

var _ ports.SessionMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the session metrics with reg. A nil reg
// uses the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "confroom_session_state",
			Help: "Current session state (0 disconnected, 1 connecting, 2 connected, 3 disconnecting)",
		}),

		sessionTransition: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "confroom_session_transitions_total",
			Help: "Session state transitions by target state",
		}, []string{"state"}),

		reconnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "confroom_reconnect_attempts_total",
			Help: "Reconnection attempts by scope (session, local, remote)",
		}, []string{"scope"}),

		streamFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "confroom_stream_failures_total",
			Help: "Media connection failures by stream direction",
		}, []string{"direction"}),

		publishDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "confroom_publish_duration_seconds",
			Help:    "Time from publish request to a negotiated stream",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"result"}),

		streams: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "confroom_streams",
			Help: "Streams held by the session by registry",
		}, []string{"registry"}),

		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "confroom_signal_breaker_state",
			Help: "Signaling request circuit breaker state (0 closed, 1 open, 2 half-open)",
		}),
	}
}

func (p *PrometheusCollector) SessionState(state domain.SessionState) {
	p.sessionState.Set(float64(state))
	p.sessionTransition.WithLabelValues(state.String()).Inc()
}

func (p *PrometheusCollector) ReconnectAttempt(scope string) {
	p.reconnectAttempts.WithLabelValues(scope).Inc()
}

func (p *PrometheusCollector) StreamFailed(local bool) {
	p.streamFailures.WithLabelValues(direction(local)).Inc()
}

func (p *PrometheusCollector) PublishDuration(d time.Duration, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	p.publishDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (p *PrometheusCollector) Streams(local, remote, pending int) {
	p.streams.WithLabelValues("local").Set(float64(local))
	p.streams.WithLabelValues("remote").Set(float64(remote))
	p.streams.WithLabelValues("pending").Set(float64(pending))
}

// BreakerState records the signaling circuit breaker state.
func (p *PrometheusCollector) BreakerState(state int) {
	p.breakerState.Set(float64(state))
}

func direction(local bool) string {
	if local {
		return "local"
	}
	return "remote"
}
