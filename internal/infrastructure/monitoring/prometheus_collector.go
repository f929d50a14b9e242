package monitoring

import (
	"time"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.Metrics.
type PrometheusCollector struct {
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter

	busPublished   *prometheus.CounterVec
	busDelivered   *prometheus.CounterVec
	busDropped     prometheus.Counter
	deliveryFailed prometheus.Counter

	signalingTransitions *prometheus.CounterVec
	presenceBroadcasts   *prometheus.CounterVec

	dispatchDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers every metric on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "chanrelay_sessions_active",
			Help: "Number of currently connected client sessions",
		}),

		sessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chanrelay_sessions_total",
			Help: "Total number of client sessions opened",
		}),

		busPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chanrelay_bus_published_total",
			Help: "Events published on the bus by action",
		}, []string{"action", "parsable"}),

		busDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chanrelay_bus_delivered_total",
			Help: "Bus deliveries to sessions by post-process outcome",
		}, []string{"outcome"}),

		busDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "chanrelay_bus_dropped_total",
			Help: "Bus messages dropped because a subscriber buffer was full",
		}),

		deliveryFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "chanrelay_delivery_failures_total",
			Help: "Bus deliveries whose post-processing or client write failed",
		}),

		signalingTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chanrelay_signaling_transitions_total",
			Help: "Signaling operations by action and result",
		}, []string{"action", "result"}),

		presenceBroadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chanrelay_presence_broadcasts_total",
			Help: "Presence notifications by kind",
		}, []string{"kind"}),

		dispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chanrelay_dispatch_duration_seconds",
			Help:    "Time spent handling one client event",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"action"}),
	}
}

var _ ports.Metrics = (*PrometheusCollector)(nil)

func (p *PrometheusCollector) SessionOpened() {
	p.sessionsActive.Inc()
	p.sessionsTotal.Inc()
}

func (p *PrometheusCollector) SessionClosed() {
	p.sessionsActive.Dec()
}

func (p *PrometheusCollector) EventPublished(action domain.Action, parsable bool) {
	label := "false"
	if parsable {
		label = "true"
	}
	p.busPublished.WithLabelValues(string(action), label).Inc()
}

func (p *PrometheusCollector) EventDelivered(outcome string) {
	p.busDelivered.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) BusMessageDropped() {
	p.busDropped.Inc()
}

func (p *PrometheusCollector) DeliveryFailed() {
	p.deliveryFailed.Inc()
}

func (p *PrometheusCollector) SignalingTransition(action domain.Action, result string) {
	p.signalingTransitions.WithLabelValues(string(action), result).Inc()
}

func (p *PrometheusCollector) PresenceBroadcast(action domain.Action) {
	p.presenceBroadcasts.WithLabelValues(string(action)).Inc()
}

func (p *PrometheusCollector) DispatchDuration(action domain.Action, d time.Duration) {
	p.dispatchDuration.WithLabelValues(string(action)).Observe(d.Seconds())
}

// NopMetrics discards everything.
type NopMetrics struct{}

var _ ports.Metrics = NopMetrics{}

func (NopMetrics) SessionOpened()                                {}
func (NopMetrics) SessionClosed()                                {}
func (NopMetrics) EventPublished(domain.Action, bool)            {}
func (NopMetrics) EventDelivered(string)                         {}
func (NopMetrics) BusMessageDropped()                            {}
func (NopMetrics) DeliveryFailed()                               {}
func (NopMetrics) SignalingTransition(domain.Action, string)     {}
func (NopMetrics) PresenceBroadcast(domain.Action)               {}
func (NopMetrics) DispatchDuration(domain.Action, time.Duration) {}
