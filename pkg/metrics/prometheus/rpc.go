package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/silicon-heaven/shvgo/pkg/metrics"
)

// brokerMetrics is the Prometheus implementation of metrics.BrokerMetrics.
type brokerMetrics struct {
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	signalsTotal        *prometheus.CounterVec
	signalSubscribers   prometheus.Histogram
	activeClients       prometheus.Gauge
	clientsConnected    prometheus.Counter
	clientsDisconnected prometheus.Counter
	loginFailures       prometheus.Counter
	mountCount          prometheus.Gauge
	subscriptionCount   prometheus.Gauge
}

// NewBrokerMetrics creates a new Prometheus-backed BrokerMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewBrokerMetrics() metrics.BrokerMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &brokerMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "shvbroker_requests_total",
				Help: "Total number of requests dispatched by method and status",
			},
			[]string{"method", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "shvbroker_request_duration_milliseconds",
				Help: "Duration of request dispatch in milliseconds",
				Buckets: []float64{
					1,   // 1ms - local built-in methods
					5,   // 5ms
					20,  // 20ms
					50,  // 50ms
					100, // 100ms
					500, // 500ms
					1000,
					5000,
				},
			},
			[]string{"method"},
		),
		signalsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "shvbroker_signals_total",
				Help: "Total number of signals fanned out to subscribers, by signal name",
			},
			[]string{"signal"},
		),
		signalSubscribers: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name: "shvbroker_signal_subscribers",
				Help: "Distribution of subscriber counts a signal was delivered to",
				Buckets: []float64{
					0, 1, 2, 5, 10, 25, 50, 100,
				},
			},
		),
		activeClients: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "shvbroker_active_clients",
				Help: "Current number of connected clients",
			},
		),
		clientsConnected: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "shvbroker_clients_connected_total",
				Help: "Total number of clients that have connected",
			},
		),
		clientsDisconnected: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "shvbroker_clients_disconnected_total",
				Help: "Total number of clients that have disconnected",
			},
		),
		loginFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "shvbroker_login_failures_total",
				Help: "Total number of failed login attempts",
			},
		),
		mountCount: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "shvbroker_mounts",
				Help: "Current number of mounted clients",
			},
		),
		subscriptionCount: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "shvbroker_subscriptions",
				Help: "Current number of distinct subscription patterns",
			},
		),
	}
}

func (m *brokerMetrics) RecordRequest(method string, duration time.Duration, errorCode string) {
	if m == nil {
		return
	}
	status := "success"
	if errorCode != "" {
		status = errorCode
	}
	m.requestsTotal.WithLabelValues(method, status).Inc()
	m.requestDuration.WithLabelValues(method).Observe(duration.Seconds() * 1000)
}

func (m *brokerMetrics) RecordSignal(signal string, subscriberCount int) {
	if m == nil {
		return
	}
	m.signalsTotal.WithLabelValues(signal).Inc()
	m.signalSubscribers.Observe(float64(subscriberCount))
}

func (m *brokerMetrics) SetActiveClients(count int) {
	if m == nil {
		return
	}
	m.activeClients.Set(float64(count))
}

func (m *brokerMetrics) RecordClientConnected() {
	if m == nil {
		return
	}
	m.clientsConnected.Inc()
}

func (m *brokerMetrics) RecordClientDisconnected() {
	if m == nil {
		return
	}
	m.clientsDisconnected.Inc()
}

func (m *brokerMetrics) RecordLoginFailure() {
	if m == nil {
		return
	}
	m.loginFailures.Inc()
}

func (m *brokerMetrics) SetMountCount(count int) {
	if m == nil {
		return
	}
	m.mountCount.Set(float64(count))
}

func (m *brokerMetrics) SetSubscriptionCount(count int) {
	if m == nil {
		return
	}
	m.subscriptionCount.Set(float64(count))
}
