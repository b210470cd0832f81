package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for a Nimbus provider.
type Metrics struct {
	config MetricsConfig

	// Order metrics
	ordersCreated *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	ordersInList  *prometheus.GaugeVec

	// Cloud driver metrics
	cloudCalls    *prometheus.CounterVec
	cloudDuration *prometheus.HistogramVec
	cloudErrors   *prometheus.CounterVec

	// Peer metrics
	peerRequests *prometheus.CounterVec
	peerErrors   *prometheus.CounterVec

	// Processor metrics
	processorPasses   *prometheus.HistogramVec
	processorFailures *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		ordersCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_created_total",
				Help:      "Total number of orders accepted",
			},
			[]string{"type", "origin"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "order_transitions_total",
				Help:      "Total number of order state transitions",
			},
			[]string{"type", "from", "to"},
		),
		ordersInList: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "orders",
				Help:      "Current number of active orders per index list",
			},
			[]string{"list"},
		),

		cloudCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cloud_calls_total",
				Help:      "Total number of cloud driver calls",
			},
			[]string{"cloud", "operation"},
		),
		cloudDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cloud_call_duration_seconds",
				Help:      "Duration of cloud driver calls in seconds",
				Buckets:   buckets,
			},
			[]string{"cloud", "operation"},
		),
		cloudErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cloud_errors_total",
				Help:      "Total number of cloud driver errors",
			},
			[]string{"cloud", "operation", "kind"},
		),

		peerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "peer_requests_total",
				Help:      "Total number of requests exchanged with peer providers",
			},
			[]string{"peer", "operation", "direction"},
		),
		peerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "peer_errors_total",
				Help:      "Total number of failed peer requests",
			},
			[]string{"peer", "operation", "kind"},
		),

		processorPasses: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "processor_pass_duration_seconds",
				Help:      "Duration of one processor pass over its list",
				Buckets:   buckets,
			},
			[]string{"processor"},
		),
		processorFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processor_order_failures_total",
				Help:      "Total number of orders a processor failed to handle",
			},
			[]string{"processor", "kind"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of errors returned to callers by kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.ordersCreated,
		m.transitions,
		m.ordersInList,
		m.cloudCalls,
		m.cloudDuration,
		m.cloudErrors,
		m.peerRequests,
		m.peerErrors,
		m.processorPasses,
		m.processorFailures,
		m.errorsByKind,
	)

	return m, nil
}

// Order Metrics

// RecordOrderCreated counts an accepted order. origin is "local" or "remote".
func (m *Metrics) RecordOrderCreated(orderType, origin string) {
	if m == nil || m.ordersCreated == nil {
		return
	}
	m.ordersCreated.WithLabelValues(orderType, origin).Inc()
}

// RecordTransition counts an order state transition.
func (m *Metrics) RecordTransition(orderType, from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(orderType, from, to).Inc()
}

// SetListSize sets the number of orders in an index list.
func (m *Metrics) SetListSize(list string, count int) {
	if m == nil || m.ordersInList == nil {
		return
	}
	m.ordersInList.WithLabelValues(list).Set(float64(count))
}

// Cloud Metrics

// RecordCloudCall records a cloud driver call with its duration.
func (m *Metrics) RecordCloudCall(cloud, operation string, duration time.Duration) {
	if m == nil || m.cloudCalls == nil {
		return
	}
	m.cloudCalls.WithLabelValues(cloud, operation).Inc()
	m.cloudDuration.WithLabelValues(cloud, operation).Observe(duration.Seconds())
}

// RecordCloudError records a failed cloud driver call.
func (m *Metrics) RecordCloudError(cloud, operation, kind string) {
	if m == nil || m.cloudErrors == nil {
		return
	}
	m.cloudErrors.WithLabelValues(cloud, operation, kind).Inc()
}

// Peer Metrics

// RecordPeerRequest counts a peer request. direction is "out" or "in".
func (m *Metrics) RecordPeerRequest(peer, operation, direction string) {
	if m == nil || m.peerRequests == nil {
		return
	}
	m.peerRequests.WithLabelValues(peer, operation, direction).Inc()
}

// RecordPeerError counts a failed peer request.
func (m *Metrics) RecordPeerError(peer, operation, kind string) {
	if m == nil || m.peerErrors == nil {
		return
	}
	m.peerErrors.WithLabelValues(peer, operation, kind).Inc()
}

// Processor Metrics

// RecordProcessorPass records the duration of a processor pass.
func (m *Metrics) RecordProcessorPass(processor string, duration time.Duration) {
	if m == nil || m.processorPasses == nil {
		return
	}
	m.processorPasses.WithLabelValues(processor).Observe(duration.Seconds())
}

// RecordProcessorFailure counts an order a processor failed to handle.
func (m *Metrics) RecordProcessorFailure(processor, kind string) {
	if m == nil || m.processorFailures == nil {
		return
	}
	m.processorFailures.WithLabelValues(processor, kind).Inc()
}

// Error Metrics

// RecordError records an error returned to a caller.
func (m *Metrics) RecordError(kind string) {
	if m == nil || m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StartMetricsServer starts a dedicated HTTP server exposing metrics.
func (m *Metrics) StartMetricsServer() *http.Server {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()

	return server
}
