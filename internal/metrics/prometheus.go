package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal   prometheus.Counter
	connectionsActive  prometheus.Gauge
	tlsConnectionTotal prometheus.Counter

	messagesReceivedTotal prometheus.Counter
	messagesRejectedTotal *prometheus.CounterVec
	messagesSizeBytes     prometheus.Histogram

	authAttemptsTotal *prometheus.CounterVec

	commandsTotal *prometheus.CounterVec

	filterResultsTotal *prometheus.CounterVec

	forwardOutcomesTotal *prometheus.CounterVec

	spoolTransitionsTotal *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emailrelay_connections_total",
			Help: "Total number of connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "emailrelay_connections_active",
			Help: "Number of currently active connections.",
		}),
		tlsConnectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emailrelay_tls_connections_total",
			Help: "Total number of TLS connections established.",
		}),

		messagesReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "emailrelay_messages_received_total",
			Help: "Total number of messages received into the spool.",
		}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emailrelay_messages_rejected_total",
			Help: "Total number of messages rejected.",
		}, []string{"reason"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "emailrelay_messages_size_bytes",
			Help:    "Size of received messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emailrelay_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emailrelay_commands_total",
			Help: "Total number of SMTP/POP3 commands processed.",
		}, []string{"command"}),

		filterResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emailrelay_filter_results_total",
			Help: "Total number of filter chain verdicts, by kind.",
		}, []string{"kind"}),

		forwardOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emailrelay_forward_outcomes_total",
			Help: "Total number of forward attempt outcomes.",
		}, []string{"outcome"}),

		spoolTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "emailrelay_spool_transitions_total",
			Help: "Total number of spool message state transitions.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsConnectionTotal,
		c.messagesReceivedTotal,
		c.messagesRejectedTotal,
		c.messagesSizeBytes,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.filterResultsTotal,
		c.forwardOutcomesTotal,
		c.spoolTransitionsTotal,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// TLSConnectionEstablished increments the TLS connection counter.
func (c *PrometheusCollector) TLSConnectionEstablished() {
	c.tlsConnectionTotal.Inc()
}

// MessageReceived increments the message received counter and observes message size.
func (c *PrometheusCollector) MessageReceived(sizeBytes int64) {
	c.messagesReceivedTotal.Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// MessageRejected increments the message rejected counter.
func (c *PrometheusCollector) MessageRejected(reason string) {
	c.messagesRejectedTotal.WithLabelValues(reason).Inc()
}

// AuthAttempt increments the authentication attempts counter.
func (c *PrometheusCollector) AuthAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(result).Inc()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

// FilterResult increments the filter verdict counter.
func (c *PrometheusCollector) FilterResult(kind string) {
	c.filterResultsTotal.WithLabelValues(kind).Inc()
}

// ForwardOutcome increments the forward outcome counter.
func (c *PrometheusCollector) ForwardOutcome(outcome string) {
	c.forwardOutcomesTotal.WithLabelValues(outcome).Inc()
}

// SpoolTransition increments the spool state transition counter.
func (c *PrometheusCollector) SpoolTransition(state string) {
	c.spoolTransitionsTotal.WithLabelValues(state).Inc()
}
