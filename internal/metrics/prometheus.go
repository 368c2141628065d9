package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge

	messagesAcceptedTotal prometheus.Counter
	messagesRejectedTotal *prometheus.CounterVec
	messagesSizeBytes     prometheus.Histogram
	commandsTotal         *prometheus.CounterVec

	localDeliveriesTotal *prometheus.CounterVec
	spoolFanoutFailed    *prometheus.CounterVec

	relayAttemptsTotal  *prometheus.CounterVec
	relayCompletedTotal *prometheus.CounterVec

	dnsCacheHitsTotal   prometheus.Counter
	dnsCacheMissesTotal prometheus.Counter
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpd_connections_total",
			Help: "Total number of SMTP connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smtpd_connections_active",
			Help: "Number of currently active SMTP connections.",
		}),

		messagesAcceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpd_messages_accepted_total",
			Help: "Total number of messages accepted into the incoming spool.",
		}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_messages_rejected_total",
			Help: "Total number of messages rejected during the SMTP transaction.",
		}, []string{"reason"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smtpd_messages_size_bytes",
			Help:    "Size of accepted messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400},
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_commands_total",
			Help: "Total number of SMTP commands processed.",
		}, []string{"verb"}),

		localDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_local_deliveries_total",
			Help: "Total number of local delivery attempts by outcome.",
		}, []string{"result"}),
		spoolFanoutFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_spool_fanout_failures_total",
			Help: "Total number of failures writing a spooled message to a recipient file.",
		}, []string{"stage"}),

		relayAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_relay_attempts_total",
			Help: "Total number of outbound relay attempts by destination domain.",
		}, []string{"domain"}),
		relayCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_relay_completed_total",
			Help: "Total number of completed relay attempts by destination domain and outcome.",
		}, []string{"domain", "result"}),

		dnsCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpd_dns_cache_hits_total",
			Help: "Total number of DNS cache lookups served without a wire query.",
		}),
		dnsCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpd_dns_cache_misses_total",
			Help: "Total number of DNS cache lookups requiring a wire query.",
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.messagesAcceptedTotal,
		c.messagesRejectedTotal,
		c.messagesSizeBytes,
		c.commandsTotal,
		c.localDeliveriesTotal,
		c.spoolFanoutFailed,
		c.relayAttemptsTotal,
		c.relayCompletedTotal,
		c.dnsCacheHitsTotal,
		c.dnsCacheMissesTotal,
	)

	return c
}

func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

func (c *PrometheusCollector) MessageAccepted(sizeBytes int64) {
	c.messagesAcceptedTotal.Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) MessageRejected(reason string) {
	c.messagesRejectedTotal.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) CommandProcessed(verb string) {
	c.commandsTotal.WithLabelValues(verb).Inc()
}

func (c *PrometheusCollector) LocalDeliveryCompleted(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.localDeliveriesTotal.WithLabelValues(result).Inc()
}

func (c *PrometheusCollector) SpoolFanoutFailed(stage string) {
	c.spoolFanoutFailed.WithLabelValues(stage).Inc()
}

func (c *PrometheusCollector) RelayAttempted(domain string) {
	c.relayAttemptsTotal.WithLabelValues(domain).Inc()
}

func (c *PrometheusCollector) RelayCompleted(domain string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.relayCompletedTotal.WithLabelValues(domain, result).Inc()
}

func (c *PrometheusCollector) DNSCacheHit() {
	c.dnsCacheHitsTotal.Inc()
}

func (c *PrometheusCollector) DNSCacheMiss() {
	c.dnsCacheMissesTotal.Inc()
}
