package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "relay_access"

// Metrics owns the service's Prometheus registry and collectors.
type Metrics struct {
	Registry *prometheus.Registry

	requests            *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	errors              *prometheus.CounterVec
	invoicesCreated     *prometheus.CounterVec
	settlementChecks    *prometheus.CounterVec
	authorizationChecks *prometheus.CounterVec
	signerWaits         *prometheus.CounterVec
	activeFlows         prometheus.Gauge
}

// NewMetrics initializes a registry with process collectors and the
// service collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"path", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "HTTP error responses by code.",
		}, []string{"path", "method", "code"}),
		invoicesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoices_created_total",
			Help:      "Invoice creation attempts by result.",
		}, []string{"result"}),
		settlementChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_checks_total",
			Help:      "Settlement checks by result (paid, unpaid, error).",
		}, []string{"result"}),
		authorizationChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_checks_total",
			Help:      "Relay authorization lookups by result.",
		}, []string{"result"}),
		signerWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signer_waits_total",
			Help:      "Signer capability waits by outcome.",
		}, []string{"outcome"}),
		activeFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "payment_flows_active",
			Help:      "Payment views currently polling for settlement.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.requestDuration,
		m.errors,
		m.invoicesCreated,
		m.settlementChecks,
		m.authorizationChecks,
		m.signerWaits,
		m.activeFlows,
	)
	return m
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(path, method).Observe(duration.Seconds())
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(path, method, code).Inc()
}

// RecordInvoice counts an invoice creation attempt.
func (m *Metrics) RecordInvoice(result string) {
	if m == nil {
		return
	}
	m.invoicesCreated.WithLabelValues(result).Inc()
}

// RecordSettlementCheck counts a settlement poll.
func (m *Metrics) RecordSettlementCheck(result string) {
	if m == nil {
		return
	}
	m.settlementChecks.WithLabelValues(result).Inc()
}

// RecordAuthorization counts a relay authorization lookup.
func (m *Metrics) RecordAuthorization(result string) {
	if m == nil {
		return
	}
	m.authorizationChecks.WithLabelValues(result).Inc()
}

// RecordSignerWait counts a signer wait outcome.
func (m *Metrics) RecordSignerWait(outcome string) {
	if m == nil {
		return
	}
	m.signerWaits.WithLabelValues(outcome).Inc()
}

// FlowStarted and FlowStopped track live payment views.
func (m *Metrics) FlowStarted() {
	if m == nil {
		return
	}
	m.activeFlows.Inc()
}

func (m *Metrics) FlowStopped() {
	if m == nil {
		return
	}
	m.activeFlows.Dec()
}
