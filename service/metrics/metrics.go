package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal   *prometheus.CounterVec
	solanaRPCCallDuration *prometheus.HistogramVec

	// Purchase Metrics
	submissionAttemptsTotal   *prometheus.CounterVec
	confirmationAttemptsTotal *prometheus.CounterVec
	purchasesTotal            *prometheus.CounterVec
	purchaseDuration          *prometheus.HistogramVec
	tokensSoldTotal           prometheus.Counter

	// Price and Supply Metrics
	quoteFetchesTotal     *prometheus.CounterVec
	quoteCurrent          prometheus.Gauge
	supplyRefreshesTotal  *prometheus.CounterVec
	supplyRemaining       prometheus.Gauge
	registrationsTotal    *prometheus.CounterVec
	scheduledJobsDuration *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRejectedTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),

		// Purchase Metrics
		submissionAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presale_submission_attempts_total",
				Help: "Raw transaction submissions by fee tier, endpoint and outcome",
			},
			[]string{"tier", "endpoint", "outcome"},
		),
		confirmationAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presale_confirmation_attempts_total",
				Help: "Confirmation attempts by outcome",
			},
			[]string{"outcome"},
		),
		purchasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presale_purchases_total",
				Help: "Purchases by final outcome",
			},
			[]string{"outcome"},
		),
		purchaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "presale_purchase_duration_seconds",
				Help:    "End-to-end purchase duration from validation to confirmation",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		),
		tokensSoldTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "presale_tokens_sold_total",
				Help: "Tokens transferred in confirmed purchases",
			},
		),

		// Price and Supply Metrics
		quoteFetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_quote_fetches_total",
				Help: "Price quote fetches by outcome",
			},
			[]string{"outcome"},
		),
		quoteCurrent: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "oracle_quote_current",
				Help: "Last known good native coin price in quote currency",
			},
		),
		supplyRefreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "supply_refreshes_total",
				Help: "Treasury balance refreshes by outcome",
			},
			[]string{"outcome"},
		),
		supplyRemaining: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "supply_remaining_tokens",
				Help: "Last known treasury token balance",
			},
		),
		registrationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "registry_registrations_total",
				Help: "Wallet registrations by outcome",
			},
			[]string{"outcome"},
		),
		scheduledJobsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scheduled_job_duration_seconds",
				Help:    "Duration of scheduled refresh jobs in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"job"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 10, 60, 300},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		httpRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_rejected_total",
				Help: "Requests short-circuited by middleware (rate limit, idempotency replay)",
			},
			[]string{"handler", "reason"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// Purchase metric helpers

// RecordSubmissionAttempt records one raw send of a signed transaction.
func (m *Metrics) RecordSubmissionAttempt(tier, endpoint, outcome string) {
	m.submissionAttemptsTotal.WithLabelValues(tier, endpoint, outcome).Inc()
}

// RecordConfirmationAttempt records one bounded wait for confirmation.
func (m *Metrics) RecordConfirmationAttempt(outcome string) {
	m.confirmationAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordPurchase records the final outcome of a purchase.
func (m *Metrics) RecordPurchase(outcome string, tokens int64, duration float64) {
	m.purchasesTotal.WithLabelValues(outcome).Inc()
	m.purchaseDuration.WithLabelValues(outcome).Observe(duration)
	if tokens > 0 {
		m.tokensSoldTotal.Add(float64(tokens))
	}
}

// Price and supply metric helpers

// RecordQuoteFetch records a price fetch; quote is the value now served.
func (m *Metrics) RecordQuoteFetch(outcome string, quote float64) {
	m.quoteFetchesTotal.WithLabelValues(outcome).Inc()
	m.quoteCurrent.Set(quote)
}

// RecordSupplyRefresh records a treasury balance refresh; remaining is the value now served.
func (m *Metrics) RecordSupplyRefresh(outcome string, remaining int64) {
	m.supplyRefreshesTotal.WithLabelValues(outcome).Inc()
	m.supplyRemaining.Set(float64(remaining))
}

// RecordRegistration records a wallet registration outcome.
func (m *Metrics) RecordRegistration(outcome string) {
	m.registrationsTotal.WithLabelValues(outcome).Inc()
}

// RecordScheduledJob records the run time of a periodic job.
func (m *Metrics) RecordScheduledJob(job string, duration float64) {
	m.scheduledJobsDuration.WithLabelValues(job).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, status string, duration float64) {
	m.dbQueryDuration.WithLabelValues(operation).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordHTTPRejected records a request answered by middleware.
func (m *Metrics) RecordHTTPRejected(handler, reason string) {
	m.httpRejectedTotal.WithLabelValues(handler, reason).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// statusCodeToString converts HTTP status code to string for metrics labels.
func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
