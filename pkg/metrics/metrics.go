package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// Dispatch metrics
	dispatchTotal   *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	peerBlacklisted *prometheus.CounterVec

	// Session state metrics
	casRetries    prometheus.Counter
	storeOps      *prometheus.CounterVec
	timerOps      *prometheus.CounterVec
	corruptTotal  prometheus.Counter
	staleFirings  prometheus.Counter
	commAlarm     *prometheus.GaugeVec
	radiusRecords *prometheus.CounterVec

	logger *zap.Logger
}

// New creates a new Metrics instance
func New(logger *zap.Logger) *Metrics {
	return &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rfgw_requests_total",
				Help: "Billing requests by record type and outcome",
			},
			[]string{"record_type", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rfgw_request_duration_seconds",
				Help:    "Billing request handling time",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"record_type"},
		),
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rfgw_dispatch_total",
				Help: "Accounting dispatch attempts by result",
			},
			[]string{"record_type", "result"},
		),
		dispatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rfgw_dispatch_latency_seconds",
				Help:    "ACR to ACA latency per peer",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"peer"},
		),
		peerBlacklisted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rfgw_peer_blacklisted_total",
				Help: "Times a Diameter peer was blacklisted",
			},
			[]string{"peer"},
		),
		casRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rfgw_cas_retries_total",
				Help: "Session store writes retried after a version conflict",
			},
		),
		storeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rfgw_store_operations_total",
				Help: "Session store operations by result",
			},
			[]string{"op", "result"},
		),
		timerOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rfgw_timer_operations_total",
				Help: "Timer service operations by result",
			},
			[]string{"op", "result"},
		),
		corruptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rfgw_corrupt_records_total",
				Help: "Stored session records that could not be decoded",
			},
		),
		staleFirings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rfgw_stale_timer_firings_total",
				Help: "Timer firings ignored because the session or timer no longer matched",
			},
		),
		commAlarm: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rfgw_comm_alarm",
				Help: "Communication alarm state per dependency (1=raised)",
			},
			[]string{"dependency"},
		),
		radiusRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rfgw_radius_records_total",
				Help: "RADIUS accounting mirror records by status type and result",
			},
			[]string{"status_type", "result"},
		),
		logger: logger,
	}
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.requestsTotal,
		m.requestDuration,
		m.dispatchTotal,
		m.dispatchLatency,
		m.peerBlacklisted,
		m.casRetries,
		m.storeOps,
		m.timerOps,
		m.corruptTotal,
		m.staleFirings,
		m.commAlarm,
		m.radiusRecords,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// Handler returns the HTTP handler for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// --- Metric update methods ---

// RecordRequest records a handled billing request.
func (m *Metrics) RecordRequest(recordType, outcome string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(recordType, outcome).Inc()
	m.requestDuration.WithLabelValues(recordType).Observe(duration.Seconds())
}

// RecordDispatch records the result of dispatching one record.
func (m *Metrics) RecordDispatch(recordType, result string) {
	m.dispatchTotal.WithLabelValues(recordType, result).Inc()
}

// RecordPeerLatency records an ACR/ACA round trip.
func (m *Metrics) RecordPeerLatency(peer string, latency time.Duration) {
	m.dispatchLatency.WithLabelValues(peer).Observe(latency.Seconds())
}

// RecordPeerBlacklisted records a peer being blacklisted.
func (m *Metrics) RecordPeerBlacklisted(peer string) {
	m.peerBlacklisted.WithLabelValues(peer).Inc()
}

// RecordCASRetry records a retried conditional write.
func (m *Metrics) RecordCASRetry() {
	m.casRetries.Inc()
}

// RecordStoreOp records a session store operation.
func (m *Metrics) RecordStoreOp(op, result string) {
	m.storeOps.WithLabelValues(op, result).Inc()
}

// RecordTimerOp records a timer service operation.
func (m *Metrics) RecordTimerOp(op, result string) {
	m.timerOps.WithLabelValues(op, result).Inc()
}

// RecordCorruptRecord records an undecodable session record.
func (m *Metrics) RecordCorruptRecord() {
	m.corruptTotal.Inc()
}

// RecordStaleFiring records an ignored timer firing.
func (m *Metrics) RecordStaleFiring() {
	m.staleFirings.Inc()
}

// RecordRADIUSRecord records a RADIUS accounting mirror record.
func (m *Metrics) RecordRADIUSRecord(statusType, result string) {
	m.radiusRecords.WithLabelValues(statusType, result).Inc()
}

// SetCommAlarm sets the communication alarm gauge for a dependency.
func (m *Metrics) SetCommAlarm(dependency string, raised bool) {
	v := 0.0
	if raised {
		v = 1
		m.logger.Debug("Comm alarm gauge raised", zap.String("dependency", dependency))
	}
	m.commAlarm.WithLabelValues(dependency).Set(v)
}
