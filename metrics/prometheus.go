package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	collector     *Collector
	collectorOnce sync.Once
)

// Collector holds all venue metrics.
type Collector struct {
	// Order metrics
	OrdersTotal  *prometheus.CounterVec
	OrderLatency *prometheus.HistogramVec

	// Matching engine metrics
	MatchPassesTotal *prometheus.CounterVec
	MatchingLatency  *prometheus.HistogramVec
	OrderbookDepth   *prometheus.GaugeVec

	// Trade metrics
	TradesTotal     *prometheus.CounterVec
	TradeVolume     *prometheus.CounterVec
	CommissionTotal *prometheus.CounterVec

	// Quantity confirmation metrics
	ConfirmationsTotal *prometheus.CounterVec
	NegotiationsTotal  *prometheus.CounterVec

	// Messaging sink metrics
	SinkSendsTotal *prometheus.CounterVec

	// WebSocket metrics
	WSConnectionsActive prometheus.Gauge
	WSMessagesTotal     *prometheus.CounterVec
	WSDroppedTotal      *prometheus.CounterVec

	// API metrics
	APIRequestsTotal  *prometheus.CounterVec
	APIRequestLatency *prometheus.HistogramVec
}

// GetCollector returns the singleton metrics collector.
func GetCollector() *Collector {
	collectorOnce.Do(func() {
		collector = newCollector()
	})
	return collector
}

func newCollector() *Collector {
	c := &Collector{}

	c.OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commodex",
			Subsystem: "orders",
			Name:      "total",
			Help:      "Total number of orders submitted",
		},
		[]string{"contract", "side", "status"},
	)

	c.OrderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "commodex",
			Subsystem: "orders",
			Name:      "latency_ms",
			Help:      "Order request latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"operation"},
	)

	c.MatchPassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commodex",
			Subsystem: "matching",
			Name:      "passes_total",
			Help:      "Total matching passes per contract",
		},
		[]string{"contract", "outcome"},
	)

	c.MatchingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "commodex",
			Subsystem: "matching",
			Name:      "latency_ms",
			Help:      "Matching pass latency in milliseconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100},
		},
		[]string{"contract"},
	)

	c.OrderbookDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "commodex",
			Subsystem: "orderbook",
			Name:      "depth",
			Help:      "Active orders per contract side",
		},
		[]string{"contract", "side"},
	)

	c.TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commodex",
			Subsystem: "trades",
			Name:      "total",
			Help:      "Total number of trades executed",
		},
		[]string{"contract", "kind"},
	)

	c.TradeVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commodex",
			Subsystem: "trades",
			Name:      "volume_lots",
			Help:      "Total traded volume in lots",
		},
		[]string{"contract"},
	)

	c.CommissionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commodex",
			Subsystem: "trades",
			Name:      "commission",
			Help:      "Total commission charged",
		},
		[]string{"contract"},
	)

	c.ConfirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commodex",
			Subsystem: "confirmations",
			Name:      "total",
			Help:      "Quantity confirmations by outcome",
		},
		[]string{"outcome"},
	)

	c.NegotiationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commodex",
			Subsystem: "negotiations",
			Name:      "total",
			Help:      "Negotiation rounds by outcome",
		},
		[]string{"outcome"},
	)

	c.SinkSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commodex",
			Subsystem: "messaging",
			Name:      "sends_total",
			Help:      "Outbound messaging sink sends",
		},
		[]string{"status"},
	)

	c.WSConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "commodex",
			Subsystem: "websocket",
			Name:      "connections_active",
			Help:      "Number of active WebSocket connections",
		},
	)

	c.WSMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commodex",
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "Total WebSocket messages sent",
		},
		[]string{"event"},
	)

	c.WSDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commodex",
			Subsystem: "websocket",
			Name:      "dropped_total",
			Help:      "WebSocket messages dropped on slow clients",
		},
		[]string{"event"},
	)

	c.APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commodex",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total API requests",
		},
		[]string{"method", "path", "status"},
	)

	c.APIRequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "commodex",
			Subsystem: "api",
			Name:      "request_latency_ms",
			Help:      "API request latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"method", "path"},
	)

	c.registerAll()

	return c
}

func (c *Collector) registerAll() {
	prometheus.MustRegister(c.OrdersTotal)
	prometheus.MustRegister(c.OrderLatency)

	prometheus.MustRegister(c.MatchPassesTotal)
	prometheus.MustRegister(c.MatchingLatency)
	prometheus.MustRegister(c.OrderbookDepth)

	prometheus.MustRegister(c.TradesTotal)
	prometheus.MustRegister(c.TradeVolume)
	prometheus.MustRegister(c.CommissionTotal)

	prometheus.MustRegister(c.ConfirmationsTotal)
	prometheus.MustRegister(c.NegotiationsTotal)

	prometheus.MustRegister(c.SinkSendsTotal)

	prometheus.MustRegister(c.WSConnectionsActive)
	prometheus.MustRegister(c.WSMessagesTotal)
	prometheus.MustRegister(c.WSDroppedTotal)

	prometheus.MustRegister(c.APIRequestsTotal)
	prometheus.MustRegister(c.APIRequestLatency)
}

// ============ Recording Helpers ============

// RecordOrder records an order lifecycle event.
func (c *Collector) RecordOrder(contract, side, status string) {
	c.OrdersTotal.WithLabelValues(contract, side, status).Inc()
}

// RecordOrderLatency records how long an order operation took.
func (c *Collector) RecordOrderLatency(operation string, latencyMs float64) {
	c.OrderLatency.WithLabelValues(operation).Observe(latencyMs)
}

// RecordTrade records an executed trade.
func (c *Collector) RecordTrade(contract, kind string, qty int64, commission float64) {
	c.TradesTotal.WithLabelValues(contract, kind).Inc()
	c.TradeVolume.WithLabelValues(contract).Add(float64(qty))
	c.CommissionTotal.WithLabelValues(contract).Add(commission)
}

// RecordMatchPass records one matching pass over a contract.
func (c *Collector) RecordMatchPass(contract, outcome string, latencyMs float64) {
	c.MatchPassesTotal.WithLabelValues(contract, outcome).Inc()
	c.MatchingLatency.WithLabelValues(contract).Observe(latencyMs)
}

// SetBookDepth records the active order counts for a contract.
func (c *Collector) SetBookDepth(contract string, bids, offers int) {
	c.OrderbookDepth.WithLabelValues(contract, "BID").Set(float64(bids))
	c.OrderbookDepth.WithLabelValues(contract, "OFFER").Set(float64(offers))
}

// RecordConfirmation records a quantity confirmation outcome.
func (c *Collector) RecordConfirmation(outcome string) {
	c.ConfirmationsTotal.WithLabelValues(outcome).Inc()
}

// RecordNegotiation records a negotiation round outcome.
func (c *Collector) RecordNegotiation(outcome string) {
	c.NegotiationsTotal.WithLabelValues(outcome).Inc()
}

// RecordSinkSend records an outbound messaging attempt.
func (c *Collector) RecordSinkSend(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	c.SinkSendsTotal.WithLabelValues(status).Inc()
}

// RecordWSConnection records WebSocket connection changes.
func (c *Collector) RecordWSConnection(delta int) {
	c.WSConnectionsActive.Add(float64(delta))
}

// RecordWSMessage records a delivered WebSocket message.
func (c *Collector) RecordWSMessage(event string) {
	c.WSMessagesTotal.WithLabelValues(event).Inc()
}

// RecordWSDrop records a message dropped on a slow client.
func (c *Collector) RecordWSDrop(event string) {
	c.WSDroppedTotal.WithLabelValues(event).Inc()
}

// RecordAPIRequest records an API request.
func (c *Collector) RecordAPIRequest(method, path, status string, latencyMs float64) {
	c.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.APIRequestLatency.WithLabelValues(method, path).Observe(latencyMs)
}

// ============ HTTP Handler ============

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ElapsedMs returns the elapsed time in milliseconds.
func (t *Timer) ElapsedMs() float64 {
	return float64(time.Since(t.start).Microseconds()) / 1000.0
}
