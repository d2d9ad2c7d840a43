package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of a session. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Pool metrics, labeled by host key
	ConnsInUse *prometheus.GaugeVec
	ConnsIdle  *prometheus.GaugeVec
	Waiters    *prometheus.GaugeVec
	Dials      *prometheus.CounterVec
	Reuses     *prometheus.CounterVec
	Discards   *prometheus.CounterVec

	// Session metrics
	Requests         *prometheus.CounterVec
	Retries          prometheus.Counter
	Redirects        prometheus.Counter
	ExchangeDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. With a nil reg the
// collectors are created but not registered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnsInUse: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "asks_pool_connections_in_use",
				Help: "Connections currently driving an exchange",
			},
			[]string{"host"},
		),
		ConnsIdle: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "asks_pool_connections_idle",
				Help: "Keep-alive connections waiting for reuse",
			},
			[]string{"host"},
		),
		Waiters: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "asks_pool_waiters",
				Help: "Callers queued for a connection slot",
			},
			[]string{"host"},
		),
		Dials: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asks_pool_dials_total",
				Help: "Total number of connections opened",
			},
			[]string{"host"},
		),
		Reuses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asks_pool_reuses_total",
				Help: "Total number of idle connections handed out again",
			},
			[]string{"host"},
		),
		Discards: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asks_pool_discards_total",
				Help: "Total number of connections closed instead of reused",
			},
			[]string{"host"},
		),
		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asks_requests_total",
				Help: "Total number of exchanges by method and status code",
			},
			[]string{"method", "status"},
		),
		Retries: f.NewCounter(
			prometheus.CounterOpts{
				Name: "asks_retries_total",
				Help: "Total number of retries on a fresh connection",
			},
		),
		Redirects: f.NewCounter(
			prometheus.CounterOpts{
				Name: "asks_redirects_total",
				Help: "Total number of redirects followed",
			},
		),
		ExchangeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "asks_exchange_duration_seconds",
				Help:    "Time from writing a request until its response head was read",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),
	}
}

// PoolState publishes a snapshot of one pool's counters.
func (m *Metrics) PoolState(host string, idle, inUse, waiting int) {
	if m == nil {
		return
	}
	m.ConnsIdle.WithLabelValues(host).Set(float64(idle))
	m.ConnsInUse.WithLabelValues(host).Set(float64(inUse))
	m.Waiters.WithLabelValues(host).Set(float64(waiting))
}

func (m *Metrics) Dial(host string) {
	if m != nil {
		m.Dials.WithLabelValues(host).Inc()
	}
}

func (m *Metrics) Reuse(host string) {
	if m != nil {
		m.Reuses.WithLabelValues(host).Inc()
	}
}

func (m *Metrics) Discard(host string) {
	if m != nil {
		m.Discards.WithLabelValues(host).Inc()
	}
}

// Exchange records one completed request/response head round trip.
func (m *Metrics) Exchange(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.ExchangeDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) Retry() {
	if m != nil {
		m.Retries.Inc()
	}
}

func (m *Metrics) Redirect() {
	if m != nil {
		m.Redirects.Inc()
	}
}
