package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the HTTP layer and the ledger.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	salesTotal      *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	reversals       prometheus.Counter
	purchases       prometheus.Counter
	stockDrift      prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokostok_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokostok_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		salesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokostok_sales_recorded_total",
			Help: "Committed sales by sale type.",
		}, []string{"type"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokostok_ledger_rejections_total",
			Help: "Ledger writes rejected, by operation and reason.",
		}, []string{"operation", "reason"}),
		reversals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokostok_sale_reversals_total",
			Help: "Sales deleted with their stock restored.",
		}),
		purchases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokostok_purchases_recorded_total",
			Help: "Purchases received into stock.",
		}),
		stockDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tokostok_stock_drift_products",
			Help: "Products whose total stock disagrees with their batches at the last integrity scan.",
		}),
	}
	registry.MustRegister(
		m.requestsTotal, m.requestDuration, m.salesTotal, m.rejections,
		m.reversals, m.purchases, m.stockDrift,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Server serves /metrics and /healthz on addr for processes without an API,
// such as the job worker.
func (m *Metrics) Server(addr string) *http.Server {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) SaleRecorded(saleType string) {
	if m == nil {
		return
	}
	m.salesTotal.WithLabelValues(saleType).Inc()
}

func (m *Metrics) Rejected(operation string, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(operation, reason).Inc()
}

func (m *Metrics) SaleReversed() {
	if m == nil {
		return
	}
	m.reversals.Inc()
}

func (m *Metrics) PurchaseRecorded() {
	if m == nil {
		return
	}
	m.purchases.Inc()
}

func (m *Metrics) StockDrift(products int) {
	if m == nil {
		return
	}
	m.stockDrift.Set(float64(products))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
