package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var initOnce sync.Once

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)

	serviceReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the store is reachable and the engine accepts settlements.",
	})
)

// Метрики движка расчётов
var (
	settlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlements_total",
			Help: "Settlement attempts by result (settled or error kind).",
		},
		[]string{"result"},
	)

	settlementVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_volume",
			Help: "Settled amounts in token base units by component.",
		},
		[]string{"token", "component"},
	)

	authorizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authorizations_total",
			Help: "Authorization record changes by operation.",
		},
		[]string{"op"},
	)

	enginePaused = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_paused",
		Help: "1 while the global pause switch is on.",
	})
)

// Регистрация метрик в default-регистре. Повторный вызов безопасен.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration, serviceReady,
			settlementsTotal, settlementVolume, authorizationsTotal, enginePaused)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	serviceReady.Set(boolGauge(ready))
}

// EngineMetrics records settlement engine activity on the default registry.
type EngineMetrics struct{}

func (EngineMetrics) SettlementSucceeded(token common.Address, gross, fee, tip, net float64) {
	settlementsTotal.WithLabelValues("settled").Inc()
	label := strings.ToLower(token.Hex())
	settlementVolume.WithLabelValues(label, "gross").Add(gross)
	settlementVolume.WithLabelValues(label, "protocol_fee").Add(fee)
	settlementVolume.WithLabelValues(label, "executor_tip").Add(tip)
	settlementVolume.WithLabelValues(label, "net").Add(net)
}

func (EngineMetrics) SettlementFailed(kind string) {
	settlementsTotal.WithLabelValues(kind).Inc()
}

func (EngineMetrics) AuthorizationsChanged(op string, n int) {
	authorizationsTotal.WithLabelValues(op).Add(float64(n))
}

func (EngineMetrics) Paused(paused bool) {
	enginePaused.Set(boolGauge(paused))
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses address path segments so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "/" {
		return "/"
	}
	parts := strings.Split(raw, "/")
	for i, p := range parts {
		if common.IsHexAddress(p) {
			parts[i] = ":address"
		}
	}
	return strings.Join(parts, "/")
}

// statusWriter запоминает код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
