package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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
)

// Метрики токенов и отзыва.
var (
	tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_tokens_issued_total",
			Help: "Signed credentials issued, by token type.",
		},
		[]string{"type"},
	)

	tokensRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_tokens_rejected_total",
			Help: "Tokens that failed verification, by reason.",
		},
		[]string{"reason"},
	)

	revocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_revocations_total",
			Help: "Credentials moved to the revocation ledger, by cause.",
		},
		[]string{"reason"},
	)

	ledgerPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_ledger_purged_total",
		Help: "Expired ledger entries removed by the sweeper.",
	})

	jwksFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_jwks_fetches_total",
			Help: "Identity provider key set fetches, by provider and result.",
		},
		[]string{"provider", "result"},
	)
)

var initOnce sync.Once

// Регистрация метрик в default-регистре.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			tokensIssued, tokensRejected, revocations, ledgerPurged, jwksFetches,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTokenIssued counts one issued credential.
func RecordTokenIssued(kind string) {
	tokensIssued.WithLabelValues(kind).Inc()
}

// RecordTokenRejected counts one failed verification.
func RecordTokenRejected(reason string) {
	tokensRejected.WithLabelValues(reason).Inc()
}

// RecordRevocations counts n revoked credentials.
func RecordRevocations(reason string, n int) {
	if n <= 0 {
		return
	}
	revocations.WithLabelValues(reason).Add(float64(n))
}

// RecordLedgerPurge counts ledger rows removed by one sweep.
func RecordLedgerPurge(n int64) {
	if n <= 0 {
		return
	}
	ledgerPurged.Add(float64(n))
}

// RecordJWKSFetch counts one key set fetch.
func RecordJWKSFetch(provider, result string) {
	jwksFetches.WithLabelValues(provider, result).Inc()
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

// CanonicalPath collapses identifiers in known routes so metric labels stay bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return raw
	}
	switch {
	case parts[1] == "users" && len(parts) == 3:
		return "/v1/users/:id"
	case parts[1] == "users" && len(parts) == 4 && parts[3] == "roles":
		return "/v1/users/:id/roles"
	case parts[1] == "users" && len(parts) == 5 && parts[3] == "roles":
		return "/v1/users/:id/roles/:role"
	case parts[1] == "roles" && len(parts) == 3:
		return "/v1/roles/:id"
	case parts[1] == "auth" && len(parts) >= 4 && parts[2] == "devices":
		switch {
		case len(parts) == 4 && parts[3] != "revoke-all":
			return "/v1/auth/devices/:id"
		case len(parts) == 5 && parts[3] == "users":
			return "/v1/auth/devices/users/:user"
		case len(parts) == 6 && parts[3] == "users":
			return "/v1/auth/devices/users/:user/:id"
		}
	}
	return raw
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
