package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/RateLite/httpmw"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     prometheus.Counter
	LimiterErrors   prometheus.Counter
	StoreEvictions  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelite_requests_total",
				Help: "Total HTTP requests processed",
			},
			[]string{"method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratelite_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ratelite_requests_limited_total",
				Help: "Total requests rejected by the rate limiter",
			},
		),
		LimiterErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ratelite_limiter_errors_total",
				Help: "Total rate limiter store errors",
			},
		),
		StoreEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelite_store_evictions_total",
				Help: "Total buckets evicted from the store",
			},
			[]string{"reason"},
		),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.RateLimited, m.LimiterErrors, m.StoreEvictions)
	return m
}

// RegisterResidentKeys exports the store's current key count as a gauge.
func RegisterResidentKeys(reg prometheus.Registerer, length func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "ratelite_store_resident_keys",
			Help: "Buckets currently resident in the in-memory store",
		},
		func() float64 { return float64(length()) },
	))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Middleware records per-request metrics.
func (m *Metrics) Middleware(skip map[string]struct{}) httpmw.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
