package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "follicore",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "follicore",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	httpInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "follicore",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests",
		},
		[]string{"path"},
	)

	inferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "follicore",
			Name:      "inference_duration_seconds",
			Help:      "End-to-end feature extraction duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"model"},
	)

	inferenceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "follicore",
			Name:      "inference_total",
			Help:      "Total feature extraction requests",
		},
		[]string{"model", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInflight,
		inferenceDuration, inferenceTotal)
}

// lifecycle gauges read live controller state, so they are bound at server
// construction rather than in init.
var (
	gaugeOnce sync.Once
	gaugeMu   sync.RWMutex
	gaugeSvc  Service
)

func bindLifecycleGauges(svc Service) {
	gaugeMu.Lock()
	gaugeSvc = svc
	gaugeMu.Unlock()
	gaugeOnce.Do(func() {
		prometheus.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "follicore",
				Name:      "uptime_seconds",
				Help:      "Seconds since the server started",
			}, func() float64 {
				gaugeMu.RLock()
				defer gaugeMu.RUnlock()
				if gaugeSvc == nil {
					return 0
				}
				return gaugeSvc.Uptime().Seconds()
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "follicore",
				Name:      "models_loaded",
				Help:      "1 when every configured model is ready",
			}, func() float64 {
				gaugeMu.RLock()
				defer gaugeMu.RUnlock()
				if gaugeSvc == nil || !gaugeSvc.Ready() {
					return 0
				}
				return 1
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "follicore",
				Name:      "models_count",
				Help:      "Number of configured models",
			}, func() float64 {
				gaugeMu.RLock()
				defer gaugeMu.RUnlock()
				if gaugeSvc == nil {
					return 0
				}
				return float64(len(gaugeSvc.ModelStatuses()))
			}),
		)
	})
}

// metricsMiddleware instruments requests for Prometheus.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := routePatternOrPath(r)
		httpInflight.WithLabelValues(path).Inc()
		defer httpInflight.WithLabelValues(path).Dec()

		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)
		status := strconv.Itoa(sr.status)
		httpRequestsTotal.WithLabelValues(path, r.Method, status).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
	})
}

// routePatternOrPath returns the chi route pattern if available, otherwise
// falls back to URL path. This avoids high-cardinality label values.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// observeInference records one extraction outcome.
func observeInference(model string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	inferenceTotal.WithLabelValues(model, outcome).Inc()
	if err == nil {
		inferenceDuration.WithLabelValues(model).Observe(elapsed.Seconds())
	}
}
