package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Requests that matched no route share one label value.
const unmatchedRoute = "unmatched"

var (
	apiRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskrunner",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests served, by method, route pattern and status code.",
	}, []string{"method", "path", "status"})

	apiLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskrunner",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Time spent serving API requests. Log streams count until the client leaves.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	submittedTaskInstances = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskrunner",
		Subsystem: "api",
		Name:      "task_instances_submitted_total",
		Help:      "Task instances accepted for execution through the API, by DAG.",
	}, []string{"dag_id"})

	openLogStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskrunner",
		Subsystem: "api",
		Name:      "log_streams",
		Help:      "Clients currently following live task instance output.",
	})
)

// instrument counts and times each request under its chi route pattern, so
// task instance ids and run ids never become label values.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		began := time.Now()
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		route := unmatchedRoute
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		apiRequests.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		apiLatency.WithLabelValues(r.Method, route).Observe(time.Since(began).Seconds())
	})
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
