package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skillgate",
			Subsystem: "pipeline",
			Name:      "transitions_total",
			Help:      "Proposal status transitions.",
		},
		[]string{"from", "to"},
	)
	rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skillgate",
			Subsystem: "pipeline",
			Name:      "rejections_total",
			Help:      "Rejected proposals by rejection kind.",
		},
		[]string{"kind"},
	)
	escalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "skillgate",
			Subsystem: "pipeline",
			Name:      "escalations_total",
			Help:      "Proposals forced into human review by a hard finding.",
		},
	)
	collaboratorAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skillgate",
			Subsystem: "collaborator",
			Name:      "attempts_total",
			Help:      "Collaborator call attempts by step and result.",
		},
		[]string{"step", "result"},
	)
	denials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skillgate",
			Subsystem: "guard",
			Name:      "denials_total",
			Help:      "Capability denials by interaction kind.",
		},
		[]string{"interaction"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skillgate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "skillgate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(transitions, rejections, escalations, collaboratorAttempts, denials, httpRequests, httpDuration)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordTransition(from, to string) {
	RegisterMetrics()
	transitions.WithLabelValues(from, to).Inc()
}

func RecordRejection(kind string) {
	RegisterMetrics()
	rejections.WithLabelValues(kind).Inc()
}

func RecordEscalation() {
	RegisterMetrics()
	escalations.Inc()
}

func RecordAttempt(step string, ok bool) {
	RegisterMetrics()
	result := "error"
	if ok {
		result = "ok"
	}
	collaboratorAttempts.WithLabelValues(step, result).Inc()
}

func RecordDenial(interaction string) {
	RegisterMetrics()
	denials.WithLabelValues(interaction).Inc()
}

func RecordHTTPRequest(method string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, statusLabel).Inc()
	httpDuration.WithLabelValues(method, statusLabel).Observe(duration.Seconds())
}

// Middleware records request counts and latency by method and status.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RecordHTTPRequest(r.Method, status, time.Since(start))
	})
}
