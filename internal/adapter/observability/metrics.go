package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	VisionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vision_requests_total",
			Help: "Total number of vision model requests by model and operation",
		},
		[]string{"model", "operation", "status"},
	)
	VisionRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vision_request_duration_seconds",
			Help:    "Vision model request duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90},
		},
		[]string{"model", "operation"},
	)

	PlatformRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platform_requests_total",
			Help: "Total number of ActivityPub platform API requests",
		},
		[]string{"platform", "endpoint_family", "status"},
	)
	PlatformRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "platform_request_duration_seconds",
			Help:    "Platform API request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"platform", "endpoint_family"},
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of caption tasks enqueued",
		},
		[]string{"type"},
	)
	TasksProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasks_processing",
			Help: "Number of caption tasks currently processing",
		},
		[]string{"type"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of caption tasks completed",
		},
		[]string{"type"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of caption tasks failed",
		},
		[]string{"type"},
	)

	CaptionsGeneratedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captions_generated_total",
			Help: "Total number of captions generated by model and quality band",
		},
		[]string{"model", "quality_level"},
	)
	CaptionFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "caption_fallbacks_total",
			Help: "Total number of caption fallback attempts by reason",
		},
		[]string{"reason"},
	)

	// Caption outcome distribution
	CaptionQualityHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "caption_quality_score",
			Help:    "Distribution of caption quality scores ([0,100])",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	RateLimitWaitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_waits_total",
			Help: "Total number of platform requests delayed by the rate limiter",
		},
		[]string{"platform", "endpoint_family"},
	)
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts by operation",
		},
		[]string{"operation"},
	)
	RecoveryActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_actions_total",
			Help: "Total number of error recovery decisions by category and action",
		},
		[]string{"category", "action"},
	)

	ProgressSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "progress_subscribers",
			Help: "Number of connected progress stream subscribers",
		},
		[]string{"transport"},
	)
	ProgressEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "progress_events_dropped_total",
			Help: "Total number of progress events dropped on slow subscribers",
		},
	)

	QualityDriftGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "caption_quality_drift",
			Help: "Absolute drift of recent caption quality from the model baseline",
		},
		[]string{"metric_type", "model"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(VisionRequestsTotal)
	prometheus.MustRegister(VisionRequestDuration)
	prometheus.MustRegister(PlatformRequestsTotal)
	prometheus.MustRegister(PlatformRequestDuration)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksProcessing)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(CaptionsGeneratedTotal)
	prometheus.MustRegister(CaptionFallbacksTotal)
	prometheus.MustRegister(CaptionQualityHistogram)
	prometheus.MustRegister(RateLimitWaitsTotal)
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(RecoveryActionsTotal)
	prometheus.MustRegister(ProgressSubscribers)
	prometheus.MustRegister(ProgressEventsDroppedTotal)
	prometheus.MustRegister(QualityDriftGauge)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueTask(taskType string) {
	TasksEnqueuedTotal.WithLabelValues(taskType).Inc()
}

func StartProcessingTask(taskType string) {
	TasksProcessing.WithLabelValues(taskType).Inc()
}

func CompleteTask(taskType string) {
	TasksProcessing.WithLabelValues(taskType).Dec()
	TasksCompletedTotal.WithLabelValues(taskType).Inc()
}

func FailTask(taskType string) {
	TasksProcessing.WithLabelValues(taskType).Dec()
	TasksFailedTotal.WithLabelValues(taskType).Inc()
}

// ObserveCaption records the outcome of a generated caption.
func ObserveCaption(model, qualityLevel string, score int) {
	CaptionsGeneratedTotal.WithLabelValues(model, qualityLevel).Inc()
	if score >= 0 && score <= 100 {
		CaptionQualityHistogram.Observe(float64(score))
	}
}

// ObserveFallback records a caption fallback attempt.
func ObserveFallback(reason string) {
	CaptionFallbacksTotal.WithLabelValues(reason).Inc()
}

// ObservePlatformCall records a platform API call outcome.
func ObservePlatformCall(platform, endpointFamily, status string, dur time.Duration) {
	PlatformRequestsTotal.WithLabelValues(platform, endpointFamily, status).Inc()
	PlatformRequestDuration.WithLabelValues(platform, endpointFamily).Observe(dur.Seconds())
}

// ObserveRateLimitWait records a request delayed by the client-side limiter.
func ObserveRateLimitWait(platform, endpointFamily string) {
	RateLimitWaitsTotal.WithLabelValues(platform, endpointFamily).Inc()
}

// ObserveRetry records a retry attempt for an operation.
func ObserveRetry(operation string) {
	RetryAttemptsTotal.WithLabelValues(operation).Inc()
}

// ObserveRecovery records an error recovery decision.
func ObserveRecovery(category, action string) {
	RecoveryActionsTotal.WithLabelValues(category, action).Inc()
}

// RecordQualityDrift exposes detected caption quality drift for a model.
func RecordQualityDrift(metricType, model string, drift float64) {
	QualityDriftGauge.WithLabelValues(metricType, model).Set(drift)
}
