package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce       sync.Once
	llmRequestsTotal   *prometheus.CounterVec
	llmLatencySeconds  *prometheus.HistogramVec
	gradingResults     *prometheus.CounterVec
	overridesTotal     *prometheus.CounterVec
	summarySinkErrors  *prometheus.CounterVec
	attemptsScoredSecs prometheus.Histogram
)

// RegisterMetrics initialises the Prometheus collectors used by the marker.
func RegisterMetrics() {
	registerOnce.Do(func() {
		llmRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marker_llm_requests_total",
			Help: "Total number of completion requests sent to the model provider.",
		}, []string{"model", "status"})

		llmLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marker_llm_latency_seconds",
			Help:    "Latency distribution for completion requests.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 20, 30},
		}, []string{"model"})

		gradingResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marker_grading_results_total",
			Help: "Graded questions by question type and outcome.",
		}, []string{"question_type", "outcome"})

		overridesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marker_overrides_total",
			Help: "Teacher overrides by outcome.",
		}, []string{"outcome"})

		summarySinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marker_summary_sink_errors_total",
			Help: "Failed writes to denormalized summary sinks.",
		}, []string{"sink"})

		attemptsScoredSecs = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "marker_attempt_scoring_seconds",
			Help:    "Wall time to score a whole attempt.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 40, 60},
		})

		prometheus.MustRegister(llmRequestsTotal, llmLatencySeconds, gradingResults,
			overridesTotal, summarySinkErrors, attemptsScoredSecs)
	})
}

// LLMRequests exposes the counter for provider requests.
func LLMRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return llmRequestsTotal
}

// LLMLatency exposes the latency histogram for provider requests.
func LLMLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return llmLatencySeconds
}

// GradingResults exposes the counter of graded questions.
func GradingResults() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingResults
}

// Overrides exposes the counter of override outcomes.
func Overrides() *prometheus.CounterVec {
	RegisterMetrics()
	return overridesTotal
}

// SummarySinkErrors exposes the counter of failed summary writes.
func SummarySinkErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return summarySinkErrors
}

// AttemptScoring exposes the histogram of whole-attempt scoring time.
func AttemptScoring() prometheus.Histogram {
	RegisterMetrics()
	return attemptsScoredSecs
}
