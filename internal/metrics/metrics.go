// Package metrics exposes Prometheus collectors for the notice crawler.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	noticesProcessedTotal *prometheus.CounterVec
	recordsWrittenTotal   *prometheus.CounterVec
	challengesTotal       *prometheus.CounterVec
	pagesCrawledTotal     prometheus.Counter
	recoveryFailuresTotal prometheus.Counter
	solverDurationSeconds prometheus.Histogram
	extractionsTotal      *prometheus.CounterVec
	pacingDelaySeconds    prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		noticesProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noticecrawl_notices_processed_total",
				Help: "Total notices visited, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		recordsWrittenTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noticecrawl_records_written_total",
				Help: "Total records written, labeled by sink.",
			},
			[]string{"sink"},
		)

		challengesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noticecrawl_challenges_total",
				Help: "Total anti-bot challenges encountered, labeled by result.",
			},
			[]string{"result"},
		)

		pagesCrawledTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "noticecrawl_pages_crawled_total",
				Help: "Total result pages iterated.",
			},
		)

		recoveryFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "noticecrawl_recovery_failures_total",
				Help: "Total times back-navigation failed to restore the results page.",
			},
		)

		solverDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "noticecrawl_solver_duration_seconds",
				Help:    "Histogram of external solving-service latencies.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
			},
		)

		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "noticecrawl_extractions_total",
				Help: "Total field extractions, labeled by path.",
			},
			[]string{"path"},
		)

		pacingDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "noticecrawl_pacing_delay_seconds",
				Help:    "Histogram of inter-notice pacing delays.",
				Buckets: []float64{1, 3, 5, 8, 10, 15, 20},
			},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveNotice increments the notice counter for an outcome:
// "written", "skipped", "abandoned", or "duplicate".
func ObserveNotice(outcome string) {
	noticesProcessedTotal.WithLabelValues(outcome).Inc()
}

// ObserveRecordWritten increments the written-record counter for a sink.
func ObserveRecordWritten(sink string) {
	recordsWrittenTotal.WithLabelValues(sink).Inc()
}

// ObserveChallenge increments the challenge counter for a result:
// "solved", "abandoned", or "automation_detected".
func ObserveChallenge(result string) {
	challengesTotal.WithLabelValues(result).Inc()
}

// ObservePage increments the page counter.
func ObservePage() {
	pagesCrawledTotal.Inc()
}

// ObserveRecoveryFailure increments the recovery-failure counter.
func ObserveRecoveryFailure() {
	recoveryFailuresTotal.Inc()
}

// ObserveSolverDuration records one solving-service round trip.
func ObserveSolverDuration(d time.Duration) {
	solverDurationSeconds.Observe(d.Seconds())
}

// ObserveExtraction increments the extraction counter for a path:
// "model" or "fallback".
func ObserveExtraction(path string) {
	extractionsTotal.WithLabelValues(path).Inc()
}

// ObservePacingDelay records one inter-notice delay.
func ObservePacingDelay(d time.Duration) {
	pacingDelaySeconds.Observe(d.Seconds())
}
