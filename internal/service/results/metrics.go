package results

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline instruments. A nil *Metrics records nothing.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec
	SkippedTotal  *prometheus.CounterVec
	EntriesTotal  prometheus.Counter
	RunDuration   prometheus.Histogram
	FetchDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "results_pipeline_runs_total",
				Help: "Pipeline runs by outcome",
			},
			[]string{"outcome"},
		),
		SkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "results_pipeline_skipped_total",
				Help: "Candidate experiments skipped by reason",
			},
			[]string{"reason"},
		),
		EntriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "results_pipeline_entries_total",
				Help: "Result entries assembled",
			},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "results_pipeline_run_duration_seconds",
				Help:    "Pipeline run duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
		),
		FetchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "results_pipeline_fetch_duration_seconds",
				Help:    "Artifact fetch duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
	}
}

func (m *Metrics) run(outcome Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(string(outcome)).Inc()
	m.RunDuration.Observe(seconds)
}

func (m *Metrics) skipped(reason SkipReason) {
	if m == nil {
		return
	}
	m.SkippedTotal.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) entries(n int) {
	if m == nil {
		return
	}
	m.EntriesTotal.Add(float64(n))
}

func (m *Metrics) fetched(seconds float64) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(seconds)
}
