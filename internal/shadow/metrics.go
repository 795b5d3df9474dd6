package shadow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// comparisonsTotal counts finished comparisons by result.
	// Labels: result (match, mismatch, regression, improvement)
	comparisonsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "shadow",
		Name:      "comparisons_total",
		Help:      "Shadow comparisons by result",
	}, []string{"result"})

	// candidateFailuresTotal counts candidate runs that errored, panicked
	// or timed out.
	candidateFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "shadow",
		Name:      "candidate_failures_total",
		Help:      "Candidate runs that failed",
	})

	// latencySeconds measures each side's turn latency.
	// Labels: side (production, candidate)
	latencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "warden",
		Subsystem: "shadow",
		Name:      "latency_seconds",
		Help:      "Turn latency per shadow side",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"side"})
)

func observeComparison(c Comparison) {
	latencySeconds.WithLabelValues("production").Observe(c.Production.Latency.Seconds())
	latencySeconds.WithLabelValues("candidate").Observe(c.Candidate.Latency.Seconds())
	if !c.Candidate.Success {
		candidateFailuresTotal.Inc()
	}
	switch {
	case c.Regression:
		comparisonsTotal.WithLabelValues("regression").Inc()
	case c.Improvement:
		comparisonsTotal.WithLabelValues("improvement").Inc()
	case c.Match():
		comparisonsTotal.WithLabelValues("match").Inc()
	default:
		comparisonsTotal.WithLabelValues("mismatch").Inc()
	}
}
