// Package metrics provides Prometheus metrics for the narration
// pipeline.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "narration"

var (
	// segmentsTotal counts segment conversion outcomes.
	segmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Total number of segment conversions by outcome",
		},
		[]string{"status"}, // status: success, failed
	)

	// providerRequestDuration is a histogram of synthesis call duration.
	providerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of speech-synthesis provider calls in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"status"}, // status: success, error
	)

	// credentialsQuarantined counts per-run credential quarantines.
	credentialsQuarantined = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_quarantined_total",
			Help:      "Total number of credentials quarantined for a run",
		},
	)

	// runsActive is a gauge of currently running conversion loops.
	runsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Number of currently active conversion runs",
		},
	)
)

// Register registers all pipeline metrics with the given registerer.
func Register(registerer prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		segmentsTotal,
		providerRequestDuration,
		credentialsQuarantined,
		runsActive,
	}

	for _, collector := range collectors {
		err := registerer.Register(collector)
		if err != nil {
			return fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return nil
}

// SegmentConverted records one segment conversion outcome.
func SegmentConverted(status string) {
	segmentsTotal.WithLabelValues(status).Inc()
}

// ObserveProviderRequest records one synthesis call's duration.
func ObserveProviderRequest(seconds float64, status string) {
	providerRequestDuration.WithLabelValues(status).Observe(seconds)
}

// CredentialQuarantined records one per-run quarantine.
func CredentialQuarantined() {
	credentialsQuarantined.Inc()
}

// RunStarted marks a conversion run as active.
func RunStarted() {
	runsActive.Inc()
}

// RunFinished marks a conversion run as finished.
func RunFinished() {
	runsActive.Dec()
}
