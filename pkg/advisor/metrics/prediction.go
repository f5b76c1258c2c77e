package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/theroutercompany/crop_advisor/internal/artifact"
)

// Predictions records prediction outcomes, inference latency, and artifact
// availability. A nil *Predictions is a no-op.
type Predictions struct {
	outcomes  *prometheus.CounterVec
	crops     *prometheus.CounterVec
	latency   prometheus.Histogram
	artifacts *prometheus.GaugeVec
}

// NewPredictions registers the prediction collectors on reg. It returns nil
// when reg is nil.
func NewPredictions(reg *Registry) *Predictions {
	if reg == nil {
		return nil
	}
	ns := reg.Namespace()

	p := &Predictions{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "predictions_total",
			Help:      "Prediction requests by outcome.",
		}, []string{"outcome"}),
		crops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "recommended_crops_total",
			Help:      "Successful recommendations by crop.",
		}, []string{"crop"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "inference_duration_seconds",
			Help:      "Time spent decoding and running a prediction.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		artifacts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "artifact_loaded",
			Help:      "Whether an artifact slot is loaded (1) or empty (0).",
		}, []string{"slot"}),
	}

	reg.MustRegister(p.outcomes, p.crops, p.latency, p.artifacts)
	return p
}

// Observe records one prediction. crop is ignored unless outcome is "success".
func (p *Predictions) Observe(outcome, crop string, elapsed time.Duration) {
	if p == nil {
		return
	}
	p.outcomes.WithLabelValues(outcome).Inc()
	if outcome == "success" && crop != "" {
		p.crops.WithLabelValues(crop).Inc()
	}
	p.latency.Observe(elapsed.Seconds())
}

// SetArtifacts publishes the load state of each slot.
func (p *Predictions) SetArtifacts(statuses []artifact.SlotStatus) {
	if p == nil {
		return
	}
	for _, st := range statuses {
		value := 0.0
		if st.Loaded {
			value = 1
		}
		p.artifacts.WithLabelValues(st.Name).Set(value)
	}
}
