package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes stage telemetry as Prometheus metrics.
type Recorder struct {
	stagesTotal   *prometheus.CounterVec
	tokensTotal   *prometheus.CounterVec
	costsTotal    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

// NewRecorder registers the stage metrics with the given registerer.
// Pass prometheus.DefaultRegisterer for the default registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		stagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_stages_total",
				Help: "Total number of pipeline stage executions by stage and status",
			},
			[]string{"stage", "status"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tokens_total",
				Help: "Estimated tokens in the run state after each stage",
			},
			[]string{"stage"},
		),
		costsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_cost_usd_total",
				Help: "Estimated cost in USD attributed to each stage",
			},
			[]string{"stage"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_stage_duration_seconds",
				Help:    "Wall-clock duration of pipeline stages in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
	}
}

// ObserveStage records one completed stage execution.
func (r *Recorder) ObserveStage(s Sample) {
	status := "success"
	if !s.Success {
		status = "error"
	}
	r.stagesTotal.WithLabelValues(s.Stage, status).Inc()
	r.tokensTotal.WithLabelValues(s.Stage).Add(float64(s.Tokens))
	r.costsTotal.WithLabelValues(s.Stage).Add(s.CostEstimateUSD)
	r.stageDuration.WithLabelValues(s.Stage).Observe(s.LatencyS)
}
