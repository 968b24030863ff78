// Package metrics exposes training loop observability through Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector gathers loop counters and per-step measurements. It satisfies
// the trainer's collector contract.
type Collector struct {
	stepsTotal       prometheus.Counter
	checkpointsTotal prometheus.Counter
	validationsTotal prometheus.Counter

	stepDuration prometheus.Histogram

	lastCheckpoint prometheus.Gauge
	currentLoss    *prometheus.GaugeVec
	trainerState   *prometheus.GaugeVec
}

// NewCollector builds a Collector and registers its metrics with the given
// registerer. Passing prometheus.DefaultRegisterer wires the process-wide
// registry; tests pass their own.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		stepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trainloop_steps_total",
			Help: "Total number of completed training steps",
		}),
		checkpointsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trainloop_checkpoints_total",
			Help: "Total number of checkpoints saved",
		}),
		validationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "trainloop_validations_total",
			Help: "Total number of validation passes",
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trainloop_step_duration_seconds",
			Help:    "Training step latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		lastCheckpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trainloop_last_checkpoint_iteration",
			Help: "Iteration of the most recent checkpoint",
		}),
		currentLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trainloop_loss",
			Help: "Most recent per-step loss value",
		}, []string{"loss"}),
		trainerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trainloop_state",
			Help: "Trainer lifecycle state (1 for the active state)",
		}, []string{"state"}),
	}

	reg.MustRegister(
		c.stepsTotal,
		c.checkpointsTotal,
		c.validationsTotal,
		c.stepDuration,
		c.lastCheckpoint,
		c.currentLoss,
		c.trainerState,
	)
	return c
}

// ObserveStep records one completed step with its duration and losses.
func (c *Collector) ObserveStep(d time.Duration, losses map[string]float64) {
	c.stepsTotal.Inc()
	c.stepDuration.Observe(d.Seconds())
	for name, v := range losses {
		c.currentLoss.WithLabelValues(name).Set(v)
	}
}

// CheckpointSaved records a checkpoint at the given iteration.
func (c *Collector) CheckpointSaved(iteration int) {
	c.checkpointsTotal.Inc()
	c.lastCheckpoint.Set(float64(iteration))
}

// ValidationRun records one completed validation pass.
func (c *Collector) ValidationRun() {
	c.validationsTotal.Inc()
}

// SetState marks the given lifecycle state active and clears the others.
func (c *Collector) SetState(state string) {
	c.trainerState.Reset()
	c.trainerState.WithLabelValues(state).Set(1)
}
