package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for workflow execution.
//
// Metrics exposed (all namespaced "agentflow_flow_"):
//
//   - steps_total (counter): executed steps, labelled by workflow,
//     step type, and outcome.
//   - step_duration_ms (histogram): step execution time by workflow
//     and step type.
//   - retries_total (counter): action retries by workflow and step.
//   - interrupts_total (counter): human suspensions by workflow.
//   - instances_total (counter): instance terminations and
//     cancellations by workflow and final status.
type Metrics struct {
	steps      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	retries    *prometheus.CounterVec
	interrupts *prometheus.CounterVec
	instances  *prometheus.CounterVec

	enabled bool
}

// NewMetrics creates and registers the workflow metrics with the
// given registry. A nil registry uses the global default.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}
	m.steps = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "flow",
		Name:      "steps_total",
		Help:      "Executed workflow steps, by workflow, type, and outcome",
	}, []string{"workflow", "step_type", "outcome"})
	m.duration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentflow",
		Subsystem: "flow",
		Name:      "step_duration_ms",
		Help:      "Step execution time in milliseconds",
		Buckets:   []float64{5, 25, 100, 500, 2500, 10000, 60000},
	}, []string{"workflow", "step_type"})
	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "flow",
		Name:      "retries_total",
		Help:      "Action step retries, by workflow and step",
	}, []string{"workflow", "step"})
	m.interrupts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "flow",
		Name:      "interrupts_total",
		Help:      "Human-in-the-loop suspensions, by workflow",
	}, []string{"workflow"})
	m.instances = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Subsystem: "flow",
		Name:      "instances_total",
		Help:      "Instances reaching a final status, by workflow",
	}, []string{"workflow", "status"})
	return m
}

// RecordStep counts one executed step and its duration.
func (m *Metrics) RecordStep(workflow string, stepType StepType, outcome string, elapsed time.Duration) {
	if m == nil || !m.enabled {
		return
	}
	m.steps.WithLabelValues(workflow, string(stepType), outcome).Inc()
	m.duration.WithLabelValues(workflow, string(stepType)).Observe(float64(elapsed.Milliseconds()))
}

// RecordRetry counts one action retry.
func (m *Metrics) RecordRetry(workflow, step string) {
	if m == nil || !m.enabled {
		return
	}
	m.retries.WithLabelValues(workflow, step).Inc()
}

// RecordInterrupt counts one human suspension.
func (m *Metrics) RecordInterrupt(workflow string) {
	if m == nil || !m.enabled {
		return
	}
	m.interrupts.WithLabelValues(workflow).Inc()
}

// RecordInstance counts one instance reaching a final status.
func (m *Metrics) RecordInstance(workflow string, status Status) {
	if m == nil || !m.enabled {
		return
	}
	m.instances.WithLabelValues(workflow, string(status)).Inc()
}

// Disable stops metric recording (useful for tests).
func (m *Metrics) Disable() { m.enabled = false }
