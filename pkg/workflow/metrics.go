/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the orchestration core's metric set.
type Metrics struct {
	PhaseTransitions  *prometheus.CounterVec
	TransitionErrors  *prometheus.CounterVec
	ActiveInstances   prometheus.Gauge
	StepsResolved     *prometheus.CounterVec
	StepRetries       *prometheus.CounterVec
	SignalsDelivered  *prometheus.CounterVec
	EscalationsFired  *prometheus.CounterVec
	CompensationsRun  *prometheus.CounterVec
	StepWaitDuration  *prometheus.HistogramVec
	PhaseDuration     *prometheus.HistogramVec
	ArmedSLASteps     prometheus.Gauge
	InstancesAborted  prometheus.Counter
	InstancesFinished prometheus.Counter
}

// NewMetrics builds and registers the metric set on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_phase_transitions_total",
			Help: "Total number of accepted phase transitions",
		}, []string{"phase", "event"}),

		TransitionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_transition_errors_total",
			Help: "Total number of rejected phase transitions",
		}, []string{"phase", "error_type"}),

		ActiveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workflow_active_instances",
			Help: "Number of running workflow instances",
		}),

		StepsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_steps_resolved_total",
			Help: "Total number of steps reaching a terminal status",
		}, []string{"phase", "kind", "status"}),

		StepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_step_retries_total",
			Help: "Total number of automatic step retry attempts",
		}, []string{"phase", "step"}),

		SignalsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_signals_total",
			Help: "Total number of signals by delivery outcome",
		}, []string{"outcome"}),

		EscalationsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_sla_escalations_total",
			Help: "Total number of SLA escalations fired",
		}, []string{"level", "target_role"}),

		CompensationsRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_compensations_total",
			Help: "Total number of compensation handler runs",
		}, []string{"phase", "strategy"}),

		StepWaitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workflow_step_wait_seconds",
			Help:    "Time human steps spend awaiting a signal",
			Buckets: prometheus.ExponentialBuckets(60, 4, 10),
		}, []string{"phase", "step"}),

		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workflow_phase_duration_seconds",
			Help:    "Wall time from phase start to completion",
			Buckets: prometheus.ExponentialBuckets(300, 3, 10),
		}, []string{"phase"}),

		ArmedSLASteps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workflow_sla_armed_steps",
			Help: "Number of steps currently under SLA monitoring",
		}),

		InstancesAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_instances_aborted_total",
			Help: "Total number of aborted instances",
		}),

		InstancesFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_instances_completed_total",
			Help: "Total number of instances reaching business completion",
		}),
	}

	reg.MustRegister(
		m.PhaseTransitions,
		m.TransitionErrors,
		m.ActiveInstances,
		m.StepsResolved,
		m.StepRetries,
		m.SignalsDelivered,
		m.EscalationsFired,
		m.CompensationsRun,
		m.StepWaitDuration,
		m.PhaseDuration,
		m.ArmedSLASteps,
		m.InstancesAborted,
		m.InstancesFinished,
	)

	return m
}

// NewTestMetrics builds an unshared metric set for tests.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
