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
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
)

const slaComponent = "sla-monitor"

// maxEscalationLevel is the deepest escalation tier; arming schedules
// breaches at deadline x1, x2 and x3.
const maxEscalationLevel = 3

// escalationChains maps the role owning a late step to its escalation
// targets by level. Levels past the chain end clamp to the last target.
var escalationChains = map[Role][]Role{
	RoleDataProvider: {RoleCDO, RoleReportOwner, RoleExecutive},
	RoleTester:       {RoleTestManager, RoleReportOwner, RoleExecutive},
	RoleCDO:          {RoleReportOwner, RoleExecutive},
	RoleTestManager:  {RoleReportOwner, RoleExecutive},
	RoleReportOwner:  {RoleExecutive},
}

// armedStep tracks one AwaitingSignal step under SLA monitoring. Only
// immutable step fields are copied in; liveness is checked through the
// stillWaiting closure, which reads status under the owning instance lock.
type armedStep struct {
	stepID       string
	instanceID   string
	stepName     string
	role         Role
	armedAt      time.Time
	base         time.Duration
	stillWaiting func() bool
	fired        [maxEscalationLevel + 1]bool
}

// SLAMonitorConfig tunes the breach sweep.
type SLAMonitorConfig struct {
	EvaluationInterval time.Duration
}

// DefaultSLAMonitorConfig returns the standard sweep interval.
func DefaultSLAMonitorConfig() SLAMonitorConfig {
	return SLAMonitorConfig{EvaluationInterval: time.Minute}
}

// SLAMonitor races against every parked human step. A breach fires an
// escalation event and nothing else: the step keeps waiting, because human
// lateness is a process signal, not a correctness failure. Escalation
// delivery is at-least-once downstream, so at-most-once per (step, level)
// is enforced here.
type SLAMonitor struct {
	config   SLAMonitorConfig
	notifier Notifier
	metrics  *Metrics
	logger   *logging.StructuredLogger

	mu      sync.Mutex
	armed   map[string]*armedStep
	records map[string][]*EscalationRecord // step ID -> fired records
	started bool
	stopCh  chan struct{}

	// store, when set, receives every fired escalation record.
	store Store

	// now is the clock hook, injectable in tests.
	now func() time.Time
}

// SetStore attaches durable escalation persistence.
func (m *SLAMonitor) SetStore(store Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

// NewSLAMonitor creates an SLA monitor.
func NewSLAMonitor(config SLAMonitorConfig, notifier Notifier, metrics *Metrics, logger *logging.StructuredLogger) *SLAMonitor {
	return &SLAMonitor{
		config:   config,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.WithComponent(slaComponent),
		armed:    make(map[string]*armedStep),
		records:  make(map[string][]*EscalationRecord),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the periodic breach sweep.
func (m *SLAMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("sla monitor already started")
	}
	m.started = true
	go m.evaluationLoop(ctx, m.stopCh)
	return nil
}

// Stop halts the sweep. Armed entries are retained so a restart resumes
// monitoring without re-arming.
func (m *SLAMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	close(m.stopCh)
	m.stopCh = make(chan struct{})
}

// Arm places a parked step under monitoring. Steps without a declared
// deadline are ignored. stillWaiting must report, under the owning instance
// lock, whether the step is still AwaitingSignal.
func (m *SLAMonitor) Arm(step *StepRecord, stillWaiting func() bool) {
	if step.SLADeadline <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.armed[step.ID]; exists {
		return
	}
	m.armed[step.ID] = &armedStep{
		stepID:       step.ID,
		instanceID:   step.InstanceID,
		stepName:     step.Name,
		role:         step.Role,
		armedAt:      m.now(),
		base:         step.SLADeadline,
		stillWaiting: stillWaiting,
	}
	m.metrics.ArmedSLASteps.Inc()
}

// Cancel stops monitoring a step the instant it resolves, whichever levels
// are still pending. Fired escalation records are kept for audit.
func (m *SLAMonitor) Cancel(stepID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.armed[stepID]; exists {
		delete(m.armed, stepID)
		m.metrics.ArmedSLASteps.Dec()
	}
}

// Records returns the escalation records fired for a step.
func (m *SLAMonitor) Records(stepID string) []*EscalationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*EscalationRecord, len(m.records[stepID]))
	copy(out, m.records[stepID])
	return out
}

func (m *SLAMonitor) evaluationLoop(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(m.config.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.evaluate(ctx, m.now())
		}
	}
}

// evaluate sweeps armed steps and fires any breached levels in ascending
// order: level 2 can never fire before level 1 has. A level fires at most
// once per step; a duplicate tick inside the same breach window is a no-op.
func (m *SLAMonitor) evaluate(ctx context.Context, now time.Time) {
	type firing struct {
		rec      *EscalationRecord
		stepName string
	}
	var firings []firing

	m.mu.Lock()
	for _, a := range m.armed {
		if a.stillWaiting != nil && !a.stillWaiting() {
			continue
		}
		elapsed := now.Sub(a.armedAt)
		for level := 1; level <= maxEscalationLevel; level++ {
			if a.fired[level] {
				continue
			}
			if elapsed < time.Duration(level)*a.base {
				break
			}
			a.fired[level] = true
			rec := &EscalationRecord{
				ID:         uuid.New().String(),
				InstanceID: a.instanceID,
				StepID:     a.stepID,
				Level:      level,
				FiredAt:    now,
				TargetRole: escalationTarget(a.role, level),
			}
			m.records[a.stepID] = append(m.records[a.stepID], rec)
			firings = append(firings, firing{rec: rec, stepName: a.stepName})
		}
	}
	store := m.store
	m.mu.Unlock()

	// Notify outside the lock; the notifier is fire-and-forget and the
	// downstream end-of-day digest batching is not the core's concern.
	for _, f := range firings {
		if store != nil {
			if err := store.SaveEscalation(ctx, f.rec); err != nil {
				m.logger.ErrorWithContext("escalation persist failed", err, "step_id", f.rec.StepID)
			}
		}
		m.metrics.EscalationsFired.WithLabelValues(strconv.Itoa(f.rec.Level), string(f.rec.TargetRole)).Inc()
		m.logger.WarnWithContext("sla escalation fired",
			"instance_id", f.rec.InstanceID,
			"step_id", f.rec.StepID,
			"step", f.stepName,
			"level", f.rec.Level,
			"target_role", string(f.rec.TargetRole),
		)
		m.notifier.Emit(ctx, NotifyEscalation, []Role{f.rec.TargetRole}, map[string]interface{}{
			"escalation_id": f.rec.ID,
			"instance_id":   f.rec.InstanceID,
			"step_id":       f.rec.StepID,
			"step_name":     f.stepName,
			"level":         f.rec.Level,
			"fired_at":      f.rec.FiredAt,
		})
	}
}

// escalationTarget resolves the role notified at a given level.
func escalationTarget(owner Role, level int) Role {
	chain, ok := escalationChains[owner]
	if !ok || len(chain) == 0 {
		return RoleAdmin
	}
	if level > len(chain) {
		return chain[len(chain)-1]
	}
	return chain[level-1]
}
