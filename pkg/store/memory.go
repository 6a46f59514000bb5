package store

import (
	"context"
	"sync"

	"github.com/evidentra/testcycle-orchestrator/pkg/workflow"
)

// MemoryStore keeps records in process, for tests and single-node local
// runs. Writes copy the record so callers keep mutating their own state
// freely.
type MemoryStore struct {
	mu          sync.RWMutex
	instances   map[string]workflow.WorkflowInstance
	phases      map[string]map[workflow.Phase]workflow.PhaseRecord
	steps       map[string]workflow.StepRecord
	escalations []workflow.EscalationRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]workflow.WorkflowInstance),
		phases:    make(map[string]map[workflow.Phase]workflow.PhaseRecord),
		steps:     make(map[string]workflow.StepRecord),
	}
}

func (m *MemoryStore) SaveInstance(_ context.Context, inst *workflow.WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID] = *inst
	return nil
}

func (m *MemoryStore) SavePhase(_ context.Context, rec *workflow.PhaseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byPhase, ok := m.phases[rec.InstanceID]
	if !ok {
		byPhase = make(map[workflow.Phase]workflow.PhaseRecord)
		m.phases[rec.InstanceID] = byPhase
	}
	// Stale versions never overwrite newer state.
	if prev, ok := byPhase[rec.Phase]; ok && prev.Version >= rec.Version {
		return nil
	}
	byPhase[rec.Phase] = *rec
	return nil
}

func (m *MemoryStore) SaveStep(_ context.Context, step *workflow.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[step.ID] = *step
	return nil
}

func (m *MemoryStore) SaveEscalation(_ context.Context, rec *workflow.EscalationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalations = append(m.escalations, *rec)
	return nil
}

// Instance returns a saved instance copy.
func (m *MemoryStore) Instance(id string) (workflow.WorkflowInstance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// Phase returns a saved phase copy.
func (m *MemoryStore) Phase(instanceID string, phase workflow.Phase) (workflow.PhaseRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.phases[instanceID][phase]
	return rec, ok
}

// Step returns a saved step copy.
func (m *MemoryStore) Step(id string) (workflow.StepRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.steps[id]
	return s, ok
}

// Escalations returns all saved escalation records.
func (m *MemoryStore) Escalations() []workflow.EscalationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]workflow.EscalationRecord, len(m.escalations))
	copy(out, m.escalations)
	return out
}
