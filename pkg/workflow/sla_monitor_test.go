package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
)

func newTestSLAMonitor(notifier Notifier, at time.Time) *SLAMonitor {
	m := NewSLAMonitor(DefaultSLAMonitorConfig(), notifier, NewTestMetrics(), logging.NewTestLogger())
	m.now = func() time.Time { return at }
	return m
}

func armedHumanStep(role Role, deadline time.Duration) *StepRecord {
	return &StepRecord{
		ID:          "step-sla",
		InstanceID:  "inst-1",
		Phase:       PhaseRequestForInformation,
		Name:        "provider_evidence_upload",
		Kind:        StepHuman,
		Role:        role,
		Status:      StepAwaitingSignal,
		SLADeadline: deadline,
	}
}

func TestSLAEscalationLaddersThroughChain(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	notifier := &recordingNotifier{}
	m := newTestSLAMonitor(notifier, base)

	step := armedHumanStep(RoleDataProvider, 24*time.Hour)
	m.Arm(step, func() bool { return step.Status == StepAwaitingSignal })

	// Before the deadline nothing fires.
	m.evaluate(context.Background(), base.Add(23*time.Hour))
	assert.Empty(t, m.Records(step.ID))

	// 1x deadline: level 1 to the role's first escalation target.
	m.evaluate(context.Background(), base.Add(24*time.Hour))
	recs := m.Records(step.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].Level)
	assert.Equal(t, RoleCDO, recs[0].TargetRole)

	// A second sweep in the same breach window is a no-op.
	m.evaluate(context.Background(), base.Add(25*time.Hour))
	assert.Len(t, m.Records(step.ID), 1)

	// 2x deadline: level 2.
	m.evaluate(context.Background(), base.Add(48*time.Hour))
	recs = m.Records(step.ID)
	require.Len(t, recs, 2)
	assert.Equal(t, 2, recs[1].Level)
	assert.Equal(t, RoleReportOwner, recs[1].TargetRole)

	// 3x deadline: level 3, the end of the chain.
	m.evaluate(context.Background(), base.Add(72*time.Hour))
	recs = m.Records(step.ID)
	require.Len(t, recs, 3)
	assert.Equal(t, 3, recs[2].Level)
	assert.Equal(t, RoleExecutive, recs[2].TargetRole)

	assert.Equal(t, 3, notifier.countOf(NotifyEscalation))
}

func TestSLALongGapFiresAllLevelsAscending(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m := newTestSLAMonitor(&recordingNotifier{}, base)

	step := armedHumanStep(RoleTester, time.Hour)
	m.Arm(step, func() bool { return true })

	// One sweep far past every threshold fires 1, 2, 3 in order.
	m.evaluate(context.Background(), base.Add(100*time.Hour))
	recs := m.Records(step.ID)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, i+1, rec.Level)
	}
	assert.Equal(t, RoleTestManager, recs[0].TargetRole)
	assert.Equal(t, RoleReportOwner, recs[1].TargetRole)
	assert.Equal(t, RoleExecutive, recs[2].TargetRole)
}

func TestSLAResolvedStepStopsEscalating(t *testing.T) {
	base := time.Now()
	m := newTestSLAMonitor(&recordingNotifier{}, base)

	step := armedHumanStep(RoleTester, time.Hour)
	m.Arm(step, func() bool { return step.Status == StepAwaitingSignal })

	step.Status = StepDone
	m.evaluate(context.Background(), base.Add(10*time.Hour))
	assert.Empty(t, m.Records(step.ID))
}

func TestSLACancelDisarms(t *testing.T) {
	base := time.Now()
	m := newTestSLAMonitor(&recordingNotifier{}, base)

	step := armedHumanStep(RoleTester, time.Hour)
	m.Arm(step, func() bool { return true })
	m.Cancel(step.ID)

	m.evaluate(context.Background(), base.Add(10*time.Hour))
	assert.Empty(t, m.Records(step.ID))
}

func TestSLAStepsWithoutDeadlineIgnored(t *testing.T) {
	base := time.Now()
	m := newTestSLAMonitor(&recordingNotifier{}, base)

	step := armedHumanStep(RoleTester, 0)
	m.Arm(step, func() bool { return true })

	m.evaluate(context.Background(), base.Add(1000*time.Hour))
	assert.Empty(t, m.Records(step.ID))
}

func TestSLAChainClampAndFallback(t *testing.T) {
	// ReportOwner has a single-entry chain: deeper levels clamp to its end.
	assert.Equal(t, RoleExecutive, escalationTarget(RoleReportOwner, 1))
	assert.Equal(t, RoleExecutive, escalationTarget(RoleReportOwner, 2))
	assert.Equal(t, RoleExecutive, escalationTarget(RoleReportOwner, 3))

	// CDO's two-entry chain clamps at level 3.
	assert.Equal(t, RoleReportOwner, escalationTarget(RoleCDO, 1))
	assert.Equal(t, RoleExecutive, escalationTarget(RoleCDO, 2))
	assert.Equal(t, RoleExecutive, escalationTarget(RoleCDO, 3))

	// Roles with no chain fall back to Admin.
	assert.Equal(t, RoleAdmin, escalationTarget(RoleExecutive, 1))
	assert.Equal(t, RoleAdmin, escalationTarget(Role("Unknown"), 2))
}

func TestSLAEscalationRecordsPersisted(t *testing.T) {
	base := time.Now()
	m := newTestSLAMonitor(&recordingNotifier{}, base)
	store := &capturingStore{}
	m.SetStore(store)

	step := armedHumanStep(RoleTester, time.Hour)
	m.Arm(step, func() bool { return true })
	m.evaluate(context.Background(), base.Add(2*time.Hour))

	require.Len(t, store.escalations, 1)
	assert.Equal(t, step.ID, store.escalations[0].StepID)
}

// capturingStore records saved escalations; other writes are dropped.
type capturingStore struct {
	NopStore
	escalations []*EscalationRecord
}

func (s *capturingStore) SaveEscalation(_ context.Context, rec *EscalationRecord) error {
	s.escalations = append(s.escalations, rec)
	return nil
}
