package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidentra/testcycle-orchestrator/pkg/errors"
	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
)

func newPhaseFixture(approvalDone bool) (*PhaseRecord, []*StepRecord) {
	rec := &PhaseRecord{
		InstanceID: "inst-1",
		Phase:      PhaseScoping,
		Status:     PhaseNotStarted,
	}
	status := StepPending
	if approvalDone {
		status = StepDone
	}
	steps := []*StepRecord{
		{ID: "s1", Name: "start_phase", Kind: StepAutomatic, Bookkeeping: true, Status: StepDone},
		{ID: "s2", Name: "generate_recommendations", Kind: StepAutomatic, Status: StepDone},
		{ID: "s3", Name: "tester_scoping_review", Kind: StepHuman, Role: RoleTester, ApprovalRequired: true, Status: status},
		{ID: "s4", Name: "owner_scoping_approval", Kind: StepHuman, Role: RoleReportOwner, PhaseApproval: true, Status: status},
	}
	return rec, steps
}

func apply(t *testing.T, sm *StateMachine, rec *PhaseRecord, steps []*StepRecord, event PhaseEvent) {
	t.Helper()
	err := sm.Transition(rec, steps, TransitionRequest{Event: event, ExpectedVersion: rec.Version})
	require.NoError(t, err)
}

func TestStateMachineHappyPath(t *testing.T) {
	sm := NewStateMachine(logging.NewTestLogger())
	rec, steps := newPhaseFixture(true)

	apply(t, sm, rec, steps, EventStart)
	assert.Equal(t, PhaseInProgress, rec.Status)
	assert.NotNil(t, rec.ActualStart)
	assert.Equal(t, int64(1), rec.Version)

	apply(t, sm, rec, steps, EventSubmitForApproval)
	assert.Equal(t, PhasePendingApproval, rec.Status)
	assert.Equal(t, int64(2), rec.Version)

	apply(t, sm, rec, steps, EventApprove)
	assert.Equal(t, PhaseComplete, rec.Status)
	assert.NotNil(t, rec.ActualEnd)
	assert.Equal(t, int64(3), rec.Version)
	assert.Equal(t, 0, rec.RevisionCount)
}

func TestStateMachineVersionIncreasesByOnePerTransition(t *testing.T) {
	sm := NewStateMachine(logging.NewTestLogger())
	rec, steps := newPhaseFixture(true)

	for i, event := range []PhaseEvent{EventStart, EventSubmitForApproval, EventApprove} {
		before := rec.Version
		apply(t, sm, rec, steps, event)
		assert.Equal(t, before+1, rec.Version, "transition %d", i)
	}
}

func TestStateMachineStaleVersionRejected(t *testing.T) {
	sm := NewStateMachine(logging.NewTestLogger())
	rec, steps := newPhaseFixture(true)
	apply(t, sm, rec, steps, EventStart)

	err := sm.Transition(rec, steps, TransitionRequest{Event: EventSubmitForApproval, ExpectedVersion: 0})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConcurrency))

	// No state change on conflict.
	assert.Equal(t, PhaseInProgress, rec.Status)
	assert.Equal(t, int64(1), rec.Version)
}

func TestStateMachineInvalidTransitionRejected(t *testing.T) {
	sm := NewStateMachine(logging.NewTestLogger())
	rec, steps := newPhaseFixture(true)
	apply(t, sm, rec, steps, EventStart)

	err := sm.Transition(rec, steps, TransitionRequest{Event: EventApprove, ExpectedVersion: rec.Version})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Equal(t, PhaseInProgress, rec.Status)
}

func TestStateMachineSubmitGatedOnApprovalSteps(t *testing.T) {
	sm := NewStateMachine(logging.NewTestLogger())
	rec, steps := newPhaseFixture(false)
	apply(t, sm, rec, steps, EventStart)

	err := sm.Transition(rec, steps, TransitionRequest{Event: EventSubmitForApproval, ExpectedVersion: rec.Version})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Equal(t, PhaseInProgress, rec.Status)

	steps[2].Status = StepDone
	steps[3].Status = StepDone
	apply(t, sm, rec, steps, EventSubmitForApproval)
	assert.Equal(t, PhasePendingApproval, rec.Status)
}

func TestStateMachineRejectResetsApprovalSteps(t *testing.T) {
	sm := NewStateMachine(logging.NewTestLogger())
	rec, steps := newPhaseFixture(true)
	now := time.Now()
	steps[2].ResolvedAt = &now
	steps[2].ResolvedBy = "tester-1"

	apply(t, sm, rec, steps, EventStart)
	apply(t, sm, rec, steps, EventSubmitForApproval)
	apply(t, sm, rec, steps, EventReject)

	assert.Equal(t, PhaseInProgress, rec.Status)
	assert.Equal(t, 1, rec.RevisionCount)
	assert.Equal(t, StepPending, steps[2].Status)
	assert.Nil(t, steps[2].ResolvedAt)
	assert.Empty(t, steps[2].ResolvedBy)
	assert.Equal(t, StepPending, steps[3].Status)
	// Non-approval work is untouched.
	assert.Equal(t, StepDone, steps[1].Status)
}

func TestStateMachineRevisionLoopCycles(t *testing.T) {
	sm := NewStateMachine(logging.NewTestLogger())
	rec, steps := newPhaseFixture(true)
	apply(t, sm, rec, steps, EventStart)

	for round := 1; round <= 2; round++ {
		steps[2].Status = StepDone
		steps[3].Status = StepDone
		apply(t, sm, rec, steps, EventSubmitForApproval)
		apply(t, sm, rec, steps, EventRequestRevision)
		assert.Equal(t, round, rec.RevisionCount)
		assert.Equal(t, PhaseInProgress, rec.Status)
	}

	steps[2].Status = StepDone
	steps[3].Status = StepDone
	apply(t, sm, rec, steps, EventSubmitForApproval)
	apply(t, sm, rec, steps, EventApprove)
	assert.Equal(t, PhaseComplete, rec.Status)
	assert.Equal(t, 2, rec.RevisionCount)
}

func TestStateMachineBlockFromInProgress(t *testing.T) {
	sm := NewStateMachine(logging.NewTestLogger())
	rec, steps := newPhaseFixture(true)
	apply(t, sm, rec, steps, EventStart)

	err := sm.Transition(rec, steps, TransitionRequest{
		Event:           EventBlock,
		ExpectedVersion: rec.Version,
		Reason:          "collaborator exhausted retries",
	})
	require.NoError(t, err)
	assert.Equal(t, PhaseBlocked, rec.Status)
	assert.Equal(t, "collaborator exhausted retries", rec.FailureReason)
}

func TestStateMachineSkipFromAnyNonTerminal(t *testing.T) {
	sm := NewStateMachine(logging.NewTestLogger())

	for _, from := range []PhaseStatus{PhaseNotStarted, PhaseInProgress, PhasePendingApproval, PhaseBlocked} {
		rec := &PhaseRecord{InstanceID: "inst-1", Phase: PhaseScoping, Status: from, Version: 5}
		err := sm.Transition(rec, nil, TransitionRequest{Event: EventSkip, ExpectedVersion: 5, Reason: "admin override"})
		require.NoError(t, err, "from %s", from)
		assert.Equal(t, PhaseSkipped, rec.Status)
		assert.Equal(t, int64(6), rec.Version)
	}

	for _, from := range []PhaseStatus{PhaseComplete, PhaseSkipped} {
		rec := &PhaseRecord{InstanceID: "inst-1", Phase: PhaseScoping, Status: from}
		err := sm.Transition(rec, nil, TransitionRequest{Event: EventSkip})
		require.Error(t, err, "from %s", from)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	}
}

func TestWorkComplete(t *testing.T) {
	_, steps := newPhaseFixture(true)
	assert.True(t, WorkComplete(steps))

	steps[2].Status = StepPending
	assert.False(t, WorkComplete(steps))

	// Bookkeeping never counts.
	steps[2].Status = StepDone
	steps[0].Status = StepPending
	assert.True(t, WorkComplete(steps))
}
