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
	"time"

	"github.com/evidentra/testcycle-orchestrator/pkg/errors"
	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
)

const smComponent = "phase-state-machine"

// TransitionRequest carries one event against a phase record. The expected
// version is the caller's snapshot; a stale value is rejected with
// ConcurrencyConflict and no state change.
type TransitionRequest struct {
	Event           PhaseEvent
	ExpectedVersion int64
	Reason          string
	Now             time.Time
}

// StateMachine owns every PhaseRecord mutation. Transitions are single-writer
// per phase by construction: only the instance's coordinator goroutine calls
// Transition, so the version check defends against stale external snapshots
// rather than racing writers.
type StateMachine struct {
	// Allowed source statuses per event.
	validSources map[PhaseEvent][]PhaseStatus

	logger *logging.StructuredLogger
}

// NewStateMachine creates a state machine with the standard transition rules.
func NewStateMachine(logger *logging.StructuredLogger) *StateMachine {
	sm := &StateMachine{
		validSources: make(map[PhaseEvent][]PhaseStatus),
		logger:       logger.WithComponent(smComponent),
	}
	sm.initializeTransitions()
	return sm
}

// initializeTransitions sets up the state transition rules.
func (sm *StateMachine) initializeTransitions() {
	sm.validSources[EventStart] = []PhaseStatus{PhaseNotStarted}
	sm.validSources[EventSubmitForApproval] = []PhaseStatus{PhaseInProgress}
	sm.validSources[EventApprove] = []PhaseStatus{PhasePendingApproval}
	sm.validSources[EventReject] = []PhaseStatus{PhasePendingApproval}
	sm.validSources[EventRequestRevision] = []PhaseStatus{PhasePendingApproval}
	sm.validSources[EventBlock] = []PhaseStatus{PhaseInProgress, PhasePendingApproval}
	// Administrative override: any non-terminal status may be skipped.
	sm.validSources[EventSkip] = []PhaseStatus{
		PhaseNotStarted, PhaseInProgress, PhasePendingApproval, PhaseBlocked,
	}
}

// CanTransition reports whether the event is acceptable from the given status.
func (sm *StateMachine) CanTransition(from PhaseStatus, event PhaseEvent) bool {
	for _, s := range sm.validSources[event] {
		if s == from {
			return true
		}
	}
	return false
}

// TargetStatus returns the status the event produces.
func (sm *StateMachine) TargetStatus(event PhaseEvent) PhaseStatus {
	switch event {
	case EventStart:
		return PhaseInProgress
	case EventSubmitForApproval:
		return PhasePendingApproval
	case EventApprove:
		return PhaseComplete
	case EventReject, EventRequestRevision:
		return PhaseInProgress
	case EventBlock:
		return PhaseBlocked
	case EventSkip:
		return PhaseSkipped
	}
	return ""
}

// Transition applies one event to a phase record. steps is the phase's
// materialized step list; it gates submit_for_approval and is reset by the
// revision loop. On success the record's version has increased by exactly one.
func (sm *StateMachine) Transition(rec *PhaseRecord, steps []*StepRecord, req TransitionRequest) error {
	if req.ExpectedVersion != rec.Version {
		return errors.NewConcurrencyConflict(smComponent, string(req.Event), req.ExpectedVersion, rec.Version).
			WithInstance(rec.InstanceID)
	}

	if !sm.CanTransition(rec.Status, req.Event) {
		return errors.NewValidation(smComponent, string(req.Event),
			"invalid transition from "+string(rec.Status)).
			WithInstance(rec.InstanceID)
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	from := rec.Status

	switch req.Event {
	case EventStart:
		rec.ActualStart = &now

	case EventSubmitForApproval:
		if !approvalStepsDone(steps) {
			return errors.NewValidation(smComponent, string(req.Event),
				"approval-required steps are not all done").
				WithInstance(rec.InstanceID)
		}

	case EventApprove:
		rec.ActualEnd = &now

	case EventReject, EventRequestRevision:
		// Revision loop: the only sanctioned status regression.
		rec.RevisionCount++
		resetApprovalSteps(steps)

	case EventBlock:
		rec.FailureReason = req.Reason

	case EventSkip:
		rec.ActualEnd = &now
		rec.FailureReason = req.Reason
	}

	rec.Status = sm.TargetStatus(req.Event)
	rec.Version++

	sm.logger.PhaseTransition(rec.InstanceID, string(rec.Phase), string(from), string(rec.Status), rec.Version)
	return nil
}

// approvalStepsDone reports whether every approval-required step is Done.
func approvalStepsDone(steps []*StepRecord) bool {
	for _, s := range steps {
		if s.ApprovalRequired && s.Status != StepDone {
			return false
		}
	}
	return true
}

// resetApprovalSteps returns approval-required steps and the phase-approval
// step to Pending so the revision round redoes them. This clear is the one
// sanctioned exception to step monotonicity, paired with the
// PendingApproval -> InProgress regression. Other resolved work is untouched.
func resetApprovalSteps(steps []*StepRecord) {
	for _, s := range steps {
		if s.ApprovalRequired || s.PhaseApproval {
			s.Status = StepPending
			s.ResolvedAt = nil
			s.ResolvedBy = ""
		}
	}
}

// WorkComplete reports whether all non-bookkeeping steps have reached Done.
func WorkComplete(steps []*StepRecord) bool {
	for _, s := range steps {
		if s.Bookkeeping {
			continue
		}
		if s.Status != StepDone {
			return false
		}
	}
	return true
}
