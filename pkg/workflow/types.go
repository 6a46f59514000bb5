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
	"encoding/json"
	"time"
)

// Phase identifies one of the eight stages of a testing instance.
type Phase string

const (
	PhasePlanning              Phase = "Planning"
	PhaseScoping               Phase = "Scoping"
	PhaseSampleSelection       Phase = "SampleSelection"
	PhaseDataProviderID        Phase = "DataProviderID"
	PhaseRequestForInformation Phase = "RequestForInformation"
	PhaseTestExecution         Phase = "TestExecution"
	PhaseObservations          Phase = "Observations"
	PhaseTestReport            Phase = "TestReport"
)

// AllPhases returns the phases in workflow order. SampleSelection and
// DataProviderID occupy the same slot: they run as parallel branches.
func AllPhases() []Phase {
	return []Phase{
		PhasePlanning,
		PhaseScoping,
		PhaseSampleSelection,
		PhaseDataProviderID,
		PhaseRequestForInformation,
		PhaseTestExecution,
		PhaseObservations,
		PhaseTestReport,
	}
}

// PhaseStatus is the lifecycle state of one phase.
type PhaseStatus string

const (
	PhaseNotStarted      PhaseStatus = "NotStarted"
	PhaseInProgress      PhaseStatus = "InProgress"
	PhasePendingApproval PhaseStatus = "PendingApproval"
	PhaseBlocked         PhaseStatus = "Blocked"
	PhaseComplete        PhaseStatus = "Complete"
	PhaseSkipped         PhaseStatus = "Skipped"
)

// IsTerminal reports whether the status admits no further transitions.
func (s PhaseStatus) IsTerminal() bool {
	return s == PhaseComplete || s == PhaseSkipped
}

// PhaseEvent is an input to the phase state machine.
type PhaseEvent string

const (
	EventStart             PhaseEvent = "start"
	EventSubmitForApproval PhaseEvent = "submit_for_approval"
	EventApprove           PhaseEvent = "approve"
	EventReject            PhaseEvent = "reject"
	EventRequestRevision   PhaseEvent = "request_revision"
	EventBlock             PhaseEvent = "block"
	EventSkip              PhaseEvent = "skip"
)

// InstanceStatus is the overall state of a workflow instance.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "Running"
	InstanceCompleted InstanceStatus = "Completed"
	InstanceAborted   InstanceStatus = "Aborted"
)

// StepKind distinguishes automatic collaborator calls from human-gated work.
type StepKind string

const (
	StepAutomatic StepKind = "automatic"
	StepHuman     StepKind = "human"
)

// StepStatus is the lifecycle state of one step.
type StepStatus string

const (
	StepPending        StepStatus = "Pending"
	StepRunning        StepStatus = "Running"
	StepAwaitingSignal StepStatus = "AwaitingSignal"
	StepDone           StepStatus = "Done"
	StepFailed         StepStatus = "Failed"
	StepSkippedByAbort StepStatus = "SkippedByAbort"
)

// IsTerminal reports whether the step can no longer change state.
func (s StepStatus) IsTerminal() bool {
	return s == StepDone || s == StepFailed || s == StepSkippedByAbort
}

// Role identifies the actor group required to resolve a human step.
type Role string

const (
	RoleTester       Role = "Tester"
	RoleTestManager  Role = "TestManager"
	RoleReportOwner  Role = "ReportOwner"
	RoleDataProvider Role = "DataProvider"
	RoleCDO          Role = "CDO"
	RoleExecutive    Role = "Executive"
	RoleAdmin        Role = "Admin"
)

// Decision is the human verdict carried by a signal.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionRevise  Decision = "revise"
	DecisionCustom  Decision = "custom_payload"
)

// WorkflowInstance is one report under test inside one test cycle. Created
// when a tester starts testing on an assignment; removed only by archival.
type WorkflowInstance struct {
	ID           string         `json:"id"`
	CycleID      string         `json:"cycle_id"`
	ReportID     string         `json:"report_id"`
	Status       InstanceStatus `json:"status"`
	CurrentPhase Phase          `json:"current_phase"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// PhaseRecord is the per-phase state row. It is owned exclusively by the
// phase state machine; all mutation goes through Transition.
type PhaseRecord struct {
	InstanceID    string      `json:"instance_id"`
	Phase         Phase       `json:"phase"`
	Status        PhaseStatus `json:"status"`
	Version       int64       `json:"version"`
	RevisionCount int         `json:"revision_count"`
	PlannedStart  *time.Time  `json:"planned_start,omitempty"`
	PlannedEnd    *time.Time  `json:"planned_end,omitempty"`
	ActualStart   *time.Time  `json:"actual_start,omitempty"`
	ActualEnd     *time.Time  `json:"actual_end,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
}

// StepRecord is one unit of work inside a phase.
type StepRecord struct {
	ID         string     `json:"id"`
	InstanceID string     `json:"instance_id"`
	Phase      Phase      `json:"phase"`
	Name       string     `json:"name"`
	Kind       StepKind   `json:"kind"`
	Status     StepStatus `json:"status"`

	// Role required to resolve the step. Empty for automatic steps.
	Role Role `json:"role,omitempty"`

	// ApprovalRequired marks steps that must be Done before the phase can
	// be submitted for approval.
	ApprovalRequired bool `json:"approval_required"`

	// PhaseApproval marks the step that resolves the PendingApproval gate:
	// it parks once the phase is submitted and its decision maps directly
	// to the approve/reject/request_revision phase events.
	PhaseApproval bool `json:"phase_approval"`

	// Bookkeeping marks the phase's own start/complete records, excluded
	// from work-complete and progress calculations.
	Bookkeeping bool `json:"bookkeeping"`

	// Assignment marks the per-provider assignment work items under
	// DataProviderID; one resolved assignment makes the phase join-ready.
	Assignment bool `json:"assignment"`

	// Independent marks human steps that may resolve in any order relative
	// to their siblings before the phase's ordered tail continues.
	Independent bool `json:"independent"`

	// SLADeadline is the base deadline for escalation. Zero disables SLA
	// monitoring for the step.
	SLADeadline time.Duration `json:"sla_deadline,omitempty"`

	StartedAt     *time.Time      `json:"started_at,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy    string          `json:"resolved_by,omitempty"`
	Attempts      int             `json:"attempts"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// SignalRequest is the ephemeral value object carrying one human decision.
// It is consumed exactly once; it never outlives the audit trail.
type SignalRequest struct {
	InstanceID  string          `json:"instance_id"`
	StepID      string          `json:"step_id"`
	Decision    Decision        `json:"decision"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ActorID     string          `json:"actor_id"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// EscalationRecord is one (step, level) SLA breach. A level fires at most
// once per step.
type EscalationRecord struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	StepID     string    `json:"step_id"`
	Level      int       `json:"level"`
	FiredAt    time.Time `json:"fired_at"`
	TargetRole Role      `json:"target_role"`
}

// StepOutcome is the executor's report for one step run.
type StepOutcome struct {
	StepID  string          `json:"step_id"`
	Status  StepStatus      `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     error           `json:"-"`
}

// AwaitingAction describes the step currently blocking an instance, if any.
type AwaitingAction struct {
	StepID       string   `json:"step_id"`
	Name         string   `json:"name"`
	Kind         StepKind `json:"kind"`
	RoleRequired Role     `json:"role_required"`
}

// PhaseStatusEntry is one row of the status query response.
type PhaseStatusEntry struct {
	Phase         Phase       `json:"phase"`
	Status        PhaseStatus `json:"status"`
	RevisionCount int         `json:"revision_count"`
	FailureReason string      `json:"failure_reason,omitempty"`
}

// StatusSnapshot is the status query response shape.
type StatusSnapshot struct {
	InstanceID     string             `json:"instance_id"`
	Status         InstanceStatus     `json:"status"`
	CurrentPhase   Phase              `json:"current_phase"`
	PhaseStatuses  []PhaseStatusEntry `json:"phase_statuses"`
	AwaitingAction *AwaitingAction    `json:"awaiting_action"`
	Progress       float64            `json:"progress_percentage"`
}
