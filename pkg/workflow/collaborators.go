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
	"encoding/json"
)

// StepContext is the slice of instance state a collaborator call sees.
type StepContext struct {
	InstanceID string          `json:"instance_id"`
	Phase      Phase           `json:"phase"`
	StepID     string          `json:"step_id"`
	StepName   string          `json:"step_name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Invoker is the contract for the LLM/document/database collaborators that
// back automatic steps. The core only needs success/failure plus an opaque
// payload; collaborator internals are out of scope here.
type Invoker interface {
	Invoke(ctx context.Context, sc StepContext) (json.RawMessage, error)
}

// Undoer is optionally implemented by an Invoker whose side effects can be
// reversed. Compensation probes for it; absence means the step's effects
// stand and only the operator alert goes out.
type Undoer interface {
	Undo(ctx context.Context, sc StepContext) error
}

// Notifier is the notification collaborator: fire-and-forget, at-least-once.
// Escalation idempotency is therefore the core's responsibility.
type Notifier interface {
	Emit(ctx context.Context, eventType string, recipients []Role, payload interface{})
}

// Authorizer is the capability-check seam. The core depends only on this
// boolean predicate; RBAC logic lives behind it.
type Authorizer interface {
	MayResolve(ctx context.Context, actorID string, step *StepRecord) bool
}

// Notification event types emitted by the core.
const (
	NotifyEscalation    = "sla.escalation"
	NotifyOperatorAlert = "workflow.operator_alert"
	NotifyPhaseComplete = "workflow.phase_complete"
	NotifyInstanceDone  = "workflow.instance_complete"
	NotifyInstanceAbort = "workflow.instance_aborted"
)
