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

import "context"

// Store is the persistence seam for workflow state. The schema is owned
// externally; the core only reads and writes the record shapes. Saves are
// best-effort from the coordinator's perspective: a failed write is logged,
// the in-memory state machine remains authoritative for the live instance.
type Store interface {
	SaveInstance(ctx context.Context, inst *WorkflowInstance) error
	SavePhase(ctx context.Context, rec *PhaseRecord) error
	SaveStep(ctx context.Context, step *StepRecord) error
	SaveEscalation(ctx context.Context, rec *EscalationRecord) error
}

// NopStore discards all writes. Used in tests and when persistence is not
// configured.
type NopStore struct{}

func (NopStore) SaveInstance(context.Context, *WorkflowInstance) error   { return nil }
func (NopStore) SavePhase(context.Context, *PhaseRecord) error           { return nil }
func (NopStore) SaveStep(context.Context, *StepRecord) error             { return nil }
func (NopStore) SaveEscalation(context.Context, *EscalationRecord) error { return nil }
