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

	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
)

// CompensationStrategy is the statically tagged recovery policy of a phase.
type CompensationStrategy string

const (
	CompensationRollback        CompensationStrategy = "rollback"
	CompensationNotify          CompensationStrategy = "notify"
	CompensationSkip            CompensationStrategy = "skip"
	CompensationPartialRollback CompensationStrategy = "partial_rollback"
)

// CompensationHandler runs the recovery policy when a phase cannot proceed.
type CompensationHandler struct {
	invoker  Invoker
	notifier Notifier
	metrics  *Metrics
	logger   *logging.StructuredLogger
}

// NewCompensationHandler creates a compensation handler.
func NewCompensationHandler(invoker Invoker, notifier Notifier, metrics *Metrics, logger *logging.StructuredLogger) *CompensationHandler {
	return &CompensationHandler{
		invoker:  invoker,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.WithComponent("compensation-handler"),
	}
}

// Handle applies the strategy for a failed phase. The `skip` strategy is
// administrative only: the handler never advances the workflow itself, it
// alerts the operator that a skip override is available. Actual skipping
// goes through the coordinator's AdminSkip.
func (h *CompensationHandler) Handle(ctx context.Context, rec *PhaseRecord, steps []*StepRecord, strategy CompensationStrategy) error {
	h.logger.InfoWithContext("running compensation",
		"instance_id", rec.InstanceID,
		"phase", string(rec.Phase),
		"strategy", string(strategy),
	)
	h.metrics.CompensationsRun.WithLabelValues(string(rec.Phase), string(strategy)).Inc()

	switch strategy {
	case CompensationRollback:
		h.undoSteps(ctx, rec, completedSteps(steps))

	case CompensationPartialRollback:
		h.undoSteps(ctx, rec, stepsWithoutResolvedDependents(steps))

	case CompensationNotify, CompensationSkip:
		// State stays as-is; operator decides.
	}

	h.notifier.Emit(ctx, NotifyOperatorAlert, []Role{RoleAdmin}, map[string]interface{}{
		"instance_id": rec.InstanceID,
		"phase":       rec.Phase,
		"strategy":    strategy,
		"reason":      rec.FailureReason,
	})
	return nil
}

// undoSteps delegates to each collaborator's own undo, newest first. A
// collaborator without undo support leaves its effects in place.
func (h *CompensationHandler) undoSteps(ctx context.Context, rec *PhaseRecord, steps []*StepRecord) {
	undoer, ok := h.invoker.(Undoer)
	if !ok {
		h.logger.WarnWithContext("collaborator offers no undo, leaving side effects",
			"instance_id", rec.InstanceID, "phase", string(rec.Phase))
		return
	}

	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		sc := StepContext{
			InstanceID: s.InstanceID,
			Phase:      s.Phase,
			StepID:     s.ID,
			StepName:   s.Name,
			Payload:    s.Payload,
		}
		if err := undoer.Undo(ctx, sc); err != nil {
			h.logger.ErrorWithContext("undo failed", err,
				"instance_id", rec.InstanceID, "step", s.Name)
		}
	}
}

// completedSteps returns the Done non-bookkeeping steps in declared order.
func completedSteps(steps []*StepRecord) []*StepRecord {
	out := make([]*StepRecord, 0, len(steps))
	for _, s := range steps {
		if !s.Bookkeeping && s.Status == StepDone {
			out = append(out, s)
		}
	}
	return out
}

// stepsWithoutResolvedDependents returns Done steps that no later step has
// already built on, i.e. no step after them in declared order is resolved.
func stepsWithoutResolvedDependents(steps []*StepRecord) []*StepRecord {
	out := make([]*StepRecord, 0, len(steps))
	for i, s := range steps {
		if s.Bookkeeping || s.Status != StepDone {
			continue
		}
		dependentResolved := false
		for _, later := range steps[i+1:] {
			if !later.Bookkeeping && later.Status.IsTerminal() {
				dependentResolved = true
				break
			}
		}
		if !dependentResolved {
			out = append(out, s)
		}
	}
	return out
}
