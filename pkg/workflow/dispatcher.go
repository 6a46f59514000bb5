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
	"sync"
	"time"

	"github.com/evidentra/testcycle-orchestrator/pkg/errors"
	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
)

const dispatcherComponent = "signal-dispatcher"

// Resolution is what a parked step's continuation receives when a terminal
// signal lands.
type Resolution struct {
	Decision Decision
	ActorID  string
	Payload  json.RawMessage
	At       time.Time
}

// ResolveFunc applies a terminal resolution to the parked step under the
// owning instance's lock. It returns an error and changes nothing if the
// step is no longer awaiting a signal, which makes duplicate delivery a
// clean idempotent rejection.
type ResolveFunc func(res Resolution) error

// slaCanceller is the slice of the SLA monitor the dispatcher needs: arming
// must be cancelled the instant a step resolves.
type slaCanceller interface {
	Cancel(stepID string)
}

type continuation struct {
	step    *StepRecord
	resolve ResolveFunc
	resume  chan Resolution
}

// SignalDispatcher receives external human decisions and resumes the
// matching suspended step. A step accepts at most one terminal signal;
// duplicates are rejected idempotently, which matters because humans
// double-click and retry. The dispatcher itself never mutates records: the
// registered resolve closure does, under the instance lock.
type SignalDispatcher struct {
	mu         sync.Mutex
	waiting    map[string]*continuation // keyed by step ID
	authorizer Authorizer
	sla        slaCanceller
	metrics    *Metrics
	logger     *logging.StructuredLogger
}

// NewSignalDispatcher creates a signal dispatcher.
func NewSignalDispatcher(authorizer Authorizer, metrics *Metrics, logger *logging.StructuredLogger) *SignalDispatcher {
	return &SignalDispatcher{
		waiting:    make(map[string]*continuation),
		authorizer: authorizer,
		metrics:    metrics,
		logger:     logger.WithComponent(dispatcherComponent),
	}
}

// SetSLAMonitor wires the SLA monitor once both components exist.
func (d *SignalDispatcher) SetSLAMonitor(sla slaCanceller) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sla = sla
}

// Await registers a continuation for a parked step and returns the channel
// the owning coordinator selects on. The channel is buffered so delivery
// never blocks the signal submitter.
func (d *SignalDispatcher) Await(step *StepRecord, resolve ResolveFunc) <-chan Resolution {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch := make(chan Resolution, 1)
	d.waiting[step.ID] = &continuation{step: step, resolve: resolve, resume: ch}
	return ch
}

// Withdraw removes a continuation without resolving the step, used when the
// owning instance aborts or a wait is cancelled. Closing the resume channel
// tells the parked owner the wait ended without a resolution. The caller
// must have moved the step out of AwaitingSignal first, so no in-flight
// Deliver can still reach the channel.
func (d *SignalDispatcher) Withdraw(stepID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cont, ok := d.waiting[stepID]; ok {
		delete(d.waiting, stepID)
		close(cont.resume)
	}
}

// Deliver consumes one signal. On acceptance the step reaches its terminal
// status via the registered resolver, SLA arming is cancelled, and the
// continuation fires exactly once. Every failure mode returns a typed
// rejection with no state change.
func (d *SignalDispatcher) Deliver(ctx context.Context, sig SignalRequest) error {
	if sig.StepID == "" || sig.ActorID == "" {
		d.metrics.SignalsDelivered.WithLabelValues("rejected").Inc()
		return errors.NewValidation(dispatcherComponent, "deliver", "signal missing step or actor id")
	}
	if !validDecision(sig.Decision) {
		d.metrics.SignalsDelivered.WithLabelValues("rejected").Inc()
		return errors.NewValidation(dispatcherComponent, "deliver",
			"unknown decision "+string(sig.Decision)).WithStep(sig.StepID)
	}

	d.mu.Lock()
	cont, ok := d.waiting[sig.StepID]
	d.mu.Unlock()

	if !ok {
		d.metrics.SignalsDelivered.WithLabelValues("rejected").Inc()
		return errors.NewValidation(dispatcherComponent, "deliver", "step is not awaiting a signal").
			WithInstance(sig.InstanceID).WithStep(sig.StepID)
	}
	// ID, instance, role and kind are immutable after materialization, so
	// they are safe to read without the instance lock.
	if sig.InstanceID != "" && sig.InstanceID != cont.step.InstanceID {
		d.metrics.SignalsDelivered.WithLabelValues("rejected").Inc()
		return errors.NewValidation(dispatcherComponent, "deliver", "step does not belong to instance").
			WithInstance(sig.InstanceID).WithStep(sig.StepID)
	}
	// A phase approval is a decision, not a data handoff: only the decision
	// verbs move it.
	if cont.step.PhaseApproval && sig.Decision == DecisionCustom {
		d.metrics.SignalsDelivered.WithLabelValues("rejected").Inc()
		return errors.NewValidation(dispatcherComponent, "deliver",
			"phase approval accepts approve, reject or revise only").
			WithInstance(cont.step.InstanceID).WithStep(sig.StepID)
	}

	if !d.authorizer.MayResolve(ctx, sig.ActorID, cont.step) {
		d.metrics.SignalsDelivered.WithLabelValues("forbidden").Inc()
		return errors.New(errors.ErrorTypeForbidden, dispatcherComponent, "deliver",
			"actor may not resolve this step").
			WithInstance(cont.step.InstanceID).WithStep(sig.StepID)
	}

	now := sig.SubmittedAt
	if now.IsZero() {
		now = time.Now()
	}
	res := Resolution{
		Decision: sig.Decision,
		ActorID:  sig.ActorID,
		Payload:  sig.Payload,
		At:       now,
	}

	if err := cont.resolve(res); err != nil {
		d.metrics.SignalsDelivered.WithLabelValues("rejected").Inc()
		return err
	}

	// Delete and resume under the lock so a concurrent Withdraw cannot
	// close the channel between them. The buffered send never blocks.
	d.mu.Lock()
	if cur, present := d.waiting[sig.StepID]; present && cur == cont {
		delete(d.waiting, sig.StepID)
		cont.resume <- res
	}
	sla := d.sla
	d.mu.Unlock()

	if sla != nil {
		sla.Cancel(sig.StepID)
	}

	d.metrics.SignalsDelivered.WithLabelValues("accepted").Inc()
	d.logger.InfoWithContext("signal accepted",
		"instance_id", cont.step.InstanceID,
		"step_id", sig.StepID,
		"decision", string(sig.Decision),
		"actor_id", sig.ActorID,
	)
	return nil
}

// TerminalStatusFor maps a decision to the step's terminal status. A
// rejection-type decision fails the step; the phase-level consequence is the
// coordinator's call.
func TerminalStatusFor(decision Decision) StepStatus {
	if decision == DecisionReject {
		return StepFailed
	}
	return StepDone
}

func validDecision(d Decision) bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionRevise, DecisionCustom:
		return true
	}
	return false
}
