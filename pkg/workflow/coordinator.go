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
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/evidentra/testcycle-orchestrator/pkg/audit"
	"github.com/evidentra/testcycle-orchestrator/pkg/errors"
	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
)

const coordinatorComponent = "workflow-coordinator"

// errWaitCancelled marks a parked wait released without a resolution, e.g.
// by abort or an administrative phase skip. The caller re-reads phase state
// to decide what it means.
var errWaitCancelled = errors.New(errors.ErrorTypeInternal, coordinatorComponent, "wait", "step wait cancelled")

// sequentialPrefix and joinSuffix are the phase legs around the parallel
// SampleSelection/DataProviderID pair.
var (
	sequentialPrefix = []Phase{PhasePlanning, PhaseScoping}
	parallelPair     = []Phase{PhaseSampleSelection, PhaseDataProviderID}
	joinSuffix       = []Phase{PhaseRequestForInformation, PhaseTestExecution, PhaseObservations, PhaseTestReport}
)

// Dependencies bundles the collaborators a coordinator drives.
type Dependencies struct {
	Catalog      *Catalog
	StateMachine *StateMachine
	Executor     *StepExecutor
	Dispatcher   *SignalDispatcher
	SLA          *SLAMonitor
	Compensation *CompensationHandler
	Notifier     Notifier
	Audit        *audit.Trail
	Store        Store
	Metrics      *Metrics
	Logger       *logging.StructuredLogger
}

// Coordinator owns one workflow instance: it sequences the eight phases,
// runs SampleSelection and DataProviderID as parallel branches joined before
// RequestForInformation, and is the single writer of the instance's phase
// and step records. All mutation happens under the instance lock; the
// dispatcher and SLA monitor reach state only through closures that take it.
type Coordinator struct {
	deps     Dependencies
	logger   *logging.StructuredLogger
	instance *WorkflowInstance

	mu     sync.RWMutex
	phases map[Phase]*PhaseRecord
	steps  map[Phase][]*StepRecord

	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Join-barrier notification: closed when the respective branch
	// predicate first becomes true.
	sampleDone    chan struct{}
	sampleOnce    sync.Once
	providerReady chan struct{}
	providerOnce  sync.Once
}

// NewCoordinator creates the coordinator for one instance. Phase records
// start NotStarted at version zero; steps are materialized lazily when a
// phase starts.
func NewCoordinator(inst *WorkflowInstance, deps Dependencies) *Coordinator {
	c := &Coordinator{
		deps:          deps,
		logger:        deps.Logger.WithComponent(coordinatorComponent).WithInstance(inst.ID),
		instance:      inst,
		phases:        make(map[Phase]*PhaseRecord),
		steps:         make(map[Phase][]*StepRecord),
		done:          make(chan struct{}),
		sampleDone:    make(chan struct{}),
		providerReady: make(chan struct{}),
	}
	for _, p := range AllPhases() {
		c.phases[p] = &PhaseRecord{
			InstanceID: inst.ID,
			Phase:      p,
			Status:     PhaseNotStarted,
		}
	}
	return c
}

// Instance returns the instance identity fields.
func (c *Coordinator) Instance() WorkflowInstance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *c.instance
}

// Run drives the instance until completion, a halting failure, or abort.
// It is re-entrant: phases already terminal are passed over, so a halted
// instance resumes from where it stopped after an administrative skip.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("instance %s already running", c.instance.ID)
	}
	if c.instance.Status != InstanceRunning {
		c.mu.Unlock()
		return fmt.Errorf("instance %s is %s", c.instance.ID, c.instance.Status)
	}
	c.running = true
	c.cancel = cancelRun
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.deps.Metrics.ActiveInstances.Inc()
	defer func() {
		c.deps.Metrics.ActiveInstances.Dec()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(done)
	}()

	// Sequential prefix: a fatal failure here halts the whole instance.
	for _, p := range sequentialPrefix {
		if c.phaseTerminal(p) {
			continue
		}
		if err := c.runPhase(ctx, p); err != nil {
			c.logger.ErrorWithContext("sequential phase halted instance", err, "phase", string(p))
			return err
		}
	}

	// Parallel pair: each branch halts only itself on failure.
	var branches errgroup.Group
	var sampleErr, providerErr error
	branches.Go(func() error {
		if !c.phaseTerminal(PhaseSampleSelection) {
			sampleErr = c.runPhase(ctx, PhaseSampleSelection)
		}
		return nil
	})
	branches.Go(func() error {
		if !c.phaseTerminal(PhaseDataProviderID) {
			providerErr = c.runPhase(ctx, PhaseDataProviderID)
		}
		return nil
	})

	if err := c.awaitJoin(ctx); err != nil {
		branches.Wait()
		return err
	}

	for _, p := range joinSuffix {
		if c.phaseTerminal(p) {
			continue
		}
		if err := c.runPhase(ctx, p); err != nil {
			branches.Wait()
			return err
		}
	}

	// DataProviderID may still be collecting its remaining assignments
	// while the suffix runs; business completion waits for the branch.
	branches.Wait()
	if sampleErr != nil {
		return sampleErr
	}
	if providerErr != nil {
		return providerErr
	}

	return c.completeInstance(ctx)
}

// Done returns a channel closed when the current Run call finishes.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

// awaitJoin blocks until RequestForInformation may start: SampleSelection
// fully Complete (or administratively Skipped), DataProviderID at least
// partial-ready - one resolved assignment is enough, testing starts before
// every data provider is assigned.
func (c *Coordinator) awaitJoin(ctx context.Context) error {
	if !c.phaseTerminal(PhaseSampleSelection) {
		select {
		case <-c.sampleDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !c.providerJoinSatisfied() {
		select {
		case <-c.providerReady:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Coordinator) providerJoinSatisfied() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.phases[PhaseDataProviderID].Status.IsTerminal() {
		return true
	}
	return PartialReady(c.steps[PhaseDataProviderID])
}

// markJoinProgress publishes branch progress to the join barrier.
func (c *Coordinator) markJoinProgress(phase Phase) {
	switch phase {
	case PhaseSampleSelection:
		c.sampleOnce.Do(func() { close(c.sampleDone) })
	case PhaseDataProviderID:
		c.providerOnce.Do(func() { close(c.providerReady) })
	}
}

// runPhase executes one phase end to end, including its approval and
// revision loop. The returned error means the phase could not finish:
// Blocked, abort, or a cancelled wait.
func (c *Coordinator) runPhase(ctx context.Context, phase Phase) error {
	steps, err := c.ensureSteps(phase)
	if err != nil {
		return err
	}

	if c.phaseStatus(phase) == PhaseNotStarted {
		if err := c.transition(ctx, phase, EventStart, ""); err != nil {
			return err
		}
		c.resolveBookkeeping(ctx, phase, "start_phase")
	}

	for {
		if err := c.runWork(ctx, phase, steps); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.IsType(err, errors.ErrorTypeInternal) {
				// Wait released externally: re-read what happened.
				return c.afterCancelledWait(phase)
			}
			c.blockPhase(ctx, phase, err)
			return err
		}

		if c.phaseStatus(phase) == PhaseInProgress {
			if err := c.transition(ctx, phase, EventSubmitForApproval, ""); err != nil {
				return err
			}
		}

		res, err := c.awaitApproval(ctx, phase, steps)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return c.afterCancelledWait(phase)
		}

		switch res.Decision {
		case DecisionReject:
			if err := c.transition(ctx, phase, EventReject, "approval rejected"); err != nil {
				return err
			}
		case DecisionRevise:
			if err := c.transition(ctx, phase, EventRequestRevision, "revision requested"); err != nil {
				return err
			}
		default:
			c.resolveBookkeeping(ctx, phase, "complete_phase")
			if err := c.transition(ctx, phase, EventApprove, ""); err != nil {
				return err
			}
			c.markJoinProgress(phase)
			c.deps.Notifier.Emit(ctx, NotifyPhaseComplete, []Role{RoleTester, RoleTestManager}, map[string]interface{}{
				"instance_id": c.instance.ID,
				"phase":       phase,
			})
			return nil
		}
	}
}

// runWork advances the phase's declared steps in order. Consecutive steps
// marked independent are parked together and may resolve in any order; all
// of them gate the ordered tail behind them.
func (c *Coordinator) runWork(ctx context.Context, phase Phase, steps []*StepRecord) error {
	i := 0
	for i < len(steps) {
		s := steps[i]

		if s.Bookkeeping || s.PhaseApproval || s.Status.IsTerminal() {
			i++
			continue
		}

		if s.Kind == StepAutomatic {
			if err := c.runAutomaticStep(ctx, phase, s); err != nil {
				return err
			}
			i++
			continue
		}

		group := []*StepRecord{s}
		i++
		if s.Independent {
			for i < len(steps) && steps[i].Independent && steps[i].Kind == StepHuman {
				if !steps[i].Status.IsTerminal() {
					group = append(group, steps[i])
				}
				i++
			}
		}

		if err := c.parkAndWaitGroup(ctx, group); err != nil {
			return err
		}
	}
	return nil
}

// runAutomaticStep executes a collaborator-backed step. The executor works
// on a private copy so retries and sleeps happen outside the instance lock;
// results are applied back under it.
func (c *Coordinator) runAutomaticStep(ctx context.Context, phase Phase, s *StepRecord) error {
	c.mu.Lock()
	s.Status = StepRunning
	now := time.Now()
	s.StartedAt = &now
	shadow := *s
	c.mu.Unlock()

	outcome := c.deps.Executor.Run(ctx, &shadow)

	c.mu.Lock()
	s.Status = shadow.Status
	s.Attempts = shadow.Attempts
	s.ResolvedAt = shadow.ResolvedAt
	s.FailureReason = shadow.FailureReason
	if shadow.Payload != nil {
		s.Payload = shadow.Payload
	}
	c.mu.Unlock()

	c.auditStep(s, "", string(s.Status))
	c.persistStep(ctx, s)

	if outcome.Status == StepFailed {
		return outcome.Err
	}
	return nil
}

// parkedWait pairs a suspended step with its resolution continuation.
type parkedWait struct {
	step *StepRecord
	ch   <-chan Resolution
}

// parkAndWaitGroup suspends the group's steps and waits for every one of
// them. The coordinator goroutine stays parked on continuations only; SLA
// breaches fire escalations on the side without resolving anything here.
func (c *Coordinator) parkAndWaitGroup(ctx context.Context, group []*StepRecord) error {
	c.mu.Lock()
	if c.instance.Status == InstanceAborted {
		c.mu.Unlock()
		return errWaitCancelled
	}
	now := time.Now()
	for _, s := range group {
		s.Status = StepAwaitingSignal
		s.StartedAt = &now
	}
	c.mu.Unlock()

	waits := make([]parkedWait, 0, len(group))
	for _, s := range group {
		ch := c.deps.Dispatcher.Await(s, c.resolverFor(s))
		c.deps.SLA.Arm(s, c.stillWaiting(s))
		c.auditStep(s, "", "awaiting_signal")
		c.persistStep(ctx, s)
		waits = append(waits, parkedWait{step: s, ch: ch})
	}

	var failed *StepRecord
	for idx, w := range waits {
		select {
		case res, ok := <-w.ch:
			if !ok {
				c.releaseWaits(ctx, waits[idx:])
				return errWaitCancelled
			}
			c.auditStep(w.step, res.ActorID, string(c.stepStatus(w.step)))
			c.persistStep(ctx, w.step)

			if c.stepStatus(w.step) == StepFailed {
				failed = w.step
			}

		case <-ctx.Done():
			c.releaseWaits(ctx, waits[idx:])
			return ctx.Err()
		}
	}

	if failed != nil {
		return errors.New(errors.ErrorTypeActivity, coordinatorComponent, "park",
			"step "+failed.Name+" declined by "+failed.ResolvedBy).
			WithInstance(c.instance.ID).WithStep(failed.ID)
	}
	return nil
}

// awaitApproval parks the phase-approval step and returns its decision.
func (c *Coordinator) awaitApproval(ctx context.Context, phase Phase, steps []*StepRecord) (Resolution, error) {
	var approval *StepRecord
	for _, s := range steps {
		if s.PhaseApproval {
			approval = s
			break
		}
	}
	if approval == nil {
		// Phases without a declared approver auto-approve.
		return Resolution{Decision: DecisionApprove, At: time.Now()}, nil
	}

	c.mu.Lock()
	if c.instance.Status == InstanceAborted {
		c.mu.Unlock()
		return Resolution{}, errWaitCancelled
	}
	now := time.Now()
	approval.Status = StepAwaitingSignal
	approval.StartedAt = &now
	c.mu.Unlock()

	ch := c.deps.Dispatcher.Await(approval, c.resolverFor(approval))
	c.deps.SLA.Arm(approval, c.stillWaiting(approval))
	c.auditStep(approval, "", "awaiting_signal")
	c.persistStep(ctx, approval)

	select {
	case res, ok := <-ch:
		if !ok {
			return Resolution{}, errWaitCancelled
		}
		c.auditStep(approval, res.ActorID, string(c.stepStatus(approval)))
		c.persistStep(ctx, approval)
		return res, nil
	case <-ctx.Done():
		c.deps.Dispatcher.Withdraw(approval.ID)
		c.deps.SLA.Cancel(approval.ID)
		return Resolution{}, ctx.Err()
	}
}

// releaseWaits withdraws the still-parked tail of a group after a failure
// or cancellation, returning untouched steps to Pending.
func (c *Coordinator) releaseWaits(ctx context.Context, waits []parkedWait) {
	for _, w := range waits {
		c.mu.Lock()
		reset := w.step.Status == StepAwaitingSignal
		if reset {
			w.step.Status = StepPending
			w.step.StartedAt = nil
		}
		c.mu.Unlock()
		c.deps.Dispatcher.Withdraw(w.step.ID)
		c.deps.SLA.Cancel(w.step.ID)
		if reset {
			c.persistStep(ctx, w.step)
		}
	}
}

// resolverFor builds the exactly-once resolution closure registered with
// the dispatcher. All record mutation happens here, under the instance
// lock; a second terminal signal finds the step no longer waiting.
func (c *Coordinator) resolverFor(s *StepRecord) ResolveFunc {
	return func(res Resolution) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.instance.Status == InstanceAborted {
			return errors.NewValidation(coordinatorComponent, "resolve", "instance is aborted").
				WithInstance(c.instance.ID).WithStep(s.ID)
		}
		if s.Status != StepAwaitingSignal {
			return errors.NewValidation(coordinatorComponent, "resolve", "step is not awaiting a signal").
				WithInstance(c.instance.ID).WithStep(s.ID)
		}
		at := res.At
		s.Status = TerminalStatusFor(res.Decision)
		s.ResolvedAt = &at
		s.ResolvedBy = res.ActorID
		if res.Payload != nil {
			s.Payload = res.Payload
		}
		c.deps.Metrics.StepsResolved.WithLabelValues(string(s.Phase), string(s.Kind), string(s.Status)).Inc()
		if s.StartedAt != nil {
			c.deps.Metrics.StepWaitDuration.WithLabelValues(string(s.Phase), s.Name).
				Observe(at.Sub(*s.StartedAt).Seconds())
		}
		// The join must fire from the resolution itself: the owning goroutine
		// may still be parked on an earlier member of the same independent
		// group when a later assignment resolves.
		if s.Phase == PhaseDataProviderID && s.Assignment && s.Status == StepDone {
			c.markJoinProgress(PhaseDataProviderID)
		}
		return nil
	}
}

// stillWaiting builds the SLA monitor's liveness probe for a parked step.
func (c *Coordinator) stillWaiting(s *StepRecord) func() bool {
	return func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return s.Status == StepAwaitingSignal
	}
}

// afterCancelledWait classifies a wait released without resolution.
func (c *Coordinator) afterCancelledWait(phase Phase) error {
	switch c.phaseStatus(phase) {
	case PhaseSkipped:
		c.markJoinProgress(phase)
		return nil
	case PhaseBlocked:
		return errors.New(errors.ErrorTypeActivity, coordinatorComponent, "wait",
			"phase blocked while waiting").WithInstance(c.instance.ID)
	default:
		return errWaitCancelled
	}
}

// blockPhase transitions the phase to Blocked and runs its compensation
// strategy exactly once.
func (c *Coordinator) blockPhase(ctx context.Context, phase Phase, cause error) {
	if err := c.transition(ctx, phase, EventBlock, cause.Error()); err != nil {
		c.logger.ErrorWithContext("block transition failed", err, "phase", string(phase))
		return
	}

	c.mu.RLock()
	rec := c.phases[phase]
	steps := c.steps[phase]
	c.mu.RUnlock()

	strategy := c.deps.Catalog.CompensationFor(phase)
	if err := c.deps.Compensation.Handle(ctx, rec, steps, strategy); err != nil {
		c.logger.ErrorWithContext("compensation failed", err, "phase", string(phase))
	}
	c.deps.Audit.Record(&audit.Event{
		InstanceID: c.instance.ID,
		Category:   audit.CategoryCompensation,
		Action:     string(strategy),
		Data:       map[string]interface{}{"phase": phase, "cause": cause.Error()},
	})
}

// transition funnels every phase mutation through the state machine under
// the instance lock and publishes the result to metrics, audit and the
// store.
func (c *Coordinator) transition(ctx context.Context, phase Phase, event PhaseEvent, reason string) error {
	c.mu.Lock()
	rec := c.phases[phase]
	steps := c.steps[phase]
	err := c.deps.StateMachine.Transition(rec, steps, TransitionRequest{
		Event:           event,
		ExpectedVersion: rec.Version,
		Reason:          reason,
	})
	if err == nil && event == EventStart {
		c.instance.CurrentPhase = phase
	}
	var phaseSeconds float64
	if err == nil && event == EventApprove && rec.ActualStart != nil && rec.ActualEnd != nil {
		phaseSeconds = rec.ActualEnd.Sub(*rec.ActualStart).Seconds()
	}
	snapshot := *rec
	c.mu.Unlock()

	if err != nil {
		c.deps.Metrics.TransitionErrors.WithLabelValues(string(phase), string(errors.TypeOf(err))).Inc()
		return err
	}

	c.deps.Metrics.PhaseTransitions.WithLabelValues(string(phase), string(event)).Inc()
	if phaseSeconds > 0 {
		c.deps.Metrics.PhaseDuration.WithLabelValues(string(phase)).Observe(phaseSeconds)
	}
	c.deps.Audit.Record(&audit.Event{
		InstanceID: c.instance.ID,
		Category:   audit.CategoryPhase,
		Action:     string(event),
		Data: map[string]interface{}{
			"phase":   phase,
			"status":  snapshot.Status,
			"version": snapshot.Version,
		},
	})
	if serr := c.deps.Store.SavePhase(ctx, &snapshot); serr != nil {
		c.logger.ErrorWithContext("phase persist failed", serr, "phase", string(phase))
	}
	return nil
}

// ensureSteps materializes the phase's steps on first use.
func (c *Coordinator) ensureSteps(phase Phase) ([]*StepRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if steps, ok := c.steps[phase]; ok {
		return steps, nil
	}
	steps, err := c.deps.Catalog.Materialize(c.instance.ID, phase)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, coordinatorComponent, "materialize", "phase template missing")
	}
	c.steps[phase] = steps
	return steps, nil
}

// resolveBookkeeping marks a phase's own start/complete record Done.
func (c *Coordinator) resolveBookkeeping(ctx context.Context, phase Phase, name string) {
	c.mu.Lock()
	var target *StepRecord
	for _, s := range c.steps[phase] {
		if s.Bookkeeping && s.Name == name && !s.Status.IsTerminal() {
			target = s
			break
		}
	}
	if target != nil {
		now := time.Now()
		target.Status = StepDone
		target.StartedAt = &now
		target.ResolvedAt = &now
	}
	c.mu.Unlock()

	if target != nil {
		c.persistStep(ctx, target)
	}
}

// completeInstance marks business completion once every phase is terminal.
// The instance record itself is kept for audit; archival is external.
func (c *Coordinator) completeInstance(ctx context.Context) error {
	c.mu.Lock()
	if c.instance.Status != InstanceRunning {
		c.mu.Unlock()
		return nil
	}
	for _, p := range AllPhases() {
		if !c.phases[p].Status.IsTerminal() {
			c.mu.Unlock()
			return fmt.Errorf("phase %s not terminal at completion", p)
		}
	}
	now := time.Now()
	c.instance.Status = InstanceCompleted
	c.instance.CompletedAt = &now
	snapshot := *c.instance
	c.mu.Unlock()

	c.deps.Metrics.InstancesFinished.Inc()
	c.deps.Audit.Record(&audit.Event{
		InstanceID: snapshot.ID,
		Category:   audit.CategoryInstance,
		Action:     "completed",
	})
	c.deps.Notifier.Emit(ctx, NotifyInstanceDone, []Role{RoleReportOwner, RoleTestManager}, map[string]interface{}{
		"instance_id": snapshot.ID,
		"report_id":   snapshot.ReportID,
	})
	if err := c.deps.Store.SaveInstance(ctx, &snapshot); err != nil {
		c.logger.ErrorWithContext("instance persist failed", err)
	}
	c.logger.InfoWithContext("instance completed", "report_id", snapshot.ReportID)
	return nil
}

// Abort terminates the instance: armed SLA timers are cancelled, every
// AwaitingSignal step becomes SkippedByAbort, and compensation runs with
// the notify strategy for each non-terminal phase. Abort is terminal; all
// further signals are rejected.
func (c *Coordinator) Abort(ctx context.Context, reason, actorID string) error {
	c.mu.Lock()
	switch c.instance.Status {
	case InstanceAborted:
		c.mu.Unlock()
		return nil
	case InstanceCompleted:
		c.mu.Unlock()
		return errors.NewValidation(coordinatorComponent, "abort", "instance already completed").
			WithInstance(c.instance.ID)
	}
	c.instance.Status = InstanceAborted
	now := time.Now()
	c.instance.CompletedAt = &now

	var parked []*StepRecord
	var openPhases []*PhaseRecord
	for _, p := range AllPhases() {
		for _, s := range c.steps[p] {
			if s.Status == StepAwaitingSignal {
				s.Status = StepSkippedByAbort
				s.ResolvedAt = &now
				parked = append(parked, s)
			}
		}
		if st := c.phases[p].Status; st == PhaseInProgress || st == PhasePendingApproval || st == PhaseBlocked {
			openPhases = append(openPhases, c.phases[p])
		}
	}
	cancelRun := c.cancel
	snapshot := *c.instance
	c.mu.Unlock()

	for _, s := range parked {
		c.deps.Dispatcher.Withdraw(s.ID)
		c.deps.SLA.Cancel(s.ID)
		c.persistStep(ctx, s)
	}
	for _, rec := range openPhases {
		c.mu.RLock()
		steps := c.steps[rec.Phase]
		c.mu.RUnlock()
		if err := c.deps.Compensation.Handle(ctx, rec, steps, CompensationNotify); err != nil {
			c.logger.ErrorWithContext("abort compensation failed", err, "phase", string(rec.Phase))
		}
	}
	if cancelRun != nil {
		cancelRun()
	}

	c.deps.Metrics.InstancesAborted.Inc()
	c.deps.Audit.Record(&audit.Event{
		InstanceID: snapshot.ID,
		Category:   audit.CategoryInstance,
		Action:     "aborted",
		Actor:      actorID,
		Data:       map[string]interface{}{"reason": reason},
	})
	c.deps.Notifier.Emit(ctx, NotifyInstanceAbort, []Role{RoleTestManager, RoleAdmin}, map[string]interface{}{
		"instance_id": snapshot.ID,
		"reason":      reason,
	})
	if err := c.deps.Store.SaveInstance(ctx, &snapshot); err != nil {
		c.logger.ErrorWithContext("instance persist failed", err)
	}
	c.logger.InfoWithContext("instance aborted", "reason", reason, "actor_id", actorID)
	return nil
}

// AdminSkip is the administrative override marking a phase Skipped so the
// workflow proceeds past it. The caller supplies its last-seen version;
// stale snapshots are rejected, never merged.
func (c *Coordinator) AdminSkip(ctx context.Context, phase Phase, expectedVersion int64, reason, actorID string) error {
	c.mu.Lock()
	rec, ok := c.phases[phase]
	if !ok {
		c.mu.Unlock()
		return errors.NewValidation(coordinatorComponent, "skip", "unknown phase "+string(phase))
	}
	err := c.deps.StateMachine.Transition(rec, c.steps[phase], TransitionRequest{
		Event:           EventSkip,
		ExpectedVersion: expectedVersion,
		Reason:          reason,
	})
	if err != nil {
		c.mu.Unlock()
		c.deps.Metrics.TransitionErrors.WithLabelValues(string(phase), string(errors.TypeOf(err))).Inc()
		return err
	}
	now := time.Now()
	var parked []*StepRecord
	for _, s := range c.steps[phase] {
		if s.Status == StepAwaitingSignal {
			s.Status = StepSkippedByAbort
			s.ResolvedAt = &now
			parked = append(parked, s)
		}
	}
	snapshot := *rec
	c.mu.Unlock()

	for _, s := range parked {
		c.deps.Dispatcher.Withdraw(s.ID)
		c.deps.SLA.Cancel(s.ID)
		c.persistStep(ctx, s)
	}

	c.markJoinProgress(phase)
	c.deps.Metrics.PhaseTransitions.WithLabelValues(string(phase), string(EventSkip)).Inc()
	c.deps.Audit.Record(&audit.Event{
		InstanceID: c.instance.ID,
		Category:   audit.CategoryPhase,
		Action:     string(EventSkip),
		Actor:      actorID,
		Data:       map[string]interface{}{"phase": phase, "reason": reason},
	})
	if serr := c.deps.Store.SavePhase(ctx, &snapshot); serr != nil {
		c.logger.ErrorWithContext("phase persist failed", serr, "phase", string(phase))
	}
	return nil
}

// Snapshot builds the status-query projection.
func (c *Coordinator) Snapshot() *StatusSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &StatusSnapshot{
		InstanceID:   c.instance.ID,
		Status:       c.instance.Status,
		CurrentPhase: c.instance.CurrentPhase,
	}

	var allSteps []*StepRecord
	for _, p := range AllPhases() {
		rec := c.phases[p]
		snap.PhaseStatuses = append(snap.PhaseStatuses, PhaseStatusEntry{
			Phase:         p,
			Status:        rec.Status,
			RevisionCount: rec.RevisionCount,
			FailureReason: rec.FailureReason,
		})
		allSteps = append(allSteps, c.steps[p]...)
	}
	snap.Progress = Progress(allSteps)

	if c.instance.Status == InstanceRunning {
		if s := AwaitingStep(allSteps); s != nil {
			snap.AwaitingAction = &AwaitingAction{
				StepID:       s.ID,
				Name:         s.Name,
				Kind:         s.Kind,
				RoleRequired: s.Role,
			}
		}
	}
	return snap
}

// PhaseView returns a copy of one phase record, for external callers that
// need the version for a later administrative transition.
func (c *Coordinator) PhaseView(phase Phase) (PhaseRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.phases[phase]
	if !ok {
		return PhaseRecord{}, false
	}
	return *rec, true
}

func (c *Coordinator) phaseStatus(phase Phase) PhaseStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phases[phase].Status
}

func (c *Coordinator) phaseTerminal(phase Phase) bool {
	return c.phaseStatus(phase).IsTerminal()
}

func (c *Coordinator) stepStatus(s *StepRecord) StepStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return s.Status
}

func (c *Coordinator) persistStep(ctx context.Context, s *StepRecord) {
	c.mu.RLock()
	snapshot := *s
	c.mu.RUnlock()
	if err := c.deps.Store.SaveStep(ctx, &snapshot); err != nil {
		c.logger.ErrorWithContext("step persist failed", err, "step", snapshot.Name)
	}
}

func (c *Coordinator) auditStep(s *StepRecord, actor, action string) {
	c.deps.Audit.Record(&audit.Event{
		InstanceID: s.InstanceID,
		Category:   audit.CategoryStep,
		Action:     action,
		Actor:      actor,
		Data: map[string]interface{}{
			"phase":   s.Phase,
			"step_id": s.ID,
			"step":    s.Name,
		},
	})
}
