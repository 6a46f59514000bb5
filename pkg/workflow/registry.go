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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evidentra/testcycle-orchestrator/pkg/audit"
	"github.com/evidentra/testcycle-orchestrator/pkg/errors"
	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
)

const registryComponent = "workflow-registry"

// Registry owns the live coordinators, one per workflow instance. It starts
// new instances, routes administrative commands and status queries by
// instance id, and drains running instances on shutdown.
type Registry struct {
	deps   Dependencies
	logger *logging.StructuredLogger

	mu        sync.RWMutex
	instances map[string]*Coordinator

	wg        sync.WaitGroup
	baseCtx   context.Context
	baseStop  context.CancelFunc
	startOnce sync.Once
}

func NewRegistry(deps Dependencies) *Registry {
	return &Registry{
		deps:      deps,
		logger:    deps.Logger.WithComponent(registryComponent),
		instances: make(map[string]*Coordinator),
	}
}

// Start establishes the lifetime context for coordinator goroutines.
func (r *Registry) Start(ctx context.Context) error {
	r.startOnce.Do(func() {
		r.baseCtx, r.baseStop = context.WithCancel(context.WithoutCancel(ctx))
	})
	return nil
}

// Stop cancels every running coordinator and waits for them to unwind.
func (r *Registry) Stop() {
	if r.baseStop != nil {
		r.baseStop()
	}
	r.wg.Wait()
}

// StartInstance creates the coordinator for one report's testing cycle and
// launches its run loop.
func (r *Registry) StartInstance(ctx context.Context, cycleID, reportID string) (*WorkflowInstance, error) {
	if cycleID == "" || reportID == "" {
		return nil, errors.NewValidation(registryComponent, "start", "cycle and report ids are required")
	}
	if r.baseCtx == nil {
		return nil, errors.New(errors.ErrorTypeInternal, registryComponent, "start", "registry not started")
	}

	inst := &WorkflowInstance{
		ID:           uuid.New().String(),
		CycleID:      cycleID,
		ReportID:     reportID,
		Status:       InstanceRunning,
		CurrentPhase: PhasePlanning,
		CreatedAt:    time.Now(),
	}
	coord := NewCoordinator(inst, r.deps)

	r.mu.Lock()
	r.instances[inst.ID] = coord
	r.mu.Unlock()

	if err := r.deps.Store.SaveInstance(ctx, inst); err != nil {
		r.logger.ErrorWithContext("instance persist failed", err, "instance_id", inst.ID)
	}
	r.deps.Audit.Record(&audit.Event{
		InstanceID: inst.ID,
		Category:   audit.CategoryInstance,
		Action:     "started",
		Data:       map[string]interface{}{"cycle_id": cycleID, "report_id": reportID},
	})

	r.launch(coord)
	snapshot := *inst
	return &snapshot, nil
}

func (r *Registry) launch(coord *Coordinator) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		id := coord.Instance().ID
		if err := coord.Run(r.baseCtx); err != nil {
			r.logger.WarnWithContext("instance run halted",
				"instance_id", id,
				"error", err.Error(),
			)
			return
		}
		r.logger.InfoWithContext("instance run finished", "instance_id", id)
	}()
}

// Resume relaunches a halted instance, typically after an administrative
// skip unblocked it. Running or terminal instances are left alone.
func (r *Registry) Resume(instanceID string) error {
	coord, err := r.lookup(instanceID)
	if err != nil {
		return err
	}
	coord.mu.RLock()
	runnable := !coord.running && coord.instance.Status == InstanceRunning
	coord.mu.RUnlock()
	if !runnable {
		return errors.NewValidation(registryComponent, "resume", "instance is not resumable").
			WithInstance(instanceID)
	}
	r.launch(coord)
	return nil
}

// Coordinator returns the live coordinator for an instance.
func (r *Registry) Coordinator(instanceID string) (*Coordinator, error) {
	return r.lookup(instanceID)
}

// Snapshot answers the status query for one instance.
func (r *Registry) Snapshot(instanceID string) (*StatusSnapshot, error) {
	coord, err := r.lookup(instanceID)
	if err != nil {
		return nil, err
	}
	return coord.Snapshot(), nil
}

// Deliver routes one signal to whatever step is awaiting it.
func (r *Registry) Deliver(ctx context.Context, sig SignalRequest) error {
	return r.deps.Dispatcher.Deliver(ctx, sig)
}

// Abort terminates one instance.
func (r *Registry) Abort(ctx context.Context, instanceID, reason, actorID string) error {
	coord, err := r.lookup(instanceID)
	if err != nil {
		return err
	}
	return coord.Abort(ctx, reason, actorID)
}

// SkipPhase applies the administrative phase skip and resumes the run loop
// if the skip unblocked a halted instance.
func (r *Registry) SkipPhase(ctx context.Context, instanceID string, phase Phase, expectedVersion int64, reason, actorID string) error {
	coord, err := r.lookup(instanceID)
	if err != nil {
		return err
	}
	if err := coord.AdminSkip(ctx, phase, expectedVersion, reason, actorID); err != nil {
		return err
	}
	if rerr := r.Resume(instanceID); rerr != nil && !errors.IsType(rerr, errors.ErrorTypeValidation) {
		return rerr
	}
	return nil
}

func (r *Registry) lookup(instanceID string) (*Coordinator, error) {
	r.mu.RLock()
	coord, ok := r.instances[instanceID]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.ErrorTypeNotFound, registryComponent, "lookup",
			"unknown workflow instance").WithInstance(instanceID)
	}
	return coord, nil
}
