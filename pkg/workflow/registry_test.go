package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidentra/testcycle-orchestrator/pkg/errors"
)

func newTestRegistry(t *testing.T) (*Registry, *testEnv) {
	t.Helper()
	env := newTestEnv()
	reg := NewRegistry(env.deps)
	require.NoError(t, reg.Start(context.Background()))
	t.Cleanup(reg.Stop)
	return reg, env
}

func awaitParked(t *testing.T, reg *Registry, instanceID string) *AwaitingAction {
	t.Helper()
	var action *AwaitingAction
	require.Eventually(t, func() bool {
		snap, err := reg.Snapshot(instanceID)
		if err != nil || snap.AwaitingAction == nil {
			return false
		}
		action = snap.AwaitingAction
		return true
	}, 5*time.Second, 2*time.Millisecond)
	return action
}

func TestRegistryStartInstanceLaunchesRun(t *testing.T) {
	reg, _ := newTestRegistry(t)

	inst, err := reg.StartInstance(context.Background(), "cycle-2025-q1", "rpt-17")
	require.NoError(t, err)
	assert.NotEmpty(t, inst.ID)
	assert.Equal(t, InstanceRunning, inst.Status)
	assert.Equal(t, PhasePlanning, inst.CurrentPhase)

	action := awaitParked(t, reg, inst.ID)
	assert.Equal(t, StepHuman, action.Kind)
}

func TestRegistryStartInstanceValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.StartInstance(context.Background(), "", "rpt-17")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = reg.StartInstance(context.Background(), "cycle-2025-q1", "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestRegistryStartBeforeStartFails(t *testing.T) {
	env := newTestEnv()
	reg := NewRegistry(env.deps)

	_, err := reg.StartInstance(context.Background(), "cycle-2025-q1", "rpt-17")
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
}

func TestRegistryUnknownInstanceLookups(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Snapshot("no-such-id")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	err = reg.Abort(context.Background(), "no-such-id", "reason", "admin")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	err = reg.SkipPhase(context.Background(), "no-such-id", PhasePlanning, 1, "reason", "admin")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestRegistryResumeRejectsRunningInstance(t *testing.T) {
	reg, _ := newTestRegistry(t)

	inst, err := reg.StartInstance(context.Background(), "cycle-2025-q1", "rpt-17")
	require.NoError(t, err)
	awaitParked(t, reg, inst.ID)

	err = reg.Resume(inst.ID)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestRegistryAbortThenResumeRejected(t *testing.T) {
	reg, _ := newTestRegistry(t)

	inst, err := reg.StartInstance(context.Background(), "cycle-2025-q1", "rpt-17")
	require.NoError(t, err)
	awaitParked(t, reg, inst.ID)

	require.NoError(t, reg.Abort(context.Background(), inst.ID, "descoped", "admin"))
	require.Eventually(t, func() bool {
		snap, err := reg.Snapshot(inst.ID)
		return err == nil && snap.Status == InstanceAborted
	}, 5*time.Second, 2*time.Millisecond)

	err = reg.Resume(inst.ID)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
