package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
)

type capturingBackend struct {
	mu      sync.Mutex
	events  []*Event
	batches int
	fail    bool
}

func (b *capturingBackend) WriteEvents(_ context.Context, events []*Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return fmt.Errorf("backend unavailable")
	}
	b.batches++
	b.events = append(b.events, append([]*Event(nil), events...)...)
	return nil
}

func (b *capturingBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func testLogger() *logging.StructuredLogger {
	return logging.NewStructuredLogger(logging.Config{Level: "error", Format: "json", ServiceName: "audit-test"})
}

func TestTrailFlushesOnStop(t *testing.T) {
	backend := &capturingBackend{}
	trail := NewTrail(Config{QueueSize: 16, BatchSize: 8, FlushInterval: time.Hour}, backend, testLogger())
	require.NoError(t, trail.Start(context.Background()))

	trail.Record(&Event{InstanceID: "wf-1", Category: CategoryPhase, Action: "approve"})
	trail.Record(&Event{InstanceID: "wf-1", Category: CategoryStep, Action: "step_done"})
	trail.Stop()

	require.Equal(t, 2, backend.count())
	assert.Equal(t, "approve", backend.events[0].Action)
	assert.Equal(t, "step_done", backend.events[1].Action)
	assert.Zero(t, trail.Dropped())
}

func TestTrailFillsIDAndTimestamp(t *testing.T) {
	backend := &capturingBackend{}
	trail := NewTrail(Config{QueueSize: 4, BatchSize: 4, FlushInterval: time.Hour}, backend, testLogger())
	require.NoError(t, trail.Start(context.Background()))

	trail.Record(&Event{InstanceID: "wf-1", Category: CategorySignal, Action: "deliver"})
	trail.Stop()

	require.Equal(t, 1, backend.count())
	got := backend.events[0]
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestTrailFlushesFullBatchBeforeInterval(t *testing.T) {
	backend := &capturingBackend{}
	trail := NewTrail(Config{QueueSize: 64, BatchSize: 4, FlushInterval: time.Hour}, backend, testLogger())
	require.NoError(t, trail.Start(context.Background()))
	defer trail.Stop()

	for i := 0; i < 4; i++ {
		trail.Record(&Event{InstanceID: "wf-1", Category: CategoryStep, Action: fmt.Sprintf("step_%d", i)})
	}

	// The flush interval is an hour out, so only the batch-size trigger can
	// deliver these.
	assert.Eventually(t, func() bool { return backend.count() == 4 }, time.Second, 5*time.Millisecond)
}

func TestTrailDropsWhenQueueFull(t *testing.T) {
	backend := &capturingBackend{}
	trail := NewTrail(Config{QueueSize: 2, BatchSize: 64, FlushInterval: time.Hour}, backend, testLogger())
	// Not started: nothing drains the queue, so the third record must drop.
	trail.Record(&Event{InstanceID: "wf-1", Action: "a"})
	trail.Record(&Event{InstanceID: "wf-1", Action: "b"})
	trail.Record(&Event{InstanceID: "wf-1", Action: "c"})

	assert.Equal(t, int64(1), trail.Dropped())
}

func TestTrailRecordIgnoresNil(t *testing.T) {
	trail := NewTrail(DefaultConfig(), &capturingBackend{}, testLogger())
	trail.Record(nil)
	assert.Zero(t, trail.Dropped())
}

func TestTrailStartAndStopAreIdempotent(t *testing.T) {
	backend := &capturingBackend{}
	trail := NewTrail(Config{QueueSize: 4, BatchSize: 4, FlushInterval: time.Hour}, backend, testLogger())
	require.NoError(t, trail.Start(context.Background()))
	require.NoError(t, trail.Start(context.Background()))
	trail.Stop()
	trail.Stop()
}

func TestTrailSurvivesBackendFailure(t *testing.T) {
	backend := &capturingBackend{fail: true}
	trail := NewTrail(Config{QueueSize: 8, BatchSize: 2, FlushInterval: time.Hour}, backend, testLogger())
	require.NoError(t, trail.Start(context.Background()))

	trail.Record(&Event{InstanceID: "wf-1", Action: "a"})
	trail.Record(&Event{InstanceID: "wf-1", Action: "b"})
	trail.Stop()

	// Writes failed but the trail must not panic or wedge; later events still
	// reach a recovered backend.
	backend.mu.Lock()
	backend.fail = false
	backend.mu.Unlock()

	require.NoError(t, trail.Start(context.Background()))
	trail.Record(&Event{InstanceID: "wf-1", Action: "c"})
	trail.Stop()
	assert.Equal(t, 1, backend.count())
}
