package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/evidentra/testcycle-orchestrator/pkg/audit"
	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
)

// scriptedInvoker fails steps by name a configured number of times, then
// succeeds. Unscripted steps succeed immediately.
type scriptedInvoker struct {
	mu        sync.Mutex
	failures  map[string]int
	failWith  map[string]error
	calls     map[string]int
	undoCalls []string
	undoable  bool
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{
		failures: make(map[string]int),
		failWith: make(map[string]error),
		calls:    make(map[string]int),
		undoable: true,
	}
}

func (f *scriptedInvoker) failStep(name string, times int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[name] = times
	f.failWith[name] = err
}

func (f *scriptedInvoker) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *scriptedInvoker) Invoke(_ context.Context, sc StepContext) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[sc.StepName]++
	if f.failures[sc.StepName] > 0 {
		f.failures[sc.StepName]--
		return nil, f.failWith[sc.StepName]
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *scriptedInvoker) Undo(_ context.Context, sc StepContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.undoCalls = append(f.undoCalls, sc.StepName)
	return nil
}

// recordingNotifier captures emitted events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	eventType  string
	recipients []Role
	payload    interface{}
}

func (n *recordingNotifier) Emit(_ context.Context, eventType string, recipients []Role, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{eventType: eventType, recipients: recipients, payload: payload})
}

func (n *recordingNotifier) countOf(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.eventType == eventType {
			c++
		}
	}
	return c
}

// allowAll authorizes every actor for every step.
type allowAll struct{}

func (allowAll) MayResolve(context.Context, string, *StepRecord) bool { return true }

// denyAll rejects every actor.
type denyAll struct{}

func (denyAll) MayResolve(context.Context, string, *StepRecord) bool { return false }

// testEnv bundles the wired collaborators for coordinator-level tests.
type testEnv struct {
	invoker    *scriptedInvoker
	notifier   *recordingNotifier
	dispatcher *SignalDispatcher
	sla        *SLAMonitor
	deps       Dependencies
}

func newTestEnv() *testEnv {
	logger := logging.NewTestLogger()
	metrics := NewTestMetrics()
	invoker := newScriptedInvoker()
	notifier := &recordingNotifier{}

	dispatcher := NewSignalDispatcher(allowAll{}, metrics, logger)
	sla := NewSLAMonitor(DefaultSLAMonitorConfig(), notifier, metrics, logger)
	dispatcher.SetSLAMonitor(sla)

	execCfg := ExecutorConfig{BaseBackoff: time.Millisecond, MaxAttempts: 3, InvokeTimeout: time.Second}
	executor := NewStepExecutor(invoker, execCfg, metrics, logger)
	executor.sleep = func(context.Context, time.Duration) error { return nil }

	trail := audit.NewTrail(audit.DefaultConfig(), audit.NewLogBackend(logger), logger)

	return &testEnv{
		invoker:    invoker,
		notifier:   notifier,
		dispatcher: dispatcher,
		sla:        sla,
		deps: Dependencies{
			Catalog:      NewDefaultCatalog(),
			StateMachine: NewStateMachine(logger),
			Executor:     executor,
			Dispatcher:   dispatcher,
			SLA:          sla,
			Compensation: NewCompensationHandler(invoker, notifier, metrics, logger),
			Notifier:     notifier,
			Audit:        trail,
			Store:        NopStore{},
			Metrics:      metrics,
			Logger:       logger,
		},
	}
}
