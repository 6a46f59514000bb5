package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidentra/testcycle-orchestrator/pkg/audit"
	"github.com/evidentra/testcycle-orchestrator/pkg/clients"
	"github.com/evidentra/testcycle-orchestrator/pkg/config"
	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
	"github.com/evidentra/testcycle-orchestrator/pkg/workflow"
)

type stubInvoker struct{}

func (stubInvoker) Invoke(_ context.Context, sc workflow.StepContext) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"step":%q}`, sc.StepName)), nil
}

type stubNotifier struct{}

func (stubNotifier) Emit(context.Context, string, []workflow.Role, interface{}) {}

func newTestServer(t *testing.T) (*Server, *workflow.Registry) {
	t.Helper()
	logger := logging.NewStructuredLogger(logging.Config{Level: "error", Format: "json", ServiceName: "httpapi-test"})
	metrics := workflow.NewTestMetrics()

	authorizer := clients.NewRoleMapAuthorizer(map[string][]workflow.Role{
		"admin": {workflow.RoleAdmin},
	}, logger)
	dispatcher := workflow.NewSignalDispatcher(authorizer, metrics, logger)
	sla := workflow.NewSLAMonitor(workflow.SLAMonitorConfig{EvaluationInterval: time.Hour}, stubNotifier{}, metrics, logger)
	dispatcher.SetSLAMonitor(sla)
	executor := workflow.NewStepExecutor(stubInvoker{}, workflow.ExecutorConfig{
		BaseBackoff:   time.Millisecond,
		MaxAttempts:   3,
		InvokeTimeout: time.Second,
	}, metrics, logger)

	registry := workflow.NewRegistry(workflow.Dependencies{
		Catalog:      workflow.NewDefaultCatalog(),
		StateMachine: workflow.NewStateMachine(logger),
		Executor:     executor,
		Dispatcher:   dispatcher,
		SLA:          sla,
		Compensation: workflow.NewCompensationHandler(stubInvoker{}, stubNotifier{}, metrics, logger),
		Notifier:     stubNotifier{},
		Audit:        audit.NewTrail(audit.DefaultConfig(), audit.NewLogBackend(logger), logger),
		Store:        workflow.NopStore{},
		Metrics:      metrics,
		Logger:       logger,
	})
	require.NoError(t, registry.Start(context.Background()))
	t.Cleanup(registry.Stop)

	srv := NewServer(config.ServerConfig{ListenAddr: ":0"}, registry, Options{}, logger)
	return srv, registry
}

func doJSON(t *testing.T, router http.Handler, method, path, actor string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	} else {
		buf.WriteString("{}")
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func startViaAPI(t *testing.T, router http.Handler) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/v1/instances", "admin",
		map[string]string{"cycle_id": "cycle-2025-q1", "report_id": "rpt-17"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var inst workflow.WorkflowInstance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))
	require.NotEmpty(t, inst.ID)
	return inst.ID
}

func awaitingStep(t *testing.T, registry *workflow.Registry, instanceID string) workflow.AwaitingAction {
	t.Helper()
	var action workflow.AwaitingAction
	require.Eventually(t, func() bool {
		snap, err := registry.Snapshot(instanceID)
		if err != nil || snap.AwaitingAction == nil {
			return false
		}
		action = *snap.AwaitingAction
		return true
	}, 5*time.Second, 5*time.Millisecond, "instance never parked for a decision")
	return action
}

func TestStartInstanceAndQueryStatus(t *testing.T) {
	srv, registry := newTestServer(t)
	router := srv.Router()

	id := startViaAPI(t, router)
	awaitingStep(t, registry, id)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/instances/"+id+"/status", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap workflow.StatusSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, id, snap.InstanceID)
	assert.Equal(t, workflow.InstanceRunning, snap.Status)
	assert.NotNil(t, snap.AwaitingAction)
	assert.Len(t, snap.PhaseStatuses, 8)
}

func TestSignalAcknowledgedThenDuplicateRejected(t *testing.T) {
	srv, registry := newTestServer(t)
	router := srv.Router()

	id := startViaAPI(t, router)
	action := awaitingStep(t, registry, id)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/instances/"+id+"/signals", "admin",
		map[string]string{"step_id": action.StepID, "decision": "approve"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp signalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ack", resp.Result)
	assert.Equal(t, action.StepID, resp.StepID)

	// The continuation is consumed; a replay must be rejected.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/instances/"+id+"/signals", "admin",
		map[string]string{"step_id": action.StepID, "decision": "approve"})
	assert.GreaterOrEqual(t, rec.Code, 400)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "rejected", errResp.Result)
}

func TestSignalWithoutActorIsForbidden(t *testing.T) {
	srv, registry := newTestServer(t)
	router := srv.Router()

	id := startViaAPI(t, router)
	action := awaitingStep(t, registry, id)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/instances/"+id+"/signals", "",
		map[string]string{"step_id": action.StepID, "decision": "approve"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSignalFromUnauthorizedActorIsForbidden(t *testing.T) {
	srv, registry := newTestServer(t)
	router := srv.Router()

	id := startViaAPI(t, router)
	action := awaitingStep(t, registry, id)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/instances/"+id+"/signals", "stranger",
		map[string]string{"step_id": action.StepID, "decision": "approve"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The step is still waiting; the rightful actor can proceed.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/instances/"+id+"/signals", "admin",
		map[string]string{"step_id": action.StepID, "decision": "approve"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestUnknownInstanceIsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/api/v1/instances/no-such-id/status", "admin", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/instances/no-such-id/signals", "admin",
		map[string]string{"step_id": "x", "decision": "approve"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAbortStopsInstance(t *testing.T) {
	srv, registry := newTestServer(t)
	router := srv.Router()

	id := startViaAPI(t, router)
	awaitingStep(t, registry, id)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/instances/"+id+"/abort", "admin",
		map[string]string{"reason": "report descoped"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Eventually(t, func() bool {
		snap, err := registry.Snapshot(id)
		return err == nil && snap.Status == workflow.InstanceAborted
	}, 5*time.Second, 5*time.Millisecond)
}

func TestDocumentsRouteWithoutStoreFails(t *testing.T) {
	srv, registry := newTestServer(t)
	router := srv.Router()

	id := startViaAPI(t, router)
	awaitingStep(t, registry, id)

	rec := doJSON(t, router, http.MethodPost,
		"/api/v1/instances/"+id+"/phases/Planning/documents?filename=evidence.pdf", "admin", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return fmt.Errorf("connection refused") }

func TestReadinessReportsBackendOutage(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.readiness = []Pinger{failingPinger{}}
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
