package http_api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/davarch/approval-gate/internal/application"
	"github.com/davarch/approval-gate/internal/domain"
	"github.com/davarch/approval-gate/internal/infrastructure/metrics"
	"github.com/davarch/approval-gate/internal/infrastructure/slack_http"
	"github.com/davarch/approval-gate/internal/infrastructure/store_memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	secret   = "s3cret"
	apiToken = "api-token"
)

type fixture struct {
	srv      *httptest.Server
	registry *store_memory.Registry
	execs    *store_memory.Executions
	deployer *domain.MockDeployer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		registry: store_memory.NewRegistry(),
		execs:    store_memory.NewExecutions(),
		deployer: &domain.MockDeployer{},
	}
	bus := application.NewBus(0)
	notifier := &domain.MockNotifier{}
	approvers := &domain.MockApprovers{Allowed: map[string]bool{"alice": true}}
	rec := metrics.New()

	orch := application.NewOrchestrator(nil, application.Deps{
		Executions: f.execs,
		Registry:   f.registry,
		Notifier:   notifier,
		Deployer:   f.deployer,
		Bus:        bus,
		Metrics:    rec,
	}, application.Options{Pipeline: "pipeline-dev", Branch: "master"})
	callbacks := application.NewCallbackHandler(nil, f.registry, approvers, notifier, bus, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		orch.Run(ctx)
		close(done)
	}()

	s := New(nil, Deps{
		Orchestrator: orch,
		Callbacks:    callbacks,
		Registry:     f.registry,
		Executions:   f.execs,
		Verifier:     slack_http.Verifier{SigningSecret: secret},
		Metrics:      rec,
	}, Options{APIToken: apiToken})
	f.srv = httptest.NewServer(s.Handler())

	t.Cleanup(func() {
		f.srv.Close()
		cancel()
		<-done
		orch.Wait()
	})
	return f
}

func (f *fixture) api(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) bot(t *testing.T, contentType string, body []byte) *http.Response {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/bot", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(slack_http.HeaderTimestamp, ts)
	req.Header.Set(slack_http.HeaderSignature, slack_http.Sign(secret, ts, body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) trigger(t *testing.T) domain.PipelineExecution {
	t.Helper()
	resp := f.api(t, http.MethodPost, "/executions", map[string]string{"owner": "octo", "repo": "app", "commit": "abc123"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var e domain.PipelineExecution
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Equal(t, domain.ExecutionRunning, e.Status)

	// Stages run after the response; wait for the gate to open.
	require.Eventually(t, func() bool {
		req, found, err := f.registry.FindByExecution(context.Background(), e.ID)
		return err == nil && found && req.Pending() && req.NotifiedAt != nil
	}, 2*time.Second, 5*time.Millisecond)
	return e
}

func (f *fixture) token(t *testing.T, executionID string) string {
	t.Helper()
	req, found, err := f.registry.FindByExecution(context.Background(), executionID)
	require.NoError(t, err)
	require.True(t, found)
	return req.Token
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func TestBot_ApproveThenConflict(t *testing.T) {
	f := newFixture(t)
	e := f.trigger(t)
	assert.Equal(t, domain.ExecutionRunning, e.Status)
	token := f.token(t, e.ID)

	body, _ := json.Marshal(map[string]string{"token": token, "actor": "alice", "decision": "approve"})
	resp := f.bot(t, "application/json", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Approved by alice, App is now ready to deploy", decode(t, resp)["text"])

	require.Eventually(t, func() bool {
		got, err := f.execs.Get(context.Background(), e.ID)
		return err == nil && got.Status == domain.ExecutionSucceeded
	}, 2*time.Second, 5*time.Millisecond)

	body, _ = json.Marshal(map[string]string{"token": token, "actor": "alice", "decision": "reject"})
	resp = f.bot(t, "application/json", body)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	m := decode(t, resp)
	assert.Equal(t, "approved", m["status"])
	prior, ok := m["prior"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alice", prior["actor"])
	assert.Equal(t, "approve", prior["decision"])
}

func TestBot_InteractivePayloadReject(t *testing.T) {
	f := newFixture(t)
	e := f.trigger(t)
	token := f.token(t, e.ID)

	payload, _ := json.Marshal(map[string]any{
		"user":    map[string]string{"name": "alice"},
		"actions": []map[string]string{{"value": domain.EncodeAction(domain.DecisionReject, token, "pipeline-dev")}},
	})
	body := []byte(url.Values{"payload": {string(payload)}}.Encode())

	resp := f.bot(t, "application/x-www-form-urlencoded", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Rejected by alice, App deployment has been stopped", decode(t, resp)["text"])

	require.Eventually(t, func() bool {
		got, err := f.execs.Get(context.Background(), e.ID)
		return err == nil && got.Status == domain.ExecutionRejected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.deployer.Count())
}

func TestBot_ErrorStatuses(t *testing.T) {
	f := newFixture(t)
	e := f.trigger(t)
	token := f.token(t, e.ID)

	mk := func(tok, actor, decision string) []byte {
		b, _ := json.Marshal(map[string]string{"token": tok, "actor": actor, "decision": decision})
		return b
	}

	resp := f.bot(t, "application/json", mk(token, "mallory", "approve"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "User mallory is not allow to perform this operation", decode(t, resp)["text"])

	resp = f.bot(t, "application/json", mk("unknown", "alice", "approve"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.bot(t, "application/json", mk(token, "alice", "maybe"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/bot", bytes.NewReader(mk(token, "alice", "approve")))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	unsigned, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = unsigned.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, unsigned.StatusCode)

	// Still pending after all the rejected attempts.
	f.token(t, e.ID)
	got, err := f.registry.Get(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, got.Status)
}

func TestExecutions_GetCancelAndList(t *testing.T) {
	f := newFixture(t)
	e := f.trigger(t)

	resp := f.api(t, http.MethodGet, "/approvals?status=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending []domain.ApprovalRequest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pending))
	require.Len(t, pending, 1)
	assert.Equal(t, e.ID, pending[0].ExecutionID)

	resp = f.api(t, http.MethodGet, "/approvals?status=approved", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.api(t, http.MethodGet, "/executions/"+e.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decode(t, resp)
	assert.Equal(t, "running", m["status"])
	approval, ok := m["approval"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pending", approval["status"])

	resp = f.api(t, http.MethodPost, "/executions/"+e.ID+"/cancel", map[string]string{"actor": "dave"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", decode(t, resp)["status"])

	resp = f.api(t, http.MethodPost, "/executions/"+e.ID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.api(t, http.MethodGet, "/executions/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.api(t, http.MethodPost, "/executions/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_RequiresToken(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/approvals")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	health, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = health.Body.Close() }()
	assert.Equal(t, http.StatusOK, health.StatusCode)
	assert.NotEmpty(t, health.Header.Get("X-Request-Id"))

	m, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = m.Body.Close() }()
	assert.Equal(t, http.StatusOK, m.StatusCode)
}

func TestTrigger_MalformedBody(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/executions", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
