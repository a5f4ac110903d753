package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/subscription-approval/internal/adapter/cache"
	"github.com/example/subscription-approval/internal/adapter/datazone"
	"github.com/example/subscription-approval/internal/adapter/gate"
	"github.com/example/subscription-approval/internal/adapter/memqueue"
	"github.com/example/subscription-approval/internal/adapter/ticketmock"
	"github.com/example/subscription-approval/internal/clock"
	"github.com/example/subscription-approval/internal/domain"
	"github.com/example/subscription-approval/internal/metrics"
	"github.com/example/subscription-approval/internal/usecase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const event = `{"source":"aws.datazone","detail-type":"Subscription Request Created",
	"detail":{"requestId":"req-1","domainId":"dzd-1","projectId":"prj-1"}}`

type fixture struct {
	server     *Server
	orch       *usecase.Orchestrator
	executions *cache.MemoryExecutionStore
}

func newFixture(t *testing.T, mode domain.Mode) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	executions := cache.NewMemoryExecutionStore()
	worker := &usecase.TicketWorker{
		Client:     ticketmock.New(true),
		Store:      cache.NewMemoryTicketStore(),
		Gate:       gate.NewSemaphore(1),
		Clock:      clk,
		ProjectKey: "DATA",
		IssueType:  "10004",
		Logger:     zap.NewNop(),
	}
	reporter := &usecase.StatusReporter{
		Catalog: datazone.LogCatalog{Logger: zap.NewNop()},
		Ledger:  cache.NewMemoryReportLedger(),
		Scope:   domain.CredentialScope{Operations: []string{domain.OpAcceptSubscription, domain.OpRejectSubscription}},
		Logger:  zap.NewNop(),
	}
	queue := memqueue.New(clk, memqueue.Options{Visibility: time.Minute})
	orch := usecase.NewOrchestrator(usecase.OrchestratorConfig{
		Mode:             mode,
		ApproverID:       "approver-1",
		PollingFrequency: 30 * time.Second,
		ExecutionTimeout: 15 * time.Minute,
		ReportTimeout:    5 * time.Minute,
	}, executions, worker, reporter, queue, clk, zap.NewNop(), nil)
	trigger := usecase.HandleOccurrence{Orchestrator: orch, Logger: zap.NewNop()}
	s := NewServer(usecase.GetExecution{Store: executions}, trigger, orch, metrics.New(), zap.NewNop())
	return &fixture{server: s, orch: orch, executions: executions}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	f.server.Router.ServeHTTP(w, req)
	return w
}

func TestEventStartsExecution(t *testing.T) {
	f := newFixture(t, domain.ModeDirectPolling)

	w := f.do(http.MethodPost, "/api/events", event)
	require.Equal(t, http.StatusAccepted, w.Code)
	var e domain.ExecutionContext
	require.NoError(t, json.NewDecoder(w.Body).Decode(&e))
	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, domain.StateStart, e.State)
	f.orch.Wait()

	w = f.do(http.MethodGet, "/api/executions/req-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var v usecase.ExecutionView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	assert.Equal(t, "Reported-Accepted", v.Result)
	assert.Nil(t, v.Live)

	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/events", event).Code)
}

func TestEventErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"not json", "subscription", http.StatusBadRequest},
		{"missing request id", `{"detail":{"domainId":"dzd-1"}}`, http.StatusBadRequest},
		{"other event", `{"detail-type":"Asset Created","detail":{"requestId":"r","domainId":"d"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, domain.ModeDirectPolling)
			assert.Equal(t, tt.wantCode, f.do(http.MethodPost, "/api/events", tt.body).Code)
		})
	}
}

func TestGetUnknownExecution(t *testing.T) {
	f := newFixture(t, domain.ModeDirectPolling)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/executions/missing", "").Code)
}

func suspend(t *testing.T, f *fixture) string {
	t.Helper()
	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/events", event).Code)
	f.orch.Wait()
	e, err := f.executions.Get(context.Background(), "req-1")
	require.NoError(t, err)
	require.True(t, e.Suspended())

	w := f.do(http.MethodGet, "/api/executions/req-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), e.Token.Value, "token is never exposed")
	return e.Token.Value
}

func TestResumeRedeemsTokenOnce(t *testing.T) {
	f := newFixture(t, domain.ModeQueuedPolling)
	token := suspend(t, f)

	assert.Equal(t, http.StatusBadRequest,
		f.do(http.MethodPost, "/api/executions/req-1/resume", `{"token":"`+token+`","status":"Open"}`).Code)
	assert.Equal(t, http.StatusConflict,
		f.do(http.MethodPost, "/api/executions/req-1/resume", `{"token":"forged","status":"Approved"}`).Code)

	body := `{"token":"` + token + `","status":"Approved","approver":"bob"}`
	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/executions/req-1/resume", body).Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/executions/req-1/resume", body).Code)
	f.orch.Wait()

	w := f.do(http.MethodGet, "/api/executions/req-1", "")
	assert.Contains(t, w.Body.String(), "Reported-Accepted")
}

func TestAbortFailsExecution(t *testing.T) {
	f := newFixture(t, domain.ModeQueuedPolling)
	token := suspend(t, f)

	assert.Equal(t, http.StatusBadRequest,
		f.do(http.MethodPost, "/api/executions/req-1/abort", `{"token":"`+token+`","reason":"bored"}`).Code)
	assert.Equal(t, http.StatusOK,
		f.do(http.MethodPost, "/api/executions/req-1/abort", `{"token":"`+token+`","reason":"timeout","detail":"operator"}`).Code)

	w := f.do(http.MethodGet, "/api/executions/req-1", "")
	assert.Contains(t, w.Body.String(), "Failed(timeout)")
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, domain.ModeDirectPolling)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "").Code)
	w := f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "subscription_approval_executions_started_total")
}
