package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/internal/alert"
	"leadflow/internal/domain"
	"leadflow/internal/store"
)

// scriptedClient fails the first failures calls and succeeds afterwards.
type scriptedClient struct {
	mu       sync.Mutex
	failures int
	calls    []string
	payloads []any
}

func (c *scriptedClient) Invoke(ctx context.Context, action string, payload any) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, action)
	c.payloads = append(c.payloads, payload)
	if len(c.calls) <= c.failures {
		return Response{}, errors.New("agent unavailable")
	}
	return Response{Success: true, Result: json.RawMessage(`{"score":87}`), LatencyMs: 12}, nil
}

type alertRecord struct {
	level alert.Level
	title string
}

type recorder struct {
	mu     sync.Mutex
	alerts []alertRecord
}

func (r *recorder) Notify(ctx context.Context, level alert.Level, title, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alertRecord{level, title})
}

func (r *recorder) count(level alert.Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.level == level {
			n++
		}
	}
	return n
}

type fixture struct {
	svc    *Service
	store  *store.SQLiteStore
	client *scriptedClient
	alerts *recorder
	sleeps []time.Duration
}

func newFixture(t *testing.T, failures int) *fixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{store: store.New(db), client: &scriptedClient{failures: failures}, alerts: &recorder{}}
	f.svc = NewService(Options{
		Client:     f.client,
		Store:      f.store,
		Notifier:   f.alerts,
		MaxRetries: 3,
		RetryDelay: time.Second,
		Name:       "relevance_ai",
		Sleep: func(ctx context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return nil
		},
	})
	return f
}

func (f *fixture) counters(t *testing.T, agent string) (success, errs int64) {
	t.Helper()
	st, err := f.store.GetAgentStatus(context.Background(), agent)
	if errors.Is(err, store.ErrNotFound) {
		return 0, 0
	}
	require.NoError(t, err)
	return st.SuccessCount, st.ErrorCount
}

func TestSucceedsOnThirdAttempt(t *testing.T) {
	f := newFixture(t, 2)
	task := f.svc.ExecuteAgentTask(context.Background(), "salesAgent", "lead_analysis", json.RawMessage(`{"leadId":"L1"}`), "U1", "C1")

	assert.Equal(t, domain.AgentCompleted, task.Status)
	assert.Equal(t, 2, task.RetryCount)
	assert.JSONEq(t, `{"score":87}`, string(task.OutputPayload))
	assert.Len(t, f.client.calls, 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.sleeps)

	success, errs := f.counters(t, "salesAgent")
	assert.Equal(t, int64(1), success)
	assert.Equal(t, int64(0), errs)
	assert.Zero(t, f.alerts.count(alert.Error))

	stored, err := f.store.GetAgentTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentCompleted, stored.Status)
	assert.Equal(t, 2, stored.RetryCount)
	require.NotNil(t, stored.CompletedAt)
}

func TestExhaustedRetriesFail(t *testing.T) {
	f := newFixture(t, 100)
	task := f.svc.ExecuteAgentTask(context.Background(), "salesAgent", "lead_analysis", nil, "U1", "C1")

	assert.Equal(t, domain.AgentFailed, task.Status)
	assert.Equal(t, 3, task.RetryCount)
	assert.Len(t, f.client.calls, task.RetryCount+1)
	assert.Equal(t, "agent unavailable", task.ErrorMessage)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, f.sleeps)

	success, errs := f.counters(t, "salesAgent")
	assert.Equal(t, int64(0), success)
	assert.Equal(t, int64(1), errs)
	assert.Equal(t, 1, f.alerts.count(alert.Error))
	assert.Zero(t, f.alerts.count(alert.Critical))
}

func TestRetryCountNeverExceedsMax(t *testing.T) {
	for failures := 0; failures <= 5; failures++ {
		f := newFixture(t, failures)
		task := f.svc.ExecuteAgentTask(context.Background(), "salesAgent", "follow_up", nil, "U1", "C1")
		assert.LessOrEqual(t, task.RetryCount, 3)
		assert.Len(t, f.client.calls, task.RetryCount+1)
	}
}

func TestClusterAlertAtThreshold(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()

	f.svc.ExecuteAgentTask(ctx, "salesAgent", "lead_analysis", nil, "U1", "C1")
	f.svc.ExecuteAgentTask(ctx, "salesAgent", "lead_analysis", nil, "U1", "C1")
	assert.Zero(t, f.alerts.count(alert.Critical), "two failures must not trigger the cluster alert")

	f.svc.ExecuteAgentTask(ctx, "salesAgent", "lead_analysis", nil, "U1", "C1")
	assert.Equal(t, 1, f.alerts.count(alert.Critical))
	assert.Equal(t, 3, f.alerts.count(alert.Error))
}

func TestClusterIgnoresOldAndOtherCompanyFailures(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	for i, company := range []string{"C1", "C1", "C2"} {
		id := []string{"agt_old1", "agt_old2", "agt_other"}[i]
		require.NoError(t, f.store.InsertAgentTask(ctx, domain.AgentTask{ID: id, CompanyID: company, UserID: "U1", AgentType: "a", TaskType: "t", Status: domain.AgentPending}))
		done := time.Now()
		if company == "C1" {
			done = old
		}
		require.NoError(t, f.store.UpdateAgentTask(ctx, domain.AgentTask{ID: id, Status: domain.AgentFailed, CompletedAt: &done}))
	}

	f.svc.ExecuteAgentTask(ctx, "salesAgent", "lead_analysis", nil, "U1", "C1")
	assert.Zero(t, f.alerts.count(alert.Critical))
}

func TestUnknownTaskTypeUsesDefaultWorkflow(t *testing.T) {
	f := newFixture(t, 0)
	f.svc.ExecuteAgentTask(context.Background(), "salesAgent", "something_new", nil, "U1", "C1")
	require.Len(t, f.client.payloads, 1)
	assert.Equal(t, DefaultWorkflow, f.client.payloads[0].(map[string]any)["workflow_id"])
	assert.Equal(t, "lead-analysis-workflow", WorkflowFor("lead_analysis"))
}

func TestCancelledBackoffFailsTask(t *testing.T) {
	f := newFixture(t, 100)
	f.svc.sleep = func(ctx context.Context, d time.Duration) error { return context.Canceled }

	task := f.svc.ExecuteAgentTask(context.Background(), "salesAgent", "lead_analysis", nil, "U1", "C1")
	assert.Equal(t, domain.AgentFailed, task.Status)
	assert.Equal(t, 0, task.RetryCount)
	assert.Contains(t, task.ErrorMessage, "retry aborted")
}

func TestAttemptRunsUntilCallerGivesUp(t *testing.T) {
	f := newFixture(t, 0)
	var calls atomic.Int32
	f.svc.client = clientFunc(func(ctx context.Context, action string, payload any) (Response, error) {
		calls.Add(1)
		<-ctx.Done()
		return Response{}, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	task := f.svc.ExecuteAgentTask(ctx, "salesAgent", "lead_analysis", nil, "U1", "C1")

	assert.Equal(t, domain.AgentFailed, task.Status)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, task.RetryCount)
	assert.Empty(t, f.sleeps)
	assert.GreaterOrEqual(t, task.ExecutionTimeMs, int64(100))
	assert.Contains(t, task.ErrorMessage, "deadline exceeded")

	stored, err := f.store.GetAgentTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentFailed, stored.Status)
	_, errs := f.counters(t, "salesAgent")
	assert.Equal(t, int64(1), errs)
}

func TestUnsuccessfulResponseIsFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.svc.client = clientFunc(func(ctx context.Context, action string, payload any) (Response, error) {
		return Response{Success: false, Error: "workflow not found"}, nil
	})
	task := f.svc.ExecuteAgentTask(context.Background(), "salesAgent", "lead_analysis", nil, "U1", "C2")
	assert.Equal(t, domain.AgentFailed, task.Status)
	assert.Equal(t, "workflow not found", task.ErrorMessage)
}

type clientFunc func(ctx context.Context, action string, payload any) (Response, error)

func (f clientFunc) Invoke(ctx context.Context, action string, payload any) (Response, error) {
	return f(ctx, action, payload)
}

func TestPerformHealthCheck(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	st, err := f.svc.PerformHealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentOnline, st.Status)
	assert.Equal(t, int64(12), st.ResponseTimeMs)
	assert.Equal(t, []string{ActionListWorkflows}, f.client.calls)

	f.svc.client = clientFunc(func(ctx context.Context, action string, payload any) (Response, error) {
		return Response{}, errors.New("connection refused")
	})
	st, err = f.svc.PerformHealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentError, st.Status)

	stored, err := f.store.GetAgentStatus(ctx, "relevance_ai")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentError, stored.Status)
	assert.Equal(t, "connection refused", stored.Metadata["error"])
	assert.Equal(t, int64(1), stored.SuccessCount)
	assert.Equal(t, int64(1), stored.ErrorCount)
}

func TestPingTestDoesNotWrite(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	res := f.svc.PingTest(ctx)
	assert.False(t, res.Success)
	assert.Equal(t, "agent unavailable", res.Error)

	res = f.svc.PingTest(ctx)
	assert.True(t, res.Success)
	assert.Equal(t, int64(12), res.LatencyMs)

	_, err := f.store.GetAgentStatus(ctx, "relevance_ai")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHTTPClientInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, ActionExecuteWorkflow, req["action"])
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"success":true,"result":{"ok":1}}`))
	}))
	defer srv.Close()

	c := &HTTPClient{URL: srv.URL, APIKey: "secret"}
	resp, err := c.Invoke(context.Background(), ActionExecuteWorkflow, map[string]any{"workflow_id": "w"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"ok":1}`, string(resp.Result))
}

func TestHTTPClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := (&HTTPClient{URL: srv.URL}).Invoke(context.Background(), ActionListWorkflows, nil)
	assert.ErrorContains(t, err, "HTTP 503")

	_, err = (&HTTPClient{}).Invoke(context.Background(), ActionListWorkflows, nil)
	assert.ErrorContains(t, err, "not configured")
}
