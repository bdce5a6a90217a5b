package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sendloop/sendloop/clock"
	"github.com/sendloop/sendloop/db"
	"github.com/sendloop/sendloop/errors"
	"github.com/sendloop/sendloop/executor"
	"github.com/sendloop/sendloop/health"
	qtest "github.com/sendloop/sendloop/internal/testing"
	"github.com/sendloop/sendloop/jobs"
	"github.com/sendloop/sendloop/recurrence"
	"github.com/sendloop/sendloop/scheduler"
	"github.com/sendloop/sendloop/trigger"
	"github.com/sendloop/sendloop/workflow"
)

const (
	pollToken  = "poll-secret"
	adminToken = "admin-secret"
	hookSecret = "hook-secret"
)

type okRunner struct{}

func (okRunner) Execute(context.Context, workflow.Snapshot, jobs.TriggerMetadata) (*executor.RunResult, error) {
	return &executor.RunResult{Success: true, Message: "sent"}, nil
}

type fixture struct {
	srv    *Server
	http   *httptest.Server
	clk    *clock.Fixed
	store  *jobs.Store
	source *workflow.Memory
	exec   *executor.Executor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	log := zap.NewNop().Sugar()
	conn := qtest.CreateTestDB(t)
	clk := clock.NewFixed(time.Date(2025, 3, 10, 13, 0, 0, 0, seoul))
	tz := clock.NewServiceIn(seoul, clk)
	store := jobs.NewStore(conn, db.SQLite)
	source := workflow.NewMemory()
	registrar := scheduler.NewRegistrar(store, source, tz, jobs.DefaultMaxRetries, log)
	exec := executor.New(store, okRunner{}, clk, executor.DefaultOptions(), log)
	exec.SetRescheduler(registrar)
	monitor := health.NewMonitor(conn, db.SQLite, clk, 5*time.Minute, log)

	srv := New(Deps{
		Jobs:      store,
		Registrar: registrar,
		Cleaner:   exec,
		Poller:    trigger.NewPollTrigger(exec, monitor, clk, log),
		Manual:    trigger.NewManualTrigger(source, registrar, exec, log),
		Webhook:   trigger.NewWebhookTrigger(source, registrar, exec, trigger.WebhookOptions{Secret: hookSecret}, log),
		Health:    monitor,
		Clock:     clk,
	}, opts, log)
	exec.SetBroadcaster(srv.Hub())

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Hub().Close()
		hs.Close()
	})
	return &fixture{srv: srv, http: hs, clk: clk, store: store, source: source, exec: exec}
}

func defaultOptions() Options {
	return Options{PollToken: pollToken, AdminToken: adminToken}
}

func (f *fixture) do(t *testing.T, method, path, token, body string, headers ...string) (int, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func (f *fixture) dueJob(t *testing.T, workflowID string) *jobs.Job {
	t.Helper()
	w := workflow.NewRecurring(workflowID, recurrence.Pattern{Frequency: recurrence.Daily, Time: "09:00"}, f.clk.Now())
	job := &jobs.Job{
		WorkflowID:      workflowID,
		Snapshot:        w.Snapshot(),
		ScheduledTime:   f.clk.Now().Add(-time.Minute),
		MaxRetries:      3,
		TriggerMetadata: jobs.TriggerMetadata{Source: jobs.SourceScheduled},
		CreatedAt:       f.clk.Now(),
	}
	require.NoError(t, f.store.Create(context.Background(), job))
	return job
}

func TestPollRequiresToken(t *testing.T) {
	f := newFixture(t, defaultOptions())

	status, body := f.do(t, http.MethodPost, "/scheduler/poll", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, false, body["success"])

	status, _ = f.do(t, http.MethodPost, "/scheduler/poll", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodPost, "/scheduler/poll", adminToken, "")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestPollExecutesDueJobs(t *testing.T) {
	f := newFixture(t, defaultOptions())
	f.dueJob(t, "wf-1")
	f.dueJob(t, "wf-2")

	status, body := f.do(t, http.MethodGet, "/scheduler/poll", pollToken, "", HeaderCaller, "vercel-cron")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(2), body["totalJobs"])
	assert.Equal(t, float64(2), body["executedJobs"])
	assert.Len(t, body["results"], 2)

	// The poll was recorded for health
	status, body = f.do(t, http.MethodGet, "/scheduler/health", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["healthy"])
	last, ok := body["lastSignal"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "vercel-cron", last["caller"])
}

func TestUnconfiguredTokenRejectsUnlessInsecure(t *testing.T) {
	f := newFixture(t, Options{})
	status, body := f.do(t, http.MethodPost, "/scheduler/poll", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, body["message"], "not configured")

	f = newFixture(t, Options{Insecure: true})
	status, _ = f.do(t, http.MethodPost, "/scheduler/poll", "", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestHealthWithoutSignals(t *testing.T) {
	f := newFixture(t, defaultOptions())
	status, body := f.do(t, http.MethodGet, "/scheduler/health", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["healthy"])
	assert.Equal(t, "no signals recorded", body["status"])
}

func TestRegisterCreatesRecurringJobs(t *testing.T) {
	f := newFixture(t, defaultOptions())
	f.source.Put(workflow.NewRecurring("wf-daily", recurrence.Pattern{Frequency: recurrence.Daily, Time: "14:00"}, f.clk.Now()))

	status, body := f.do(t, http.MethodPost, "/scheduler/register", adminToken, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["created"])

	status, body = f.do(t, http.MethodPost, "/scheduler/register", adminToken, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["created"])
	assert.Equal(t, float64(1), body["skipped"])

	status, _ = f.do(t, http.MethodPost, "/scheduler/register", pollToken, "")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestForceCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultOptions())
	job := f.dueJob(t, "wf-1")
	claimed, err := f.store.Claim(ctx, job.ID, f.clk.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	status, body := f.do(t, http.MethodPost, "/scheduler/force-cleanup", adminToken, `{"olderThanMinutes":60}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["count"])

	status, body = f.do(t, http.MethodPost, "/scheduler/force-cleanup", adminToken, `{"jobId":"`+job.ID+`"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	got, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)

	status, _ = f.do(t, http.MethodPost, "/scheduler/force-cleanup", adminToken, `{"olderThanMinutes":-1}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/scheduler/force-cleanup", adminToken, `{"bogus":true}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWebhookRoute(t *testing.T) {
	f := newFixture(t, defaultOptions())
	f.source.Put(workflow.NewWebhook("wf-signup", "signup",
		workflow.Schedule{Type: workflow.ScheduleDelay, DelayMinutes: 10}, f.clk.Now()))
	payload := `{"customer":{"id":"c-9"}}`

	status, _ := f.do(t, http.MethodPost, "/webhook/signup", "", payload)
	assert.Equal(t, http.StatusUnauthorized, status)

	sig := trigger.SignatureHeader([]byte(hookSecret), []byte(payload))
	status, body := f.do(t, http.MethodPost, "/webhook/signup", "", payload, trigger.HeaderSignature, sig)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["matched"])

	list, err := f.store.List(context.Background(), jobs.Filter{WorkflowID: "wf-signup"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].ScheduledTime.Equal(f.clk.Now().Add(10*time.Minute)))

	bad := `not json`
	status, _ = f.do(t, http.MethodPost, "/webhook/signup", "", bad,
		trigger.HeaderSignature, trigger.SignatureHeader([]byte(hookSecret), []byte(bad)))
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWorkflowTriggerAndSync(t *testing.T) {
	f := newFixture(t, defaultOptions())
	w := workflow.NewRecurring("wf-now", recurrence.Pattern{}, f.clk.Now())
	w.Schedule = workflow.Schedule{Type: workflow.ScheduleImmediate}
	f.source.Put(w)

	status, body := f.do(t, http.MethodPost, "/workflows/wf-now/trigger", adminToken, "", HeaderActor, "ops")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "executed", body["mode"])

	status, _ = f.do(t, http.MethodPost, "/workflows/wf-missing/trigger", adminToken, "")
	assert.Equal(t, http.StatusNotFound, status)

	f.source.Put(workflow.NewRecurring("wf-daily", recurrence.Pattern{Frequency: recurrence.Daily, Time: "14:00"}, f.clk.Now()))
	status, body = f.do(t, http.MethodPost, "/workflows/wf-daily/sync", adminToken, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "active", body["status"])
	reg, ok := body["registration"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "created", reg["action"])
}

func TestJobRoutes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultOptions())
	pending := f.dueJob(t, "wf-1")
	running := f.dueJob(t, "wf-2")
	_, err := f.store.Claim(ctx, running.ID, f.clk.Now())
	require.NoError(t, err)

	status, body := f.do(t, http.MethodGet, "/jobs?status=pending", adminToken, "")
	require.Equal(t, http.StatusOK, status)
	list, ok := body["jobs"].([]interface{})
	require.True(t, ok)
	assert.Len(t, list, 1)
	stats := body["stats"].(map[string]interface{})
	assert.Equal(t, float64(1), stats["running"])

	status, _ = f.do(t, http.MethodGet, "/jobs?status=bogus", adminToken, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodGet, "/jobs/"+pending.ID, adminToken, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, pending.ID, body["job"].(map[string]interface{})["id"])

	status, _ = f.do(t, http.MethodGet, "/jobs/nope", adminToken, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodDelete, "/jobs/"+running.ID, adminToken, "")
	assert.Equal(t, http.StatusConflict, status)

	status, _ = f.do(t, http.MethodDelete, "/jobs/"+pending.ID, adminToken, "")
	assert.Equal(t, http.StatusOK, status)
	_, err = f.store.Get(ctx, pending.ID)
	assert.True(t, errors.IsNotFoundError(err))

	status, _ = f.do(t, http.MethodGet, "/jobs", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, defaultOptions())
	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "sendloop_")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, Options{PollToken: pollToken, AdminToken: adminToken, AllowedOrigins: []string{"https://app.example.com"}})

	req, err := http.NewRequest(http.MethodOptions, f.http.URL+"/scheduler/poll", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t, defaultOptions())
	f.dueJob(t, "wf-1")

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/scheduler/events?token=" + adminToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.srv.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = f.exec.PollAndExecute(context.Background(), f.clk.Now())
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev executor.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, executor.EventJobCompleted, ev.Type)
	assert.Equal(t, "wf-1", ev.WorkflowID)

	// Without a token the upgrade is refused
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.http.URL, "http")+"/scheduler/events", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(errors.NewNotFoundError("job x")))
	assert.Equal(t, http.StatusBadRequest, statusFor(errors.NewInvalidRequestError("bad")))
	assert.Equal(t, http.StatusConflict, statusFor(errors.NewConflictError("busy")))
	assert.Equal(t, http.StatusUnauthorized, statusFor(errors.Wrap(errors.ErrUnauthorized, "sig")))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(errors.ErrRateLimited))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
