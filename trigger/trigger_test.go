package trigger

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

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
	"github.com/sendloop/sendloop/workflow"
)

type countingRunner struct {
	mu    sync.Mutex
	metas []jobs.TriggerMetadata
}

func (r *countingRunner) Execute(_ context.Context, _ workflow.Snapshot, meta jobs.TriggerMetadata) (*executor.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metas = append(r.metas, meta)
	return &executor.RunResult{Success: true, Message: "sent"}, nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.metas)
}

type fixture struct {
	clk       *clock.Fixed
	seoul     *time.Location
	store     *jobs.Store
	source    *workflow.Memory
	registrar *scheduler.Registrar
	runner    *countingRunner
	exec      *executor.Executor
	monitor   *health.Monitor
}

func newFixture(t *testing.T) *fixture {
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
	runner := &countingRunner{}
	exec := executor.New(store, runner, clk, executor.DefaultOptions(), log)
	exec.SetRescheduler(registrar)

	return &fixture{
		clk:       clk,
		seoul:     seoul,
		store:     store,
		source:    source,
		registrar: registrar,
		runner:    runner,
		exec:      exec,
		monitor:   health.NewMonitor(conn, db.SQLite, clk, 5*time.Minute, log),
	}
}

func (f *fixture) webhook(opts WebhookOptions) *WebhookTrigger {
	return NewWebhookTrigger(f.source, f.registrar, f.exec, opts, zap.NewNop().Sugar())
}

func (f *fixture) manual() *ManualTrigger {
	return NewManualTrigger(f.source, f.registrar, f.exec, zap.NewNop().Sugar())
}

func (f *fixture) allJobs(t *testing.T) []*jobs.Job {
	t.Helper()
	all, err := f.store.List(context.Background(), jobs.Filter{})
	require.NoError(t, err)
	return all
}

// Poll

type pollerFunc func(ctx context.Context, asOf time.Time) (executor.Summary, error)

func (p pollerFunc) PollAndExecute(ctx context.Context, asOf time.Time) (executor.Summary, error) {
	return p(ctx, asOf)
}

func TestPollRecordsSignal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	w := workflow.NewRecurring("wf-1", recurrence.Pattern{Frequency: recurrence.Daily, Time: "09:00"}, f.clk.Now())
	require.NoError(t, f.store.Create(ctx, &jobs.Job{
		WorkflowID:      w.ID,
		Snapshot:        w.Snapshot(),
		ScheduledTime:   f.clk.Now().Add(-time.Minute),
		MaxRetries:      3,
		TriggerMetadata: jobs.TriggerMetadata{Source: jobs.SourceScheduled},
		CreatedAt:       f.clk.Now(),
	}))

	sum, err := NewPollTrigger(f.exec, f.monitor, f.clk, zap.NewNop().Sugar()).Run(ctx, "vercel-cron")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Executed)

	last, err := f.monitor.LastSignal(ctx, health.SourcePoll)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "vercel-cron", last.Caller)
	assert.Equal(t, health.OutcomeSuccess, last.Outcome)
	assert.Equal(t, 1, last.TotalJobs)
	assert.Equal(t, 1, last.ExecutedJobs)
	assert.True(t, last.ReceivedAt.Equal(f.clk.Now()))
}

func TestPollRecordsSignalOnError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	failing := pollerFunc(func(context.Context, time.Time) (executor.Summary, error) {
		return executor.Summary{}, errors.New("database is locked")
	})
	_, err := NewPollTrigger(failing, f.monitor, f.clk, zap.NewNop().Sugar()).Run(ctx, "cron")
	require.Error(t, err)

	last, err := f.monitor.LastSignal(ctx, health.SourcePoll)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, health.OutcomeError, last.Outcome)
	assert.Contains(t, last.Error, "database is locked")
}

func TestPollRecordsSignalOnPanic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	panicking := pollerFunc(func(context.Context, time.Time) (executor.Summary, error) {
		panic("boom")
	})
	_, err := NewPollTrigger(panicking, f.monitor, f.clk, zap.NewNop().Sugar()).Run(ctx, "cron")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll panic: boom")

	healthy, err := f.monitor.IsHealthy(ctx, f.clk.Now())
	require.NoError(t, err)
	assert.True(t, healthy, "a failing poll still proves the driver is alive")
}

func TestPollSignalSurvivesCancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	idle := pollerFunc(func(ctx context.Context, _ time.Time) (executor.Summary, error) {
		return executor.Summary{}, ctx.Err()
	})
	_, err := NewPollTrigger(idle, f.monitor, f.clk, zap.NewNop().Sugar()).Run(ctx, "cron")
	require.ErrorIs(t, err, context.Canceled)

	last, err := f.monitor.LastSignal(context.Background(), health.SourcePoll)
	require.NoError(t, err)
	require.NotNil(t, last)
}

// Webhook

func TestWebhookDelayedExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.source.Put(workflow.NewWebhook("wf-signup", "signup",
		workflow.Schedule{Type: workflow.ScheduleDelay, DelayMinutes: 10}, f.clk.Now()))

	body := []byte(`{"customer":{"id":"c-1","tier":"gold"}}`)
	res, err := f.webhook(WebhookOptions{}).Handle(ctx, "signup", body, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	require.Len(t, res.Dispatches, 1)
	assert.Equal(t, DispatchScheduled, res.Dispatches[0].Action)

	all := f.allJobs(t)
	require.Len(t, all, 1)
	job := all[0]
	assert.Equal(t, res.Dispatches[0].JobID, job.ID)
	assert.True(t, job.ScheduledTime.Equal(f.clk.Now().Add(10*time.Minute)))
	assert.Equal(t, jobs.SourceWebhook, job.TriggerSource)
	assert.Equal(t, "signup", job.TriggerMetadata.EventType)
	customer, ok := job.TriggerMetadata.WebhookEvent["customer"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "gold", customer["tier"])
	assert.Equal(t, 0, f.runner.count())

	// Every event is its own occurrence
	_, err = f.webhook(WebhookOptions{}).Handle(ctx, "signup", body, http.Header{})
	require.NoError(t, err)
	assert.Len(t, f.allJobs(t), 2)
}

func TestWebhookImmediateExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.source.Put(workflow.NewWebhook("wf-now", "purchase",
		workflow.Schedule{Type: workflow.ScheduleImmediate}, f.clk.Now()))

	res, err := f.webhook(WebhookOptions{}).Handle(ctx, "purchase", []byte(`{"amount":120}`), http.Header{})
	require.NoError(t, err)
	require.Len(t, res.Dispatches, 1)
	assert.Equal(t, DispatchExecuted, res.Dispatches[0].Action)
	require.NotNil(t, res.Dispatches[0].Success)
	assert.True(t, *res.Dispatches[0].Success)

	require.Equal(t, 1, f.runner.count())
	assert.Equal(t, jobs.SourceWebhook, f.runner.metas[0].Source)
	assert.Equal(t, float64(120), f.runner.metas[0].WebhookEvent["amount"])
	assert.Empty(t, f.allJobs(t))
}

func TestWebhookConditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.source.Put(workflow.NewWebhook("wf-gold", "signup",
		workflow.Schedule{Type: workflow.ScheduleDelay, DelayMinutes: 5}, f.clk.Now(),
		workflow.Condition{Field: "customer.tier", Operator: workflow.OpEquals, Value: "gold"}))
	f.source.Put(workflow.NewWebhook("wf-other-event", "purchase",
		workflow.Schedule{Type: workflow.ScheduleDelay, DelayMinutes: 5}, f.clk.Now()))

	wh := f.webhook(WebhookOptions{})
	res, err := wh.Handle(ctx, "signup", []byte(`{"customer":{"tier":"silver"}}`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Matched)
	assert.Empty(t, f.allJobs(t))

	res, err = wh.Handle(ctx, "signup", []byte(`{"customer":{"tier":"gold"}}`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	require.Len(t, f.allJobs(t), 1)
	assert.Equal(t, "wf-gold", f.allJobs(t)[0].WorkflowID)
}

func TestWebhookSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.source.Put(workflow.NewWebhook("wf-1", "signup",
		workflow.Schedule{Type: workflow.ScheduleImmediate}, f.clk.Now()))
	wh := f.webhook(WebhookOptions{Secret: "whsec"})
	body := []byte(`{"id":1}`)

	_, err := wh.Handle(ctx, "signup", body, http.Header{})
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))

	bad := http.Header{}
	bad.Set(HeaderSignature, SignatureHeader([]byte("other"), body))
	_, err = wh.Handle(ctx, "signup", body, bad)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))

	bad.Set(HeaderSignature, "sha256=zz")
	_, err = wh.Handle(ctx, "signup", body, bad)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
	assert.Equal(t, 0, f.runner.count())

	good := http.Header{}
	good.Set(HeaderSignature, SignatureHeader([]byte("whsec"), body))
	res, err := wh.Handle(ctx, "signup", body, good)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 1, f.runner.count())
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.source.Put(workflow.NewWebhook("wf-1", "signup",
		workflow.Schedule{Type: workflow.ScheduleDelay, DelayMinutes: 10}, f.clk.Now()))
	wh := f.webhook(WebhookOptions{Guard: NewMemoryGuard(f.clk), DeliveryTTL: time.Hour})

	h := http.Header{}
	h.Set(HeaderDelivery, "evt_123")

	res, err := wh.Handle(ctx, "signup", []byte(`{}`), h)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	res, err = wh.Handle(ctx, "signup", []byte(`{}`), h)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Len(t, f.allJobs(t), 1)

	all := f.allJobs(t)
	assert.Equal(t, "evt_123", all[0].TriggerMetadata.DeliveryID)
}

// flakySource fails the first ListByEvent call.
type flakySource struct {
	*workflow.Memory
	failed bool
}

func (s *flakySource) ListByEvent(ctx context.Context, eventType string) ([]*workflow.Workflow, error) {
	if !s.failed {
		s.failed = true
		return nil, errors.New("db unavailable")
	}
	return s.Memory.ListByEvent(ctx, eventType)
}

// flakyRegistrar fails the first delayed schedule.
type flakyRegistrar struct {
	*scheduler.Registrar
	failed bool
}

func (r *flakyRegistrar) ScheduleDelayed(ctx context.Context, w *workflow.Workflow, delay time.Duration, meta jobs.TriggerMetadata) (*jobs.Job, error) {
	if !r.failed {
		r.failed = true
		return nil, errors.New("store unavailable")
	}
	return r.Registrar.ScheduleDelayed(ctx, w, delay, meta)
}

func TestWebhookRedeliveryAfterListFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.source.Put(workflow.NewWebhook("wf-1", "signup",
		workflow.Schedule{Type: workflow.ScheduleDelay, DelayMinutes: 10}, f.clk.Now()))
	source := &flakySource{Memory: f.source}
	wh := NewWebhookTrigger(source, f.registrar, f.exec,
		WebhookOptions{Guard: NewMemoryGuard(f.clk), DeliveryTTL: time.Hour}, zap.NewNop().Sugar())

	h := http.Header{}
	h.Set(HeaderDelivery, "evt_1")

	_, err := wh.Handle(ctx, "signup", []byte(`{}`), h)
	require.Error(t, err)
	assert.Empty(t, f.allJobs(t))

	res, err := wh.Handle(ctx, "signup", []byte(`{}`), h)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 1, res.Matched)
	assert.Len(t, f.allJobs(t), 1)
}

func TestWebhookRedeliveryAfterDispatchFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.source.Put(workflow.NewWebhook("wf-delay", "signup",
		workflow.Schedule{Type: workflow.ScheduleDelay, DelayMinutes: 10}, f.clk.Now()))
	f.source.Put(workflow.NewWebhook("wf-now", "signup",
		workflow.Schedule{Type: workflow.ScheduleImmediate}, f.clk.Now()))
	registrar := &flakyRegistrar{Registrar: f.registrar}
	wh := NewWebhookTrigger(f.source, registrar, f.exec,
		WebhookOptions{Guard: NewMemoryGuard(f.clk), DeliveryTTL: time.Hour}, zap.NewNop().Sugar())

	h := http.Header{}
	h.Set(HeaderDelivery, "evt_2")

	res, err := wh.Handle(ctx, "signup", []byte(`{}`), h)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, f.allJobs(t))
	assert.Equal(t, 1, f.runner.count())

	// The retry schedules the failed workflow without resending the other
	res, err = wh.Handle(ctx, "signup", []byte(`{}`), h)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 0, res.Failed)
	actions := map[string]string{}
	for _, d := range res.Dispatches {
		actions[d.WorkflowID] = d.Action
	}
	assert.Equal(t, map[string]string{"wf-delay": DispatchScheduled, "wf-now": DispatchDuplicate}, actions)
	assert.Len(t, f.allJobs(t), 1)
	assert.Equal(t, 1, f.runner.count())

	res, err = wh.Handle(ctx, "signup", []byte(`{}`), h)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestMemoryGuardForget(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGuard(clock.NewFixed(time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)))

	first, err := g.FirstDelivery(ctx, "d-1", time.Hour)
	require.NoError(t, err)
	require.True(t, first)

	require.NoError(t, g.Forget(ctx, "d-1"))
	first, err = g.FirstDelivery(ctx, "d-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, first)
}

func TestWebhookRateLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.source.Put(workflow.NewWebhook("wf-1", "click",
		workflow.Schedule{Type: workflow.ScheduleImmediate}, f.clk.Now()))
	wh := f.webhook(WebhookOptions{MaxPerMinute: 2})

	var actions []string
	for i := 0; i < 3; i++ {
		res, err := wh.Handle(ctx, "click", []byte(`{}`), http.Header{})
		require.NoError(t, err)
		require.Len(t, res.Dispatches, 1)
		actions = append(actions, res.Dispatches[0].Action)
	}
	assert.Equal(t, []string{DispatchExecuted, DispatchExecuted, DispatchRateLimited}, actions)
	assert.Equal(t, 2, f.runner.count())
}

func TestWebhookRejectsNonObjectBody(t *testing.T) {
	f := newFixture(t)
	_, err := f.webhook(WebhookOptions{}).Handle(context.Background(), "signup", []byte(`[1,2]`), http.Header{})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = f.webhook(WebhookOptions{}).Handle(context.Background(), "", []byte(`{}`), http.Header{})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestMemoryGuardExpires(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFixed(time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC))
	g := NewMemoryGuard(clk)

	first, err := g.FirstDelivery(ctx, "d-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = g.FirstDelivery(ctx, "d-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, first)

	clk.Advance(time.Minute)
	first, err = g.FirstDelivery(ctx, "d-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)
}

// Manual

func TestManualTriggerDispatchesOnScheduleType(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := f.clk.Now()
	at := time.Date(2025, 3, 12, 10, 0, 0, 0, f.seoul)

	immediate := workflow.NewRecurring("wf-immediate", recurrence.Pattern{}, now)
	immediate.Schedule = workflow.Schedule{Type: workflow.ScheduleImmediate}
	delayed := workflow.NewRecurring("wf-delay", recurrence.Pattern{}, now)
	delayed.Schedule = workflow.Schedule{Type: workflow.ScheduleDelay, DelayMinutes: 15}
	fixed := workflow.NewRecurring("wf-fixed", recurrence.Pattern{}, now)
	fixed.Schedule = workflow.Schedule{Type: workflow.ScheduleScheduled, ScheduledTime: &at}
	recurring := workflow.NewRecurring("wf-daily", recurrence.Pattern{Frequency: recurrence.Daily, Time: "14:00"}, now)
	for _, w := range []*workflow.Workflow{immediate, delayed, fixed, recurring} {
		f.source.Put(w)
	}
	m := f.manual()

	out, err := m.Trigger(ctx, "wf-immediate", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, ModeExecuted, out.Mode)
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.Success)
	require.Equal(t, 1, f.runner.count())
	assert.Equal(t, "ops@example.com", f.runner.metas[0].Actor)

	out, err = m.Trigger(ctx, "wf-delay", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, ModeScheduled, out.Mode)
	require.NotNil(t, out.Job)
	assert.True(t, out.Job.ScheduledTime.Equal(now.Add(15*time.Minute)))
	assert.Equal(t, jobs.SourceDelay, out.Job.TriggerSource)

	out, err = m.Trigger(ctx, "wf-fixed", "ops@example.com")
	require.NoError(t, err)
	require.NotNil(t, out.Job)
	assert.True(t, out.Job.ScheduledTime.Equal(at))
	assert.Equal(t, jobs.SourceScheduled, out.Job.TriggerSource)

	out, err = m.Trigger(ctx, "wf-daily", "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, ModeRegistered, out.Mode)
	require.NotNil(t, out.Registration)
	assert.Equal(t, scheduler.ActionCreated, out.Registration.Action)

	assert.Len(t, f.allJobs(t), 3)
}

func TestManualTriggerRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	paused := workflow.NewRecurring("wf-paused", recurrence.Pattern{Frequency: recurrence.Daily, Time: "14:00"}, f.clk.Now())
	paused.Status = workflow.StatusPaused
	f.source.Put(paused)

	_, err := f.manual().Trigger(ctx, "wf-paused", "ops")
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = f.manual().Trigger(ctx, "wf-missing", "ops")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSyncFollowsWorkflowLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w := workflow.NewRecurring("wf-daily", recurrence.Pattern{Frequency: recurrence.Daily, Time: "14:00"}, f.clk.Now())
	f.source.Put(w)
	m := f.manual()

	out, err := m.Sync(ctx, "wf-daily")
	require.NoError(t, err)
	require.NotNil(t, out.Registration)
	assert.Equal(t, scheduler.ActionCreated, out.Registration.Action)

	// Editing the time moves the pending occurrence
	w.Schedule.Recurring = &recurrence.Pattern{Frequency: recurrence.Daily, Time: "16:00"}
	w.UpdatedAt = f.clk.Now().Add(time.Second)
	f.source.Put(w)
	out, err = m.Sync(ctx, "wf-daily")
	require.NoError(t, err)
	assert.Equal(t, scheduler.ActionReplaced, out.Registration.Action)
	all := f.allJobs(t)
	require.Len(t, all, 1)
	assert.True(t, all[0].ScheduledTime.Equal(time.Date(2025, 3, 10, 16, 0, 0, 0, f.seoul)))

	w.Status = workflow.StatusPaused
	f.source.Put(w)
	out, err = m.Sync(ctx, "wf-daily")
	require.NoError(t, err)
	assert.Equal(t, "paused", out.Status)
	assert.Equal(t, int64(1), out.Cancelled)
	assert.Empty(t, f.allJobs(t))

	out, err = m.Sync(ctx, "wf-gone")
	require.NoError(t, err)
	assert.Equal(t, "deleted", out.Status)
	assert.Equal(t, int64(0), out.Cancelled)
}

func TestSignatureHeaderFormat(t *testing.T) {
	h := SignatureHeader([]byte("k"), []byte("body"))
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, h)
}
