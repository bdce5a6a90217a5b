package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sendloop/sendloop/clock"
	"github.com/sendloop/sendloop/db"
	"github.com/sendloop/sendloop/errors"
	qtest "github.com/sendloop/sendloop/internal/testing"
	"github.com/sendloop/sendloop/jobs"
	"github.com/sendloop/sendloop/recurrence"
	"github.com/sendloop/sendloop/scheduler"
	"github.com/sendloop/sendloop/workflow"
)

// scriptedRunner answers with fn and records every call.
type scriptedRunner struct {
	mu    sync.Mutex
	calls []jobs.TriggerMetadata
	byWF  map[string]int
	fn    func(snap workflow.Snapshot, meta jobs.TriggerMetadata) (*RunResult, error)
}

func newRunner(fn func(workflow.Snapshot, jobs.TriggerMetadata) (*RunResult, error)) *scriptedRunner {
	return &scriptedRunner{byWF: make(map[string]int), fn: fn}
}

func (r *scriptedRunner) Execute(_ context.Context, snap workflow.Snapshot, meta jobs.TriggerMetadata) (*RunResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, meta)
	r.byWF[snap.WorkflowID]++
	r.mu.Unlock()
	return r.fn(snap, meta)
}

func (r *scriptedRunner) count(workflowID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byWF[workflowID]
}

func succeed(workflow.Snapshot, jobs.TriggerMetadata) (*RunResult, error) {
	return &RunResult{Success: true, Message: "sent", Result: json.RawMessage(`{"sent":1}`)}, nil
}

func fail(workflow.Snapshot, jobs.TriggerMetadata) (*RunResult, error) {
	return nil, errors.New("provider unavailable")
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []Event
}

func (b *recordingBroadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, ev := range b.events {
		out = append(out, ev.Type)
	}
	return out
}

var start = time.Date(2025, 3, 10, 5, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		BatchSize:   50,
		Concurrency: 4,
		BackoffBase: time.Minute,
		BackoffMax:  time.Hour,
		StuckAfter:  30 * time.Minute,
	}
}

func newJob(t *testing.T, store *jobs.Store, workflowID string, at time.Time, maxRetries int, meta jobs.TriggerMetadata) *jobs.Job {
	t.Helper()
	w := workflow.NewRecurring(workflowID, recurrence.Pattern{Frequency: recurrence.Daily, Time: "09:00"}, start)
	if meta.Source == "" {
		meta.Source = jobs.SourceScheduled
	}
	job := &jobs.Job{
		WorkflowID:      workflowID,
		Snapshot:        w.Snapshot(),
		ScheduledTime:   at,
		MaxRetries:      maxRetries,
		TriggerMetadata: meta,
		CreatedAt:       start,
	}
	require.NoError(t, store.Create(context.Background(), job))
	return job
}

func TestBackoff(t *testing.T) {
	e := New(nil, nil, clock.NewFixed(start), testOptions(), zap.NewNop().Sugar())

	assert.Equal(t, time.Minute, e.Backoff(1))
	assert.Equal(t, 2*time.Minute, e.Backoff(2))
	assert.Equal(t, 4*time.Minute, e.Backoff(3))
	assert.Equal(t, 32*time.Minute, e.Backoff(6))
	assert.Equal(t, time.Hour, e.Backoff(7))
	assert.Equal(t, time.Hour, e.Backoff(500))
}

func TestNewAppliesDefaults(t *testing.T) {
	e := New(nil, nil, clock.NewFixed(start), Options{}, zap.NewNop().Sugar())
	assert.Equal(t, DefaultOptions(), e.Options())
}

func TestPollCompletesDueJob(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewStore(qtest.CreateTestDB(t), db.SQLite)
	clk := clock.NewFixed(start)
	runner := newRunner(succeed)
	events := &recordingBroadcaster{}

	e := New(store, runner, clk, testOptions(), zap.NewNop().Sugar())
	e.SetBroadcaster(events)

	due := newJob(t, store, "wf-due", start.Add(-time.Minute), 3, jobs.TriggerMetadata{})
	future := newJob(t, store, "wf-future", start.Add(time.Minute), 3, jobs.TriggerMetadata{})

	sum, err := e.PollAndExecute(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Total)
	assert.Equal(t, 1, sum.Executed)
	require.Len(t, sum.Results, 1)
	assert.Equal(t, OutcomeCompleted, sum.Results[0].Outcome)

	got, err := store.Get(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"sent":1}`, string(got.Result))
	require.NotNil(t, got.CompletedAt)

	got, err = store.Get(ctx, future.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Equal(t, 0, runner.count("wf-future"))

	assert.Equal(t, []string{EventJobCompleted}, events.types())
}

func TestPollTreatsUnsuccessfulResultAsFailure(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewStore(qtest.CreateTestDB(t), db.SQLite)
	clk := clock.NewFixed(start)
	runner := newRunner(func(workflow.Snapshot, jobs.TriggerMetadata) (*RunResult, error) {
		return &RunResult{Success: false, Message: "template rejected"}, nil
	})
	e := New(store, runner, clk, testOptions(), zap.NewNop().Sugar())

	job := newJob(t, store, "wf-1", start, 3, jobs.TriggerMetadata{})
	sum, err := e.PollAndExecute(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Retried)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Equal(t, "template rejected", got.LastError)
}

func TestRetryUntilExhausted(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewStore(qtest.CreateTestDB(t), db.SQLite)
	clk := clock.NewFixed(start)
	runner := newRunner(fail)
	e := New(store, runner, clk, testOptions(), zap.NewNop().Sugar())

	job := newJob(t, store, "wf-1", start, 3, jobs.TriggerMetadata{})

	// Attempt 1 fails, retry after base delay
	sum, err := e.PollAndExecute(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Retried)
	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.ScheduledTime.Equal(start.Add(time.Minute)))
	assert.Equal(t, "provider unavailable", got.LastError)

	// Not yet due
	sum, err = e.PollAndExecute(ctx, clk.Now().Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Total)

	// Attempt 2 fails, delay doubles
	clk.Advance(time.Minute)
	sum, err = e.PollAndExecute(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Retried)
	got, err = store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.True(t, got.ScheduledTime.Equal(clk.Now().Add(2*time.Minute)))

	// Attempt 3 exhausts the budget
	clk.Advance(2 * time.Minute)
	sum, err = e.PollAndExecute(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Results, 1)
	assert.Equal(t, OutcomeFailed, sum.Results[0].Outcome)
	assert.Nil(t, sum.Results[0].NextAttempt)

	got, err = store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	require.NotNil(t, got.FailedAt)

	// Terminal jobs are never picked up again
	clk.Advance(24 * time.Hour)
	sum, err = e.PollAndExecute(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Total)
	assert.Equal(t, 3, runner.count("wf-1"))
}

func TestZeroRetryBudgetFailsImmediately(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewStore(qtest.CreateTestDB(t), db.SQLite)
	clk := clock.NewFixed(start)
	e := New(store, newRunner(fail), clk, testOptions(), zap.NewNop().Sugar())

	job := newJob(t, store, "wf-1", start, 0, jobs.TriggerMetadata{})
	sum, err := e.PollAndExecute(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
}

func TestConcurrentPollsExecuteEachJobOnce(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewStore(qtest.CreateTestDB(t), db.SQLite)
	clk := clock.NewFixed(start)
	runner := newRunner(succeed)

	for i := 0; i < 8; i++ {
		newJob(t, store, fmt.Sprintf("wf-%d", i), start.Add(-time.Duration(i)*time.Second), 3, jobs.TriggerMetadata{})
	}

	pollers := make([]*Executor, 3)
	for i := range pollers {
		pollers[i] = New(store, runner, clk, testOptions(), zap.NewNop().Sugar())
	}

	var wg sync.WaitGroup
	sums := make([]Summary, len(pollers))
	for i, p := range pollers {
		wg.Add(1)
		go func(i int, p *Executor) {
			defer wg.Done()
			s, err := p.PollAndExecute(ctx, clk.Now())
			assert.NoError(t, err)
			sums[i] = s
		}(i, p)
	}
	wg.Wait()

	executed := 0
	for _, s := range sums {
		executed += s.Executed
		assert.Equal(t, s.Total, s.Executed+s.Skipped)
	}
	assert.Equal(t, 8, executed)
	for i := 0; i < 8; i++ {
		assert.Equal(t, 1, runner.count(fmt.Sprintf("wf-%d", i)))
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, stats.Completed)
}

func TestRunnerPanicIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewStore(qtest.CreateTestDB(t), db.SQLite)
	clk := clock.NewFixed(start)
	runner := newRunner(func(snap workflow.Snapshot, meta jobs.TriggerMetadata) (*RunResult, error) {
		if snap.WorkflowID == "wf-bad" {
			panic("nil template")
		}
		return succeed(snap, meta)
	})
	e := New(store, runner, clk, testOptions(), zap.NewNop().Sugar())

	bad := newJob(t, store, "wf-bad", start, 3, jobs.TriggerMetadata{})
	newJob(t, store, "wf-good", start, 3, jobs.TriggerMetadata{})

	sum, err := e.PollAndExecute(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Executed)
	assert.Equal(t, 1, sum.Retried)

	got, err := store.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Contains(t, got.LastError, "runner panic: nil template")
}

func TestClaimedJobIsRecordedAfterPollCancelled(t *testing.T) {
	store := jobs.NewStore(qtest.CreateTestDB(t), db.SQLite)
	clk := clock.NewFixed(start)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The caller disconnects right after the first message went out
	runner := newRunner(func(snap workflow.Snapshot, meta jobs.TriggerMetadata) (*RunResult, error) {
		cancel()
		return succeed(snap, meta)
	})
	e := New(store, runner, clk, testOptions(), zap.NewNop().Sugar())

	first := newJob(t, store, "wf-1", start.Add(-2*time.Minute), 3, jobs.TriggerMetadata{})
	second := newJob(t, store, "wf-1", start.Add(-time.Minute), 3, jobs.TriggerMetadata{})

	sum, err := e.PollAndExecute(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Executed)
	assert.Equal(t, 1, sum.Skipped)
	require.Len(t, sum.Results, 2)
	assert.Empty(t, sum.Results[0].Error)
	assert.Equal(t, 1, runner.count("wf-1"))

	bg := context.Background()
	got, err := store.Get(bg, first.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)

	got, err = store.Get(bg, second.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
}

func TestJobsOfOneWorkflowRunInScheduledOrder(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewStore(qtest.CreateTestDB(t), db.SQLite)
	clk := clock.NewFixed(start)
	runner := newRunner(succeed)
	e := New(store, runner, clk, testOptions(), zap.NewNop().Sugar())

	newJob(t, store, "wf-1", start.Add(-time.Minute), 3, jobs.TriggerMetadata{Actor: "second"})
	newJob(t, store, "wf-1", start.Add(-2*time.Minute), 3, jobs.TriggerMetadata{Actor: "first"})
	newJob(t, store, "wf-1", start, 3, jobs.TriggerMetadata{Actor: "third"})

	sum, err := e.PollAndExecute(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Executed)

	var order []string
	for _, m := range runner.calls {
		order = append(order, m.Actor)
	}
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestBatchSizeLimitsPoll(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewStore(qtest.CreateTestDB(t), db.SQLite)
	clk := clock.NewFixed(start)
	opts := testOptions()
	opts.BatchSize = 2
	e := New(store, newRunner(succeed), clk, opts, zap.NewNop().Sugar())

	for i := 0; i < 5; i++ {
		newJob(t, store, fmt.Sprintf("wf-%d", i), start, 3, jobs.TriggerMetadata{})
	}

	sum, err := e.PollAndExecute(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 2, stats.Completed)
}

func TestDailyWorkflowRunsAndReschedules(t *testing.T) {
	ctx := context.Background()
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	// Monday 2025-03-10 13:00 in Seoul
	clk := clock.NewFixed(time.Date(2025, 3, 10, 13, 0, 0, 0, seoul))
	tz := clock.NewServiceIn(seoul, clk)
	store := jobs.NewStore(qtest.CreateTestDB(t), db.SQLite)
	source := workflow.NewMemory()
	registrar := scheduler.NewRegistrar(store, source, tz, jobs.DefaultMaxRetries, zap.NewNop().Sugar())

	runner := newRunner(succeed)
	e := New(store, runner, clk, testOptions(), zap.NewNop().Sugar())
	e.SetRescheduler(registrar)

	w := workflow.NewRecurring("wf-daily", recurrence.Pattern{Frequency: recurrence.Daily, Time: "14:00"}, clk.Now())
	source.Put(w)

	res, err := registrar.Reconcile(ctx, w)
	require.NoError(t, err)
	require.Equal(t, scheduler.ActionCreated, res.Action)

	// 13:59 nothing is due
	clk.Set(time.Date(2025, 3, 10, 13, 59, 0, 0, seoul))
	sum, err := e.PollAndExecute(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Total)

	// 14:00:30 the occurrence runs and tomorrow's is scheduled
	clk.Set(time.Date(2025, 3, 10, 14, 0, 30, 0, seoul))
	sum, err = e.PollAndExecute(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Executed)
	assert.Equal(t, 1, runner.count("wf-daily"))

	pending, err := store.FindPendingForWorkflow(ctx, "wf-daily")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].ScheduledTime.Equal(time.Date(2025, 3, 11, 14, 0, 0, 0, seoul)),
		"next occurrence %s", pending[0].ScheduledTime)

	// A second poll in the same minute does not run it again
	sum, err = e.PollAndExecute(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Total)
}

func TestRetriedRecurringJobDoesNotReschedule(t *testing.T) {
	ctx := context.Background()
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	clk := clock.NewFixed(time.Date(2025, 3, 10, 14, 0, 0, 0, seoul))
	tz := clock.NewServiceIn(seoul, clk)
	store := jobs.NewStore(qtest.CreateTestDB(t), db.SQLite)
	source := workflow.NewMemory()
	registrar := scheduler.NewRegistrar(store, source, tz, 2, zap.NewNop().Sugar())

	e := New(store, newRunner(fail), clk, testOptions(), zap.NewNop().Sugar())
	e.SetRescheduler(registrar)

	w := workflow.NewRecurring("wf-daily", recurrence.Pattern{Frequency: recurrence.Daily, Time: "15:00"}, clk.Now())
	source.Put(w)
	_, err = registrar.Reconcile(ctx, w)
	require.NoError(t, err)

	clk.Set(time.Date(2025, 3, 10, 15, 0, 0, 0, seoul))
	sum, err := e.PollAndExecute(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Retried)

	// Only the retry is pending
	pending, err := store.FindPendingForWorkflow(ctx, "wf-daily")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)

	// The final failure schedules tomorrow's occurrence
	clk.Advance(time.Minute)
	sum, err = e.PollAndExecute(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	pending, err = store.FindPendingForWorkflow(ctx, "wf-daily")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].RetryCount)
	assert.True(t, pending[0].ScheduledTime.Equal(time.Date(2025, 3, 11, 15, 0, 0, 0, seoul)))
}

func TestForceCleanup(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewStore(qtest.CreateTestDB(t), db.SQLite)
	clk := clock.NewFixed(start)
	e := New(store, newRunner(succeed), clk, testOptions(), zap.NewNop().Sugar())

	stuck := newJob(t, store, "wf-stuck", start, 3, jobs.TriggerMetadata{})
	claimed, err := store.Claim(ctx, stuck.ID, clk.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	clk.Advance(10 * time.Minute)
	fresh := newJob(t, store, "wf-fresh", clk.Now(), 3, jobs.TriggerMetadata{})
	claimed, err = store.Claim(ctx, fresh.ID, clk.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	// Nothing is older than the default 30 minutes yet
	res, err := e.ForceCleanup(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Count)
	assert.Empty(t, res.JobIDs)

	clk.Advance(25 * time.Minute)
	res, err = e.ForceCleanup(ctx, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{stuck.ID}, res.JobIDs)

	got, err := store.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "force cleanup")

	// An explicit job id ignores age
	res, err = e.ForceCleanup(ctx, fresh.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	got, err = store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
}

func TestExecuteNow(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFixed(start)
	w := workflow.NewRecurring("wf-now", recurrence.Pattern{Frequency: recurrence.Daily, Time: "09:00"}, start)
	meta := jobs.TriggerMetadata{Source: jobs.SourceManual, Actor: "ops"}

	ok := New(nil, newRunner(succeed), clk, testOptions(), zap.NewNop().Sugar())
	out := ok.ExecuteNow(ctx, w, meta)
	assert.True(t, out.Success)
	assert.Equal(t, "sent", out.Message)

	runner := newRunner(fail)
	events := &recordingBroadcaster{}
	broken := New(nil, runner, clk, testOptions(), zap.NewNop().Sugar())
	broken.SetBroadcaster(events)
	out = broken.ExecuteNow(ctx, w, meta)
	assert.False(t, out.Success)
	assert.Equal(t, "provider unavailable", out.Message)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "ops", runner.calls[0].Actor)
	assert.Equal(t, []string{EventWorkflowExecuted}, events.types())
}
