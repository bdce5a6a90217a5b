// Package executor runs due scheduled jobs: it claims each one, hands the
// frozen workflow snapshot to a Runner and records the outcome, retrying
// failures with exponential backoff until the job's retry budget is spent.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sendloop/sendloop/clock"
	"github.com/sendloop/sendloop/errors"
	"github.com/sendloop/sendloop/jobs"
	"github.com/sendloop/sendloop/logger"
	"github.com/sendloop/sendloop/metrics"
	"github.com/sendloop/sendloop/workflow"
)

// RunResult is what a Runner reports for one execution.
type RunResult struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Runner delivers a workflow snapshot. An error and an unsuccessful result
// are both treated as a failed attempt.
type Runner interface {
	Execute(ctx context.Context, snapshot workflow.Snapshot, meta jobs.TriggerMetadata) (*RunResult, error)
}

// JobStore is the part of the job store the executor drives.
type JobStore interface {
	Get(ctx context.Context, id string) (*jobs.Job, error)
	FindDuePending(ctx context.Context, asOf time.Time, limit int) ([]*jobs.Job, error)
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	Complete(ctx context.Context, id string, result json.RawMessage, now time.Time) error
	RecordFailure(ctx context.Context, id, errMsg string, retryAt, now time.Time) (jobs.FailureOutcome, error)
	ForceFailRunning(ctx context.Context, jobID string, olderThan time.Time, reason string, now time.Time) ([]string, error)
}

// Rescheduler schedules the next occurrence of a recurring workflow once
// the current one reached a terminal state.
type Rescheduler interface {
	Reschedule(ctx context.Context, workflowID string) error
}

// Broadcaster receives job lifecycle events. It must not block.
type Broadcaster interface {
	Publish(Event)
}

// Options tunes a poll.
type Options struct {
	BatchSize   int           // max due jobs per poll
	Concurrency int           // workflows executed in parallel
	BackoffBase time.Duration // delay before the first retry
	BackoffMax  time.Duration // cap on any retry delay
	StuckAfter  time.Duration // default age for force cleanup; also bounds one claimed job
}

// DefaultOptions returns the settings used when config leaves them unset.
func DefaultOptions() Options {
	return Options{
		BatchSize:   100,
		Concurrency: 4,
		BackoffBase: time.Minute,
		BackoffMax:  time.Hour,
		StuckAfter:  30 * time.Minute,
	}
}

// Outcome of one job within a poll.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// JobResult reports one job of a poll.
type JobResult struct {
	JobID       string     `json:"jobId"`
	WorkflowID  string     `json:"workflowId"`
	Outcome     Outcome    `json:"outcome"`
	RetryCount  int        `json:"retryCount"`
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
	NextAttempt *time.Time `json:"nextAttempt,omitempty"`
}

// Summary aggregates one poll.
type Summary struct {
	Total      int         `json:"total"`
	Executed   int         `json:"executed"`
	Retried    int         `json:"retried"`
	Failed     int         `json:"failed"`
	Skipped    int         `json:"skipped"`
	DurationMS int64       `json:"durationMs"`
	Results    []JobResult `json:"results"`
}

// CleanupResult reports ForceCleanup.
type CleanupResult struct {
	Count  int      `json:"count"`
	JobIDs []string `json:"jobIds"`
}

// Executor processes due jobs.
type Executor struct {
	store       JobStore
	runner      Runner
	clock       clock.Clock
	opts        Options
	rescheduler Rescheduler
	broadcaster Broadcaster
	logger      *zap.SugaredLogger
}

// New creates an executor. Zero fields in opts take DefaultOptions values.
func New(store JobStore, runner Runner, clk clock.Clock, opts Options, logger *zap.SugaredLogger) *Executor {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = def.BackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = def.BackoffMax
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = def.StuckAfter
	}
	return &Executor{
		store:  store,
		runner: runner,
		clock:  clk,
		opts:   opts,
		logger: logger,
	}
}

// SetRescheduler wires the hook that keeps recurring workflows going.
func (e *Executor) SetRescheduler(r Rescheduler) { e.rescheduler = r }

// SetBroadcaster wires live job events.
func (e *Executor) SetBroadcaster(b Broadcaster) { e.broadcaster = b }

// Options returns the effective settings.
func (e *Executor) Options() Options { return e.opts }

// Backoff is the delay before retry attempt n (n >= 1): base doubled per
// earlier attempt, capped at max.
func (e *Executor) Backoff(attempt int) time.Duration {
	d := e.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.opts.BackoffMax {
			return e.opts.BackoffMax
		}
	}
	if d > e.opts.BackoffMax {
		return e.opts.BackoffMax
	}
	return d
}

// PollAndExecute runs every pending job due at or before asOf, up to the
// batch size. Jobs of one workflow run one after another in scheduled
// order; different workflows run in parallel. Failures of individual jobs
// are recorded in the summary; only a failure to load due jobs is returned.
func (e *Executor) PollAndExecute(ctx context.Context, asOf time.Time) (Summary, error) {
	start := time.Now()
	var sum Summary

	due, err := e.store.FindDuePending(ctx, asOf, e.opts.BatchSize)
	if err != nil {
		return sum, errors.Wrap(err, "load due jobs")
	}
	sum.Total = len(due)
	if len(due) == 0 {
		e.logger.Debugw("No due jobs", logger.FieldAsOf, asOf.UTC().Format(time.RFC3339))
		return sum, nil
	}

	// Group by workflow keeping the earliest-first order of FindDuePending
	index := make(map[string]int)
	var groups [][]int
	for i, j := range due {
		g, ok := index[j.WorkflowID]
		if !ok {
			g = len(groups)
			index[j.WorkflowID] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}

	results := make([]JobResult, len(due))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.opts.Concurrency)
	for _, g := range groups {
		g := g
		eg.Go(func() error {
			for _, i := range g {
				if egCtx.Err() != nil {
					results[i] = JobResult{
						JobID:      due[i].ID,
						WorkflowID: due[i].WorkflowID,
						Outcome:    OutcomeSkipped,
						RetryCount: due[i].RetryCount,
						Message:    "poll cancelled before claim",
					}
					continue
				}
				results[i] = e.process(egCtx, due[i])
			}
			return nil
		})
	}
	_ = eg.Wait()

	for _, r := range results {
		switch r.Outcome {
		case OutcomeCompleted:
			sum.Executed++
		case OutcomeRetried:
			sum.Retried++
		case OutcomeFailed:
			sum.Failed++
		default:
			sum.Skipped++
		}
	}
	sum.Results = results
	sum.DurationMS = time.Since(start).Milliseconds()

	e.logger.Infow("Poll finished",
		logger.FieldAsOf, asOf.UTC().Format(time.RFC3339),
		"total", sum.Total,
		"executed", sum.Executed,
		"retried", sum.Retried,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
		logger.FieldDurationMS, sum.DurationMS,
	)
	return sum, nil
}

// process claims and runs a single job.
func (e *Executor) process(ctx context.Context, job *jobs.Job) JobResult {
	res := JobResult{JobID: job.ID, WorkflowID: job.WorkflowID, Outcome: OutcomeSkipped, RetryCount: job.RetryCount}
	log := e.logger.With(logger.FieldJobID, job.ID, logger.FieldWorkflowID, job.WorkflowID)

	claimed, err := e.store.Claim(ctx, job.ID, e.clock.Now())
	if err != nil {
		res.Error = err.Error()
		log.Errorw("Claim failed", logger.FieldError, err)
		return res
	}
	if !claimed {
		metrics.ClaimsLost.Inc()
		res.Message = "claimed by another poller"
		log.Debugw("Job already claimed")
		return res
	}

	// A claimed job is run and recorded even if the poll's caller goes away,
	// bounded by the age at which force cleanup may fail it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.StuckAfter)
	defer cancel()
	ctx = logger.WithJobID(ctx, job.ID)
	started := time.Now()
	out, runErr := e.invoke(ctx, job.Snapshot, job.TriggerMetadata)
	metrics.JobDuration.WithLabelValues(string(job.TriggerSource)).Observe(time.Since(started).Seconds())

	now := e.clock.Now()
	if runErr == nil && out.Success {
		res.Outcome = OutcomeCompleted
		res.Message = out.Message
		if err := e.store.Complete(ctx, job.ID, out.Result, now); err != nil {
			// Force cleanup can fail a job while it is still executing
			res.Error = err.Error()
			log.Warnw("Could not record completion", logger.FieldError, err)
		} else {
			log.Infow("Job completed", logger.FieldDurationMS, time.Since(started).Milliseconds())
		}
		e.finish(ctx, job, res)
		return res
	}

	msg := failureMessage(out, runErr)
	res.Error = msg
	retryAt := now.Add(e.Backoff(job.RetryCount + 1))
	outcome, err := e.store.RecordFailure(ctx, job.ID, msg, retryAt, now)
	if err != nil {
		res.Outcome = OutcomeFailed
		log.Errorw("Could not record failure", logger.FieldError, err, "run_error", msg)
		e.finish(ctx, job, res)
		return res
	}

	res.RetryCount = outcome.RetryCount
	if outcome.Retried() {
		res.Outcome = OutcomeRetried
		res.NextAttempt = &retryAt
		log.Warnw("Job failed, retry scheduled",
			logger.FieldRetryCount, outcome.RetryCount,
			logger.FieldMaxRetries, job.MaxRetries,
			logger.FieldNextTime, retryAt.UTC().Format(time.RFC3339),
			logger.FieldError, msg)
	} else {
		res.Outcome = OutcomeFailed
		log.Errorw("Job failed permanently",
			logger.FieldRetryCount, outcome.RetryCount,
			logger.FieldMaxRetries, job.MaxRetries,
			logger.FieldError, msg)
	}
	e.finish(ctx, job, res)
	return res
}

// finish emits metrics and events and, for recurring jobs that reached a
// terminal state, schedules the next occurrence.
func (e *Executor) finish(ctx context.Context, job *jobs.Job, res JobResult) {
	metrics.JobsProcessed.WithLabelValues(string(job.TriggerSource), string(res.Outcome)).Inc()
	e.publish(Event{
		Type:       EventJobPrefix + string(res.Outcome),
		JobID:      job.ID,
		WorkflowID: job.WorkflowID,
		Source:     job.TriggerSource,
		RetryCount: res.RetryCount,
		Error:      res.Error,
		At:         e.clock.Now().UTC(),
	})

	if res.Outcome == OutcomeRetried || job.TriggerSource != jobs.SourceRecurring {
		return
	}
	e.reschedule(ctx, job.WorkflowID)
}

func (e *Executor) reschedule(ctx context.Context, workflowID string) {
	if e.rescheduler == nil {
		return
	}
	if err := e.rescheduler.Reschedule(ctx, workflowID); err != nil {
		e.logger.Errorw("Could not schedule next occurrence",
			logger.FieldWorkflowID, workflowID,
			logger.FieldError, err)
	}
}

// invoke calls the runner, converting a panic into an error so one job
// cannot take down a poll.
func (e *Executor) invoke(ctx context.Context, snap workflow.Snapshot, meta jobs.TriggerMetadata) (out *RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorw("Runner panicked",
				logger.FieldWorkflowID, snap.WorkflowID,
				"panic", r,
				"stack", string(debug.Stack()))
			out, err = nil, errors.Newf("runner panic: %v", r)
		}
	}()
	out, err = e.runner.Execute(ctx, snap, meta)
	if err == nil && out == nil {
		err = errors.New("runner returned no result")
	}
	return out, err
}

// ExecuteNow runs w immediately without persisting a job. Runner failures
// come back as an unsuccessful result, not as an error.
func (e *Executor) ExecuteNow(ctx context.Context, w *workflow.Workflow, meta jobs.TriggerMetadata) *RunResult {
	started := time.Now()
	out, err := e.invoke(ctx, w.Snapshot(), meta)
	metrics.JobDuration.WithLabelValues(string(meta.Source)).Observe(time.Since(started).Seconds())

	outcome := OutcomeCompleted
	if err != nil || !out.Success {
		outcome = OutcomeFailed
		out = &RunResult{Success: false, Message: failureMessage(out, err)}
		e.logger.Warnw("Immediate execution failed",
			logger.FieldWorkflowID, w.ID,
			logger.FieldSource, string(meta.Source),
			logger.FieldError, out.Message)
	} else {
		e.logger.Infow("Immediate execution completed",
			logger.FieldWorkflowID, w.ID,
			logger.FieldSource, string(meta.Source),
			logger.FieldDurationMS, time.Since(started).Milliseconds())
	}
	metrics.JobsProcessed.WithLabelValues(string(meta.Source), string(outcome)).Inc()
	e.publish(Event{
		Type:       EventWorkflowExecuted,
		WorkflowID: w.ID,
		Source:     meta.Source,
		Error:      errorText(out),
		At:         e.clock.Now().UTC(),
	})
	return out
}

// ForceCleanup fails running jobs stuck since before olderThan ago. With
// jobID set only that job is failed, whatever its age. Recurring workflows
// whose job was failed get their next occurrence scheduled.
func (e *Executor) ForceCleanup(ctx context.Context, jobID string, olderThan time.Duration) (CleanupResult, error) {
	if olderThan <= 0 {
		olderThan = e.opts.StuckAfter
	}
	now := e.clock.Now()
	cutoff := now.Add(-olderThan)

	reason := fmt.Sprintf("force cleanup: running since before %s", cutoff.UTC().Format(time.RFC3339))
	if jobID != "" {
		reason = "force cleanup requested for job"
	}

	ids, err := e.store.ForceFailRunning(ctx, jobID, cutoff, reason, now)
	if err != nil {
		return CleanupResult{}, err
	}
	out := CleanupResult{Count: len(ids), JobIDs: ids}
	if out.JobIDs == nil {
		out.JobIDs = []string{}
	}
	metrics.ForceFailed.Add(float64(len(ids)))

	rescheduled := make(map[string]bool)
	for _, id := range ids {
		job, err := e.store.Get(ctx, id)
		if err != nil {
			e.logger.Warnw("Could not load force-failed job", logger.FieldJobID, id, logger.FieldError, err)
			continue
		}
		e.publish(Event{
			Type:       EventJobPrefix + string(OutcomeFailed),
			JobID:      id,
			WorkflowID: job.WorkflowID,
			Source:     job.TriggerSource,
			RetryCount: job.RetryCount,
			Error:      reason,
			At:         now.UTC(),
		})
		if job.TriggerSource == jobs.SourceRecurring && !rescheduled[job.WorkflowID] {
			rescheduled[job.WorkflowID] = true
			e.reschedule(ctx, job.WorkflowID)
		}
	}

	sort.Strings(out.JobIDs)
	e.logger.Infow("Force cleanup finished",
		logger.FieldCount, out.Count,
		logger.FieldJobID, jobID,
		"cutoff", cutoff.UTC().Format(time.RFC3339))
	return out, nil
}

func (e *Executor) publish(ev Event) {
	if e.broadcaster != nil {
		e.broadcaster.Publish(ev)
	}
}

func failureMessage(out *RunResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if out != nil && out.Message != "" {
		return out.Message
	}
	return "workflow execution reported failure"
}

func errorText(out *RunResult) string {
	if out == nil || out.Success {
		return ""
	}
	return out.Message
}
