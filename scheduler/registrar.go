// Package scheduler keeps the job store in step with workflow definitions:
// one pending job for the next occurrence of every active recurring
// workflow, and one-shot jobs for delayed manual and webhook executions.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sendloop/sendloop/clock"
	"github.com/sendloop/sendloop/errors"
	"github.com/sendloop/sendloop/jobs"
	"github.com/sendloop/sendloop/logger"
	"github.com/sendloop/sendloop/metrics"
	"github.com/sendloop/sendloop/recurrence"
	"github.com/sendloop/sendloop/workflow"
)

// Action is the outcome of reconciling one workflow.
type Action string

const (
	ActionCreated  Action = "created"
	ActionSkipped  Action = "skipped"
	ActionReplaced Action = "replaced"
)

// Result describes what Reconcile did for a workflow.
type Result struct {
	WorkflowID    string     `json:"workflowId"`
	Action        Action     `json:"action"`
	JobID         string     `json:"jobId,omitempty"`
	ScheduledTime *time.Time `json:"scheduledTime,omitempty"`
	Removed       int64      `json:"removed,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// Summary aggregates ReconcileAll.
type Summary struct {
	Created  int      `json:"created"`
	Skipped  int      `json:"skipped"`
	Replaced int      `json:"replaced"`
	Failed   int      `json:"failed"`
	Results  []Result `json:"results"`
	Errors   []string `json:"errors,omitempty"`
}

// JobStore is the part of the job store the registrar writes through.
type JobStore interface {
	Create(ctx context.Context, job *jobs.Job) error
	FindPendingForWorkflow(ctx context.Context, workflowID string) ([]*jobs.Job, error)
	ReplacePending(ctx context.Context, staleIDs []string, job *jobs.Job) (int64, error)
	CancelPendingForWorkflow(ctx context.Context, workflowID string) (int64, error)
}

// Registrar reconciles workflows into scheduled jobs.
type Registrar struct {
	store             JobStore
	source            workflow.Source
	tz                *clock.Service
	calc              *recurrence.Calculator
	defaultMaxRetries int
	logger            *zap.SugaredLogger
}

// NewRegistrar creates a registrar. defaultMaxRetries applies to workflows
// without their own retry budget.
func NewRegistrar(store JobStore, source workflow.Source, tz *clock.Service, defaultMaxRetries int, logger *zap.SugaredLogger) *Registrar {
	return &Registrar{
		store:             store,
		source:            source,
		tz:                tz,
		calc:              recurrence.NewCalculator(tz),
		defaultMaxRetries: defaultMaxRetries,
		logger:            logger,
	}
}

// Reconcile ensures w has exactly one pending job for its next occurrence.
// Ineligible workflows are skipped with a reason; they are not errors.
func (r *Registrar) Reconcile(ctx context.Context, w *workflow.Workflow) (Result, error) {
	res := Result{WorkflowID: w.ID, Action: ActionSkipped}

	if ok, reason := w.RecurringEligibility(); !ok {
		res.Reason = reason
		r.logger.Debugw("Workflow not eligible for recurring schedule",
			logger.FieldWorkflowID, w.ID, "reason", reason)
		metrics.Reconciles.WithLabelValues(string(ActionSkipped)).Inc()
		return res, nil
	}

	now := r.tz.Now()
	next, err := r.calc.NextFireTime(r.pattern(w), now)
	if err != nil {
		// Eligibility already validated the pattern
		metrics.Reconciles.WithLabelValues("error").Inc()
		return res, errors.Wrapf(err, "compute next occurrence of workflow %s", w.ID)
	}
	res.ScheduledTime = &next

	pending, err := r.store.FindPendingForWorkflow(ctx, w.ID)
	if err != nil {
		metrics.Reconciles.WithLabelValues("error").Inc()
		return res, errors.Wrapf(err, "load pending jobs of workflow %s", w.ID)
	}
	occurrences := freshOccurrences(pending)

	if len(occurrences) == 1 && current(occurrences[0], next, w) {
		res.JobID = occurrences[0].ID
		res.Reason = "next occurrence already scheduled"
		metrics.Reconciles.WithLabelValues(string(ActionSkipped)).Inc()
		return res, nil
	}

	job := r.newJob(w, next, jobs.TriggerMetadata{Source: jobs.SourceRecurring}, now)

	if len(occurrences) == 0 {
		if err := r.store.Create(ctx, job); err != nil {
			if errors.IsConflictError(err) {
				// A concurrent reconcile inserted the occurrence first
				res.Reason = "occurrence created concurrently"
				metrics.Reconciles.WithLabelValues(string(ActionSkipped)).Inc()
				return res, nil
			}
			metrics.Reconciles.WithLabelValues("error").Inc()
			return res, err
		}
		res.Action = ActionCreated
	} else {
		stale := make([]string, len(occurrences))
		for i, j := range occurrences {
			stale[i] = j.ID
		}
		removed, err := r.store.ReplacePending(ctx, stale, job)
		if err != nil {
			if errors.IsConflictError(err) {
				// A concurrent reconcile replaced the same occurrences first
				res.Reason = "occurrence replaced concurrently"
				metrics.Reconciles.WithLabelValues(string(ActionSkipped)).Inc()
				return res, nil
			}
			metrics.Reconciles.WithLabelValues("error").Inc()
			return res, errors.Wrapf(err, "replace pending jobs of workflow %s", w.ID)
		}
		res.Action = ActionReplaced
		res.Removed = removed
	}

	res.JobID = job.ID
	metrics.Reconciles.WithLabelValues(string(res.Action)).Inc()
	r.logger.Infow("Scheduled next occurrence",
		logger.FieldWorkflowID, w.ID,
		logger.FieldJobID, job.ID,
		logger.FieldAction, string(res.Action),
		logger.FieldScheduledTime, next.Format(time.RFC3339),
		"local_time", r.tz.ToLocal(next).Format("2006-01-02 15:04 MST"),
	)
	return res, nil
}

// pattern returns w's recurrence. Unpinned monthly patterns keep the local
// day the workflow was created on, so a short month firing on its last day
// does not move later occurrences.
func (r *Registrar) pattern(w *workflow.Workflow) recurrence.Pattern {
	p := *w.Schedule.Recurring
	if w.CreatedAt.IsZero() {
		return p
	}
	return p.Anchored(r.tz.ToLocal(w.CreatedAt).Day())
}

// ReconcileWorkflow loads a workflow by id and reconciles it.
func (r *Registrar) ReconcileWorkflow(ctx context.Context, workflowID string) (Result, error) {
	w, err := r.source.Get(ctx, workflowID)
	if err != nil {
		return Result{WorkflowID: workflowID}, err
	}
	return r.Reconcile(ctx, w)
}

// ReconcileAll reconciles every active workflow. A failure for one workflow
// is recorded in the summary and does not stop the others.
func (r *Registrar) ReconcileAll(ctx context.Context) (Summary, error) {
	var sum Summary

	active, err := r.source.ListActive(ctx)
	if err != nil {
		return sum, errors.Wrap(err, "list active workflows")
	}

	for _, w := range active {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}

		res, err := r.Reconcile(ctx, w)
		if err != nil {
			sum.Failed++
			sum.Errors = append(sum.Errors, w.ID+": "+err.Error())
			r.logger.Errorw("Reconcile failed",
				logger.FieldWorkflowID, w.ID,
				logger.FieldError, err)
			continue
		}

		switch res.Action {
		case ActionCreated:
			sum.Created++
		case ActionReplaced:
			sum.Replaced++
		default:
			sum.Skipped++
		}
		sum.Results = append(sum.Results, res)
	}

	r.logger.Infow("Reconciled active workflows",
		logger.FieldCount, len(active),
		"created", sum.Created,
		"replaced", sum.Replaced,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
	)
	return sum, nil
}

// Deactivate removes every pending job of a paused or archived workflow.
// Running jobs finish normally.
func (r *Registrar) Deactivate(ctx context.Context, workflowID string) (int64, error) {
	n, err := r.store.CancelPendingForWorkflow(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	r.logger.Infow("Cancelled pending jobs of deactivated workflow",
		logger.FieldWorkflowID, workflowID,
		logger.FieldCount, n)
	return n, nil
}

// ScheduleOnce inserts a one-shot job for w at the given instant. Every call
// is a distinct occurrence, so no dedup is applied. Instants in the past
// are due on the next poll.
func (r *Registrar) ScheduleOnce(ctx context.Context, w *workflow.Workflow, at time.Time, meta jobs.TriggerMetadata) (*jobs.Job, error) {
	job := r.newJob(w, at.UTC(), meta, r.tz.Now())
	if err := r.store.Create(ctx, job); err != nil {
		return nil, err
	}
	r.logger.Infow("Scheduled one-shot job",
		logger.FieldWorkflowID, w.ID,
		logger.FieldJobID, job.ID,
		logger.FieldSource, string(meta.Source),
		logger.FieldScheduledTime, job.ScheduledTime.Format(time.RFC3339),
	)
	return job, nil
}

// ScheduleDelayed inserts a one-shot job delay from now.
func (r *Registrar) ScheduleDelayed(ctx context.Context, w *workflow.Workflow, delay time.Duration, meta jobs.TriggerMetadata) (*jobs.Job, error) {
	if delay <= 0 {
		return nil, errors.NewInvalidRequestError("delay must be positive, got %s", delay)
	}
	return r.ScheduleOnce(ctx, w, r.tz.Now().Add(delay), meta)
}

func (r *Registrar) newJob(w *workflow.Workflow, at time.Time, meta jobs.TriggerMetadata, now time.Time) *jobs.Job {
	maxRetries := r.defaultMaxRetries
	if w.MaxRetries > 0 {
		maxRetries = w.MaxRetries
	}
	return &jobs.Job{
		WorkflowID:      w.ID,
		Snapshot:        w.Snapshot(),
		ScheduledTime:   at,
		Status:          jobs.StatusPending,
		MaxRetries:      maxRetries,
		TriggerSource:   meta.Source,
		TriggerMetadata: meta,
		CreatedAt:       now,
	}
}

// freshOccurrences keeps pending recurring jobs that have not been
// attempted. Retries of an earlier occurrence run on their own backoff.
func freshOccurrences(pending []*jobs.Job) []*jobs.Job {
	var out []*jobs.Job
	for _, j := range pending {
		if j.TriggerSource == jobs.SourceRecurring && j.RetryCount == 0 {
			out = append(out, j)
		}
	}
	return out
}

// current reports whether job already represents w's next occurrence: same
// instant and a snapshot taken from the same revision of w.
func current(job *jobs.Job, next time.Time, w *workflow.Workflow) bool {
	return job.ScheduledTime.Equal(next) && job.Snapshot.UpdatedAt.Equal(w.UpdatedAt)
}

// Reschedule reconciles a workflow after one of its recurring jobs
// finished, so the following occurrence exists.
func (r *Registrar) Reschedule(ctx context.Context, workflowID string) error {
	_, err := r.ReconcileWorkflow(ctx, workflowID)
	if errors.IsNotFoundError(err) {
		// Deleted workflows simply stop recurring
		return nil
	}
	return err
}
