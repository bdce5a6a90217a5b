package trigger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sendloop/sendloop/errors"
	"github.com/sendloop/sendloop/executor"
	"github.com/sendloop/sendloop/jobs"
	"github.com/sendloop/sendloop/logger"
	"github.com/sendloop/sendloop/scheduler"
	"github.com/sendloop/sendloop/workflow"
)

// Registrar is the scheduling side used by manual and webhook triggers.
type Registrar interface {
	ReconcileWorkflow(ctx context.Context, workflowID string) (scheduler.Result, error)
	Deactivate(ctx context.Context, workflowID string) (int64, error)
	ScheduleOnce(ctx context.Context, w *workflow.Workflow, at time.Time, meta jobs.TriggerMetadata) (*jobs.Job, error)
	ScheduleDelayed(ctx context.Context, w *workflow.Workflow, delay time.Duration, meta jobs.TriggerMetadata) (*jobs.Job, error)
}

// Executor runs a workflow without a persisted job.
type Executor interface {
	ExecuteNow(ctx context.Context, w *workflow.Workflow, meta jobs.TriggerMetadata) *executor.RunResult
}

// Mode says how a triggered workflow was handled.
type Mode string

const (
	ModeExecuted   Mode = "executed"   // ran immediately
	ModeScheduled  Mode = "scheduled"  // one-shot job created
	ModeRegistered Mode = "registered" // recurring schedule reconciled
)

// ManualOutcome reports a manual trigger.
type ManualOutcome struct {
	WorkflowID   string              `json:"workflowId"`
	Mode         Mode                `json:"mode"`
	Result       *executor.RunResult `json:"result,omitempty"`
	Job          *jobs.Job           `json:"job,omitempty"`
	Registration *scheduler.Result   `json:"registration,omitempty"`
}

// SyncOutcome reports Sync.
type SyncOutcome struct {
	WorkflowID   string            `json:"workflowId"`
	Status       string            `json:"status"`
	Registration *scheduler.Result `json:"registration,omitempty"`
	Cancelled    int64             `json:"cancelled"`
}

// ManualTrigger handles user-initiated runs and workflow lifecycle changes.
type ManualTrigger struct {
	source    workflow.Source
	registrar Registrar
	exec      Executor
	logger    *zap.SugaredLogger
}

// NewManualTrigger creates a manual trigger.
func NewManualTrigger(source workflow.Source, registrar Registrar, exec Executor, logger *zap.SugaredLogger) *ManualTrigger {
	return &ManualTrigger{source: source, registrar: registrar, exec: exec, logger: logger}
}

// Trigger runs an active workflow according to its schedule type: immediate
// workflows execute now, delay and scheduled ones get a one-shot job and
// recurring ones are reconciled.
func (m *ManualTrigger) Trigger(ctx context.Context, workflowID, actor string) (ManualOutcome, error) {
	out := ManualOutcome{WorkflowID: workflowID}

	w, err := m.source.Get(ctx, workflowID)
	if err != nil {
		return out, err
	}
	if w.Status != workflow.StatusActive {
		return out, errors.NewInvalidRequestError("workflow %s is %s", workflowID, w.Status)
	}

	m.logger.Infow("Manual trigger",
		logger.FieldWorkflowID, workflowID,
		logger.FieldActor, actor,
		"schedule_type", string(w.Schedule.Type))

	switch w.Schedule.Type {
	case workflow.ScheduleImmediate:
		out.Mode = ModeExecuted
		out.Result = m.exec.ExecuteNow(ctx, w, jobs.TriggerMetadata{Source: jobs.SourceManual, Actor: actor})
		return out, nil

	case workflow.ScheduleDelay:
		delay := time.Duration(w.Schedule.DelayMinutes) * time.Minute
		job, err := m.registrar.ScheduleDelayed(ctx, w, delay, jobs.TriggerMetadata{Source: jobs.SourceDelay, Actor: actor})
		if err != nil {
			return out, err
		}
		out.Mode, out.Job = ModeScheduled, job
		return out, nil

	case workflow.ScheduleScheduled:
		if w.Schedule.ScheduledTime == nil {
			return out, errors.NewInvalidRequestError("workflow %s has no scheduledTime", workflowID)
		}
		job, err := m.registrar.ScheduleOnce(ctx, w, *w.Schedule.ScheduledTime, jobs.TriggerMetadata{Source: jobs.SourceScheduled, Actor: actor})
		if err != nil {
			return out, err
		}
		out.Mode, out.Job = ModeScheduled, job
		return out, nil

	case workflow.ScheduleRecurring:
		res, err := m.registrar.ReconcileWorkflow(ctx, workflowID)
		if err != nil {
			return out, err
		}
		out.Mode, out.Registration = ModeRegistered, &res
		return out, nil
	}

	return out, errors.NewInvalidRequestError("workflow %s has unknown schedule type %q", workflowID, w.Schedule.Type)
}

// Sync brings the job store in line with a workflow after it was created,
// edited, paused, archived or deleted.
func (m *ManualTrigger) Sync(ctx context.Context, workflowID string) (SyncOutcome, error) {
	out := SyncOutcome{WorkflowID: workflowID}

	w, err := m.source.Get(ctx, workflowID)
	if errors.IsNotFoundError(err) {
		out.Status = "deleted"
		out.Cancelled, err = m.registrar.Deactivate(ctx, workflowID)
		return out, err
	}
	if err != nil {
		return out, err
	}
	out.Status = string(w.Status)

	if w.Status != workflow.StatusActive {
		out.Cancelled, err = m.registrar.Deactivate(ctx, workflowID)
		return out, err
	}

	res, err := m.registrar.ReconcileWorkflow(ctx, workflowID)
	if err != nil {
		return out, err
	}
	out.Registration = &res
	return out, nil
}
