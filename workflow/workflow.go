// Package workflow holds marketing workflow definitions as the scheduler
// sees them: status, trigger, schedule and the opaque message/target
// configuration that is snapshotted into each scheduled job.
package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sendloop/sendloop/errors"
	"github.com/sendloop/sendloop/recurrence"
)

// Status is the lifecycle state of a workflow.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusArchived Status = "archived"
)

// TriggerType says what starts a workflow.
type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerWebhook TriggerType = "webhook"
)

// ScheduleType says when a triggered workflow runs.
type ScheduleType string

const (
	ScheduleImmediate ScheduleType = "immediate"
	ScheduleDelay     ScheduleType = "delay"
	ScheduleScheduled ScheduleType = "scheduled"
	ScheduleRecurring ScheduleType = "recurring"
)

// Schedule is the scheduling part of a workflow.
type Schedule struct {
	Type          ScheduleType        `json:"type"`
	DelayMinutes  int                 `json:"delayMinutes,omitempty"`
	ScheduledTime *time.Time          `json:"scheduledTime,omitempty"`
	Recurring     *recurrence.Pattern `json:"recurringPattern,omitempty"`
}

// Trigger configures webhook matching.
type Trigger struct {
	EventType  string      `json:"eventType,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
	Logic      Logic       `json:"logic,omitempty"`
}

// Workflow is a marketing workflow definition.
type Workflow struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Status        Status          `json:"status"`
	TriggerType   TriggerType     `json:"triggerType"`
	Schedule      Schedule        `json:"schedule"`
	Trigger       Trigger         `json:"trigger,omitempty"`
	MessageConfig json.RawMessage `json:"messageConfig,omitempty"`
	TargetConfig  json.RawMessage `json:"targetConfig,omitempty"`
	// MaxRetries overrides the scheduler default when positive.
	MaxRetries int       `json:"maxRetries,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Source is the read side the scheduler needs from the workflow owner.
type Source interface {
	Get(ctx context.Context, id string) (*Workflow, error)
	ListActive(ctx context.Context) ([]*Workflow, error)
	// ListByEvent returns active webhook workflows listening for eventType.
	ListByEvent(ctx context.Context, eventType string) ([]*Workflow, error)
}

// Snapshot is the executable configuration of a workflow frozen at the
// moment a job was created. Later edits to the workflow do not reach jobs
// that already hold a snapshot.
type Snapshot struct {
	WorkflowID    string          `json:"workflowId"`
	Name          string          `json:"name"`
	TriggerType   TriggerType     `json:"triggerType"`
	Schedule      Schedule        `json:"schedule"`
	MessageConfig json.RawMessage `json:"messageConfig,omitempty"`
	TargetConfig  json.RawMessage `json:"targetConfig,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Snapshot captures the executable configuration of w.
func (w *Workflow) Snapshot() Snapshot {
	return Snapshot{
		WorkflowID:    w.ID,
		Name:          w.Name,
		TriggerType:   w.TriggerType,
		Schedule:      w.Schedule.Clone(),
		MessageConfig: cloneRaw(w.MessageConfig),
		TargetConfig:  cloneRaw(w.TargetConfig),
		UpdatedAt:     w.UpdatedAt,
	}
}

// RecurringEligibility reports whether w should have a pending recurring
// job, and why not when it should not.
func (w *Workflow) RecurringEligibility() (bool, string) {
	switch {
	case w.Status != StatusActive:
		return false, "workflow is " + string(w.Status)
	case w.TriggerType != TriggerManual:
		return false, "trigger type " + string(w.TriggerType) + " does not support recurring schedules"
	case w.Schedule.Type != ScheduleRecurring:
		return false, "schedule type is " + string(w.Schedule.Type)
	case w.Schedule.Recurring == nil:
		return false, "recurring pattern missing"
	}
	if err := w.Schedule.Recurring.Validate(); err != nil {
		return false, "invalid recurring pattern: " + err.Error()
	}
	return true, ""
}

// Validate checks the definition is internally consistent.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return errors.NewInvalidRequestError("workflow id is required")
	}
	if w.Name == "" {
		return errors.NewInvalidRequestError("workflow %s: name is required", w.ID)
	}

	switch w.Status {
	case StatusDraft, StatusActive, StatusPaused, StatusArchived:
	default:
		return errors.NewInvalidRequestError("workflow %s: unknown status %q", w.ID, w.Status)
	}

	switch w.TriggerType {
	case TriggerManual:
	case TriggerWebhook:
		if w.Trigger.EventType == "" {
			return errors.NewInvalidRequestError("workflow %s: webhook trigger needs an event type", w.ID)
		}
		if err := ValidateConditions(w.Trigger.Conditions, w.Trigger.Logic); err != nil {
			return errors.Wrapf(err, "workflow %s", w.ID)
		}
	default:
		return errors.NewInvalidRequestError("workflow %s: unknown trigger type %q", w.ID, w.TriggerType)
	}

	switch w.Schedule.Type {
	case ScheduleImmediate:
	case ScheduleDelay:
		if w.Schedule.DelayMinutes <= 0 {
			return errors.NewInvalidRequestError("workflow %s: delay schedule needs delayMinutes > 0", w.ID)
		}
	case ScheduleScheduled:
		if w.Schedule.ScheduledTime == nil {
			return errors.NewInvalidRequestError("workflow %s: scheduled schedule needs scheduledTime", w.ID)
		}
	case ScheduleRecurring:
		if w.TriggerType != TriggerManual {
			return errors.NewInvalidRequestError("workflow %s: recurring schedules need a manual trigger", w.ID)
		}
		if w.Schedule.Recurring == nil {
			return errors.NewInvalidRequestError("workflow %s: recurring schedule needs recurringPattern", w.ID)
		}
		if err := w.Schedule.Recurring.Validate(); err != nil {
			return errors.Wrapf(err, "workflow %s", w.ID)
		}
	default:
		return errors.NewInvalidRequestError("workflow %s: unknown schedule type %q", w.ID, w.Schedule.Type)
	}

	if w.MaxRetries < 0 {
		return errors.NewInvalidRequestError("workflow %s: maxRetries must be >= 0", w.ID)
	}

	return nil
}

// Clone returns a copy of s sharing no memory with it.
func (s Schedule) Clone() Schedule {
	out := s
	if s.ScheduledTime != nil {
		at := *s.ScheduledTime
		out.ScheduledTime = &at
	}
	if s.Recurring != nil {
		p := *s.Recurring
		if p.DaysOfWeek != nil {
			p.DaysOfWeek = append([]int(nil), p.DaysOfWeek...)
		}
		out.Recurring = &p
	}
	return out
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}
