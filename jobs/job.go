// Package jobs persists scheduled workflow executions and enforces their
// state machine with conditional updates.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/sendloop/sendloop/workflow"
)

// Status is the lifecycle state of a scheduled job.
//
//	pending --claim--> running --success--> completed
//	   ^                  |
//	   +---retry----------+--exhausted--> failed
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Source records what created a job.
type Source string

const (
	SourceRecurring Source = "recurring" // Registrar, next occurrence of a pattern
	SourceScheduled Source = "scheduled" // manual trigger for a fixed instant
	SourceDelay     Source = "delay"     // manual trigger with delayMinutes
	SourceWebhook   Source = "webhook"   // inbound event with a delay schedule
	SourceManual    Source = "manual"    // immediate manual execution (not persisted)
)

// DefaultMaxRetries applies when neither the workflow nor the caller sets one.
const DefaultMaxRetries = 3

// TriggerMetadata describes the occurrence that caused a job.
type TriggerMetadata struct {
	Source       Source                 `json:"source"`
	EventType    string                 `json:"eventType,omitempty"`
	WebhookEvent map[string]interface{} `json:"webhookEvent,omitempty"`
	DeliveryID   string                 `json:"deliveryId,omitempty"`
	Actor        string                 `json:"actor,omitempty"`
}

// Job is one scheduled execution of a workflow snapshot.
type Job struct {
	ID              string            `json:"id"`
	WorkflowID      string            `json:"workflowId"`
	Snapshot        workflow.Snapshot `json:"workflowSnapshot"`
	ScheduledTime   time.Time         `json:"scheduledTime"`
	Status          Status            `json:"status"`
	RetryCount      int               `json:"retryCount"`
	MaxRetries      int               `json:"maxRetries"`
	TriggerSource   Source            `json:"triggerSource"`
	TriggerMetadata TriggerMetadata   `json:"triggerMetadata"`
	Result          json.RawMessage   `json:"result,omitempty"`
	LastError       string            `json:"lastError,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	StartedAt       *time.Time        `json:"startedAt,omitempty"`
	ClaimedAt       *time.Time        `json:"claimedAt,omitempty"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
	FailedAt        *time.Time        `json:"failedAt,omitempty"`
}

// Filter narrows List.
type Filter struct {
	Status     Status
	WorkflowID string
	Limit      int
}

// FailureOutcome is the state a job landed in after RecordFailure.
type FailureOutcome struct {
	Status     Status
	RetryCount int
}

// Retried reports whether the job went back to pending.
func (o FailureOutcome) Retried() bool { return o.Status == StatusPending }

// Stats counts jobs per status.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
