package executor

import (
	"time"

	"github.com/sendloop/sendloop/jobs"
)

// Event types published to the Broadcaster.
const (
	EventJobPrefix        = "job."
	EventJobCompleted     = EventJobPrefix + string(OutcomeCompleted)
	EventJobRetried       = EventJobPrefix + string(OutcomeRetried)
	EventJobFailed        = EventJobPrefix + string(OutcomeFailed)
	EventJobSkipped       = EventJobPrefix + string(OutcomeSkipped)
	EventWorkflowExecuted = "workflow.executed"
)

// Event is a job lifecycle notification.
type Event struct {
	Type       string      `json:"type"`
	JobID      string      `json:"jobId,omitempty"`
	WorkflowID string      `json:"workflowId"`
	Source     jobs.Source `json:"source,omitempty"`
	RetryCount int         `json:"retryCount,omitempty"`
	Error      string      `json:"error,omitempty"`
	At         time.Time   `json:"at"`
}
