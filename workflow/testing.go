package workflow

import (
	"encoding/json"
	"time"

	"github.com/sendloop/sendloop/recurrence"
)

// NewRecurring builds an active manual workflow firing on p. Used by tests
// across packages.
func NewRecurring(id string, p recurrence.Pattern, now time.Time) *Workflow {
	return &Workflow{
		ID:            id,
		Name:          "recurring " + id,
		Status:        StatusActive,
		TriggerType:   TriggerManual,
		Schedule:      Schedule{Type: ScheduleRecurring, Recurring: &p},
		MessageConfig: json.RawMessage(`{"templateCode":"TPL_` + id + `"}`),
		TargetConfig:  json.RawMessage(`{"segment":"all"}`),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// NewWebhook builds an active webhook workflow for eventType.
func NewWebhook(id, eventType string, schedule Schedule, now time.Time, conds ...Condition) *Workflow {
	return &Workflow{
		ID:            id,
		Name:          "webhook " + id,
		Status:        StatusActive,
		TriggerType:   TriggerWebhook,
		Schedule:      schedule,
		Trigger:       Trigger{EventType: eventType, Conditions: conds, Logic: LogicAnd},
		MessageConfig: json.RawMessage(`{"templateCode":"TPL_` + id + `"}`),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
