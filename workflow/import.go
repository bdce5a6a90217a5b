package workflow

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sendloop/sendloop/errors"
	"github.com/sendloop/sendloop/recurrence"
)

// document is the YAML layout accepted by ImportYAML:
//
//	workflows:
//	  - id: wf-birthday
//	    name: Birthday coupon
//	    status: active
//	    triggerType: manual
//	    schedule:
//	      type: recurring
//	      recurringPattern: {frequency: daily, time: "09:00"}
//	    message: {templateCode: BDAY_01}
//	    target: {segment: birthday-today}
type document struct {
	Workflows []yamlWorkflow `yaml:"workflows"`
}

type yamlWorkflow struct {
	ID          string                 `yaml:"id"`
	Name        string                 `yaml:"name"`
	Status      Status                 `yaml:"status"`
	TriggerType TriggerType            `yaml:"triggerType"`
	Schedule    yamlSchedule           `yaml:"schedule"`
	Trigger     yamlTrigger            `yaml:"trigger"`
	Message     map[string]interface{} `yaml:"message"`
	Target      map[string]interface{} `yaml:"target"`
	MaxRetries  int                    `yaml:"maxRetries"`
}

type yamlSchedule struct {
	Type          ScheduleType        `yaml:"type"`
	DelayMinutes  int                 `yaml:"delayMinutes"`
	ScheduledTime *time.Time          `yaml:"scheduledTime"`
	Recurring     *recurrence.Pattern `yaml:"recurringPattern"`
}

type yamlTrigger struct {
	EventType  string      `yaml:"eventType"`
	Conditions []Condition `yaml:"conditions"`
	Logic      Logic       `yaml:"logic"`
}

// ParseYAML decodes workflow definitions. Every definition is validated
// before any is returned.
func ParseYAML(r io.Reader, now time.Time) ([]*Workflow, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, errors.Wrap(errors.Wrap(errors.ErrInvalidRequest, err.Error()), "parse workflow yaml")
	}

	out := make([]*Workflow, 0, len(doc.Workflows))
	seen := map[string]bool{}
	for _, y := range doc.Workflows {
		if seen[y.ID] {
			return nil, errors.NewInvalidRequestError("workflow %s defined twice", y.ID)
		}
		seen[y.ID] = true

		w := &Workflow{
			ID:          y.ID,
			Name:        y.Name,
			Status:      y.Status,
			TriggerType: y.TriggerType,
			Schedule: Schedule{
				Type:          y.Schedule.Type,
				DelayMinutes:  y.Schedule.DelayMinutes,
				ScheduledTime: y.Schedule.ScheduledTime,
				Recurring:     y.Schedule.Recurring,
			},
			Trigger: Trigger{
				EventType:  y.Trigger.EventType,
				Conditions: y.Trigger.Conditions,
				Logic:      y.Trigger.Logic,
			},
			MaxRetries: y.MaxRetries,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if w.Status == "" {
			w.Status = StatusDraft
		}

		var err error
		if w.MessageConfig, err = toRaw(y.Message); err != nil {
			return nil, errors.Wrapf(err, "workflow %s message", y.ID)
		}
		if w.TargetConfig, err = toRaw(y.Target); err != nil {
			return nil, errors.Wrapf(err, "workflow %s target", y.ID)
		}

		if err := w.Validate(); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// ImportYAML parses r and upserts every workflow into s.
func ImportYAML(ctx context.Context, s *Store, r io.Reader, now time.Time) ([]*Workflow, error) {
	workflows, err := ParseYAML(r, now)
	if err != nil {
		return nil, err
	}
	for _, w := range workflows {
		if err := s.Upsert(ctx, w); err != nil {
			return nil, err
		}
	}
	return workflows, nil
}

func toRaw(m map[string]interface{}) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}
