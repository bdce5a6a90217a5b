package trigger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sendloop/sendloop/errors"
	"github.com/sendloop/sendloop/jobs"
	"github.com/sendloop/sendloop/logger"
	"github.com/sendloop/sendloop/metrics"
	"github.com/sendloop/sendloop/workflow"
)

// Webhook request headers.
const (
	HeaderSignature = "X-Sendloop-Signature" // sha256=<hex hmac of body>
	HeaderDelivery  = "X-Sendloop-Delivery"  // unique per delivery, reused on redelivery
)

// Dispatch actions for one matched workflow.
const (
	DispatchExecuted    = "executed"
	DispatchScheduled   = "scheduled"
	DispatchSkipped     = "skipped"
	DispatchRateLimited = "rate_limited"
	DispatchFailed      = "failed"
	DispatchDuplicate   = "duplicate"
)

// WebhookOptions configures WebhookTrigger.
type WebhookOptions struct {
	// Secret enables signature verification when non-empty.
	Secret string
	// MaxPerMinute caps executions per workflow; 0 disables the limit.
	MaxPerMinute int
	// Guard deduplicates deliveries; nil disables dedup.
	Guard       DeliveryGuard
	DeliveryTTL time.Duration
}

// Dispatch reports what happened to one workflow listening for the event.
type Dispatch struct {
	WorkflowID    string     `json:"workflowId"`
	Action        string     `json:"action"`
	JobID         string     `json:"jobId,omitempty"`
	ScheduledTime *time.Time `json:"scheduledTime,omitempty"`
	Success       *bool      `json:"success,omitempty"`
	Message       string     `json:"message,omitempty"`
}

// WebhookResult reports one inbound event.
type WebhookResult struct {
	EventType  string     `json:"eventType"`
	DeliveryID string     `json:"deliveryId,omitempty"`
	Duplicate  bool       `json:"duplicate"`
	Matched    int        `json:"matched"`
	Failed     int        `json:"failed"`
	Dispatches []Dispatch `json:"dispatches"`
}

// WebhookTrigger turns inbound events into executions of the workflows
// listening for them.
type WebhookTrigger struct {
	source    workflow.Source
	registrar Registrar
	exec      Executor
	opts      WebhookOptions
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewWebhookTrigger creates a webhook trigger.
func NewWebhookTrigger(source workflow.Source, registrar Registrar, exec Executor, opts WebhookOptions, logger *zap.SugaredLogger) *WebhookTrigger {
	if opts.DeliveryTTL <= 0 {
		opts.DeliveryTTL = time.Hour
	}
	return &WebhookTrigger{
		source:    source,
		registrar: registrar,
		exec:      exec,
		opts:      opts,
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Handle verifies and processes one event. Workflows whose conditions do
// not match are skipped; a failure for one workflow does not affect others.
func (t *WebhookTrigger) Handle(ctx context.Context, eventType string, body []byte, headers http.Header) (WebhookResult, error) {
	res := WebhookResult{EventType: eventType, Dispatches: []Dispatch{}}

	if eventType == "" {
		return res, errors.NewInvalidRequestError("event type is required")
	}
	if err := t.verify(body, headers.Get(HeaderSignature)); err != nil {
		metrics.WebhookEvents.WithLabelValues(eventType, "unauthorized").Inc()
		return res, err
	}

	data, err := decodeEvent(body)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(eventType, "invalid").Inc()
		return res, err
	}

	res.DeliveryID = headers.Get(HeaderDelivery)

	candidates, err := t.source.ListByEvent(ctx, eventType)
	if err != nil {
		return res, errors.Wrapf(err, "list workflows for event %s", eventType)
	}

	duplicates := 0
	for _, w := range candidates {
		if !workflow.Evaluate(data, w.Trigger.Conditions, w.Trigger.Logic) {
			continue
		}
		res.Matched++
		d := t.dispatchOnce(ctx, w, eventType, res.DeliveryID, data)
		switch d.Action {
		case DispatchDuplicate:
			duplicates++
		case DispatchFailed:
			res.Failed++
		}
		res.Dispatches = append(res.Dispatches, d)
	}

	if res.Matched > 0 && duplicates == res.Matched {
		res.Duplicate = true
		metrics.WebhookEvents.WithLabelValues(eventType, "duplicate").Inc()
		t.logger.Infow("Ignoring redelivered webhook",
			logger.FieldEventType, eventType,
			logger.FieldDeliveryID, res.DeliveryID)
		return res, nil
	}

	outcome := "matched"
	if res.Matched == 0 {
		outcome = "unmatched"
	}
	metrics.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
	t.logger.Infow("Webhook processed",
		logger.FieldEventType, eventType,
		logger.FieldDeliveryID, res.DeliveryID,
		"candidates", len(candidates),
		"matched", res.Matched,
		"failed", res.Failed)
	return res, nil
}

// dispatchOnce guards dispatch with the delivery id so each workflow acts
// on a delivery at most once. The id is released again when the dispatch
// did not go through, letting the sender's retry be processed.
func (t *WebhookTrigger) dispatchOnce(ctx context.Context, w *workflow.Workflow, eventType, deliveryID string, data map[string]interface{}) Dispatch {
	if deliveryID == "" || t.opts.Guard == nil {
		return t.dispatch(ctx, w, eventType, deliveryID, data)
	}

	key := eventType + ":" + deliveryID + ":" + w.ID
	first, err := t.opts.Guard.FirstDelivery(ctx, key, t.opts.DeliveryTTL)
	if err != nil {
		t.logger.Errorw("Failed to check webhook delivery",
			logger.FieldWorkflowID, w.ID,
			logger.FieldDeliveryID, deliveryID,
			logger.FieldError, err)
		return Dispatch{WorkflowID: w.ID, Action: DispatchFailed, Message: err.Error()}
	}
	if !first {
		return Dispatch{WorkflowID: w.ID, Action: DispatchDuplicate}
	}

	d := t.dispatch(ctx, w, eventType, deliveryID, data)
	if d.Action == DispatchFailed || d.Action == DispatchRateLimited {
		if err := t.opts.Guard.Forget(context.WithoutCancel(ctx), key); err != nil {
			t.logger.Errorw("Failed to release webhook delivery",
				logger.FieldWorkflowID, w.ID,
				logger.FieldDeliveryID, deliveryID,
				logger.FieldError, err)
		}
	}
	return d
}

func (t *WebhookTrigger) dispatch(ctx context.Context, w *workflow.Workflow, eventType, deliveryID string, data map[string]interface{}) Dispatch {
	d := Dispatch{WorkflowID: w.ID}

	if !t.allow(w.ID) {
		d.Action = DispatchRateLimited
		d.Message = "workflow exceeded webhook.max_per_minute"
		t.logger.Warnw("Webhook execution rate limited",
			logger.FieldWorkflowID, w.ID,
			logger.FieldEventType, eventType)
		return d
	}

	meta := jobs.TriggerMetadata{
		Source:       jobs.SourceWebhook,
		EventType:    eventType,
		WebhookEvent: data,
		DeliveryID:   deliveryID,
	}

	switch w.Schedule.Type {
	case workflow.ScheduleImmediate:
		out := t.exec.ExecuteNow(ctx, w, meta)
		d.Action = DispatchExecuted
		d.Success = &out.Success
		d.Message = out.Message
		return d

	case workflow.ScheduleDelay:
		job, err := t.registrar.ScheduleDelayed(ctx, w, time.Duration(w.Schedule.DelayMinutes)*time.Minute, meta)
		return scheduled(d, job, err, t.logger)

	case workflow.ScheduleScheduled:
		if w.Schedule.ScheduledTime == nil {
			d.Action, d.Message = DispatchSkipped, "scheduledTime missing"
			return d
		}
		job, err := t.registrar.ScheduleOnce(ctx, w, *w.Schedule.ScheduledTime, meta)
		return scheduled(d, job, err, t.logger)
	}

	d.Action = DispatchSkipped
	d.Message = "schedule type " + string(w.Schedule.Type) + " cannot be started by a webhook"
	return d
}

func scheduled(d Dispatch, job *jobs.Job, err error, log *zap.SugaredLogger) Dispatch {
	if err != nil {
		d.Action, d.Message = DispatchFailed, err.Error()
		log.Errorw("Failed to schedule webhook job", logger.FieldWorkflowID, d.WorkflowID, logger.FieldError, err)
		return d
	}
	at := job.ScheduledTime
	d.Action, d.JobID, d.ScheduledTime = DispatchScheduled, job.ID, &at
	return d
}

// allow applies the per-workflow token bucket.
func (t *WebhookTrigger) allow(workflowID string) bool {
	if t.opts.MaxPerMinute <= 0 {
		return true
	}
	t.mu.Lock()
	l, ok := t.limiters[workflowID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(t.opts.MaxPerMinute)/60.0), t.opts.MaxPerMinute)
		t.limiters[workflowID] = l
	}
	t.mu.Unlock()
	return l.Allow()
}

// verify checks the HMAC-SHA256 signature of body when a secret is set.
func (t *WebhookTrigger) verify(body []byte, header string) error {
	if t.opts.Secret == "" {
		return nil
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok || sig == "" {
		return errors.Wrap(errors.ErrUnauthorized, "missing webhook signature")
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return errors.Wrap(errors.ErrUnauthorized, "malformed webhook signature")
	}
	if !hmac.Equal(got, Sign([]byte(t.opts.Secret), body)) {
		return errors.Wrap(errors.ErrUnauthorized, "webhook signature mismatch")
	}
	return nil
}

// Sign returns the HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader formats the signature header value for body.
func SignatureHeader(secret, body []byte) string {
	return "sha256=" + hex.EncodeToString(Sign(secret, body))
}

func decodeEvent(body []byte) (map[string]interface{}, error) {
	data := map[string]interface{}{}
	if len(bytes.TrimSpace(body)) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, errors.NewInvalidRequestError("webhook body must be a JSON object: %v", err)
	}
	return data, nil
}
