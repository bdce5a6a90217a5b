// Package runner delivers workflow snapshots to the execution service that
// renders templates and sends messages.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sendloop/sendloop/errors"
	"github.com/sendloop/sendloop/executor"
	"github.com/sendloop/sendloop/internal/httpclient"
	"github.com/sendloop/sendloop/jobs"
	"github.com/sendloop/sendloop/logger"
	"github.com/sendloop/sendloop/version"
	"github.com/sendloop/sendloop/workflow"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// Request is the body posted to the execution service.
type Request struct {
	WorkflowID      string               `json:"workflowId"`
	Snapshot        workflow.Snapshot    `json:"snapshot"`
	TriggerMetadata jobs.TriggerMetadata `json:"triggerMetadata"`
}

// HTTP posts executions to a remote service.
type HTTP struct {
	url    string
	token  string
	client *httpclient.SaferClient
	logger *zap.SugaredLogger
}

// NewHTTP validates endpoint against the client's SSRF rules and returns a
// runner posting to it.
func NewHTTP(endpoint, token string, opts httpclient.Options, logger *zap.SugaredLogger) (*HTTP, error) {
	client := httpclient.New(opts)
	if _, err := client.ValidateURL(endpoint); err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(err, "invalid runner url %q", endpoint),
			"set runner.allow_private = true when the execution service runs on a private network",
		)
	}
	return &HTTP{url: endpoint, token: token, client: client, logger: logger}, nil
}

// Execute implements executor.Runner. Any non-2xx status is an error; a 2xx
// with an empty body counts as success.
func (h *HTTP) Execute(ctx context.Context, snap workflow.Snapshot, meta jobs.TriggerMetadata) (*executor.RunResult, error) {
	body, err := json.Marshal(Request{WorkflowID: snap.WorkflowID, Snapshot: snap, TriggerMetadata: meta})
	if err != nil {
		return nil, errors.Wrap(err, "marshal execution request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build execution request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "execute workflow %s", snap.WorkflowID)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read execution response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		var decoded executor.RunResult
		if json.Unmarshal(raw, &decoded) == nil && decoded.Message != "" {
			msg = decoded.Message
		}
		logger.FromContext(ctx, h.logger).Debugw("Execution service rejected request",
			logger.FieldWorkflowID, snap.WorkflowID,
			logger.FieldStatus, resp.StatusCode)
		return nil, errors.Newf("execution service returned %d: %s", resp.StatusCode, msg)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return &executor.RunResult{Success: true}, nil
	}
	var out executor.RunResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "decode execution response")
	}
	return &out, nil
}

// DryRun logs executions instead of delivering them. Used by serve
// --dry-run when no execution service is configured.
type DryRun struct {
	logger *zap.SugaredLogger
}

// NewDryRun creates a DryRun runner.
func NewDryRun(logger *zap.SugaredLogger) *DryRun {
	return &DryRun{logger: logger}
}

// Execute implements executor.Runner.
func (d *DryRun) Execute(ctx context.Context, snap workflow.Snapshot, meta jobs.TriggerMetadata) (*executor.RunResult, error) {
	logger.FromContext(ctx, d.logger).Infow("Dry run execution",
		logger.FieldWorkflowID, snap.WorkflowID,
		logger.FieldSource, string(meta.Source),
		"message_config", string(snap.MessageConfig))
	return &executor.RunResult{Success: true, Message: "dry run"}, nil
}
