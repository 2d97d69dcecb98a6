package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
)

// RunRequest is what an Executor receives for one attempt.
type RunRequest struct {
	JobID         string     `json:"jobId"`
	JudgeRecordID int64      `json:"judgeRecordId"`
	Mode          model.Mode `json:"mode"`
	Script        string     `json:"script"`
	Root          Root       `json:"root"`
}

// Executor runs a restored root in the external sandbox and returns its outcome.
type Executor interface {
	Run(ctx context.Context, req RunRequest) (model.ExecutionOutcome, error)
}

// maxResponseBytes bounds the outcome document read from the sandbox.
const maxResponseBytes = 8 << 20

// HTTPExecutor posts run requests to a sandbox service.
type HTTPExecutor struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPExecutor creates an executor for endpoint with the given timeout.
func NewHTTPExecutor(endpoint string, timeout time.Duration) (*HTTPExecutor, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("sandbox endpoint is required")
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPExecutor{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}, nil
}

// Run sends the request. Network errors and 5xx replies are transient; 4xx
// replies mean the sandbox refused the run and are not retried.
func (e *HTTPExecutor) Run(ctx context.Context, req RunRequest) (model.ExecutionOutcome, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return model.ExecutionOutcome{}, fmt.Errorf("marshal run request failed: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint, bytes.NewReader(body))
	if err != nil {
		return model.ExecutionOutcome{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "build sandbox request failed")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return model.ExecutionOutcome{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "sandbox request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return model.ExecutionOutcome{}, appErr.Wrapf(err, appErr.SandboxUnavailable, "read sandbox response failed")
	}
	switch {
	case resp.StatusCode >= 500:
		return model.ExecutionOutcome{}, appErr.Newf(appErr.SandboxUnavailable, "sandbox returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return model.ExecutionOutcome{}, appErr.Newf(appErr.SandboxRejected, "sandbox rejected run with %d: %s", resp.StatusCode, truncate(string(data), 256))
	}
	if len(data) > maxResponseBytes {
		return model.ExecutionOutcome{}, appErr.New(appErr.SandboxOutputInvalid).WithMessage("sandbox response too large")
	}
	return decodeOutcome(data)
}

func decodeOutcome(data []byte) (model.ExecutionOutcome, error) {
	var outcome model.ExecutionOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		return model.ExecutionOutcome{}, appErr.Wrapf(err, appErr.SandboxOutputInvalid, "decode sandbox outcome failed")
	}
	if outcome.Tests == nil {
		outcome.Tests = []model.SubtestResult{}
	}
	return outcome, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
