package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"judgeflow/internal/common/http/middleware"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/signature"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/contextkey"
)

// WebhookPath is the route of the completion webhook.
const WebhookPath = "/webhook/judge/complete"

// CompletionClient reports the end of an attempt for a judge record.
type CompletionClient interface {
	Complete(ctx context.Context, judgeRecordID int64, token string, report model.CompletionReport) error
}

// LocalCompleter completes records in-process through the completion service.
type LocalCompleter struct {
	Service *CompletionService
}

func (c LocalCompleter) Complete(ctx context.Context, judgeRecordID int64, token string, report model.CompletionReport) error {
	if c.Service == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("completion service is not configured")
	}
	_, err := c.Service.Complete(ctx, judgeRecordID, token, &report)
	return err
}

// WebhookCompleter calls the signed completion webhook of the origin service.
type WebhookCompleter struct {
	BaseURL string
	Signer  signature.Signer
	Client  *http.Client
}

// NewWebhookCompleter creates a webhook completer for baseURL.
func NewWebhookCompleter(baseURL, secret string, timeout time.Duration) (*WebhookCompleter, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("webhook base url is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse webhook base url failed: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookCompleter{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Signer:  signature.Signer{Secret: secret},
		Client:  &http.Client{Timeout: timeout},
	}, nil
}

// Complete posts the report. A 403 reply is returned as WebhookTokenInvalid.
// The origin answers bad signatures and spent tokens alike, so callers check
// for a recorded result before treating it as done. 5xx and network errors
// are retryable.
func (c *WebhookCompleter) Complete(ctx context.Context, judgeRecordID int64, token string, report model.CompletionReport) error {
	params := map[string]string{
		"token":         token,
		"judgeRecordId": strconv.FormatInt(judgeRecordID, 10),
	}
	timestamp, sig := c.Signer.SignRequest(WebhookPath, params)

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal completion report failed: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+WebhookPath+"?"+query.Encode(), bytes.NewReader(body))
	if err != nil {
		return appErr.Wrapf(err, appErr.CompletionFailed, "build webhook request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.HeaderSign, sig)
	req.Header.Set(signature.HeaderTimestamp, timestamp)
	if traceID, ok := ctx.Value(contextkey.TraceID).(string); ok && traceID != "" {
		req.Header.Set(middleware.TraceIDHeader, traceID)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return appErr.Wrapf(err, appErr.CompletionFailed, "webhook request failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusForbidden:
		return appErr.AuthError(appErr.WebhookTokenInvalid)
	case resp.StatusCode >= 500:
		return appErr.Newf(appErr.CompletionFailed, "webhook returned %d", resp.StatusCode)
	default:
		return appErr.Newf(appErr.InvalidParams, "webhook rejected completion with %d", resp.StatusCode)
	}
}
