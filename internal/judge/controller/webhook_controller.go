package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/service"
	"judgeflow/internal/judge/signature"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"
	"judgeflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxReportBytes = 4 << 20

// WebhookController receives signed completion callbacks.
type WebhookController struct {
	completion *service.CompletionService
	secret     string
	maxSkew    time.Duration
	now        func() time.Time
}

// NewWebhookController creates a webhook controller. maxSkew <= 0 disables
// the timestamp window.
func NewWebhookController(completion *service.CompletionService, secret string, maxSkew time.Duration) (*WebhookController, error) {
	if completion == nil {
		return nil, fmt.Errorf("completion service is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &WebhookController{completion: completion, secret: secret, maxSkew: maxSkew, now: time.Now}, nil
}

// Complete checks the request shape, then the signature, then consumes the
// one-time token and records the result.
func (h *WebhookController) Complete(c *gin.Context) {
	query := c.Request.URL.Query()
	token := strings.TrimSpace(query.Get("token"))
	if !model.IsUUID(token) {
		response.BadRequest(c, "token must be a uuid")
		return
	}
	judgeRecordID, err := strconv.ParseInt(query.Get("judgeRecordId"), 10, 64)
	if err != nil || judgeRecordID <= 0 {
		response.BadRequest(c, "judgeRecordId must be a positive integer")
		return
	}
	report, err := readReport(c.Request)
	if err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}

	sign, timestamp := signatureFrom(c)
	if sign == "" || timestamp == "" {
		h.forbid(c, "signature missing")
		return
	}
	if !signature.WithinSkew(timestamp, h.now(), h.maxSkew) {
		h.forbid(c, "timestamp outside window")
		return
	}
	params := make(map[string]string, len(query))
	for k := range query {
		params[k] = query.Get(k)
	}
	if !signature.Verify(c.Request.URL.Path, params, timestamp, h.secret, sign) {
		h.forbid(c, "signature mismatch")
		return
	}

	if _, err := h.completion.Complete(c.Request.Context(), judgeRecordID, strings.ToLower(token), report); err != nil {
		if code := appErr.GetCode(err); code.HTTPStatus() == http.StatusForbidden {
			h.forbid(c, "token rejected")
			return
		}
		response.Error(c, err)
		return
	}
	response.OK(c)
}

// forbid answers every authorization failure the same way. The reason only
// goes to the log.
func (h *WebhookController) forbid(c *gin.Context, reason string) {
	logger.Warn(c.Request.Context(), "webhook call rejected",
		zap.String("reason", reason),
		zap.String("client_ip", c.ClientIP()),
	)
	response.Error(c, appErr.AuthError(appErr.Forbidden))
}

func signatureFrom(c *gin.Context) (string, string) {
	sign := strings.TrimSpace(c.GetHeader(signature.HeaderSign))
	if sign == "" {
		sign, _ = c.Cookie(signature.CookieSign)
	}
	timestamp := strings.TrimSpace(c.GetHeader(signature.HeaderTimestamp))
	if timestamp == "" {
		timestamp, _ = c.Cookie(signature.CookieTimestamp)
	}
	return sign, timestamp
}

// readReport decodes the optional JSON body. An empty body yields nil.
func readReport(r *http.Request) (*model.CompletionReport, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxReportBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxReportBytes {
		return nil, errors.New("report too large")
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var report model.CompletionReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
