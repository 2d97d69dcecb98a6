package response

import (
	"net/http"

	"judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorBody is the JSON shape of every failed request.
// The trace id travels in the X-Trace-Id response header.
type ErrorBody struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Details interface{}      `json:"details,omitempty"`
}

// Message sends {"message": msg} merged with extra top-level fields.
func Message(c *gin.Context, status int, msg string, fields gin.H) {
	body := gin.H{"message": msg}
	for k, v := range fields {
		if k == "message" {
			continue
		}
		body[k] = v
	}
	c.JSON(status, body)
}

// OK sends 200 {"message": "ok"}.
func OK(c *gin.Context) {
	Message(c, http.StatusOK, "ok", nil)
}

// Created sends 201 with a message and extra fields.
func Created(c *gin.Context, msg string, fields gin.H) {
	Message(c, http.StatusCreated, msg, fields)
}

// Success sends 200 with data as the whole body.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// Error sends an error response
// It automatically extracts error code and message from the error
func Error(c *gin.Context, err error) {
	customErr := errors.GetError(err)
	status := customErr.Code.HTTPStatus()

	fields := []zap.Field{
		zap.Int("code", int(customErr.Code)),
		zap.Int("status", status),
		zap.String("message", customErr.Error()),
	}
	if customErr.Err != nil {
		fields = append(fields, zap.NamedError("cause", customErr.Err))
	}
	if status >= http.StatusInternalServerError {
		fields = append(fields, zap.String("stack", customErr.Stack))
		logger.Error(c.Request.Context(), "request error", fields...)
	} else {
		logger.Warn(c.Request.Context(), "request rejected", fields...)
	}

	resp := ErrorBody{
		Code:    customErr.Code,
		Message: customErr.Error(),
	}
	if len(customErr.Details) > 0 && status < http.StatusInternalServerError {
		resp.Details = customErr.Details
	}
	c.JSON(status, resp)
}

// ErrorWithCode sends an error response with specific error code
func ErrorWithCode(c *gin.Context, code errors.ErrorCode, message string) {
	if message == "" {
		message = code.Message()
	}
	Error(c, errors.New(code).WithMessage(message))
}

// BadRequest sends a 400 bad request error
func BadRequest(c *gin.Context, message string) {
	ErrorWithCode(c, errors.InvalidParams, message)
}

// Unauthorized sends a 401 unauthorized error
func Unauthorized(c *gin.Context, message string) {
	ErrorWithCode(c, errors.Unauthorized, message)
}

// Forbidden sends a 403 forbidden error
func Forbidden(c *gin.Context) {
	ErrorWithCode(c, errors.Forbidden, "")
}

// NotFound sends a 404 not found error
func NotFound(c *gin.Context, message string) {
	ErrorWithCode(c, errors.NotFound, message)
}

// AbortWithError aborts the request and sends error response
func AbortWithError(c *gin.Context, err error) {
	Error(c, err)
	c.Abort()
}
