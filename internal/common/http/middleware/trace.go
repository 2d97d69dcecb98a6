package middleware

import (
	"context"
	"strings"

	"judgeflow/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	TraceIDHeader   = "X-Trace-Id"
	RequestIDHeader = "X-Request-Id"

	traceIDContextKey   = "trace_id"
	requestIDContextKey = "request_id"
)

// TraceContextMiddleware puts trace and request ids on the request context and
// echoes them in response headers. Incoming ids are kept so that a worker's
// webhook call shares the trace of the job that produced it.
func TraceContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := headerOrNew(c, TraceIDHeader)
		requestID := headerOrNew(c, RequestIDHeader)

		c.Set(traceIDContextKey, traceID)
		c.Set(requestIDContextKey, requestID)
		ctx := context.WithValue(c.Request.Context(), contextkey.TraceID, traceID)
		ctx = context.WithValue(ctx, contextkey.RequestID, requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Writer.Header().Set(TraceIDHeader, traceID)
		c.Writer.Header().Set(RequestIDHeader, requestID)
		c.Next()
	}
}

func headerOrNew(c *gin.Context, name string) string {
	v := strings.TrimSpace(c.GetHeader(name))
	if v == "" || len(v) > 128 {
		return uuid.NewString()
	}
	return v
}
