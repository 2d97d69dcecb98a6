package middleware

import (
	"context"
	"strings"

	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/contextkey"
	"judgeflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const (
	userIDContextKey   = "user_id"
	userRoleContextKey = "user_role"
)

// Identity is the caller resolved from a session token.
type Identity struct {
	ID   string
	Role string
}

// Authenticator resolves a raw session token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// AuthPolicy selects which requests must carry a session.
type AuthPolicy struct {
	Mode  string
	Roles []string
	// AllowQueryToken accepts ?token= for clients that cannot set headers
	// (EventSource).
	AllowQueryToken bool
}

// AuthMiddleware enforces session validation and role checks for protected routes.
func AuthMiddleware(auth Authenticator, policy AuthPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.ToLower(policy.Mode) == "public" {
			c.Next()
			return
		}
		if auth == nil {
			response.AbortWithError(c, appErr.New(appErr.ServiceUnavailable).WithMessage("auth service unavailable"))
			return
		}

		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" && policy.AllowQueryToken {
			token = strings.TrimSpace(c.Query("token"))
		}
		info, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			response.AbortWithError(c, err)
			return
		}

		if len(policy.Roles) > 0 && !hasRole(info.Role, policy.Roles) {
			response.AbortWithError(c, appErr.New(appErr.Forbidden).WithMessage("insufficient role"))
			return
		}

		c.Set(userIDContextKey, info.ID)
		c.Set(userRoleContextKey, info.Role)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), contextkey.UserID, info.ID))
		c.Next()
	}
}

// UserID returns the authenticated user of the request, if any.
func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

func extractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func hasRole(role string, allowed []string) bool {
	for _, item := range allowed {
		if strings.EqualFold(role, item) {
			return true
		}
	}
	return false
}
