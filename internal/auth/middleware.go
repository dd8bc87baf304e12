package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

type ctxKey int

const ctxServiceID ctxKey = iota

// WithService stores the verified caller identity in the request context.
func WithService(ctx context.Context, serviceID string) context.Context {
	return context.WithValue(ctx, ctxServiceID, serviceID)
}

// ServiceID returns the verified caller identity, if any.
func ServiceID(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(ctxServiceID).(string)
	return s, ok && s != ""
}

// RequireServiceToken verifies a bearer token and injects the caller
// identity into the request context.
func RequireServiceToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		if raw == "" || !strings.HasPrefix(raw, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(strings.TrimPrefix(raw, bearerPrefix), time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Request = c.Request.WithContext(WithService(c.Request.Context(), claims.ServiceID))
		c.Set("service_id", claims.ServiceID)
		c.Next()
	}
}
