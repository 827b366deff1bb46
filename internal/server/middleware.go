package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/docuvine/docuvine/internal/actorcontext"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	headerActorID   = "X-Actor-Id"
	headerActorRole = "X-Actor-Role"
	headerRequestID = "X-Request-Id"
)

// RequestLoggingMiddleware tags every request with a correlation id and
// logs method, route, status and latency once the handler chain returns.
func RequestLoggingMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := strings.TrimSpace(c.GetHeader(headerRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, requestID)

		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			fields = append(fields, zap.Error(lastErr.Err))
		}

		if status >= http.StatusInternalServerError {
			log.Warn("http request", fields...)
			return
		}
		log.Info("http request", fields...)
	}
}

// ActorMiddleware lifts the authenticated identity the edge proxy
// injects into the request context. Unknown roles degrade to user.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerActorID))
		if id == "" {
			c.Next()
			return
		}
		role := actorcontext.ActorRole(strings.ToLower(strings.TrimSpace(c.GetHeader(headerActorRole))))
		switch role {
		case actorcontext.RoleAdmin, actorcontext.RoleSystem, actorcontext.RoleUser:
		default:
			role = actorcontext.RoleUser
		}
		ctx := actorcontext.WithActor(c.Request.Context(), actorcontext.Actor{ID: id, Role: role})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireActor rejects requests with no authenticated identity.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := actorcontext.ActorFromContext(c.Request.Context()); !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// RequireAdmin guards the administrative surface.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !actorcontext.IsElevated(c.Request.Context()) {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

func actorID(c *gin.Context) string {
	actor, _ := actorcontext.ActorFromContext(c.Request.Context())
	return actor.ID
}
