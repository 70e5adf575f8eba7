package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"carspot-service/internal/domain/car"
	"carspot-service/internal/service"
	"carspot-service/internal/session"
)

const (
	workspaceKey = "workspace"
	userKey      = "user"
	requestIDKey = "request_id"
)

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// AuthMiddleware resolves the caller's workspace from the bearer token and
// aborts with 401 when there is none.
func AuthMiddleware(registry *service.Registry, tokens *session.TokenProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !attachWorkspace(c, registry, tokens) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(car.ErrAuthRequired.Error()))
			return
		}
		c.Next()
	}
}

// OptionalAuthMiddleware falls back to the shared anonymous workspace when the
// request carries no token. An invalid token is still rejected.
func OptionalAuthMiddleware(registry *service.Registry, tokens *session.TokenProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		if bearerToken(c) == "" {
			c.Set(workspaceKey, registry.Anonymous())
			c.Next()
			return
		}
		if !attachWorkspace(c, registry, tokens) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(car.ErrAuthRequired.Error()))
			return
		}
		c.Next()
	}
}

func attachWorkspace(c *gin.Context, registry *service.Registry, tokens *session.TokenProvider) bool {
	raw := bearerToken(c)
	if raw == "" {
		return false
	}
	ws, user, err := registry.Acquire(c.Request.Context(), tokens.For(raw))
	if err != nil {
		return false
	}
	c.Set(workspaceKey, ws)
	c.Set(userKey, user)
	return true
}

func workspaceFrom(c *gin.Context) *service.Workspace {
	v, ok := c.Get(workspaceKey)
	if !ok {
		return nil
	}
	ws, _ := v.(*service.Workspace)
	return ws
}

func userFrom(c *gin.Context) (session.User, bool) {
	v, ok := c.Get(userKey)
	if !ok {
		return session.User{}, false
	}
	u, ok := v.(session.User)
	return u, ok
}

// RequestLogger logs one line per request with a request id.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)

		c.Next()

		evt := log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			evt = log.Error()
		}
		if len(c.Errors) > 0 {
			evt = evt.Err(errors.New(c.Errors.String()))
		}
		evt.
			Str("request_id", id).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request handled")
	}
}
