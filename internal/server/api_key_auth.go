package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/lexcredit/internal/authorization"
	obscontext "github.com/smallbiznis/lexcredit/internal/observability/context"
)

const (
	contextActorKey   = "actor"
	contextAPIKeyName = "api_key_name"
)

// APIKeyRequired authenticates internal callers with a bearer API key.
func (s *Server) APIKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		key, err := s.authzSvc.Authenticate(c.Request.Context(), parts[1])
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextActorKey, authorization.Subject(key))
		c.Set(contextAPIKeyName, key.Name)

		ctx := obscontext.WithActor(c.Request.Context(), "api_key", key.Name)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func actorFromContext(c *gin.Context) (string, bool) {
	if c == nil {
		return "", false
	}
	actor := strings.TrimSpace(c.GetString(contextActorKey))
	return actor, actor != ""
}
