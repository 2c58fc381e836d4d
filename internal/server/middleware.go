package server

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const HeaderIdempotencyKey = "Idempotency-Key"

// idempotencyKey prefers the body field and falls back to the header.
func idempotencyKey(c *gin.Context, fromBody string) string {
	if key := strings.TrimSpace(fromBody); key != "" {
		return key
	}
	return strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
}
