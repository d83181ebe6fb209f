package httpmw

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kandev/chatproxy/internal/common/logger"
)

const requestIDHeader = "X-Request-ID"

// RequestID assigns a request id (honoring one supplied by the caller) and
// stores it in both the gin context and the request context under
// logger.RequestIDKey so downstream logging picks it up automatically.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(string(logger.RequestIDKey), id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), logger.RequestIDKey, id))
		c.Next()
	}
}
