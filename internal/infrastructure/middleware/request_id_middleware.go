package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"sinklisten/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// RequestIDMiddleware assigns each request an identifier, honoring one the
// caller supplied, and stores it in the request context for log correlation.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}

		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Header(requestIDHeader, id)

		c.Next()
	}
}
