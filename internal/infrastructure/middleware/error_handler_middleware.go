package middleware

import (
	"errors"
	"net/http"

	"sinklisten/internal/core/domain"
	ctxlog "sinklisten/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware converts errors attached to the gin context into
// structured HTTP responses.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		log := ctxlog.FromContext(c.Request.Context(), logger)

		var classified *domain.ClassifiedError
		if errors.As(err, &classified) {
			log.Errorw("listen error",
				"category", classified.Category,
				"message", classified.Message,
				"recoverable", classified.Recoverable,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)

			c.JSON(statusForCategory(classified.Category), gin.H{
				"error":       string(classified.Category),
				"message":     classified.Message,
				"recoverable": classified.Recoverable,
				"suggestion":  classified.Suggestion,
			})
			return
		}

		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, domain.ErrNoActiveConnection), errors.Is(err, domain.ErrStatsNotFound):
			status = http.StatusNotFound
		}

		log.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)

		c.JSON(status, gin.H{
			"error":   "internal",
			"message": err.Error(),
		})
	}
}

func statusForCategory(category domain.ErrorCategory) int {
	switch category {
	case domain.ErrorCategoryNetwork, domain.ErrorCategoryServer, domain.ErrorCategoryProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   "internal",
					"message": "Internal server error",
				})
				c.Abort()
			}
		}()

		c.Next()
	}
}
