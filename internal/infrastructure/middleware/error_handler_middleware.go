package middleware

import (
	stderrors "errors"
	"net/http"

	"relaymesh/internal/core/domain"
	"relaymesh/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// domainStatus maps the domain errors the API routes can return to responses.
// Channel errors stay inside negotiation and never reach a route.
var domainStatus = []struct {
	target error
	code   errors.ErrorCode
}{
	{domain.ErrStreamNotFound, errors.ErrCodeNotFound},
	{domain.ErrPartyNotFound, errors.ErrCodeNotFound},
	{domain.ErrAgentClosed, errors.ErrCodeServiceUnavailable},
}

// translate turns err into an AppError, classifying known domain errors.
func translate(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}
	for _, m := range domainStatus {
		if stderrors.Is(err, m.target) {
			return errors.Wrap(err, m.code, m.target.Error())
		}
	}
	return nil
}

// ErrorHandlerMiddleware renders the last error attached to the gin context.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		if appErr := translate(err); appErr != nil {
			logger.Warnw("request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			c.JSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
				"details": appErr.Context,
			})
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(errors.ErrCodeInternal),
			"message": "Internal server error",
		})
	}
}

// RecoveryMiddleware recovers from panics in handlers.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("panic recovered",
					"panic", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
