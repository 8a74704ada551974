package middleware

import (
	stderrors "errors"
	"net/http"

	"vcam/internal/core/domain"
	"vcam/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// appErrorFor turns the last handler error into an AppError. Proxy sentinels
// that reach a handler unwrapped get their own status.
func appErrorFor(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case stderrors.Is(err, domain.ErrProxyNotRunning),
		stderrors.Is(err, domain.ErrClientInterrupted),
		stderrors.Is(err, domain.ErrClientInvalidated):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "host is not connected", http.StatusServiceUnavailable)
	case stderrors.Is(err, domain.ErrProtocolMismatch):
		return errors.NewConnectionError(err, "proxy protocol mismatch")
	case stderrors.Is(err, domain.ErrCommandNotAllowed), stderrors.Is(err, domain.ErrInvalidTransition):
		return errors.NewExtensionError(err, "command rejected")
	}
	return nil
}

// ErrorHandlerMiddleware writes the last error recorded with c.Error as a
// JSON body of {error, message, details, request_id}.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		requestID := c.Writer.Header().Get(HeaderRequestID)

		appErr := appErrorFor(err)
		if appErr == nil {
			logger.Errorw("Unhandled request error",
				"error", err,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"request_id", requestID,
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":      string(errors.ErrCodeInternal),
				"message":    "Internal server error",
				"request_id": requestID,
			})
			return
		}

		log := logger.Warnw
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			log = logger.Errorw
		}
		log("Request failed",
			"code", appErr.Code,
			"message", appErr.Message,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"request_id", requestID,
			"cause", appErr.Cause,
		)

		body := gin.H{
			"error":      string(appErr.Code),
			"message":    appErr.Message,
			"request_id": requestID,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware turns a handler panic into a 500.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("Recovered from handler panic",
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
