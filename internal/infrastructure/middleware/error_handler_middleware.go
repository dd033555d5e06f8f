package middleware

import (
	stderrors "errors"
	"net/http"

	"camwatch/internal/core/domain"
	"camwatch/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MapError converts domain errors into the control API's AppError shape.
// Unknown errors become internal errors.
func MapError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrInvalidConfiguration):
		return errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrSessionNotFound):
		return errors.WrapError(err, errors.ErrCodeNotFound, "stream session not found", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrStaleGeneration), stderrors.Is(err, domain.ErrInvalidTransition):
		return errors.WrapError(err, errors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case stderrors.Is(err, domain.ErrSignalingFailed):
		return errors.NewBadGatewayError("camera signaling failed", err)
	case stderrors.Is(err, domain.ErrStartupTimeout):
		return errors.NewGatewayTimeoutError("stream startup timed out", err)
	case stderrors.Is(err, domain.ErrFullscreenUnsupported):
		return errors.WrapError(err, errors.ErrCodeNotImplemented, err.Error(), http.StatusNotImplemented)
	case stderrors.Is(err, domain.ErrNoDriver):
		return errors.WrapError(err, errors.ErrCodeNotImplemented, err.Error(), http.StatusNotImplemented)
	}
	return errors.WrapError(err, errors.ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
}

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error, unless the handler already wrote a response.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		appErr := MapError(err)

		fields := []interface{}{
			"code", appErr.Code,
			"message", appErr.Message,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"error", err,
		}
		if id := c.GetString(RequestIDKey); id != "" {
			fields = append(fields, "request_id", id)
		}
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("application error", fields...)
		} else {
			logger.Debugw("request rejected", fields...)
		}

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
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

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
