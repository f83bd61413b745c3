package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"triggerhub/internal/logger"
	"triggerhub/pkg/errors"
	"triggerhub/pkg/logging"
)

const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware propagates or assigns a request id and stores it in
// the request context for the *Ctx log helpers.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

func LoggerMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		fields := []interface{}{
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"route", c.FullPath(),
			"bytes", c.Writer.Size(),
		}
		if id := c.Param("subscription_id"); id != "" {
			fields = append(fields, "subscription_id", id)
		}
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			fields = append(fields, "error", msg)
		}

		ctx := c.Request.Context()
		switch status := c.Writer.Status(); {
		case status >= 500:
			log.ErrorwCtx(ctx, "HTTP Request", fields...)
		case status >= 400:
			log.WarnwCtx(ctx, "HTTP Request", fields...)
		default:
			log.InfowCtx(ctx, "HTTP Request", fields...)
		}
	}
}

// RecoveryMiddleware turns a handler panic into a 500 with the standard
// error body. The stack trace is logged, never returned.
func RecoveryMiddleware(log logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		err := errors.RecoverPanic(recovered)
		log.ErrorwCtx(c.Request.Context(), "Panic recovered",
			"error", err,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.AbortWithStatusJSON(errors.ErrInternal.Status, errors.ToErrorResponse(errors.ErrInternal))
	})
}
