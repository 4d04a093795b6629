package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/balancer/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	HeaderRequestID = "X-Request-Id"

	// ErrorTypeKey and ErrorCodeKey carry the mapped error of a failed request.
	ErrorTypeKey = "error_type"
	ErrorCodeKey = "error_code"
)

// SetRequestError records how a failed request was answered so the request
// log and the server span can report it.
func SetRequestError(c *gin.Context, errType, code string) {
	c.Set(ErrorTypeKey, errType)
	c.Set(ErrorCodeKey, code)
}

// GinMiddleware assigns a request id and writes one http_request entry per request.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(HeaderRequestID, requestID)
		c.Request = c.Request.WithContext(obscontext.WithRequestID(c.Request.Context(), requestID))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		errType := c.GetString(ErrorTypeKey)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if errType != "" {
			fields = append(fields,
				zap.String("error_type", errType),
				zap.String("error_code", c.GetString(ErrorCodeKey)),
			)
		}

		FromContext(c.Request.Context()).Log(requestLevel(status, errType), "http_request", fields...)
	}
}

func requestLevel(status int, errType string) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zap.ErrorLevel
	// blocked overage and throttling are routine answers under load
	case errType == "overage_blocked", errType == "rate_limited":
		return zap.DebugLevel
	case status >= http.StatusBadRequest:
		return zap.WarnLevel
	}
	return zap.InfoLevel
}
