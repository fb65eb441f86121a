package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Recovery converts a handler panic into a 500 that still carries the request id.
// With verbose set the log entry also gets the stack and redacted headers.
func Recovery(verbose bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			fields := logrus.Fields{
				"method":    c.Request.Method,
				"path":      LoggablePath(c.Request.URL.Path),
				"client_ip": clip(c.ClientIP()),
			}
			if verbose {
				fields["headers"] = LoggableHeaders(c.Request.Header)
				fields["stack"] = string(debug.Stack())
			}
			GetRequestLogger(c).WithFields(fields).Errorf("panic recovered: %v", r)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":      "internal server error",
				"request_id": c.GetString(RequestIDKey),
			})
		}()
		c.Next()
	}
}
