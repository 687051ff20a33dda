package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// sensitiveQueryParams lists query parameters whose values must never reach the
// logs. The OAuth callback carries single-use secrets in the query string.
var sensitiveQueryParams = map[string]struct{}{
	"code":  {},
	"state": {},
}

// requestTagContextKey keys the request tag in a request's context so handler
// log entries can correlate with the access line.
type requestTagContextKey struct{}

// requestTagGinKey mirrors the tag in the Gin context for middleware that only
// has *gin.Context at hand.
const requestTagGinKey = "request-tag"

// newRequestTag returns a short random hex tag for one HTTP request. The
// all-zero fallback keeps logging alive if the random source fails.
func newRequestTag() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}

func contextWithRequestTag(ctx context.Context, tag string) context.Context {
	return context.WithValue(ctx, requestTagContextKey{}, tag)
}

// RequestTag extracts the request tag from a context, or "" when the request
// never passed through the logging middleware.
func RequestTag(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	tag, _ := ctx.Value(requestTagContextKey{}).(string)
	return tag
}

func ginRequestTag(c *gin.Context) string {
	if c == nil {
		return ""
	}
	if v, ok := c.Get(requestTagGinKey); ok {
		if tag, ok := v.(string); ok {
			return tag
		}
	}
	return ""
}

// GinLogrusLogger returns a Gin middleware handler that logs HTTP requests and
// responses using logrus. It captures method, path, status code, latency, and
// client IP, and tags every request with a short request ID.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := maskSensitiveQuery(c.Request.URL.RawQuery)

		requestID := newRequestTag()
		c.Set(requestTagGinKey, requestID)
		c.Request = c.Request.WithContext(contextWithRequestTag(c.Request.Context(), requestID))

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		latency := time.Since(start)
		if latency > time.Minute {
			latency = latency.Truncate(time.Second)
		} else {
			latency = latency.Truncate(time.Millisecond)
		}

		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		logLine := fmt.Sprintf("%3d | %13v | %15s | %-7s \"%s\"", statusCode, latency, clientIP, method, path)
		if errorMessage != "" {
			logLine = logLine + " | " + errorMessage
		}

		entry := log.WithField("request_id", requestID)

		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.Error(logLine)
		case statusCode >= http.StatusBadRequest:
			entry.Warn(logLine)
		default:
			entry.Info(logLine)
		}
	}
}

// GinRecovery returns a middleware that recovers from panics and logs them
// through logrus before answering with a 500.
func GinRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				log.WithField("request_id", ginRequestTag(c)).Errorf("panic recovered: %v", recovered)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

// maskSensitiveQuery replaces the values of sensitive query parameters with a
// placeholder while preserving the rest of the query string verbatim.
func maskSensitiveQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return ""
	}
	changed := false
	for key := range values {
		if _, sensitive := sensitiveQueryParams[strings.ToLower(key)]; sensitive {
			values.Set(key, "***")
			changed = true
		}
	}
	if !changed {
		return rawQuery
	}
	return values.Encode()
}
