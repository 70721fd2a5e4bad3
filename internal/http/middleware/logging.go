// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides the request ID injector, the structured access log and
// the panic recovery handler. Recommended order: RequestID, Logger (or
// RedactingLogger), Recovery, so that every log line and error body carries
// the correlation id.
//
// The access log attaches a request-scoped zerolog.Logger to the Gin context.
// Handlers retrieve it with LoggerFrom and enrich it with domain fields such
// as the application id.
package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// HeaderRequestID propagates the correlation id.
	HeaderRequestID = "X-Request-ID"
	// HeaderOperator names the manager desk operator making the call, if any.
	HeaderOperator = "X-Operator-ID"

	requestIDKey      = "requestID"
	loggerKey         = "logger"
	maxQueryLogLength = 2048
)

// RequestID reuses an incoming X-Request-ID or generates a UUID, echoes it on
// the response and stores it in the Gin context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(HeaderRequestID, rid)
		c.Next()
	}
}

// GetRequestID returns the correlation id set by RequestID.
func GetRequestID(c *gin.Context) string {
	v, _ := c.Get(requestIDKey)
	return asString(v)
}

// Logger writes one structured access log line per request. The level
// follows the outcome: error for 5xx or recorded Gin errors, warn for 4xx,
// info otherwise.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		l := requestLogger(c).Logger()
		c.Set(loggerKey, &l)

		c.Next()

		ev := l.With().
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Logger()
		emit(&ev, c)
	}
}

// requestLogger builds the common request fields.
func requestLogger(c *gin.Context) zerolog.Context {
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	lc := log.With().
		Str("request_id", GetRequestID(c)).
		Str("method", c.Request.Method).
		Str("path", path).
		Str("remote_ip", c.ClientIP()).
		Str("user_agent", c.Request.UserAgent()).
		Str("query", truncate(c.Request.URL.RawQuery, maxQueryLogLength)).
		Int64("bytes_in", c.Request.ContentLength)
	if op := c.GetHeader(HeaderOperator); op != "" {
		lc = lc.Str("operator", op)
	}
	if id := c.Param("id"); id != "" {
		lc = lc.Str("resource_id", id)
	}
	return lc
}

func emit(l *zerolog.Logger, c *gin.Context) {
	status := c.Writer.Status()
	switch {
	case len(c.Errors) > 0:
		l.Error().Str("errors", c.Errors.String()).Msg("request")
	case status >= 500:
		l.Error().Msg("request")
	case status >= 400:
		l.Warn().Msg("request")
	default:
		l.Info().Msg("request")
	}
}

// Recovery turns a panic into a JSON 500 with the request id and logs the stack.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid := GetRequestID(c)
			log.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", rid).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(HeaderRequestID, rid)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": rid,
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global logger when
// none was attached.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate caps s at max bytes, appending an ellipsis. max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
