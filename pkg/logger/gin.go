package logger

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerRequestID = "X-Request-Id"
	ginLoggerKey    = "calltrack.logger"
)

// quietPaths are polled by probes and scrapers; they log at debug.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// Middleware tags each request with a request id (and room_id on call
// routes), exposes the scoped logger through FromGin and From, and writes
// one summary line per request.
func Middleware(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header(headerRequestID, rid)

		scoped := l.With("request_id", rid)
		if room := c.Param("room_id"); room != "" {
			scoped = ForRoom(scoped, room)
		}
		setGin(c, scoped)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"bytes", c.Writer.Size(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		reqLog := FromGin(c)
		switch {
		case status >= 500 || len(c.Errors) > 0:
			reqLog.Error("request", attrs...)
		case status >= 400:
			reqLog.Warn("request", attrs...)
		case quietPaths[route]:
			reqLog.Debug("request", attrs...)
		default:
			reqLog.Info("request", attrs...)
		}
	}
}

// Annotate adds attributes to the request logger for everything that runs
// after it, including the summary line.
func Annotate(c *gin.Context, args ...any) {
	setGin(c, FromGin(c).With(args...))
}

func setGin(c *gin.Context, l *slog.Logger) {
	c.Set(ginLoggerKey, l)
	c.Request = c.Request.WithContext(With(c.Request.Context(), l))
}

// FromGin returns the request-scoped logger, or slog.Default outside Middleware.
func FromGin(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(ginLoggerKey); ok {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
