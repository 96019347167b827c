package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"calltrack/internal/calls"
	"calltrack/pkg/logger"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

const (
	defaultHeartbeat = 15 * time.Second
	lastEventIDKey   = "Last-Event-ID"
)

// StreamTranscript serves the room transcript as server-sent events.
//
// Each turn is an event "turn" whose id is the offset to resume from, so a
// reconnecting EventSource continues where it stopped. The stream ends with
// an "end" event once the session ended and every turn was delivered.
func (h Handlers) StreamTranscript(c *gin.Context) {
	offset, err := streamOffset(c)
	if err != nil {
		abortWith(c, err)
		return
	}
	roomID := c.Param("room_id")
	cur, err := h.Ingestor.Stream(roomID, offset)
	if err != nil {
		abortWith(c, err)
		return
	}

	h.Metrics.StreamOpened()
	defer h.Metrics.StreamClosed()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ctx := c.Request.Context()
	log := logger.ForRoom(logger.FromGin(c), roomID)

	for {
		wait, cancel := context.WithTimeout(ctx, heartbeat)
		t, err := cur.Next(wait)
		cancel()
		switch {
		case err == nil:
			c.Render(-1, sse.Event{Id: strconv.Itoa(cur.Position()), Event: "turn", Data: t})
		case errors.Is(err, io.EOF):
			c.Render(-1, sse.Event{Event: "end", Data: gin.H{"position": cur.Position()}})
			c.Writer.Flush()
			return
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			c.Render(-1, sse.Event{Event: "ping", Data: strconv.Itoa(cur.Position())})
		default:
			log.Debug("transcript stream closed", "position", cur.Position(), "err", err)
			return
		}
		c.Writer.Flush()
	}
}

// streamOffset reads ?offset=N, falling back to the Last-Event-ID header a
// reconnecting EventSource sends.
func streamOffset(c *gin.Context) (int, error) {
	raw := c.Query("offset")
	if raw == "" {
		raw = c.GetHeader(lastEventIDKey)
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: offset must be a non-negative integer, got %q", calls.ErrInvalidArgument, raw)
	}
	return n, nil
}
