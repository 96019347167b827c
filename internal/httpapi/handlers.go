package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"calltrack/internal/audit"
	"calltrack/internal/auth"
	"calltrack/internal/calls"
	"calltrack/internal/finalize"
	"calltrack/internal/metrics"
	"calltrack/internal/outcome"
	"calltrack/internal/ratelimit"
	"calltrack/internal/sentiment"
	"calltrack/internal/session"
	"calltrack/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Registry  *session.Registry
	Ingestor  *session.Ingestor
	Finalizer *finalize.Finalizer
	Outcomes  *outcome.Store
	Limiter   ratelimit.Limiter
	Metrics   *metrics.Metrics
	// Audit records manual finalize and enrichment calls. Optional.
	Audit *audit.Service

	// Heartbeat is the idle interval between SSE pings on a live stream.
	Heartbeat time.Duration
}

// --- Sessions ---

type openRequest struct {
	RoomID     string `json:"room_id"`
	Phone      string `json:"phone"`
	CallerName string `json:"caller_name"`
}

func (h Handlers) OpenCall(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.RoomID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "room_id required"})
		return
	}

	if h.Limiter != nil {
		ok, err := h.Limiter.Allow(c.Request.Context(), req.Phone)
		if err != nil {
			logger.FromGin(c).Warn("rate limiter unavailable, admitting call", "err", err)
		} else if !ok {
			h.Metrics.RateLimited()
			abortWith(c, fmt.Errorf("%w: %s", ratelimit.ErrRateLimited, req.Phone))
			return
		}
	}

	s, err := h.Registry.Open(req.RoomID, req.Phone, req.CallerName)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h Handlers) ListCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"calls": h.Registry.Active()})
}

func (h Handlers) GetCall(c *gin.Context) {
	roomID := c.Param("room_id")
	s, err := h.Registry.Get(roomID)
	if err != nil {
		abortWith(c, err)
		return
	}
	interrupts, err := h.Ingestor.Interrupts(roomID)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s, "interrupt_count": interrupts})
}

type updateRequest struct {
	Status string `json:"status"`
}

func (h Handlers) UpdateCall(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	status, err := calls.ParseStatus(req.Status)
	if err != nil {
		abortWith(c, err)
		return
	}
	roomID := c.Param("room_id")
	s, err := h.Registry.Update(roomID, status)
	if err != nil {
		abortWith(c, err)
		return
	}
	if s.Status == calls.StatusEnded {
		h.scheduleFinalize(s)
	}
	c.JSON(http.StatusOK, s)
}

// CloseCall ends the session and schedules its finalize in the background.
func (h Handlers) CloseCall(c *gin.Context) {
	roomID := c.Param("room_id")
	s, err := h.Registry.Close(roomID)
	if err != nil {
		abortWith(c, err)
		return
	}
	h.scheduleFinalize(s)
	c.JSON(http.StatusOK, s)
}

// scheduleFinalize pins the finalize to the closed session so a reopen of
// the room before it runs cannot redirect it.
func (h Handlers) scheduleFinalize(s calls.Session) {
	if h.Finalizer != nil {
		h.Finalizer.FinalizeAsync(s.RoomID, s.SessionID)
	}
}

// FinalizeCall finalizes synchronously. A record queued for retry answers
// 202 with the computed record.
func (h Handlers) FinalizeCall(c *gin.Context) {
	if h.Finalizer == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "finalizer not configured"})
		return
	}
	res, err := h.Finalizer.Finalize(c.Request.Context(), c.Param("room_id"))
	if err != nil {
		if res.Outcome == finalize.OutcomeQueued {
			_ = c.Error(err)
			h.recordAudit(c, audit.EventTypeManualFinalize, res.Record.SessionID, "manual finalize", gin.H{"outcome": res.Outcome})
			c.JSON(http.StatusAccepted, res)
			return
		}
		abortWith(c, err)
		return
	}
	h.recordAudit(c, audit.EventTypeManualFinalize, res.Record.SessionID, "manual finalize", gin.H{"outcome": res.Outcome})
	c.JSON(http.StatusOK, res)
}

// --- Transcript ---

type appendRequest struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp"`
}

func (h Handlers) AppendTurn(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	var ts time.Time
	if req.Timestamp != nil {
		ts = *req.Timestamp
	}
	t, err := h.Ingestor.Append(c.Param("room_id"), calls.Role(req.Role), req.Content, ts)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// --- Enrichment ---

type outcomeRequest struct {
	Booked bool `json:"booked"`
}

// RecordOutcome stores the booking signal for the room's current session.
func (h Handlers) RecordOutcome(c *gin.Context) {
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	s, err := h.Registry.Get(c.Param("room_id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	h.Outcomes.Record(s.SessionID, req.Booked)
	c.JSON(http.StatusOK, gin.H{"session_id": s.SessionID, "booked": req.Booked})
}

type enrichmentRequest struct {
	Sentiment        *string  `json:"sentiment"`
	EstimatedCostUSD *float64 `json:"estimated_cost_usd"`
}

func (h Handlers) Enrich(c *gin.Context) {
	if h.Finalizer == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "finalizer not configured"})
		return
	}
	var req enrichmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	e := calls.Enrichment{EstimatedCostUSD: req.EstimatedCostUSD}
	if req.Sentiment != nil {
		label := sentiment.Normalize(*req.Sentiment)
		e.Sentiment = &label
	}
	if e.EstimatedCostUSD != nil && *e.EstimatedCostUSD < 0 {
		abortWith(c, fmt.Errorf("%w: negative cost", calls.ErrInvalidArgument))
		return
	}
	rec, err := h.Finalizer.Enrich(c.Request.Context(), c.Param("room_id"), e)
	if err != nil {
		abortWith(c, err)
		return
	}
	h.recordAudit(c, audit.EventTypeEnrichment, rec.SessionID, "enrichment patched", e)
	c.JSON(http.StatusOK, rec)
}

// recordAudit is best-effort; failures are logged and never fail the request.
func (h Handlers) recordAudit(c *gin.Context, t audit.EventType, sessionID, message string, details any) {
	if h.Audit == nil {
		return
	}
	ctx := c.Request.Context()
	id, _ := auth.IdentityFrom(ctx)
	actor := audit.Actor{Subject: id.Subject, Role: id.Role, IPAddress: c.ClientIP()}
	if err := h.Audit.Record(ctx, t, actor, c.Param("room_id"), sessionID, message, details); err != nil {
		logger.FromGin(c).Warn("audit record failed", "type", string(t), "err", err)
	}
}
