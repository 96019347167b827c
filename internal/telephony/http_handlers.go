package telephony

import (
	"errors"
	"net/http"
	"strings"

	"calltrack/internal/calls"
	"calltrack/pkg/logger"

	"github.com/gin-gonic/gin"
)

// TwilioStatusHandler converts Twilio call status callbacks into registry
// lifecycle calls and schedules finalize on terminal states.
//
// Twilio retries callbacks, so repeated events are acknowledged without
// error: a duplicate open, a repeated in-progress or a close of a room that
// is already gone all answer 204.
type TwilioStatusHandler struct {
	Calls     CallTracker
	Finalizer Finalizer
	Limiter   Limiter
	Metrics   Metrics

	// AuthToken enables signature validation when set. BaseURL is the public
	// scheme://host Twilio posts to; the request path is appended to it.
	AuthToken string
	BaseURL   string
}

func (h TwilioStatusHandler) HandleStatus(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call tracker not configured"})
		return
	}

	form, err := ParseTwilioStatusCallback(c.Request)
	if err != nil {
		log.Warn("twilio status parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	if h.AuthToken != "" {
		fullURL := strings.TrimRight(h.BaseURL, "/") + c.Request.URL.RequestURI()
		if !ValidTwilioSignature(h.AuthToken, fullURL, c.Request.PostForm, c.GetHeader(TwilioSignatureHeader)) {
			log.Warn("twilio signature rejected", "call_sid", form.CallSid)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
	}

	if form.CallSid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "CallSid required"})
		return
	}
	log = logger.ForRoom(log, form.CallSid).With("call_status", form.CallStatus)

	switch form.Action() {
	case ActionOpen:
		if !h.open(c, form) {
			return
		}
	case ActionActive:
		// Twilio does not always deliver ringing before in-progress.
		if !h.open(c, form) {
			return
		}
		_, err := h.Calls.Update(form.CallSid, calls.StatusActive)
		switch {
		case err == nil:
		case errors.Is(err, calls.ErrInvalidTransition), errors.Is(err, calls.ErrUnknownSession):
			// Redelivered or arrived after the call ended.
			log.Debug("late twilio status ignored", "err", err)
		default:
			log.Warn("twilio activate failed", "err", err)
			c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
	case ActionClose:
		s, err := h.Calls.Close(form.CallSid)
		if err != nil {
			if errors.Is(err, calls.ErrUnknownSession) {
				c.Status(http.StatusNoContent)
				return
			}
			log.Warn("twilio close failed", "err", err)
			c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		if h.Finalizer != nil {
			h.Finalizer.FinalizeAsync(s.RoomID, s.SessionID)
		}
	default:
		log.Debug("twilio status ignored")
	}
	c.Status(http.StatusNoContent)
}

// open applies the per-phone limit and opens the room unless the registry
// already holds this CallSid, live or ended. It writes the error response
// itself and reports whether processing should continue.
func (h TwilioStatusHandler) open(c *gin.Context, form TwilioStatusForm) bool {
	log := logger.ForRoom(logger.FromGin(c), form.CallSid)
	if h.Calls.Known(form.CallSid) {
		return true
	}

	if h.Limiter != nil {
		ok, err := h.Limiter.Allow(c.Request.Context(), form.From)
		if err != nil {
			log.Warn("rate limiter unavailable, admitting call", "err", err)
		} else if !ok {
			if h.Metrics != nil {
				h.Metrics.RateLimited()
			}
			log.Warn("call rate limited", "phone", form.From)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
			return false
		}
	}

	_, err := h.Calls.OpenOnce(form.CallSid, form.From, form.CallerName)
	if err != nil && !errors.Is(err, calls.ErrDuplicateSession) {
		log.Warn("twilio open failed", "err", err)
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, calls.ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, calls.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, calls.ErrDuplicateSession), errors.Is(err, calls.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
