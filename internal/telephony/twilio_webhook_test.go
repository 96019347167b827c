package telephony

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calltrack/internal/calls"
	"calltrack/internal/ratelimit"
	"calltrack/internal/session"
)

type finalizeRecorder struct {
	mu       sync.Mutex
	rooms    []string
	sessions []string
}

func (f *finalizeRecorder) FinalizeAsync(roomID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, roomID)
	f.sessions = append(f.sessions, sessionID)
}

type rateCounter struct{ n int }

func (r *rateCounter) RateLimited() { r.n++ }

func statusRequest(vals url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", strings.NewReader(vals.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func newStatusRouter(h TwilioStatusHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/twilio/status", h.HandleStatus)
	return r
}

func TestParseTwilioStatusCallback(t *testing.T) {
	r := statusRequest(url.Values{
		"CallSid":    {"CA123"},
		"From":       {"+15551234567"},
		"To":         {"+15557654321"},
		"CallStatus": {"In-Progress"},
		"CallerName": {" Alice "},
	})

	form, err := ParseTwilioStatusCallback(r)
	require.NoError(t, err)
	assert.Equal(t, "CA123", form.CallSid)
	assert.Equal(t, "+15551234567", form.From)
	assert.Equal(t, "Alice", form.CallerName)
	assert.Equal(t, ActionActive, form.Action())
}

func TestStatusAction(t *testing.T) {
	cases := map[string]Action{
		"ringing":     ActionOpen,
		"queued":      ActionOpen,
		"in-progress": ActionActive,
		"completed":   ActionClose,
		"busy":        ActionClose,
		"no-answer":   ActionClose,
		"canceled":    ActionClose,
		"failed":      ActionClose,
		"whatever":    ActionIgnore,
	}
	for status, want := range cases {
		assert.Equal(t, want, TwilioStatusForm{CallStatus: status}.Action(), status)
	}
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "unknown", normalizePhone(""))
	assert.Equal(t, "unknown", normalizePhone("Anonymous"))
	assert.Equal(t, "+1555", normalizePhone(" +1555 "))
}

func TestHandleStatus_Lifecycle(t *testing.T) {
	reg := session.NewRegistry(session.Options{})
	fin := &finalizeRecorder{}
	r := newStatusRouter(TwilioStatusHandler{Calls: reg, Finalizer: fin})

	post := func(status string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, statusRequest(url.Values{
			"CallSid": {"CA1"}, "From": {"+1555"}, "CallerName": {"Alice"}, "CallStatus": {status},
		}))
		return w.Code
	}

	require.Equal(t, http.StatusNoContent, post("ringing"))
	require.Equal(t, http.StatusNoContent, post("ringing"), "duplicate delivery")
	s, err := reg.Get("CA1")
	require.NoError(t, err)
	assert.Equal(t, calls.StatusRinging, s.Status)
	assert.Equal(t, "Alice", s.CallerName)

	require.Equal(t, http.StatusNoContent, post("in-progress"))
	require.Equal(t, http.StatusNoContent, post("in-progress"), "duplicate delivery")
	s, _ = reg.Get("CA1")
	assert.Equal(t, calls.StatusActive, s.Status)

	require.Equal(t, http.StatusNoContent, post("completed"))
	s, _ = reg.Get("CA1")
	assert.Equal(t, calls.StatusEnded, s.Status)
	assert.Equal(t, []string{"CA1"}, fin.rooms)
	assert.Equal(t, []string{s.SessionID}, fin.sessions)
}

func TestHandleStatus_LateCallbacksDoNotReopenEndedCall(t *testing.T) {
	reg := session.NewRegistry(session.Options{})
	fin := &finalizeRecorder{}
	counter := &rateCounter{}
	r := newStatusRouter(TwilioStatusHandler{
		Calls:     reg,
		Finalizer: fin,
		Limiter:   ratelimit.NewMemory(1, 0),
		Metrics:   counter,
	})

	post := func(status string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, statusRequest(url.Values{
			"CallSid": {"CA9"}, "From": {"+1555"}, "CallStatus": {status},
		}))
		return w.Code
	}

	require.Equal(t, http.StatusNoContent, post("ringing"))
	require.Equal(t, http.StatusNoContent, post("completed"))
	first, err := reg.Get("CA9")
	require.NoError(t, err)

	// Out-of-order and redelivered callbacks after the call ended.
	require.Equal(t, http.StatusNoContent, post("ringing"))
	require.Equal(t, http.StatusNoContent, post("initiated"))
	require.Equal(t, http.StatusNoContent, post("in-progress"))

	s, err := reg.Get("CA9")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, s.SessionID)
	assert.Equal(t, calls.StatusEnded, s.Status)
	assert.Empty(t, reg.Active())
	assert.Zero(t, counter.n, "late callbacks must not consume the caller's allowance")
	assert.Equal(t, []string{"CA9"}, fin.rooms)
}

func TestHandleStatus_InProgressWithoutRingingOpens(t *testing.T) {
	reg := session.NewRegistry(session.Options{})
	r := newStatusRouter(TwilioStatusHandler{Calls: reg})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, statusRequest(url.Values{"CallSid": {"CA2"}, "From": {"+1555"}, "CallStatus": {"in-progress"}}))
	require.Equal(t, http.StatusNoContent, w.Code)

	s, err := reg.Get("CA2")
	require.NoError(t, err)
	assert.Equal(t, calls.StatusActive, s.Status)
}

func TestHandleStatus_CloseOfUnknownRoomIsAcknowledged(t *testing.T) {
	fin := &finalizeRecorder{}
	r := newStatusRouter(TwilioStatusHandler{Calls: session.NewRegistry(session.Options{}), Finalizer: fin})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, statusRequest(url.Values{"CallSid": {"CA3"}, "CallStatus": {"completed"}}))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, fin.rooms)
}

func TestHandleStatus_RateLimitsOpens(t *testing.T) {
	counter := &rateCounter{}
	r := newStatusRouter(TwilioStatusHandler{
		Calls:   session.NewRegistry(session.Options{}),
		Limiter: ratelimit.NewMemory(1, 0),
		Metrics: counter,
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, statusRequest(url.Values{"CallSid": {"CA4"}, "From": {"+1555"}, "CallStatus": {"ringing"}}))
	require.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, statusRequest(url.Values{"CallSid": {"CA5"}, "From": {"+1555"}, "CallStatus": {"ringing"}}))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 1, counter.n)
}

func TestHandleStatus_RequiresCallSid(t *testing.T) {
	r := newStatusRouter(TwilioStatusHandler{Calls: session.NewRegistry(session.Options{})})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, statusRequest(url.Values{"CallStatus": {"ringing"}}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
