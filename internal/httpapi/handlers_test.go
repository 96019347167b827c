package httpapi

import (
	"bufio"
	"context"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calltrack/internal/audit"
	"calltrack/internal/calls"
	"calltrack/internal/finalize"
	"calltrack/internal/outcome"
	"calltrack/internal/ratelimit"
	"calltrack/internal/session"
	"calltrack/internal/store"
)

type apiHarness struct {
	reg    *session.Registry
	repo   *store.MemoryRepo
	fin    *finalize.Finalizer
	audits *audit.MemoryRepo
	router *gin.Engine
}

func newAPI(t *testing.T, limiter ratelimit.Limiter) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := session.NewRegistry(session.Options{})
	repo := store.NewMemoryRepo()
	outcomes := outcome.NewStore(time.Hour)
	fin, err := finalize.New(finalize.Options{
		Repo:     repo,
		Sessions: reg,
		Outcomes: outcomes,
		Backoff:  finalize.Backoff{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 2},
	})
	require.NoError(t, err)

	audits := audit.NewMemoryRepo()
	h := Handlers{
		Audit:     audit.NewService(audits),
		Registry:  reg,
		Ingestor:  session.NewIngestor(reg),
		Finalizer: fin,
		Outcomes:  outcomes,
		Limiter:   limiter,
		Heartbeat: 20 * time.Millisecond,
	}
	r := gin.New()
	g := r.Group("/v1/calls")
	g.POST("", h.OpenCall)
	g.GET("", h.ListCalls)
	g.GET("/:room_id", h.GetCall)
	g.PATCH("/:room_id", h.UpdateCall)
	g.POST("/:room_id/close", h.CloseCall)
	g.POST("/:room_id/finalize", h.FinalizeCall)
	g.POST("/:room_id/turns", h.AppendTurn)
	g.GET("/:room_id/transcript", h.StreamTranscript)
	g.POST("/:room_id/outcome", h.RecordOutcome)
	g.PATCH("/:room_id/enrichment", h.Enrich)

	t.Cleanup(fin.Wait)
	return &apiHarness{reg: reg, repo: repo, fin: fin, audits: audits, router: r}
}

func (a *apiHarness) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{calls.ErrDuplicateSession, http.StatusConflict},
		{calls.ErrInvalidTransition, http.StatusConflict},
		{calls.ErrFinalizeConflict, http.StatusConflict},
		{fmt.Errorf("room x: %w", calls.ErrUnknownSession), http.StatusNotFound},
		{calls.ErrInvalidRole, http.StatusBadRequest},
		{calls.ErrInvalidArgument, http.StatusBadRequest},
		{calls.ErrStaleSession, http.StatusGone},
		{fmt.Errorf("%w: dial tcp", calls.ErrStorageUnavailable), http.StatusServiceUnavailable},
		{ratelimit.ErrRateLimited, http.StatusTooManyRequests},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusFor(tc.err), tc.err.Error())
	}
}

func TestCallLifecycleOverHTTP(t *testing.T) {
	a := newAPI(t, nil)

	w := a.do(http.MethodPost, "/v1/calls", gin.H{"room_id": "room-1", "phone": "+15551234567", "caller_name": "Alice"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var opened calls.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &opened))
	assert.Equal(t, calls.StatusRinging, opened.Status)
	assert.NotEmpty(t, opened.SessionID)

	w = a.do(http.MethodPost, "/v1/calls", gin.H{"room_id": "room-1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(http.MethodPatch, "/v1/calls/room-1", gin.H{"status": "active"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(http.MethodPost, "/v1/calls/room-1/turns", gin.H{"role": "user", "content": "hi"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = a.do(http.MethodPost, "/v1/calls/room-1/turns", gin.H{"role": "system", "content": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(http.MethodPost, "/v1/calls/room-1/outcome", gin.H{"booked": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(http.MethodGet, "/v1/calls", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"room-1"`)

	w = a.do(http.MethodPost, "/v1/calls/room-1/close", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	a.fin.Wait()

	w = a.do(http.MethodPost, "/v1/calls/room-1/finalize", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res finalize.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, finalize.OutcomeAlreadyFinalized, res.Outcome)
	assert.True(t, res.Record.WasBooked)
	assert.Equal(t, "[USER] hi", res.Record.Transcript)
	assert.Equal(t, 1, a.repo.Saves())

	w = a.do(http.MethodPatch, "/v1/calls/room-1/enrichment", gin.H{"sentiment": "Positive.", "estimated_cost_usd": 0.0123})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rec calls.LogRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.NotNil(t, rec.Sentiment)
	assert.Equal(t, "positive", *rec.Sentiment)

	events := a.audits.Events()
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventTypeManualFinalize, events[0].Type)
	assert.Equal(t, audit.EventTypeEnrichment, events[1].Type)
	assert.Equal(t, "room-1", events[1].RoomID)
	assert.Equal(t, opened.SessionID, events[1].SessionID)
}

func TestCloseThenReopenStillWritesClosedCall(t *testing.T) {
	a := newAPI(t, nil)
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/v1/calls", gin.H{"room_id": "r", "caller_name": "Alice"}).Code)
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/v1/calls/r/turns", gin.H{"role": "user", "content": "hi"}).Code)

	w := a.do(http.MethodPost, "/v1/calls/r/close", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var closed calls.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &closed))

	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/v1/calls", gin.H{"room_id": "r", "caller_name": "Bob"}).Code)
	a.fin.Wait()

	rec, err := a.repo.GetCallLog(context.Background(), closed.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", rec.CallerName)
	assert.Equal(t, "[USER] hi", rec.Transcript)
}

func TestUnknownRoomIs404(t *testing.T) {
	a := newAPI(t, nil)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/v1/calls/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodPost, "/v1/calls/nope/close", nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodPost, "/v1/calls/nope/turns", gin.H{"role": "user", "content": "x"}).Code)
}

func TestFinalizeBeforeCloseIsConflict(t *testing.T) {
	a := newAPI(t, nil)
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/v1/calls", gin.H{"room_id": "r"}).Code)
	assert.Equal(t, http.StatusConflict, a.do(http.MethodPost, "/v1/calls/r/finalize", nil).Code)
}

func TestFinalizeQueuedAnswers202(t *testing.T) {
	a := newAPI(t, nil)
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/v1/calls", gin.H{"room_id": "r"}).Code)
	_, err := a.reg.Close("r")
	require.NoError(t, err)
	a.repo.FailSaves(10, fmt.Errorf("%w: connection refused", calls.ErrStorageUnavailable))

	w := a.do(http.MethodPost, "/v1/calls/r/finalize", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"outcome":"queued"`)
	assert.Equal(t, 1, a.fin.Queue().Len())
}

func TestOpenIsRateLimitedPerPhone(t *testing.T) {
	a := newAPI(t, ratelimit.NewMemory(1, time.Hour))
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/v1/calls", gin.H{"room_id": "a", "phone": "+1555"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, a.do(http.MethodPost, "/v1/calls", gin.H{"room_id": "b", "phone": "+1555"}).Code)
	assert.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/v1/calls", gin.H{"room_id": "c", "phone": "unknown"}).Code)
}

func TestEnrichRejectsEmptyPatch(t *testing.T) {
	a := newAPI(t, nil)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPatch, "/v1/calls/r/enrichment", gin.H{}).Code)
}

// sseEvents parses "event:" names and "id:" values from an SSE body.
func sseEvents(t *testing.T, body string) (names, ids []string) {
	t.Helper()
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			names = append(names, strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "id:"):
			ids = append(ids, strings.TrimSpace(strings.TrimPrefix(line, "id:")))
		}
	}
	return names, ids
}

func TestStreamTranscript_ReplaysEndedCallInTimestampOrder(t *testing.T) {
	a := newAPI(t, nil)
	in := session.NewIngestor(a.reg)
	_, err := a.reg.Open("r", "+1555", "")
	require.NoError(t, err)

	t0 := time.Now().Add(-time.Minute)
	for _, i := range []int{2, 0, 1} {
		_, err := in.Append("r", calls.RoleUser, fmt.Sprintf("turn-%d", i), t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	_, err = a.reg.Close("r")
	require.NoError(t, err)

	w := a.do(http.MethodGet, "/v1/calls/r/transcript", nil)
	require.Equal(t, http.StatusOK, w.Code)
	names, ids := sseEvents(t, w.Body.String())
	assert.Equal(t, []string{"turn", "turn", "turn", "end"}, names)
	assert.Equal(t, []string{"1", "2", "3"}, ids)
	body := w.Body.String()
	assert.Less(t, strings.Index(body, "turn-0"), strings.Index(body, "turn-1"))
	assert.Less(t, strings.Index(body, "turn-1"), strings.Index(body, "turn-2"))

	req := httptest.NewRequest(http.MethodGet, "/v1/calls/r/transcript", nil)
	req.Header.Set("Last-Event-ID", "2")
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	names, ids = sseEvents(t, w.Body.String())
	assert.Equal(t, []string{"turn", "end"}, names)
	assert.Equal(t, []string{"3"}, ids)
}

func TestStreamTranscript_LiveSessionSendsPings(t *testing.T) {
	a := newAPI(t, nil)
	_, err := a.reg.Open("live", "", "")
	require.NoError(t, err)

	go func() {
		time.Sleep(70 * time.Millisecond)
		_, _ = a.reg.Close("live")
	}()

	w := a.do(http.MethodGet, "/v1/calls/live/transcript", nil)
	names, _ := sseEvents(t, w.Body.String())
	require.NotEmpty(t, names)
	assert.Equal(t, "ping", names[0])
	assert.Equal(t, "end", names[len(names)-1])
}

func TestStreamTranscript_RejectsBadOffset(t *testing.T) {
	a := newAPI(t, nil)
	_, err := a.reg.Open("r", "", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/v1/calls/r/transcript?offset=-1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/v1/calls/r/transcript?offset=x", nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/v1/calls/none/transcript", nil).Code)
}
