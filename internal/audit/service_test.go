package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"calltrack/pkg/logger"
)

func TestRecord_FillsIDTimeAndMetadata(t *testing.T) {
	repo := NewMemoryRepo()
	s := NewService(repo)
	s.clock = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	err := s.Record(context.Background(), EventTypeEnrichment,
		Actor{Subject: "ops-1", Role: "admin", IPAddress: "10.0.0.1"},
		"room-1", "sess-1", "enrichment patched", map[string]any{"sentiment": "positive"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	events := repo.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.ID == "" || !e.CreatedAt.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected id and time to be set: %+v", e)
	}
	if e.Metadata != `{"sentiment":"positive"}` || e.Subject != "ops-1" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestAppend_RequiresRoomAndType(t *testing.T) {
	s := NewService(NewMemoryRepo())
	if err := s.Append(context.Background(), Event{Type: EventTypeEnrichment}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	var nilSvc *Service
	if err := nilSvc.Append(context.Background(), Event{RoomID: "r", Type: EventTypeEnrichment}); err == nil {
		t.Fatalf("expected error from unconfigured service")
	}
}

func TestLogRepo_WritesJSON(t *testing.T) {
	var buf bytes.Buffer
	s := NewService(NewLogRepo(logger.NewWithWriter("production", &buf)))
	if err := s.Record(context.Background(), EventTypeManualFinalize, Actor{Subject: "w"}, "room-9", "", "manual finalize", nil); err != nil {
		t.Fatalf("record: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	a, ok := line["audit"].(map[string]any)
	if !ok || a["room_id"] != "room-9" || a["type"] != "manual_finalize" {
		t.Fatalf("unexpected audit payload: %v", line)
	}
}
