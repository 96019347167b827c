package calls

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusRinging, StatusActive, true},
		{StatusRinging, StatusEnded, true},
		{StatusActive, StatusEnded, true},
		{StatusActive, StatusRinging, false},
		{StatusEnded, StatusActive, false},
		{StatusEnded, StatusEnded, false},
		{StatusRinging, StatusRinging, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Fatalf("%s->%s: expected %v, got %v", c.from, c.to, c.want, got)
		}
	}
}

func TestParseRole(t *testing.T) {
	if r, err := ParseRole("user"); err != nil || r != RoleUser {
		t.Fatalf("expected user, got %q %v", r, err)
	}
	if r, err := ParseRole("assistant"); err != nil || r != RoleAssistant {
		t.Fatalf("expected assistant, got %q %v", r, err)
	}
	for _, bad := range []string{"system", "", "User", "tool"} {
		if _, err := ParseRole(bad); !errors.Is(err, ErrInvalidRole) {
			t.Fatalf("%q: expected ErrInvalidRole, got %v", bad, err)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus(" Active "); err != nil || s != StatusActive {
		t.Fatalf("expected active, got %q %v", s, err)
	}
	if _, err := ParseStatus("completed"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTurnBefore_TiesBrokenByArrival(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	a := Turn{CreatedAt: ts, Seq: 1}
	b := Turn{CreatedAt: ts, Seq: 2}
	c := Turn{CreatedAt: ts.Add(-time.Second), Seq: 3}
	if !a.Before(b) || b.Before(a) {
		t.Fatalf("expected arrival order on equal timestamps")
	}
	if !c.Before(a) {
		t.Fatalf("expected earlier timestamp first regardless of arrival")
	}
}

func TestEnrichmentApply(t *testing.T) {
	sent := "positive"
	r := Enrichment{Sentiment: &sent}.Apply(LogRecord{RoomID: "r"})
	if r.Sentiment == nil || *r.Sentiment != "positive" {
		t.Fatalf("expected sentiment applied")
	}
	if r.EstimatedCostUSD != nil {
		t.Fatalf("expected cost untouched")
	}
	if !(Enrichment{}).Empty() {
		t.Fatalf("expected empty enrichment")
	}
}

func TestSessionDuration(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	s := Session{StartedAt: start}
	if s.Duration() != 0 {
		t.Fatalf("expected zero duration while live")
	}
	s.EndedAt = start.Add(90 * time.Second)
	if s.Duration() != 90*time.Second {
		t.Fatalf("expected 90s, got %v", s.Duration())
	}
}
