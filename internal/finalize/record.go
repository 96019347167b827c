package finalize

import (
	"strings"
	"time"

	"calltrack/internal/calls"
)

// TranscriptText renders turns one per line as "[ROLE] content".
func TranscriptText(turns []calls.Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteByte('[')
		b.WriteString(strings.ToUpper(string(t.Role)))
		b.WriteString("] ")
		b.WriteString(t.Content)
	}
	return b.String()
}

// baseRecord fills every field that depends only on the session snapshot.
// Temporal fields come from the session start in loc, never from now.
func baseRecord(s calls.Session, turns []calls.Turn, interrupts int, loc *time.Location, codec string, now time.Time) calls.LogRecord {
	started := s.StartedAt.In(loc)
	return calls.LogRecord{
		RoomID:          s.RoomID,
		SessionID:       s.SessionID,
		Phone:           s.Phone,
		CallerName:      s.CallerName,
		DurationSeconds: int(s.Duration() / time.Second),
		Transcript:      TranscriptText(turns),
		AudioCodec:      codec,
		CallDate:        started.Format(time.DateOnly),
		CallHour:        started.Hour(),
		CallDayOfWeek:   started.Weekday().String(),
		InterruptCount:  interrupts,
		CreatedAt:       now,
	}
}
