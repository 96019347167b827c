package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"calltrack/internal/calls"
	"calltrack/pkg/utils"
)

// NOTE: Postgres assumes the tables in schema.sql exist, in particular the
// unique index on call_logs (session_id) that makes SaveCallLog idempotent.

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Ping(ctx context.Context) error {
	return classify(p.db.PingContext(ctx))
}

func (p *Postgres) UpsertActiveCall(ctx context.Context, s calls.Session) error {
	const q = `
INSERT INTO active_calls (room_id, session_id, phone, caller_name, status, started_at, last_updated)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (room_id) DO UPDATE SET
  session_id = EXCLUDED.session_id,
  phone = EXCLUDED.phone,
  caller_name = EXCLUDED.caller_name,
  status = EXCLUDED.status,
  started_at = EXCLUDED.started_at,
  last_updated = EXCLUDED.last_updated
WHERE active_calls.last_updated <= EXCLUDED.last_updated
`
	_, err := p.db.ExecContext(ctx, q,
		s.RoomID,
		s.SessionID,
		s.Phone,
		s.CallerName,
		string(s.Status),
		s.StartedAt,
		s.LastUpdated,
	)
	return classify(err)
}

func (p *Postgres) DeleteActiveCall(ctx context.Context, roomID, sessionID string) error {
	const q = `DELETE FROM active_calls WHERE room_id = $1 AND session_id = $2`
	_, err := p.db.ExecContext(ctx, q, roomID, sessionID)
	return classify(err)
}

func (p *Postgres) InsertTurns(ctx context.Context, turns []calls.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	const q = `
INSERT INTO call_transcripts (id, call_room_id, phone, role, content, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO NOTHING
`
	err := utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, q)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, t := range turns {
			if _, err := stmt.ExecContext(ctx, t.ID, t.RoomID, t.Phone, string(t.Role), t.Content, t.CreatedAt); err != nil {
				return fmt.Errorf("insert turn %s: %w", t.ID, err)
			}
		}
		return nil
	})
	return classify(err)
}

const callLogColumns = `room_id, session_id, phone, caller_name, duration, transcript, audio_codec, sentiment,
  call_date::text, call_hour, call_day_of_week, was_booked, interrupt_count, estimated_cost_usd, created_at`

func (p *Postgres) SaveCallLog(ctx context.Context, rec calls.LogRecord) (calls.LogRecord, bool, error) {
	const insert = `
INSERT INTO call_logs (
  room_id, session_id, phone, caller_name, duration, transcript, audio_codec, sentiment,
  call_date, call_hour, call_day_of_week, was_booked, interrupt_count, estimated_cost_usd, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
)
ON CONFLICT (session_id) DO NOTHING
`
	var (
		out      calls.LogRecord
		inserted bool
	)
	err := utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, insert,
			rec.RoomID,
			rec.SessionID,
			rec.Phone,
			rec.CallerName,
			rec.DurationSeconds,
			rec.Transcript,
			rec.AudioCodec,
			nullString(rec.Sentiment),
			rec.CallDate,
			rec.CallHour,
			rec.CallDayOfWeek,
			rec.WasBooked,
			rec.InterruptCount,
			nullFloat(rec.EstimatedCostUSD),
			rec.CreatedAt,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		// Read back inside the tx so a concurrent winner's row is visible
		// once the conflict was detected.
		out, err = scanCallLog(tx.QueryRowContext(ctx,
			`SELECT `+callLogColumns+` FROM call_logs WHERE session_id = $1`, rec.SessionID))
		return err
	})
	if err != nil {
		return calls.LogRecord{}, false, classify(err)
	}
	return out, inserted, nil
}

func (p *Postgres) GetCallLog(ctx context.Context, sessionID string) (calls.LogRecord, error) {
	rec, err := scanCallLog(p.db.QueryRowContext(ctx,
		`SELECT `+callLogColumns+` FROM call_logs WHERE session_id = $1`, sessionID))
	return rec, classify(err)
}

func (p *Postgres) LatestCallLog(ctx context.Context, roomID string) (calls.LogRecord, error) {
	rec, err := scanCallLog(p.db.QueryRowContext(ctx,
		`SELECT `+callLogColumns+` FROM call_logs WHERE room_id = $1 ORDER BY created_at DESC LIMIT 1`, roomID))
	return rec, classify(err)
}

func (p *Postgres) PatchEnrichment(ctx context.Context, sessionID string, e calls.Enrichment) (calls.LogRecord, error) {
	const q = `
UPDATE call_logs SET
  sentiment = COALESCE($2, sentiment),
  estimated_cost_usd = COALESCE($3, estimated_cost_usd)
WHERE session_id = $1
RETURNING ` + callLogColumns
	rec, err := scanCallLog(p.db.QueryRowContext(ctx, q, sessionID, nullString(e.Sentiment), nullFloat(e.EstimatedCostUSD)))
	return rec, classify(err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCallLog(row rowScanner) (calls.LogRecord, error) {
	var (
		r                              calls.LogRecord
		phone, callerName, codec       sql.NullString
		transcript, sentiment          sql.NullString
		callDate, dayOfWeek            sql.NullString
		duration, callHour, interrupts sql.NullInt64
		wasBooked                      sql.NullBool
		cost                           sql.NullFloat64
	)
	if err := row.Scan(
		&r.RoomID,
		&r.SessionID,
		&phone,
		&callerName,
		&duration,
		&transcript,
		&codec,
		&sentiment,
		&callDate,
		&callHour,
		&dayOfWeek,
		&wasBooked,
		&interrupts,
		&cost,
		&r.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.LogRecord{}, ErrNotFound
		}
		return calls.LogRecord{}, err
	}
	r.Phone = phone.String
	r.CallerName = callerName.String
	r.DurationSeconds = int(duration.Int64)
	r.Transcript = transcript.String
	r.AudioCodec = codec.String
	if sentiment.Valid {
		s := sentiment.String
		r.Sentiment = &s
	}
	r.CallDate = callDate.String
	r.CallHour = int(callHour.Int64)
	r.CallDayOfWeek = dayOfWeek.String
	r.WasBooked = wasBooked.Bool
	r.InterruptCount = int(interrupts.Int64)
	if cost.Valid {
		c := cost.Float64
		r.EstimatedCostUSD = &c
	}
	return r, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
