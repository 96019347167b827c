package store

import (
	"context"
	"errors"

	"calltrack/internal/calls"
)

var ErrNotFound = errors.New("store: not found")

// Repository is the durable store for the three call tables.
//
// Implementations report transient connectivity failures wrapped in
// calls.ErrStorageUnavailable so callers can decide to retry.
type Repository interface {
	// UpsertActiveCall mirrors the live session row. Older snapshots never
	// overwrite newer ones.
	UpsertActiveCall(ctx context.Context, s calls.Session) error
	// DeleteActiveCall removes the row only if it still belongs to sessionID.
	DeleteActiveCall(ctx context.Context, roomID, sessionID string) error

	// InsertTurns appends transcript rows; replays of the same turn id are ignored.
	InsertTurns(ctx context.Context, turns []calls.Turn) error

	// SaveCallLog writes rec unless a record for rec.SessionID exists. It
	// returns the stored record and whether this call inserted it.
	SaveCallLog(ctx context.Context, rec calls.LogRecord) (calls.LogRecord, bool, error)
	GetCallLog(ctx context.Context, sessionID string) (calls.LogRecord, error)
	// LatestCallLog returns the most recent record written for a room.
	LatestCallLog(ctx context.Context, roomID string) (calls.LogRecord, error)
	PatchEnrichment(ctx context.Context, sessionID string, e calls.Enrichment) (calls.LogRecord, error)

	Ping(ctx context.Context) error
}
