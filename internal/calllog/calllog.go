// Package calllog implements the outbound call disposition ledger
// supplemented into this build: a narrow record of how a call the
// platform already established ended up (answered, completed, failed,
// duration, error), keyed by the bridge's conversation id. Grounded on
// the teacher's pkg/telephony/call-initiator.go (insertCallSession/
// updateCallSession/getCallSessionBySID), trimmed to disposition-only
// fields since this bridge never originates calls itself.
package calllog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the minimal interface satisfied by *pgxpool.Pool, pgx.Conn,
// and pgxmock in tests.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Disposition is the terminal outcome of one call, as observed by the
// bridge core rather than reported by a telephony control plane.
type Disposition string

const (
	DispositionAnswered  Disposition = "answered"
	DispositionCompleted Disposition = "completed"
	DispositionFailed    Disposition = "failed"
)

// Entry is one ledger row.
type Entry struct {
	ConversationID string
	Disposition    Disposition
	DurationMS     int64
	ErrorMessage   string
	Metadata       map[string]interface{}
	StartedAt      time.Time
	EndedAt        *time.Time
}

// Ledger persists call dispositions to Postgres via pgx/v5.
type Ledger struct {
	db DBTX
}

// New builds a Ledger backed by db. Callers own the connection's
// lifecycle (typically a *pgxpool.Pool).
func New(db DBTX) *Ledger {
	return &Ledger{db: db}
}

// RecordAnswered inserts a new ledger row the moment a call is
// accepted, so a crash mid-call still leaves a disposition-bearing
// record rather than silence.
func (l *Ledger) RecordAnswered(ctx context.Context, conversationID string, startedAt time.Time, metadata map[string]interface{}) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("calllog: marshal metadata: %w", err)
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO call_dispositions (conversation_id, disposition, started_at, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id) DO UPDATE SET
			disposition = EXCLUDED.disposition,
			started_at = EXCLUDED.started_at,
			metadata = EXCLUDED.metadata
	`, conversationID, DispositionAnswered, startedAt, metadataJSON)
	if err != nil {
		return fmt.Errorf("calllog: record answered: %w", err)
	}
	return nil
}

// RecordCompleted updates the ledger row for conversationID with a
// clean completion, duration, and ended_at timestamp.
func (l *Ledger) RecordCompleted(ctx context.Context, conversationID string, endedAt time.Time, durationMS int64) error {
	_, err := l.db.Exec(ctx, `
		UPDATE call_dispositions SET
			disposition = $1,
			ended_at = $2,
			duration_ms = $3
		WHERE conversation_id = $4
	`, DispositionCompleted, endedAt, durationMS, conversationID)
	if err != nil {
		return fmt.Errorf("calllog: record completed: %w", err)
	}
	return nil
}

// RecordFailed updates the ledger row for conversationID with a
// failure disposition and the error that caused it.
func (l *Ledger) RecordFailed(ctx context.Context, conversationID string, endedAt time.Time, durationMS int64, errMessage string) error {
	_, err := l.db.Exec(ctx, `
		UPDATE call_dispositions SET
			disposition = $1,
			ended_at = $2,
			duration_ms = $3,
			error_message = $4
		WHERE conversation_id = $5
	`, DispositionFailed, endedAt, durationMS, errMessage, conversationID)
	if err != nil {
		return fmt.Errorf("calllog: record failed: %w", err)
	}
	return nil
}

// Get retrieves the ledger row for conversationID. found is false if
// no row exists, never an error.
func (l *Ledger) Get(ctx context.Context, conversationID string) (Entry, bool, error) {
	var entry Entry
	var metadataJSON []byte
	var durationMS *int64

	err := l.db.QueryRow(ctx, `
		SELECT conversation_id, disposition, started_at, ended_at, duration_ms, error_message, metadata
		FROM call_dispositions
		WHERE conversation_id = $1
	`, conversationID).Scan(
		&entry.ConversationID, &entry.Disposition, &entry.StartedAt, &entry.EndedAt,
		&durationMS, &entry.ErrorMessage, &metadataJSON,
	)
	if err == pgx.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("calllog: get: %w", err)
	}

	if durationMS != nil {
		entry.DurationMS = *durationMS
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return Entry{}, false, fmt.Errorf("calllog: unmarshal metadata: %w", err)
		}
	}
	return entry, true, nil
}

// Schema is the DDL this package expects; callers run it once at
// provisioning time (no migration framework is wired, matching the
// teacher's own bare-SQL approach in call-initiator.go).
const Schema = `
CREATE TABLE IF NOT EXISTS call_dispositions (
	conversation_id TEXT PRIMARY KEY,
	disposition     TEXT NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	ended_at        TIMESTAMPTZ,
	duration_ms     BIGINT,
	error_message   TEXT,
	metadata        JSONB
)`
