// Package persistence batch-writes the audit event log to Postgres.
// The engine's persist channel uses blocking sends, so the writer's
// throughput bounds the engine; batching keeps that bound high.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"LeverEngine/internal/event"
)

const schema = `
CREATE SCHEMA IF NOT EXISTS event_log;

CREATE TABLE IF NOT EXISTS event_log.events (
    sequence   BIGINT PRIMARY KEY,
    event_type TEXT        NOT NULL,
    market_id  TEXT,
    payload    JSONB       NOT NULL,
    ts         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS events_market_idx
    ON event_log.events (market_id, sequence);
CREATE INDEX IF NOT EXISTS events_type_idx
    ON event_log.events (event_type, sequence);
`

// EventRow is one row of event_log.events.
type EventRow struct {
	Sequence  int64
	EventType string
	MarketID  *string
	Payload   []byte
	Timestamp time.Time
}

// EventLogWriter writes event batches with multi-row INSERT. Replays
// are idempotent: the sequence is the primary key and conflicts are
// ignored.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// EnsureSchema creates the event-log schema if it does not exist.
func (w *EventLogWriter) EnsureSchema(ctx context.Context) error {
	if _, err := w.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("persistence: ensure schema: %w", err)
	}
	return nil
}

// WriteBatch inserts a batch of rows in one statement.
func (w *EventLogWriter) WriteBatch(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, market_id, payload, ts)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*5)
	for i, r := range rows {
		base := i * 5
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
		))
		args = append(args, r.Sequence, r.EventType, r.MarketID, r.Payload, r.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

// Row flattens an envelope into its storage shape. A marshal failure
// is logged and replaced with an empty payload rather than dropping
// the sequence number from the log.
func Row(env event.Envelope, log zerolog.Logger) EventRow {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		log.Error().Err(err).
			Int64("sequence", env.Sequence).
			Str("event_type", env.Type.String()).
			Msg("payload marshal failed")
		payload = []byte("{}")
	}

	var marketID *string
	if env.MarketID != "" {
		id := env.MarketID
		marketID = &id
	}

	return EventRow{
		Sequence:  env.Sequence,
		EventType: env.Type.String(),
		MarketID:  marketID,
		Payload:   payload,
		Timestamp: env.Timestamp,
	}
}
