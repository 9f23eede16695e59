// Package query provides read-only access to the persisted event log.
package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const maxPageSize = 500

// StoredEvent is one persisted audit event. Payload is returned as
// raw JSON so callers can render it without knowing every event
// shape.
type StoredEvent struct {
	Sequence  int64           `json:"sequence"`
	EventType string          `json:"event_type"`
	MarketID  *string         `json:"market_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Filter narrows a history query. Zero values mean no constraint.
type Filter struct {
	MarketID  string
	EventType string
	AfterSeq  int64
	Limit     int
}

// History returns events in sequence order. Results are capped at
// maxPageSize; page with AfterSeq.
func (s *Service) History(ctx context.Context, f Filter) ([]StoredEvent, error) {
	limit := f.Limit
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	query := `SELECT sequence, event_type, market_id, payload, ts
		FROM event_log.events
		WHERE sequence > $1`
	args := []any{f.AfterSeq}

	if f.MarketID != "" {
		args = append(args, f.MarketID)
		query += fmt.Sprintf(" AND market_id = $%d", len(args))
	}
	if f.EventType != "" {
		args = append(args, f.EventType)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY sequence LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: history: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var e StoredEvent
		if err := rows.Scan(&e.Sequence, &e.EventType, &e.MarketID, &e.Payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("query: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// HeadSequence returns the highest persisted sequence, zero when the
// log is empty.
func (s *Service) HeadSequence(ctx context.Context) (int64, error) {
	var head sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(sequence) FROM event_log.events").Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("query: head sequence: %w", err)
	}
	return head.Int64, nil
}
