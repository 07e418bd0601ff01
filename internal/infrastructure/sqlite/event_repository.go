package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/conduit/internal/sessions/domain"
)

type eventRepository struct {
	db *sql.DB
}

func newEventRepository(db *sql.DB) *eventRepository {
	return &eventRepository{db: db}
}

var _ domain.EventRepository = (*eventRepository)(nil)

// Append inserts rec and sets rec.Seq to the row id, which is monotonic
// across all sessions.
func (r *eventRepository) Append(ctx context.Context, rec *domain.EventRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO events (session_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		rec.SessionID, rec.Type, string(rec.Payload), rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append event for %s: %w", rec.SessionID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("append event for %s: %w", rec.SessionID, err)
	}
	rec.Seq = seq
	return nil
}

func (r *eventRepository) ListEvents(ctx context.Context, sessionID string) ([]domain.EventRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, type, payload, created_at FROM events WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []domain.EventRecord
	for rows.Next() {
		var (
			rec     domain.EventRecord
			payload string
			created int64
		)
		if err := rows.Scan(&rec.Seq, &rec.SessionID, &rec.Type, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		rec.CreatedAt = time.UnixMilli(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}
