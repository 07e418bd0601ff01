package sqlite

import (
	"context"

	"github.com/zjrosen/conduit/internal/sessions/domain"
)

func (db *DB) Create(ctx context.Context, title, id string) (*domain.Session, error) {
	return db.sessions.Create(ctx, title, id)
}

func (db *DB) Get(ctx context.Context, id string) (*domain.Session, error) {
	return db.sessions.Get(ctx, id)
}

func (db *DB) Update(ctx context.Context, id string, patch domain.SessionPatch) (*domain.Session, error) {
	return db.sessions.Update(ctx, id, patch)
}

func (db *DB) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Session, error) {
	return db.sessions.List(ctx, filter)
}

func (db *DB) Delete(ctx context.Context, id string) error {
	return db.sessions.Delete(ctx, id)
}

func (db *DB) Append(ctx context.Context, rec *domain.EventRecord) error {
	return db.events.Append(ctx, rec)
}

func (db *DB) ListEvents(ctx context.Context, sessionID string) ([]domain.EventRecord, error) {
	return db.events.ListEvents(ctx, sessionID)
}
