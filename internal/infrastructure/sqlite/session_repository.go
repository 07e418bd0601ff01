package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/zjrosen/conduit/internal/sessions/domain"
)

const sessionColumns = `id, title, status, last_user_message, last_assistant_message,
	starred, archived, tags, tokens_in, tokens_out, cost_usd, created_at, updated_at, deleted_at`

type sessionRepository struct {
	db *sql.DB
}

func newSessionRepository(db *sql.DB) *sessionRepository {
	return &sessionRepository{db: db}
}

var _ domain.SessionRepository = (*sessionRepository)(nil)

type scanner interface{ Scan(...any) error }

func scanSession(row scanner) (*sessionModel, error) {
	var m sessionModel
	err := row.Scan(
		&m.ID, &m.Title, &m.Status, &m.LastUserMessage, &m.LastAssistantMessage,
		&m.Starred, &m.Archived, &m.Tags, &m.TokensIn, &m.TokensOut, &m.CostUSD,
		&m.CreatedAt, &m.UpdatedAt, &m.DeletedAt,
	)
	return &m, err
}

func (r *sessionRepository) Create(ctx context.Context, title, id string) (*domain.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	sess := domain.NewSession(id, title)
	m := toSessionModel(sess)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&exists)
	switch {
	case err == nil:
		return nil, &domain.SessionExistsError{ID: id}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("check session %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Title, m.Status, m.LastUserMessage, m.LastAssistantMessage,
		m.Starred, m.Archived, m.Tags, m.TokensIn, m.TokensOut, m.CostUSD,
		m.CreatedAt, m.UpdatedAt, m.DeletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create session: %w", err)
	}
	return sess, nil
}

func (r *sessionRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	return r.get(ctx, r.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *sessionRepository) get(ctx context.Context, q queryer, id string) (*domain.Session, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND deleted_at IS NULL`, id)
	m, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.SessionNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return m.toDomain(), nil
}

// Update reads, patches and writes the row in one transaction.
func (r *sessionRepository) Update(ctx context.Context, id string, patch domain.SessionPatch) (*domain.Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := r.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := sess.Apply(patch); err != nil {
		return nil, err
	}

	m := toSessionModel(sess)
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET title = ?, status = ?, last_user_message = ?, last_assistant_message = ?,
			starred = ?, archived = ?, tags = ?, tokens_in = ?, tokens_out = ?, cost_usd = ?, updated_at = ?
		WHERE id = ?`,
		m.Title, m.Status, m.LastUserMessage, m.LastAssistantMessage,
		m.Starred, m.Archived, m.Tags, m.TokensIn, m.TokensOut, m.CostUSD, m.UpdatedAt,
		m.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update session %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update session: %w", err)
	}
	return sess, nil
}

func (r *sessionRepository) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Session, error) {
	var (
		where []string
		args  []any
	)
	if !filter.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if !filter.IncludeArchived {
		where = append(where, "archived = 0")
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Starred {
		where = append(where, "starred = 1")
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at DESC, created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		m, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, m.toDomain())
	}
	return out, rows.Err()
}

func (r *sessionRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := r.get(ctx, tx, id)
	if err != nil {
		return err
	}
	sess.SoftDelete()
	m := toSessionModel(sess)
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET deleted_at = ?, updated_at = ? WHERE id = ?`,
		m.DeletedAt, m.UpdatedAt, id,
	); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return tx.Commit()
}
