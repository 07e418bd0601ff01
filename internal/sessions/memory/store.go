// Package memory is a process-local domain.Store, used when persistence is
// disabled and in tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/zjrosen/conduit/internal/sessions/domain"
)

// Store keeps sessions and events in maps guarded by a single mutex.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	events   map[string][]domain.EventRecord
	seq      int64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*domain.Session),
		events:   make(map[string][]domain.EventRecord),
	}
}

func (s *Store) Create(_ context.Context, title, id string) (*domain.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		return nil, &domain.SessionExistsError{ID: id}
	}
	sess := domain.NewSession(id, title)
	s.sessions[id] = sess
	return domain.ReconstituteSession(sess.Snapshot()), nil
}

func (s *Store) Get(_ context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok || sess.IsDeleted() {
		return nil, &domain.SessionNotFoundError{ID: id}
	}
	return domain.ReconstituteSession(sess.Snapshot()), nil
}

func (s *Store) Update(_ context.Context, id string, patch domain.SessionPatch) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.IsDeleted() {
		return nil, &domain.SessionNotFoundError{ID: id}
	}
	if err := sess.Apply(patch); err != nil {
		return nil, err
	}
	return domain.ReconstituteSession(sess.Snapshot()), nil
}

func (s *Store) List(_ context.Context, filter domain.ListFilter) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Session
	for _, sess := range s.sessions {
		if !matches(sess, filter) {
			continue
		}
		out = append(out, domain.ReconstituteSession(sess.Snapshot()))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt().After(out[j].UpdatedAt())
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(s *domain.Session, f domain.ListFilter) bool {
	if s.IsDeleted() && !f.IncludeDeleted {
		return false
	}
	if s.Archived() && !f.IncludeArchived {
		return false
	}
	if f.Status != "" && s.Status() != f.Status {
		return false
	}
	if f.Starred && !s.Starred() {
		return false
	}
	return true
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.IsDeleted() {
		return &domain.SessionNotFoundError{ID: id}
	}
	sess.SoftDelete()
	return nil
}

func (s *Store) Append(_ context.Context, rec *domain.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	rec.Seq = s.seq
	stored := *rec
	stored.Payload = append([]byte(nil), rec.Payload...)
	s.events[rec.SessionID] = append(s.events[rec.SessionID], stored)
	return nil
}

func (s *Store) ListEvents(_ context.Context, sessionID string) ([]domain.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.EventRecord(nil), s.events[sessionID]...), nil
}

func (s *Store) Close() error { return nil }

var _ domain.Store = (*Store)(nil)
