// Package cached puts a read-through cache in front of a domain.Store's
// session lookups. Event history always goes to the underlying store.
package cached

import (
	"context"
	"time"

	"github.com/zjrosen/conduit/internal/cachemanager"
	"github.com/zjrosen/conduit/internal/sessions/domain"
)

// DefaultTTL bounds how stale a cached session can be if a write bypasses
// this Store.
const DefaultTTL = 2 * time.Minute

// Store wraps a domain.Store.
type Store struct {
	domain.Store
	cache *cachemanager.InMemoryCacheManager[string, domain.SessionSnapshot]
	get   *cachemanager.ReadThroughCache[string, domain.SessionSnapshot, string]
	ttl   time.Duration
}

// New wraps next. A ttl of 0 uses DefaultTTL.
func New(next domain.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cache := cachemanager.NewInMemoryCacheManager[string, domain.SessionSnapshot](
		"sessions", ttl, cachemanager.DefaultCleanupInterval)
	s := &Store{Store: next, cache: cache, ttl: ttl}
	s.get = cachemanager.NewReadThroughCache(
		cachemanager.CacheManager[string, domain.SessionSnapshot](cache),
		func(ctx context.Context, id string) (domain.SessionSnapshot, error) {
			sess, err := next.Get(ctx, id)
			if err != nil {
				return domain.SessionSnapshot{}, err
			}
			return sess.Snapshot(), nil
		},
		false,
	)
	return s
}

func (s *Store) Create(ctx context.Context, title, id string) (*domain.Session, error) {
	sess, err := s.Store.Create(ctx, title, id)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, sess)
	return sess, nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Session, error) {
	snap, err := s.get.GetWithRefresh(ctx, id, id, s.ttl)
	if err != nil {
		return nil, err
	}
	return domain.ReconstituteSession(snap), nil
}

func (s *Store) Update(ctx context.Context, id string, patch domain.SessionPatch) (*domain.Session, error) {
	sess, err := s.Store.Update(ctx, id, patch)
	if err != nil {
		_ = s.get.Invalidate(ctx, id)
		return nil, err
	}
	s.remember(ctx, sess)
	return sess, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	defer func() { _ = s.get.Invalidate(ctx, id) }()
	return s.Store.Delete(ctx, id)
}

// Stats exposes the session cache counters.
func (s *Store) Stats() cachemanager.Stats {
	return s.cache.Stats()
}

func (s *Store) remember(ctx context.Context, sess *domain.Session) {
	s.cache.Set(ctx, sess.ID(), sess.Snapshot(), s.ttl)
}
