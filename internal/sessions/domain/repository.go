package domain

import "context"

// ListFilter narrows List results.
type ListFilter struct {
	// Status restricts results to one status. Empty means all.
	Status SessionStatus

	// Starred restricts results to starred sessions.
	Starred bool

	// IncludeArchived includes archived sessions, excluded by default.
	IncludeArchived bool

	// IncludeDeleted includes soft-deleted sessions, excluded by default.
	IncludeDeleted bool

	// Limit caps the number of results. 0 means no limit.
	Limit int
}

// SessionRepository persists Session entities.
type SessionRepository interface {
	// Create stores a new session. An empty id asks the repository to generate one.
	// Returns SessionExistsError if id is taken.
	Create(ctx context.Context, title, id string) (*Session, error)

	// Get returns SessionNotFoundError for unknown or soft-deleted sessions.
	Get(ctx context.Context, id string) (*Session, error)

	// Update applies patch and returns the updated session.
	Update(ctx context.Context, id string, patch SessionPatch) (*Session, error)

	// List returns sessions newest-updated first.
	List(ctx context.Context, filter ListFilter) ([]*Session, error)

	// Delete soft-deletes a session.
	Delete(ctx context.Context, id string) error
}

// EventRepository persists the ordered event history of each session.
type EventRepository interface {
	// Append stores rec and sets its Seq.
	Append(ctx context.Context, rec *EventRecord) error

	// ListEvents returns a session's events in append order.
	ListEvents(ctx context.Context, sessionID string) ([]EventRecord, error)
}

// Store is a complete persistence backend.
type Store interface {
	SessionRepository
	EventRepository
	Close() error
}
