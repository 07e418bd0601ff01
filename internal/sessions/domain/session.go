// Package domain is the persistence-agnostic session model: the Session
// entity, its status lifecycle, the durable event record, and the repository
// interfaces storage backends implement.
//
// Nothing in this package touches a database, the network or a subprocess.
package domain

import (
	"slices"
	"time"
)

// SessionStatus is where a session is in its lifecycle.
type SessionStatus string

const (
	// StatusRunning means the assistant is working on a turn.
	StatusRunning SessionStatus = "running"

	// StatusWaitingInput means the last turn ended and the assistant is idle.
	StatusWaitingInput SessionStatus = "waiting_input"

	// StatusCompleted means the subprocess exited cleanly.
	StatusCompleted SessionStatus = "completed"

	// StatusFailed means the subprocess could not start or exited abnormally.
	StatusFailed SessionStatus = "failed"

	// StatusTerminated means the subprocess was killed because every viewer left.
	StatusTerminated SessionStatus = "terminated"
)

func (s SessionStatus) String() string {
	return string(s)
}

// IsValid returns true for recognized statuses.
func (s SessionStatus) IsValid() bool {
	switch s {
	case StatusRunning, StatusWaitingInput, StatusCompleted, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no subprocess is attached to a session in this status.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTerminated
}

// Session is a conversation with the assistant. Fields are unexported; use
// NewSession or ReconstituteSession and the accessors.
type Session struct {
	id     string
	title  string
	status SessionStatus

	lastUserMessage      string
	lastAssistantMessage string

	starred  bool
	archived bool
	tags     []string

	tokensIn  int64
	tokensOut int64
	costUSD   float64

	createdAt time.Time
	updatedAt time.Time
	deletedAt *time.Time
}

// NewSession creates a running session with the given id and title.
func NewSession(id, title string) *Session {
	now := time.Now()
	return &Session{
		id:        id,
		title:     title,
		status:    StatusRunning,
		createdAt: now,
		updatedAt: now,
	}
}

// SessionSnapshot carries every field of a stored session. Storage backends
// fill one in and pass it to ReconstituteSession.
type SessionSnapshot struct {
	ID                   string
	Title                string
	Status               SessionStatus
	LastUserMessage      string
	LastAssistantMessage string
	Starred              bool
	Archived             bool
	Tags                 []string
	TokensIn             int64
	TokensOut            int64
	CostUSD              float64
	CreatedAt            time.Time
	UpdatedAt            time.Time
	DeletedAt            *time.Time
}

// ReconstituteSession rebuilds a Session from stored state.
func ReconstituteSession(s SessionSnapshot) *Session {
	return &Session{
		id:                   s.ID,
		title:                s.Title,
		status:               s.Status,
		lastUserMessage:      s.LastUserMessage,
		lastAssistantMessage: s.LastAssistantMessage,
		starred:              s.Starred,
		archived:             s.Archived,
		tags:                 slices.Clone(s.Tags),
		tokensIn:             s.TokensIn,
		tokensOut:            s.TokensOut,
		costUSD:              s.CostUSD,
		createdAt:            s.CreatedAt,
		updatedAt:            s.UpdatedAt,
		deletedAt:            s.DeletedAt,
	}
}

// Snapshot returns a copy of every field.
func (s *Session) Snapshot() SessionSnapshot {
	return SessionSnapshot{
		ID:                   s.id,
		Title:                s.title,
		Status:               s.status,
		LastUserMessage:      s.lastUserMessage,
		LastAssistantMessage: s.lastAssistantMessage,
		Starred:              s.starred,
		Archived:             s.archived,
		Tags:                 slices.Clone(s.tags),
		TokensIn:             s.tokensIn,
		TokensOut:            s.tokensOut,
		CostUSD:              s.costUSD,
		CreatedAt:            s.createdAt,
		UpdatedAt:            s.updatedAt,
		DeletedAt:            s.deletedAt,
	}
}

func (s *Session) ID() string                   { return s.id }
func (s *Session) Title() string                { return s.title }
func (s *Session) Status() SessionStatus        { return s.status }
func (s *Session) LastUserMessage() string      { return s.lastUserMessage }
func (s *Session) LastAssistantMessage() string { return s.lastAssistantMessage }
func (s *Session) Starred() bool                { return s.starred }
func (s *Session) Archived() bool               { return s.archived }
func (s *Session) Tags() []string               { return slices.Clone(s.tags) }
func (s *Session) TokensIn() int64              { return s.tokensIn }
func (s *Session) TokensOut() int64             { return s.tokensOut }
func (s *Session) CostUSD() float64             { return s.costUSD }
func (s *Session) CreatedAt() time.Time         { return s.createdAt }
func (s *Session) UpdatedAt() time.Time         { return s.updatedAt }
func (s *Session) DeletedAt() *time.Time        { return s.deletedAt }

// IsDeleted reports whether the session was soft-deleted.
func (s *Session) IsDeleted() bool {
	return s.deletedAt != nil
}

// SoftDelete marks the session deleted.
func (s *Session) SoftDelete() {
	now := time.Now()
	s.deletedAt = &now
	s.updatedAt = now
}

// Apply merges the non-nil fields of p into the session. Usage fields add to
// the running totals rather than replacing them.
func (s *Session) Apply(p SessionPatch) error {
	if p.Status != nil && !p.Status.IsValid() {
		return &InvalidStatusError{Status: *p.Status}
	}
	if p.Title != nil {
		s.title = *p.Title
	}
	if p.Status != nil {
		s.status = *p.Status
	}
	if p.LastUserMessage != nil {
		s.lastUserMessage = *p.LastUserMessage
	}
	if p.LastAssistantMessage != nil {
		s.lastAssistantMessage = *p.LastAssistantMessage
	}
	if p.Starred != nil {
		s.starred = *p.Starred
	}
	if p.Archived != nil {
		s.archived = *p.Archived
	}
	if p.Tags != nil {
		s.tags = slices.Clone(*p.Tags)
	}
	s.tokensIn += p.AddTokensIn
	s.tokensOut += p.AddTokensOut
	s.costUSD += p.AddCostUSD
	s.updatedAt = time.Now()
	return nil
}

// SessionPatch is a partial update. Nil fields are left alone.
type SessionPatch struct {
	Title                *string
	Status               *SessionStatus
	LastUserMessage      *string
	LastAssistantMessage *string
	Starred              *bool
	Archived             *bool
	Tags                 *[]string

	AddTokensIn  int64
	AddTokensOut int64
	AddCostUSD   float64
}

// IsEmpty reports whether applying the patch would change nothing but updatedAt.
func (p SessionPatch) IsEmpty() bool {
	return p.Title == nil && p.Status == nil && p.LastUserMessage == nil &&
		p.LastAssistantMessage == nil && p.Starred == nil && p.Archived == nil &&
		p.Tags == nil && p.AddTokensIn == 0 && p.AddTokensOut == 0 && p.AddCostUSD == 0
}

// WithStatus is shorthand for a patch that only changes status.
func WithStatus(status SessionStatus) SessionPatch {
	return SessionPatch{Status: &status}
}
