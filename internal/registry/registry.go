// Package registry tracks the live sessions of a conduit server: which adapter
// serves each session, who is watching it, and what has been broadcast so far.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/conduit/internal/adapter"
	"github.com/zjrosen/conduit/internal/chat"
	"github.com/zjrosen/conduit/internal/log"
	"github.com/zjrosen/conduit/internal/protocol"
	"github.com/zjrosen/conduit/internal/sessions/domain"
)

var (
	// ErrEntryExists is returned by Create when the session already has a live adapter.
	ErrEntryExists = errors.New("registry: session already has a live adapter")

	// ErrNoEntry is returned when the session has no live adapter.
	ErrNoEntry = errors.New("registry: session has no live adapter")
)

// Subscriber receives a session's events. Send must not block and must
// preserve order.
type Subscriber interface {
	ID() string
	Send(evt protocol.Event) error
}

// Registry maps session ids to live entries. Construct with New and call
// Shutdown when the server stops.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	events  domain.EventRepository
}

// New creates an empty registry that persists broadcasts to events.
func New(events domain.EventRepository) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		events:  events,
	}
}

// Get returns the live entry for id.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Create registers proc as the live adapter for id. prelude is the durable
// history replayed to every subscriber ahead of the in-memory buffer.
func (r *Registry) Create(id string, proc adapter.Process, prelude []protocol.Event) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryExists, id)
	}
	e := newEntry(id, proc, prelude, r.events)
	r.entries[id] = e
	log.Debug(log.CatHub, "registry entry created", "session", id, "prelude", len(prelude))
	return e, nil
}

// Attach replays the entry's history to sub and subscribes it. No broadcast
// can interleave between the replay and the subscription.
func (r *Registry) Attach(id string, sub Subscriber) error {
	e, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoEntry, id)
	}
	return e.attach(sub)
}

// Detach unsubscribes sub and reports how many subscribers remain.
func (r *Registry) Detach(id, subID string) (int, error) {
	e, ok := r.Get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoEntry, id)
	}
	return e.detach(subID), nil
}

// Broadcast appends evt to the session's buffer, persists it, and sends it to
// every subscriber. A persistence failure is returned after delivery.
func (r *Registry) Broadcast(ctx context.Context, id string, evt protocol.Event) error {
	e, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoEntry, id)
	}
	return e.Broadcast(ctx, evt)
}

// Remove deletes the entry for id only if proc still owns it.
func (r *Registry) Remove(id string, proc adapter.Process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.adapter != proc {
		return false
	}
	delete(r.entries, id)
	e.markRemoved()
	log.Debug(log.CatHub, "registry entry removed", "session", id)
	return true
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot describes one live entry.
type Snapshot struct {
	SessionID   string    `json:"session_id"`
	Subscribers int       `json:"subscribers"`
	Buffered    int       `json:"buffered"`
	CreatedAt   time.Time `json:"created_at"`
}

// List describes every live entry, oldest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Shutdown kills every live adapter and empties the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	for id, e := range entries {
		e.markRemoved()
		if err := e.adapter.Kill(); err != nil {
			log.ErrorErr(log.CatHub, "kill on shutdown failed", err, "session", id)
		}
	}
}

// Entry is one live session.
type Entry struct {
	id        string
	adapter   adapter.Process
	events    domain.EventRepository
	createdAt time.Time

	mu              sync.Mutex
	subs            map[string]Subscriber
	prelude         []protocol.Event
	buffer          []protocol.Event
	lastAssistantID string
	removed         bool
}

func newEntry(id string, proc adapter.Process, prelude []protocol.Event, events domain.EventRepository) *Entry {
	e := &Entry{
		id:        id,
		adapter:   proc,
		events:    events,
		createdAt: time.Now(),
		subs:      make(map[string]Subscriber),
		prelude:   prelude,
	}
	for _, evt := range prelude {
		e.track(evt)
	}
	return e
}

// ID returns the session id.
func (e *Entry) ID() string { return e.id }

// Adapter returns the live adapter.
func (e *Entry) Adapter() adapter.Process { return e.adapter }

// LastAssistantID returns the id of the most recent assistant message, or "".
func (e *Entry) LastAssistantID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAssistantID
}

// Subscribers returns the number of attached subscribers.
func (e *Entry) Subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

func (e *Entry) attach(sub Subscriber) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return fmt.Errorf("%w: %s", ErrNoEntry, e.id)
	}
	for _, evt := range e.prelude {
		e.send(sub, evt)
	}
	for _, evt := range e.buffer {
		e.send(sub, evt)
	}
	e.subs[sub.ID()] = sub
	return nil
}

func (e *Entry) detach(subID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, subID)
	return len(e.subs)
}

// Broadcast appends evt to the buffer, persists it and fans it out. It fails
// with ErrNoEntry once the entry has been removed, so a holder of a stale
// *Entry can never reach a newer adapter's viewers.
func (e *Entry) Broadcast(ctx context.Context, evt protocol.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return fmt.Errorf("%w: %s", ErrNoEntry, e.id)
	}

	e.buffer = append(e.buffer, evt)
	e.track(evt)
	persistErr := persist(ctx, e.events, e.id, evt)

	for _, sub := range e.subs {
		e.send(sub, evt)
	}
	return persistErr
}

func (e *Entry) send(sub Subscriber, evt protocol.Event) {
	if err := sub.Send(evt); err != nil {
		log.Debug(log.CatHub, "send to subscriber failed", "session", e.id, "subscriber", sub.ID(), "error", err)
	}
}

// track must be called with mu held or before the entry is shared.
func (e *Entry) track(evt protocol.Event) {
	if m, ok := evt.(protocol.MessageEvent); ok && m.Message.Role == chat.RoleAssistant && m.Message.ID != "" {
		e.lastAssistantID = m.Message.ID
	}
}

func (e *Entry) markRemoved() {
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
}

func (e *Entry) snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		SessionID:   e.id,
		Subscribers: len(e.subs),
		Buffered:    len(e.prelude) + len(e.buffer),
		CreatedAt:   e.createdAt,
	}
}

// persist stores evt as the next record of sessionID's history.
func persist(ctx context.Context, events domain.EventRepository, sessionID string, evt protocol.Event) error {
	if events == nil {
		return nil
	}
	rec, err := protocol.Record(sessionID, evt)
	if err != nil {
		return err
	}
	if err := events.Append(ctx, rec); err != nil {
		return fmt.Errorf("persist %s event: %w", evt.Type(), err)
	}
	return nil
}
