// Package hub multiplexes viewer connections onto assistant sessions. It
// spawns an adapter on first attach, fans its output out through the
// registry, routes viewer input back, and tears the adapter down when it
// exits or its last viewer leaves.
package hub

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-runewidth"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/conduit/internal/adapter"
	"github.com/zjrosen/conduit/internal/flags"
	"github.com/zjrosen/conduit/internal/log"
	"github.com/zjrosen/conduit/internal/metrics"
	"github.com/zjrosen/conduit/internal/protocol"
	"github.com/zjrosen/conduit/internal/pubsub"
	"github.com/zjrosen/conduit/internal/registry"
	"github.com/zjrosen/conduit/internal/sessions/domain"
)

var (
	// ErrNotRunning is reported to a viewer whose input reached a session
	// with no live adapter.
	ErrNotRunning = errors.New("session is not running; reconnect to resume")

	// ErrNotAttached is returned for input from a connection that never attached.
	ErrNotAttached = errors.New("connection is not attached to a session")

	// ErrSpawnFailed wraps the spawner's error when Attach could not start
	// an adapter. The connection stays attached and can still send input.
	ErrSpawnFailed = errors.New("failed to start session")

	// ErrClosed is returned once Shutdown has begun.
	ErrClosed = errors.New("hub is shut down")
)

// SummaryWidth is the display width of last-message summaries.
const SummaryWidth = 120

// Conn is one viewer connection.
type Conn = registry.Subscriber

// Defaults are the spawn settings used when a connection does not override them.
type Defaults struct {
	Model              string
	SystemPrompt       string
	AppendSystemPrompt bool
	WorkDir            string
	Env                map[string]string
	SkipPermissions    bool
	ExtraArgs          []string
}

// AttachRequest is what a connection asks for when it opens.
type AttachRequest struct {
	// SessionID selects the session. Empty creates a new one.
	SessionID string

	Model              string
	SystemPrompt       string
	AppendSystemPrompt *bool
}

// Options configures a Hub. Spawner and Store are required.
type Options struct {
	Spawner   adapter.Spawner
	Store     domain.Store
	Tracer    trace.Tracer
	Flags     *flags.Registry
	Usage     *metrics.Tracker
	Lifecycle *pubsub.Broker[Lifecycle]
	Defaults  Defaults
}

// Hub is the connection multiplexer. Construct with New.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	spawner   adapter.Spawner
	store     domain.Store
	registry  *registry.Registry
	tracer    trace.Tracer
	usage     *metrics.Tracker
	lifecycle *pubsub.Broker[Lifecycle]

	flags    atomic.Pointer[flags.Registry]
	defaults atomic.Pointer[Defaults]

	locks *keyedMutex

	mu     sync.Mutex
	conns  map[string]string // connection id -> session id
	closed bool

	pumps sync.WaitGroup
}

// New creates a Hub. Adapters are spawned under a context owned by the hub,
// not by the request that triggered the spawn.
func New(opts Options) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		ctx:       ctx,
		cancel:    cancel,
		spawner:   opts.Spawner,
		store:     opts.Store,
		registry:  registry.New(opts.Store),
		tracer:    opts.Tracer,
		usage:     opts.Usage,
		lifecycle: opts.Lifecycle,
		locks:     newKeyedMutex(),
		conns:     make(map[string]string),
	}
	if h.tracer == nil {
		h.tracer = noop.NewTracerProvider().Tracer("conduit")
	}
	if h.usage == nil {
		h.usage = metrics.NewTracker(metrics.DefaultContextWindow)
	}
	fl := opts.Flags
	if fl == nil {
		fl = flags.New(nil)
	}
	h.flags.Store(fl)
	d := opts.Defaults
	h.defaults.Store(&d)
	return h
}

// SetDefaults replaces the spawn defaults for future spawns.
func (h *Hub) SetDefaults(d Defaults) {
	d.Env = maps.Clone(d.Env)
	d.ExtraArgs = slices.Clone(d.ExtraArgs)
	h.defaults.Store(&d)
	log.Info(log.CatHub, "spawn defaults updated", "model", d.Model, "work_dir", d.WorkDir)
}

// Defaults returns the current spawn defaults.
func (h *Hub) Defaults() Defaults {
	return *h.defaults.Load()
}

// SetFlags replaces the feature flags.
func (h *Hub) SetFlags(f *flags.Registry) {
	h.flags.Store(f)
}

func (h *Hub) flagOn(name string) bool {
	return h.flags.Load().Enabled(name)
}

// Live describes every session with a running adapter.
func (h *Hub) Live() []registry.Snapshot {
	return h.registry.List()
}

// IsLive reports whether id has a running adapter.
func (h *Hub) IsLive(id string) bool {
	_, ok := h.registry.Get(id)
	return ok
}

// Usage returns the in-memory usage of a live session.
func (h *Hub) Usage(id string) (metrics.TokenMetrics, bool) {
	return h.usage.Snapshot(id)
}

// SessionOf returns the session a connection is attached to.
func (h *Hub) SessionOf(connID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.conns[connID]
	return id, ok
}

func (h *Hub) bind(connID, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.conns[connID] = sessionID
	return nil
}

func (h *Hub) unbind(connID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.conns[connID]
	delete(h.conns, connID)
	return id, ok
}

// Kill terminates a session's live adapter, if any. Attached viewers stay
// attached and receive a session_updated event first.
func (h *Hub) Kill(ctx context.Context, id string) bool {
	unlock := h.locks.Lock(id)
	defer unlock()

	e, ok := h.registry.Get(id)
	if !ok {
		return false
	}
	h.terminate(ctx, e, true)
	return true
}

// terminate must be called with the session's keyed lock held.
func (h *Hub) terminate(ctx context.Context, e *registry.Entry, announce bool) {
	id := e.ID()
	proc := e.Adapter()

	sess := h.update(ctx, id, domain.WithStatus(domain.StatusTerminated))
	if announce && sess != nil {
		h.broadcast(ctx, e, protocol.SessionUpdatedEvent{Session: protocol.ViewOf(sess)})
	}
	if err := proc.Kill(); err != nil {
		log.ErrorErr(log.CatHub, "kill adapter failed", err, "session", id)
	}
	h.registry.Remove(id, proc)
	h.usage.Forget(id)
	h.publish(pubsub.DeletedEvent, Lifecycle{SessionID: id, Kind: KindTerminated})
	log.Info(log.CatHub, "session terminated", "session", id)
}

// Shutdown stops accepting attaches, marks live sessions terminated, kills
// their adapters and waits for the pumps to drain or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	for _, snap := range h.registry.List() {
		h.update(ctx, snap.SessionID, domain.WithStatus(domain.StatusTerminated))
	}
	h.registry.Shutdown()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub shutdown: %w", ctx.Err())
	}
}

func (h *Hub) update(ctx context.Context, id string, patch domain.SessionPatch) *domain.Session {
	sess, err := h.store.Update(ctx, id, patch)
	if err != nil {
		log.Warn(log.CatHub, "session update failed", "session", id, "error", err)
		return nil
	}
	return sess
}

func (h *Hub) broadcast(ctx context.Context, e *registry.Entry, evt protocol.Event) {
	err := e.Broadcast(ctx, evt)
	switch {
	case err == nil, errors.Is(err, registry.ErrNoEntry):
	default:
		log.ErrorErr(log.CatHub, "broadcast persistence failed", err, "session", e.ID(), "type", evt.Type())
	}
}

// summarize collapses whitespace and truncates to SummaryWidth cells.
func summarize(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, SummaryWidth, "…")
}

func now() time.Time { return time.Now().UTC() }
