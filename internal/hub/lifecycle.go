package hub

import (
	"time"

	"github.com/zjrosen/conduit/internal/pubsub"
)

// LifecycleKind names a change in a session's runtime state.
type LifecycleKind string

const (
	KindSpawned     LifecycleKind = "spawned"
	KindSpawnFailed LifecycleKind = "spawn_failed"
	KindAttached    LifecycleKind = "attached"
	KindDetached    LifecycleKind = "detached"
	KindExited      LifecycleKind = "exited"
	KindTerminated  LifecycleKind = "terminated"
)

// Lifecycle is published on the hub's broker for every runtime change.
type Lifecycle struct {
	SessionID string        `json:"session_id"`
	Kind      LifecycleKind `json:"kind"`
	ConnID    string        `json:"conn_id,omitempty"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	At        time.Time     `json:"at"`
}

func (h *Hub) publish(t pubsub.EventType, l Lifecycle) {
	if h.lifecycle == nil {
		return
	}
	l.At = now()
	h.lifecycle.Publish(t, l)
}
