package testutil

import (
	"errors"
	"sync"
	"time"

	"github.com/zjrosen/conduit/internal/protocol"
)

// ErrRecorderClosed is returned by Send after Close.
var ErrRecorderClosed = errors.New("recorder closed")

// Recorder is a Subscriber that keeps every event it is sent.
type Recorder struct {
	id string

	mu     sync.Mutex
	events []protocol.Event
	closed bool
}

// NewRecorder creates a recorder with the given subscriber id.
func NewRecorder(id string) *Recorder {
	return &Recorder{id: id}
}

func (r *Recorder) ID() string { return r.id }

// Send records evt.
func (r *Recorder) Send(evt protocol.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecorderClosed
	}
	r.events = append(r.events, evt)
	return nil
}

// Close makes later sends fail.
func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything received.
func (r *Recorder) Events() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...)
}

// Types returns the type of every received event, in order.
func (r *Recorder) Types() []protocol.EventType {
	events := r.Events()
	out := make([]protocol.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type()
	}
	return out
}

// WaitFor polls until at least n events arrived or timeout passes.
func (r *Recorder) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		r.mu.Lock()
		got := len(r.events)
		r.mu.Unlock()
		if got >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
