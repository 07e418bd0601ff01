package pubsub

import "context"

// Listener is a pull-style wrapper around a subscription.
type Listener[T any] struct {
	ctx context.Context
	ch  <-chan Event[T]
}

// NewListener subscribes to broker for the lifetime of ctx.
func NewListener[T any](ctx context.Context, broker *Broker[T]) *Listener[T] {
	return &Listener[T]{ctx: ctx, ch: broker.Subscribe(ctx)}
}

// Next blocks until an event arrives. It returns false once the listener's
// context is cancelled or the broker is closed.
func (l *Listener[T]) Next() (Event[T], bool) {
	select {
	case <-l.ctx.Done():
		return Event[T]{}, false
	case evt, ok := <-l.ch:
		return evt, ok
	}
}

// C exposes the raw subscription channel for use in select statements.
func (l *Listener[T]) C() <-chan Event[T] {
	return l.ch
}
