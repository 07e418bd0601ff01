package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/conduit/internal/adapter"
	"github.com/zjrosen/conduit/internal/chat"
	"github.com/zjrosen/conduit/internal/log"
	"github.com/zjrosen/conduit/internal/protocol"
	"github.com/zjrosen/conduit/internal/registry"
	"github.com/zjrosen/conduit/internal/sessions/domain"
	"github.com/zjrosen/conduit/internal/tracing"
	"github.com/zjrosen/conduit/internal/wire"
)

// Handle routes one client frame from conn to its session.
func (h *Hub) Handle(ctx context.Context, conn Conn, frame protocol.Frame) error {
	id, ok := h.SessionOf(conn.ID())
	if !ok {
		return ErrNotAttached
	}

	ctx, span := tracing.Start(ctx, h.tracer, tracing.SpanInput, id,
		attribute.String(tracing.AttrFrameType, string(frame.FrameType())),
		attribute.String(tracing.AttrConnectionID, conn.ID()))
	defer span.End()

	var err error
	switch f := frame.(type) {
	case protocol.UserMessageFrame:
		err = h.userMessage(ctx, conn, id, f.Text)
	case protocol.InterruptFrame:
		err = h.forward(id, wire.Interrupt{})
	case protocol.StopFrame:
		err = h.forward(id, wire.Stop{})
	case protocol.InteractionResponseFrame:
		err = h.interactionResponse(ctx, conn, id, f)
	default:
		err = fmt.Errorf("unsupported frame %q", frame.FrameType())
	}
	tracing.Fail(span, err)
	return err
}

func (h *Hub) userMessage(ctx context.Context, conn Conn, id, text string) error {
	if strings.TrimSpace(text) == "" {
		return wire.ErrEmptyMessage
	}

	msg := chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.RoleUser,
		Content:   chat.PlainText(text),
		CreatedAt: now(),
	}
	evt := protocol.MessageEvent{Message: msg}
	summary := summarize(text)

	var parent string
	e, live := h.deliver(ctx, conn, id, evt, domain.SessionPatch{LastUserMessage: &summary}, func(e *registry.Entry) {
		parent = e.LastAssistantID()
		h.broadcast(ctx, e, evt)

		status := domain.StatusRunning
		if sess := h.update(ctx, id, domain.SessionPatch{Status: &status, LastUserMessage: &summary}); sess != nil {
			h.broadcast(ctx, e, protocol.SessionUpdatedEvent{Session: protocol.ViewOf(sess)})
		}
	})
	if !live {
		return nil
	}

	err := e.Adapter().Emit(wire.UserMessage{
		Blocks:     []chat.ContentBlock{chat.TextBlock(text)},
		ParentUUID: parent,
	})
	return emitError(err)
}

func (h *Hub) interactionResponse(ctx context.Context, conn Conn, id string, f protocol.InteractionResponseFrame) error {
	evt := protocol.InteractionResponseEvent{ID: f.ID, Data: f.Data}

	var parent string
	e, live := h.deliver(ctx, conn, id, evt, domain.SessionPatch{}, func(e *registry.Entry) {
		parent = e.LastAssistantID()
		h.broadcast(ctx, e, evt)
	})
	if !live {
		return nil
	}

	err := e.Adapter().Emit(wire.UserMessage{
		Blocks:     []chat.ContentBlock{chat.ToolResultBlock(f.ID, responseText(f.Data), false)},
		ParentUUID: parent,
	})
	return emitError(err)
}

// deliver records viewer input for id under the session lock. With a live
// entry, onLive runs before the lock is released and the entry is returned
// for forwarding; an exit or detach cannot remove the entry in between.
// Without one, evt is persisted, echoed to conn and followed by an
// ErrNotRunning error event, and offline is applied to the session.
func (h *Hub) deliver(ctx context.Context, conn Conn, id string, evt protocol.Event, offline domain.SessionPatch, onLive func(*registry.Entry)) (*registry.Entry, bool) {
	unlock := h.locks.Lock(id)
	defer unlock()

	if e, ok := h.registry.Get(id); ok {
		onLive(e)
		return e, true
	}

	if err := h.persist(ctx, id, evt); err != nil {
		log.ErrorErr(log.CatHub, "persist offline input failed", err, "session", id)
	}
	if !offline.IsEmpty() {
		h.update(ctx, id, offline)
	}
	send(conn, evt)
	send(conn, protocol.ErrorEvent{Message: ErrNotRunning.Error()})
	return nil, false
}

// forward sends control input to a live adapter. With none it is a no-op.
func (h *Hub) forward(id string, evt wire.InputEvent) error {
	e, ok := h.registry.Get(id)
	if !ok {
		return nil
	}
	err := e.Adapter().Emit(evt)
	if errors.Is(err, adapter.ErrSessionExited) {
		return nil
	}
	return emitError(err)
}

func (h *Hub) persist(ctx context.Context, id string, evt protocol.Event) error {
	rec, err := protocol.Record(id, evt)
	if err != nil {
		return err
	}
	return h.store.Append(ctx, rec)
}

func emitError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, adapter.ErrSessionExited), errors.Is(err, adapter.ErrInputClosed):
		return fmt.Errorf("%w: %w", ErrNotRunning, err)
	default:
		return fmt.Errorf("forward input: %w", err)
	}
}

// responseText renders an interaction answer as tool_result content. JSON
// strings are unquoted; anything else is passed as JSON text.
func responseText(data json.RawMessage) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return string(data)
}
