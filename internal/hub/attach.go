package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/conduit/internal/adapter"
	"github.com/zjrosen/conduit/internal/log"
	"github.com/zjrosen/conduit/internal/protocol"
	"github.com/zjrosen/conduit/internal/pubsub"
	"github.com/zjrosen/conduit/internal/registry"
	"github.com/zjrosen/conduit/internal/sessions/domain"
	"github.com/zjrosen/conduit/internal/tracing"
)

// Attach binds conn to a session and returns its id. If the session has a
// live adapter conn joins it and receives the full history; otherwise the
// durable history is loaded and an adapter is spawned, resuming when there
// is history and creating otherwise.
//
// Every failure is reported to conn as exactly one error event. On
// ErrSpawnFailed conn has already received the history and remains attached.
func (h *Hub) Attach(ctx context.Context, conn Conn, req AttachRequest) (string, error) {
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	ctx, span := tracing.Start(ctx, h.tracer, tracing.SpanAttach, id,
		attribute.String(tracing.AttrConnectionID, conn.ID()))
	defer span.End()

	if prev, ok := h.SessionOf(conn.ID()); ok && prev != id {
		h.Detach(ctx, conn)
	}

	unlock := h.locks.Lock(id)
	defer unlock()

	if err := h.bind(conn.ID(), id); err != nil {
		h.reportError(conn, err)
		return "", err
	}

	if _, ok := h.registry.Get(id); ok {
		if err := h.registry.Attach(id, conn); err == nil {
			span.SetAttributes(attribute.String(tracing.AttrAttachMode, "join"))
			h.publish(pubsub.UpdatedEvent, Lifecycle{SessionID: id, Kind: KindAttached, ConnID: conn.ID()})
			log.Debug(log.CatHub, "joined live session", "session", id, "conn", conn.ID())
			return id, nil
		}
	}

	history, err := h.loadHistory(ctx, id)
	if err != nil {
		h.unbind(conn.ID())
		tracing.Fail(span, err)
		h.reportError(conn, err)
		return "", err
	}
	span.SetAttributes(attribute.Int(tracing.AttrHistoryLen, len(history)))

	if err := h.ensureSession(ctx, id); err != nil {
		h.unbind(conn.ID())
		tracing.Fail(span, err)
		h.reportError(conn, err)
		return "", err
	}

	mode := adapter.ModeCreate
	if len(history) > 0 {
		mode = adapter.ModeResume
	}
	span.SetAttributes(attribute.String(tracing.AttrAttachMode, string(mode)))

	proc, err := h.spawn(ctx, id, mode, req)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSpawnFailed, err)
		tracing.Fail(span, err)
		for _, evt := range history {
			send(conn, evt)
		}
		h.reportError(conn, err)
		h.update(ctx, id, domain.WithStatus(domain.StatusFailed))
		h.publish(pubsub.UpdatedEvent, Lifecycle{SessionID: id, Kind: KindSpawnFailed, ConnID: conn.ID()})
		return id, err
	}

	entry, err := h.registry.Create(id, proc, history)
	if errors.Is(err, registry.ErrEntryExists) {
		// Another spawner won. Ours never saw a viewer.
		_ = proc.Kill()
		go drain(proc)
		if err := h.registry.Attach(id, conn); err != nil {
			h.unbind(conn.ID())
			h.reportError(conn, err)
			return "", err
		}
		return id, nil
	}
	if err != nil {
		_ = proc.Kill()
		go drain(proc)
		h.unbind(conn.ID())
		h.reportError(conn, err)
		return "", err
	}

	if err := h.registry.Attach(id, conn); err != nil {
		h.unbind(conn.ID())
		h.reportError(conn, err)
		return "", err
	}

	h.pumps.Add(1)
	log.SafeGo(log.CatHub, "pump "+id, func() {
		defer h.pumps.Done()
		h.pump(entry)
	})

	if sess := h.update(ctx, id, domain.WithStatus(domain.StatusRunning)); sess != nil {
		h.broadcast(ctx, entry, protocol.SessionUpdatedEvent{Session: protocol.ViewOf(sess)})
	}
	h.publish(pubsub.CreatedEvent, Lifecycle{SessionID: id, Kind: KindSpawned})
	h.publish(pubsub.UpdatedEvent, Lifecycle{SessionID: id, Kind: KindAttached, ConnID: conn.ID()})
	log.Info(log.CatHub, "session started", "session", id, "mode", mode, "history", len(history))
	return id, nil
}

// Detach unbinds conn. When it was the session's last viewer the adapter
// is killed and the session marked terminated.
func (h *Hub) Detach(ctx context.Context, conn Conn) {
	id, ok := h.unbind(conn.ID())
	if !ok {
		return
	}

	_, span := tracing.Start(ctx, h.tracer, tracing.SpanDetach, id,
		attribute.String(tracing.AttrConnectionID, conn.ID()))
	defer span.End()

	unlock := h.locks.Lock(id)
	defer unlock()

	h.publish(pubsub.UpdatedEvent, Lifecycle{SessionID: id, Kind: KindDetached, ConnID: conn.ID()})

	e, ok := h.registry.Get(id)
	if !ok {
		return
	}
	remaining, err := h.registry.Detach(id, conn.ID())
	if err != nil || remaining > 0 {
		return
	}
	h.terminate(ctx, e, false)
}

func (h *Hub) spawn(ctx context.Context, id string, mode adapter.Mode, req AttachRequest) (adapter.Process, error) {
	_, span := tracing.Start(ctx, h.tracer, tracing.SpanSpawn, id,
		attribute.String(tracing.AttrAttachMode, string(mode)))
	defer span.End()

	cfg := h.spawnConfig(id, mode, req)
	proc, err := h.spawner.Spawn(h.ctx, cfg)
	if err != nil {
		tracing.Fail(span, err)
		log.ErrorErr(log.CatHub, "spawn failed", err, "session", id, "mode", mode)
		return nil, err
	}
	return proc, nil
}

func (h *Hub) spawnConfig(id string, mode adapter.Mode, req AttachRequest) adapter.Config {
	d := h.Defaults()
	cfg := adapter.Config{
		SessionID:          id,
		Mode:               mode,
		WorkDir:            d.WorkDir,
		Env:                d.Env,
		Model:              d.Model,
		SystemPrompt:       d.SystemPrompt,
		AppendSystemPrompt: d.AppendSystemPrompt,
		SkipPermissions:    d.SkipPermissions,
		ExtraArgs:          d.ExtraArgs,
	}
	if req.Model != "" {
		cfg.Model = req.Model
	}
	if req.SystemPrompt != "" {
		cfg.SystemPrompt = req.SystemPrompt
	}
	if req.AppendSystemPrompt != nil {
		cfg.AppendSystemPrompt = *req.AppendSystemPrompt
	}
	return cfg
}

// loadHistory decodes a session's stored events. Records that no longer
// decode are skipped.
func (h *Hub) loadHistory(ctx context.Context, id string) ([]protocol.Event, error) {
	records, err := h.store.ListEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", id, err)
	}
	history := make([]protocol.Event, 0, len(records))
	for _, rec := range records {
		evt, err := protocol.FromRecord(rec)
		if err != nil {
			log.Warn(log.CatHub, "skipping undecodable event", "session", id, "seq", rec.Seq, "error", err)
			continue
		}
		history = append(history, evt)
	}
	return history, nil
}

func (h *Hub) ensureSession(ctx context.Context, id string) error {
	_, err := h.store.Get(ctx, id)
	var notFound *domain.SessionNotFoundError
	switch {
	case err == nil:
		return nil
	case !errors.As(err, &notFound):
		return fmt.Errorf("load session %s: %w", id, err)
	}

	_, err = h.store.Create(ctx, "", id)
	var exists *domain.SessionExistsError
	if errors.As(err, &exists) {
		return fmt.Errorf("session %s was deleted", id)
	}
	return err
}

func (h *Hub) reportError(conn Conn, err error) {
	send(conn, protocol.ErrorEvent{Message: err.Error()})
}

func send(conn Conn, evt protocol.Event) {
	if err := conn.Send(evt); err != nil {
		log.Debug(log.CatHub, "send failed", "conn", conn.ID(), "error", err)
	}
}

func drain(proc adapter.Process) {
	for range proc.Events() {
	}
}
