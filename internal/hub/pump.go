package hub

import (
	"fmt"
	"strings"

	"github.com/zjrosen/conduit/internal/chat"
	"github.com/zjrosen/conduit/internal/flags"
	"github.com/zjrosen/conduit/internal/log"
	"github.com/zjrosen/conduit/internal/protocol"
	"github.com/zjrosen/conduit/internal/pubsub"
	"github.com/zjrosen/conduit/internal/registry"
	"github.com/zjrosen/conduit/internal/sessions/domain"
	"github.com/zjrosen/conduit/internal/wire"
)

// AskUserQuestionTool is the tool whose uses become interaction requests.
const AskUserQuestionTool = "AskUserQuestion"

// pump forwards one adapter's output to its entry until the adapter exits.
// The entry reference is fixed, so a pump can never reach a later adapter
// spawned for the same session.
func (h *Hub) pump(e *registry.Entry) {
	for evt := range e.Adapter().Events() {
		if exit, ok := evt.(wire.ExitEvent); ok {
			h.handleExit(e, exit)
			continue
		}
		h.handleOutput(e, evt)
	}
	log.Debug(log.CatHub, "pump finished", "session", e.ID())
}

func (h *Hub) handleOutput(e *registry.Entry, evt wire.OutputEvent) {
	ctx := h.ctx
	id := e.ID()

	switch ev := evt.(type) {
	case wire.InitEvent:
		h.broadcast(ctx, e, protocol.SessionInfoEvent{Info: protocol.SessionInfo{Init: &ev}})

	case wire.SummaryEvent:
		title := ev.Title
		h.broadcast(ctx, e, protocol.SessionInfoEvent{Info: protocol.SessionInfo{Summary: &title}})
		if title == "" || !h.flagOn(flags.FlagSummaryTitles) {
			return
		}
		if sess := h.update(ctx, id, domain.SessionPatch{Title: &title}); sess != nil {
			h.broadcast(ctx, e, protocol.SessionUpdatedEvent{Session: protocol.ViewOf(sess)})
		}

	case wire.MessageEvent:
		h.handleMessage(e, ev.Message)

	case wire.TurnEndEvent:
		patch := domain.WithStatus(domain.StatusWaitingInput)
		if ev.CostUSD > 0 {
			patch.AddCostUSD = h.usage.RecordCost(id, ev.CostUSD).CostUSD
		}
		if sess := h.update(ctx, id, patch); sess != nil {
			h.broadcast(ctx, e, protocol.SessionUpdatedEvent{Session: protocol.ViewOf(sess)})
		}

	case wire.RawEvent:
		h.broadcast(ctx, e, protocol.AdapterEvent{Data: ev.Data})
	}
}

func (h *Hub) handleMessage(e *registry.Entry, msg chat.Message) {
	ctx := h.ctx
	h.broadcast(ctx, e, protocol.MessageEvent{Message: msg})

	if msg.Role != chat.RoleAssistant {
		return
	}

	var patch domain.SessionPatch
	if text := msg.Text(); strings.TrimSpace(text) != "" {
		summary := summarize(text)
		patch.LastAssistantMessage = &summary
	}
	if msg.Usage != nil {
		d := h.usage.RecordUsage(e.ID(), *msg.Usage)
		patch.AddTokensIn = d.InputTokens
		patch.AddTokensOut = d.OutputTokens
	}
	if !patch.IsEmpty() {
		h.update(ctx, e.ID(), patch)
	}

	if !h.flagOn(flags.FlagInteractionRequests) {
		return
	}
	for _, use := range msg.ToolUses() {
		if use.Name != AskUserQuestionTool {
			continue
		}
		h.broadcast(ctx, e, protocol.InteractionRequestEvent{ID: use.ID, Payload: use.Input})
	}
}

// handleExit finalizes a session whose adapter exited on its own. Exits of
// adapters that were already removed (killed on detach, superseded) are
// ignored.
func (h *Hub) handleExit(e *registry.Entry, ev wire.ExitEvent) {
	ctx := h.ctx
	id := e.ID()

	unlock := h.locks.Lock(id)
	defer unlock()

	if cur, ok := h.registry.Get(id); !ok || cur != e {
		log.Debug(log.CatHub, "exit of removed adapter", "session", id)
		return
	}

	status := domain.StatusCompleted
	if ev.Abnormal() {
		status = domain.StatusFailed
		h.broadcast(ctx, e, protocol.ErrorEvent{Message: exitMessage(ev)})
	}
	if sess := h.update(ctx, id, domain.WithStatus(status)); sess != nil {
		h.broadcast(ctx, e, protocol.SessionUpdatedEvent{Session: protocol.ViewOf(sess)})
	}

	h.registry.Remove(id, e.Adapter())
	h.usage.Forget(id)
	h.publish(pubsub.DeletedEvent, Lifecycle{SessionID: id, Kind: KindExited, ExitCode: ev.Code})
	log.Info(log.CatHub, "adapter exited", "session", id, "status", status)
}

func exitMessage(ev wire.ExitEvent) string {
	var b strings.Builder
	if ev.Code == nil {
		b.WriteString("assistant process was killed by a signal")
	} else {
		fmt.Fprintf(&b, "assistant process exited with code %d", *ev.Code)
	}
	if stderr := strings.TrimSpace(ev.Stderr); stderr != "" {
		b.WriteString(": ")
		b.WriteString(stderr)
	}
	return b.String()
}
