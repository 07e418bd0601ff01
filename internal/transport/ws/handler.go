// Package ws serves viewer connections over WebSocket. Each connection is
// attached to one session through the hub; client frames are routed to the
// hub and server events are written back in order.
package ws

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zjrosen/conduit/internal/hub"
	"github.com/zjrosen/conduit/internal/log"
	"github.com/zjrosen/conduit/internal/protocol"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultMaxMessage = 1 << 20
)

// Hub is the part of *hub.Hub the transport drives.
type Hub interface {
	Attach(ctx context.Context, conn hub.Conn, req hub.AttachRequest) (string, error)
	Handle(ctx context.Context, conn hub.Conn, frame protocol.Frame) error
	Detach(ctx context.Context, conn hub.Conn)
}

// Handler upgrades requests and runs one connection per request.
type Handler struct {
	hub        Hub
	upgrader   websocket.Upgrader
	writeWait  time.Duration
	pongWait   time.Duration
	maxMessage int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithPongWait sets how long a connection may stay silent. Pings are sent
// at nine tenths of this interval.
func WithPongWait(d time.Duration) Option {
	return func(h *Handler) { h.pongWait = d }
}

// WithMaxMessageSize caps inbound frame size.
func WithMaxMessageSize(n int64) Option {
	return func(h *Handler) { h.maxMessage = n }
}

// NewHandler creates a handler routing to hub.
func NewHandler(hub Hub, opts ...Option) *Handler {
	h := &Handler{
		hub:        hub,
		writeWait:  defaultWriteWait,
		pongWait:   defaultPongWait,
		maxMessage: defaultMaxMessage,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     allowLocalOrigin,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// allowLocalOrigin accepts requests without an Origin header and browser
// pages served from a loopback host.
func allowLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err == nil {
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
	}
	log.Warn(log.CatWS, "rejected websocket origin", "origin", origin)
	return false
}

// AttachRequestFrom reads the attach parameters from a request's query.
func AttachRequestFrom(q url.Values) (hub.AttachRequest, error) {
	req := hub.AttachRequest{
		SessionID:    strings.TrimSpace(q.Get("session_id")),
		Model:        q.Get("model"),
		SystemPrompt: q.Get("system_prompt"),
	}
	if v := q.Get("append_system_prompt"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return hub.AttachRequest{}, errors.New("append_system_prompt must be a boolean")
		}
		req.AppendSystemPrompt = &b
	}
	if req.SessionID != "" {
		if _, err := uuid.Parse(req.SessionID); err != nil {
			return hub.AttachRequest{}, errors.New("session_id must be a UUID")
		}
	}
	return req, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := AttachRequestFrom(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug(log.CatWS, "upgrade failed", "error", err)
		return
	}
	defer wsConn.Close()

	c := newConn(uuid.NewString(), wsConn)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(h.pongWait*9/10, h.writeWait)
	}()

	ctx := context.WithoutCancel(r.Context())
	sessionID, err := h.hub.Attach(ctx, c, req)
	if err != nil && !errors.Is(err, hub.ErrSpawnFailed) {
		c.close()
		<-writerDone
		return
	}
	log.Info(log.CatWS, "viewer connected", "conn", c.id, "session", sessionID)

	h.readPump(ctx, c)

	h.hub.Detach(ctx, c)
	c.close()
	<-writerDone
	log.Info(log.CatWS, "viewer disconnected", "conn", c.id, "session", sessionID)
}

func (h *Handler) readPump(ctx context.Context, c *conn) {
	c.ws.SetReadLimit(h.maxMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug(log.CatWS, "read failed", "conn", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.pongWait))
		if msgType != websocket.TextMessage {
			continue
		}

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			_ = c.Send(protocol.ErrorEvent{Message: err.Error()})
			continue
		}
		if err := h.hub.Handle(ctx, c, frame); err != nil {
			_ = c.Send(protocol.ErrorEvent{Message: err.Error()})
		}
	}
}
