package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/conduit/internal/chat"
	"github.com/zjrosen/conduit/internal/hub"
	"github.com/zjrosen/conduit/internal/protocol"
	"github.com/zjrosen/conduit/internal/sessions/memory"
	"github.com/zjrosen/conduit/internal/testutil"
	"github.com/zjrosen/conduit/internal/wire"
)

type server struct {
	url     string
	hub     *hub.Hub
	spawner *testutil.FakeSpawner
}

func newServer(t *testing.T) *server {
	t.Helper()
	spawner := &testutil.FakeSpawner{}
	h := hub.New(hub.Options{Spawner: spawner, Store: memory.New()})
	srv := httptest.NewServer(NewHandler(h))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return &server{
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		hub:     h,
		spawner: spawner,
	}
}

func (s *server) dial(t *testing.T, query url.Values, header http.Header) *websocket.Conn {
	t.Helper()
	u := s.url
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	c, _, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readEvent(t *testing.T, c *websocket.Conn) protocol.Event {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	evt, err := protocol.Unmarshal(data)
	require.NoError(t, err)
	return evt
}

// readUntil reads events until one of type T arrives.
func readUntil[T protocol.Event](t *testing.T, c *websocket.Conn) T {
	t.Helper()
	for {
		if v, ok := readEvent(t, c).(T); ok {
			return v
		}
	}
}

func sendFrame(t *testing.T, c *websocket.Conn, frame protocol.Frame) {
	t.Helper()
	data, err := protocol.MarshalFrame(frame)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, data))
}

func TestHandler_AttachAndConverse(t *testing.T) {
	s := newServer(t)
	id := uuid.NewString()
	c := s.dial(t, url.Values{"session_id": {id}, "model": {"opus"}}, nil)

	updated := readUntil[protocol.SessionUpdatedEvent](t, c)
	assert.Equal(t, id, updated.Session.ID)
	require.Len(t, s.spawner.Configs(), 1)
	assert.Equal(t, "opus", s.spawner.Configs()[0].Model)

	sendFrame(t, c, protocol.UserMessageFrame{Text: "hello"})
	echo := readUntil[protocol.MessageEvent](t, c)
	assert.Equal(t, "hello", echo.Message.Text())

	proc := s.spawner.Last()
	require.Eventually(t, func() bool { return len(proc.Emits()) == 1 }, 2*time.Second, 5*time.Millisecond)

	proc.Send(wire.MessageEvent{Message: chat.Message{ID: "a1", Role: chat.RoleAssistant, Content: chat.PlainText("hi there")}})
	reply := readUntil[protocol.MessageEvent](t, c)
	assert.Equal(t, "a1", reply.Message.ID)
	assert.Equal(t, "hi there", reply.Message.Text())
}

func TestHandler_InvalidFrameReportsError(t *testing.T) {
	s := newServer(t)
	c := s.dial(t, nil, nil)
	readUntil[protocol.SessionUpdatedEvent](t, c)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	evt := readUntil[protocol.ErrorEvent](t, c)
	assert.NotEmpty(t, evt.Message)

	sendFrame(t, c, protocol.InterruptFrame{})
	require.Eventually(t, func() bool {
		return len(s.spawner.Last().Emits()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandler_CloseDetachesAndKills(t *testing.T) {
	s := newServer(t)
	c := s.dial(t, nil, nil)
	readUntil[protocol.SessionUpdatedEvent](t, c)
	proc := s.spawner.Last()

	require.NoError(t, c.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = c.Close()

	require.Eventually(t, func() bool { return proc.Kills() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, s.hub.Live())
}

func TestHandler_SpawnFailureKeepsConnection(t *testing.T) {
	s := newServer(t)
	s.spawner.Err = errors.New("no claude")
	c := s.dial(t, nil, nil)

	evt := readUntil[protocol.ErrorEvent](t, c)
	assert.Contains(t, evt.Message, "no claude")

	sendFrame(t, c, protocol.UserMessageFrame{Text: "anyone?"})
	readUntil[protocol.MessageEvent](t, c)
	notRunning := readUntil[protocol.ErrorEvent](t, c)
	assert.Equal(t, hub.ErrNotRunning.Error(), notRunning.Message)
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	s := newServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(s.url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandler_AcceptsLocalOrigin(t *testing.T) {
	s := newServer(t)
	c := s.dial(t, nil, http.Header{"Origin": {"http://localhost:5173"}})
	readUntil[protocol.SessionUpdatedEvent](t, c)
}

func TestHandler_BadQuery(t *testing.T) {
	s := newServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(s.url+"?session_id=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAttachRequestFrom(t *testing.T) {
	id := uuid.NewString()
	req, err := AttachRequestFrom(url.Values{
		"session_id":           {id},
		"system_prompt":        {"terse"},
		"append_system_prompt": {"true"},
	})
	require.NoError(t, err)
	assert.Equal(t, id, req.SessionID)
	assert.Equal(t, "terse", req.SystemPrompt)
	require.NotNil(t, req.AppendSystemPrompt)
	assert.True(t, *req.AppendSystemPrompt)

	_, err = AttachRequestFrom(url.Values{"append_system_prompt": {"maybe"}})
	require.Error(t, err)
}

func TestConn_SendAfterCloseFails(t *testing.T) {
	c := newConn("c1", nil)
	require.NoError(t, c.Send(protocol.ErrorEvent{Message: "x"}))
	c.close()
	c.close()
	require.ErrorIs(t, c.Send(protocol.ErrorEvent{Message: "y"}), ErrConnClosed)
	assert.Len(t, c.take(), 1)
}

func TestConn_OutboxPreservesOrder(t *testing.T) {
	c := newConn("c1", nil)
	for i := range 100 {
		require.NoError(t, c.Send(protocol.AdapterEvent{Data: json.RawMessage(strings.Repeat("1", i+1))}))
	}
	got := c.take()
	require.Len(t, got, 100)
	for i, evt := range got {
		assert.Len(t, evt.(protocol.AdapterEvent).Data, i+1)
	}
}
