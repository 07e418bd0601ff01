package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/conduit/internal/chat"
	"github.com/zjrosen/conduit/internal/protocol"
	"github.com/zjrosen/conduit/internal/sessions/domain"
	"github.com/zjrosen/conduit/internal/sessions/memory"
	"github.com/zjrosen/conduit/internal/testutil"
)

func msg(id string, role chat.Role) protocol.Event {
	return protocol.MessageEvent{Message: chat.Message{ID: id, Role: role, Content: chat.PlainText(id)}}
}

func ids(events []protocol.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		if m, ok := e.(protocol.MessageEvent); ok {
			out = append(out, m.Message.ID)
		}
	}
	return out
}

func TestRegistry_CreateRejectsDuplicate(t *testing.T) {
	r := New(nil)
	p1 := testutil.NewFakeProcess("s1")

	_, err := r.Create("s1", p1, nil)
	require.NoError(t, err)

	_, err = r.Create("s1", testutil.NewFakeProcess("s1"), nil)
	require.ErrorIs(t, err, ErrEntryExists)

	e, ok := r.Get("s1")
	require.True(t, ok)
	require.Same(t, p1, e.Adapter())
}

func TestRegistry_AttachReplaysPreludeThenBuffer(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())
	_, err := r.Create("s1", testutil.NewFakeProcess("s1"), []protocol.Event{msg("h1", chat.RoleUser), msg("h2", chat.RoleAssistant)})
	require.NoError(t, err)

	early := testutil.NewRecorder("early")
	require.NoError(t, r.Attach("s1", early))
	require.NoError(t, r.Broadcast(ctx, "s1", msg("live1", chat.RoleAssistant)))

	late := testutil.NewRecorder("late")
	require.NoError(t, r.Attach("s1", late))
	require.NoError(t, r.Broadcast(ctx, "s1", msg("live2", chat.RoleAssistant)))

	want := []string{"h1", "h2", "live1", "live2"}
	require.Equal(t, want, ids(early.Events()))
	require.Equal(t, want, ids(late.Events()))
}

func TestRegistry_BroadcastPersists(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	r := New(store)
	_, err := r.Create("s1", testutil.NewFakeProcess("s1"), nil)
	require.NoError(t, err)

	require.NoError(t, r.Broadcast(ctx, "s1", protocol.ErrorEvent{Message: "x"}))

	recs, err := store.ListEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "error", recs[0].Type)
	evt, err := protocol.Unmarshal(recs[0].Payload)
	require.NoError(t, err)
	require.Equal(t, protocol.ErrorEvent{Message: "x"}, evt)
}

type failingEvents struct{}

func (failingEvents) Append(context.Context, *domain.EventRecord) error {
	return errors.New("disk full")
}

func (failingEvents) ListEvents(context.Context, string) ([]domain.EventRecord, error) {
	return nil, nil
}

func TestRegistry_BroadcastDeliversDespitePersistFailure(t *testing.T) {
	r := New(failingEvents{})
	_, err := r.Create("s1", testutil.NewFakeProcess("s1"), nil)
	require.NoError(t, err)
	rec := testutil.NewRecorder("c1")
	require.NoError(t, r.Attach("s1", rec))

	err = r.Broadcast(context.Background(), "s1", msg("m", chat.RoleAssistant))
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
	require.Len(t, rec.Events(), 1)
}

func TestRegistry_TracksLastAssistantMessage(t *testing.T) {
	r := New(nil)
	e, err := r.Create("s1", testutil.NewFakeProcess("s1"), []protocol.Event{msg("a0", chat.RoleAssistant), msg("u0", chat.RoleUser)})
	require.NoError(t, err)
	require.Equal(t, "a0", e.LastAssistantID())

	require.NoError(t, r.Broadcast(context.Background(), "s1", msg("a1", chat.RoleAssistant)))
	require.NoError(t, r.Broadcast(context.Background(), "s1", msg("u1", chat.RoleUser)))
	require.Equal(t, "a1", e.LastAssistantID())
}

func TestRegistry_DetachCountsRemaining(t *testing.T) {
	r := New(nil)
	_, err := r.Create("s1", testutil.NewFakeProcess("s1"), nil)
	require.NoError(t, err)
	for i := range 3 {
		require.NoError(t, r.Attach("s1", testutil.NewRecorder(fmt.Sprintf("c%d", i))))
	}

	n, err := r.Detach("s1", "c0")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = r.Detach("s1", "c0")
	require.NoError(t, err)
	require.Equal(t, 2, n, "detaching twice is harmless")

	_, err = r.Detach("nope", "c1")
	require.ErrorIs(t, err, ErrNoEntry)
}

func TestRegistry_RemoveComparesAdapter(t *testing.T) {
	r := New(nil)
	p1 := testutil.NewFakeProcess("s1")
	_, err := r.Create("s1", p1, nil)
	require.NoError(t, err)

	require.False(t, r.Remove("s1", testutil.NewFakeProcess("s1")), "stale adapter must not remove")
	require.True(t, r.Remove("s1", p1))
	require.False(t, r.Remove("s1", p1))

	_, ok := r.Get("s1")
	require.False(t, ok)
	require.ErrorIs(t, r.Broadcast(context.Background(), "s1", msg("m", chat.RoleUser)), ErrNoEntry)
}

func TestRegistry_AttachToRemovedEntryFails(t *testing.T) {
	r := New(nil)
	p1 := testutil.NewFakeProcess("s1")
	e, err := r.Create("s1", p1, nil)
	require.NoError(t, err)
	require.True(t, r.Remove("s1", p1))

	require.ErrorIs(t, e.attach(testutil.NewRecorder("c")), ErrNoEntry)
}

func TestRegistry_ShutdownKillsAll(t *testing.T) {
	r := New(nil)
	p1, p2 := testutil.NewFakeProcess("a"), testutil.NewFakeProcess("b")
	_, err := r.Create("a", p1, nil)
	require.NoError(t, err)
	_, err = r.Create("b", p2, nil)
	require.NoError(t, err)
	require.Len(t, r.List(), 2)

	r.Shutdown()

	require.Equal(t, 1, p1.Kills())
	require.Equal(t, 1, p2.Kills())
	require.Zero(t, r.Len())
}

// A subscriber attaching while broadcasts are in flight must see every event
// exactly once and in broadcast order.
func TestRegistry_ConcurrentAttachAndBroadcast(t *testing.T) {
	ctx := context.Background()
	r := New(nil)
	_, err := r.Create("s1", testutil.NewFakeProcess("s1"), nil)
	require.NoError(t, err)

	const total = 200
	recorders := make([]*testutil.Recorder, 10)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range total {
			require.NoError(t, r.Broadcast(ctx, "s1", msg(fmt.Sprintf("m%03d", i), chat.RoleAssistant)))
		}
	}()
	for i := range recorders {
		recorders[i] = testutil.NewRecorder(fmt.Sprintf("c%d", i))
		wg.Add(1)
		go func(rec *testutil.Recorder) {
			defer wg.Done()
			require.NoError(t, r.Attach("s1", rec))
		}(recorders[i])
	}
	wg.Wait()

	want := make([]string, total)
	for i := range want {
		want[i] = fmt.Sprintf("m%03d", i)
	}
	for _, rec := range recorders {
		require.Equal(t, want, ids(rec.Events()))
	}
}
