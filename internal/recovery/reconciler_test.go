package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/duet/chat-relay/internal/protocol"
	"github.com/duet/chat-relay/internal/registry"
	"github.com/duet/chat-relay/internal/relay"
	"github.com/duet/chat-relay/internal/session"
	"github.com/duet/chat-relay/internal/store"
)

type sink struct {
	mu     sync.Mutex
	frames []protocol.ServerChatMsg
}

func (s *sink) Send(data []byte) error {
	var m protocol.ServerChatMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, m)
	return nil
}

func (s *sink) got() []protocol.ServerChatMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ServerChatMsg(nil), s.frames...)
}

func (s *sink) contents() []string {
	var out []string
	for _, m := range s.got() {
		out = append(out, m.Content)
	}
	return out
}

func (s *sink) ids() []int64 {
	var out []int64
	for _, m := range s.got() {
		out = append(out, m.MessageID)
	}
	return out
}

type harness struct {
	store store.Store
	reg   *registry.Registry
	relay *relay.Relay
	rec   *Reconciler
	alice *store.User
	bob   *store.User
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenBadgerInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	a, err := st.CreateUser(ctx, "alice", "")
	require.NoError(t, err)
	b, err := st.CreateUser(ctx, "bob", "")
	require.NoError(t, err)

	reg := registry.New(st)
	return &harness{
		store: st,
		reg:   reg,
		relay: relay.New(st, reg, nil),
		rec:   New(st, reg),
		alice: a,
		bob:   b,
	}
}

func (h *harness) connect(u *store.User) (*session.Session, *sink) {
	out := &sink{}
	s := session.New(uuid.NewString(), out)
	s.SetIdentity(u.ID, u.Username)
	return s, out
}

// reconnect restores a parked session onto a fresh sink.
func reconnect(prev *session.Session) (*session.Session, *sink) {
	out := &sink{}
	return session.Restore(prev.Snapshot(prev.CreatedAt), out), out
}

func TestResume_ReplaysMissedMessagesThenGoesLive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a, _ := h.connect(h.alice)
	b, outB := h.connect(h.bob)
	require.NoError(t, h.reg.Join(ctx, a, "r1", h.bob.ID))
	require.NoError(t, h.reg.Join(ctx, b, "r1", h.alice.ID))

	_, err := h.relay.Send(ctx, a, "hi")
	require.NoError(t, err)
	require.Equal(t, []string{"hi"}, outB.contents())

	// B drops; its session is detached.
	h.reg.Leave(b)

	_, err = h.relay.Send(ctx, a, "there")
	require.NoError(t, err)
	_, err = h.relay.Send(ctx, a, "you")
	require.NoError(t, err)

	b2, outB2 := reconnect(b)
	n, err := h.rec.Resume(ctx, b2, "r1", 1)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got := outB2.got()
	require.Len(t, got, 2)
	require.Equal(t, "there", got[0].Content)
	require.Equal(t, int64(2), got[0].MessageID)
	require.True(t, got[0].Backfill)
	require.Equal(t, "you", got[1].Content)
	require.Equal(t, int64(3), got[1].MessageID)

	require.Equal(t, "r1", b2.RoomName())
	require.False(t, b2.Recovering())

	_, err = h.relay.Send(ctx, a, "welcome back")
	require.NoError(t, err)
	got = outB2.got()
	require.Len(t, got, 3)
	require.Equal(t, int64(4), got[2].MessageID)
	require.False(t, got[2].Backfill)
}

func TestResume_IsRepeatable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a, _ := h.connect(h.alice)
	require.NoError(t, h.reg.Join(ctx, a, "r1", h.bob.ID))
	for _, c := range []string{"hi", "there", "you"} {
		_, err := h.relay.Send(ctx, a, c)
		require.NoError(t, err)
	}

	b, _ := h.connect(h.bob)
	for i := 0; i < 2; i++ {
		b2, out := reconnect(b)
		n, err := h.rec.Resume(ctx, b2, "r1", 1)
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.Equal(t, []string{"there", "you"}, out.contents())
		h.reg.Leave(b2)
	}
}

func TestResume_UpToDateClientGetsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a, _ := h.connect(h.alice)
	require.NoError(t, h.reg.Join(ctx, a, "r1", h.bob.ID))
	_, err := h.relay.Send(ctx, a, "hi")
	require.NoError(t, err)

	b, out := h.connect(h.bob)
	n, err := h.rec.Resume(ctx, b, "r1", 1)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, out.got())
	require.Equal(t, "r1", b.RoomName())
}

func TestResume_UnknownRoomIsNoop(t *testing.T) {
	h := newHarness(t)
	b, out := h.connect(h.bob)

	n, err := h.rec.Resume(context.Background(), b, "missing", 0)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, out.got())
	require.Empty(t, b.RoomName())
	require.False(t, b.Recovering())

	n, err = h.rec.Resume(context.Background(), b, "", 0)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestResume_NonMemberIsRefused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	carol, err := h.store.CreateUser(ctx, "carol", "")
	require.NoError(t, err)

	a, _ := h.connect(h.alice)
	require.NoError(t, h.reg.Join(ctx, a, "r1", h.bob.ID))
	_, err = h.relay.Send(ctx, a, "private")
	require.NoError(t, err)

	c, out := h.connect(carol)
	n, err := h.rec.Resume(ctx, c, "r1", 0)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, out.got())
	require.Empty(t, c.RoomName())
}

func TestResume_ConcurrentLiveSendsAreNeitherLostNorDuplicated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a, _ := h.connect(h.alice)
	require.NoError(t, h.reg.Join(ctx, a, "r1", h.bob.ID))
	for i := 0; i < 10; i++ {
		_, err := h.relay.Send(ctx, a, fmt.Sprintf("before-%d", i))
		require.NoError(t, err)
	}

	const live = 50
	b, out := h.connect(h.bob)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < live; i++ {
			if _, err := h.relay.Send(ctx, a, fmt.Sprintf("live-%d", i)); err != nil {
				t.Errorf("send: %v", err)
				return
			}
		}
	}()

	_, err := h.rec.Resume(ctx, b, "r1", 4)
	require.NoError(t, err)
	wg.Wait()

	ids := out.ids()
	want := make([]int64, 0, 10+live-4)
	for id := int64(5); id <= 10+live; id++ {
		want = append(want, id)
	}
	require.Equal(t, want, ids)
}

func TestResume_ThenSwitchRoomsDeliversNewRoomFromFirstID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	carol, err := h.store.CreateUser(ctx, "carol", "")
	require.NoError(t, err)

	a, _ := h.connect(h.alice)
	require.NoError(t, h.reg.Join(ctx, a, "r1", h.bob.ID))
	for _, c := range []string{"one", "two", "three"} {
		_, err := h.relay.Send(ctx, a, c)
		require.NoError(t, err)
	}

	b, outB := h.connect(h.bob)
	n, err := h.rec.Resume(ctx, b, "r1", 0)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	c, _ := h.connect(carol)
	require.NoError(t, h.reg.Join(ctx, b, "r2", carol.ID))
	require.NoError(t, h.reg.Join(ctx, c, "r2", h.bob.ID))
	_, err = h.relay.Send(ctx, c, "hello from r2")
	require.NoError(t, err)

	require.Equal(t, []string{"one", "two", "three", "hello from r2"}, outB.contents())
	require.Equal(t, []int64{1, 2, 3, 1}, outB.ids())

	snap := b.Snapshot(b.CreatedAt)
	require.Equal(t, "r2", snap.RoomName)
	require.Equal(t, int64(1), snap.LastKnownMessageID)
}

func TestResume_ParkedOffsetBelongsToCurrentRoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	carol, err := h.store.CreateUser(ctx, "carol", "")
	require.NoError(t, err)

	a, _ := h.connect(h.alice)
	b, _ := h.connect(h.bob)
	require.NoError(t, h.reg.Join(ctx, a, "r1", h.bob.ID))
	require.NoError(t, h.reg.Join(ctx, b, "r1", h.alice.ID))
	for _, c := range []string{"one", "two", "three"} {
		_, err := h.relay.Send(ctx, a, c)
		require.NoError(t, err)
	}
	require.Equal(t, int64(3), b.LastDelivered())

	c, _ := h.connect(carol)
	require.NoError(t, h.reg.Join(ctx, b, "r2", carol.ID))
	require.NoError(t, h.reg.Join(ctx, c, "r2", h.bob.ID))

	// B drops while in r2.
	snap := b.Snapshot(b.CreatedAt)
	h.reg.Leave(b)
	require.Equal(t, "r2", snap.RoomName)
	require.Zero(t, snap.LastKnownMessageID)

	_, err = h.relay.Send(ctx, c, "while you were away")
	require.NoError(t, err)

	out := &sink{}
	b2 := session.Restore(snap, out)
	n, err := h.rec.Resume(ctx, b2, snap.RoomName, snap.LastKnownMessageID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"while you were away"}, out.contents())
	require.Equal(t, []int64{1}, out.ids())
}
