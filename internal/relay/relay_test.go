package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/duet/chat-relay/internal/protocol"
	"github.com/duet/chat-relay/internal/registry"
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

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	fail   error
}

func (p *recordingPublisher) PublishRoomMessage(roomName string, data []byte) error {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.fail
}

type fixture struct {
	store  store.Store
	reg    *registry.Registry
	alice  *session.Session
	bob    *session.Session
	outA   *sink
	outB   *sink
	aliceU *store.User
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenBadgerInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	a, err := st.CreateUser(ctx, "alice", "")
	require.NoError(t, err)
	b, err := st.CreateUser(ctx, "bob", "")
	require.NoError(t, err)

	f := &fixture{store: st, reg: registry.New(st), outA: &sink{}, outB: &sink{}, aliceU: a}
	f.alice = session.New(uuid.NewString(), f.outA)
	f.alice.SetIdentity(a.ID, a.Username)
	f.bob = session.New(uuid.NewString(), f.outB)
	f.bob.SetIdentity(b.ID, b.Username)
	return f
}

func (f *fixture) joinBoth(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.reg.Join(ctx, f.alice, "r1", f.bob.UserID()))
	require.NoError(t, f.reg.Join(ctx, f.bob, "r1", f.alice.UserID()))
}

func TestSend_DeliversToOtherMemberOnly(t *testing.T) {
	f := setup(t)
	f.joinBoth(t)
	pub := &recordingPublisher{}
	r := New(f.store, f.reg, pub)

	msg, err := r.Send(context.Background(), f.alice, "hi")
	require.NoError(t, err)
	require.Equal(t, int64(1), msg.ID)

	require.Empty(t, f.outA.got())
	require.Equal(t, []protocol.ServerChatMsg{{
		Type:           protocol.TypeMessage,
		Content:        "hi",
		MessageID:      1,
		AuthorUsername: "alice",
	}}, f.outB.got())

	require.Len(t, pub.events, 1)
	require.Equal(t, "r1", pub.events[0].RoomName)
	require.Equal(t, f.aliceU.ID, pub.events[0].AuthorID)
}

func TestSend_UnjoinedIsNoop(t *testing.T) {
	f := setup(t)
	r := New(f.store, f.reg, nil)

	_, err := r.Send(context.Background(), f.alice, "hello?")
	require.ErrorIs(t, err, ErrNotJoined)

	rooms, err := f.store.FindRoomsForUser(context.Background(), f.aliceU.ID, 10)
	require.NoError(t, err)
	require.Empty(t, rooms)
}

func TestSend_UnresolvedRoomIsDropped(t *testing.T) {
	f := setup(t)
	r := New(f.store, f.reg, nil)

	// Attached in memory only; the durable room does not exist.
	f.reg.Attach(f.alice, "ghost")
	f.reg.Attach(f.bob, "ghost")

	_, err := r.Send(context.Background(), f.alice, "anyone?")
	require.ErrorIs(t, err, ErrRoomNotFound)
	require.Empty(t, f.outB.got())
}

func TestSend_PublisherFailureDoesNotFailSend(t *testing.T) {
	f := setup(t)
	f.joinBoth(t)
	r := New(f.store, f.reg, &recordingPublisher{fail: errors.New("nats down")})

	msg, err := r.Send(context.Background(), f.alice, "still here")
	require.NoError(t, err)
	require.Equal(t, int64(1), msg.ID)
	require.Len(t, f.outB.got(), 1)
}

func TestSend_ConcurrentSendsGetDistinctIncreasingIDs(t *testing.T) {
	f := setup(t)
	f.joinBoth(t)
	r := New(f.store, f.reg, nil)

	const n = 30
	var wg sync.WaitGroup
	ids := make([]int64, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := f.alice
			if i%2 == 1 {
				sender = f.bob
			}
			msg, err := r.Send(context.Background(), sender, fmt.Sprintf("m%d", i))
			errs[i] = err
			if err == nil {
				ids[i] = msg.ID
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		require.Equal(t, int64(i+1), id)
	}

	// Each side receives exactly the other side's messages.
	require.Len(t, f.outA.got(), n/2)
	require.Len(t, f.outB.got(), n/2)
}

func TestFrame_Backfill(t *testing.T) {
	data, err := Frame(store.Message{ID: 7, Content: "x", AuthorUsername: "bob"}, true)
	require.NoError(t, err)

	var m protocol.ServerChatMsg
	require.NoError(t, json.Unmarshal(data, &m))
	require.True(t, m.Backfill)
	require.Equal(t, int64(7), m.MessageID)
}
