package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// testStores runs fn against every backend available in this environment.
func testStores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("badger", func(t *testing.T) {
		s, err := OpenBadgerInMemory()
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
	t.Run("postgres", func(t *testing.T) {
		s := openTestPostgres(t)
		fn(t, s)
	})
}

// uniq suffixes names so Postgres runs do not collide across tests.
func uniq(name string) string {
	return name + "-" + uuid.NewString()[:8]
}

func mustUser(t *testing.T, s Store, name string) *User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), uniq(name), "")
	require.NoError(t, err)
	return u
}

func TestCreateUser_DuplicateUsername(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		name := uniq("alice")

		u, err := s.CreateUser(ctx, name, "https://img/a.png")
		require.NoError(t, err)
		require.NotEmpty(t, u.ID)

		_, err = s.CreateUser(ctx, name, "")
		require.ErrorIs(t, err, ErrUsernameTaken)

		found, err := s.FindUserByUsername(ctx, name)
		require.NoError(t, err)
		require.Equal(t, u.ID, found.ID)
		require.Equal(t, "https://img/a.png", found.Thumbnail)

		byID, err := s.FindUserByID(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, name, byID.Username)

		missing, err := s.FindUserByUsername(ctx, uniq("nobody"))
		require.NoError(t, err)
		require.Nil(t, missing)
	})
}

func TestSearchUsersByPrefix(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tag := uuid.NewString()[:6]
		for _, n := range []string{"mar", "marta", "mario", "bob"} {
			_, err := s.CreateUser(ctx, tag+n, "")
			require.NoError(t, err)
		}

		users, err := s.SearchUsersByPrefix(ctx, tag+"mar", 10)
		require.NoError(t, err)
		names := make([]string, 0, len(users))
		for _, u := range users {
			names = append(names, u.Username)
		}
		require.Equal(t, []string{tag + "mar", tag + "mario", tag + "marta"}, names)

		limited, err := s.SearchUsersByPrefix(ctx, tag+"mar", 2)
		require.NoError(t, err)
		require.Len(t, limited, 2)

		none, err := s.SearchUsersByPrefix(ctx, tag+"zzz", 10)
		require.NoError(t, err)
		require.Empty(t, none)
	})
}

func TestCreateRoom(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := mustUser(t, s, "a")
		b := mustUser(t, s, "b")
		name := uniq("r1")

		room, err := s.CreateRoom(ctx, name, a.ID, b.ID, a.ID)
		require.NoError(t, err)
		require.Equal(t, []string{a.ID, b.ID}, room.Members)

		_, err = s.CreateRoom(ctx, name, a.ID)
		require.ErrorIs(t, err, ErrRoomExists)

		found, err := s.FindRoomByName(ctx, name)
		require.NoError(t, err)
		require.Equal(t, room.ID, found.ID)
		require.ElementsMatch(t, []string{a.ID, b.ID}, found.Members)

		missing, err := s.FindRoomByName(ctx, uniq("nope"))
		require.NoError(t, err)
		require.Nil(t, missing)

		_, err = s.CreateRoom(ctx, uniq("ghost"), a.ID, uuid.NewString())
		require.ErrorIs(t, err, ErrUnknownUser)
	})
}

func TestAddMember_CapsAtTwo(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := mustUser(t, s, "a")
		b := mustUser(t, s, "b")
		c := mustUser(t, s, "c")

		room, err := s.CreateRoom(ctx, uniq("cap"), a.ID)
		require.NoError(t, err)

		require.NoError(t, s.AddMember(ctx, room.ID, b.ID))
		require.NoError(t, s.AddMember(ctx, room.ID, b.ID), "re-adding a member is a no-op")
		require.ErrorIs(t, s.AddMember(ctx, room.ID, c.ID), ErrRoomFull)
		require.ErrorIs(t, s.AddMember(ctx, room.ID+1_000_000, c.ID), ErrNotFound)

		found, err := s.FindRoomByName(ctx, room.Name)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{a.ID, b.ID}, found.Members)
	})
}

func TestAddMember_ConcurrentJoinersNeverExceedCap(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		owner := mustUser(t, s, "owner")
		room, err := s.CreateRoom(ctx, uniq("race"), owner.ID)
		require.NoError(t, err)

		const joiners = 8
		users := make([]*User, joiners)
		for i := range users {
			users[i] = mustUser(t, s, fmt.Sprintf("j%d", i))
		}

		var wg sync.WaitGroup
		errs := make([]error, joiners)
		for i := range users {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.AddMember(ctx, room.ID, users[i].ID)
			}(i)
		}
		wg.Wait()

		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			require.ErrorIs(t, err, ErrRoomFull)
		}
		require.Equal(t, 1, ok)

		found, err := s.FindRoomByName(ctx, room.Name)
		require.NoError(t, err)
		require.Len(t, found.Members, MaxRoomMembers)
	})
}

func TestFindRoomByMemberPair(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := mustUser(t, s, "a")
		b := mustUser(t, s, "b")
		c := mustUser(t, s, "c")

		self, err := s.CreateRoom(ctx, uniq("self"), a.ID)
		require.NoError(t, err)
		pair, err := s.CreateRoom(ctx, uniq("pair"), a.ID, b.ID)
		require.NoError(t, err)

		got, err := s.FindRoomByMemberPair(ctx, a.ID, b.ID)
		require.NoError(t, err)
		require.Equal(t, pair.ID, got.ID)

		got, err = s.FindRoomByMemberPair(ctx, b.ID, a.ID)
		require.NoError(t, err)
		require.Equal(t, pair.ID, got.ID)

		got, err = s.FindRoomByMemberPair(ctx, a.ID, a.ID)
		require.NoError(t, err)
		require.Equal(t, self.ID, got.ID)

		got, err = s.FindRoomByMemberPair(ctx, a.ID, c.ID)
		require.NoError(t, err)
		require.Nil(t, got)
	})
}

func TestFindRoomsForUser(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := mustUser(t, s, "a")
		b := mustUser(t, s, "b")

		var ids []int64
		for i := 0; i < 3; i++ {
			r, err := s.CreateRoom(ctx, uniq(fmt.Sprintf("room%d", i)), a.ID, b.ID)
			require.NoError(t, err)
			ids = append(ids, r.ID)
		}

		rooms, err := s.FindRoomsForUser(ctx, a.ID, 2)
		require.NoError(t, err)
		require.Len(t, rooms, 2)
		require.Equal(t, ids[2], rooms[0].ID)
		require.Equal(t, ids[1], rooms[1].ID)
		require.ElementsMatch(t, []string{a.ID, b.ID}, rooms[0].Members)
	})
}

func TestCreateMessage_SequentialIDsPerRoom(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := mustUser(t, s, "a")
		r1, err := s.CreateRoom(ctx, uniq("r1"), a.ID)
		require.NoError(t, err)
		r2, err := s.CreateRoom(ctx, uniq("r2"), a.ID)
		require.NoError(t, err)

		for i, content := range []string{"hi", "there", "you"} {
			m, err := s.CreateMessage(ctx, r1.ID, a.ID, content)
			require.NoError(t, err)
			require.Equal(t, int64(i+1), m.ID)
			require.Equal(t, a.Username, m.AuthorUsername)
		}

		m, err := s.CreateMessage(ctx, r2.ID, a.ID, "other room")
		require.NoError(t, err)
		require.Equal(t, int64(1), m.ID)

		_, err = s.CreateMessage(ctx, r1.ID, uuid.NewString(), "ghost")
		require.ErrorIs(t, err, ErrUnknownUser)
		_, err = s.CreateMessage(ctx, r1.ID+1_000_000, a.ID, "nowhere")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFindMessagesAfter(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := mustUser(t, s, "a")
		room, err := s.CreateRoom(ctx, uniq("r1"), a.ID)
		require.NoError(t, err)

		for _, c := range []string{"hi", "there", "you"} {
			_, err := s.CreateMessage(ctx, room.ID, a.ID, c)
			require.NoError(t, err)
		}

		msgs, err := s.FindMessagesAfter(ctx, room.ID, 1)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		require.Equal(t, int64(2), msgs[0].ID)
		require.Equal(t, "there", msgs[0].Content)
		require.Equal(t, int64(3), msgs[1].ID)
		require.Equal(t, "you", msgs[1].Content)
		require.Equal(t, a.Username, msgs[1].AuthorUsername)

		all, err := s.FindMessagesAfter(ctx, room.ID, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)

		none, err := s.FindMessagesAfter(ctx, room.ID, 3)
		require.NoError(t, err)
		require.Empty(t, none)
	})
}

func TestCreateMessage_ConcurrentSendsGetDistinctIDs(t *testing.T) {
	testStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := mustUser(t, s, "a")
		room, err := s.CreateRoom(ctx, uniq("busy"), a.ID)
		require.NoError(t, err)

		const n = 40
		ids := make([]int64, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				m, err := s.CreateMessage(ctx, room.ID, a.ID, fmt.Sprintf("m%d", i))
				if err == nil {
					ids[i] = m.ID
				}
			}(i)
		}
		wg.Wait()

		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for i, id := range ids {
			require.Equal(t, int64(i+1), id)
		}

		msgs, err := s.FindMessagesAfter(ctx, room.ID, 0)
		require.NoError(t, err)
		require.Len(t, msgs, n)
	})
}
