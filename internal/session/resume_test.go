package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ParkClaim(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	snap := Snapshot{ID: "s1", UserID: "u-a", RoomName: "r1", LastKnownMessageID: 3}
	require.NoError(t, m.Park(ctx, snap, time.Minute))
	require.Equal(t, 1, m.Len())

	got, err := m.Claim(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, snap, *got)

	again, err := m.Claim(ctx, "s1")
	require.NoError(t, err)
	require.Nil(t, again, "a snapshot is claimed once")
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Park(ctx, Snapshot{ID: "s1"}, 60*time.Second))

	now = now.Add(59 * time.Second)
	require.Equal(t, 1, m.Len())

	now = now.Add(time.Second)
	got, err := m.Claim(ctx, "s1")
	require.NoError(t, err)
	require.Nil(t, got)
	require.Zero(t, m.Len())
}

func TestMemoryStore_ConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.Park(ctx, Snapshot{ID: "s1"}, time.Minute))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if snap, _ := m.Claim(ctx, "s1"); snap != nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

// redisTestStore skips the test if Redis is not available on localhost.
func redisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available: %v", err)
	}
	s := NewRedisStore(client, "test")
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisStore_ParkClaim(t *testing.T) {
	s := redisTestStore(t)
	ctx := context.Background()

	snap := Snapshot{
		ID:                 uuid.NewString(),
		UserID:             "u-a",
		Username:           "alice",
		RoomName:           "r1",
		LastKnownMessageID: 42,
		DisconnectedAt:     time.Unix(1700000000, 0),
	}
	require.NoError(t, s.Park(ctx, snap, time.Minute))

	ttl, err := s.Client().TTL(ctx, ResumePrefix+snap.ID).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, 50*time.Second)

	got, err := s.Claim(ctx, snap.ID)
	require.NoError(t, err)
	require.Equal(t, snap.UserID, got.UserID)
	require.Equal(t, snap.Username, got.Username)
	require.Equal(t, snap.RoomName, got.RoomName)
	require.Equal(t, snap.LastKnownMessageID, got.LastKnownMessageID)
	require.True(t, snap.DisconnectedAt.Equal(got.DisconnectedAt))

	again, err := s.Claim(ctx, snap.ID)
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestRedisStore_ClaimMissing(t *testing.T) {
	s := redisTestStore(t)
	got, err := s.Claim(context.Background(), uuid.NewString())
	require.NoError(t, err)
	require.Nil(t, got)
}
