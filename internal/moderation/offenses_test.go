package moderation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestOffenses(t *testing.T) *Offenses {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewOffenses(client)
}

func TestOffenses_MutesAtThreshold(t *testing.T) {
	o := newTestOffenses(t)
	ctx := context.Background()
	user := "test-" + uuid.NewString()
	t.Cleanup(func() { _ = o.Unmute(ctx, user) })

	for i := int64(1); i < MuteThreshold; i++ {
		count, mute, err := o.Record(ctx, user, ReasonBlocklist)
		require.NoError(t, err)
		require.Equal(t, i, count)
		require.Zero(t, mute)
	}
	left, err := o.MutedFor(ctx, user)
	require.NoError(t, err)
	require.Zero(t, left)

	count, mute, err := o.Record(ctx, user, ReasonBlocklist)
	require.NoError(t, err)
	require.Equal(t, int64(MuteThreshold), count)
	require.Equal(t, 15*time.Minute, mute)

	left, err = o.MutedFor(ctx, user)
	require.NoError(t, err)
	require.Greater(t, left, 14*time.Minute)

	require.NoError(t, o.Unmute(ctx, user))
	left, err = o.MutedFor(ctx, user)
	require.NoError(t, err)
	require.Zero(t, left)
}
