package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResumePrefix is the Redis key prefix for parked sessions.
const ResumePrefix = "resume:"

// claimLua reads and deletes a parked session in one step so two racing
// reconnects cannot both resume it.
const claimLua = `
local fields = redis.call('HGETALL', KEYS[1])
if #fields == 0 then
  return nil
end
redis.call('DEL', KEYS[1])
return fields
`

// RedisStore parks snapshots as Redis hashes that expire with the grace
// window.
type RedisStore struct {
	client      *redis.Client
	serverName  string
	claimScript *redis.Script
}

// NewRedisStore wraps an already connected client. serverName records which
// relay instance parked the session.
func NewRedisStore(client *redis.Client, serverName string) *RedisStore {
	return &RedisStore{
		client:      client,
		serverName:  serverName,
		claimScript: redis.NewScript(claimLua),
	}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

func (s *RedisStore) Park(ctx context.Context, snap Snapshot, ttl time.Duration) error {
	key := ResumePrefix + snap.ID

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":              snap.ID,
		"user_id":         snap.UserID,
		"username":        snap.Username,
		"room":            snap.RoomName,
		"last_known":      snap.LastKnownMessageID,
		"disconnected_at": snap.DisconnectedAt.Unix(),
		"server":          s.serverName,
	})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: park %s: %w", snap.ID, err)
	}
	return nil
}

func (s *RedisStore) Claim(ctx context.Context, id string) (*Snapshot, error) {
	res, err := s.claimScript.Run(ctx, s.client, []string{ResumePrefix + id}).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: claim %s: %w", id, err)
	}

	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	if fields["id"] == "" {
		return nil, nil
	}

	snap := &Snapshot{
		ID:       fields["id"],
		UserID:   fields["user_id"],
		Username: fields["username"],
		RoomName: fields["room"],
	}
	if v := fields["last_known"]; v != "" {
		if snap.LastKnownMessageID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("session: bad last_known %q: %w", v, err)
		}
	}
	if v := fields["disconnected_at"]; v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			snap.DisconnectedAt = time.Unix(sec, 0)
		}
	}
	return snap, nil
}

// Close closes the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
