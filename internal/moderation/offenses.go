package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	offensePrefix = "offenses:"
	mutePrefix    = "mute:"

	// OffenseWindow is how long an author's flag count lives. The window
	// starts at the first flag and does not slide.
	OffenseWindow = 24 * time.Hour

	// MuteThreshold is the flag count within OffenseWindow that mutes an
	// author.
	MuteThreshold = 3
)

// MuteDuration is the escalating mute for an author's nth flag. Below the
// threshold it is zero.
func MuteDuration(count int64) time.Duration {
	switch {
	case count < MuteThreshold:
		return 0
	case count == MuteThreshold:
		return 15 * time.Minute
	case count == MuteThreshold+1:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// Offenses counts flags per author in Redis and mutes repeat offenders.
type Offenses struct {
	client *redis.Client
}

func NewOffenses(client *redis.Client) *Offenses {
	return &Offenses{client: client}
}

// Record counts one flag against userID and applies the mute it earns. It
// returns the flag count in the current window and the mute applied.
func (o *Offenses) Record(ctx context.Context, userID, reason string) (int64, time.Duration, error) {
	key := offensePrefix + userID

	pipe := o.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, OffenseWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("moderation: record offense: %w", err)
	}

	count := incr.Val()
	mute := MuteDuration(count)
	if mute > 0 {
		if err := o.client.Set(ctx, mutePrefix+userID, reason, mute).Err(); err != nil {
			return count, 0, fmt.Errorf("moderation: mute: %w", err)
		}
	}
	return count, mute, nil
}

// MutedFor returns how long userID stays muted, or zero.
func (o *Offenses) MutedFor(ctx context.Context, userID string) (time.Duration, error) {
	ttl, err := o.client.PTTL(ctx, mutePrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("moderation: mute ttl: %w", err)
	}
	// -2 means no key, -1 no expiry; mutes are always set with one.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Unmute lifts a mute and resets the author's count.
func (o *Offenses) Unmute(ctx context.Context, userID string) error {
	return o.client.Del(ctx, mutePrefix+userID, offensePrefix+userID).Err()
}
