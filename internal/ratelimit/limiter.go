// Package ratelimit throttles per-user actions with fixed windows. The Redis
// limiter shares counters across relay instances; the local limiter is for a
// single process without Redis.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/duet/chat-relay/internal/logging"
)

// Rule is a rate limiting policy: a key prefix, the number of actions
// allowed per window, and the window length.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// RuleMessage allows 5 chat messages per 10 seconds per user.
var RuleMessage = Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

// Decision is the result of one Allow call. RetryAfter is set when the
// action was refused.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client, log: logging.For("ratelimit")}
}

// Allow counts one action for identifier under rule. On Redis errors it
// fails open so an outage does not silence chat.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rule.Window)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("redis error, failing open")
		return Decision{Allowed: true}, err
	}

	if int(incr.Val()) <= rule.Limit {
		return Decision{Allowed: true}, nil
	}
	retry := ttl.Val()
	if retry <= 0 {
		retry = rule.Window
	}
	return Decision{RetryAfter: retry}, nil
}

// Remaining returns how many actions identifier has left in the current
// window. A missing key means the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("redis error, failing open")
		return rule.Limit, err
	}
	return max(rule.Limit-count, 0), nil
}

type window struct {
	count int
	reset time.Time
}

// LocalLimiter keeps fixed windows in process memory.
type LocalLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{windows: make(map[string]*window), now: time.Now}
}

func (l *LocalLimiter) Allow(_ context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.reset) {
		if len(l.windows) > 1024 {
			l.sweep(now)
		}
		w = &window{reset: now.Add(rule.Window)}
		l.windows[key] = w
	}
	w.count++
	if w.count <= rule.Limit {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: w.reset.Sub(now)}, nil
}

func (l *LocalLimiter) sweep(now time.Time) {
	for k, w := range l.windows {
		if !now.Before(w.reset) {
			delete(l.windows, k)
		}
	}
}
