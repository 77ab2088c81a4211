package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/duet/chat-relay/loadtest/client"
	"github.com/duet/chat-relay/loadtest/stats"
)

// user is a registered simulated user and its current connection.
type user struct {
	id   string
	name string
	conn *client.Client
}

// pair is two users sharing one room.
type pair struct {
	room string
	a, b *user
}

type target struct {
	wsURL string
	users client.Users
	run   string
}

func (t target) connect(ctx context.Context, u *user, opts client.Options) error {
	opts.UserID, opts.Username = u.id, u.name
	c, err := client.New(ctx, t.wsURL, opts)
	if err != nil {
		return err
	}
	if err := c.WaitForSession(ctx); err != nil {
		c.Close()
		return err
	}
	u.conn = c
	return nil
}

// setupPair registers two users, connects both and joins them to a fresh
// room. Joins are not acknowledged, so callers wait for settle before
// sending.
func (t target) setupPair(ctx context.Context, i int, collector *stats.Collector) (*pair, error) {
	p := &pair{room: fmt.Sprintf("lt-%s-%d", t.run, i)}
	for _, side := range []string{"a", "b"} {
		name := fmt.Sprintf("lt%s%d%s", t.run, i, side)
		id, err := t.users.Create(ctx, name)
		if err != nil {
			return p, err
		}
		u := &user{id: id, name: name}
		if err := t.connect(ctx, u, client.Options{}); err != nil {
			return p, err
		}
		collector.AddConnect(u.conn.GetMetrics().SessionLatency)
		if side == "a" {
			p.a = u
		} else {
			p.b = u
		}
	}

	if err := p.a.conn.Join(p.room, p.b.id, p.a.id); err != nil {
		return p, err
	}
	if err := p.b.conn.Join(p.room, p.a.id, p.b.id); err != nil {
		return p, err
	}
	return p, nil
}

func (p *pair) close() {
	for _, u := range []*user{p.a, p.b} {
		if u != nil && u.conn != nil {
			u.conn.Close()
		}
	}
}

// stamp embeds the send time so the receiver can measure latency.
func stamp(size int) string {
	s := "ts:" + strconv.FormatInt(time.Now().UnixNano(), 10) + ":"
	if pad := size - len(s); pad > 0 {
		s += strings.Repeat("x", pad)
	}
	return s
}

// latencyOf decodes a message frame and returns the time since it was
// stamped.
func latencyOf(raw json.RawMessage) (time.Duration, bool) {
	var m struct {
		Content string `json:"content"`
	}
	if json.Unmarshal(raw, &m) != nil {
		return 0, false
	}
	rest, ok := strings.CutPrefix(m.Content, "ts:")
	if !ok {
		return 0, false
	}
	ts, _, _ := strings.Cut(rest, ":")
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Since(time.Unix(0, n)), true
}
