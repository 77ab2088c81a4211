package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/duet/chat-relay/internal/protocol"
	"github.com/duet/chat-relay/loadtest/client"
	"github.com/duet/chat-relay/loadtest/stats"
)

// runReconnect checks recovery under load. In each pair b drops, a sends
// while b is away, and b resumes with its session token and offset. The
// backfill must carry exactly the missed ids, in order.
func runReconnect(args []string) {
	fs := flag.NewFlagSet("reconnect", flag.ExitOnError)
	wsURL := fs.String("url", "ws://localhost:8000/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for pair setup")
	settle := fs.Duration("settle", 500*time.Millisecond, "Wait after joins and disconnects")
	missed := fs.Int("missed", 3, "Messages sent while the peer is away (the server allows 5 per 10s)")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous pairs in flight")
	timeout := fs.Duration("timeout", 10*time.Second, "Per-pair timeout for the backfill to arrive")
	fs.Parse(args)

	fmt.Printf("Reconnect test: %d pairs to %s (missed=%d)\n", *pairs, *wsURL, *missed)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t := target{
		wsURL: *wsURL,
		users: client.Users{BaseURL: httpBase(*wsURL), HTTP: &http.Client{Timeout: 10 * time.Second}},
		run:   runID(),
	}
	collector := stats.NewCollector()

	ramp(ctx, *pairs, *rampUp, *concurrency, func(i int) {
		pairCtx, cancel := context.WithTimeout(ctx, *timeout+2*(*settle)+10*time.Second)
		defer cancel()

		p, err := t.setupPair(pairCtx, i, collector)
		if p != nil {
			defer p.close()
		}
		if err != nil {
			collector.AddError()
			return
		}
		if err := reconnectOnce(pairCtx, t, p, *settle, *missed, *timeout, collector); err != nil {
			collector.AddError()
		}
	}, collector)

	if gaps := collector.GapCount(); gaps > 0 {
		fmt.Printf("\nFAIL: %d recoveries skipped or repeated messages\n", gaps)
	}
	collector.Report()
}

func reconnectOnce(ctx context.Context, t target, p *pair, settle time.Duration, missed int, timeout time.Duration, collector *stats.Collector) error {
	if err := sleep(ctx, settle); err != nil {
		return err
	}

	// One live message so b holds a non-zero offset.
	if err := p.a.conn.SendMessage(stamp(0)); err != nil {
		return err
	}
	if err := waitFor(ctx, timeout, func() bool { return p.b.conn.LastMessageID() > 0 }); err != nil {
		return fmt.Errorf("live message not delivered: %w", err)
	}

	sessionID, offset := p.b.conn.SessionID(), p.b.conn.LastMessageID()
	p.b.conn.Close()
	if err := sleep(ctx, settle); err != nil {
		return err
	}

	for range missed {
		if err := p.a.conn.SendMessage(stamp(0)); err != nil {
			return err
		}
	}

	ids := make(chan int64, missed+1)
	onMessage := func(raw json.RawMessage) {
		var m struct {
			MessageID int64 `json:"messageId"`
		}
		if json.Unmarshal(raw, &m) == nil {
			select {
			case ids <- m.MessageID:
			default:
			}
		}
	}

	start := time.Now()
	c, err := client.New(ctx, t.wsURL, client.Options{
		UserID:       p.b.id,
		Username:     p.b.name,
		SessionID:    sessionID,
		Room:         p.room,
		ServerOffset: offset,
		Handlers:     map[string]func(json.RawMessage){protocol.TypeMessage: onMessage},
	})
	if err != nil {
		return err
	}
	p.b.conn = c

	if err := c.WaitForSession(ctx); err != nil {
		return err
	}
	if !c.Resumed() {
		return fmt.Errorf("session %s was not resumed", sessionID)
	}

	deadline := time.After(timeout)
	for want := offset + 1; want <= offset+int64(missed); want++ {
		select {
		case got := <-ids:
			if got != want {
				collector.AddGap()
				return fmt.Errorf("backfill: got id %d, want %d", got, want)
			}
		case <-deadline:
			collector.AddGap()
			return fmt.Errorf("backfill: timed out waiting for id %d", want)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	collector.AddRecovery(time.Since(start), c.GetMetrics().Backfilled)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitFor(ctx context.Context, timeout time.Duration, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
