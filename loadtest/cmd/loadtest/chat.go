package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/duet/chat-relay/internal/protocol"
	"github.com/duet/chat-relay/loadtest/client"
	"github.com/duet/chat-relay/loadtest/stats"
)

// runChat has every pair exchange stamped messages for the chat duration and
// measures delivery latency at the receiving side.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	wsURL := fs.String("url", "ws://localhost:8000/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for pair setup")
	settle := fs.Duration("settle", 500*time.Millisecond, "Wait after joining before sending")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2500*time.Millisecond, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous pair setups")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Chat test: %d pairs to %s (chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, *wsURL, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base := httpBase(*wsURL)
	t := target{
		wsURL: *wsURL,
		users: client.Users{BaseURL: base, HTTP: &http.Client{Timeout: 10 * time.Second}},
		run:   runID(),
	}

	collector := stats.NewCollector()
	scraper := stats.NewScraper(base+"/metrics", *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var sent, received, limited atomic.Int64

	fmt.Println("\n--- Pair phase ---")
	var wg sync.WaitGroup
	ramp(ctx, *pairs, *rampUp, *concurrency, func(i int) {
		setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		p, err := t.setupPair(setupCtx, i, collector)
		cancel()
		if err != nil {
			collector.AddError()
			if p != nil {
				p.close()
			}
			return
		}

		for _, u := range []*user{p.a, p.b} {
			u.conn.On(protocol.TypeMessage, func(raw json.RawMessage) {
				received.Add(1)
				if d, ok := latencyOf(raw); ok {
					collector.AddMsgLatency(d)
				}
			})
			u.conn.On(protocol.TypeRateLimited, func(json.RawMessage) { limited.Add(1) })
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.close()
			chatFor(ctx, p, *settle, *chatDuration, *msgInterval, *msgSize, &sent, collector)
		}()
	}, collector)

	fmt.Println("\n--- Chat phase ---")
	wg.Wait()
	scraper.Stop()

	fmt.Printf("\nMessages sent: %d  received: %d  rate limited: %d\n",
		sent.Load(), received.Load(), limited.Load())
	collector.Report()
}

func chatFor(ctx context.Context, p *pair, settle, d, interval time.Duration, size int, sent *atomic.Int64, collector *stats.Collector) {
	select {
	case <-time.After(settle):
	case <-ctx.Done():
		return
	}

	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
			for _, u := range []*user{p.a, p.b} {
				if err := u.conn.SendMessage(stamp(size)); err != nil {
					collector.AddError()
					return
				}
				sent.Add(1)
			}
		}
	}
}

// httpBase turns ws://host/ws into http://host.
func httpBase(wsURL string) string {
	u := strings.TrimSuffix(wsURL, "/ws")
	if rest, ok := strings.CutPrefix(u, "wss://"); ok {
		return "https://" + rest
	}
	if rest, ok := strings.CutPrefix(u, "ws://"); ok {
		return "http://" + rest
	}
	return u
}
