package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/duet/chat-relay/loadtest/client"
	"github.com/duet/chat-relay/loadtest/stats"
)

// runSaturate opens connections at a steady rate over the ramp period, then
// holds them and reports how many the server dropped.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8000/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *connections)

	fmt.Println("\n--- Ramp-up phase ---")
	rampStart := time.Now()
	interrupted := ramp(ctx, *connections, *rampUp, *concurrency, func(int) {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		c, err := client.New(connCtx, *url, client.Options{})
		if err != nil {
			collector.AddError()
			return
		}
		if err := c.WaitForSession(connCtx); err != nil {
			collector.AddError()
			c.Close()
			return
		}
		collector.AddConnect(c.GetMetrics().SessionLatency)

		mu.Lock()
		clients = append(clients, c)
		mu.Unlock()
	}, collector)

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	dropped := 0
	if !interrupted {
		dropped = holdOpen(ctx, clients, *hold)
	}

	fmt.Println("\n--- Cleanup ---")
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}

// ramp launches n calls of fn spread over the ramp duration with at most
// concurrency in flight, printing progress every second. It reports whether
// ctx was cancelled before every call was launched.
func ramp(ctx context.Context, n int, rampUp time.Duration, concurrency int, fn func(i int), collector *stats.Collector) bool {
	interval := rampUp / time.Duration(max(n, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [ramp] connections: %d  errors: %d\n",
					collector.ConnectionCount(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	interrupted := false
	for i := 0; i < n && !interrupted; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
		case <-ticker.C:
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				fn(i)
			}()
		}
	}

	wg.Wait()
	close(progressStop)
	progressWg.Wait()
	return interrupted
}

// holdOpen keeps clients open for d, printing liveness every five seconds,
// and returns how many the server closed in the meantime.
func holdOpen(ctx context.Context, clients []*client.Client, d time.Duration) int {
	fmt.Printf("\n--- Hold phase (%d connections, %s) ---\n", len(clients), d)

	deadline := time.After(d)
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			return countClosed(clients)
		case <-deadline:
			return countClosed(clients)
		case <-status.C:
			closed := countClosed(clients)
			fmt.Printf("  [hold] open: %d  closed by server: %d\n", len(clients)-closed, closed)
		}
	}
}

func countClosed(clients []*client.Client) int {
	closed := 0
	for _, c := range clients {
		select {
		case <-c.Done():
			closed++
		default:
		}
	}
	return closed
}
