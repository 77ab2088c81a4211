// Package stats aggregates load test measurements from many clients and
// prints a summary with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector is safe for concurrent use.
type Collector struct {
	mu                sync.Mutex
	connectLatencies  []time.Duration
	msgLatencies      []time.Duration
	recoveryLatencies []time.Duration
	errors            int
	gaps              int
	connections       int
	backfilled        int
	startTime         time.Time
	scraper           *Scraper
}

func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper makes Report include server-side metrics.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddMsgLatency records the time from send to delivery at the peer.
func (c *Collector) AddMsgLatency(d time.Duration) {
	c.mu.Lock()
	c.msgLatencies = append(c.msgLatencies, d)
	c.mu.Unlock()
}

// AddRecovery records a reconnect: the time until the last missed message
// arrived and how many messages were backfilled.
func (c *Collector) AddRecovery(d time.Duration, backfilled int) {
	c.mu.Lock()
	c.recoveryLatencies = append(c.recoveryLatencies, d)
	c.backfilled += backfilled
	c.mu.Unlock()
}

// AddGap counts a recovery that skipped or repeated a message id.
func (c *Collector) AddGap() {
	c.mu.Lock()
	c.gaps++
	c.mu.Unlock()
}

func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

func (c *Collector) GapCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gaps
}

// Report prints the summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)

	if c.connections > 0 {
		errorRate := float64(c.errors) / float64(c.connections) * 100
		fmt.Printf("Error rate:   %.2f%%\n", errorRate)
	}

	if len(c.connectLatencies) > 0 {
		fmt.Println("\n--- Connect Latency ---")
		fmt.Println(summarize(c.connectLatencies))
	}
	if len(c.msgLatencies) > 0 {
		fmt.Println("\n--- Message Latency ---")
		fmt.Println(summarize(c.msgLatencies))
	}
	if len(c.recoveryLatencies) > 0 {
		fmt.Println("\n--- Recovery ---")
		fmt.Printf("  reconnects: %d  backfilled: %d  gaps: %d\n",
			len(c.recoveryLatencies), c.backfilled, c.gaps)
		fmt.Println(summarize(c.recoveryLatencies))
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

// summarize sorts durations in place and formats avg, p50, p95, p99 and max.
func summarize(durations []time.Duration) string {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return fmt.Sprintf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		(sum / time.Duration(n)).Round(time.Microsecond),
		percentile(durations, 0.50).Round(time.Microsecond),
		percentile(durations, 0.95).Round(time.Microsecond),
		percentile(durations, 0.99).Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
