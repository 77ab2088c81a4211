package stats

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot holds the tracked server metrics at one point in time. Labelled
// counters are summed across their label values.
type snapshot struct {
	timestamp    time.Time
	connections  float64
	activeRooms  float64
	messages     float64
	sessions     float64
	backfilled   float64
	latencySum   float64
	latencyCount float64
}

func (s *snapshot) set(name string, value float64) {
	switch name {
	case "relay_connections_total":
		s.connections = value
	case "relay_active_rooms":
		s.activeRooms = value
	case "relay_messages_total":
		s.messages += value
	case "relay_sessions_total":
		s.sessions += value
	case "relay_backfill_messages_total":
		s.backfilled = value
	case "relay_message_latency_seconds_sum":
		s.latencySum = value
	case "relay_message_latency_seconds_count":
		s.latencyCount = value
	}
}

// Scraper periodically fetches the server's /metrics endpoint during a run.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot now and then every interval until ctx is done or
// Stop is called. A final snapshot is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		// The server may not be up yet.
		return
	}
	defer resp.Body.Close()

	snap := snapshot{timestamp: time.Now()}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, value, ok := parseMetricLine(scanner.Text()); ok {
			snap.set(name, value)
		}
	}
	if scanner.Err() != nil {
		return
	}

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

// parseMetricLine splits a text exposition sample into its name, without
// labels, and value. Comments and blank lines are rejected.
func parseMetricLine(line string) (string, float64, bool) {
	if line == "" || line[0] == '#' {
		return "", 0, false
	}

	name := ""
	if open := strings.IndexByte(line, '{'); open != -1 {
		closing := strings.IndexByte(line[open:], '}')
		if closing == -1 {
			return "", 0, false
		}
		name = line[:open]
		line = name + line[open+closing+1:]
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", 0, false
	}
	if name == "" {
		name = fields[0]
	}

	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints initial, final, delta and peak values for each tracked
// metric.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	rows := []struct {
		label   string
		extract func(snapshot) float64
	}{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Active Rooms", func(s snapshot) float64 { return s.activeRooms }},
		{"Messages", func(s snapshot) float64 { return s.messages }},
		{"Sessions", func(s snapshot) float64 { return s.sessions }},
		{"Backfilled", func(s snapshot) float64 { return s.backfilled }},
	}

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		initial, final := r.extract(first), r.extract(last)
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peak(snaps, r.extract))
	}

	fmt.Println()
	if n := last.latencyCount - first.latencyCount; n > 0 {
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n",
			"Relay Latency", (last.latencySum-first.latencySum)/n, n)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", "Relay Latency")
	}
}

func peak(snaps []snapshot, extract func(snapshot) float64) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		p = math.Max(p, extract(s))
	}
	return p
}
