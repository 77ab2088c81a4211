package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"relay_connections_total 42", "relay_connections_total", 42, true},
		{`relay_messages_total{type="sent"} 7`, "relay_messages_total", 7, true},
		{`relay_sessions_total{kind="resumed"} 3 1700000000000`, "relay_sessions_total", 3, true},
		{"# HELP relay_active_rooms rooms", "", 0, false},
		{"", "", 0, false},
		{`broken{type="x" 1`, "", 0, false},
		{"relay_active_rooms NaNish", "", 0, false},
	}
	for _, tt := range tests {
		name, value, ok := parseMetricLine(tt.line)
		require.Equal(t, tt.ok, ok, tt.line)
		if tt.ok {
			require.Equal(t, tt.name, name)
			require.Equal(t, tt.value, value)
		}
	}
}

func TestSnapshot_SumsLabelledCounters(t *testing.T) {
	var s snapshot
	s.set("relay_messages_total", 5)
	s.set("relay_messages_total", 2)
	s.set("relay_connections_total", 9)
	s.set("relay_connections_total", 4)
	require.Equal(t, float64(7), s.messages)
	require.Equal(t, float64(4), s.connections)
}

func TestPercentile(t *testing.T) {
	var ds []time.Duration
	for i := 1; i <= 100; i++ {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	require.Equal(t, 50*time.Millisecond, percentile(ds, 0.50))
	require.Equal(t, 95*time.Millisecond, percentile(ds, 0.95))
	require.Equal(t, 99*time.Millisecond, percentile(ds, 0.99))
	require.Equal(t, time.Millisecond, percentile(ds[:1], 0.99))
}

func TestCollector_Counts(t *testing.T) {
	c := NewCollector()
	c.AddConnect(time.Millisecond)
	c.AddConnect(2 * time.Millisecond)
	c.AddError()
	c.AddGap()
	c.AddRecovery(time.Millisecond, 3)

	require.Equal(t, 2, c.ConnectionCount())
	require.Equal(t, 1, c.ErrorCount())
	require.Equal(t, 1, c.GapCount())
}
