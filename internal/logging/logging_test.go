package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		require.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestNewWithWriter_AddsServiceField(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(Config{Level: "info", Service: "relay"}, &buf)

	logger.Debug().Msg("dropped")
	logger.Info().Str(FieldRoom, "r1").Msg("joined")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "relay", entry[FieldService])
	require.Equal(t, "r1", entry[FieldRoom])
	require.Equal(t, "joined", entry["message"])
}
