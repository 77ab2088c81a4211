package moderation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duet/chat-relay/internal/relay"
)

type flagSink struct {
	rooms []string
	flags []Flag
}

func (s *flagSink) PublishFlag(roomName string, data []byte) error {
	var f Flag
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	s.rooms = append(s.rooms, roomName)
	s.flags = append(s.flags, f)
	return nil
}

func event(t *testing.T, content string) []byte {
	t.Helper()
	data, err := json.Marshal(relay.Event{
		RoomName:  "r1",
		MessageID: 7,
		AuthorID:  "u-1",
		Content:   content,
	})
	require.NoError(t, err)
	return data
}

func TestTap_PublishesFlagForFlaggedMessage(t *testing.T) {
	sink := &flagSink{}
	tap := NewTap(NewFilter(), sink, nil)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tap.now = func() time.Time { return at }

	flag := tap.Handle("chat.room.r1", event(t, "what a m0r0n"))
	require.NotNil(t, flag)
	require.Equal(t, []string{"r1"}, sink.rooms)
	require.Equal(t, Flag{
		RoomName:  "r1",
		MessageID: 7,
		AuthorID:  "u-1",
		Reason:    ReasonBlocklist,
		Term:      "moron",
		FlaggedAt: at,
	}, sink.flags[0])
}

func TestTap_IgnoresCleanAndBrokenEvents(t *testing.T) {
	sink := &flagSink{}
	tap := NewTap(NewFilter(), sink, nil)

	require.Nil(t, tap.Handle("chat.room.r1", event(t, "see you tomorrow")))
	require.Nil(t, tap.Handle("chat.room.r1", []byte("{")))
	require.Empty(t, sink.flags)
}

type countingOffenses struct {
	counts map[string]int64
}

func (c *countingOffenses) Record(_ context.Context, userID, _ string) (int64, time.Duration, error) {
	c.counts[userID]++
	n := c.counts[userID]
	return n, MuteDuration(n), nil
}

func TestTap_EscalatesRepeatOffenders(t *testing.T) {
	sink := &flagSink{}
	tap := NewTap(NewFilter(), sink, &countingOffenses{counts: map[string]int64{}})

	for i := 0; i < MuteThreshold; i++ {
		tap.Handle("chat.room.r1", event(t, "total scam"))
	}

	require.Len(t, sink.flags, MuteThreshold)
	require.Zero(t, sink.flags[0].MutedSeconds)
	last := sink.flags[MuteThreshold-1]
	require.Equal(t, int64(MuteThreshold), last.Offenses)
	require.Equal(t, int((15 * time.Minute).Seconds()), last.MutedSeconds)
}

func TestMuteDuration(t *testing.T) {
	require.Zero(t, MuteDuration(1))
	require.Zero(t, MuteDuration(MuteThreshold-1))
	require.Equal(t, 15*time.Minute, MuteDuration(MuteThreshold))
	require.Equal(t, time.Hour, MuteDuration(MuteThreshold+1))
	require.Equal(t, 24*time.Hour, MuteDuration(MuteThreshold+5))
}
