package moderation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/duet/chat-relay/internal/logging"
	"github.com/duet/chat-relay/internal/relay"
)

// FlagPublisher receives encoded flags.
type FlagPublisher interface {
	PublishFlag(roomName string, data []byte) error
}

// OffenseRecorder counts flags per author. *Offenses implements it.
type OffenseRecorder interface {
	Record(ctx context.Context, userID, reason string) (int64, time.Duration, error)
}

const recordTimeout = 3 * time.Second

// Tap checks relayed message events and publishes a Flag for each one the
// filter flags.
type Tap struct {
	filter    *Filter
	publisher FlagPublisher
	offenses  OffenseRecorder
	log       zerolog.Logger
	now       func() time.Time
}

// NewTap builds a Tap. offenses may be nil.
func NewTap(filter *Filter, publisher FlagPublisher, offenses OffenseRecorder) *Tap {
	return &Tap{
		filter:    filter,
		publisher: publisher,
		offenses:  offenses,
		log:       logging.For("relaytap"),
		now:       time.Now,
	}
}

// Handle processes one encoded relay.Event. It returns the flag it
// published, or nil when the message is clean or undecodable.
func (t *Tap) Handle(subject string, data []byte) *Flag {
	var ev relay.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.log.Warn().Err(err).Str("subject", subject).Msg("undecodable event")
		return nil
	}

	v := t.filter.Check(ev.Content)
	if !v.Flagged {
		return nil
	}

	flag := &Flag{
		RoomName:  ev.RoomName,
		MessageID: ev.MessageID,
		AuthorID:  ev.AuthorID,
		Reason:    v.Reason,
		Term:      v.Term,
		FlaggedAt: t.now().UTC(),
	}
	if t.offenses != nil && ev.AuthorID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		count, mute, err := t.offenses.Record(ctx, ev.AuthorID, v.Reason)
		cancel()
		if err != nil {
			t.log.Warn().Err(err).Str(logging.FieldUserID, ev.AuthorID).Msg("record offense")
		}
		flag.Offenses = count
		flag.MutedSeconds = int(mute / time.Second)
	}
	t.log.Info().
		Str(logging.FieldRoom, ev.RoomName).
		Int64(logging.FieldMessageID, ev.MessageID).
		Str(logging.FieldUserID, ev.AuthorID).
		Str("reason", v.Reason).
		Str("term", v.Term).
		Int64("offenses", flag.Offenses).
		Int("muted_seconds", flag.MutedSeconds).
		Msg("message flagged")

	out, err := json.Marshal(flag)
	if err != nil {
		t.log.Error().Err(err).Msg("encode flag")
		return nil
	}
	if err := t.publisher.PublishFlag(ev.RoomName, out); err != nil {
		t.log.Warn().Err(err).Str(logging.FieldRoom, ev.RoomName).Msg("publish flag")
	}
	return flag
}
