// Package relay persists inbound chat messages and fans them out to the
// other sessions of the room.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/duet/chat-relay/internal/logging"
	"github.com/duet/chat-relay/internal/metrics"
	"github.com/duet/chat-relay/internal/protocol"
	"github.com/duet/chat-relay/internal/session"
	"github.com/duet/chat-relay/internal/store"
)

var (
	// ErrNotJoined is returned when the sending session has no room.
	ErrNotJoined = errors.New("relay: session has not joined a room")

	// ErrRoomNotFound is returned when the session's room no longer resolves.
	ErrRoomNotFound = errors.New("relay: room not found")
)

// Fanout delivers an encoded frame to a room's sessions except one.
type Fanout interface {
	Broadcast(roomName, exceptID string, messageID int64, data []byte) int
}

// Publisher receives every persisted message. It is optional.
type Publisher interface {
	PublishRoomMessage(roomName string, data []byte) error
}

// Event is the payload handed to the Publisher.
type Event struct {
	RoomName       string    `json:"roomName"`
	MessageID      int64     `json:"messageId"`
	AuthorID       string    `json:"authorId"`
	AuthorUsername string    `json:"authorUsername"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Relay struct {
	store     store.Store
	fanout    Fanout
	publisher Publisher
	log       zerolog.Logger
}

// New builds a Relay. publisher may be nil.
func New(st store.Store, fanout Fanout, publisher Publisher) *Relay {
	return &Relay{
		store:     st,
		fanout:    fanout,
		publisher: publisher,
		log:       logging.For("relay"),
	}
}

// Send persists content as a message of the session's room and delivers it
// to the other attached sessions. A returned message means it was persisted;
// delivery is best effort.
func (r *Relay) Send(ctx context.Context, sess *session.Session, content string) (*store.Message, error) {
	start := time.Now()

	roomName := sess.RoomName()
	if roomName == "" {
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return nil, ErrNotJoined
	}

	room, err := r.store.FindRoomByName(ctx, roomName)
	if err != nil {
		return nil, fmt.Errorf("relay: find room %q: %w", roomName, err)
	}
	if room == nil {
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return nil, ErrRoomNotFound
	}

	msg, err := r.store.CreateMessage(ctx, room.ID, sess.UserID(), content)
	if err != nil {
		return nil, fmt.Errorf("relay: persist message in %q: %w", roomName, err)
	}

	data, err := Frame(*msg, false)
	if err != nil {
		return msg, err
	}
	delivered := r.fanout.Broadcast(roomName, sess.ID, msg.ID, data)

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())

	r.publish(roomName, msg)

	r.log.Debug().
		Str(logging.FieldSession, sess.ID).
		Str(logging.FieldRoom, roomName).
		Int64(logging.FieldMessageID, msg.ID).
		Int("delivered", delivered).
		Msg("message relayed")
	return msg, nil
}

func (r *Relay) publish(roomName string, msg *store.Message) {
	if r.publisher == nil {
		return
	}
	data, err := json.Marshal(Event{
		RoomName:       roomName,
		MessageID:      msg.ID,
		AuthorID:       msg.AuthorID,
		AuthorUsername: msg.AuthorUsername,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	})
	if err != nil {
		r.log.Error().Err(err).Msg("encode message event")
		return
	}
	if err := r.publisher.PublishRoomMessage(roomName, data); err != nil {
		r.log.Warn().Err(err).Str(logging.FieldRoom, roomName).Msg("publish message event")
	}
}

// Frame encodes a stored message as the server "message" frame.
func Frame(msg store.Message, backfill bool) ([]byte, error) {
	data, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerChatMsg{
		Content:        msg.Content,
		MessageID:      msg.ID,
		AuthorUsername: msg.AuthorUsername,
		Backfill:       backfill,
	})
	if err != nil {
		return nil, fmt.Errorf("relay: encode message %d: %w", msg.ID, err)
	}
	return data, nil
}
