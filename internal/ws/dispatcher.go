package ws

import (
	"github.com/rs/zerolog"

	"github.com/duet/chat-relay/internal/logging"
	"github.com/duet/chat-relay/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg any)

// MessageDispatcher routes client frames to handlers by message type. Ping
// is answered here; unparseable or unknown frames get an error frame.
// Handlers must be registered before the server starts.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      zerolog.Logger
}

func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      logging.For("dispatcher"),
	}
}

// Register associates a handler with a message type, replacing any
// previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug().Err(err).Str("conn", conn.ID).Msg("parse client frame")
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug().Str("conn", conn.ID).Str("type", msgType).Msg("unsupported message type")
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}
	handler(conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	d.reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *MessageDispatcher) reply(conn *Connection, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error().Err(err).Str("type", msgType).Msg("encode reply")
		return
	}
	if err := conn.Send(data); err != nil {
		d.log.Debug().Err(err).Str("conn", conn.ID).Str("type", msgType).Msg("send reply")
	}
}
