// Package messaging wraps a NATS connection used to tap relayed room
// traffic. The relay publishes every persisted message; consumers such as
// the moderation tap subscribe to the room wildcard.
package messaging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/duet/chat-relay/internal/logging"
)

// NATS subjects.
const (
	SubjectRoom    = "chat.room"       // + .<room>
	SubjectFlagged = "moderation.flag" // + .<room>
)

var subjectToken = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// RoomSubject returns the subject a room's messages are published on.
// Characters NATS treats as separators or wildcards are replaced.
func RoomSubject(roomName string) string {
	return SubjectRoom + "." + subjectToken.Replace(roomName)
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  zerolog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "chat-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config. It returns an error
// if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	log := logging.For("nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and keeps the
// subscription for cleanup on Close.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// QueueSubscribe is Subscribe with a queue group, so that replicas of a
// consumer share the load.
func (c *NATSClient) QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject+"#"+queue] = sub
	c.mu.Unlock()
	return nil
}

// PublishRoomMessage publishes an encoded message event for roomName.
func (c *NATSClient) PublishRoomMessage(roomName string, data []byte) error {
	return c.Publish(RoomSubject(roomName), data)
}

// SubscribeRoomMessages receives the events of every room. A non-empty
// queue joins a queue group.
func (c *NATSClient) SubscribeRoomMessages(queue string, handler func(subject string, data []byte)) error {
	wrapped := func(msg *nats.Msg) { handler(msg.Subject, msg.Data) }
	if queue != "" {
		return c.QueueSubscribe(SubjectRoom+".>", queue, wrapped)
	}
	return c.Subscribe(SubjectRoom+".>", wrapped)
}

// PublishFlag publishes a moderation flag raised for roomName.
func (c *NATSClient) PublishFlag(roomName string, data []byte) error {
	return c.Publish(SubjectFlagged+"."+subjectToken.Replace(roomName), data)
}

// UnsubscribeRoomMessages drops the room wildcard subscription.
func (c *NATSClient) UnsubscribeRoomMessages(queue string) error {
	key := SubjectRoom + ".>"
	if queue != "" {
		key += "#" + queue
	}
	return c.unsubscribe(key)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("drain subscription")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("drain connection")
	}
	c.log.Info().Msg("client closed")
}

func (c *NATSClient) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
