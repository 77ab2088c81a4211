// Package client is a WebSocket load test client for the chat relay. It
// dials with gobwas/ws, records the session token the server assigns, and
// tracks the highest message id it has seen so it can reconnect and resume.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/duet/chat-relay/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	SessionLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Backfilled       int
	Errors           int
}

// Options is the handshake presented on the upgrade URL.
type Options struct {
	UserID       string
	Username     string
	SessionID    string
	Room         string
	ServerOffset int64

	// Handlers are installed before the first frame is read, so they see
	// frames the server sends during the upgrade.
	Handlers map[string]func(json.RawMessage)
}

func (o Options) query() string {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("userId", o.UserID)
	set("username", o.Username)
	set("sessionId", o.SessionID)
	set("room", o.Room)
	if o.SessionID != "" || o.ServerOffset > 0 {
		q.Set("serverOffset", strconv.FormatInt(o.ServerOffset, 10))
	}
	return q.Encode()
}

// Client is one simulated user connection.
type Client struct {
	conn    net.Conn
	rw      io.ReadWriter // answers pings while reading
	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	resumed   bool
	lastID    int64
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)

	start     time.Time
	session   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New dials wsURL (for example ws://localhost:8000/ws) with the handshake
// in opts and starts reading frames in the background.
func New(ctx context.Context, wsURL string, opts Options) (*Client, error) {
	if q := opts.query(); q != "" {
		wsURL += "?" + q
	}

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	c := &Client{
		conn:     conn,
		lastID:   opts.ServerOffset,
		handlers: make(map[string]func(json.RawMessage)),
		start:    start,
		session:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{mu: &c.writeMu, w: conn}}
	c.metrics.ConnectLatency = time.Since(start)
	for typ, h := range opts.Handlers {
		c.handlers[typ] = h
	}

	go c.readLoop()
	return c, nil
}

// On registers the handler for a server frame type, replacing any previous
// one. Handlers run on the read goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// Join asks to attach to roomName, shared with anotherUserID.
func (c *Client) Join(roomName, anotherUserID, myID string) error {
	return c.Send(protocol.JoinMsg{
		Type:          protocol.TypeJoin,
		RoomName:      roomName,
		AnotherUserID: anotherUserID,
		MyID:          myID,
	})
}

func (c *Client) SendMessage(content string) error {
	return c.Send(protocol.ChatMsg{Type: protocol.TypeMessage, Content: content})
}

// WaitForSession blocks until session_created arrives.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.session:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before session was created")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the connection is closed or fails.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Resumed reports whether the server resumed a parked session.
func (c *Client) Resumed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumed
}

// LastMessageID is the highest message id received so far, the offset to
// present when reconnecting.
func (c *Client) LastMessageID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID
}

func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})

	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var frame struct {
			Type      string `json:"type"`
			SessionID string `json:"sessionId"`
			Resumed   bool   `json:"resumed"`
			MessageID int64  `json:"messageId"`
			Backfill  bool   `json:"backfill"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		switch frame.Type {
		case protocol.TypeSessionCreated:
			first := c.sessionID == ""
			c.sessionID = frame.SessionID
			c.resumed = frame.Resumed
			if first {
				c.metrics.SessionLatency = time.Since(c.start)
				close(c.session)
			}
		case protocol.TypeMessage:
			if frame.MessageID > c.lastID {
				c.lastID = frame.MessageID
			}
			if frame.Backfill {
				c.metrics.Backfilled++
			}
		}
		handler := c.handlers[frame.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
