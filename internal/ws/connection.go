package ws

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one upgraded WebSocket client. Reads happen on one worker
// at a time; writes are serialized by writeMu.
type Connection struct {
	ID        string    // connection id (UUID), not the chat session id
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the connection was established

	// reader wraps Conn. It may hold bytes the client sent right after the
	// handshake, so all frame reads go through it.
	reader *bufio.Reader

	fd           int // epoll registration, -1 when unregistered
	writeTimeout time.Duration
	writeMu      sync.Mutex
	lastSeen     atomic.Int64 // unix nanos of the last frame read
	processing   atomic.Bool  // set while a worker reads this connection
}

func newConnection(id string, conn net.Conn, rd *bufio.Reader, writeTimeout time.Duration) *Connection {
	if rd == nil {
		rd = bufio.NewReader(conn)
	}
	c := &Connection{
		ID:           id,
		Conn:         conn,
		CreatedAt:    time.Now(),
		reader:       rd,
		fd:           -1,
		writeTimeout: writeTimeout,
	}
	c.touch()
	return c
}

// Send writes a text frame. It implements session.Sender.
func (c *Connection) Send(data []byte) error {
	return c.writeFrame(ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.OpPing, nil)
}

func (c *Connection) writeFrame(op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, op, data)
}

// LastSeen is when the last frame, data or control, was read.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections by id.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove drops the connection and closes it. It reports whether the
// connection was still registered, so concurrent removals clean up once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of the current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
