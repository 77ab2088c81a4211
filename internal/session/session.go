// Package session models one connected client: its identity, the room it is
// joined to, and the ordered stream of message frames written to it.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotRecovering is returned by Backfill outside a recovery pass.
var ErrNotRecovering = errors.New("session: not recovering")

// Sender writes one encoded frame to the client.
type Sender interface {
	Send(data []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(data []byte) error

func (f SenderFunc) Send(data []byte) error { return f(data) }

type frame struct {
	id   int64
	data []byte
}

// Session is safe for concurrent use. All message frames pass through it so
// that live fan-out and recovery backfill never interleave out of order.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu            sync.Mutex
	out           Sender
	userID        string
	username      string
	roomName      string
	lastDelivered int64
	// Message ids are per room; lastDelivered and watermark count ids of
	// offsetRoom only.
	offsetRoom string

	// During recovery live frames are parked in pending. watermark is the
	// highest id already covered by backfill; frames at or below it are
	// duplicates.
	recovering bool
	watermark  int64
	pending    []frame
}

func New(id string, out Sender) *Session {
	return &Session{ID: id, CreatedAt: time.Now(), out: out}
}

// Restore rebuilds a parked session on a new connection. The session starts
// unjoined; the recovery pass re-attaches it to snap.RoomName.
func Restore(snap Snapshot, out Sender) *Session {
	s := New(snap.ID, out)
	s.userID = snap.UserID
	s.username = snap.Username
	s.lastDelivered = snap.LastKnownMessageID
	s.offsetRoom = snap.RoomName
	return s
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// SetIdentity records the user behind the session. Empty values leave the
// current ones untouched.
func (s *Session) SetIdentity(userID, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if userID != "" {
		s.userID = userID
	}
	if username != "" {
		s.username = username
	}
}

// RoomName returns the joined room, or "" when unjoined.
func (s *Session) RoomName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomName
}

// SetRoom is called by the registry on attach and detach. Attaching to a
// room other than the one the offsets were counted in starts them from zero.
func (s *Session) SetRoom(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomName = name
	if name != "" && name != s.offsetRoom && !s.recovering {
		s.offsetRoom = name
		s.lastDelivered = 0
		s.watermark = 0
	}
}

// LastDelivered is the highest message id of the current room written to
// the client.
func (s *Session) LastDelivered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDelivered
}

func (s *Session) Recovering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovering
}

// Send writes a control frame (session_created, errors) that carries no
// message id.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Send(data)
}

// Deliver writes a live message frame. While recovering the frame is held
// back until FinishRecovery; frames already covered by backfill are dropped.
func (s *Session) Deliver(id int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recovering {
		s.pending = append(s.pending, frame{id: id, data: data})
		return nil
	}
	if id <= s.watermark {
		return nil
	}
	return s.write(id, data)
}

// BeginRecovery starts a backfill pass for a client that has seen every
// message of roomName up to lastKnown.
func (s *Session) BeginRecovery(roomName string, lastKnown int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovering = true
	s.offsetRoom = roomName
	s.watermark = lastKnown
	s.lastDelivered = lastKnown
	s.pending = nil
}

// Backfill writes one replayed message frame. Ids at or below the watermark
// were already sent and are skipped, which makes replay idempotent.
func (s *Session) Backfill(id int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.recovering {
		return ErrNotRecovering
	}
	if id <= s.watermark {
		return nil
	}
	if err := s.write(id, data); err != nil {
		return err
	}
	s.watermark = id
	return nil
}

// Watermark is the highest id covered by the current recovery pass.
func (s *Session) Watermark() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// FinishRecovery flushes held-back live frames in id order, skipping those
// the backfill already delivered, and returns to live delivery.
func (s *Session) FinishRecovery() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.pending
	s.pending = nil
	s.recovering = false

	sort.Slice(pending, func(i, j int) bool { return pending[i].id < pending[j].id })
	for _, f := range pending {
		if f.id <= s.watermark {
			continue
		}
		if err := s.write(f.id, f.data); err != nil {
			return err
		}
	}
	return nil
}

// AbortRecovery drops held-back frames and returns to live delivery.
func (s *Session) AbortRecovery() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovering = false
	s.pending = nil
}

// Snapshot captures what is needed to resume the session later. An unjoined
// session carries no offset.
func (s *Session) Snapshot(at time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last int64
	if s.roomName != "" && s.roomName == s.offsetRoom {
		last = max(s.lastDelivered, s.watermark)
	}
	return Snapshot{
		ID:                 s.ID,
		UserID:             s.userID,
		Username:           s.username,
		RoomName:           s.roomName,
		LastKnownMessageID: last,
		DisconnectedAt:     at,
	}
}

func (s *Session) write(id int64, data []byte) error {
	if err := s.out.Send(data); err != nil {
		return err
	}
	if id > s.lastDelivered {
		s.lastDelivered = id
	}
	return nil
}
