// Package registry tracks which sessions are attached to which room and
// fans live messages out to them. Room membership itself is durable and
// lives in the store; the registry only holds the in-memory attachment.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/duet/chat-relay/internal/logging"
	"github.com/duet/chat-relay/internal/metrics"
	"github.com/duet/chat-relay/internal/session"
	"github.com/duet/chat-relay/internal/store"
)

// ErrMissingRoomName is returned by Join for an empty room name.
var ErrMissingRoomName = errors.New("registry: room name is required")

// group is the set of sessions attached to one room. A dead group has been
// unlinked from the registry and must not gain members.
type group struct {
	mu      sync.RWMutex
	members map[string]*session.Session
	dead    bool
}

// Registry is safe for concurrent use. The registry lock guards only the
// name -> group map; each group has its own lock.
type Registry struct {
	store store.Store
	log   zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*group
}

func New(st store.Store) *Registry {
	return &Registry{
		store: st,
		log:   logging.For("registry"),
		rooms: make(map[string]*group),
	}
}

// Join makes sure the durable room exists with both users as members, then
// attaches the session to it. On any error the session is left unjoined.
func (r *Registry) Join(ctx context.Context, sess *session.Session, roomName, anotherUserID string) error {
	if roomName == "" {
		return ErrMissingRoomName
	}
	userID := sess.UserID()

	room, created, err := r.findOrCreate(ctx, roomName, userID, anotherUserID)
	if err != nil {
		metrics.JoinsTotal.WithLabelValues("error").Inc()
		return err
	}

	if !created {
		for _, id := range lo.Uniq(lo.Compact([]string{anotherUserID, userID})) {
			if room.HasMember(id) {
				continue
			}
			if err := r.store.AddMember(ctx, room.ID, id); err != nil {
				if errors.Is(err, store.ErrRoomFull) {
					metrics.JoinsTotal.WithLabelValues("full").Inc()
				} else {
					metrics.JoinsTotal.WithLabelValues("error").Inc()
				}
				return fmt.Errorf("registry: add member %s to %q: %w", id, roomName, err)
			}
		}
	}

	r.Attach(sess, roomName)

	if created {
		metrics.JoinsTotal.WithLabelValues("created").Inc()
	} else {
		metrics.JoinsTotal.WithLabelValues("joined").Inc()
	}
	r.log.Debug().
		Str(logging.FieldSession, sess.ID).
		Str(logging.FieldRoom, roomName).
		Bool("created", created).
		Msg("session joined room")
	return nil
}

func (r *Registry) findOrCreate(ctx context.Context, roomName, userID, anotherUserID string) (*store.Room, bool, error) {
	room, err := r.store.FindRoomByName(ctx, roomName)
	if err != nil {
		return nil, false, fmt.Errorf("registry: find room %q: %w", roomName, err)
	}
	if room != nil {
		return room, false, nil
	}

	room, err = r.store.CreateRoom(ctx, roomName, userID, anotherUserID)
	if err == nil {
		return room, true, nil
	}
	if !errors.Is(err, store.ErrRoomExists) {
		return nil, false, fmt.Errorf("registry: create room %q: %w", roomName, err)
	}

	// Lost a creation race; the winner's room is now visible.
	room, err = r.store.FindRoomByName(ctx, roomName)
	if err != nil {
		return nil, false, fmt.Errorf("registry: find room %q: %w", roomName, err)
	}
	if room == nil {
		return nil, false, fmt.Errorf("registry: room %q vanished after create conflict", roomName)
	}
	return room, false, nil
}

// Attach adds the session to the room's group, detaching it from any other
// room first.
func (r *Registry) Attach(sess *session.Session, roomName string) {
	if prev := sess.RoomName(); prev != "" && prev != roomName {
		r.detach(sess, prev)
	}
	// Offsets are rescoped before the group can deliver to the session.
	sess.SetRoom(roomName)

	for {
		g := r.group(roomName)
		g.mu.Lock()
		if g.dead {
			g.mu.Unlock()
			continue
		}
		g.members[sess.ID] = sess
		g.mu.Unlock()
		break
	}
}

// Leave detaches the session from its room. It is a no-op for an unjoined
// session.
func (r *Registry) Leave(sess *session.Session) {
	roomName := sess.RoomName()
	if roomName == "" {
		return
	}
	r.detach(sess, roomName)
	sess.SetRoom("")
}

// Broadcast delivers a message frame to every session attached to the room
// except the one with exceptID. It returns the number of sessions the frame
// was handed to.
func (r *Registry) Broadcast(roomName, exceptID string, messageID int64, data []byte) int {
	r.mu.Lock()
	g := r.rooms[roomName]
	r.mu.Unlock()
	if g == nil {
		return 0
	}

	g.mu.RLock()
	targets := make([]*session.Session, 0, len(g.members))
	for id, s := range g.members {
		if id != exceptID {
			targets = append(targets, s)
		}
	}
	g.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.Deliver(messageID, data); err != nil {
			r.log.Debug().Err(err).
				Str(logging.FieldSession, s.ID).
				Str(logging.FieldRoom, roomName).
				Int64(logging.FieldMessageID, messageID).
				Msg("fan-out write failed")
			continue
		}
		delivered++
	}
	return delivered
}

// Members returns the ids of sessions attached to the room.
func (r *Registry) Members(roomName string) []string {
	r.mu.Lock()
	g := r.rooms[roomName]
	r.mu.Unlock()
	if g == nil {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	return lo.Keys(g.members)
}

// RoomCount returns the number of rooms with attached sessions.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) group(roomName string) *group {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.rooms[roomName]
	if !ok {
		g = &group{members: make(map[string]*session.Session)}
		r.rooms[roomName] = g
		metrics.ActiveRooms.Set(float64(len(r.rooms)))
	}
	return g
}

func (r *Registry) detach(sess *session.Session, roomName string) {
	r.mu.Lock()
	g := r.rooms[roomName]
	r.mu.Unlock()
	if g == nil {
		return
	}

	g.mu.Lock()
	if g.members[sess.ID] == sess {
		delete(g.members, sess.ID)
	}
	empty := len(g.members) == 0
	g.mu.Unlock()

	if empty {
		r.reap(roomName, g)
	}
}

// reap unlinks an empty group. Lock order is registry then group.
func (r *Registry) reap(roomName string, g *group) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.members) > 0 || r.rooms[roomName] != g {
		return
	}
	g.dead = true
	delete(r.rooms, roomName)
	metrics.ActiveRooms.Set(float64(len(r.rooms)))
}
