// Package store persists users, rooms and messages. Two backends implement
// Store: PostgreSQL for deployments and an embedded Badger database for
// single-node runs and tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"
)

var (
	// ErrRoomExists is returned by CreateRoom when the name is already taken.
	ErrRoomExists = errors.New("store: room already exists")

	// ErrRoomFull is returned when a third distinct user would join a room.
	ErrRoomFull = errors.New("store: room already has two members")

	// ErrUsernameTaken is returned by CreateUser on a duplicate username.
	ErrUsernameTaken = errors.New("store: username already taken")

	// ErrUnknownUser is returned when a referenced user id does not exist.
	ErrUnknownUser = errors.New("store: unknown user")

	// ErrNotFound is returned by writes that target a missing room.
	ErrNotFound = errors.New("store: not found")
)

// MaxRoomMembers is the member cap of every room.
const MaxRoomMembers = 2

type User struct {
	ID        string
	Username  string
	Thumbnail string
	CreatedAt time.Time
}

// Room is a named conversation between at most two users. Members holds
// user ids in join order.
type Room struct {
	ID            int64
	Name          string
	Members       []string
	LastMessageID int64
	CreatedAt     time.Time
}

// HasMember reports whether userID belongs to the room.
func (r *Room) HasMember(userID string) bool {
	return lo.Contains(r.Members, userID)
}

// Other returns the member that is not userID. A room whose only member is
// userID yields userID.
func (r *Room) Other(userID string) string {
	for _, m := range r.Members {
		if m != userID {
			return m
		}
	}
	return userID
}

// Message is immutable once stored. ID is the per-room sequence number.
type Message struct {
	ID             int64
	RoomID         int64
	AuthorID       string
	AuthorUsername string
	Content        string
	CreatedAt      time.Time
}

// Store is the persistence contract used by the relay, the recovery
// reconciler and the HTTP API. Lookups return (nil, nil) when nothing
// matches.
type Store interface {
	CreateUser(ctx context.Context, username, thumbnail string) (*User, error)
	FindUserByID(ctx context.Context, id string) (*User, error)
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	SearchUsersByPrefix(ctx context.Context, prefix string, limit int) ([]User, error)

	CreateRoom(ctx context.Context, name string, memberIDs ...string) (*Room, error)
	FindRoomByName(ctx context.Context, name string) (*Room, error)
	AddMember(ctx context.Context, roomID int64, userID string) error
	FindRoomByMemberPair(ctx context.Context, userA, userB string) (*Room, error)
	FindRoomsForUser(ctx context.Context, userID string, limit int) ([]Room, error)

	// CreateMessage assigns the next per-room id. Ids are gap-free and a
	// message becomes visible to readers only after every lower id has.
	CreateMessage(ctx context.Context, roomID int64, authorID, content string) (*Message, error)

	// FindMessagesAfter returns every message of the room with id > afterID
	// in ascending id order.
	FindMessagesAfter(ctx context.Context, roomID int64, afterID int64) ([]Message, error)

	Ping(ctx context.Context) error
	Close() error
}

// uniqueMembers drops empty and repeated ids, keeping order.
func uniqueMembers(ids []string) []string {
	return lo.Uniq(lo.Compact(ids))
}
