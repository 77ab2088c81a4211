package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Key layout:
//
//	user:id:<id>                  -> userRecord
//	user:name:<username>          -> <id>
//	room:id:<%020d id>            -> roomRecord
//	room:name:<name>              -> <id>
//	member:<user>:<%020d room id> -> empty
//	msg:<%020d room>:<%020d id>   -> messageRecord
const (
	keyUserID     = "user:id:"
	keyUserName   = "user:name:"
	keyRoomID     = "room:id:"
	keyRoomName   = "room:name:"
	keyMember     = "member:"
	keyMessage    = "msg:"
	keyRoomSeq    = "seq:room"
	roomSeqLease  = 100
	reverseMarker = "~"
)

type userRecord struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Thumbnail string    `json:"thumbnail"`
	CreatedAt time.Time `json:"created_at"`
}

type roomRecord struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Members       []string  `json:"members"`
	LastMessageID int64     `json:"last_message_id"`
	CreatedAt     time.Time `json:"created_at"`
}

type messageRecord struct {
	ID             int64     `json:"id"`
	RoomID         int64     `json:"room_id"`
	AuthorID       string    `json:"author_id"`
	AuthorUsername string    `json:"author_username"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// BadgerStore implements Store on an embedded Badger database.
type BadgerStore struct {
	db      *badger.DB
	roomSeq *badger.Sequence

	// Message id allocation is serialized per room; conflicting
	// transactions are still retried.
	roomLocks sync.Map // int64 -> *sync.Mutex
}

// OpenBadger opens (or creates) a Badger database in dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING))
}

// OpenBadgerInMemory opens a Badger database that lives only in memory.
func OpenBadgerInMemory() (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte(keyRoomSeq), roomSeqLease)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: room sequence: %w", err)
	}
	return &BadgerStore{db: db, roomSeq: seq}, nil
}

func (s *BadgerStore) CreateUser(ctx context.Context, username, thumbnail string) (*User, error) {
	rec := userRecord{
		ID:        uuid.NewString(),
		Username:  username,
		Thumbnail: thumbnail,
		CreatedAt: time.Now().UTC(),
	}

	err := s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(keyUserName + username)); err == nil {
			return ErrUsernameTaken
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := setJSON(txn, []byte(keyUserID+rec.ID), rec); err != nil {
			return err
		}
		return txn.Set([]byte(keyUserName+username), []byte(rec.ID))
	})
	if err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			return nil, err
		}
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return rec.toUser(), nil
}

func (s *BadgerStore) FindUserByID(ctx context.Context, id string) (*User, error) {
	var user *User
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := loadUser(txn, id)
		if err != nil || rec == nil {
			return err
		}
		user = rec.toUser()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: find user: %w", err)
	}
	return user, nil
}

func (s *BadgerStore) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	var user *User
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, keyUserName+username)
		if err != nil || id == "" {
			return err
		}
		rec, err := loadUser(txn, id)
		if err != nil || rec == nil {
			return err
		}
		user = rec.toUser()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: find user: %w", err)
	}
	return user, nil
}

// SearchUsersByPrefix scans the username index, which Badger keeps sorted,
// so results come back ordered by username.
func (s *BadgerStore) SearchUsersByPrefix(ctx context.Context, prefix string, limit int) ([]User, error) {
	var users []User
	err := s.db.View(func(txn *badger.Txn) error {
		p := []byte(keyUserName + prefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		var ids []string
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if limit > 0 && len(ids) == limit {
				break
			}
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ids = append(ids, string(v))
		}

		for _, id := range ids {
			rec, err := loadUser(txn, id)
			if err != nil {
				return err
			}
			if rec != nil {
				users = append(users, *rec.toUser())
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: search users: %w", err)
	}
	return users, nil
}

func (s *BadgerStore) CreateRoom(ctx context.Context, name string, memberIDs ...string) (*Room, error) {
	members := uniqueMembers(memberIDs)
	if len(members) > MaxRoomMembers {
		return nil, ErrRoomFull
	}

	id, err := s.roomSeq.Next()
	if err != nil {
		return nil, fmt.Errorf("store: next room id: %w", err)
	}
	rec := roomRecord{
		ID:        int64(id) + 1,
		Name:      name,
		Members:   members,
		CreatedAt: time.Now().UTC(),
	}

	err = s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(keyRoomName + name)); err == nil {
			return ErrRoomExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		for _, userID := range members {
			u, err := loadUser(txn, userID)
			if err != nil {
				return err
			}
			if u == nil {
				return ErrUnknownUser
			}
			if err := txn.Set(memberKey(userID, rec.ID), nil); err != nil {
				return err
			}
		}
		if err := setJSON(txn, roomKey(rec.ID), rec); err != nil {
			return err
		}
		return txn.Set([]byte(keyRoomName+name), []byte(strconv.FormatInt(rec.ID, 10)))
	})
	if err != nil {
		if errors.Is(err, ErrRoomExists) || errors.Is(err, ErrUnknownUser) {
			return nil, err
		}
		return nil, fmt.Errorf("store: create room: %w", err)
	}
	return rec.toRoom(), nil
}

func (s *BadgerStore) FindRoomByName(ctx context.Context, name string) (*Room, error) {
	var room *Room
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := loadRoomByName(txn, name)
		if err != nil || rec == nil {
			return err
		}
		room = rec.toRoom()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: find room: %w", err)
	}
	return room, nil
}

func (s *BadgerStore) AddMember(ctx context.Context, roomID int64, userID string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		rec, err := loadRoom(txn, roomID)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrNotFound
		}
		if rec.toRoom().HasMember(userID) {
			return nil
		}
		if len(rec.Members) >= MaxRoomMembers {
			return ErrRoomFull
		}
		u, err := loadUser(txn, userID)
		if err != nil {
			return err
		}
		if u == nil {
			return ErrUnknownUser
		}

		rec.Members = append(rec.Members, userID)
		if err := txn.Set(memberKey(userID, roomID), nil); err != nil {
			return err
		}
		return setJSON(txn, roomKey(roomID), rec)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRoomFull) || errors.Is(err, ErrUnknownUser) {
			return err
		}
		return fmt.Errorf("store: add member: %w", err)
	}
	return nil
}

func (s *BadgerStore) FindRoomByMemberPair(ctx context.Context, userA, userB string) (*Room, error) {
	var room *Room
	err := s.db.View(func(txn *badger.Txn) error {
		ids, err := memberRoomIDs(txn, userA, false, 0)
		if err != nil {
			return err
		}
		for _, id := range ids {
			rec, err := loadRoom(txn, id)
			if err != nil {
				return err
			}
			if rec == nil {
				continue
			}
			r := rec.toRoom()
			if (userA == userB && len(r.Members) == 1) ||
				(userA != userB && len(r.Members) == 2 && r.HasMember(userB)) {
				room = r
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: find room by members: %w", err)
	}
	return room, nil
}

// FindRoomsForUser lists the user's rooms, most recently created first.
func (s *BadgerStore) FindRoomsForUser(ctx context.Context, userID string, limit int) ([]Room, error) {
	var rooms []Room
	err := s.db.View(func(txn *badger.Txn) error {
		ids, err := memberRoomIDs(txn, userID, true, limit)
		if err != nil {
			return err
		}
		for _, id := range ids {
			rec, err := loadRoom(txn, id)
			if err != nil {
				return err
			}
			if rec != nil {
				rooms = append(rooms, *rec.toRoom())
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: find rooms for user: %w", err)
	}
	return rooms, nil
}

// CreateMessage bumps the room's counter and writes the message in one
// transaction while holding the room's lock, so ids commit in order.
func (s *BadgerStore) CreateMessage(ctx context.Context, roomID int64, authorID, content string) (*Message, error) {
	mu := s.roomLock(roomID)
	mu.Lock()
	defer mu.Unlock()

	var msg messageRecord
	err := s.update(ctx, func(txn *badger.Txn) error {
		author, err := loadUser(txn, authorID)
		if err != nil {
			return err
		}
		if author == nil {
			return ErrUnknownUser
		}
		rec, err := loadRoom(txn, roomID)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrNotFound
		}

		rec.LastMessageID++
		msg = messageRecord{
			ID:             rec.LastMessageID,
			RoomID:         roomID,
			AuthorID:       authorID,
			AuthorUsername: author.Username,
			Content:        content,
			CreatedAt:      time.Now().UTC(),
		}
		if err := setJSON(txn, roomKey(roomID), rec); err != nil {
			return err
		}
		return setJSON(txn, messageKey(roomID, msg.ID), msg)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownUser) {
			return nil, err
		}
		return nil, fmt.Errorf("store: create message: %w", err)
	}
	return msg.toMessage(), nil
}

func (s *BadgerStore) FindMessagesAfter(ctx context.Context, roomID int64, afterID int64) ([]Message, error) {
	var msgs []Message
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(fmt.Sprintf("%s%020d:", keyMessage, roomID))
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
		defer it.Close()

		for it.Seek(messageKey(roomID, afterID+1)); it.ValidForPrefix(prefix); it.Next() {
			var rec messageRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			msgs = append(msgs, *rec.toMessage())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: find messages: %w", err)
	}
	return msgs, nil
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("store: badger is closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	if err := s.roomSeq.Release(); err != nil {
		return fmt.Errorf("store: release room sequence: %w", err)
	}
	return s.db.Close()
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *BadgerStore) roomLock(roomID int64) *sync.Mutex {
	mu, _ := s.roomLocks.LoadOrStore(roomID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func roomKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyRoomID, id))
}

func memberKey(userID string, roomID int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", keyMember, userID, roomID))
}

func messageKey(roomID, id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d", keyMessage, roomID, id))
}

// memberRoomIDs lists room ids of the user in ascending order, or descending
// when reverse is set. A limit of zero means no limit.
func memberRoomIDs(txn *badger.Txn, userID string, reverse bool, limit int) ([]int64, error) {
	prefix := []byte(keyMember + userID + ":")
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = reverse
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := prefix
	if reverse {
		seek = append(append([]byte{}, prefix...), reverseMarker...)
	}

	var ids []int64
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		if limit > 0 && len(ids) == limit {
			break
		}
		id, err := strconv.ParseInt(string(it.Item().Key()[len(prefix):]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad member key %q: %w", it.Item().Key(), err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func loadUser(txn *badger.Txn, id string) (*userRecord, error) {
	var rec userRecord
	ok, err := getJSON(txn, keyUserID+id, &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func loadRoom(txn *badger.Txn, id int64) (*roomRecord, error) {
	var rec roomRecord
	ok, err := getJSON(txn, string(roomKey(id)), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func loadRoomByName(txn *badger.Txn, name string) (*roomRecord, error) {
	raw, err := getString(txn, keyRoomName+name)
	if err != nil || raw == "" {
		return nil, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad room id %q: %w", raw, err)
	}
	return loadRoom(txn, id)
}

func getString(txn *badger.Txn, key string) (string, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	v, err := item.ValueCopy(nil)
	return string(v), err
}

func getJSON(txn *badger.Txn, key string, dst any) (bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(v []byte) error {
		return json.Unmarshal(v, dst)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func (r userRecord) toUser() *User {
	return &User{ID: r.ID, Username: r.Username, Thumbnail: r.Thumbnail, CreatedAt: r.CreatedAt}
}

func (r roomRecord) toRoom() *Room {
	return &Room{
		ID:            r.ID,
		Name:          r.Name,
		Members:       append([]string(nil), r.Members...),
		LastMessageID: r.LastMessageID,
		CreatedAt:     r.CreatedAt,
	}
}

func (r messageRecord) toMessage() *Message {
	return &Message{
		ID:             r.ID,
		RoomID:         r.RoomID,
		AuthorID:       r.AuthorID,
		AuthorUsername: r.AuthorUsername,
		Content:        r.Content,
		CreatedAt:      r.CreatedAt,
	}
}
