package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/samber/lo"
)

// PostgreSQL error codes checked by the store.
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// PostgresStore implements Store on PostgreSQL through lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and verifies it with a ping.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateUser(ctx context.Context, username, thumbnail string) (*User, error) {
	u := &User{ID: uuid.NewString(), Username: username, Thumbnail: thumbnail}

	const query = `
		INSERT INTO users (id, username, thumbnail)
		VALUES ($1, $2, $3)
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query, u.ID, u.Username, u.Thumbnail).Scan(&u.CreatedAt)
	if err != nil {
		if pqCode(err) == pqUniqueViolation {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) FindUserByID(ctx context.Context, id string) (*User, error) {
	const query = `SELECT id, username, thumbnail, created_at FROM users WHERE id = $1`
	return s.scanUser(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	const query = `SELECT id, username, thumbnail, created_at FROM users WHERE username = $1`
	return s.scanUser(s.db.QueryRowContext(ctx, query, username))
}

func (s *PostgresStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Thumbnail, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: find user: %w", err)
	}
	return &u, nil
}

// SearchUsersByPrefix matches usernames starting with prefix, ordered by
// username.
func (s *PostgresStore) SearchUsersByPrefix(ctx context.Context, prefix string, limit int) ([]User, error) {
	const query = `
		SELECT id, username, thumbnail, created_at
		FROM users
		WHERE username LIKE $1 ESCAPE '\'
		ORDER BY username
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, escapeLike(prefix)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("store: search users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Thumbnail, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) CreateRoom(ctx context.Context, name string, memberIDs ...string) (*Room, error) {
	members := uniqueMembers(memberIDs)
	if len(members) > MaxRoomMembers {
		return nil, ErrRoomFull
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin create room: %w", err)
	}
	defer tx.Rollback()

	room := &Room{Name: name, Members: members}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO rooms (name) VALUES ($1) RETURNING id, last_message_id, created_at`,
		name,
	).Scan(&room.ID, &room.LastMessageID, &room.CreatedAt)
	if err != nil {
		if pqCode(err) == pqUniqueViolation {
			return nil, ErrRoomExists
		}
		return nil, fmt.Errorf("store: insert room: %w", err)
	}

	for _, userID := range members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)`,
			room.ID, userID,
		); err != nil {
			if pqCode(err) == pqForeignKeyViolation {
				return nil, ErrUnknownUser
			}
			return nil, fmt.Errorf("store: insert room member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if pqCode(err) == pqUniqueViolation {
			return nil, ErrRoomExists
		}
		return nil, fmt.Errorf("store: commit create room: %w", err)
	}
	return room, nil
}

func (s *PostgresStore) FindRoomByName(ctx context.Context, name string) (*Room, error) {
	var room Room
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, last_message_id, created_at FROM rooms WHERE name = $1`,
		name,
	).Scan(&room.ID, &room.Name, &room.LastMessageID, &room.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: find room: %w", err)
	}

	room.Members, err = s.members(ctx, s.db, room.ID)
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// AddMember is idempotent. The room row is locked so that two concurrent
// joiners cannot both observe a free slot.
func (s *PostgresStore) AddMember(ctx context.Context, roomID int64, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin add member: %w", err)
	}
	defer tx.Rollback()

	var locked int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM rooms WHERE id = $1 FOR UPDATE`, roomID).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("store: lock room: %w", err)
	}

	members, err := s.members(ctx, tx, roomID)
	if err != nil {
		return err
	}
	if lo.Contains(members, userID) {
		return nil
	}
	if len(members) >= MaxRoomMembers {
		return ErrRoomFull
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)`,
		roomID, userID,
	); err != nil {
		if pqCode(err) == pqForeignKeyViolation {
			return ErrUnknownUser
		}
		return fmt.Errorf("store: insert room member: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit add member: %w", err)
	}
	return nil
}

// FindRoomByMemberPair returns the room shared by userA and userB. When both
// ids are equal it returns the user's room with no other member.
func (s *PostgresStore) FindRoomByMemberPair(ctx context.Context, userA, userB string) (*Room, error) {
	const query = `
		SELECT r.id, r.name, r.last_message_id, r.created_at
		FROM rooms r
		JOIN room_members a ON a.room_id = r.id AND a.user_id = $1
		JOIN room_members b ON b.room_id = r.id AND b.user_id = $2
		WHERE (SELECT COUNT(*) FROM room_members c WHERE c.room_id = r.id) =
		      CASE WHEN $1 = $2 THEN 1 ELSE 2 END
		ORDER BY r.id
		LIMIT 1`

	var room Room
	err := s.db.QueryRowContext(ctx, query, userA, userB).
		Scan(&room.ID, &room.Name, &room.LastMessageID, &room.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: find room by members: %w", err)
	}

	room.Members, err = s.members(ctx, s.db, room.ID)
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// FindRoomsForUser lists the user's rooms, most recently created first.
func (s *PostgresStore) FindRoomsForUser(ctx context.Context, userID string, limit int) ([]Room, error) {
	const query = `
		SELECT r.id, r.name, r.last_message_id, r.created_at
		FROM rooms r
		JOIN room_members m ON m.room_id = r.id
		WHERE m.user_id = $1
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: find rooms for user: %w", err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.LastMessageID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan room: %w", err)
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate rooms: %w", err)
	}

	for i := range rooms {
		rooms[i].Members, err = s.members(ctx, s.db, rooms[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return rooms, nil
}

// CreateMessage bumps the room's counter and inserts the message in one
// transaction. The counter row stays locked until commit, so ids commit in
// order and FindMessagesAfter never observes a hole that later fills.
func (s *PostgresStore) CreateMessage(ctx context.Context, roomID int64, authorID, content string) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin create message: %w", err)
	}
	defer tx.Rollback()

	msg := &Message{RoomID: roomID, AuthorID: authorID, Content: content}

	err = tx.QueryRowContext(ctx, `SELECT username FROM users WHERE id = $1`, authorID).Scan(&msg.AuthorUsername)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnknownUser
		}
		return nil, fmt.Errorf("store: load author: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`UPDATE rooms SET last_message_id = last_message_id + 1 WHERE id = $1 RETURNING last_message_id`,
		roomID,
	).Scan(&msg.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: allocate message id: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (room_id, id, user_id, content) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		roomID, msg.ID, authorID, content,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) FindMessagesAfter(ctx context.Context, roomID int64, afterID int64) ([]Message, error) {
	const query = `
		SELECT m.id, m.room_id, m.user_id, u.username, m.content, m.created_at
		FROM messages m
		JOIN users u ON u.id = m.user_id
		WHERE m.room_id = $1 AND m.id > $2
		ORDER BY m.id ASC`

	rows, err := s.db.QueryContext(ctx, query, roomID, afterID)
	if err != nil {
		return nil, fmt.Errorf("store: find messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.AuthorUsername, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return msgs, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *PostgresStore) members(ctx context.Context, q querier, roomID int64) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id FROM room_members WHERE room_id = $1 ORDER BY joined_at, user_id`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: load members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
