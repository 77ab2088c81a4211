package session

import (
	"context"
	"sync"
	"time"
)

// Snapshot is the parked state of a disconnected session.
type Snapshot struct {
	ID                 string
	UserID             string
	Username           string
	RoomName           string
	LastKnownMessageID int64
	DisconnectedAt     time.Time
}

// ResumeStore parks snapshots for the grace window. Claim is atomic: a
// snapshot is handed to at most one reconnecting client.
type ResumeStore interface {
	Park(ctx context.Context, snap Snapshot, ttl time.Duration) error
	// Claim removes and returns the snapshot, or nil when it is absent or
	// expired.
	Claim(ctx context.Context, id string) (*Snapshot, error)
	Close() error
}

// MemoryStore is a process-local ResumeStore used when no Redis is
// configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	snap      Snapshot
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryStore) Park(ctx context.Context, snap Snapshot, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	m.entries[snap.ID] = memoryEntry{snap: snap, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Claim(ctx context.Context, id string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	delete(m.entries, id)
	if !m.now().Before(e.expiresAt) {
		return nil, nil
	}
	snap := e.snap
	return &snap, nil
}

// Len reports parked, unexpired snapshots.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	return len(m.entries)
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) sweepLocked() {
	now := m.now()
	for id, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, id)
		}
	}
}
