package storage

import (
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and by hosts that opt out
// of durable caching.
type MemoryStore struct {
	mu         sync.RWMutex
	currentID  string
	hasCurrent bool
	legacyID   string
	hasLegacy  bool
	snapshots  map[string][]byte
	timestamps map[string]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:  make(map[string][]byte),
		timestamps: make(map[string]time.Time),
	}
}

func (s *MemoryStore) CurrentID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID, s.hasCurrent
}

func (s *MemoryStore) LegacyID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.legacyID, s.hasLegacy
}

func (s *MemoryStore) SetCurrentID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentID = id
	s.hasCurrent = true
	return nil
}

// SetLegacyID records a legacy-format anonymous id.
func (s *MemoryStore) SetLegacyID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacyID = id
	s.hasLegacy = true
	return nil
}

func (s *MemoryStore) SnapshotBytes(appUserID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.snapshots[appUserID]
	return data, ok
}

func (s *MemoryStore) SetSnapshotBytes(appUserID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[appUserID] = data
	return nil
}

func (s *MemoryStore) ClearSnapshot(appUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, appUserID)
	return nil
}

func (s *MemoryStore) Timestamp(appUserID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.timestamps[appUserID]
	return t, ok
}

func (s *MemoryStore) SetTimestamp(appUserID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timestamps[appUserID] = t
	return nil
}

func (s *MemoryStore) ClearTimestamp(appUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timestamps, appUserID)
	return nil
}

func (s *MemoryStore) ClearUserState(oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, oldID)
	delete(s.timestamps, oldID)
	s.currentID = newID
	s.hasCurrent = true
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
