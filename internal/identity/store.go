// Package identity persists the caller identity assigned by the server.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is the on-disk identity document.
type Record struct {
	UserID       string    `json:"user_id,omitempty"`
	AssignedAt   time.Time `json:"assigned_at,omitempty"`
	LastThreadID string    `json:"last_thread_id,omitempty"`
}

// FileStore is a JSON-file-backed identity store.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store at the given file path. The file is created on
// first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file path used by this store.
func (s *FileStore) Path() string {
	return s.path
}

// Load returns the persisted record. A missing file yields an empty record.
func (s *FileStore) Load() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// CallerID returns the persisted caller identity, or "" when none is stored.
func (s *FileStore) CallerID() (string, error) {
	rec, err := s.Load()
	if err != nil {
		return "", err
	}
	return rec.UserID, nil
}

// SaveCaller persists a newly assigned caller identity.
func (s *FileStore) SaveCaller(id string) error {
	return s.update(func(rec *Record) {
		if rec.UserID != id {
			rec.AssignedAt = time.Now()
		}
		rec.UserID = id
	})
}

// SaveThread remembers the thread the caller last worked in.
func (s *FileStore) SaveThread(threadID string) error {
	return s.update(func(rec *Record) {
		rec.LastThreadID = threadID
	})
}

// Clear forgets the caller identity so the next connection bootstraps a new one.
// The last thread is dropped too since it belongs to the old identity.
func (s *FileStore) Clear() error {
	return s.update(func(rec *Record) {
		*rec = Record{}
	})
}

func (s *FileStore) update(fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load()
	if err != nil {
		return err
	}
	fn(&rec)
	return s.save(rec)
}

func (s *FileStore) load() (Record, error) {
	var rec Record
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return rec, nil
		}
		return rec, fmt.Errorf("read identity file: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("unmarshal identity: %w", err)
	}
	return rec, nil
}

// save writes the record using atomic write (temp file + rename).
func (s *FileStore) save(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp identity file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp identity file: %w", err)
	}
	return nil
}
