package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/session"
)

const recordFile = "progress.json"

// FileStore keeps one JSON document per session inside the session
// directory. Writes go through a temp file and rename under a per-session
// mutex.
type FileStore struct {
	root  string
	clock func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root, clock: time.Now, locks: make(map[string]*sync.Mutex)}
}

func (s *FileStore) path(sessionID string) (string, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, sessionID, recordFile), nil
}

func (s *FileStore) lock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *FileStore) read(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, ErrNoRecord
		}
		return Record{}, fmt.Errorf("read progress: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode progress: %w", err)
	}
	return rec, nil
}

func (s *FileStore) Load(_ context.Context, sessionID string) (Record, error) {
	path, err := s.path(sessionID)
	if err != nil {
		return Record{}, err
	}
	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()
	return s.read(path)
}

func (s *FileStore) Update(ctx context.Context, sessionID string, fn func(*Record) error) (Record, error) {
	path, err := s.path(sessionID)
	if err != nil {
		return Record{}, err
	}
	l := s.lock(sessionID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	rec, err := s.read(path)
	if err != nil && !errors.Is(err, ErrNoRecord) {
		return Record{}, err
	}
	rec.SessionID = sessionID
	if err := fn(&rec); err != nil {
		return Record{}, err
	}
	rec.Version++
	rec.UpdatedAt = s.clock().UTC()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Record{}, fmt.Errorf("encode progress: %w", err)
	}
	if err := session.WriteFileAtomic(path, data); err != nil {
		return Record{}, fmt.Errorf("write progress: %w", err)
	}
	return rec, nil
}

func (s *FileStore) Delete(_ context.Context, sessionID string) error {
	path, err := s.path(sessionID)
	if err != nil {
		return err
	}
	l := s.lock(sessionID)
	l.Lock()
	err = os.Remove(path)
	l.Unlock()

	s.mu.Lock()
	delete(s.locks, sessionID)
	s.mu.Unlock()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete progress: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
