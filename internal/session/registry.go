package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/apperr"
	"github.com/loqalabs/loqa-scribe/internal/media"
)

// Manifest is the persisted description of a session, enough to rebuild the
// in-memory Session after a restart.
type Manifest struct {
	ID         string          `json:"id"`
	CreatedAt  time.Time       `json:"created_at"`
	SourceName string          `json:"source_name,omitempty"`
	SourcePath string          `json:"source_path,omitempty"`
	Duration   float64         `json:"duration_seconds,omitempty"`
	Segments   []media.Segment `json:"segments,omitempty"`
}

// Session is one live processing run.
type Session struct {
	Layout Layout

	id       string
	mu       sync.Mutex
	manifest Manifest
	running  atomic.Bool
}

func (s *Session) ID() string {
	return s.id
}

// Manifest returns a copy of the current manifest.
func (s *Session) Manifest() Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.manifest
	m.Segments = append([]media.Segment(nil), s.manifest.Segments...)
	return m
}

func (s *Session) setManifest(m Manifest) {
	s.mu.Lock()
	s.manifest = m
	s.mu.Unlock()
}

// Segments returns the split plan, nil before splitting.
func (s *Session) Segments() []media.Segment {
	return s.Manifest().Segments
}

// SegmentByID looks up a segment by its 1-based index.
func (s *Session) SegmentByID(id int) (media.Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || id > len(s.manifest.Segments) {
		return media.Segment{}, false
	}
	return s.manifest.Segments[id-1], true
}

// TryStartRun claims the single main-run slot of the session.
func (s *Session) TryStartRun() bool {
	return s.running.CompareAndSwap(false, true)
}

func (s *Session) EndRun() {
	s.running.Store(false)
}

func (s *Session) Running() bool {
	return s.running.Load()
}

// Registry maps session ids to live sessions.
type Registry struct {
	store    *Store
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewRegistry(store *Store) *Registry {
	return &Registry{
		store:    store,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

func (r *Registry) Store() *Store {
	return r.store
}

// Create allocates a new session id and its directories.
func (r *Registry) Create() (*Session, error) {
	id := uuid.NewString()
	layout, err := r.store.Create(id)
	if err != nil {
		return nil, err
	}
	sess := &Session{Layout: layout, id: id, manifest: Manifest{ID: id, CreatedAt: r.now().UTC()}}
	if err := r.store.SaveManifest(sess.manifest); err != nil {
		_ = r.store.Teardown(id)
		return nil, err
	}
	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()
	return sess, nil
}

// Get returns the live session, rehydrating it from its manifest when the
// process restarted since it was created.
func (r *Registry) Get(id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		return sess, nil
	}
	if !r.store.Exists(id) {
		return nil, fmt.Errorf("%w: session %s", apperr.ErrNotFound, id)
	}
	m, err := r.store.LoadManifest(id)
	if err != nil {
		return nil, err
	}
	layout, err := r.store.Layout(id)
	if err != nil {
		return nil, err
	}
	sess := &Session{Layout: layout, id: id, manifest: m}
	r.sessions[id] = sess
	return sess, nil
}

// Update applies fn to the session manifest and persists the result.
func (r *Registry) Update(sess *Session, fn func(*Manifest)) error {
	m := sess.Manifest()
	fn(&m)
	if err := r.store.SaveManifest(m); err != nil {
		return err
	}
	sess.setManifest(m)
	return nil
}

// Remove forgets the session and deletes its storage.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	return r.store.Teardown(id)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
