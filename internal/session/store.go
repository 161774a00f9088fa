// Package session owns the on-disk layout of a processing session and the
// in-process registry of live sessions.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/apperr"
)

const manifestName = "session.json"

// Layout is the set of directories a session owns.
type Layout struct {
	Base        string `json:"base"`
	Uploads     string `json:"uploads"`
	Segments    string `json:"segments"`
	Transcripts string `json:"transcripts"`
	Reports     string `json:"reports"`
}

// Store creates and removes session directories below a root.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string {
	return s.root
}

// ValidateID rejects anything that is not a canonical UUID so an id can
// never escape the storage root.
func ValidateID(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != id {
		return fmt.Errorf("%w: invalid session id %q", apperr.ErrValidation, id)
	}
	return nil
}

// Layout computes the directories for id without touching the filesystem.
func (s *Store) Layout(id string) (Layout, error) {
	if err := ValidateID(id); err != nil {
		return Layout{}, err
	}
	base := filepath.Join(s.root, id)
	return Layout{
		Base:        base,
		Uploads:     filepath.Join(base, "uploads"),
		Segments:    filepath.Join(base, "segments"),
		Transcripts: filepath.Join(base, "transcripts"),
		Reports:     filepath.Join(base, "reports"),
	}, nil
}

// Create makes the session directories. Calling it again is harmless.
func (s *Store) Create(id string) (Layout, error) {
	layout, err := s.Layout(id)
	if err != nil {
		return Layout{}, err
	}
	for _, dir := range []string{layout.Uploads, layout.Segments, layout.Transcripts, layout.Reports} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Layout{}, fmt.Errorf("%w: create %s: %v", apperr.ErrCritical, dir, err)
		}
	}
	return layout, nil
}

// Exists reports whether the session base directory is present.
func (s *Store) Exists(id string) bool {
	layout, err := s.Layout(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(layout.Base)
	return err == nil && info.IsDir()
}

// Teardown removes every artifact of the session. Missing or partially
// created sessions are not an error.
func (s *Store) Teardown(id string) error {
	layout, err := s.Layout(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(layout.Base); err != nil {
		return fmt.Errorf("%w: remove session %s: %v", apperr.ErrCritical, id, err)
	}
	return nil
}

// SaveManifest persists m next to the session artifacts.
func (s *Store) SaveManifest(m Manifest) error {
	layout, err := s.Layout(m.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := WriteFileAtomic(filepath.Join(layout.Base, manifestName), data); err != nil {
		return fmt.Errorf("%w: write manifest: %v", apperr.ErrCritical, err)
	}
	return nil
}

// LoadManifest reads the manifest written by SaveManifest.
func (s *Store) LoadManifest(id string) (Manifest, error) {
	layout, err := s.Layout(id)
	if err != nil {
		return Manifest{}, err
	}
	data, err := os.ReadFile(filepath.Join(layout.Base, manifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, fmt.Errorf("%w: session %s", apperr.ErrNotFound, id)
		}
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
