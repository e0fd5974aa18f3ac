// Package state keeps the front end's view of the server (track and join
// link) and persists it so a restarted bot shows the same thing.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status is how sure the front end is about the server.
type Status string

const (
	StatusRunning  Status = "running"
	StatusStarting Status = "starting"
	StatusUnknown  Status = "unknown"
)

// State is the displayed server state. A nil Track means no server.
type State struct {
	Track     *string   `json:"track"`
	Link      *string   `json:"link"`
	Status    Status    `json:"status,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Active reports whether a server is shown as present.
func (s State) Active() bool { return s.Track != nil && *s.Track != "" }

// TrackName returns the track or "".
func (s State) TrackName() string {
	if s.Track == nil {
		return ""
	}
	return *s.Track
}

// JoinLink returns the link or "".
func (s State) JoinLink() string {
	if s.Link == nil {
		return ""
	}
	return *s.Link
}

// Store owns the State and its file. All methods are safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
	cur  State
	log  *slog.Logger
	now  func() time.Time
}

// Load reads path into a new Store. A missing, unreadable or corrupt file
// yields an empty state; the problem is logged, never returned.
func Load(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, log: logger, now: time.Now}
	b, err := os.ReadFile(filepath.Clean(path))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s
	case err != nil:
		logger.Warn("state file unreadable; starting empty", "path", path, "error", err)
		return s
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		logger.Warn("state file corrupt; starting empty", "path", path, "error", err)
		return s
	}
	if st.Active() && st.Status == "" {
		st.Status = StatusRunning
	}
	s.cur = st
	return s
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.cur)
}

// Set records track and link (link may be empty) and persists the result.
func (s *Store) Set(track, link string, status Status) error {
	st := State{Track: strPtr(track), Status: status}
	if link != "" {
		st.Link = strPtr(link)
	}
	return s.replace(st)
}

// Clear records that no server is running and persists it.
func (s *Store) Clear() error {
	return s.replace(State{})
}

func (s *Store) replace(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.UpdatedAt = s.now().UTC()
	s.cur = st
	return s.save(st)
}

// save writes st atomically; the in-memory state is kept even on failure.
func (s *Store) save(st State) error {
	if s.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("save state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("save state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func clone(st State) State {
	out := st
	if st.Track != nil {
		out.Track = strPtr(*st.Track)
	}
	if st.Link != nil {
		out.Link = strPtr(*st.Link)
	}
	return out
}
