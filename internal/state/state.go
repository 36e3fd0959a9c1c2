// Package state persists the engine's durable settings (enabled flag,
// retrieval mode, active knowledge base) to a small JSON file. Writes are
// atomic (write-to-temp then rename) so a crash mid-save never corrupts the
// file; unreadable or missing files fall back to defaults.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Retrieval mode wire values as persisted in the state file.
const (
	// ModeSingle searches only the active knowledge base.
	ModeSingle = "single"
	// ModeMulti fans out over every loaded knowledge base.
	ModeMulti = "multi"
)

// State is the persisted engine state. Unknown fields in the file are
// ignored on load so older binaries can read files written by newer ones.
type State struct {
	// Enabled reports whether retrieval is switched on.
	Enabled bool `json:"enabled"`
	// Mode is the retrieval mode: "single" or "multi".
	Mode string `json:"mode"`
	// ActiveName is the active knowledge base, or "" for none.
	ActiveName string `json:"active_name"`
}

// Default returns the state used when no valid file exists: enabled, single
// mode, no active knowledge base.
func Default() State {
	return State{Enabled: true, Mode: ModeSingle, ActiveName: ""}
}

// Store loads and saves State at a fixed path. It performs no locking of its
// own — the engine serialises mutations and hands Save a snapshot, so Store
// is only ever written from one goroutine at a time.
type Store struct {
	// path is the JSON file location.
	path string
	// log records load warnings and save failures.
	log *slog.Logger
}

// NewStore constructs a Store persisting to path. A nil log falls back to
// slog.Default.
func NewStore(path string, log *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("state: path must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{path: path, log: log}, nil
}

// Load reads the persisted state. A missing file yields defaults silently;
// an unreadable or unparsable file yields defaults with a logged warning so
// a corrupt state file can never prevent startup.
func (s *Store) Load() State {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("state: could not read state file, using defaults",
				slog.String("path", s.path),
				slog.Any("error", err),
			)
		}
		return Default()
	}

	st := Default()
	if err := json.Unmarshal(data, &st); err != nil {
		s.log.Warn("state: could not parse state file, using defaults",
			slog.String("path", s.path),
			slog.Any("error", err),
		)
		return Default()
	}
	if st.Mode != ModeSingle && st.Mode != ModeMulti {
		s.log.Warn("state: unknown mode in state file, using single",
			slog.String("mode", st.Mode),
		)
		st.Mode = ModeSingle
	}
	return st
}

// Save writes st atomically: the JSON is written to a temp file in the same
// directory and renamed over the target so readers never observe a partial
// file.
func (s *Store) Save(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".rag-state-*.json")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: rename into place: %w", err)
	}
	return nil
}
