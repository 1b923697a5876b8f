package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// SessionStore persists the session to a JSON file. Writes go through a
// temp file plus rename so a crash mid-write never corrupts the stored
// credentials (single active run, no locking needed beyond that).
type SessionStore struct {
	path string
}

func NewSessionStore(path string) *SessionStore {
	return &SessionStore{path: path}
}

// Load reads the stored session. A missing file is not an error; it simply
// means there is no session yet.
func (st *SessionStore) Load() (*Session, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", st.path).Msg("no saved session")
			return nil, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}

	if s.DisplayName != "" {
		log.Debug().
			Str("account", s.DisplayName).
			Dur("expires_in", s.TimeUntilExpiry()).
			Msg("session loaded")
	}
	return &s, nil
}

// Save writes the session atomically, replacing any previous file.
func (st *SessionStore) Save(s *Session) error {
	if err := os.MkdirAll(filepath.Dir(st.path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace session file: %w", err)
	}

	log.Debug().Str("path", st.path).Str("account", s.DisplayName).Msg("session saved")
	return nil
}

// Clear deletes the stored session, if any.
func (st *SessionStore) Clear() error {
	if err := os.Remove(st.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear session file: %w", err)
	}
	return nil
}
