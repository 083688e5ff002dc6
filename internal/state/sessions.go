package state

import (
	"fmt"
	"path/filepath"
	"sync"
)

const sessionsFile = "sessions.json"

// Sessions maps group folders to the worker session handle used to resume
// conversational context.
type Sessions struct {
	mu       sync.Mutex
	path     string
	sessions map[string]string
}

func LoadSessions(dataDir string) (*Sessions, error) {
	s := &Sessions{
		path:     filepath.Join(dataDir, sessionsFile),
		sessions: make(map[string]string),
	}
	if err := readJSON(s.path, &s.sessions); err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	if s.sessions == nil {
		s.sessions = make(map[string]string)
	}
	return s, nil
}

func (s *Sessions) Get(folder string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[folder]
}

// Set stores the handle for folder and persists the map. An unchanged handle
// is not rewritten.
func (s *Sessions) Set(folder, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[folder] == sessionID {
		return nil
	}
	s.sessions[folder] = sessionID
	if err := writeJSON(s.path, s.sessions); err != nil {
		return fmt.Errorf("save sessions: %w", err)
	}
	return nil
}
