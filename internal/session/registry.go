package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// registryFile is the JSON file holding the persisted session registry
// under the state dir.
const registryFile = "sessions.json"

// registryEntry is the persisted form of a session. Backends are not
// persisted; restored sessions come back in Initializing state.
type registryEntry struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	CreatedAt time.Time       `json:"created_at"`
	Config    Config          `json:"config"`
	History   []CommandRecord `json:"history,omitempty"`
	Tokens    int64           `json:"tokens,omitempty"`
	Commands  int             `json:"commands,omitempty"`
}

// SaveRegistry writes the current pool to the state dir as JSON. Sessions
// in a terminal state are skipped.
func (m *Manager) SaveRegistry(stateDir string) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	var entries []registryEntry
	for _, s := range m.ListSessions() {
		if s.State().IsTerminal() {
			continue
		}
		s.mu.Lock()
		entries = append(entries, registryEntry{
			ID:        s.ID,
			Name:      s.Name,
			CreatedAt: s.CreatedAt,
			Config:    s.config,
			History:   append([]CommandRecord(nil), s.history...),
			Tokens:    s.tokenCount,
			Commands:  s.commandCount,
		})
		s.mu.Unlock()
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	path := filepath.Join(stateDir, registryFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}

	m.logger.Debug("session registry saved",
		zap.String("path", path), zap.Int("sessions", len(entries)))
	return nil
}

// LoadRegistry rebuilds the pool from a previously saved registry. Missing
// file is not an error. Returns the number of restored sessions.
func (m *Manager) LoadRegistry(stateDir string) (int, error) {
	path := filepath.Join(stateDir, registryFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read registry: %w", err)
	}

	var entries []registryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("parse registry: %w", err)
	}

	restoredCount := 0
	for _, e := range entries {
		s, err := m.RestoreSession(e.ID, e.Name, e.CreatedAt, e.Config)
		if err != nil {
			m.logger.Warn("skipping unrestorable session",
				zap.String("session_id", e.ID), zap.Error(err))
			continue
		}
		s.mu.Lock()
		s.history = e.History
		s.tokenCount = e.Tokens
		s.commandCount = e.Commands
		s.mu.Unlock()
		restoredCount++
	}

	m.logger.Info("session registry loaded",
		zap.String("path", path), zap.Int("restored", restoredCount))
	return restoredCount, nil
}
