package session

import (
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// MigrateResult describes one imported external session.
type MigrateResult struct {
	TmuxSession string `json:"tmux_session"`
	SessionID   string `json:"session_id"`
	SessionName string `json:"session_name"`
}

// MigrateTmux imports tmux sessions into the pool. Each imported session
// becomes a headless session seeded with the captured scrollback. When
// target is empty, every tmux session is imported.
func (m *Manager) MigrateTmux(target string, cfg Config) ([]MigrateResult, error) {
	names, err := listTmuxSessions()
	if err != nil {
		return nil, err
	}
	if target != "" {
		found := false
		for _, n := range names {
			if n == target {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("tmux session %q: %w", target, ErrSessionNotFound)
		}
		names = []string{target}
	}

	cfg.ForceHeadless = true

	var results []MigrateResult
	for _, tmuxName := range names {
		scrollback, err := captureTmuxPane(tmuxName)
		if err != nil {
			m.logger.Warn("failed to capture tmux pane",
				zap.String("tmux_session", tmuxName), zap.Error(err))
		}

		name := importedName(tmuxName)
		s, err := m.CreateSession(name, cfg)
		if err != nil {
			m.logger.Warn("failed to import tmux session",
				zap.String("tmux_session", tmuxName), zap.Error(err))
			continue
		}
		s.seedOutput(scrollback)

		results = append(results, MigrateResult{
			TmuxSession: tmuxName,
			SessionID:   s.ID,
			SessionName: name,
		})
		m.logger.Info("imported tmux session",
			zap.String("tmux_session", tmuxName),
			zap.String("session_id", s.ID))
	}
	return results, nil
}

// importedName maps a tmux session name onto the session-name charset
// (':' and '.' are reserved).
func importedName(tmuxName string) string {
	cleaned := strings.NewReplacer(":", "-", ".", "-").Replace(tmuxName)
	return "tmux-" + cleaned
}

func listTmuxSessions() ([]string, error) {
	out, err := exec.Command("tmux", "list-sessions", "-F", "#{session_name}").Output()
	if err != nil {
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func captureTmuxPane(name string) (string, error) {
	out, err := exec.Command("tmux", "capture-pane", "-p", "-t", name).Output()
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane: %w", err)
	}
	return string(out), nil
}
