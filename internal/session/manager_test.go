package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"ok", false},
		{"with-dash_and_underscore", false},
		{"", true},
		{"a:b", true},
		{"a.b", true},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if tt.wantErr && err == nil {
			t.Errorf("ValidateName(%q) expected error", tt.name)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("ValidateName(%q) unexpected error: %v", tt.name, err)
		}
	}
}

func TestManagerCreateAndLookup(t *testing.T) {
	m := NewManager(newTestLogger(t))

	s, err := m.CreateSession("alpha", headlessConfig(t))
	require.NoError(t, err)
	require.NotNil(t, s)

	assert.True(t, m.HasSession("alpha"))
	assert.False(t, m.HasSession("beta"))

	byID, err := m.GetSession(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, byID)

	byName, err := m.GetByName("alpha")
	require.NoError(t, err)
	assert.Same(t, s, byName)
}

func TestManagerRejectsDuplicates(t *testing.T) {
	m := NewManager(newTestLogger(t))

	_, err := m.CreateSession("alpha", headlessConfig(t))
	require.NoError(t, err)

	_, err = m.CreateSession("alpha", headlessConfig(t))
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestManagerRejectsInvalidNames(t *testing.T) {
	m := NewManager(newTestLogger(t))

	for _, name := range []string{"", "a:b", "a.b"} {
		_, err := m.CreateSession(name, headlessConfig(t))
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}
}

func TestManagerRemoveIdempotent(t *testing.T) {
	m := NewManager(newTestLogger(t))

	s, err := m.CreateSession("alpha", headlessConfig(t))
	require.NoError(t, err)

	m.RemoveSession(s.ID)
	assert.False(t, m.HasSession("alpha"))

	// Removing again, or removing an unknown id, is not an error.
	m.RemoveSession(s.ID)
	m.RemoveSession("no-such-id")
}

func TestManagerCleanupTerminated(t *testing.T) {
	m := NewManager(newTestLogger(t))

	s1, err := m.CreateSession("one", headlessConfig(t))
	require.NoError(t, err)
	_, err = m.CreateSession("two", headlessConfig(t))
	require.NoError(t, err)

	require.NoError(t, s1.Start())
	require.NoError(t, s1.Stop())

	removed := m.CleanupTerminated()
	assert.Equal(t, 1, removed)
	assert.False(t, m.HasSession("one"))
	assert.True(t, m.HasSession("two"))
}

func TestManagerRestoreSession(t *testing.T) {
	m := NewManager(newTestLogger(t))

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, err := m.RestoreSession("fixed-id", "restored", created, headlessConfig(t))
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", s.ID)
	assert.Equal(t, created, s.CreatedAt)
	assert.Equal(t, StateInitializing, s.State())

	_, err = m.RestoreSession("fixed-id", "other", created, headlessConfig(t))
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestRegistryRoundTrip(t *testing.T) {
	stateDir := t.TempDir()
	log := newTestLogger(t)

	m := NewManager(log)
	s, err := m.CreateSession("persisted", headlessConfig(t))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	s.SetCommandWait(100 * time.Millisecond)
	_, err = s.ExecuteCommand("echo persist-me")
	require.NoError(t, err)

	require.NoError(t, m.SaveRegistry(stateDir))
	require.NoError(t, s.Stop())

	fresh := NewManager(log)
	restored, err := fresh.LoadRegistry(stateDir)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	got, err := fresh.GetByName("persisted")
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, StateInitializing, got.State())
	assert.Len(t, got.History(), 1)
}

func TestLoadRegistryMissingFile(t *testing.T) {
	m := NewManager(newTestLogger(t))
	n, err := m.LoadRegistry(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
