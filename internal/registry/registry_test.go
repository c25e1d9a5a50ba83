package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/session"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestLoadMissingFileYieldsEmptySnapshot(t *testing.T) {
	store := NewStore(t.TempDir(), testLogger(t))
	snapshot := store.Load()
	require.Empty(t, snapshot.Agents)
	require.Empty(t, snapshot.Sessions)
}

func TestLoadCorruptFileYieldsEmptySnapshotNotError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "registry.json"), []byte("{not json"), 0o644))

	store := NewStore(dir, testLogger(t))
	snapshot := store.Load()
	require.Empty(t, snapshot.Agents)
	require.Empty(t, snapshot.Sessions)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, testLogger(t))

	agents := map[string]*agent.Record{
		"agent-1": {
			AgentID:   "agent-1",
			ConfigID:  "agent-1",
			Status:    agent.StatusRunning,
			CreatedAt: time.Now().UTC(),
		},
	}
	sessions := map[string]*session.Record{
		"session-1": {
			SessionID:    "session-1",
			SessionToken: "tok",
			AgentID:      "agent-1",
			CreatedAt:    time.Now().UTC(),
			LastActive:   time.Now().UTC(),
		},
	}

	require.NoError(t, store.Save(agents, sessions))

	snapshot := store.Load()
	require.Len(t, snapshot.Agents, 1)
	require.Len(t, snapshot.Sessions, 1)
	require.Equal(t, "agent-1", snapshot.Agents["agent-1"].AgentID)
	require.Equal(t, "session-1", snapshot.Sessions["session-1"].SessionID)
}

func TestSaveLeavesNoTempFilesBehind(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, testLogger(t))

	require.NoError(t, store.Save(map[string]*agent.Record{}, map[string]*session.Record{}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "registry.json", entries[0].Name())
}

func TestSaveCreatesStateDirIfMissing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	store := NewStore(dir, testLogger(t))

	require.NoError(t, store.Save(map[string]*agent.Record{}, map[string]*session.Record{}))

	_, err := os.Stat(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)
}
