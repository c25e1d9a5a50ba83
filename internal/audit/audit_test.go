package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/eventbus"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func openTestTrail(t *testing.T) *Trail {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	trail, err := Open(path, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = trail.Close() })
	return trail
}

func TestOpenCreatesSchema(t *testing.T) {
	trail := openTestTrail(t)
	entries, err := trail.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSubscribeRecordsLifecycleEvents(t *testing.T) {
	trail := openTestTrail(t)
	bus := eventbus.NewMemoryBus(testLogger(t))
	trail.Subscribe(bus)

	event := eventbus.NewEvent(eventbus.SubjectAgentSpawned, "agent-manager", map[string]interface{}{"agent_id": "agent-1"})
	require.NoError(t, bus.Publish(context.Background(), eventbus.SubjectAgentSpawned, event))

	require.Eventually(t, func() bool {
		entries, err := trail.ForAgent(context.Background(), "agent-1")
		return err == nil && len(entries) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRecordStoresNullableIDsAsNull(t *testing.T) {
	trail := openTestTrail(t)

	err := trail.record(context.Background(), eventbus.NewEvent(eventbus.SubjectSessionEvict, "sweeper", map[string]interface{}{"session_id": "session-1"}))
	require.NoError(t, err)

	entries, err := trail.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Nil(t, entries[0].AgentID)
	require.NotNil(t, entries[0].SessionID)
	require.Equal(t, "session-1", *entries[0].SessionID)
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	trail := openTestTrail(t)

	require.NoError(t, trail.record(context.Background(), eventbus.NewEvent(eventbus.SubjectAgentSpawned, "agent-manager", map[string]interface{}{"agent_id": "agent-1"})))
	require.NoError(t, trail.record(context.Background(), eventbus.NewEvent(eventbus.SubjectAgentStopped, "agent-manager", map[string]interface{}{"agent_id": "agent-2"})))

	entries, err := trail.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "agent-2", *entries[0].AgentID)
	require.Equal(t, "agent-1", *entries[1].AgentID)
}

func TestForAgentOrdersOldestFirst(t *testing.T) {
	trail := openTestTrail(t)

	require.NoError(t, trail.record(context.Background(), eventbus.NewEvent(eventbus.SubjectAgentSpawned, "agent-manager", map[string]interface{}{"agent_id": "agent-1"})))
	require.NoError(t, trail.record(context.Background(), eventbus.NewEvent(eventbus.SubjectAgentStopped, "agent-manager", map[string]interface{}{"agent_id": "agent-1"})))

	entries, err := trail.ForAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, eventbus.SubjectAgentSpawned, entries[0].Subject)
	require.Equal(t, eventbus.SubjectAgentStopped, entries[1].Subject)
}
