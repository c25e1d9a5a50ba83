package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/apperrors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/eventbus"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeContainerManager is an in-memory double for ContainerManager.
type fakeContainerManager struct {
	SpawnFn  func(ctx context.Context, opts SpawnOptions) (AgentRecord, error)
	StopFn   func(ctx context.Context, agentID string) error
	StartFn  func(ctx context.Context, agentID, ambientAPIKey string) (AgentRecord, bool, error)
	DeleteFn func(ctx context.Context, agentID string) error

	deletedAgents []string
	nextAgentID   int
}

func (f *fakeContainerManager) Spawn(ctx context.Context, opts SpawnOptions) (AgentRecord, error) {
	if f.SpawnFn != nil {
		return f.SpawnFn(ctx, opts)
	}
	f.nextAgentID++
	return AgentRecord{AgentID: "agent-fake", ConfigID: "agent-fake", Status: "running"}, nil
}

func (f *fakeContainerManager) Stop(ctx context.Context, agentID string) error {
	if f.StopFn != nil {
		return f.StopFn(ctx, agentID)
	}
	return nil
}

func (f *fakeContainerManager) Start(ctx context.Context, agentID, ambientAPIKey string) (AgentRecord, bool, error) {
	if f.StartFn != nil {
		return f.StartFn(ctx, agentID, ambientAPIKey)
	}
	return AgentRecord{AgentID: agentID, ConfigID: agentID, Status: "running"}, false, nil
}

func (f *fakeContainerManager) Delete(ctx context.Context, agentID string) error {
	f.deletedAgents = append(f.deletedAgents, agentID)
	if f.DeleteFn != nil {
		return f.DeleteFn(ctx, agentID)
	}
	return nil
}

func newTestSessionManager(t *testing.T, cm ContainerManager, idleTimeout time.Duration) *Manager {
	t.Helper()
	return NewManager(cm, eventbus.NewMemoryBus(testLogger(t)), testLogger(t), idleTimeout, nil)
}

func TestLaunchIndexesSessionByAgent(t *testing.T) {
	mgr := newTestSessionManager(t, &fakeContainerManager{}, time.Hour)

	record, agentRecord, err := mgr.Launch(context.Background(), "sk-ant-test", map[string]interface{}{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, record.SessionID)
	require.NotEmpty(t, record.SessionToken)
	require.Equal(t, "agent-fake", agentRecord.AgentID)

	byAgent, err := mgr.GetForAgent(agentRecord.AgentID)
	require.NoError(t, err)
	require.Equal(t, record.SessionID, byAgent.SessionID)
}

func TestLaunchPropagatesSpawnFailure(t *testing.T) {
	cm := &fakeContainerManager{
		SpawnFn: func(ctx context.Context, opts SpawnOptions) (AgentRecord, error) {
			return AgentRecord{}, apperrors.BadRequest("api_key is required")
		},
	}
	mgr := newTestSessionManager(t, cm, time.Hour)

	_, _, err := mgr.Launch(context.Background(), "", map[string]interface{}{}, nil)
	require.True(t, apperrors.Is(err, apperrors.ErrCodeBadRequest))
	require.Empty(t, mgr.List())
}

func TestAuthorizeBySessionToken(t *testing.T) {
	mgr := newTestSessionManager(t, &fakeContainerManager{}, time.Hour)
	record, _, err := mgr.Launch(context.Background(), "sk-ant-test", map[string]interface{}{}, nil)
	require.NoError(t, err)

	ok, err := mgr.Authorize(record.SessionID, record.SessionToken, "")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mgr.Authorize(record.SessionID, "wrong-token", "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAuthorizeByAPIKeyHeader(t *testing.T) {
	mgr := newTestSessionManager(t, &fakeContainerManager{}, time.Hour)
	record, _, err := mgr.Launch(context.Background(), "sk-ant-test", map[string]interface{}{}, nil)
	require.NoError(t, err)

	ok, err := mgr.Authorize(record.SessionID, "", "Bearer sk-ant-test")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mgr.Authorize(record.SessionID, "", "Bearer sk-ant-wrong")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAuthorizeUnknownSession(t *testing.T) {
	mgr := newTestSessionManager(t, &fakeContainerManager{}, time.Hour)
	_, err := mgr.Authorize("missing", "any-token", "")
	require.True(t, apperrors.Is(err, apperrors.ErrCodeUnknownSession))
}

func TestRotateTokenReplacesSecretAndDoesNotDeadlockOnPersist(t *testing.T) {
	mgr := newTestSessionManager(t, &fakeContainerManager{}, time.Hour)
	mgr.SetPersist(func() error {
		mgr.Snapshot() // would deadlock if called while RotateToken still holds the write lock
		return nil
	})

	record, _, err := mgr.Launch(context.Background(), "sk-ant-test", map[string]interface{}{}, nil)
	require.NoError(t, err)

	newToken, err := mgr.RotateToken(record.SessionID)
	require.NoError(t, err)
	require.NotEqual(t, record.SessionToken, newToken)

	ok, err := mgr.Authorize(record.SessionID, newToken, "")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTouchIsSilentNoOpOnUnknownSession(t *testing.T) {
	mgr := newTestSessionManager(t, &fakeContainerManager{}, time.Hour)
	require.NotPanics(t, func() {
		mgr.Touch("does-not-exist")
	})
}

func TestDeleteForgetsSessionEvenWhenAgentDeleteFails(t *testing.T) {
	cm := &fakeContainerManager{
		DeleteFn: func(ctx context.Context, agentID string) error {
			return context.DeadlineExceeded
		},
	}
	mgr := newTestSessionManager(t, cm, time.Hour)

	record, agentRecord, err := mgr.Launch(context.Background(), "sk-ant-test", map[string]interface{}{}, nil)
	require.NoError(t, err)

	err = mgr.Delete(context.Background(), record.SessionID)
	require.NoError(t, err)
	require.Contains(t, cm.deletedAgents, agentRecord.AgentID)

	_, err = mgr.Get(record.SessionID)
	require.True(t, apperrors.Is(err, apperrors.ErrCodeUnknownSession))

	_, err = mgr.GetForAgent(agentRecord.AgentID)
	require.True(t, apperrors.Is(err, apperrors.ErrCodeUnknownSession))
}

func TestIdleSessionsDisabledWhenTimeoutZero(t *testing.T) {
	mgr := newTestSessionManager(t, &fakeContainerManager{}, 0)
	_, _, err := mgr.Launch(context.Background(), "sk-ant-test", map[string]interface{}{}, nil)
	require.NoError(t, err)
	require.Nil(t, mgr.IdleSessions())
}

func TestIdleSessionsReturnsStaleRecords(t *testing.T) {
	mgr := newTestSessionManager(t, &fakeContainerManager{}, time.Millisecond)
	record, _, err := mgr.Launch(context.Background(), "sk-ant-test", map[string]interface{}{}, nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	idle := mgr.IdleSessions()
	require.Len(t, idle, 1)
	require.Equal(t, record.SessionID, idle[0].SessionID)
}

func TestStartTouchesSessionOnSuccess(t *testing.T) {
	mgr := newTestSessionManager(t, &fakeContainerManager{}, time.Millisecond)
	record, _, err := mgr.Launch(context.Background(), "sk-ant-test", map[string]interface{}{}, nil)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.Len(t, mgr.IdleSessions(), 1)

	_, err = mgr.Start(context.Background(), record.SessionID, "")
	require.NoError(t, err)
	require.Empty(t, mgr.IdleSessions())
}

func TestStartUpdatesAPIKeyHashWhenContainerRecreated(t *testing.T) {
	cm := &fakeContainerManager{
		StartFn: func(ctx context.Context, agentID, ambientAPIKey string) (AgentRecord, bool, error) {
			return AgentRecord{AgentID: agentID, ConfigID: agentID, Status: "running"}, true, nil
		},
	}
	mgr := newTestSessionManager(t, cm, time.Hour)
	record, _, err := mgr.Launch(context.Background(), "sk-ant-original", map[string]interface{}{}, nil)
	require.NoError(t, err)

	_, err = mgr.Start(context.Background(), record.SessionID, "sk-ant-rotated")
	require.NoError(t, err)

	ok, err := mgr.Authorize(record.SessionID, "", "Bearer sk-ant-rotated")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mgr.Authorize(record.SessionID, "", "Bearer sk-ant-original")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStartLeavesAPIKeyHashUnchangedWhenNotRecreated(t *testing.T) {
	mgr := newTestSessionManager(t, &fakeContainerManager{}, time.Hour)
	record, _, err := mgr.Launch(context.Background(), "sk-ant-original", map[string]interface{}{}, nil)
	require.NoError(t, err)

	_, err = mgr.Start(context.Background(), record.SessionID, "")
	require.NoError(t, err)

	ok, err := mgr.Authorize(record.SessionID, "", "Bearer sk-ant-original")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestIdleSessionsExcludesRecentlyTouched(t *testing.T) {
	mgr := newTestSessionManager(t, &fakeContainerManager{}, time.Hour)
	record, _, err := mgr.Launch(context.Background(), "sk-ant-test", map[string]interface{}{}, nil)
	require.NoError(t, err)

	mgr.Touch(record.SessionID)
	require.Empty(t, mgr.IdleSessions())
}
