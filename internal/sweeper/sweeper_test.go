package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

type fakeSessionManager struct {
	mu      sync.Mutex
	idle    []IdleRecord
	stopped []string
	failFor map[string]bool
}

func (f *fakeSessionManager) IdleSessions() []IdleRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle
}

func (f *fakeSessionManager) Stop(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[sessionID] {
		return context.DeadlineExceeded
	}
	f.stopped = append(f.stopped, sessionID)
	return nil
}

func TestSweepOnceStopsEveryIdleSession(t *testing.T) {
	sessions := &fakeSessionManager{idle: []IdleRecord{{SessionID: "session-1"}, {SessionID: "session-2"}}}
	s := New(sessions, testLogger(t), time.Hour)

	s.sweepOnce(context.Background())

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	require.ElementsMatch(t, []string{"session-1", "session-2"}, sessions.stopped)
}

func TestSweepOnceContinuesAfterStopFailure(t *testing.T) {
	sessions := &fakeSessionManager{
		idle:    []IdleRecord{{SessionID: "session-1"}, {SessionID: "session-2"}},
		failFor: map[string]bool{"session-1": true},
	}
	s := New(sessions, testLogger(t), time.Hour)

	require.NotPanics(t, func() {
		s.sweepOnce(context.Background())
	})

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	require.Equal(t, []string{"session-2"}, sessions.stopped)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sessions := &fakeSessionManager{}
	s := New(sessions, testLogger(t), time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestRunSweepsOnEachTick(t *testing.T) {
	sessions := &fakeSessionManager{idle: []IdleRecord{{SessionID: "session-1"}}}
	s := New(sessions, testLogger(t), 2*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		sessions.mu.Lock()
		defer sessions.mu.Unlock()
		return len(sessions.stopped) > 0
	}, time.Second, 5*time.Millisecond)
}
