package eventbus

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

func TestMemoryBusDeliversExactSubjectMatch(t *testing.T) {
	bus := NewMemoryBus(testLogger(t))
	defer bus.Close()

	received := make(chan *Event, 1)
	_, err := bus.Subscribe(SubjectAgentSpawned, func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	event := NewEvent(SubjectAgentSpawned, "agent-manager", map[string]interface{}{"agent_id": "agent-1"})
	require.NoError(t, bus.Publish(context.Background(), SubjectAgentSpawned, event))

	select {
	case got := <-received:
		require.Equal(t, event.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestMemoryBusWildcardSubjectMatch(t *testing.T) {
	bus := NewMemoryBus(testLogger(t))
	defer bus.Close()

	received := make(chan string, 4)
	_, err := bus.Subscribe("agentdeck.agent.*", func(ctx context.Context, event *Event) error {
		received <- event.Type
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), SubjectAgentSpawned, NewEvent(SubjectAgentSpawned, "agent-manager", nil)))
	require.NoError(t, bus.Publish(context.Background(), SubjectAgentStopped, NewEvent(SubjectAgentStopped, "agent-manager", nil)))
	require.NoError(t, bus.Publish(context.Background(), SubjectSessionLaunch, NewEvent(SubjectSessionLaunch, "session-manager", nil)))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case subject := <-received:
			seen[subject] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for wildcard deliveries, got %v", seen)
		}
	}
	require.True(t, seen[SubjectAgentSpawned])
	require.True(t, seen[SubjectAgentStopped])
	require.False(t, seen[SubjectSessionLaunch])
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus(testLogger(t))
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	sub, err := bus.Subscribe(SubjectAgentSpawned, func(ctx context.Context, event *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), SubjectAgentSpawned, NewEvent(SubjectAgentSpawned, "agent-manager", nil)))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
	require.False(t, sub.IsValid())

	require.NoError(t, bus.Publish(context.Background(), SubjectAgentSpawned, NewEvent(SubjectAgentSpawned, "agent-manager", nil)))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestMemoryBusPublishAfterCloseFails(t *testing.T) {
	bus := NewMemoryBus(testLogger(t))
	bus.Close()

	require.False(t, bus.IsConnected())
	err := bus.Publish(context.Background(), SubjectAgentSpawned, NewEvent(SubjectAgentSpawned, "agent-manager", nil))
	require.Error(t, err)
}

func TestMemoryBusSubscribeAfterCloseFails(t *testing.T) {
	bus := NewMemoryBus(testLogger(t))
	bus.Close()

	_, err := bus.Subscribe(SubjectAgentSpawned, func(ctx context.Context, event *Event) error { return nil })
	require.Error(t, err)
}
