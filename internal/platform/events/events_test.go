package events

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/buildbox/internal/domain"
)

func recv(t *testing.T, ch <-chan domain.Event) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return domain.Event{}
	}
}

func TestLocalBusFanOut(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	b, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	ev := domain.Event{JobID: "j1", Toolchain: "cpp", State: domain.StateExecuting, At: time.Now()}
	require.NoError(t, bus.Publish(ctx, ev))

	assert.Equal(t, "j1", recv(t, a).JobID)
	assert.Equal(t, domain.StateExecuting, recv(t, b).State)
}

func TestLocalBusClosesOnCancel(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not closed")
	}
	assert.NoError(t, bus.Publish(context.Background(), domain.Event{JobID: "late"}))
}

func TestLocalBusDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(ctx, domain.Event{JobID: "j"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

// TestRedisBus runs against a real server when REDIS_ADDR is set.
func TestRedisBus(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	bus, err := NewRedisBus(addr)
	require.NoError(t, err)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	jobID := uuid.NewString()
	require.NoError(t, bus.Publish(ctx, domain.Event{JobID: jobID, State: domain.StateReceived, At: time.Now()}))
	require.NoError(t, bus.Publish(ctx, domain.Event{JobID: jobID, State: domain.StateDone, At: time.Now()}))

	assert.Equal(t, domain.StateReceived, recv(t, ch).State)
	assert.Equal(t, domain.StateDone, recv(t, ch).State)

	history, err := bus.History(ctx, jobID, 100)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.StateReceived, history[0].State)
}
