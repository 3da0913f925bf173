package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// eventSink collects delivered events; handlers run on their own goroutines.
type eventSink struct {
	mu     sync.Mutex
	events []*Event
}

func (s *eventSink) handler(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *eventSink) waitForCount(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		got := len(s.events)
		s.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d events", n)
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestPublishSubscribeExact(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	sink := &eventSink{}
	_, err := b.Subscribe("task.created", sink.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "task.created",
		NewEvent("task.created", "test", map[string]any{"task_id": "t1"})))
	sink.waitForCount(t, 1)

	// Non-matching subject is ignored.
	require.NoError(t, b.Publish(context.Background(), "task.transition",
		NewEvent("task.transition", "test", nil)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sink.count())
}

func TestWildcardSingleToken(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	sink := &eventSink{}
	_, err := b.Subscribe("task.*", sink.handler)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "task.created", NewEvent("task.created", "test", nil)))
	require.NoError(t, b.Publish(ctx, "task.transition", NewEvent("task.transition", "test", nil)))
	sink.waitForCount(t, 2)

	// * matches exactly one token.
	require.NoError(t, b.Publish(ctx, "task.created.extra", NewEvent("x", "test", nil)))
	require.NoError(t, b.Publish(ctx, "session.ended", NewEvent("session.ended", "test", nil)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, sink.count())
}

func TestWildcardRest(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	sink := &eventSink{}
	_, err := b.Subscribe("task.>", sink.handler)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "task.created", NewEvent("x", "test", nil)))
	require.NoError(t, b.Publish(ctx, "task.created.deep.subject", NewEvent("x", "test", nil)))
	sink.waitForCount(t, 2)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	sink := &eventSink{}
	sub, err := b.Subscribe("task.created", sink.handler)
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "task.created", NewEvent("x", "test", nil)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, sink.count())
}

func TestCloseRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "task.created", NewEvent("x", "test", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("task.created", func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	a, c := &eventSink{}, &eventSink{}
	_, err := b.Subscribe("task.created", a.handler)
	require.NoError(t, err)
	_, err = b.Subscribe("task.*", c.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "task.created", NewEvent("x", "test", nil)))
	a.waitForCount(t, 1)
	c.waitForCount(t, 1)
}
