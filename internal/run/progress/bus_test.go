package progress

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketagent/pocketagent/internal/common/logger"
	"github.com/pocketagent/pocketagent/internal/run/models"
)

func testRun(id string) *models.Run {
	return &models.Run{
		ID:           id,
		Source:       "telegram",
		ThreadKey:    "telegram:123",
		DeliveryMode: models.DeliveryFollowUp,
		Status:       models.RunStatusRunning,
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus(logger.Default())
	defer bus.Close()
	run := testRun("run-1")

	var got []EventType
	bus.Subscribe(run.ID, func(e Event) { got = append(got, e.Type) }, false)

	bus.Publish(New(EventQueued, run))
	bus.Publish(New(EventStarted, run))
	bus.Publish(New(EventSucceeded, run))

	assert.Equal(t, []EventType{EventQueued, EventStarted, EventSucceeded}, got)
}

func TestSubscribeWithReplaySeesPrefixExactlyOnce(t *testing.T) {
	bus := NewBus(logger.Default())
	defer bus.Close()
	run := testRun("run-1")

	bus.Publish(New(EventQueued, run))
	bus.Publish(New(EventStarted, run))

	var got []EventType
	bus.Subscribe(run.ID, func(e Event) { got = append(got, e.Type) }, true)
	bus.Publish(New(EventSucceeded, run))

	assert.Equal(t, []EventType{EventQueued, EventStarted, EventSucceeded}, got)
}

func TestRingBufferDropsOldest(t *testing.T) {
	bus := NewBus(logger.Default(), WithBufferSize(4))
	defer bus.Close()
	run := testRun("run-1")

	for i := 0; i < 10; i++ {
		event := New(EventAssistantTextDelta, run)
		event.Delta = fmt.Sprintf("chunk-%d", i)
		bus.Publish(event)
	}

	var got []string
	bus.Subscribe(run.ID, func(e Event) { got = append(got, e.Delta) }, true)

	require.Equal(t, 4, bus.BufferedLen(run.ID))
	assert.Equal(t, []string{"chunk-6", "chunk-7", "chunk-8", "chunk-9"}, got)
}

func TestTerminalRetentionDropsStream(t *testing.T) {
	bus := NewBus(logger.Default(), WithTerminalRetention(10*time.Millisecond))
	defer bus.Close()
	run := testRun("run-1")

	bus.Publish(New(EventQueued, run))
	bus.Publish(New(EventFailed, run))
	require.Equal(t, 2, bus.BufferedLen(run.ID))

	require.Eventually(t, func() bool {
		return bus.BufferedLen(run.ID) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(logger.Default())
	defer bus.Close()
	run := testRun("run-1")

	var count int
	unsubscribe := bus.Subscribe(run.ID, func(Event) { count++ }, false)
	bus.Publish(New(EventQueued, run))
	unsubscribe()
	bus.Publish(New(EventStarted, run))

	assert.Equal(t, 1, count)
}

func TestListenerPanicDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(logger.Default())
	defer bus.Close()
	run := testRun("run-1")

	var got []EventType
	bus.Subscribe(run.ID, func(Event) { panic("listener bug") }, false)
	bus.Subscribe(run.ID, func(e Event) { got = append(got, e.Type) }, false)

	bus.Publish(New(EventQueued, run))
	bus.Publish(New(EventStarted, run))

	assert.Equal(t, []EventType{EventQueued, EventStarted}, got)
}
