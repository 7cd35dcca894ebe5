package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicOrderStatusChanged)

	bus.Publish(OrderStatusChanged{
		BaseEvent: BaseEvent{At: time.Now()},
		OrderID:   "ORD_1",
		OldStatus: "PENDING",
		NewStatus: "SUBMITTED",
	})

	select {
	case event := <-ch:
		changed, ok := event.(OrderStatusChanged)
		require.True(t, ok)
		assert.Equal(t, "ORD_1", changed.OrderID)
		assert.Equal(t, "SUBMITTED", changed.NewStatus)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	orders := bus.Subscribe(TopicOrderStatusChanged)
	positions := bus.Subscribe(TopicPositionUpdated)

	bus.Publish(PositionUpdated{BaseEvent: BaseEvent{At: time.Now()}, Symbol: "BTC-USDT"})

	select {
	case <-positions:
	case <-time.After(time.Second):
		t.Fatal("position subscriber did not receive event")
	}

	select {
	case event := <-orders:
		t.Fatalf("order subscriber received foreign event: %v", event)
	default:
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicOrderStatusChanged)

	// Publish past the buffer without draining; the publisher must not
	// block, and the newest events must survive.
	total := subscriberBuffer + 10
	for i := 0; i < total; i++ {
		bus.Publish(OrderStatusChanged{
			BaseEvent: BaseEvent{At: time.Now()},
			OrderID:   fmt.Sprintf("ORD_%d", i),
		})
	}

	var received []OrderStatusChanged
	for {
		select {
		case event := <-ch:
			received = append(received, event.(OrderStatusChanged))
			continue
		default:
		}
		break
	}

	require.Len(t, received, subscriberBuffer)
	// The dropped events are the oldest ones
	assert.Equal(t, fmt.Sprintf("ORD_%d", total-1), received[len(received)-1].OrderID)
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicPositionUpdated)
	bus.Close()

	// Must not panic on a closed channel
	bus.Publish(PositionUpdated{BaseEvent: BaseEvent{At: time.Now()}, Symbol: "BTC-USDT"})

	_, open := <-ch
	assert.False(t, open)

	// Double close is a no-op
	bus.Close()
}
