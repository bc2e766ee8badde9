package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryFollowsSubscriptionOrder(t *testing.T) {
	bus := NewBus()

	var order []int
	bus.Subscribe(func(Event) { order = append(order, 1) })
	bus.Subscribe(func(Event) { order = append(order, 2) })
	bus.Subscribe(func(Event) { order = append(order, 3) })

	bus.Publish(Event{Type: SyncStarted})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()

	var delivered []string
	bus.Subscribe(func(Event) { delivered = append(delivered, "first") })
	bus.Subscribe(func(Event) { panic("subscriber bug") })
	bus.Subscribe(func(Event) { delivered = append(delivered, "last") })

	bus.Publish(Event{Type: Online})

	assert.Equal(t, []string{"first", "last"}, delivered)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()

	calls := 0
	unsubscribe := bus.Subscribe(func(Event) { calls++ })

	bus.Publish(Event{Type: Offline})
	unsubscribe()
	bus.Publish(Event{Type: Offline})

	assert.Equal(t, 1, calls)
}

func TestEventPayloadFields(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe(func(e Event) { got = e })

	bus.Publish(Event{Type: SyncCompleted, SyncedCount: 7})
	assert.Equal(t, SyncCompleted, got.Type)
	assert.Equal(t, 7, got.SyncedCount)

	bus.Publish(Event{Type: ConflictDetected, EntityID: "t1"})
	assert.Equal(t, "t1", got.EntityID)

	bus.Publish(Event{Type: PendingCountChanged, Delta: -1})
	assert.Equal(t, -1, got.Delta)
}
