package connectivity

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"task-sync-engine/internal/events"
)

func newTestMonitor(debounce time.Duration, onOnline func()) (*Monitor, *events.Bus) {
	bus := events.NewBus()
	prober := ProberFunc(func(context.Context) bool { return false })
	m := NewMonitor(prober, bus, time.Hour, debounce, onOnline)
	// Seed state without starting the poll loop; tests push observations
	// directly through Observe.
	return m, bus
}

func TestDuplicateObservationsFireNoEvents(t *testing.T) {
	m, bus := newTestMonitor(0, nil)

	var published []events.Type
	bus.Subscribe(func(e events.Event) { published = append(published, e.Type) })

	m.Observe(false)
	m.Observe(false)
	m.Observe(false)

	assert.Empty(t, published)
	assert.False(t, m.IsOnline())
}

func TestTransitionPublishesOnce(t *testing.T) {
	m, bus := newTestMonitor(0, nil)

	var published []events.Type
	bus.Subscribe(func(e events.Event) { published = append(published, e.Type) })

	m.Observe(true)
	m.Observe(true)
	m.Observe(false)
	m.Observe(false)

	assert.Equal(t, []events.Type{events.Online, events.Offline}, published)
}

func TestOnlineTransitionTriggersDrainOncePerTransition(t *testing.T) {
	var drains atomic.Int32
	done := make(chan struct{}, 4)
	m, bus := newTestMonitor(0, func() {
		drains.Add(1)
		done <- struct{}{}
	})

	// Multiple subscribers must not multiply the trigger.
	bus.Subscribe(func(events.Event) {})
	bus.Subscribe(func(events.Event) {})

	m.Observe(true)
	<-done
	assert.Equal(t, int32(1), drains.Load())

	m.Observe(false)
	m.Observe(true)
	<-done
	assert.Equal(t, int32(2), drains.Load())
}

func TestDebounceSuppressesFlapping(t *testing.T) {
	m, bus := newTestMonitor(50*time.Millisecond, nil)

	var published []events.Type
	bus.Subscribe(func(e events.Event) { published = append(published, e.Type) })

	// A single blip shorter than the debounce window must not flip state.
	m.Observe(true)
	m.Observe(false)
	m.Observe(true)
	assert.Empty(t, published)
	assert.False(t, m.IsOnline())

	// Held past the window, the transition goes through.
	time.Sleep(60 * time.Millisecond)
	m.Observe(true)
	assert.Equal(t, []events.Type{events.Online}, published)
	assert.True(t, m.IsOnline())
}
