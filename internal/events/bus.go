// Package events is the in-process publish/subscribe channel the sync engine
// uses to notify observers (UI indicators, status endpoints) of state
// transitions.
package events

import (
	"sync"

	"go.uber.org/zap"

	"task-sync-engine/internal/logger"
)

type Type string

const (
	Online              Type = "online"
	Offline             Type = "offline"
	SyncStarted         Type = "sync_started"
	SyncCompleted       Type = "sync_completed"
	SyncFailed          Type = "sync_failed"
	PendingCountChanged Type = "pending_count_changed"
	ConflictDetected    Type = "conflict_detected"
)

type Event struct {
	Type Type

	// SyncedCount is set on SyncCompleted.
	SyncedCount int
	// Reason is set on SyncFailed.
	Reason string
	// Delta is set on PendingCountChanged (+1 enqueue, -1 confirmed or
	// converted to a conflict).
	Delta int
	// EntityID is set on ConflictDetected.
	EntityID string
}

type Handler func(Event)

// Bus delivers events to subscribers in subscription order. Publish is
// synchronous; a panicking subscriber is recovered and logged so it cannot
// prevent delivery to the remaining subscribers.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	order   []int
	handler map[int]Handler
}

func NewBus() *Bus {
	return &Bus{
		handler: make(map[int]Handler),
	}
}

// Subscribe registers a handler and returns an unsubscribe function.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.order = append(b.order, id)
	b.handler[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handler, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		if h, ok := b.handler[id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		deliver(h, e)
	}
}

func deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Event subscriber panicked",
				zap.String("event", string(e.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	h(e)
}
