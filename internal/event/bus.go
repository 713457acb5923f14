// Package event provides the in-memory plugin.EventBus the agent uses to
// fan poll results out to the WebSocket stream and other listeners.
package event

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exaviz/poewatch/pkg/plugin"
)

// Compile-time interface guard.
var _ plugin.EventBus = (*Bus)(nil)

// Bus is an in-memory event bus. Publish runs handlers in the caller's
// goroutine; PublishAsync gives each handler its own goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	all      []subscription
	nextID   uint64
	logger   *zap.Logger
	now      func() time.Time
}

type subscription struct {
	id      uint64
	handler plugin.EventHandler
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]subscription),
		logger:   logger,
		now:      time.Now,
	}
}

// Publish delivers event to topic subscribers, then to catch-all
// subscribers, and returns once every handler has run.
func (b *Bus) Publish(ctx context.Context, event plugin.Event) error {
	event = b.stamp(event)
	for _, s := range b.targets(event.Topic) {
		b.safeCall(ctx, s.handler, event)
	}
	return nil
}

// PublishAsync delivers event without waiting for handlers.
func (b *Bus) PublishAsync(ctx context.Context, event plugin.Event) {
	event = b.stamp(event)
	for _, s := range b.targets(event.Topic) {
		go b.safeCall(ctx, s.handler, event)
	}
}

// Subscribe registers handler for topic. The returned func removes it.
func (b *Bus) Subscribe(topic string, handler plugin.EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	subs := b.handlers[topic]
	id := b.add(&subs, handler)
	b.handlers[topic] = subs
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[topic]
		remove(&subs, id)
		if len(subs) == 0 {
			delete(b.handlers, topic)
		} else {
			b.handlers[topic] = subs
		}
	}
}

// SubscribeAll registers handler for every topic.
func (b *Bus) SubscribeAll(handler plugin.EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.add(&b.all, handler)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		remove(&b.all, id)
	}
}

// add must be called with mu held.
func (b *Bus) add(subs *[]subscription, handler plugin.EventHandler) uint64 {
	id := b.nextID
	b.nextID++
	*subs = append(*subs, subscription{id: id, handler: handler})
	return id
}

func remove(subs *[]subscription, id uint64) {
	for i, s := range *subs {
		if s.id == id {
			*subs = append((*subs)[:i:i], (*subs)[i+1:]...)
			return
		}
	}
}

// targets snapshots the handlers for topic so delivery runs unlocked.
func (b *Bus) targets(topic string) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]subscription, 0, len(b.handlers[topic])+len(b.all))
	out = append(out, b.handlers[topic]...)
	return append(out, b.all...)
}

func (b *Bus) stamp(event plugin.Event) plugin.Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}
	return event
}

func (b *Bus) safeCall(ctx context.Context, handler plugin.EventHandler, event plugin.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", event.Topic),
				zap.String("source", event.Source),
				zap.String("event_id", event.ID),
				zap.Any("panic", r),
			)
		}
	}()
	handler(ctx, event)
}
