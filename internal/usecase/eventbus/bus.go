// Package eventbus fans out domain events to in-process observers.
package eventbus

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"pagechat/internal/domain"
)

var _ domain.EventBus = (*Bus)(nil)

// subscription matches one event type, or every type when all is set.
type subscription struct {
	id      uint64
	typ     domain.EventType
	all     bool
	handler domain.EventHandler
}

func (s subscription) matches(t domain.EventType) bool { return s.all || s.typ == t }

// Bus is an in-process, goroutine-safe event bus. Handlers run on their own
// goroutines, so a slow observer never stalls the broker's stream loop.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Publish delivers event to every matching subscriber. Publishing on a closed
// bus is a no-op.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.matches(event.Type) {
			b.dispatch(ctx, event, sub.handler)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, h domain.EventHandler) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"correlation_id", event.CorrelationID,
					"panic", r,
				)
			}
		}()
		h(ctx, event)
	}()
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(subscription{typ: eventType, handler: handler})
}

// SubscribeAll registers a handler that receives every event.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(subscription{all: true, handler: handler})
}

// add stores subs copy-on-write so Publish can range over a snapshot
// without holding the lock.
func (b *Bus) add(sub subscription) func() {
	sub.id = b.nextID.Add(1)

	b.mu.Lock()
	b.subs = append(slices.Clip(b.subs), sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.subs = slices.DeleteFunc(slices.Clone(b.subs), func(s subscription) bool {
				return s.id == sub.id
			})
		})
	}
}

// Close prevents new publishes and waits for in-flight handlers to finish.
// Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
