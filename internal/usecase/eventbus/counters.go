package eventbus

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"pagechat/internal/domain"
)

// Counters tallies events by type. The broker exposes a snapshot on its
// health endpoint and logs it at shutdown.
type Counters struct {
	mu     sync.Mutex
	counts map[domain.EventType]int64
	logger *slog.Logger
	unsub  func()
}

// Count subscribes a new Counters to every event on bus. Each event is also
// logged at debug level.
func Count(bus domain.EventBus, logger *slog.Logger) *Counters {
	c := &Counters{counts: make(map[domain.EventType]int64), logger: logger}
	c.unsub = bus.SubscribeAll(c.observe)
	return c
}

func (c *Counters) observe(_ context.Context, ev domain.Event) {
	c.mu.Lock()
	c.counts[ev.Type]++
	c.mu.Unlock()
	c.logger.Debug("event", "type", string(ev.Type), "correlation_id", ev.CorrelationID)
}

// Get returns the count for one event type.
func (c *Counters) Get(t domain.EventType) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[t]
}

// Snapshot returns a copy of all counts keyed by event type name.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts))
	for t, n := range maps.All(c.counts) {
		out[string(t)] = n
	}
	return out
}

// Stop detaches from the bus.
func (c *Counters) Stop() { c.unsub() }
