package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// dedupCache remembers which event IDs have been delivered to which
// subscriptions so exactly-once redelivery (including replay) can skip
// handlers that already ran. Memory is bounded by a rolling window: entries
// older than the window are pruned on access.
type dedupCache struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[uuid.UUID]map[uuid.UUID]time.Time // subscription -> event -> delivered at
	now    func() time.Time
}

// defaultDedupWindow applies when the bus has no default TTL configured.
const defaultDedupWindow = 5 * time.Minute

func newDedupCache(window time.Duration) *dedupCache {
	if window <= 0 {
		window = defaultDedupWindow
	}
	return &dedupCache{
		window: window,
		seen:   make(map[uuid.UUID]map[uuid.UUID]time.Time),
		now:    time.Now,
	}
}

// firstDelivery records the event for the subscription and reports whether
// this is the first time it has been delivered within the window.
func (c *dedupCache) firstDelivery(subscriptionID, eventID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	events, ok := c.seen[subscriptionID]
	if !ok {
		events = make(map[uuid.UUID]time.Time)
		c.seen[subscriptionID] = events
	} else {
		c.pruneLocked(events, now)
	}

	if _, delivered := events[eventID]; delivered {
		return false
	}
	events[eventID] = now
	return true
}

// Delivered reports whether the event was already delivered without
// recording it.
func (c *dedupCache) delivered(subscriptionID, eventID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	events, ok := c.seen[subscriptionID]
	if !ok {
		return false
	}
	c.pruneLocked(events, c.now())
	_, delivered := events[eventID]
	return delivered
}

func (c *dedupCache) pruneLocked(events map[uuid.UUID]time.Time, now time.Time) {
	cutoff := now.Add(-c.window)
	for id, at := range events {
		if at.Before(cutoff) {
			delete(events, id)
		}
	}
}

// forget un-records a single delivery so a failed handler run does not block
// later redelivery.
func (c *dedupCache) forget(subscriptionID, eventID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if events, ok := c.seen[subscriptionID]; ok {
		delete(events, eventID)
	}
}

// forgetSubscription drops all state for a removed subscription.
func (c *dedupCache) forgetSubscription(subscriptionID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, subscriptionID)
}
