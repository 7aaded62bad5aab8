package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/bombworks/eventgrid/internal/core/domain"
)

// NextFunc continues the middleware chain with the (possibly transformed)
// event. A middleware that returns without calling next vetoes the event:
// it is dropped and recorded as filtered, not as an error.
type NextFunc func(ctx context.Context, event domain.Event) error

// Middleware inspects, transforms, or vetoes an event before dispatch.
type Middleware func(ctx context.Context, event domain.Event, next NextFunc) error

type middlewareEntry struct {
	id       uuid.UUID
	priority int
	fn       Middleware
}

// middlewareChain holds an ordered middleware list. Entries run in
// descending priority order; insertion order breaks ties.
type middlewareChain struct {
	mu      sync.RWMutex
	entries []middlewareEntry
}

func newMiddlewareChain() *middlewareChain {
	return &middlewareChain{}
}

func (c *middlewareChain) add(fn Middleware, priority int) uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := middlewareEntry{id: uuid.New(), priority: priority, fn: fn}
	c.entries = append(c.entries, entry)
	sort.SliceStable(c.entries, func(i, j int) bool {
		return c.entries[i].priority > c.entries[j].priority
	})
	return entry.id
}

func (c *middlewareChain) remove(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, entry := range c.entries {
		if entry.id == id {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (c *middlewareChain) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// run threads the event through the chain. It returns the final event and
// whether it survived; vetoed events report proceeded=false. A middleware
// error also vetoes, surfaced to the caller for logging only.
func (c *middlewareChain) run(ctx context.Context, event domain.Event) (final domain.Event, proceeded bool, err error) {
	c.mu.RLock()
	entries := make([]middlewareEntry, len(c.entries))
	copy(entries, c.entries)
	c.mu.RUnlock()

	if len(entries) == 0 {
		return event, true, nil
	}

	var build func(i int) NextFunc
	build = func(i int) NextFunc {
		if i == len(entries) {
			return func(_ context.Context, e domain.Event) error {
				final = e
				proceeded = true
				return nil
			}
		}
		return func(ctx context.Context, e domain.Event) error {
			return entries[i].fn(ctx, e, build(i+1))
		}
	}

	err = build(0)(ctx, event)
	if err != nil {
		proceeded = false
	}
	return final, proceeded, err
}
