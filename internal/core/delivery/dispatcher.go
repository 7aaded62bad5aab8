// Package delivery layers the at-least-once and exactly-once guarantees and
// reconnection replay on top of the event bus. The bus itself stays ignorant
// of persistence details; this package bridges it to the durable store.
package delivery

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/bombworks/eventgrid/internal/core/bus"
	"github.com/bombworks/eventgrid/internal/core/domain"
	apperrors "github.com/bombworks/eventgrid/internal/core/errors"
	"github.com/bombworks/eventgrid/internal/core/ports"
)

// Dispatcher fulfils replay and redelivery for reconnecting subscribers and
// sweeps expired events out of the durable store.
type Dispatcher struct {
	bus    *bus.Bus
	store  ports.EventStore
	logger *slog.Logger

	sweepInterval time.Duration
	stopSweep     chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSweepInterval overrides how often expired events are purged.
func WithSweepInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.sweepInterval = interval }
}

// NewDispatcher creates the delivery layer over the given bus and store.
func NewDispatcher(b *bus.Bus, store ports.EventStore, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		bus:           b,
		store:         store,
		logger:        logger.With("component", "delivery"),
		sweepInterval: time.Minute,
		stopSweep:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// StartSweep launches the background TTL sweep. It runs until StopSweep.
func (d *Dispatcher) StartSweep() {
	go func() {
		ticker := time.NewTicker(d.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-d.stopSweep:
				return
			case <-ticker.C:
				d.sweepOnce(context.Background())
			}
		}
	}()
}

// StopSweep halts the background TTL sweep. Idempotent via select.
func (d *Dispatcher) StopSweep() {
	select {
	case <-d.stopSweep:
	default:
		close(d.stopSweep)
	}
}

func (d *Dispatcher) sweepOnce(ctx context.Context) {
	purged, err := d.store.ExpireBefore(ctx, time.Now().UTC())
	if err != nil {
		d.logger.Warn("ttl sweep failed", "error", err)
		return
	}
	if purged > 0 {
		d.logger.Debug("ttl sweep purged expired events", "count", purged)
	}
}

// ReplayEvents reads durable events matching the query in ascending
// timestamp order and re-invokes the subscriber's handlers for each one that
// still matches its predicates. Events already delivered to a subscription
// within the dedup window are skipped, as are expired events.
func (d *Dispatcher) ReplayEvents(ctx context.Context, subscriberID string, query ports.ReadFilter) (int, error) {
	subs := d.bus.Registry().SubscriptionsFor(subscriberID)
	if len(subs) == 0 {
		return 0, nil
	}

	events, err := d.readOrdered(ctx, query)
	if err != nil {
		return 0, apperrors.NewReplayError(err)
	}

	retry := d.bus.RetryPolicyInUse()
	now := time.Now().UTC()
	redelivered := 0

	for _, event := range events {
		if event.Expired(now) {
			continue
		}
		for _, sub := range subs {
			if !sub.Subscription.Matches(event) {
				continue
			}
			if !d.bus.FirstDelivery(sub.Subscription.ID, event.EventID) {
				continue
			}
			if err := d.invokeWithRetry(ctx, sub, event, retry); err != nil {
				// Keep the event replayable once the retry budget is spent.
				d.bus.ForgetDelivery(sub.Subscription.ID, event.EventID)
				d.logger.Warn("replay delivery failed after retries",
					"subscription_id", sub.Subscription.ID,
					"event_id", event.EventID,
					"error", err,
				)
				continue
			}
			redelivered++
		}
	}

	return redelivered, nil
}

// EventsSince is the read-only catch-up variant used by reconnecting
// clients: it returns the durable events the subscriber's registrations
// match without invoking any handler.
func (d *Dispatcher) EventsSince(ctx context.Context, subscriberID string, since time.Time) ([]domain.Event, error) {
	subs := d.bus.Registry().SubscriptionsFor(subscriberID)
	if len(subs) == 0 {
		return nil, nil
	}

	categories := make(map[domain.EventCategory]struct{})
	for _, sub := range subs {
		for _, c := range sub.Subscription.Categories {
			categories[c] = struct{}{}
		}
	}
	filter := ports.ReadFilter{Since: since}
	for c := range categories {
		filter.Categories = append(filter.Categories, c)
	}

	events, err := d.readOrdered(ctx, filter)
	if err != nil {
		return nil, apperrors.NewReplayError(err)
	}

	now := time.Now().UTC()
	var matched []domain.Event
	for _, event := range events {
		if event.Expired(now) {
			continue
		}
		for _, sub := range subs {
			if sub.Subscription.Matches(event) {
				matched = append(matched, event)
				break
			}
		}
	}
	return matched, nil
}

// readOrdered fetches from the store and enforces ascending timestamp order
// regardless of backend ordering.
func (d *Dispatcher) readOrdered(ctx context.Context, filter ports.ReadFilter) ([]domain.Event, error) {
	events, err := d.store.ReadRange(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// invokeWithRetry runs one handler with the bus's retry policy, backing off
// exponentially between attempts.
func (d *Dispatcher) invokeWithRetry(ctx context.Context, sub bus.MatchedSubscription, event domain.Event, retry bus.RetryPolicy) error {
	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(retry.Delay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = sub.Handler(ctx, event); lastErr == nil {
			return nil
		}
	}
	return apperrors.NewHandlerFailureError(sub.Subscription.ID.String(), lastErr)
}
