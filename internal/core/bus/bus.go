package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/bombworks/eventgrid/internal/core/domain"
	apperrors "github.com/bombworks/eventgrid/internal/core/errors"
	"github.com/bombworks/eventgrid/internal/core/ports"
)

// RetryPolicy bounds re-attempts for failed deliveries.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

// Delay returns the backoff before the given attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.BackoffMultiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Config holds the bus's operational parameters, set at Initialize time.
type Config struct {
	DefaultTTL        time.Duration
	MaxEventSizeBytes int
	EnablePersistence bool
	FanoutWorkers     int
	QueueSize         int
	Retry             RetryPolicy
}

func (c *Config) applyDefaults() {
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 16
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Retry.MaxAttempts < 1 {
		c.Retry.MaxAttempts = 1
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = 100 * time.Millisecond
	}
	if c.Retry.BackoffMultiplier < 1 {
		c.Retry.BackoffMultiplier = 2
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Second
	}
}

type busState int

const (
	stateCreated busState = iota
	stateRunning
	statePaused
	stateStopped
)

// Bus is the single authoritative entry and exit point for all events.
type Bus struct {
	registry *Registry
	store    ports.EventStore // nil when persistence is off
	chain    *middlewareChain
	metrics  *rollingMetrics
	logger   *slog.Logger

	mu    sync.Mutex
	state busState
	cfg   Config
	queue []domain.Event // publishes accepted while paused

	inflight sync.WaitGroup
	sem      chan struct{}

	dedup *dedupCache
}

var _ ports.EventBus = (*Bus)(nil)

// New creates a bus in the created state. Publish and Subscribe fail until
// Initialize is called.
func New(registry *Registry, store ports.EventStore, logger *slog.Logger) *Bus {
	return &Bus{
		registry: registry,
		store:    store,
		chain:    newMiddlewareChain(),
		metrics:  newRollingMetrics(),
		dedup:    newDedupCache(0),
		logger:   logger.With("component", "event_bus"),
	}
}

// Initialize applies operational parameters and transitions the bus to
// running. Re-initializing a running bus only updates the parameters.
func (b *Bus) Initialize(cfg Config) error {
	cfg.applyDefaults()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateStopped {
		return apperrors.NewNotRunningError()
	}

	b.cfg = cfg
	b.sem = make(chan struct{}, cfg.FanoutWorkers)
	b.dedup = newDedupCache(cfg.DefaultTTL)
	if !cfg.EnablePersistence {
		b.store = nil
	}
	if b.state == stateCreated {
		b.state = stateRunning
	}

	b.logger.Info("event bus initialized",
		"persistence", b.store != nil,
		"fanout_workers", cfg.FanoutWorkers,
		"default_ttl", cfg.DefaultTTL,
	)
	return nil
}

// Shutdown drains in-flight publishes, clears all subscriptions, and stops
// the bus. Idempotent.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.state == stateStopped {
		b.mu.Unlock()
		return nil
	}
	b.state = stateStopped
	b.queue = nil
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("shutdown drain interrupted", "error", ctx.Err())
	}

	b.registry.Clear()
	b.logger.Info("event bus stopped")
	return nil
}

// Publish validates the event, runs the middleware chain, and fans out to
// every matched subscriber. Handler failures are isolated per subscriber and
// reported in the result, never fatal to the bus.
func (b *Bus) Publish(ctx context.Context, event domain.Event) (ports.PublishResult, error) {
	b.mu.Lock()
	switch b.state {
	case stateCreated, stateStopped:
		b.mu.Unlock()
		return ports.PublishResult{}, apperrors.NewNotRunningError()
	case statePaused:
		if err := b.validateLocked(event); err != nil {
			b.mu.Unlock()
			return ports.PublishResult{}, err
		}
		if len(b.queue) >= b.cfg.QueueSize {
			b.mu.Unlock()
			return ports.PublishResult{}, apperrors.NewInvalidEventError("publish queue full")
		}
		b.queue = append(b.queue, b.normalizeLocked(event))
		b.mu.Unlock()
		return ports.PublishResult{EventID: event.EventID, Queued: true}, nil
	}
	if err := b.validateLocked(event); err != nil {
		b.mu.Unlock()
		return ports.PublishResult{}, err
	}
	event = b.normalizeLocked(event)
	b.mu.Unlock()

	return b.dispatch(ctx, event), nil
}

// validateLocked rejects malformed events before dispatch.
func (b *Bus) validateLocked(event domain.Event) error {
	if err := event.Validate(); err != nil {
		return apperrors.NewInvalidEventError(err.Error())
	}
	if b.cfg.MaxEventSizeBytes > 0 && len(event.Data) > b.cfg.MaxEventSizeBytes {
		return &apperrors.BusError{
			Err:     apperrors.ErrEventTooLarge,
			Message: fmt.Sprintf("payload is %d bytes, maximum is %d", len(event.Data), b.cfg.MaxEventSizeBytes),
			Code:    "INVALID_EVENT",
		}
	}
	return nil
}

// normalizeLocked applies the bus default TTL to events that carry none.
func (b *Bus) normalizeLocked(event domain.Event) domain.Event {
	if event.Metadata.TTL <= 0 && b.cfg.DefaultTTL > 0 {
		event.Metadata.TTL = b.cfg.DefaultTTL
	}
	return event
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event) ports.PublishResult {
	start := time.Now()
	result := ports.PublishResult{EventID: event.EventID}

	b.inflight.Add(1)
	defer b.inflight.Done()

	final, proceeded, mwErr := b.chain.run(ctx, event)
	if mwErr != nil {
		b.logger.Warn("middleware rejected event",
			"event_id", event.EventID,
			"category", event.Category,
			"type", event.Type,
			"error", mwErr,
		)
	}
	if !proceeded {
		b.metrics.incFiltered()
		result.Filtered = true
		result.Duration = time.Since(start)
		return result
	}
	event = final

	b.persist(ctx, event)

	matches := b.registry.Match(event)
	b.metrics.incPublished()

	result.TargetsMatched = len(matches)
	result.Results = b.fanOut(ctx, event, matches)
	for _, tr := range result.Results {
		if tr.Err == nil {
			result.TargetsReached++
		}
	}

	b.metrics.incDelivered(uint64(result.TargetsReached))
	b.metrics.incFailed(uint64(len(result.Results) - result.TargetsReached))

	result.Duration = time.Since(start)
	return result
}

// persist appends non fire-and-forget events to the durable store. A store
// failure degrades to in-memory-only delivery with a warning; it is never a
// publish failure.
func (b *Bus) persist(ctx context.Context, event domain.Event) {
	if b.store == nil || event.Metadata.DeliveryMode == domain.DeliveryFireAndForget {
		return
	}

	write := func() {
		if err := b.store.Append(ctx, event); err != nil {
			b.logger.Warn("durable append failed, delivery degraded to in-memory",
				"event_id", event.EventID,
				"delivery_mode", event.Metadata.DeliveryMode,
				"error", err,
			)
			b.metrics.incFailed(1)
		}
	}

	// exactly_once is only acknowledged once the write completes;
	// at_least_once may write concurrently with in-memory dispatch.
	if event.Metadata.DeliveryMode == domain.DeliveryExactlyOnce {
		write()
		return
	}

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		write()
	}()
}

// fanOut invokes every matched handler through the bounded worker pool.
// Match results were already copied out of the registry, so no lock is held
// across handler execution.
func (b *Bus) fanOut(ctx context.Context, event domain.Event, matches []MatchedSubscription) []ports.TargetResult {
	if len(matches) == 0 {
		return nil
	}

	results := make([]ports.TargetResult, len(matches))
	var wg sync.WaitGroup

	for i, match := range matches {
		dedupe := event.Metadata.DeliveryMode == domain.DeliveryExactlyOnce || match.Subscription.Options.Deduplicate
		if dedupe && !b.dedup.firstDelivery(match.Subscription.ID, event.EventID) {
			// Already delivered to this subscriber; count as reached
			// without re-invoking the handler.
			results[i] = ports.TargetResult{
				SubscriptionID: match.Subscription.ID,
				SubscriberID:   match.Subscription.SubscriberID,
			}
			continue
		}

		wg.Add(1)
		b.sem <- struct{}{}
		go func(i int, match MatchedSubscription, dedupe bool) {
			defer wg.Done()
			defer func() { <-b.sem }()

			err := b.invoke(ctx, match, event)
			if err != nil && dedupe {
				// A failed delivery must stay eligible for replay.
				b.dedup.forget(match.Subscription.ID, event.EventID)
			}
			results[i] = ports.TargetResult{
				SubscriptionID: match.Subscription.ID,
				SubscriberID:   match.Subscription.SubscriberID,
				Err:            err,
			}
		}(i, match, dedupe)
	}

	wg.Wait()
	return results
}

// invoke runs one handler, converting panics and errors into per-target
// failures.
func (b *Bus) invoke(ctx context.Context, match MatchedSubscription, event domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewHandlerFailureError(match.Subscription.ID.String(), fmt.Errorf("panic: %v", r))
			b.logger.Error("handler panicked",
				"subscription_id", match.Subscription.ID,
				"event_id", event.EventID,
				"panic", r,
			)
		}
	}()

	if herr := match.Handler(ctx, event); herr != nil {
		return apperrors.NewHandlerFailureError(match.Subscription.ID.String(), herr)
	}
	return nil
}

// PublishBatch dispatches a slice of events under the given batch semantics.
func (b *Bus) PublishBatch(ctx context.Context, events []domain.Event, opts ports.BatchOptions) (ports.BatchResult, error) {
	b.mu.Lock()
	if b.state != stateRunning && b.state != statePaused {
		b.mu.Unlock()
		return ports.BatchResult{}, apperrors.NewNotRunningError()
	}
	retry := b.cfg.Retry
	b.mu.Unlock()

	batch := ports.BatchResult{Size: len(events)}
	if len(events) == 0 {
		return batch, nil
	}

	switch opts.Mode {
	case ports.BatchParallel:
		batch.Results = make([]ports.PublishResult, len(events))
		errs := make([]error, len(events))
		var wg sync.WaitGroup
		for i, event := range events {
			wg.Add(1)
			go func(i int, event domain.Event) {
				defer wg.Done()
				batch.Results[i], errs[i] = b.Publish(ctx, event)
			}(i, event)
		}
		wg.Wait()
		for i, event := range events {
			failed := batchEntryFailed(batch.Results[i], errs[i])
			if failed && opts.FailureHandling == ports.RetryFailed {
				var ctxErr error
				batch.Results[i], failed, ctxErr = b.retryEntry(ctx, event, batch.Results[i], retry)
				if ctxErr != nil {
					batch.Failed++
					batch.Aborted = true
					return batch, ctxErr
				}
			}
			if failed {
				batch.Failed++
			} else {
				batch.Succeeded++
			}
		}
		// Parallel entries are already in flight together, so fail_fast
		// cannot stop siblings; it reports the abort once the wave
		// completes.
		if batch.Failed > 0 && opts.FailureHandling == ports.FailFast {
			batch.Aborted = true
			return batch, apperrors.ErrBatchAborted
		}

	case ports.BatchPriorityOrdered:
		ordered := make([]domain.Event, len(events))
		copy(ordered, events)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Metadata.Priority > ordered[j].Metadata.Priority
		})
		return b.publishSequential(ctx, ordered, opts, retry)

	default: // sequential
		return b.publishSequential(ctx, events, opts, retry)
	}

	return batch, nil
}

func (b *Bus) publishSequential(ctx context.Context, events []domain.Event, opts ports.BatchOptions, retry RetryPolicy) (ports.BatchResult, error) {
	batch := ports.BatchResult{Size: len(events)}

	for _, event := range events {
		result, err := b.Publish(ctx, event)
		failed := batchEntryFailed(result, err)

		if failed && opts.FailureHandling == ports.RetryFailed {
			var ctxErr error
			result, failed, ctxErr = b.retryEntry(ctx, event, result, retry)
			if ctxErr != nil {
				batch.Results = append(batch.Results, result)
				batch.Failed++
				batch.Aborted = true
				return batch, ctxErr
			}
		}

		batch.Results = append(batch.Results, result)
		if failed {
			batch.Failed++
			if opts.FailureHandling == ports.FailFast {
				batch.Aborted = true
				return batch, apperrors.ErrBatchAborted
			}
		} else {
			batch.Succeeded++
		}
	}

	return batch, nil
}

// retryEntry re-publishes one failed batch entry with backoff until it
// succeeds or the retry budget runs out. A non-nil error means the context
// was cancelled mid-retry.
func (b *Bus) retryEntry(ctx context.Context, event domain.Event, result ports.PublishResult, retry RetryPolicy) (ports.PublishResult, bool, error) {
	failed := true
	for attempt := 2; attempt <= retry.MaxAttempts && failed; attempt++ {
		select {
		case <-time.After(retry.Delay(attempt - 1)):
		case <-ctx.Done():
			return result, true, ctx.Err()
		}
		var err error
		result, err = b.Publish(ctx, event)
		failed = batchEntryFailed(result, err)
	}
	return result, failed, nil
}

// batchEntryFailed treats validation errors and any per-target failure as a
// failed batch entry.
func batchEntryFailed(result ports.PublishResult, err error) bool {
	if err != nil {
		return true
	}
	return len(result.Errors()) > 0
}

// Emit constructs an event and publishes it. It is the convenience entry
// point game-logic producers use.
func (b *Bus) Emit(ctx context.Context, category domain.EventCategory, eventType string, data []byte, targets []domain.Target, opts ...domain.EventOption) (ports.PublishResult, error) {
	allOpts := make([]domain.EventOption, 0, len(opts)+1)
	if len(targets) > 0 {
		allOpts = append(allOpts, domain.WithTargets(targets...))
	}
	allOpts = append(allOpts, opts...)

	event := domain.NewEvent(category, eventType, "system", data, allOpts...)
	return b.Publish(ctx, event)
}

// Subscribe registers a handler for the given spec.
func (b *Bus) Subscribe(spec ports.SubscriptionSpec, handler ports.Handler) (uuid.UUID, error) {
	b.mu.Lock()
	if b.state == stateCreated || b.state == stateStopped {
		b.mu.Unlock()
		return uuid.Nil, apperrors.NewNotRunningError()
	}
	b.mu.Unlock()

	return b.registry.Add(spec, handler)
}

// Unsubscribe removes a subscription. Unknown IDs are a no-op.
func (b *Bus) Unsubscribe(id uuid.UUID) {
	b.registry.Remove(id)
	b.dedup.forgetSubscription(id)
}

// UnsubscribeAll removes every subscription owned by the subscriber.
func (b *Bus) UnsubscribeAll(subscriberID string) int {
	return b.registry.RemoveBySubscriber(subscriberID)
}

// Use appends a middleware to the chain. Higher priority runs first.
func (b *Bus) Use(fn Middleware, priority int) uuid.UUID {
	return b.chain.add(fn, priority)
}

// RemoveMiddleware removes a middleware by ID.
func (b *Bus) RemoveMiddleware(id uuid.UUID) bool {
	return b.chain.remove(id)
}

// Pause stops new dispatch; publishes queue until Resume.
func (b *Bus) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateRunning {
		b.state = statePaused
		b.logger.Info("event bus paused")
	}
}

// Resume drains the paused queue in arrival order, then accepts live
// dispatch again.
func (b *Bus) Resume() {
	b.mu.Lock()
	if b.state != statePaused {
		b.mu.Unlock()
		return
	}
	b.state = stateRunning
	queued := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, event := range queued {
		b.dispatch(context.Background(), event)
	}
	b.logger.Info("event bus resumed", "drained", len(queued))
}

// Flush blocks until the queue is empty and in-flight dispatch has drained,
// or the context deadline elapses, in which case a partial-completion error
// is returned.
func (b *Bus) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	for {
		b.mu.Lock()
		empty := len(b.queue) == 0
		b.mu.Unlock()

		if empty {
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return apperrors.ErrFlushTimeout
			}
		}

		select {
		case <-ctx.Done():
			return apperrors.ErrFlushTimeout
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Status reports a point-in-time snapshot of the bus.
func (b *Bus) Status() ports.BusStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	return ports.BusStatus{
		Running:       b.state == stateRunning || b.state == statePaused,
		Paused:        b.state == statePaused,
		Subscriptions: b.registry.Count(),
		QueueDepth:    len(b.queue),
		Middleware:    b.chain.len(),
	}
}

// Metrics summarizes rolling counters over the trailing window.
func (b *Bus) Metrics(window time.Duration) ports.BusMetrics {
	b.mu.Lock()
	depth := len(b.queue)
	b.mu.Unlock()
	return b.metrics.snapshot(window, depth)
}

// FirstDelivery records a delivery in the exactly-once dedup window and
// reports whether the handler should actually run. Replay uses this so an
// already-delivered event is not re-invoked.
func (b *Bus) FirstDelivery(subscriptionID, eventID uuid.UUID) bool {
	return b.dedup.firstDelivery(subscriptionID, eventID)
}

// ForgetDelivery releases a recorded delivery after the handler failed, so
// the event stays eligible for a later replay.
func (b *Bus) ForgetDelivery(subscriptionID, eventID uuid.UUID) {
	b.dedup.forget(subscriptionID, eventID)
}

// Registry exposes the subscription registry to the delivery layer.
func (b *Bus) Registry() *Registry {
	return b.registry
}

// RetryPolicyInUse exposes the configured retry policy to the delivery layer.
func (b *Bus) RetryPolicyInUse() RetryPolicy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Retry
}

// DefaultTTL exposes the configured default TTL to the delivery layer.
func (b *Bus) DefaultTTL() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.DefaultTTL
}
