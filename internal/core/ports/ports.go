package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/bombworks/eventgrid/internal/core/domain"
)

// Handler consumes one event for one subscription. Returning an error marks
// the delivery failed for that subscriber only; it never aborts fan-out to
// other subscribers.
type Handler func(ctx context.Context, event domain.Event) error

// TargetResult records the outcome of delivering an event to one subscriber.
type TargetResult struct {
	SubscriptionID uuid.UUID
	SubscriberID   string
	Err            error
}

// PublishResult is returned from every publish call.
type PublishResult struct {
	EventID        uuid.UUID
	TargetsMatched int
	TargetsReached int
	Filtered       bool
	Queued         bool
	Results        []TargetResult
	Duration       time.Duration
}

// Errors collects the per-target failures from the result.
func (r PublishResult) Errors() []error {
	var errs []error
	for _, tr := range r.Results {
		if tr.Err != nil {
			errs = append(errs, tr.Err)
		}
	}
	return errs
}

// BatchMode controls ordering of a bulk publish.
type BatchMode string

const (
	BatchParallel        BatchMode = "parallel"
	BatchSequential      BatchMode = "sequential"
	BatchPriorityOrdered BatchMode = "priority_ordered"
)

// FailureHandling controls how a bulk publish reacts to a failed entry.
type FailureHandling string

const (
	FailFast    FailureHandling = "fail_fast"
	Continue    FailureHandling = "continue"
	RetryFailed FailureHandling = "retry_failed"
)

// BatchOptions describes bulk-publish semantics. It exists only for the
// duration of one PublishBatch call.
type BatchOptions struct {
	Mode            BatchMode
	FailureHandling FailureHandling
}

// BatchResult aggregates per-event results of a bulk publish.
type BatchResult struct {
	Size      int
	Succeeded int
	Failed    int
	Results   []PublishResult
	Aborted   bool
}

// SubscriptionSpec is the input for registering a subscriber.
type SubscriptionSpec struct {
	SubscriberID string
	Categories   []domain.EventCategory
	EventTypes   []string
	Filters      []domain.Filter
	Targets      []domain.Target
	Options      domain.SubscriptionOptions
}

// BusStatus is a point-in-time snapshot of the bus.
type BusStatus struct {
	Running       bool
	Paused        bool
	Subscriptions int
	QueueDepth    int
	Middleware    int
}

// BusMetrics summarizes rolling counters over a window.
type BusMetrics struct {
	Published    uint64
	Delivered    uint64
	Failed       uint64
	Filtered     uint64
	EventsPerSec float64
	ErrorRate    float64
	QueueDepth   int
}

// EventBus is the sole interface producers and game-logic modules use to
// participate in event distribution; they carry no distribution logic of
// their own.
type EventBus interface {
	Publish(ctx context.Context, event domain.Event) (PublishResult, error)
	PublishBatch(ctx context.Context, events []domain.Event, opts BatchOptions) (BatchResult, error)
	Emit(ctx context.Context, category domain.EventCategory, eventType string, data []byte, targets []domain.Target, opts ...domain.EventOption) (PublishResult, error)

	Subscribe(spec SubscriptionSpec, handler Handler) (uuid.UUID, error)
	Unsubscribe(id uuid.UUID)
	UnsubscribeAll(subscriberID string) int

	Status() BusStatus
	Metrics(window time.Duration) BusMetrics
}

// ReadFilter narrows a durable-store range read.
type ReadFilter struct {
	Categories []domain.EventCategory
	Targets    []domain.Target
	Since      time.Time
	Until      time.Time
	Limit      int
}

// EventStore is the durable, time-ordered backend used for non
// fire-and-forget delivery and reconnection replay.
type EventStore interface {
	Append(ctx context.Context, event domain.Event) error
	ReadRange(ctx context.Context, filter ReadFilter) ([]domain.Event, error)
	ExpireBefore(ctx context.Context, ts time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// BroadcastChannel is the low-latency cross-process fan-out primitive used
// when multiple bus instances exist.
type BroadcastChannel interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, fn func(message []byte)) error
	Close()
}

// EventBroadcaster pushes a matched event out to live network connections.
type EventBroadcaster interface {
	BroadcastEvent(event domain.Event) error
}
