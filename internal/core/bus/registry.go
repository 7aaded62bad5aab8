package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/bombworks/eventgrid/internal/core/domain"
	apperrors "github.com/bombworks/eventgrid/internal/core/errors"
	"github.com/bombworks/eventgrid/internal/core/ports"
)

// typeKey indexes subscriptions that name explicit event types.
type typeKey struct {
	category  domain.EventCategory
	eventType string
}

// registration pairs a subscription with its handler and remembers every
// index bucket it was inserted into so removal never scans the indices.
type registration struct {
	sub     domain.Subscription
	handler ports.Handler

	typedBuckets    []typeKey
	wildcardBuckets []domain.EventCategory
}

// Registry is the indexed store of active subscriptions. A single
// coarse RWMutex guards all indices; match results are copied out under the
// read lock so dispatch never holds it across handler or socket I/O.
type Registry struct {
	mu sync.RWMutex

	subs         map[uuid.UUID]*registration
	typed        map[typeKey]map[uuid.UUID]*registration
	wildcard     map[domain.EventCategory]map[uuid.UUID]*registration
	bySubscriber map[string]map[uuid.UUID]struct{}
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:         make(map[uuid.UUID]*registration),
		typed:        make(map[typeKey]map[uuid.UUID]*registration),
		wildcard:     make(map[domain.EventCategory]map[uuid.UUID]*registration),
		bySubscriber: make(map[string]map[uuid.UUID]struct{}),
	}
}

// Add registers a subscription and indexes it by (category, type), falling
// back to the category-level wildcard index when no event types are named.
func (r *Registry) Add(spec ports.SubscriptionSpec, handler ports.Handler) (uuid.UUID, error) {
	if len(spec.Categories) == 0 {
		return uuid.Nil, apperrors.NewInvalidSubscriptionError("subscription must name at least one category")
	}
	for _, c := range spec.Categories {
		if !domain.ValidCategory(c) {
			return uuid.Nil, apperrors.NewInvalidSubscriptionError("unknown category: " + string(c))
		}
	}
	if handler == nil {
		return uuid.Nil, apperrors.NewInvalidSubscriptionError("handler is required")
	}

	reg := &registration{
		sub: domain.Subscription{
			ID:           uuid.New(),
			SubscriberID: spec.SubscriberID,
			Categories:   spec.Categories,
			EventTypes:   spec.EventTypes,
			Filters:      spec.Filters,
			Targets:      spec.Targets,
			Options:      spec.Options,
			CreatedAt:    time.Now().UTC(),
		},
		handler: handler,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, category := range spec.Categories {
		if len(spec.EventTypes) == 0 {
			bucket, ok := r.wildcard[category]
			if !ok {
				bucket = make(map[uuid.UUID]*registration)
				r.wildcard[category] = bucket
			}
			bucket[reg.sub.ID] = reg
			reg.wildcardBuckets = append(reg.wildcardBuckets, category)
			continue
		}
		for _, eventType := range spec.EventTypes {
			key := typeKey{category: category, eventType: eventType}
			bucket, ok := r.typed[key]
			if !ok {
				bucket = make(map[uuid.UUID]*registration)
				r.typed[key] = bucket
			}
			bucket[reg.sub.ID] = reg
			reg.typedBuckets = append(reg.typedBuckets, key)
		}
	}

	r.subs[reg.sub.ID] = reg

	if reg.sub.SubscriberID != "" {
		ids, ok := r.bySubscriber[reg.sub.SubscriberID]
		if !ok {
			ids = make(map[uuid.UUID]struct{})
			r.bySubscriber[reg.sub.SubscriberID] = ids
		}
		ids[reg.sub.ID] = struct{}{}
	}

	return reg.sub.ID, nil
}

// Remove drops a subscription from every bucket it participates in.
// Removing an unknown or already-removed ID is a no-op.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id uuid.UUID) {
	reg, ok := r.subs[id]
	if !ok {
		return
	}

	for _, key := range reg.typedBuckets {
		if bucket, ok := r.typed[key]; ok {
			delete(bucket, id)
			if len(bucket) == 0 {
				delete(r.typed, key)
			}
		}
	}
	for _, category := range reg.wildcardBuckets {
		if bucket, ok := r.wildcard[category]; ok {
			delete(bucket, id)
			if len(bucket) == 0 {
				delete(r.wildcard, category)
			}
		}
	}

	if reg.sub.SubscriberID != "" {
		if ids, ok := r.bySubscriber[reg.sub.SubscriberID]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(r.bySubscriber, reg.sub.SubscriberID)
			}
		}
	}

	delete(r.subs, id)
}

// RemoveBySubscriber drops every subscription owned by the subscriber and
// returns how many were removed.
func (r *Registry) RemoveBySubscriber(subscriberID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, ok := r.bySubscriber[subscriberID]
	if !ok {
		return 0
	}

	// Copy before mutating: removeLocked edits the set we iterate.
	toRemove := make([]uuid.UUID, 0, len(ids))
	for id := range ids {
		toRemove = append(toRemove, id)
	}
	for _, id := range toRemove {
		r.removeLocked(id)
	}
	return len(toRemove)
}

// MatchedSubscription is a copied-out match result, safe to use after the
// registry lock is released.
type MatchedSubscription struct {
	Subscription domain.Subscription
	Handler      ports.Handler
}

// Match returns every subscription whose full predicate holds for the event:
// the (category, type) or wildcard index is hit, all filters evaluate true,
// and targets intersect (or the subscription has none).
func (r *Registry) Match(event domain.Event) []MatchedSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []MatchedSubscription
	seen := make(map[uuid.UUID]struct{})

	collect := func(bucket map[uuid.UUID]*registration) {
		for id, reg := range bucket {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if reg.sub.Matches(event) {
				matched = append(matched, MatchedSubscription{
					Subscription: reg.sub,
					Handler:      reg.handler,
				})
			}
		}
	}

	if bucket, ok := r.typed[typeKey{category: event.Category, eventType: event.Type}]; ok {
		collect(bucket)
	}
	if bucket, ok := r.wildcard[event.Category]; ok {
		collect(bucket)
	}

	return matched
}

// SubscriptionsFor returns every registration owned by the subscriber,
// copied out so callers can invoke handlers without holding the lock.
func (r *Registry) SubscriptionsFor(subscriberID string) []MatchedSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, ok := r.bySubscriber[subscriberID]
	if !ok {
		return nil
	}

	matched := make([]MatchedSubscription, 0, len(ids))
	for id := range ids {
		if reg, ok := r.subs[id]; ok {
			matched = append(matched, MatchedSubscription{
				Subscription: reg.sub,
				Handler:      reg.handler,
			})
		}
	}
	return matched
}

// Get returns a copy of the subscription with the given ID.
func (r *Registry) Get(id uuid.UUID) (domain.Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.subs[id]
	if !ok {
		return domain.Subscription{}, false
	}
	return reg.sub, true
}

// Count returns the number of active subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Clear drops every subscription. Used by bus shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs = make(map[uuid.UUID]*registration)
	r.typed = make(map[typeKey]map[uuid.UUID]*registration)
	r.wildcard = make(map[domain.EventCategory]map[uuid.UUID]*registration)
	r.bySubscriber = make(map[string]map[uuid.UUID]struct{})
}
