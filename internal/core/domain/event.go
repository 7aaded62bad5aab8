package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventCategory is the coarse classification of an event and the primary
// routing index key. The set is closed; producers must not invent categories.
type EventCategory string

const (
	CategoryGameState        EventCategory = "game_state"
	CategoryGameMechanics    EventCategory = "game_mechanics"
	CategoryPlayerAction     EventCategory = "player_action"
	CategoryUserNotification EventCategory = "user_notification"
	CategoryRoomManagement   EventCategory = "room_management"
	CategoryAdminAction      EventCategory = "admin_action"
	CategorySystemStatus     EventCategory = "system_status"
)

// knownCategories is used by Validate; keep in sync with the constants above.
var knownCategories = map[EventCategory]bool{
	CategoryGameState:        true,
	CategoryGameMechanics:    true,
	CategoryPlayerAction:     true,
	CategoryUserNotification: true,
	CategoryRoomManagement:   true,
	CategoryAdminAction:      true,
	CategorySystemStatus:     true,
}

// ValidCategory reports whether c is a member of the closed category set.
func ValidCategory(c EventCategory) bool {
	return knownCategories[c]
}

// DeliveryMode selects the delivery guarantee for an event.
type DeliveryMode string

const (
	// DeliveryFireAndForget provides no guarantee beyond best effort.
	DeliveryFireAndForget DeliveryMode = "fire_and_forget"
	// DeliveryAtLeastOnce persists the event and may redeliver it.
	DeliveryAtLeastOnce DeliveryMode = "at_least_once"
	// DeliveryExactlyOnce persists the event and deduplicates redelivery
	// by event ID at the subscriber boundary.
	DeliveryExactlyOnce DeliveryMode = "exactly_once"
)

// TargetType classifies the recipient of a targeted event.
type TargetType string

const (
	TargetGame      TargetType = "game"
	TargetPlayer    TargetType = "player"
	TargetRoom      TargetType = "room"
	TargetBroadcast TargetType = "broadcast"
)

// Target identifies one intended recipient of an event. An event with no
// targets matches by subscription predicates alone.
type Target struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id"`
}

// Metadata carries per-event delivery parameters.
type Metadata struct {
	Priority     int           `json:"-"`
	TTL          time.Duration `json:"-"`
	DeliveryMode DeliveryMode  `json:"-"`
	Compression  string        `json:"-"`
	Tags         []string      `json:"-"`
}

// metadataJSON is the wire shape of Metadata; TTL travels as milliseconds.
type metadataJSON struct {
	Priority     int          `json:"priority"`
	TTLMs        int64        `json:"ttlMs"`
	DeliveryMode DeliveryMode `json:"deliveryMode"`
	Compression  string       `json:"compression,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
}

// MarshalJSON encodes the TTL in milliseconds.
func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(metadataJSON{
		Priority:     m.Priority,
		TTLMs:        m.TTL.Milliseconds(),
		DeliveryMode: m.DeliveryMode,
		Compression:  m.Compression,
		Tags:         m.Tags,
	})
}

// UnmarshalJSON decodes the millisecond TTL back into a duration.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var wire metadataJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Priority = wire.Priority
	m.TTL = time.Duration(wire.TTLMs) * time.Millisecond
	m.DeliveryMode = wire.DeliveryMode
	m.Compression = wire.Compression
	m.Tags = wire.Tags
	return nil
}

// Event is the universal envelope carried through the bus. It is immutable
// once published: identity, category, and type never change, and handlers
// must treat Data as read-only.
type Event struct {
	EventID   uuid.UUID       `json:"eventId"`
	Category  EventCategory   `json:"category"`
	Type      string          `json:"type"`
	SourceID  string          `json:"sourceId"`
	Targets   []Target        `json:"targets,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  Metadata        `json:"metadata"`
	Timestamp time.Time       `json:"timestamp"`
	Version   string          `json:"version"`
}

// EventOption customizes an event at construction time.
type EventOption func(*Event)

// WithTargets sets the intended recipients.
func WithTargets(targets ...Target) EventOption {
	return func(e *Event) { e.Targets = targets }
}

// WithPriority sets the event priority (higher dispatches first in
// priority-ordered batches).
func WithPriority(p int) EventOption {
	return func(e *Event) { e.Metadata.Priority = p }
}

// WithTTL bounds how long the event stays replayable.
func WithTTL(ttl time.Duration) EventOption {
	return func(e *Event) { e.Metadata.TTL = ttl }
}

// WithDeliveryMode sets the delivery guarantee.
func WithDeliveryMode(m DeliveryMode) EventOption {
	return func(e *Event) { e.Metadata.DeliveryMode = m }
}

// WithTags attaches free-form routing tags.
func WithTags(tags ...string) EventOption {
	return func(e *Event) { e.Metadata.Tags = tags }
}

// SchemaVersion is stamped on every event constructed by this package.
const SchemaVersion = "1.0"

// NewEvent constructs an event envelope, assigning its identity and
// timestamp. The default delivery mode is fire-and-forget.
func NewEvent(category EventCategory, eventType, sourceID string, data json.RawMessage, opts ...EventOption) Event {
	e := Event{
		EventID:   uuid.New(),
		Category:  category,
		Type:      eventType,
		SourceID:  sourceID,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Version:   SchemaVersion,
		Metadata: Metadata{
			DeliveryMode: DeliveryFireAndForget,
		},
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Validate checks the envelope invariants: identity, category membership,
// and a non-empty type. Size limits are enforced by the bus, which knows
// its configured maximum.
func (e Event) Validate() error {
	if e.EventID == uuid.Nil {
		return errors.New("event id is required")
	}
	if !ValidCategory(e.Category) {
		return errors.New("unknown category: " + string(e.Category))
	}
	if e.Type == "" {
		return errors.New("event type is required")
	}
	return nil
}

// Expired reports whether the event's TTL has elapsed at the given instant.
// Events without a TTL never expire.
func (e Event) Expired(now time.Time) bool {
	if e.Metadata.TTL <= 0 {
		return false
	}
	return now.After(e.Timestamp.Add(e.Metadata.TTL))
}

// ExpiresAt returns the instant the event stops being replayable, or the
// zero time if it has no TTL.
func (e Event) ExpiresAt() time.Time {
	if e.Metadata.TTL <= 0 {
		return time.Time{}
	}
	return e.Timestamp.Add(e.Metadata.TTL)
}

// HasTarget reports whether the event names the given target.
func (e Event) HasTarget(t Target) bool {
	for _, et := range e.Targets {
		if et == t {
			return true
		}
	}
	return false
}

// TargetsIntersect reports whether any of the event's targets appears in the
// given set. An empty argument set intersects nothing.
func (e Event) TargetsIntersect(targets []Target) bool {
	for _, t := range targets {
		if e.HasTarget(t) {
			return true
		}
	}
	return false
}
