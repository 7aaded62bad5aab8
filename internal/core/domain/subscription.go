package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FilterOperator is the comparison applied by a subscription filter.
type FilterOperator string

const (
	FilterEquals      FilterOperator = "eq"
	FilterNotEquals   FilterOperator = "neq"
	FilterIn          FilterOperator = "in"
	FilterGreaterThan FilterOperator = "gt"
	FilterLessThan    FilterOperator = "lt"
	FilterMatches     FilterOperator = "regex"
)

// Filter is a single predicate over a dotted-path field of an event.
// All filters on a subscription are AND-combined.
type Filter struct {
	Field    string         `json:"field"`
	Operator FilterOperator `json:"operator"`
	Value    any            `json:"value"`
}

// SubscriptionOptions tunes per-subscriber delivery behavior.
type SubscriptionOptions struct {
	BufferOnDisconnect bool          `json:"bufferOnDisconnect"`
	MaxBufferSize      int           `json:"maxBufferSize"`
	BatchWindow        time.Duration `json:"batchWindow"`
	Deduplicate        bool          `json:"deduplicate"`
}

// Subscription is a registration held by the subscription registry.
// Empty EventTypes means every type within the subscribed categories.
type Subscription struct {
	ID           uuid.UUID           `json:"subscriptionId"`
	SubscriberID string              `json:"subscriberId"`
	Categories   []EventCategory     `json:"categories"`
	EventTypes   []string            `json:"eventTypes,omitempty"`
	Filters      []Filter            `json:"filters,omitempty"`
	Targets      []Target            `json:"targets,omitempty"`
	Options      SubscriptionOptions `json:"options"`
	CreatedAt    time.Time           `json:"createdAt"`
}

// Matches reports whether the subscription's full predicate holds for the
// event: category membership, type membership (empty = wildcard), every
// filter, and target intersection (empty = any).
func (s *Subscription) Matches(e Event) bool {
	if !s.matchesCategory(e.Category) {
		return false
	}
	if len(s.EventTypes) > 0 && !s.matchesType(e.Type) {
		return false
	}
	for _, f := range s.Filters {
		if !f.Evaluate(e) {
			return false
		}
	}
	if len(s.Targets) > 0 && !e.TargetsIntersect(s.Targets) {
		return false
	}
	return true
}

func (s *Subscription) matchesCategory(c EventCategory) bool {
	for _, sc := range s.Categories {
		if sc == c {
			return true
		}
	}
	return false
}

func (s *Subscription) matchesType(t string) bool {
	for _, st := range s.EventTypes {
		if st == t {
			return true
		}
	}
	return false
}

// Evaluate resolves the filter's dotted path against the event and applies
// the operator. Unresolvable paths and type mismatches evaluate false.
func (f Filter) Evaluate(e Event) bool {
	value, ok := resolveField(e, f.Field)
	if !ok {
		return false
	}

	switch f.Operator {
	case FilterEquals:
		return looseEqual(value, f.Value)
	case FilterNotEquals:
		return !looseEqual(value, f.Value)
	case FilterIn:
		candidates, ok := f.Value.([]any)
		if !ok {
			return false
		}
		for _, c := range candidates {
			if looseEqual(value, c) {
				return true
			}
		}
		return false
	case FilterGreaterThan:
		a, aok := toFloat(value)
		b, bok := toFloat(f.Value)
		return aok && bok && a > b
	case FilterLessThan:
		a, aok := toFloat(value)
		b, bok := toFloat(f.Value)
		return aok && bok && a < b
	case FilterMatches:
		pattern, ok := f.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprint(value))
	default:
		return false
	}
}

// resolveField looks up a dotted path, first against the envelope fields,
// then inside the JSON payload (paths prefixed "data.").
func resolveField(e Event, path string) (any, bool) {
	switch path {
	case "eventId":
		return e.EventID.String(), true
	case "category":
		return string(e.Category), true
	case "type":
		return e.Type, true
	case "sourceId":
		return e.SourceID, true
	case "version":
		return e.Version, true
	case "metadata.priority":
		return e.Metadata.Priority, true
	case "metadata.deliveryMode":
		return string(e.Metadata.DeliveryMode), true
	}

	if rest, ok := strings.CutPrefix(path, "data."); ok {
		return resolvePayloadField(e.Data, rest)
	}
	return nil, false
}

func resolvePayloadField(data json.RawMessage, path string) (any, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, false
	}

	var current any = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEqual compares scalars across JSON's number/string typing.
func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
