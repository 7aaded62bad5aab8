package bus_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/bombworks/eventgrid/internal/core/bus"
	"github.com/bombworks/eventgrid/internal/core/domain"
	apperrors "github.com/bombworks/eventgrid/internal/core/errors"
	"github.com/bombworks/eventgrid/internal/core/ports"
)

func noopHandler(context.Context, domain.Event) error { return nil }

func TestRegistry_AddValidation(t *testing.T) {
	r := bus.NewRegistry()

	tests := []struct {
		name string
		spec ports.SubscriptionSpec
		fn   ports.Handler
	}{
		{"no categories", ports.SubscriptionSpec{}, noopHandler},
		{"unknown category", ports.SubscriptionSpec{Categories: []domain.EventCategory{"bogus"}}, noopHandler},
		{"nil handler", ports.SubscriptionSpec{Categories: []domain.EventCategory{domain.CategoryGameState}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := r.Add(tt.spec, tt.fn)
			assert.ErrorIs(t, err, apperrors.ErrInvalidSubscription)
			assert.Equal(t, uuid.Nil, id)
		})
	}

	assert.Equal(t, 0, r.Count())
}

func TestRegistry_MatchTypedAndWildcard(t *testing.T) {
	r := bus.NewRegistry()

	typedID, err := r.Add(ports.SubscriptionSpec{
		SubscriberID: "typed",
		Categories:   []domain.EventCategory{domain.CategoryGameState},
		EventTypes:   []string{"player_move"},
	}, noopHandler)
	require.NoError(t, err)

	wildcardID, err := r.Add(ports.SubscriptionSpec{
		SubscriberID: "wildcard",
		Categories:   []domain.EventCategory{domain.CategoryGameState},
	}, noopHandler)
	require.NoError(t, err)

	_, err = r.Add(ports.SubscriptionSpec{
		SubscriberID: "other-category",
		Categories:   []domain.EventCategory{domain.CategoryAdminAction},
	}, noopHandler)
	require.NoError(t, err)

	move := domain.NewEvent(domain.CategoryGameState, "player_move", "p1", nil)
	matches := r.Match(move)
	require.Len(t, matches, 2)
	ids := []uuid.UUID{matches[0].Subscription.ID, matches[1].Subscription.ID}
	assert.Contains(t, ids, typedID)
	assert.Contains(t, ids, wildcardID)

	// A different type in the same category only reaches the wildcard.
	bomb := domain.NewEvent(domain.CategoryGameState, "bomb_place", "p1", nil)
	matches = r.Match(bomb)
	require.Len(t, matches, 1)
	assert.Equal(t, wildcardID, matches[0].Subscription.ID)

	// An unsubscribed category reaches nobody.
	status := domain.NewEvent(domain.CategorySystemStatus, "heartbeat", "sys", nil)
	assert.Empty(t, r.Match(status))
}

func TestRegistry_MatchAppliesFiltersAndTargets(t *testing.T) {
	r := bus.NewRegistry()

	_, err := r.Add(ports.SubscriptionSpec{
		Categories: []domain.EventCategory{domain.CategoryGameMechanics},
		Filters: []domain.Filter{
			{Field: "sourceId", Operator: domain.FilterEquals, Value: "game-1"},
		},
		Targets: []domain.Target{{Type: domain.TargetRoom, ID: "room-1"}},
	}, noopHandler)
	require.NoError(t, err)

	match := domain.NewEvent(domain.CategoryGameMechanics, "bomb_place", "game-1", nil,
		domain.WithTargets(domain.Target{Type: domain.TargetRoom, ID: "room-1"}))
	assert.Len(t, r.Match(match), 1)

	wrongSource := domain.NewEvent(domain.CategoryGameMechanics, "bomb_place", "game-2", nil,
		domain.WithTargets(domain.Target{Type: domain.TargetRoom, ID: "room-1"}))
	assert.Empty(t, r.Match(wrongSource))

	wrongRoom := domain.NewEvent(domain.CategoryGameMechanics, "bomb_place", "game-1", nil,
		domain.WithTargets(domain.Target{Type: domain.TargetRoom, ID: "room-9"}))
	assert.Empty(t, r.Match(wrongRoom))
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := bus.NewRegistry()

	id, err := r.Add(ports.SubscriptionSpec{
		Categories: []domain.EventCategory{domain.CategoryGameState},
		EventTypes: []string{"player_move"},
	}, noopHandler)
	require.NoError(t, err)
	require.Equal(t, 1, r.Count())

	r.Remove(id)
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.Match(domain.NewEvent(domain.CategoryGameState, "player_move", "p1", nil)))

	// Removing again, or removing an unknown ID, is a no-op.
	r.Remove(id)
	r.Remove(uuid.New())
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_RemoveBySubscriber(t *testing.T) {
	r := bus.NewRegistry()

	for _, eventType := range []string{"player_move", "bomb_place"} {
		_, err := r.Add(ports.SubscriptionSpec{
			SubscriberID: "conn-1",
			Categories:   []domain.EventCategory{domain.CategoryGameState},
			EventTypes:   []string{eventType},
		}, noopHandler)
		require.NoError(t, err)
	}
	_, err := r.Add(ports.SubscriptionSpec{
		SubscriberID: "conn-2",
		Categories:   []domain.EventCategory{domain.CategoryGameState},
	}, noopHandler)
	require.NoError(t, err)

	assert.Len(t, r.SubscriptionsFor("conn-1"), 2)

	removed := r.RemoveBySubscriber("conn-1")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, r.Count())
	assert.Empty(t, r.SubscriptionsFor("conn-1"))

	assert.Equal(t, 0, r.RemoveBySubscriber("conn-1"))
	assert.Equal(t, 0, r.RemoveBySubscriber("never-registered"))
}

func TestRegistry_GetAndClear(t *testing.T) {
	r := bus.NewRegistry()

	id, err := r.Add(ports.SubscriptionSpec{
		SubscriberID: "conn-1",
		Categories:   []domain.EventCategory{domain.CategoryRoomManagement},
	}, noopHandler)
	require.NoError(t, err)

	sub, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, "conn-1", sub.SubscriberID)
	assert.False(t, sub.CreatedAt.IsZero())

	_, ok = r.Get(uuid.New())
	assert.False(t, ok)

	r.Clear()
	assert.Equal(t, 0, r.Count())
	_, ok = r.Get(id)
	assert.False(t, ok)
}
