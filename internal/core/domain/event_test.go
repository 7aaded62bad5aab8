package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/bombworks/eventgrid/internal/core/domain"
)

func TestValidCategory(t *testing.T) {
	tests := []struct {
		name     string
		category domain.EventCategory
		want     bool
	}{
		{"game_state is valid", domain.CategoryGameState, true},
		{"game_mechanics is valid", domain.CategoryGameMechanics, true},
		{"system_status is valid", domain.CategorySystemStatus, true},
		{"empty is invalid", domain.EventCategory(""), false},
		{"unknown is invalid", domain.EventCategory("telemetry"), false},
		{"uppercase is invalid", domain.EventCategory("GAME_STATE"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.ValidCategory(tt.category))
		})
	}
}

func TestNewEvent_Defaults(t *testing.T) {
	before := time.Now().UTC()
	event := domain.NewEvent(domain.CategoryGameState, "player_move", "player-1", json.RawMessage(`{"x":3}`))

	assert.NotEqual(t, [16]byte{}, [16]byte(event.EventID), "event must get an identity")
	assert.Equal(t, domain.CategoryGameState, event.Category)
	assert.Equal(t, "player_move", event.Type)
	assert.Equal(t, "player-1", event.SourceID)
	assert.Equal(t, domain.SchemaVersion, event.Version)
	assert.Equal(t, domain.DeliveryFireAndForget, event.Metadata.DeliveryMode)
	assert.Empty(t, event.Targets)
	assert.False(t, event.Timestamp.Before(before))
}

func TestNewEvent_Options(t *testing.T) {
	target := domain.Target{Type: domain.TargetRoom, ID: "room-7"}
	event := domain.NewEvent(domain.CategoryRoomManagement, "room_join", "player-2", nil,
		domain.WithTargets(target),
		domain.WithPriority(5),
		domain.WithTTL(2*time.Minute),
		domain.WithDeliveryMode(domain.DeliveryExactlyOnce),
		domain.WithTags("replayable"),
	)

	assert.Equal(t, []domain.Target{target}, event.Targets)
	assert.Equal(t, 5, event.Metadata.Priority)
	assert.Equal(t, 2*time.Minute, event.Metadata.TTL)
	assert.Equal(t, domain.DeliveryExactlyOnce, event.Metadata.DeliveryMode)
	assert.Equal(t, []string{"replayable"}, event.Metadata.Tags)
}

func TestEvent_Validate(t *testing.T) {
	valid := domain.NewEvent(domain.CategoryGameState, "player_move", "player-1", nil)
	assert.NoError(t, valid.Validate())

	noID := valid
	noID.EventID = uuid.Nil
	assert.Error(t, noID.Validate())

	badCategory := valid
	badCategory.Category = "telemetry"
	assert.Error(t, badCategory.Validate())

	noType := valid
	noType.Type = ""
	assert.Error(t, noType.Validate())
}

func TestEvent_Expiry(t *testing.T) {
	event := domain.NewEvent(domain.CategoryGameState, "tick", "game-1", nil, domain.WithTTL(time.Minute))

	assert.False(t, event.Expired(event.Timestamp.Add(30*time.Second)))
	assert.True(t, event.Expired(event.Timestamp.Add(61*time.Second)))
	assert.Equal(t, event.Timestamp.Add(time.Minute), event.ExpiresAt())

	// No TTL means the event never expires.
	eternal := domain.NewEvent(domain.CategoryGameState, "tick", "game-1", nil)
	assert.False(t, eternal.Expired(eternal.Timestamp.Add(24*time.Hour)))
	assert.True(t, eternal.ExpiresAt().IsZero())
}

func TestEvent_Targeting(t *testing.T) {
	room := domain.Target{Type: domain.TargetRoom, ID: "room-1"}
	player := domain.Target{Type: domain.TargetPlayer, ID: "player-9"}
	event := domain.NewEvent(domain.CategoryGameState, "explosion", "game-1", nil, domain.WithTargets(room, player))

	assert.True(t, event.HasTarget(room))
	assert.False(t, event.HasTarget(domain.Target{Type: domain.TargetRoom, ID: "room-2"}))

	assert.True(t, event.TargetsIntersect([]domain.Target{player, {Type: domain.TargetGame, ID: "g"}}))
	assert.False(t, event.TargetsIntersect([]domain.Target{{Type: domain.TargetGame, ID: "g"}}))
	assert.False(t, event.TargetsIntersect(nil))
}

func TestMetadata_TTLTravelsAsMilliseconds(t *testing.T) {
	event := domain.NewEvent(domain.CategoryGameState, "tick", "game-1", nil, domain.WithTTL(1500*time.Millisecond))

	raw, err := json.Marshal(event)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"ttlMs":1500`)

	var decoded domain.Event
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, 1500*time.Millisecond, decoded.Metadata.TTL)
	assert.Equal(t, event.EventID, decoded.EventID)
}
