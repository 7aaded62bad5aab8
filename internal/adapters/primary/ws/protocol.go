package ws

import (
	"encoding/json"

	"github.com/bombworks/eventgrid/internal/core/domain"
)

// ClientMessage is the structure for messages sent from the client.
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client message types understood by the connection manager itself.
const (
	MsgAuth        = "AUTH"
	MsgSubscribe   = "SUBSCRIBE"
	MsgUnsubscribe = "UNSUBSCRIBE"
	MsgReplay      = "REPLAY"
	MsgPing        = "PING"
)

// Server message types.
const (
	MsgAuthOK       = "AUTH_OK"
	MsgAuthFail     = "AUTH_FAIL"
	MsgEvent        = "EVENT"
	MsgError        = "ERROR"
	MsgPong         = "PONG"
	MsgReplayResult = "REPLAY_RESULT"
)

// AuthPayload carries the handshake credential: either a user JWT or a
// shared service key.
type AuthPayload struct {
	Token      string `json:"token,omitempty"`
	ServiceKey string `json:"serviceKey,omitempty"`
}

// SubscribePayload carries outbound filter patterns: "category.type",
// "category.*", or the global "*".
type SubscribePayload struct {
	Patterns []string `json:"patterns"`
}

// ReplayPayload requests a read-only catch-up of durable events.
type ReplayPayload struct {
	SinceMs int64 `json:"sinceMs"`
}

// ServerMessage is the envelope for everything the server sends.
type ServerMessage struct {
	Type        string         `json:"type"`
	UserID      string         `json:"userId,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
	Event       *domain.Event  `json:"event,omitempty"`
	Events      []domain.Event `json:"events,omitempty"`
	Error       string         `json:"error,omitempty"`
	Code        string         `json:"code,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// eventMapping translates an inbound wire message type to the bus category
// and event type it publishes as.
type eventMapping struct {
	Category  domain.EventCategory
	EventType string
	// Permission required to publish, empty for any authenticated client.
	Permission string
}

// messageTypeTable is the fixed lookup table mapping client message types to
// bus events. Message types absent from the table are rejected.
var messageTypeTable = map[string]eventMapping{
	"PLAYER_ACTION": {Category: domain.CategoryGameState, EventType: "player_action"},
	"PLAYER_MOVE":   {Category: domain.CategoryGameState, EventType: "player_move"},
	"BOMB_PLACE":    {Category: domain.CategoryGameMechanics, EventType: "bomb_place"},
	"POWERUP_USE":   {Category: domain.CategoryGameMechanics, EventType: "powerup_use"},
	"CHAT_MESSAGE":  {Category: domain.CategoryUserNotification, EventType: "chat_message"},
	"ROOM_JOIN":     {Category: domain.CategoryRoomManagement, EventType: "room_join"},
	"ROOM_LEAVE":    {Category: domain.CategoryRoomManagement, EventType: "room_leave"},
	"ADMIN_COMMAND": {Category: domain.CategoryAdminAction, EventType: "admin_command", Permission: "admin:broadcast"},
}

// patternMatches reports whether an outbound filter pattern covers the
// event: exact "category.type", category wildcard "category.*", or the
// global "*".
func patternMatches(pattern string, category domain.EventCategory, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == string(category)+".*" {
		return true
	}
	return pattern == string(category)+"."+eventType
}
