package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bombworks/eventgrid/internal/auth"
	"github.com/bombworks/eventgrid/internal/core/bus"
	"github.com/bombworks/eventgrid/internal/core/domain"
	apperrors "github.com/bombworks/eventgrid/internal/core/errors"
	"github.com/bombworks/eventgrid/internal/core/ports"
)

const testServiceKey = "svc-secret"

func newTestHub(t *testing.T, cfg HubConfig) (*Hub, *bus.Bus) {
	t.Helper()

	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = time.Second
	}
	if cfg.RateLimitMaxMessages == 0 {
		cfg.RateLimitMaxMessages = 100
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = time.Minute
	}
	if cfg.PongWait == 0 {
		cfg.PongWait = time.Minute
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eventBus := bus.New(bus.NewRegistry(), nil, logger)
	require.NoError(t, eventBus.Initialize(bus.Config{}))

	hash, err := auth.HashServiceKey(testServiceKey)
	require.NoError(t, err)

	h := NewHub(cfg, eventBus, nil, nil,
		auth.NewTokenManager("test-secret"),
		auth.NewServiceKeyVerifier(hash),
		logger,
	)
	go h.Run()
	require.NoError(t, h.Start(context.Background()))

	t.Cleanup(func() {
		h.Close()
		_ = eventBus.Shutdown(context.Background())
	})
	return h, eventBus
}

func recvMessage(t *testing.T, c *Conn) ServerMessage {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		require.True(t, ok, "send channel closed before message arrived")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server message")
		return ServerMessage{}
	}
}

func requireNoMessage(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected message %q", msg.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func clientMsg(t *testing.T, msgType string, payload any) ClientMessage {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return ClientMessage{Type: msgType, Data: data}
}

// authenticate runs the token handshake for a fresh test connection and
// consumes the AUTH_OK reply.
func authenticate(t *testing.T, h *Hub, userID uuid.UUID, permissions []string) *Conn {
	t.Helper()

	conn, err := h.AcceptForTest()
	require.NoError(t, err)

	token, err := h.tokens.GenerateToken(userID, permissions, time.Minute)
	require.NoError(t, err)

	h.HandleMessage(conn, clientMsg(t, MsgAuth, AuthPayload{Token: token}))
	msg := recvMessage(t, conn)
	require.Equal(t, MsgAuthOK, msg.Type)
	return conn
}

func TestHub_AuthWithToken(t *testing.T) {
	h, _ := newTestHub(t, HubConfig{})
	userID := uuid.New()

	conn, err := h.AcceptForTest()
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingAuth, conn.State())

	token, err := h.tokens.GenerateToken(userID, []string{"events:publish"}, time.Minute)
	require.NoError(t, err)

	h.HandleMessage(conn, clientMsg(t, MsgAuth, AuthPayload{Token: token}))

	msg := recvMessage(t, conn)
	assert.Equal(t, MsgAuthOK, msg.Type)
	assert.Equal(t, userID.String(), msg.UserID)
	assert.Equal(t, []string{"events:publish"}, msg.Permissions)

	assert.True(t, conn.Authenticated())
	assert.True(t, h.IsUserConnected(userID))
}

func TestHub_AuthWithServiceKey(t *testing.T) {
	h, _ := newTestHub(t, HubConfig{})

	conn, err := h.AcceptForTest()
	require.NoError(t, err)

	h.HandleMessage(conn, clientMsg(t, MsgAuth, AuthPayload{ServiceKey: testServiceKey}))

	msg := recvMessage(t, conn)
	assert.Equal(t, MsgAuthOK, msg.Type)
	assert.Equal(t, auth.ServicePermissions, msg.Permissions)
	assert.True(t, conn.Authenticated())
	assert.NotEqual(t, uuid.Nil, conn.UserID())
}

func TestHub_AuthFailureClosesConnection(t *testing.T) {
	h, _ := newTestHub(t, HubConfig{})

	conn, err := h.AcceptForTest()
	require.NoError(t, err)

	h.HandleMessage(conn, clientMsg(t, MsgAuth, AuthPayload{Token: "not-a-jwt"}))

	msg := recvMessage(t, conn)
	assert.Equal(t, MsgAuthFail, msg.Type)
	assert.Equal(t, StateClosed, conn.State())

	h.mu.RLock()
	_, stillTracked := h.conns[conn.ID]
	h.mu.RUnlock()
	assert.False(t, stillTracked)
}

func TestHub_AuthTimeoutClosesConnection(t *testing.T) {
	h, _ := newTestHub(t, HubConfig{AuthTimeout: 20 * time.Millisecond})

	conn, err := h.AcceptForTest()
	require.NoError(t, err)

	msg := recvMessage(t, conn)
	assert.Equal(t, MsgAuthFail, msg.Type)
	assert.Equal(t, "AUTH_TIMEOUT", msg.Code)

	assert.Eventually(t, func() bool {
		return conn.State() == StateClosed
	}, time.Second, 5*time.Millisecond)
}

func TestHub_RejectsMessagesBeforeAuth(t *testing.T) {
	h, _ := newTestHub(t, HubConfig{})

	conn, err := h.AcceptForTest()
	require.NoError(t, err)

	h.HandleMessage(conn, clientMsg(t, MsgSubscribe, SubscribePayload{Patterns: []string{"*"}}))

	msg := recvMessage(t, conn)
	assert.Equal(t, MsgError, msg.Type)
	assert.Equal(t, "NOT_AUTHENTICATED", msg.Code)

	// Rejection is a reply, not a teardown.
	assert.Equal(t, StateAwaitingAuth, conn.State())
}

func TestHub_RateLimitRepliesWithReset(t *testing.T) {
	h, _ := newTestHub(t, HubConfig{
		RateLimitMaxMessages: 2,
		RateLimitWindow:      time.Minute,
	})
	conn := authenticate(t, h, uuid.New(), nil)

	for i := 0; i < 2; i++ {
		h.HandleMessage(conn, ClientMessage{Type: MsgPing})
		assert.Equal(t, MsgPong, recvMessage(t, conn).Type)
	}

	h.HandleMessage(conn, ClientMessage{Type: MsgPing})
	msg := recvMessage(t, conn)
	assert.Equal(t, MsgError, msg.Type)
	assert.Equal(t, "RATE_LIMITED", msg.Code)
	require.Contains(t, msg.Details, "resetTime")
	reset, err := time.Parse(time.RFC3339Nano, msg.Details["resetTime"].(string))
	require.NoError(t, err)
	assert.True(t, reset.After(time.Now()))

	// Throttled, not disconnected.
	assert.True(t, conn.Authenticated())
}

func TestHub_CapacityExceeded(t *testing.T) {
	h, _ := newTestHub(t, HubConfig{MaxConnections: 1})

	_, err := h.AcceptForTest()
	require.NoError(t, err)

	_, err = h.AcceptForTest()
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCapacityExceeded)

	var busErr *apperrors.BusError
	require.ErrorAs(t, err, &busErr)
	assert.Equal(t, "CAPACITY_EXCEEDED", busErr.Code)
}

func TestHub_ConcurrentAcceptsHonorCapacity(t *testing.T) {
	const limit = 4
	h, _ := newTestHub(t, HubConfig{MaxConnections: limit})

	// All upgrades arrive at once; the slot reservation must stay atomic.
	start := make(chan struct{})
	var wg sync.WaitGroup
	var admitted atomic.Int64
	for i := 0; i < limit*4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := h.AcceptForTest(); err == nil {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(limit), admitted.Load())
	stats := h.Stats()
	assert.Equal(t, limit, stats.TotalConnections)
}

func TestHub_FanOutRespectsPatterns(t *testing.T) {
	h, eventBus := newTestHub(t, HubConfig{})

	alice := authenticate(t, h, uuid.New(), nil)
	bob := authenticate(t, h, uuid.New(), nil)

	h.HandleMessage(alice, clientMsg(t, MsgSubscribe, SubscribePayload{Patterns: []string{"game_state.*"}}))
	h.HandleMessage(bob, clientMsg(t, MsgSubscribe, SubscribePayload{Patterns: []string{"game_state.player_move"}}))

	_, err := eventBus.Publish(context.Background(),
		domain.NewEvent(domain.CategoryGameState, "player_move", "game-7", json.RawMessage(`{"x":1}`)))
	require.NoError(t, err)

	for _, conn := range []*Conn{alice, bob} {
		msg := recvMessage(t, conn)
		require.Equal(t, MsgEvent, msg.Type)
		require.NotNil(t, msg.Event)
		assert.Equal(t, "player_move", msg.Event.Type)
	}

	// bob's pattern names one event type only.
	_, err = eventBus.Publish(context.Background(),
		domain.NewEvent(domain.CategoryGameState, "round_end", "game-7", json.RawMessage(`{}`)))
	require.NoError(t, err)

	assert.Equal(t, MsgEvent, recvMessage(t, alice).Type)
	requireNoMessage(t, bob)

	// Neither pattern covers this category.
	_, err = eventBus.Publish(context.Background(),
		domain.NewEvent(domain.CategoryRoomManagement, "room_join", "game-7", json.RawMessage(`{}`)))
	require.NoError(t, err)

	requireNoMessage(t, alice)
	requireNoMessage(t, bob)
}

func TestHub_PlayerTargetedEventsStayPrivate(t *testing.T) {
	h, eventBus := newTestHub(t, HubConfig{})

	aliceID := uuid.New()
	alice := authenticate(t, h, aliceID, nil)
	bob := authenticate(t, h, uuid.New(), nil)

	for _, conn := range []*Conn{alice, bob} {
		h.HandleMessage(conn, clientMsg(t, MsgSubscribe, SubscribePayload{Patterns: []string{"*"}}))
	}

	_, err := eventBus.Publish(context.Background(),
		domain.NewEvent(domain.CategoryUserNotification, "powerup_granted", "game-7", json.RawMessage(`{"powerup":"speed"}`),
			domain.WithTargets(domain.Target{Type: domain.TargetPlayer, ID: aliceID.String()})))
	require.NoError(t, err)

	msg := recvMessage(t, alice)
	assert.Equal(t, MsgEvent, msg.Type)
	assert.Equal(t, "powerup_granted", msg.Event.Type)
	requireNoMessage(t, bob)
}

func TestHub_PublishClientEvent(t *testing.T) {
	h, eventBus := newTestHub(t, HubConfig{})

	received := make(chan domain.Event, 1)
	_, err := eventBus.Subscribe(ports.SubscriptionSpec{
		SubscriberID: "collector",
		Categories:   []domain.EventCategory{domain.CategoryGameState},
	}, func(ctx context.Context, event domain.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	userID := uuid.New()
	conn := authenticate(t, h, userID, nil)

	h.HandleMessage(conn, ClientMessage{Type: "PLAYER_MOVE", Data: json.RawMessage(`{"x":3,"y":4}`)})

	select {
	case event := <-received:
		assert.Equal(t, domain.CategoryGameState, event.Category)
		assert.Equal(t, "player_move", event.Type)
		assert.Equal(t, userID.String(), event.SourceID)
		assert.JSONEq(t, `{"x":3,"y":4}`, string(event.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("published event never reached the bus subscriber")
	}
}

func TestHub_AdminCommandRequiresPermission(t *testing.T) {
	h, eventBus := newTestHub(t, HubConfig{})

	received := make(chan domain.Event, 1)
	_, err := eventBus.Subscribe(ports.SubscriptionSpec{
		SubscriberID: "collector",
		Categories:   []domain.EventCategory{domain.CategoryAdminAction},
	}, func(ctx context.Context, event domain.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	player := authenticate(t, h, uuid.New(), []string{"events:publish"})
	h.HandleMessage(player, ClientMessage{Type: "ADMIN_COMMAND", Data: json.RawMessage(`{"cmd":"end_round"}`)})

	msg := recvMessage(t, player)
	assert.Equal(t, MsgError, msg.Type)
	assert.Equal(t, "FORBIDDEN", msg.Code)

	admin := authenticate(t, h, uuid.New(), []string{"admin:broadcast"})
	h.HandleMessage(admin, ClientMessage{Type: "ADMIN_COMMAND", Data: json.RawMessage(`{"cmd":"end_round"}`)})

	select {
	case event := <-received:
		assert.Equal(t, "admin_command", event.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("admin command never reached the bus")
	}
}

func TestHub_UnknownMessageTypeRejected(t *testing.T) {
	h, _ := newTestHub(t, HubConfig{})
	conn := authenticate(t, h, uuid.New(), nil)

	h.HandleMessage(conn, ClientMessage{Type: "TELEPORT", Data: json.RawMessage(`{}`)})

	msg := recvMessage(t, conn)
	assert.Equal(t, MsgError, msg.Type)
	assert.Equal(t, "INVALID_EVENT", msg.Code)
}

func TestHub_ReplayUnavailableWithoutPersistence(t *testing.T) {
	h, _ := newTestHub(t, HubConfig{})
	conn := authenticate(t, h, uuid.New(), nil)

	h.HandleMessage(conn, clientMsg(t, MsgReplay, ReplayPayload{SinceMs: 0}))

	msg := recvMessage(t, conn)
	assert.Equal(t, MsgError, msg.Type)
	assert.Equal(t, "REPLAY_FAILURE", msg.Code)
}

func TestHub_SendToUserBypassesPatterns(t *testing.T) {
	h, _ := newTestHub(t, HubConfig{})

	userID := uuid.New()
	conn := authenticate(t, h, userID, nil)

	event := domain.NewEvent(domain.CategoryUserNotification, "account_warning", "moderation", json.RawMessage(`{}`))
	h.SendToUser(userID, event)

	msg := recvMessage(t, conn)
	assert.Equal(t, MsgEvent, msg.Type)
	assert.Equal(t, "account_warning", msg.Event.Type)
}

func TestHub_Stats(t *testing.T) {
	h, _ := newTestHub(t, HubConfig{})

	_, err := h.AcceptForTest()
	require.NoError(t, err)
	conn := authenticate(t, h, uuid.New(), nil)

	h.HandleMessage(conn, ClientMessage{Type: MsgPing})
	recvMessage(t, conn)

	stats := h.Stats()
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 1, stats.AuthenticatedConnections)
	assert.Equal(t, uint64(1), stats.TotalMessages)
}

func TestHub_CloseTearsDownConnections(t *testing.T) {
	h, _ := newTestHub(t, HubConfig{})

	userID := uuid.New()
	conn := authenticate(t, h, userID, nil)

	h.Close()
	h.Close() // idempotent

	assert.Equal(t, StateClosed, conn.State())
	assert.False(t, h.IsUserConnected(userID))
	assert.ErrorIs(t, h.BroadcastEvent(domain.Event{}), apperrors.ErrConnectionClosed)
}
