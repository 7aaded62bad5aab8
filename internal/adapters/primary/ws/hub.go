package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/bombworks/eventgrid/internal/auth"
	"github.com/bombworks/eventgrid/internal/core/delivery"
	"github.com/bombworks/eventgrid/internal/core/domain"
	apperrors "github.com/bombworks/eventgrid/internal/core/errors"
	"github.com/bombworks/eventgrid/internal/core/ports"
	"github.com/bombworks/eventgrid/internal/infrastructure/logging"
)

// HubConfig holds connection admission and transport parameters.
type HubConfig struct {
	MaxConnections       int
	AuthTimeout          time.Duration
	RateLimitMaxMessages int
	RateLimitWindow      time.Duration
	PingInterval         time.Duration
	PongWait             time.Duration
	// BroadcastChannelName is the cross-process channel events fan out on
	// when multiple bus instances exist. Empty disables it.
	BroadcastChannelName string
}

// Hub bridges live websocket connections to the event bus, enforcing the
// admission controls: capacity, the authentication handshake with timeout,
// and per-connection rate limits.
type Hub struct {
	cfg         HubConfig
	instanceID  string
	bus         ports.EventBus
	dispatcher  *delivery.Dispatcher     // nil without persistence
	channel     ports.BroadcastChannel   // nil for single-instance deployments
	tokens      *auth.TokenManager
	serviceKeys *auth.ServiceKeyVerifier
	logger      *slog.Logger

	// Broadcast fan-out is serialized through the run loop so connections
	// in one room observe events in the same order.
	broadcast  chan domain.Event
	unregister chan *Conn
	done       chan struct{}

	// mu protects the conns set
	mu    sync.RWMutex
	conns map[uuid.UUID]*Conn

	// userMu protects the userID -> connections multimap; it has its own
	// lock because several connections for one user close concurrently.
	userMu    sync.RWMutex
	userConns map[uuid.UUID]map[*Conn]bool

	busSubID uuid.UUID

	totalMessages atomic.Uint64
	statsMu       sync.Mutex
	lastStatsAt   time.Time
	lastStatsMsgs uint64
}

// Ensure Hub implements the EventBroadcaster interface.
var _ ports.EventBroadcaster = (*Hub)(nil)

// NewHub creates a connection hub. dispatcher and channel may be nil.
func NewHub(
	cfg HubConfig,
	eventBus ports.EventBus,
	dispatcher *delivery.Dispatcher,
	channel ports.BroadcastChannel,
	tokens *auth.TokenManager,
	serviceKeys *auth.ServiceKeyVerifier,
	logger *slog.Logger,
) *Hub {
	return &Hub{
		cfg:         cfg,
		instanceID:  uuid.NewString(),
		bus:         eventBus,
		dispatcher:  dispatcher,
		channel:     channel,
		tokens:      tokens,
		serviceKeys: serviceKeys,
		logger:      logger.With("component", "ws_hub"),
		broadcast:   make(chan domain.Event, 256),
		unregister:  make(chan *Conn),
		done:        make(chan struct{}),
		conns:       make(map[uuid.UUID]*Conn),
		userConns:   make(map[uuid.UUID]map[*Conn]bool),
	}
}

// channelEnvelope wraps events on the cross-process channel so an instance
// can skip its own re-broadcasts.
type channelEnvelope struct {
	InstanceID string       `json:"instanceId"`
	Event      domain.Event `json:"event"`
}

// Start registers the hub as a bus subscriber for every category and, when
// configured, joins the cross-process broadcast channel. It must be called
// before Run.
func (h *Hub) Start(ctx context.Context) error {
	subID, err := h.bus.Subscribe(ports.SubscriptionSpec{
		SubscriberID: "hub:" + h.instanceID,
		Categories: []domain.EventCategory{
			domain.CategoryGameState,
			domain.CategoryGameMechanics,
			domain.CategoryPlayerAction,
			domain.CategoryUserNotification,
			domain.CategoryRoomManagement,
			domain.CategoryAdminAction,
			domain.CategorySystemStatus,
		},
	}, h.onBusEvent)
	if err != nil {
		return err
	}
	h.busSubID = subID

	if h.channel != nil && h.cfg.BroadcastChannelName != "" {
		if err := h.channel.Subscribe(ctx, h.cfg.BroadcastChannelName, h.onRemoteMessage); err != nil {
			return err
		}
	}
	return nil
}

// onBusEvent is the hub's bus handler: it queues the event for local
// fan-out and mirrors it to other instances.
func (h *Hub) onBusEvent(ctx context.Context, event domain.Event) error {
	if err := h.BroadcastEvent(event); err != nil {
		return err
	}

	if h.channel != nil && h.cfg.BroadcastChannelName != "" {
		payload, err := json.Marshal(channelEnvelope{InstanceID: h.instanceID, Event: event})
		if err != nil {
			return err
		}
		if err := h.channel.Publish(ctx, h.cfg.BroadcastChannelName, payload); err != nil {
			// Local delivery already happened; remote mirroring is best
			// effort.
			h.logger.Warn("cross-process broadcast failed", "event_id", event.EventID, "error", err)
		}
	}
	return nil
}

// onRemoteMessage re-broadcasts events published by other bus instances.
func (h *Hub) onRemoteMessage(message []byte) {
	var envelope channelEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		h.logger.Warn("malformed cross-process broadcast", "error", err)
		return
	}
	if envelope.InstanceID == h.instanceID {
		return
	}
	_ = h.BroadcastEvent(envelope.Event)
}

// BroadcastEvent queues an event for fan-out to matching connections.
// This method implements the ports.EventBroadcaster interface.
func (h *Hub) BroadcastEvent(event domain.Event) error {
	select {
	case <-h.done:
		return apperrors.ErrConnectionClosed
	default:
	}

	select {
	case h.broadcast <- event:
		return nil
	default:
		h.logger.Warn("broadcast channel full, dropping event",
			"event_id", event.EventID,
			"category", event.Category,
			"event_type", event.Type,
		)
		return nil
	}
}

// Run starts the hub's event loop. This MUST be run as a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.unregister:
			h.removeConn(conn)

		case event := <-h.broadcast:
			h.fanOut(event)

		case <-h.done:
			return
		}
	}
}

// Close stops the run loop and tears down every connection.
func (h *Hub) Close() {
	select {
	case <-h.done:
		return
	default:
		close(h.done)
	}

	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.removeConn(c)
	}

	if h.channel != nil {
		h.channel.Close()
	}
	h.bus.Unsubscribe(h.busSubID)
}

// Accept admits a new websocket connection. Over capacity the connection is
// rejected with CapacityExceeded and closed; otherwise it enters
// AwaitingAuth with the handshake timer armed and its pumps running.
func (h *Hub) Accept(sock *websocket.Conn) (*Conn, error) {
	conn := newConn(h, sock, h.logger)
	if err := h.reserve(conn); err != nil {
		busErr := apperrors.NewCapacityExceededError(h.cfg.MaxConnections)
		_ = sock.WriteJSON(ServerMessage{Type: MsgError, Error: busErr.Message, Code: busErr.Code})
		_ = sock.Close()
		return nil, err
	}

	conn.startAuthTimer(h.cfg.AuthTimeout, func() { h.expireAuth(conn) })

	go conn.writePump(h.cfg.PingInterval)
	go conn.readPump(h.cfg.PongWait)

	return conn, nil
}

// AcceptForTest admits a connection without a transport; pumps are not
// started. Used by tests that drive HandleMessage directly.
func (h *Hub) AcceptForTest() (*Conn, error) {
	conn := newConn(h, nil, h.logger)
	if err := h.reserve(conn); err != nil {
		return nil, err
	}
	conn.startAuthTimer(h.cfg.AuthTimeout, func() { h.expireAuth(conn) })
	return conn, nil
}

// reserve claims a connection slot. The capacity check and the registry
// insert happen under one lock, so concurrent upgrades can never admit more
// than MaxConnections.
func (h *Hub) reserve(conn *Conn) error {
	h.mu.Lock()
	if h.cfg.MaxConnections > 0 && len(h.conns) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		return apperrors.NewCapacityExceededError(h.cfg.MaxConnections)
	}
	h.conns[conn.ID] = conn
	total := len(h.conns)
	h.mu.Unlock()

	h.logger.Info("connection accepted",
		"connection_id", conn.ID,
		"state", conn.State().String(),
		"total_connections", total,
	)
	return nil
}

// expireAuth fires when the handshake timer elapses before authentication.
func (h *Hub) expireAuth(conn *Conn) {
	if conn.State() != StateAwaitingAuth {
		return
	}

	busErr := apperrors.NewAuthTimeoutError()
	conn.trySend(ServerMessage{Type: MsgAuthFail, Error: busErr.Message, Code: busErr.Code})
	h.logger.Warn("authentication timed out", "connection_id", conn.ID)
	h.removeConn(conn)
}

// removeConn performs the Closed transition: cancel timers, drop the
// connection from the registry and the user multimap, and release its
// resources. Safe to call from any goroutine and idempotent.
func (h *Hub) removeConn(conn *Conn) {
	if !conn.markClosed() {
		return
	}

	h.mu.Lock()
	delete(h.conns, conn.ID)
	h.mu.Unlock()

	userID := conn.UserID()
	if userID != uuid.Nil {
		h.userMu.Lock()
		if conns, ok := h.userConns[userID]; ok {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(h.userConns, userID)
			}
		}
		h.userMu.Unlock()
	}

	conn.closeSend()
	if conn.sock != nil {
		_ = conn.sock.Close()
	}

	h.logger.Info("connection closed", "connection_id", conn.ID, "user_id", userID)
}

// Disconnect explicitly closes a connection.
func (h *Hub) Disconnect(conn *Conn) {
	h.removeConn(conn)
}

// HandleMessage processes one inbound client message: the authentication
// handshake is allowed in any state, everything else requires an
// authenticated connection and a rate-limit slot. Rejections are replies,
// not teardowns; only transport failures and auth timeout close connections.
func (h *Hub) HandleMessage(conn *Conn, msg ClientMessage) {
	if msg.Type == MsgAuth {
		h.handleAuth(conn, msg.Data)
		return
	}

	if !conn.Authenticated() {
		busErr := apperrors.NewNotAuthenticatedError()
		conn.trySend(ServerMessage{Type: MsgError, Error: busErr.Message, Code: busErr.Code})
		return
	}

	now := time.Now()
	allowed, reset := conn.allowMessage(now, h.cfg.RateLimitMaxMessages, h.cfg.RateLimitWindow)
	if !allowed {
		busErr := apperrors.NewRateLimitedError(reset)
		conn.trySend(ServerMessage{Type: MsgError, Error: busErr.Message, Code: busErr.Code, Details: busErr.Details})
		return
	}

	conn.touch(now)
	h.totalMessages.Add(1)

	switch msg.Type {
	case MsgSubscribe:
		h.handleSubscribe(conn, msg.Data)

	case MsgUnsubscribe:
		h.handleUnsubscribe(conn, msg.Data)

	case MsgReplay:
		h.handleReplay(conn, msg.Data)

	case MsgPing:
		conn.trySend(ServerMessage{Type: MsgPong})

	default:
		h.publishClientEvent(conn, msg)
	}
}

func (h *Hub) handleAuth(conn *Conn, data json.RawMessage) {
	var payload AuthPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		h.failAuth(conn, "malformed auth payload")
		return
	}

	var (
		userID      uuid.UUID
		permissions []string
	)
	switch {
	case payload.Token != "":
		claims, err := h.tokens.ValidateToken(payload.Token)
		if err != nil {
			h.failAuth(conn, "invalid or expired token")
			return
		}
		userID = claims.UserID
		permissions = claims.Permissions

	case payload.ServiceKey != "":
		if h.serviceKeys == nil || h.serviceKeys.Verify(payload.ServiceKey) != nil {
			h.failAuth(conn, "invalid service key")
			return
		}
		// Service principals get a per-connection identity.
		userID = uuid.New()
		permissions = auth.ServicePermissions

	default:
		h.failAuth(conn, "auth payload must carry a token or service key")
		return
	}

	if !conn.markAuthenticated(userID, permissions) {
		// Timer fired or transport closed while validating.
		return
	}

	h.userMu.Lock()
	if h.userConns[userID] == nil {
		h.userConns[userID] = make(map[*Conn]bool)
	}
	h.userConns[userID][conn] = true
	h.userMu.Unlock()

	conn.trySend(ServerMessage{Type: MsgAuthOK, UserID: userID.String(), Permissions: permissions})
	h.logger.Info("connection authenticated", "connection_id", conn.ID, "user_id", userID)
}

// failAuth sends AUTH_FAIL and closes the connection.
func (h *Hub) failAuth(conn *Conn, reason string) {
	conn.trySend(ServerMessage{Type: MsgAuthFail, Error: reason, Code: "AUTH_FAIL"})
	h.logger.Warn("authentication failed", "connection_id", conn.ID, "reason", reason)
	h.removeConn(conn)
}

func (h *Hub) handleSubscribe(conn *Conn, data json.RawMessage) {
	var payload SubscribePayload
	if err := json.Unmarshal(data, &payload); err != nil || len(payload.Patterns) == 0 {
		conn.trySend(ServerMessage{Type: MsgError, Error: "subscribe requires patterns", Code: "INVALID_SUBSCRIPTION"})
		return
	}
	conn.AddPatterns(payload.Patterns)
	h.logger.Debug("patterns subscribed", "connection_id", conn.ID, "patterns", payload.Patterns)
}

func (h *Hub) handleUnsubscribe(conn *Conn, data json.RawMessage) {
	var payload SubscribePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	conn.RemovePatterns(payload.Patterns)
}

// handleReplay answers a read-only catch-up request from the durable store.
func (h *Hub) handleReplay(conn *Conn, data json.RawMessage) {
	if h.dispatcher == nil {
		conn.trySend(ServerMessage{Type: MsgError, Error: "replay is unavailable without persistence", Code: "REPLAY_FAILURE"})
		return
	}

	var payload ReplayPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		conn.trySend(ServerMessage{Type: MsgError, Error: "malformed replay payload", Code: "REPLAY_FAILURE"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	since := time.UnixMilli(payload.SinceMs)
	events, err := h.dispatcher.EventsSince(ctx, "hub:"+h.instanceID, since)
	if err != nil {
		conn.trySend(ServerMessage{Type: MsgError, Error: "replay failed", Code: "REPLAY_FAILURE"})
		return
	}

	matched := make([]domain.Event, 0, len(events))
	for _, event := range events {
		if h.eligible(conn, event) {
			matched = append(matched, event)
		}
	}
	conn.trySend(ServerMessage{Type: MsgReplayResult, Events: matched})
}

// publishClientEvent translates an accepted message into a bus publish via
// the fixed message-type lookup table.
func (h *Hub) publishClientEvent(conn *Conn, msg ClientMessage) {
	mapping, ok := messageTypeTable[msg.Type]
	if !ok {
		conn.trySend(ServerMessage{Type: MsgError, Error: "unknown message type: " + msg.Type, Code: "INVALID_EVENT"})
		return
	}
	if mapping.Permission != "" && !conn.hasPermission(mapping.Permission) {
		conn.trySend(ServerMessage{Type: MsgError, Error: "permission denied", Code: "FORBIDDEN"})
		return
	}

	event := domain.NewEvent(mapping.Category, mapping.EventType, conn.UserID().String(), msg.Data)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = logging.WithConnectionID(ctx, conn.ID.String())
	ctx = logging.WithEventID(ctx, event.EventID.String())

	if _, err := h.bus.Publish(ctx, event); err != nil {
		h.logger.WarnContext(ctx, "client publish rejected", "message_type", msg.Type, "error", err)
		var busErr *apperrors.BusError
		code := "INVALID_EVENT"
		if errors.As(err, &busErr) {
			code = busErr.Code
		}
		conn.trySend(ServerMessage{Type: MsgError, Error: err.Error(), Code: code})
	}
}

// eligible applies the outbound filter: the connection must be
// authenticated and pattern-subscribed, and player-targeted events go only
// to the targeted users' connections.
func (h *Hub) eligible(conn *Conn, event domain.Event) bool {
	if !conn.Authenticated() {
		return false
	}
	if !conn.matchesPatterns(event.Category, event.Type) {
		return false
	}

	var playerTargets []domain.Target
	for _, t := range event.Targets {
		if t.Type == domain.TargetPlayer {
			playerTargets = append(playerTargets, t)
		}
	}
	if len(playerTargets) > 0 {
		userID := conn.UserID().String()
		for _, t := range playerTargets {
			if t.ID == userID {
				return true
			}
		}
		return false
	}
	return true
}

// fanOut delivers one event to every eligible connection. It runs on the
// hub loop, so delivery order is the same for every connection. A full send
// buffer drops the connection rather than blocking the loop.
func (h *Hub) fanOut(event domain.Event) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if !h.eligible(conn, event) {
			continue
		}
		msg := ServerMessage{Type: MsgEvent, Event: &event}
		if !conn.trySend(msg) {
			h.logger.Warn("send buffer full, dropping connection",
				"connection_id", conn.ID,
				"user_id", conn.UserID(),
			)
			go h.removeConn(conn)
			continue
		}
		delivered++
	}

	if delivered > 0 {
		h.logger.Debug("event fanned out",
			"event_id", event.EventID,
			"category", event.Category,
			"event_type", event.Type,
			"connections", delivered,
		)
	}
}

// SendToUser delivers an event directly to all of one user's connections,
// bypassing pattern filters. Used for account-level notifications.
func (h *Hub) SendToUser(userID uuid.UUID, event domain.Event) {
	h.userMu.RLock()
	conns := make([]*Conn, 0, len(h.userConns[userID]))
	for conn := range h.userConns[userID] {
		conns = append(conns, conn)
	}
	h.userMu.RUnlock()

	for _, conn := range conns {
		conn.trySend(ServerMessage{Type: MsgEvent, Event: &event})
	}
}

// IsUserConnected checks if a user has any active connections.
func (h *Hub) IsUserConnected(userID uuid.UUID) bool {
	h.userMu.RLock()
	defer h.userMu.RUnlock()
	conns, ok := h.userConns[userID]
	return ok && len(conns) > 0
}

// ConnectionStats is a snapshot of connection counters.
type ConnectionStats struct {
	TotalConnections         int     `json:"totalConnections"`
	AuthenticatedConnections int     `json:"authenticatedConnections"`
	TotalMessages            uint64  `json:"totalMessages"`
	MessagesPerSec           float64 `json:"messagesPerSec"`
}

// Stats derives messages/sec from the monotonic message counter delta over
// the wall time elapsed since the previous call.
func (h *Hub) Stats() ConnectionStats {
	h.mu.RLock()
	total := len(h.conns)
	authenticated := 0
	for _, c := range h.conns {
		if c.Authenticated() {
			authenticated++
		}
	}
	h.mu.RUnlock()

	msgs := h.totalMessages.Load()

	h.statsMu.Lock()
	now := time.Now()
	var rate float64
	if !h.lastStatsAt.IsZero() {
		elapsed := now.Sub(h.lastStatsAt).Seconds()
		if elapsed > 0 {
			rate = float64(msgs-h.lastStatsMsgs) / elapsed
		}
	}
	h.lastStatsAt = now
	h.lastStatsMsgs = msgs
	h.statsMu.Unlock()

	return ConnectionStats{
		TotalConnections:         total,
		AuthenticatedConnections: authenticated,
		TotalMessages:            msgs,
		MessagesPerSec:           rate,
	}
}
