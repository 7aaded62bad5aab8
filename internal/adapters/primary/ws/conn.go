package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bombworks/eventgrid/internal/core/domain"
)

// ConnState is the lifecycle state of one network connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateAwaitingAuth
	StateAuthenticated
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Outbound buffer per connection.
	sendBufferSize = 256
)

// Conn is the middleman between one websocket and the hub. All of its state
// is owned by its handling goroutines except what the mutex guards; the hub
// touches it only through exported methods.
type Conn struct {
	ID   uuid.UUID
	hub  *Hub
	sock *websocket.Conn

	// Buffered channel of outbound messages.
	send chan ServerMessage

	mu           sync.RWMutex
	state        ConnState
	userID       uuid.UUID
	permissions  []string
	patterns     map[string]bool
	connectedAt  time.Time
	lastActivity time.Time
	messageCount uint64

	// Fixed-window rate limit state.
	windowStart time.Time
	windowCount int

	// Pending auth-timeout timer, cancelled on auth or close.
	authTimer *time.Timer

	closeOnce sync.Once
	logger    *slog.Logger
}

func newConn(hub *Hub, sock *websocket.Conn, logger *slog.Logger) *Conn {
	id := uuid.New()
	now := time.Now()
	return &Conn{
		ID:           id,
		hub:          hub,
		sock:         sock,
		send:         make(chan ServerMessage, sendBufferSize),
		state:        StateConnecting,
		patterns:     make(map[string]bool),
		connectedAt:  now,
		lastActivity: now,
		logger:       logger.With("connection_id", id.String()),
	}
}

// State returns the connection's lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// UserID returns the authenticated user, or uuid.Nil before auth.
func (c *Conn) UserID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Authenticated reports whether the handshake has completed.
func (c *Conn) Authenticated() bool {
	return c.State() == StateAuthenticated
}

func (c *Conn) hasPermission(perm string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// allowMessage applies the fixed-window rate limit. A window boundary
// crossed mid-check resets before the increment, so no single window can
// exceed the cap; adjacent windows together may carry up to twice the cap,
// which is accepted sliding-window slack, not a defect.
func (c *Conn) allowMessage(now time.Time, maxMessages int, window time.Duration) (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.windowStart.IsZero() || now.Sub(c.windowStart) >= window {
		c.windowStart = now
		c.windowCount = 0
	}

	reset := c.windowStart.Add(window)
	if c.windowCount >= maxMessages {
		return false, reset
	}
	c.windowCount++
	return true, reset
}

// AddPatterns registers outbound filter patterns on the connection.
func (c *Conn) AddPatterns(patterns []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range patterns {
		c.patterns[p] = true
	}
}

// RemovePatterns drops outbound filter patterns.
func (c *Conn) RemovePatterns(patterns []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range patterns {
		delete(c.patterns, p)
	}
}

// matchesPatterns reports whether any registered pattern covers the event.
// A connection with no patterns receives nothing.
func (c *Conn) matchesPatterns(category domain.EventCategory, eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for pattern := range c.patterns {
		if patternMatches(pattern, category, eventType) {
			return true
		}
	}
	return false
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = now
	c.messageCount++
}

// startAuthTimer arms the handshake deadline. On expiry the hub force-closes
// the connection unless it has already authenticated or closed.
func (c *Conn) startAuthTimer(timeout time.Duration, onExpiry func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateAwaitingAuth
	c.authTimer = time.AfterFunc(timeout, onExpiry)
}

// markAuthenticated transitions AwaitingAuth -> Authenticated and cancels
// the pending timer. Returns false if the connection already left
// AwaitingAuth (timer fired or transport closed).
func (c *Conn) markAuthenticated(userID uuid.UUID, permissions []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateAwaitingAuth {
		return false
	}
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.state = StateAuthenticated
	c.userID = userID
	c.permissions = permissions
	return true
}

// markClosed transitions to Closed and cancels any pending timer. Returns
// false if already closed.
func (c *Conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return false
	}
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.state = StateClosed
	return true
}

// closeSend closes the send channel exactly once. It takes the write lock so
// no trySend can be mid-send when the channel closes.
func (c *Conn) closeSend() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		close(c.send)
	})
}

// trySend queues an outbound message without blocking. A full buffer
// reports failure so the hub can drop the connection. The read lock is held
// across the send itself: markClosed flips the state under the write lock
// before closeSend runs, so a sender either sees StateClosed or completes
// its send before the channel can close.
func (c *Conn) trySend(msg ServerMessage) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == StateClosed {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// readPump pumps messages from the websocket to the hub.
// It runs in its own goroutine, one per connection.
func (c *Conn) readPump(pongWait time.Duration) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
			c.hub.removeConn(c)
		}
		_ = c.sock.Close()
	}()

	c.sock.SetReadLimit(maxMessageSize)
	if err := c.sock.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("failed to set read deadline", "error", err)
		return
	}

	c.sock.SetPongHandler(func(string) error {
		if err := c.sock.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Error("failed to set read deadline in pong handler", "error", err)
		}
		return nil
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("failed to unmarshal client message", "error", err)
			continue
		}

		c.hub.HandleMessage(c, msg)
	}
}

// writePump pumps messages from the hub to the websocket connection.
// It runs in its own goroutine, one per connection.
func (c *Conn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline", "error", err)
				return
			}

			if !ok {
				// The hub closed the channel. Send close message.
				if err := c.sock.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					c.logger.Debug("failed to send close message", "error", err)
				}
				return
			}

			if err := c.writeJSON(msg); err != nil {
				c.logger.Error("failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline for ping", "error", err)
				return
			}

			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

func (c *Conn) writeJSON(msg ServerMessage) error {
	w, err := c.sock.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(w).Encode(msg); err != nil {
		_ = w.Close()
		return err
	}

	return w.Close()
}
