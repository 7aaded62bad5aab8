package http

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	mw "github.com/bombworks/eventgrid/internal/adapters/primary/http/middleware"
	"github.com/bombworks/eventgrid/internal/adapters/primary/ws"
	"github.com/bombworks/eventgrid/internal/config"
)

// WebSocketHandler upgrades HTTP requests to websocket connections and hands
// them to the hub. Authentication happens in-band after the upgrade, so a
// per-IP admission limiter guards the endpoint against connection churn.
type WebSocketHandler struct {
	hub       *ws.Hub
	admission *mw.RateLimiter
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	hub *ws.Hub,
	admission *mw.RateLimiter,
	cfg *config.Config,
	logger *slog.Logger,
) *WebSocketHandler {
	handler := &WebSocketHandler{
		hub:       hub,
		admission: admission,
		logger:    logger,
	}

	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     handler.makeOriginChecker(cfg),
	}

	return handler
}

// makeOriginChecker creates an origin checking function based on configuration
func (h *WebSocketHandler) makeOriginChecker(cfg *config.Config) func(r *http.Request) bool {
	allowedOrigins := cfg.WebSocket.AllowedOrigins

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// In development mode, allow all origins (but log a warning)
		if cfg.IsDevelopment() {
			if origin != "" {
				h.logger.Warn("allowing websocket connection in development mode",
					"origin", origin,
					"remote_addr", r.RemoteAddr,
				)
			}
			return true
		}

		// No origin header (same-origin request or non-browser client)
		if origin == "" {
			return true
		}

		parsedOrigin, err := url.Parse(origin)
		if err != nil {
			h.logger.Warn("failed to parse websocket origin",
				"origin", origin,
				"error", err,
			)
			return false
		}

		originHost := parsedOrigin.Host

		for _, allowed := range allowedOrigins {
			// Support wildcard subdomains like "*.example.com"
			if strings.HasPrefix(allowed, "*.") {
				suffix := allowed[1:]
				if strings.HasSuffix(originHost, suffix) || originHost == allowed[2:] {
					return true
				}
			} else if originHost == allowed {
				return true
			}
		}

		h.logger.Warn("websocket connection rejected due to origin",
			"origin", origin,
			"remote_addr", r.RemoteAddr,
			"allowed_origins", allowedOrigins,
		)
		return false
	}
}

// ServeHTTP handles WebSocket connection requests
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if h.admission != nil && !h.admission.Allow(mw.ClientIP(r)) {
		h.logger.Warn("websocket upgrade rejected: admission rate limit",
			"request_id", requestID,
			"remote_addr", r.RemoteAddr,
		)
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket connection",
			"request_id", requestID,
			"remote_addr", r.RemoteAddr,
			"error", err,
		)
		return
	}

	conn, err := h.hub.Accept(sock)
	if err != nil {
		// Accept already wrote the rejection and closed the socket.
		h.logger.Warn("websocket connection rejected",
			"request_id", requestID,
			"remote_addr", r.RemoteAddr,
			"error", err,
		)
		return
	}

	h.logger.Info("websocket connection established",
		"request_id", requestID,
		"connection_id", conn.ID,
		"remote_addr", r.RemoteAddr,
	)
}
