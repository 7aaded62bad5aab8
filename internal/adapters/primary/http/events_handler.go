package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	mw "github.com/bombworks/eventgrid/internal/adapters/primary/http/middleware"
	"github.com/bombworks/eventgrid/internal/core/domain"
	apperrors "github.com/bombworks/eventgrid/internal/core/errors"
	"github.com/bombworks/eventgrid/internal/core/ports"
)

// EventsHandler is the REST ingress for server-side producers: game
// services and admin tooling publish here instead of holding a websocket.
type EventsHandler struct {
	bus          ports.EventBus
	store        ports.EventStore // nil when persistence is disabled
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// NewEventsHandler creates the REST events handler.
func NewEventsHandler(bus ports.EventBus, store ports.EventStore, errorHandler *ErrorHandler, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		bus:          bus,
		store:        store,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// PublishRequest is the body of a publish call.
type PublishRequest struct {
	Category     domain.EventCategory `json:"category"`
	Type         string               `json:"type"`
	Data         json.RawMessage      `json:"data"`
	Targets      []domain.Target      `json:"targets,omitempty"`
	Priority     int                  `json:"priority,omitempty"`
	TTLMs        int64                `json:"ttlMs,omitempty"`
	DeliveryMode domain.DeliveryMode  `json:"deliveryMode,omitempty"`
	Tags         []string             `json:"tags,omitempty"`
}

// BatchPublishRequest is the body of a bulk publish call.
type BatchPublishRequest struct {
	Events          []PublishRequest      `json:"events"`
	Mode            ports.BatchMode       `json:"mode,omitempty"`
	FailureHandling ports.FailureHandling `json:"failureHandling,omitempty"`
}

// PublishResponse reports the distribution outcome to the producer.
type PublishResponse struct {
	EventID        string `json:"eventId"`
	TargetsMatched int    `json:"targetsMatched"`
	TargetsReached int    `json:"targetsReached"`
	Filtered       bool   `json:"filtered"`
	Queued         bool   `json:"queued"`
	DurationMs     int64  `json:"durationMs"`
	Failures       int    `json:"failures,omitempty"`
}

func toPublishResponse(result ports.PublishResult) PublishResponse {
	return PublishResponse{
		EventID:        result.EventID.String(),
		TargetsMatched: result.TargetsMatched,
		TargetsReached: result.TargetsReached,
		Filtered:       result.Filtered,
		Queued:         result.Queued,
		DurationMs:     result.Duration.Milliseconds(),
		Failures:       len(result.Errors()),
	}
}

// buildEvent converts a request into a domain event attributed to the
// authenticated caller.
func (h *EventsHandler) buildEvent(r *http.Request, req PublishRequest) domain.Event {
	sourceID := "api"
	if claims, ok := mw.ClaimsFromContext(r.Context()); ok {
		sourceID = claims.UserID.String()
	}

	opts := []domain.EventOption{}
	if len(req.Targets) > 0 {
		opts = append(opts, domain.WithTargets(req.Targets...))
	}
	if req.Priority != 0 {
		opts = append(opts, domain.WithPriority(req.Priority))
	}
	if req.TTLMs > 0 {
		opts = append(opts, domain.WithTTL(time.Duration(req.TTLMs)*time.Millisecond))
	}
	if req.DeliveryMode != "" {
		opts = append(opts, domain.WithDeliveryMode(req.DeliveryMode))
	}
	if len(req.Tags) > 0 {
		opts = append(opts, domain.WithTags(req.Tags...))
	}

	return domain.NewEvent(req.Category, req.Type, sourceID, req.Data, opts...)
}

// HandlePublish publishes a single event.
func (h *EventsHandler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorHandler.Handle(w, r, apperrors.NewInvalidEventError("malformed request body"))
		return
	}

	result, err := h.bus.Publish(r.Context(), h.buildEvent(r, req))
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	if result.Queued {
		WriteAccepted(w, toPublishResponse(result))
		return
	}
	WriteSuccess(w, toPublishResponse(result))
}

// HandlePublishBatch publishes a bulk of events under one batch policy.
func (h *EventsHandler) HandlePublishBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchPublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorHandler.Handle(w, r, apperrors.NewInvalidEventError("malformed request body"))
		return
	}
	if len(req.Events) == 0 {
		h.errorHandler.Handle(w, r, apperrors.NewInvalidEventError("batch must contain at least one event"))
		return
	}

	events := make([]domain.Event, 0, len(req.Events))
	for _, entry := range req.Events {
		events = append(events, h.buildEvent(r, entry))
	}

	batch, err := h.bus.PublishBatch(r.Context(), events, ports.BatchOptions{
		Mode:            req.Mode,
		FailureHandling: req.FailureHandling,
	})
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	results := make([]PublishResponse, 0, len(batch.Results))
	for _, result := range batch.Results {
		results = append(results, toPublishResponse(result))
	}

	WriteSuccess(w, struct {
		Size      int               `json:"size"`
		Succeeded int               `json:"succeeded"`
		Failed    int               `json:"failed"`
		Aborted   bool              `json:"aborted"`
		Results   []PublishResponse `json:"results"`
	}{
		Size:      batch.Size,
		Succeeded: batch.Succeeded,
		Failed:    batch.Failed,
		Aborted:   batch.Aborted,
		Results:   results,
	})
}

// HandleListEvents reads stored events back, newest-last, for debugging
// and catch-up tooling.
func (h *EventsHandler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.errorHandler.Handle(w, r, apperrors.ErrPersistenceUnavailable)
		return
	}

	query := r.URL.Query()
	filter := ports.ReadFilter{Limit: 100}

	if raw := query.Get("category"); raw != "" {
		category := domain.EventCategory(raw)
		if !domain.ValidCategory(category) {
			h.errorHandler.Handle(w, r, apperrors.NewInvalidEventError("unknown category: "+raw))
			return
		}
		filter.Categories = []domain.EventCategory{category}
	}
	if raw := query.Get("since"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.errorHandler.Handle(w, r, apperrors.NewInvalidEventError("since must be a unix millisecond timestamp"))
			return
		}
		filter.Since = time.UnixMilli(ms)
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			h.errorHandler.Handle(w, r, apperrors.NewInvalidEventError("limit must be between 1 and 1000"))
			return
		}
		filter.Limit = limit
	}

	events, err := h.store.ReadRange(r.Context(), filter)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	WriteList(w, events)
}

// HandleStatus reports the bus snapshot and rolling metrics.
func (h *EventsHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := h.bus.Status()
	metrics := h.bus.Metrics(time.Minute)

	WriteSuccess(w, struct {
		Running       bool    `json:"running"`
		Paused        bool    `json:"paused"`
		Subscriptions int     `json:"subscriptions"`
		QueueDepth    int     `json:"queueDepth"`
		Middleware    int     `json:"middleware"`
		Published     uint64  `json:"published"`
		Delivered     uint64  `json:"delivered"`
		Failed        uint64  `json:"failed"`
		Filtered      uint64  `json:"filtered"`
		EventsPerSec  float64 `json:"eventsPerSec"`
		ErrorRate     float64 `json:"errorRate"`
	}{
		Running:       status.Running,
		Paused:        status.Paused,
		Subscriptions: status.Subscriptions,
		QueueDepth:    status.QueueDepth,
		Middleware:    status.Middleware,
		Published:     metrics.Published,
		Delivered:     metrics.Delivered,
		Failed:        metrics.Failed,
		Filtered:      metrics.Filtered,
		EventsPerSec:  metrics.EventsPerSec,
		ErrorRate:     metrics.ErrorRate,
	})
}

// RegisterRoutes mounts the events API on the given router. Publishing
// requires the events:publish permission.
func (h *EventsHandler) RegisterRoutes(r chi.Router) {
	r.With(mw.RequirePermission("events:publish")).Post("/", h.HandlePublish)
	r.With(mw.RequirePermission("events:publish")).Post("/batch", h.HandlePublishBatch)
	r.Get("/", h.HandleListEvents)
	r.Get("/status", h.HandleStatus)
}
