package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/bombworks/eventgrid/internal/core/domain"
	apperrors "github.com/bombworks/eventgrid/internal/core/errors"
	"github.com/bombworks/eventgrid/internal/core/ports"
)

// EventStore is the secondary adapter persisting events for redelivery and
// reconnection replay.
type EventStore struct {
	pool *pgxpool.Pool
}

// Ensure EventStore implements the ports.EventStore interface.
var _ ports.EventStore = (*EventStore)(nil)

// NewEventStore creates a new durable event store.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append stores one event. Re-appending the same event ID is a no-op so
// at-least-once producers can retry safely.
func (s *EventStore) Append(ctx context.Context, event domain.Event) error {
	targets, err := json.Marshal(event.Targets)
	if err != nil {
		return apperrors.NewPersistenceError(err)
	}
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return apperrors.NewPersistenceError(err)
	}

	var expiresAt pgtype.Timestamptz
	if at := event.ExpiresAt(); !at.IsZero() {
		expiresAt = pgtype.Timestamptz{Time: at, Valid: true}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (event_id, category, event_type, source_id, targets, payload, metadata, version, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO NOTHING`,
		event.EventID,
		string(event.Category),
		event.Type,
		event.SourceID,
		targets,
		[]byte(event.Data),
		metadata,
		event.Version,
		event.Timestamp,
		expiresAt,
	)
	if err != nil {
		return apperrors.NewPersistenceError(err)
	}
	return nil
}

// ReadRange returns events matching the filter in ascending timestamp order.
// Expired events are excluded even if the sweep has not purged them yet.
func (s *EventStore) ReadRange(ctx context.Context, filter ports.ReadFilter) ([]domain.Event, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conds = append(conds, "(expires_at IS NULL OR expires_at > now())")

	if len(filter.Categories) > 0 {
		categories := make([]string, len(filter.Categories))
		for i, c := range filter.Categories {
			categories[i] = string(c)
		}
		conds = append(conds, "category = ANY("+arg(categories)+")")
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "created_at >= "+arg(filter.Since))
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "created_at < "+arg(filter.Until))
	}
	if len(filter.Targets) > 0 {
		var targetConds []string
		for _, t := range filter.Targets {
			needle, err := json.Marshal([]domain.Target{t})
			if err != nil {
				return nil, apperrors.NewPersistenceError(err)
			}
			targetConds = append(targetConds, "targets @> "+arg(needle))
		}
		conds = append(conds, "("+strings.Join(targetConds, " OR ")+")")
	}

	query := `
		SELECT event_id, category, event_type, source_id, targets, payload, metadata, version, created_at
		FROM events
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewPersistenceError(err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			event    domain.Event
			category string
			targets  []byte
			payload  []byte
			metadata []byte
		)
		if err := rows.Scan(
			&event.EventID,
			&category,
			&event.Type,
			&event.SourceID,
			&targets,
			&payload,
			&metadata,
			&event.Version,
			&event.Timestamp,
		); err != nil {
			return nil, apperrors.NewPersistenceError(err)
		}
		event.Category = domain.EventCategory(category)
		event.Data = json.RawMessage(payload)
		if len(targets) > 0 {
			if err := json.Unmarshal(targets, &event.Targets); err != nil {
				return nil, apperrors.NewPersistenceError(err)
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, apperrors.NewPersistenceError(err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewPersistenceError(err)
	}

	return events, nil
}

// ExpireBefore purges events whose TTL elapsed before the given instant and
// returns how many rows were removed.
func (s *EventStore) ExpireBefore(ctx context.Context, ts time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM events WHERE expires_at IS NOT NULL AND expires_at <= $1`, ts)
	if err != nil {
		return 0, apperrors.NewPersistenceError(err)
	}
	return tag.RowsAffected(), nil
}

// Ping verifies store connectivity for health checks.
func (s *EventStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
