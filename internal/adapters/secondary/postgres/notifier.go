package postgres

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	apperrors "github.com/bombworks/eventgrid/internal/core/errors"
	"github.com/bombworks/eventgrid/internal/core/ports"
)

// Notifier implements the cross-process broadcast channel on Postgres
// LISTEN/NOTIFY. Each bus instance publishes serialized events to a channel
// and every other instance's listener re-broadcasts them to its local
// connections.
type Notifier struct {
	pool    *pgxpool.Pool
	connStr string
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ ports.BroadcastChannel = (*Notifier)(nil)

// NewNotifier creates a broadcast channel backed by the given pool. The
// connection string is used for the dedicated listening connection, which
// cannot come from the pool since LISTEN pins a session.
func NewNotifier(pool *pgxpool.Pool, connStr string, logger *slog.Logger) *Notifier {
	return &Notifier{
		pool:    pool,
		connStr: connStr,
		logger:  logger.With("component", "pg_notifier"),
	}
}

// Publish sends a message on the named channel.
func (n *Notifier) Publish(ctx context.Context, channel string, message []byte) error {
	if _, err := n.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(message)); err != nil {
		return apperrors.NewPersistenceError(err)
	}
	return nil
}

// Subscribe starts a listener goroutine invoking fn for every message on the
// channel. The listener reconnects with backoff until ctx is cancelled or
// Close is called.
func (n *Notifier) Subscribe(ctx context.Context, channel string, fn func(message []byte)) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.listen(ctx, channel, fn)
	}()
	return nil
}

func (n *Notifier) listen(ctx context.Context, channel string, fn func(message []byte)) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		if err := n.listenOnce(ctx, channel, fn); err != nil && ctx.Err() == nil {
			n.logger.Warn("listener disconnected, reconnecting",
				"channel", channel,
				"backoff", backoff,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}
}

func (n *Notifier) listenOnce(ctx context.Context, channel string, fn func(message []byte)) error {
	conn, err := pgx.Connect(ctx, n.connStr)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return err
	}
	n.logger.Info("listening for broadcasts", "channel", channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		fn([]byte(notification.Payload))
	}
}

// Close stops all listeners and waits for them to exit.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
	}
	n.mu.Unlock()
	n.wg.Wait()
}
