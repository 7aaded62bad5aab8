package postgres

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_PublishReachesSubscriber(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	notifier := NewNotifier(testPool, testConnStr, logger)
	defer notifier.Close()

	received := make(chan []byte, 1)
	require.NoError(t, notifier.Subscribe(ctx, "eventgrid_test", func(message []byte) {
		received <- message
	}))

	// The listener connects asynchronously; retry the publish until it lands.
	assert.Eventually(t, func() bool {
		if err := notifier.Publish(ctx, "eventgrid_test", []byte(`{"hello":"world"}`)); err != nil {
			return false
		}
		select {
		case msg := <-received:
			assert.JSONEq(t, `{"hello":"world"}`, string(msg))
			return true
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 100*time.Millisecond)
}

func TestNotifier_CloseStopsListener(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	notifier := NewNotifier(testPool, testConnStr, logger)
	require.NoError(t, notifier.Subscribe(ctx, "eventgrid_close", func([]byte) {}))

	done := make(chan struct{})
	go func() {
		notifier.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after cancelling the listener")
	}
}
