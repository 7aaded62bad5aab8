package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/bombworks/eventgrid/internal/core/domain"
	"github.com/bombworks/eventgrid/internal/core/ports"
)

// MockEventStore is a mock implementation of ports.EventStore
type MockEventStore struct {
	mock.Mock
}

func NewMockEventStore() *MockEventStore {
	return &MockEventStore{}
}

func (m *MockEventStore) Append(ctx context.Context, event domain.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventStore) ReadRange(ctx context.Context, filter ports.ReadFilter) ([]domain.Event, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Event), args.Error(1)
}

func (m *MockEventStore) ExpireBefore(ctx context.Context, ts time.Time) (int64, error) {
	args := m.Called(ctx, ts)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockEventStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockBroadcastChannel is a mock implementation of ports.BroadcastChannel
type MockBroadcastChannel struct {
	mock.Mock
}

func NewMockBroadcastChannel() *MockBroadcastChannel {
	return &MockBroadcastChannel{}
}

func (m *MockBroadcastChannel) Publish(ctx context.Context, channel string, message []byte) error {
	args := m.Called(ctx, channel, message)
	return args.Error(0)
}

func (m *MockBroadcastChannel) Subscribe(ctx context.Context, channel string, fn func(message []byte)) error {
	args := m.Called(ctx, channel, fn)
	return args.Error(0)
}

func (m *MockBroadcastChannel) Close() {
	m.Called()
}

// MockBroadcaster is a mock implementation of ports.EventBroadcaster
type MockBroadcaster struct {
	mock.Mock
}

func NewMockBroadcaster() *MockBroadcaster {
	return &MockBroadcaster{}
}

func (m *MockBroadcaster) BroadcastEvent(event domain.Event) error {
	args := m.Called(event)
	return args.Error(0)
}
