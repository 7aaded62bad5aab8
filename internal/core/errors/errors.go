package errors

import (
	"errors"
	"fmt"
	"time"
)

// Domain errors - these represent violations of the distribution contract
var (
	// Publish/subscribe boundary
	ErrInvalidEvent        = errors.New("invalid event")
	ErrEventTooLarge       = errors.New("event exceeds maximum size")
	ErrNotRunning          = errors.New("event bus is not running")
	ErrInvalidSubscription = errors.New("subscription must name at least one category")

	// Connection admission
	ErrNotAuthenticated  = errors.New("connection is not authenticated")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrCapacityExceeded  = errors.New("connection capacity exceeded")
	ErrAuthTimeout       = errors.New("authentication timed out")
	ErrInvalidToken      = errors.New("invalid credentials")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrUnknownConnection = errors.New("unknown connection")

	// Delivery
	ErrHandlerFailure         = errors.New("subscriber handler failed")
	ErrPersistenceUnavailable = errors.New("durable store unavailable")
	ErrReplayFailure          = errors.New("event replay failed")
	ErrFlushTimeout           = errors.New("flush deadline exceeded before queue drained")
	ErrBatchAborted           = errors.New("batch aborted on first failure")
)

// BusError wraps errors with additional context for callers and wire replies
type BusError struct {
	Err     error  // The underlying error
	Message string // User-friendly message
	Code    string // Machine-readable error code
	Details map[string]interface{}
}

func (e *BusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *BusError) Unwrap() error {
	return e.Err
}

// Error constructors for common cases

func NewInvalidEventError(reason string) *BusError {
	return &BusError{
		Err:     ErrInvalidEvent,
		Message: reason,
		Code:    "INVALID_EVENT",
	}
}

func NewNotRunningError() *BusError {
	return &BusError{
		Err:     ErrNotRunning,
		Message: "event bus must be initialized before use",
		Code:    "NOT_RUNNING",
	}
}

func NewInvalidSubscriptionError(reason string) *BusError {
	return &BusError{
		Err:     ErrInvalidSubscription,
		Message: reason,
		Code:    "INVALID_SUBSCRIPTION",
	}
}

func NewNotAuthenticatedError() *BusError {
	return &BusError{
		Err:     ErrNotAuthenticated,
		Message: "authenticate before sending messages",
		Code:    "NOT_AUTHENTICATED",
	}
}

// NewRateLimitedError carries the instant the caller's window resets so
// clients can back off instead of retrying blind.
func NewRateLimitedError(resetTime time.Time) *BusError {
	return &BusError{
		Err:     ErrRateLimited,
		Message: "Too many messages. Please slow down.",
		Code:    "RATE_LIMITED",
		Details: map[string]interface{}{
			"resetTime": resetTime.UTC().Format(time.RFC3339Nano),
		},
	}
}

func NewCapacityExceededError(maxConnections int) *BusError {
	return &BusError{
		Err:     ErrCapacityExceeded,
		Message: "server is at connection capacity",
		Code:    "CAPACITY_EXCEEDED",
		Details: map[string]interface{}{
			"maxConnections": maxConnections,
		},
	}
}

func NewAuthTimeoutError() *BusError {
	return &BusError{
		Err:     ErrAuthTimeout,
		Message: "authentication handshake timed out",
		Code:    "AUTH_TIMEOUT",
	}
}

func NewHandlerFailureError(subscriptionID string, cause error) *BusError {
	return &BusError{
		Err:     ErrHandlerFailure,
		Message: fmt.Sprintf("handler for subscription %s failed: %v", subscriptionID, cause),
		Code:    "HANDLER_FAILURE",
		Details: map[string]interface{}{
			"subscriptionId": subscriptionID,
		},
	}
}

func NewPersistenceError(cause error) *BusError {
	return &BusError{
		Err:     ErrPersistenceUnavailable,
		Message: fmt.Sprintf("durable store unavailable: %v", cause),
		Code:    "PERSISTENCE_UNAVAILABLE",
	}
}

func NewReplayError(cause error) *BusError {
	return &BusError{
		Err:     ErrReplayFailure,
		Message: fmt.Sprintf("replay failed: %v", cause),
		Code:    "REPLAY_FAILURE",
	}
}
