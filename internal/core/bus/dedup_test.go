package bus

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestDedupCache_FirstDeliveryPerSubscription(t *testing.T) {
	c := newDedupCache(time.Minute)
	subA, subB := uuid.New(), uuid.New()
	event := uuid.New()

	assert.True(t, c.firstDelivery(subA, event))
	assert.False(t, c.firstDelivery(subA, event))

	// The window is per subscription.
	assert.True(t, c.firstDelivery(subB, event))
	assert.False(t, c.firstDelivery(subB, event))

	assert.True(t, c.delivered(subA, event))
	assert.False(t, c.delivered(subA, uuid.New()))
}

func TestDedupCache_WindowExpiry(t *testing.T) {
	c := newDedupCache(time.Minute)
	current := time.Now()
	c.now = func() time.Time { return current }

	sub, event := uuid.New(), uuid.New()
	assert.True(t, c.firstDelivery(sub, event))
	assert.False(t, c.firstDelivery(sub, event))

	// Once the entry ages past the window, the event delivers again.
	current = current.Add(2 * time.Minute)
	assert.True(t, c.firstDelivery(sub, event))
}

func TestDedupCache_ForgetSingleDelivery(t *testing.T) {
	c := newDedupCache(time.Minute)
	sub, failed, ok := uuid.New(), uuid.New(), uuid.New()

	assert.True(t, c.firstDelivery(sub, failed))
	assert.True(t, c.firstDelivery(sub, ok))

	// Only the forgotten event becomes deliverable again.
	c.forget(sub, failed)
	assert.True(t, c.firstDelivery(sub, failed))
	assert.False(t, c.firstDelivery(sub, ok))

	// Forgetting unknown entries is a no-op.
	c.forget(uuid.New(), failed)
	c.forget(sub, uuid.New())
}

func TestDedupCache_ForgetSubscription(t *testing.T) {
	c := newDedupCache(time.Minute)
	sub, event := uuid.New(), uuid.New()

	assert.True(t, c.firstDelivery(sub, event))
	c.forgetSubscription(sub)
	assert.True(t, c.firstDelivery(sub, event), "a re-registered subscription starts clean")
}
