package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestBreaker_Lifecycle(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var transitions []BreakerState
	b := NewBreaker(3, time.Minute).WithClock(clock.now).OnStateChange(func(s BreakerState) {
		transitions = append(transitions, s)
	})

	// GIVEN: two failures are below the threshold
	b.Failure()
	b.Failure()
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerClosed, b.State())

	// WHEN: the third consecutive failure arrives
	b.Failure()

	// THEN: the circuit opens and rejects calls during the cooldown
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	// After the cooldown a single trial call is allowed
	clock.t = clock.t.Add(time.Minute)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one trial call in half-open")

	// A failed trial call re-opens
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, 2, b.Trips())

	// A successful trial call closes
	clock.t = clock.t.Add(time.Minute)
	assert.True(t, b.Allow())
	b.Success()
	assert.Equal(t, BreakerClosed, b.State())

	assert.Equal(t, []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerOpen, BreakerHalfOpen, BreakerClosed}, transitions)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(2, time.Minute)
	b.Failure()
	b.Success()
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State())

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())

	b.Reset()
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 0, b.Trips())
	assert.True(t, b.Allow())
}
