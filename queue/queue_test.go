package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}
	opts.applyDefaults()

	assert.Equal(t, 3, opts.RetryLimit)
	assert.Equal(t, 30*time.Second, opts.RetryDelay)
	assert.Equal(t, time.Hour, opts.ExpireIn)
	assert.Equal(t, 0, opts.Priority)
}

func TestOptionsDefaultsPreserveExplicitValues(t *testing.T) {
	opts := Options{
		RetryLimit: 5,
		RetryDelay: 10 * time.Second,
		ExpireIn:   2 * time.Hour,
	}
	opts.applyDefaults()

	assert.Equal(t, 5, opts.RetryLimit)
	assert.Equal(t, 10*time.Second, opts.RetryDelay)
	assert.Equal(t, 2*time.Hour, opts.ExpireIn)
}

func TestNextRetryDelay(t *testing.T) {
	base := 30 * time.Second

	// Without backoff the delay is constant.
	for _, n := range []int{0, 1, 5} {
		assert.Equal(t, base, NextRetryDelay(base, n, false))
	}

	// With backoff the delay doubles per prior attempt.
	assert.Equal(t, 30*time.Second, NextRetryDelay(base, 0, true))
	assert.Equal(t, 60*time.Second, NextRetryDelay(base, 1, true))
	assert.Equal(t, 120*time.Second, NextRetryDelay(base, 2, true))
}

func TestJobStateConstants(t *testing.T) {
	// The queue introspection endpoint maps these names; keep them
	// stable.
	assert.EqualValues(t, "created", StateCreated)
	assert.EqualValues(t, "retry", StateRetry)
	assert.EqualValues(t, "active", StateActive)
	assert.EqualValues(t, "completed", StateCompleted)
	assert.EqualValues(t, "cancelled", StateCancelled)
	assert.EqualValues(t, "failed", StateFailed)
}
