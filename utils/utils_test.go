package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryWithBackoff_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	}, NopLogger())

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_ReturnsLastError(t *testing.T) {
	sentinel := errors.New("still broken")
	err := RetryWithBackoff(context.Background(), 2, time.Millisecond, func(ctx context.Context) error {
		return sentinel
	}, NopLogger())

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
}

func TestRetryWithBackoff_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryWithBackoff(ctx, 5, time.Hour, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	}, NopLogger())

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestSeenSet(t *testing.T) {
	s := NewSeenSet()
	assert.True(t, s.Add("好吃"))
	assert.False(t, s.Add(" 好吃 "))
	assert.False(t, s.Add("   "))
	assert.True(t, s.Add("普通"))
	assert.Equal(t, 2, s.Count())
}

func TestRateLimiter_ZeroDelayDoesNotBlock(t *testing.T) {
	rl := NewRateLimiter(0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		require.NoError(t, rl.Wait(ctx))
	}
}
