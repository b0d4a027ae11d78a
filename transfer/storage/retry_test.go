package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryable(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "status 408", err: statusErr{408}, want: true},
		{name: "status 429", err: statusErr{429}, want: true},
		{name: "status 500", err: statusErr{500}, want: true},
		{name: "status 502", err: statusErr{502}, want: true},
		{name: "status 503", err: statusErr{503}, want: true},
		{name: "status 504", err: statusErr{504}, want: true},
		{name: "status 522", err: statusErr{522}, want: true},
		{name: "status 524", err: statusErr{524}, want: true},
		{name: "status 400", err: statusErr{400}, want: false},
		{name: "status 403", err: statusErr{403}, want: false},
		{name: "status 404", err: statusErr{404}, want: false},
		{name: "wrapped status", err: fmt.Errorf("upload part 3: %w", statusErr{503}), want: true},
		{name: "connection reset", err: errors.New("read tcp: connection reset by peer"), want: true},
		{name: "connection refused", err: errors.New("dial tcp 10.0.0.1:443: connection refused"), want: true},
		{name: "dns failure", err: errors.New("dial tcp: lookup bucket.example: no such host"), want: true},
		{name: "timeout", err: errors.New("awaiting response: request timed out"), want: true},
		{name: "aborted", err: errors.New("stream aborted mid-flight"), want: true},
		{name: "broken pipe", err: errors.New("write: broken pipe"), want: true},
		{name: "permission denied", err: errors.New("access denied"), want: false},
		// an explicit status always decides, even with a transient-looking message
		{name: "status wins over message", err: fmt.Errorf("token timeout check: %w", statusErr{403}), want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}

func TestPolicyRetriesTransientThenSucceeds(t *testing.T) {
	logger := newWarnCounter()
	policy := NewPolicy(PolicyConfig{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, JitterWindow: 50 * time.Millisecond}, logger)

	var delays []time.Duration
	policy.sleep = func(d time.Duration) { delays = append(delays, d) }

	attempts := 0
	err := policy.Execute(context.Background(), "test op", func() error {
		attempts++
		if attempts <= 2 {
			return statusErr{503}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, logger.warnCount())

	require.Len(t, delays, 2)
	assert.GreaterOrEqual(t, delays[0], 100*time.Millisecond)
	assert.Less(t, delays[0], 150*time.Millisecond)
	assert.GreaterOrEqual(t, delays[1], 200*time.Millisecond)
	assert.Less(t, delays[1], 250*time.Millisecond)
}

func TestPolicyReturnsLastErrorUnchanged(t *testing.T) {
	logger := newWarnCounter()
	policy := NewPolicy(PolicyConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, JitterWindow: 0}, logger)
	policy.sleep = func(time.Duration) {}

	lastErr := errors.New("connection reset by peer (attempt 3)")
	attempts := 0
	err := policy.Execute(context.Background(), "test op", func() error {
		attempts++
		if attempts == 3 {
			return lastErr
		}
		return errors.New("connection reset by peer")
	})

	assert.Equal(t, 3, attempts)
	assert.Same(t, lastErr, err)
	assert.Equal(t, 2, logger.warnCount())
}

func TestPolicyFailsFastOnFatalError(t *testing.T) {
	logger := newWarnCounter()
	policy := NewPolicy(PolicyConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, JitterWindow: 0}, logger)
	policy.sleep = func(time.Duration) {}

	fatal := errors.New("access denied")
	attempts := 0
	err := policy.Execute(context.Background(), "test op", func() error {
		attempts++
		return fatal
	})

	assert.Equal(t, 1, attempts)
	assert.Same(t, fatal, err)
	assert.Equal(t, 0, logger.warnCount())
}

func TestPolicyStopsWhenContextCancelled(t *testing.T) {
	logger := newWarnCounter()
	policy := NewPolicy(PolicyConfig{MaxAttempts: 10, BaseDelay: time.Millisecond, JitterWindow: 0}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	policy.sleep = func(time.Duration) { cancel() }

	transient := errors.New("request timed out")
	attempts := 0
	err := policy.Execute(ctx, "test op", func() error {
		attempts++
		return transient
	})

	assert.Equal(t, 1, attempts)
	assert.Same(t, transient, err)
}

func TestPolicyCancelledBeforeFirstAttempt(t *testing.T) {
	logger := newWarnCounter()
	policy := NewPolicy(DefaultPolicyConfig(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := policy.Execute(ctx, "test op", func() error {
		attempts++
		return nil
	})

	assert.Equal(t, 0, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}
