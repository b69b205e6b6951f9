package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestNewLimiter(t *testing.T) {
	l := NewLimiter(10.0, 5, "bsc")

	require.NotNil(t, l.limiter)
	assert.Equal(t, "bsc", l.chain)
	assert.InDelta(t, 10.0, float64(l.limiter.Limit()), 0.001)
	assert.Equal(t, 5, l.limiter.Burst())
}

func TestNewLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(0, 0, "bsc")

	assert.Equal(t, rate.Inf, l.limiter.Limit())
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
}

func TestLimiter_AllowWithinBurst(t *testing.T) {
	const burst = 5
	l := NewLimiter(100, burst, "polygon")

	for i := 0; i < burst; i++ {
		start := time.Now()
		require.NoError(t, l.Wait(context.Background()))
		assert.Less(t, time.Since(start), 50*time.Millisecond, "request %d should pass immediately", i)
	}
}

func TestLimiter_WaitWhenExhausted(t *testing.T) {
	l := NewLimiter(10, 1, "arbitrum")
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))

	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_ContextCancelled(t *testing.T) {
	l := NewLimiter(0.1, 1, "fantom")
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassifyRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "ok"},
		{"not found", fmt.Errorf("receipt: %w", ethereum.NotFound), "not_found"},
		{"reverted", errors.New("execution reverted: !paused"), "reverted"},
		{"timeout", errors.New("context deadline exceeded"), "timeout"},
		{"rate limited", errors.New("429 Too Many Requests"), "rate_limited"},
		{"server", errors.New("502 Bad Gateway"), "server_error"},
		{"network", errors.New("dial tcp: connection refused"), "network_error"},
		{"other", errors.New("invalid argument 0"), "client_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyRPCError(tt.err))
		})
	}
}
