package retry

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Millisecond,
	}
}

func TestDoFatalErrorSingleInvocation(t *testing.T) {
	fatal := errors.New("execution reverted: sold out")

	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fatal
	}, fastConfig(5))

	require.Equal(t, 1, calls)
	require.Same(t, fatal, err)
}

func TestDoTransientEventuallySucceeds(t *testing.T) {
	const maxAttempts = 4

	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < maxAttempts {
			return errors.New("nonce too low")
		}
		return nil
	}, fastConfig(maxAttempts))

	require.NoError(t, err)
	require.Equal(t, maxAttempts, calls)
}

func TestDoExhaustsAttemptsReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.Errorf("request timeout on attempt %d", calls)
	}, fastConfig(3))

	require.Equal(t, 3, calls)
	require.EqualError(t, err, "request timeout on attempt 3")
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("connection reset by peer")
	}, Config{MaxAttempts: 10, InitialDelay: time.Hour, Multiplier: 2})

	require.Equal(t, 1, calls)
	require.ErrorIs(t, err, context.Canceled)
}

func TestClassify(t *testing.T) {
	transient := []string{
		"nonce too low",
		"replacement transaction underpriced",
		"replacement fee too low",
		"request timeout",
		"read tcp: connection reset by peer",
		"network is unreachable",
	}
	for _, msg := range transient {
		require.True(t, Classify(errors.New(msg)), msg)
	}

	fatal := []string{
		"insufficient funds for gas * price + value",
		"execution reverted",
		"invalid parameter: capacity",
		"user rejected the request",
		"user denied transaction signature",
		"something entirely unknown",
	}
	for _, msg := range fatal {
		require.False(t, Classify(errors.New(msg)), msg)
	}

	// Fatal classification wins even when a transient word appears too
	require.False(t, Classify(errors.New("insufficient funds while replacing nonce")))
	require.False(t, Classify(nil))
}

func TestBackoffDelayCaps(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}

	require.Equal(t, 100*time.Millisecond, backoffDelay(cfg, 1))
	require.Equal(t, 200*time.Millisecond, backoffDelay(cfg, 2))
	require.Equal(t, 300*time.Millisecond, backoffDelay(cfg, 3))
	require.Equal(t, 300*time.Millisecond, backoffDelay(cfg, 8))
}
