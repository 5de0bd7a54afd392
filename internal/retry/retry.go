package retry

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Operation is one attempt of a retryable unit of work
type Operation func(ctx context.Context) error

// Config controls the backoff schedule and classification
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// ShouldRetry classifies an error as transient (true) or fatal (false).
	// Defaults to Classify.
	ShouldRetry func(error) bool
}

// DefaultConfig is the schedule used for on-chain writes
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     8 * time.Second,
	}
}

// fatalPatterns are failures that will not resolve by retrying: wallet
// rejections, reverts and bad inputs. Retrying these would re-sign and
// re-broadcast a transaction that is known to fail.
var fatalPatterns = []string{
	"insufficient funds",
	"execution reverted",
	"invalid parameter",
	"user rejected",
	"user denied",
}

// transientPatterns are failures worth retrying: nonce races, underpriced
// replacements and network flakes.
var transientPatterns = []string{
	"nonce",
	"replacement transaction underpriced",
	"replacement fee too low",
	"timeout",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"network",
	"temporarily unavailable",
}

// Classify reports whether err is transient. Fatal patterns win over
// transient ones, and unknown errors are treated as fatal so a funded signer
// never loops on a failure mode we have not seen before.
func Classify(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Do runs op, retrying transient failures with bounded exponential backoff.
// A fatal classification returns the error unchanged after a single attempt.
// The last error is returned once MaxAttempts is exhausted.
func Do(ctx context.Context, op Operation, cfg Config) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = Classify
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt)
		log.Debug().
			Err(lastErr).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Transient failure, backing off before retry")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// backoffDelay computes min(InitialDelay * Multiplier^(attempt-1), MaxDelay)
func backoffDelay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= cfg.Multiplier
		if cfg.MaxDelay > 0 && delay >= float64(cfg.MaxDelay) {
			return cfg.MaxDelay
		}
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(delay)
}
