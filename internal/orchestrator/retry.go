package orchestrator

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/baanu007/aws-serverless-etl/pkg/config"
	"github.com/baanu007/aws-serverless-etl/pkg/errors"
)

// RetryPolicy computes exponential backoff with jitter between stage run
// attempts.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

func NewRetryPolicy(cfg config.OrchestratorConfig) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialDelay:    cfg.RetryDelay,
		MaxDelay:        cfg.MaxRetryDelay,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// Delay returns the backoff before the given retry. attempt is 1-based: the
// delay before attempt 2 is the initial delay.
func (rp *RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt-1))
	if delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}
	if rp.RandomizeFactor > 0 {
		delta := delay * rp.RandomizeFactor
		delay = delay - delta + rand.Float64()*2*delta
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Wait blocks for the backoff before the given retry, honoring cancellation.
func (rp *RetryPolicy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(rp.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "retry wait cancelled")
	case <-timer.C:
		return nil
	}
}
