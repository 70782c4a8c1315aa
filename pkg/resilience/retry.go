package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/gk2work/identaur/pkg/apperr"
)

// RetryConfig configures the retry decorator from SPEC_FULL.md §4.1.
// The delay between attempts i and i+1 is
// min(MaxDelay, InitialDelay*Base^i), randomized into [0.5, 1.5) of
// that value when Jitter is true — exactly backoff.ExponentialBackOff's
// RandomizationFactor=0.5 semantics, which is why that library is used
// for the delay calculation here.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
	Jitter       bool
	// Retryable reports whether err should be retried. Defaults to
	// checking apperr.Error.Retryable() when nil.
	Retryable func(err error) bool
}

// DefaultRetryConfig is 3 attempts with a 200ms initial delay doubling
// up to 5s, with jitter. The worker uses it for vector-index calls;
// the face analyzer and the webhook sink use their own configs.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Base:         2.0,
		Jitter:       true,
	}
}

func (c RetryConfig) isRetryable(err error) bool {
	if c.Retryable != nil {
		return c.Retryable(err)
	}
	if e, ok := apperr.As(err); ok {
		// A breaker-open failure is never retried by this decorator:
		// retrying immediately would just re-open the breaker. The
		// caller (ResilientCall) may still supply a fallback.
		if e.Kind == apperr.KindBreakerOpen {
			return false
		}
		return e.Retryable()
	}
	return false
}

func (c RetryConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.Base
	b.MaxElapsedTime = 0 // attempt counting is done by the caller, not elapsed time
	if c.Jitter {
		b.RandomizationFactor = 0.5
	} else {
		b.RandomizationFactor = 0
	}
	b.Reset()
	return b
}

// Retrier runs an operation under a RetryConfig, depositing exhausted
// failures into a DeadLetterSink.
type Retrier struct {
	cfg  RetryConfig
	sink *DeadLetterSink
	log  *zap.Logger
}

// NewRetrier builds a Retrier. sink may be nil to discard exhausted
// failures instead of recording them.
func NewRetrier(cfg RetryConfig, sink *DeadLetterSink, log *zap.Logger) *Retrier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Retrier{cfg: cfg, sink: sink, log: log}
}

// Do executes fn, making at most cfg.MaxAttempts attempts in total and
// waiting with exponential backoff+jitter between them. A non-retryable failure is
// returned immediately. Exhaustion deposits the last error into the
// dead-letter sink and returns apperr with KindRetryExhausted wrapping
// it.
func (r *Retrier) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	b := r.cfg.newBackOff()
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !r.cfg.isRetryable(lastErr) {
			return lastErr
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		delay := b.NextBackOff()
		r.log.Warn("retrying operation",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if r.sink != nil {
		r.sink.Deposit(DeadLetterItem{
			Name:      name,
			Error:     lastErr,
			Attempts:  r.cfg.MaxAttempts,
			Timestamp: time.Now(),
		})
	}
	return apperr.Wrap(apperr.KindRetryExhausted, "retries exhausted for "+name, lastErr)
}
