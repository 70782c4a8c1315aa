package resilience

import (
	"context"

	"go.uber.org/zap"
)

// ResilientCall composes a CircuitBreaker and a Retrier around a named
// dependency (SPEC_FULL.md §4.1's resilient_call): the breaker guards
// every individual attempt, and retries never swallow a BreakerOpen
// failure — the breaker's "open" decision always propagates.
type ResilientCall struct {
	name    string
	breaker *CircuitBreaker
	retrier *Retrier
	log     *zap.Logger
}

// NewResilientCall builds a ResilientCall named name, guarded by
// breaker and retrier.
func NewResilientCall(name string, breaker *CircuitBreaker, retrier *Retrier, log *zap.Logger) *ResilientCall {
	if log == nil {
		log = zap.NewNop()
	}
	return &ResilientCall{name: name, breaker: breaker, retrier: retrier, log: log}
}

// Do executes fn under breaker+retry. If fn still fails after retry
// exhaustion and fallback is non-nil, fallback is invoked and its
// result returned instead.
func (r *ResilientCall) Do(ctx context.Context, fn func(ctx context.Context) error, fallback func(ctx context.Context, cause error) error) error {
	err := r.retrier.Do(ctx, r.name, func(ctx context.Context) error {
		return r.breaker.Call(ctx, fn)
	})
	if err != nil && fallback != nil {
		r.log.Warn("falling back after resilient call failure", zap.String("name", r.name), zap.Error(err))
		return fallback(ctx, err)
	}
	return err
}
