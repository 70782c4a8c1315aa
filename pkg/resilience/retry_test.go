package resilience_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/gk2work/identaur/pkg/apperr"
	"github.com/gk2work/identaur/pkg/resilience"
)

var _ = Describe("Retrier", func() {
	var (
		cfg  resilience.RetryConfig
		sink *resilience.DeadLetterSink
	)

	BeforeEach(func() {
		cfg = resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			Base:         2.0,
			Jitter:       false,
		}
		sink = resilience.NewDeadLetterSink(10)
	})

	Context("retryable failures", func() {
		It("should retry retryable errors until success", func() {
			calls := 0
			retrier := resilience.NewRetrier(cfg, sink, zap.NewNop())

			err := retrier.Do(context.Background(), "flaky", func(ctx context.Context) error {
				calls++
				if calls < 3 {
					return apperr.New(apperr.KindEmbeddingFailed, "transient")
				}
				return nil
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(calls).To(Equal(3))
		})

		It("should fail after max attempts and deposit to the dead-letter sink", func() {
			calls := 0
			retrier := resilience.NewRetrier(cfg, sink, zap.NewNop())

			err := retrier.Do(context.Background(), "always-fails", func(ctx context.Context) error {
				calls++
				return apperr.New(apperr.KindEmbeddingFailed, "down")
			})

			Expect(err).To(HaveOccurred())
			Expect(calls).To(Equal(cfg.MaxAttempts))

			var appErr *apperr.Error
			Expect(errors.As(err, &appErr)).To(BeTrue())
			Expect(appErr.Kind).To(Equal(apperr.KindRetryExhausted))

			stats := sink.Stats()
			Expect(stats.Size).To(Equal(1))
		})
	})

	Context("non-retryable failures", func() {
		It("should fail immediately without retrying", func() {
			calls := 0
			retrier := resilience.NewRetrier(cfg, sink, zap.NewNop())

			err := retrier.Do(context.Background(), "bad-photo", func(ctx context.Context) error {
				calls++
				return apperr.New(apperr.KindNoFace, "no face")
			})

			Expect(err).To(HaveOccurred())
			Expect(calls).To(Equal(1))
		})

		It("should not retry a breaker-open failure", func() {
			calls := 0
			retrier := resilience.NewRetrier(cfg, sink, zap.NewNop())

			err := retrier.Do(context.Background(), "breaker-guarded", func(ctx context.Context) error {
				calls++
				return apperr.New(apperr.KindBreakerOpen, "open")
			})

			Expect(err).To(HaveOccurred())
			Expect(calls).To(Equal(1))
		})
	})

	Context("cancellation", func() {
		It("should stop retrying when the context is canceled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			retrier := resilience.NewRetrier(resilience.RetryConfig{
				MaxAttempts:  5,
				InitialDelay: 50 * time.Millisecond,
				MaxDelay:     time.Second,
				Base:         2.0,
			}, sink, zap.NewNop())

			calls := 0
			go func() {
				time.Sleep(10 * time.Millisecond)
				cancel()
			}()

			err := retrier.Do(ctx, "canceled", func(ctx context.Context) error {
				calls++
				return apperr.New(apperr.KindEmbeddingFailed, "down")
			})

			Expect(err).To(HaveOccurred())
			Expect(calls).To(BeNumerically("<=", 2))
		})
	})
})
