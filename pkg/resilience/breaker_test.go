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

var _ = Describe("CircuitBreaker", func() {
	It("opens after F consecutive failures, then half-opens after the timeout, then closes after S successes", func() {
		cb := resilience.NewCircuitBreaker(resilience.BreakerConfig{
			Name:             "face-analyzer",
			FailureThreshold: 3,
			OpenTimeout:      30 * time.Millisecond,
			SuccessThreshold: 2,
		}, zap.NewNop())

		failing := func(ctx context.Context) error { return errors.New("boom") }
		for i := 0; i < 3; i++ {
			_ = cb.Call(context.Background(), failing)
		}
		Expect(cb.State()).To(Equal("open"))

		err := cb.Call(context.Background(), failing)
		var appErr *apperr.Error
		Expect(errors.As(err, &appErr)).To(BeTrue())
		Expect(appErr.Kind).To(Equal(apperr.KindBreakerOpen))

		time.Sleep(40 * time.Millisecond)

		succeeding := func(ctx context.Context) error { return nil }
		Expect(cb.Call(context.Background(), succeeding)).To(Succeed())
		Expect(cb.Call(context.Background(), succeeding)).To(Succeed())
		Expect(cb.State()).To(Equal("closed"))
	})

	It("reopens on a failure while half-open", func() {
		cb := resilience.NewCircuitBreaker(resilience.BreakerConfig{
			Name:             "store",
			FailureThreshold: 2,
			OpenTimeout:      20 * time.Millisecond,
			SuccessThreshold: 2,
		}, zap.NewNop())

		failing := func(ctx context.Context) error { return errors.New("boom") }
		_ = cb.Call(context.Background(), failing)
		_ = cb.Call(context.Background(), failing)
		Expect(cb.State()).To(Equal("open"))

		time.Sleep(30 * time.Millisecond)
		_ = cb.Call(context.Background(), failing)
		Expect(cb.State()).To(Equal("open"))
	})
})
