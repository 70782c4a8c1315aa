package resilience_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gk2work/identaur/pkg/resilience"
)

var _ = Describe("DeadLetterSink", func() {
	It("evicts the oldest entry once capacity is reached", func() {
		sink := resilience.NewDeadLetterSink(2)
		sink.Deposit(resilience.DeadLetterItem{Name: "a", Error: errors.New("err-a"), Timestamp: time.Now()})
		sink.Deposit(resilience.DeadLetterItem{Name: "b", Error: errors.New("err-b"), Timestamp: time.Now()})
		sink.Deposit(resilience.DeadLetterItem{Name: "c", Error: errors.New("err-c"), Timestamp: time.Now()})

		items := sink.List()
		Expect(items).To(HaveLen(2))
		Expect(items[0].Name).To(Equal("b"))
		Expect(items[1].Name).To(Equal("c"))

		stats := sink.Stats()
		Expect(stats.Evicted).To(Equal(1))
		Expect(stats.Size).To(Equal(2))
	})

	It("purges all items", func() {
		sink := resilience.NewDeadLetterSink(5)
		sink.Deposit(resilience.DeadLetterItem{Name: "a", Error: errors.New("err-a"), Timestamp: time.Now()})

		n := sink.Purge()
		Expect(n).To(Equal(1))
		Expect(sink.List()).To(BeEmpty())
	})
})
