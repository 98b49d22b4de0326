package paymentgateway_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/mobile-money/internal/clock"
	"github.com/frahmantamala/mobile-money/internal/paymentgateway"
)

var _ = Describe("TokenCache", func() {
	var (
		clk     *clock.FakeClock
		cache   *paymentgateway.TokenCache
		fetches int
		fetch   paymentgateway.TokenFetcher
	)

	BeforeEach(func() {
		clk = clock.NewFakeClock(time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC))
		cache = paymentgateway.NewTokenCache(clk)
		fetches = 0
		fetch = func(ctx context.Context) (string, time.Duration, error) {
			fetches++
			return "token", time.Hour, nil
		}
	})

	It("should serve the cached token until the refresh margin", func() {
		// Given
		_, err := cache.Get(context.Background(), fetch)
		Expect(err).ToNot(HaveOccurred())

		// When
		clk.Advance(58 * time.Minute)
		_, _ = cache.Get(context.Background(), fetch)

		// Then
		Expect(fetches).To(Equal(1))

		// When
		clk.Advance(90 * time.Second)
		_, _ = cache.Get(context.Background(), fetch)

		// Then
		Expect(fetches).To(Equal(2))
	})

	It("should fetch again after invalidation", func() {
		// Given
		_, _ = cache.Get(context.Background(), fetch)

		// When
		cache.Invalidate()
		_, _ = cache.Get(context.Background(), fetch)

		// Then
		Expect(fetches).To(Equal(2))
	})
})
