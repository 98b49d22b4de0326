package paymentgateway_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/mobile-money/internal/paymentgateway"
)

var _ = Describe("NormalizeMSISDN", func() {
	DescribeTable("accepted forms",
		func(raw, want string) {
			got, ok := paymentgateway.NormalizeMSISDN(raw)
			Expect(ok).To(BeTrue())
			Expect(got).To(Equal(want))
		},
		Entry("international", "254712345678", "254712345678"),
		Entry("plus prefixed", "+254712345678", "254712345678"),
		Entry("local safaricom", "0712345678", "254712345678"),
		Entry("local 01 range", "0110123456", "254110123456"),
		Entry("bare subscriber", "712345678", "254712345678"),
		Entry("spaced", "+254 712-345 678", "254712345678"),
	)

	DescribeTable("rejected forms",
		func(raw string) {
			_, ok := paymentgateway.NormalizeMSISDN(raw)
			Expect(ok).To(BeFalse())
		},
		Entry("empty", ""),
		Entry("too short", "07123"),
		Entry("landline", "0202345678"),
		Entry("other country", "255712345678"),
		Entry("letters", "07123abc78"),
	)
})
