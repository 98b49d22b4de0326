package refund_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/core/datamodel/payment"
	"github.com/frahmantamala/mobile-money/internal/refund"
	"github.com/frahmantamala/mobile-money/internal/transport"
)

type mockRefundService struct {
	err  error
	last refund.RefundRequest
}

func (m *mockRefundService) Refund(ctx context.Context, req refund.RefundRequest) (*payment.PaymentTransaction, error) {
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	source := req.TransactionID
	conversation := "AG_20250301_0001"
	return &payment.PaymentTransaction{
		ID:                  "rf-1",
		Amount:              400,
		Status:              payment.StatusProcessing,
		SourceTransactionID: &source,
		ConversationID:      &conversation,
	}, nil
}

var _ = ginkgo.Describe("RefundHandler", func() {
	var (
		service *mockRefundService
		router  chi.Router
	)

	ginkgo.BeforeEach(func() {
		service = &mockRefundService{}
		handler := refund.NewHandler(transport.NewBaseHandler(slog.New(slog.NewTextHandler(io.Discard, nil))), service)
		router = chi.NewRouter()
		router.Post("/api/v1/payments/{id}/refund", handler.RefundPayment)
	})

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/src-1/refund", bytes.NewBufferString(body))
		req = req.WithContext(errors.ContextWithUserID(req.Context(), "operator-1"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	ginkgo.It("should accept a refund and describe it", func() {
		rec := post(`{"amount":400,"reason":"Duplicate charge"}`)

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusAccepted))
		var resp refund.RefundResponse
		gomega.Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(gomega.Succeed())
		gomega.Expect(resp.RefundID).To(gomega.Equal("rf-1"))
		gomega.Expect(resp.SourceTransactionID).To(gomega.Equal("src-1"))
		gomega.Expect(resp.ConversationID).To(gomega.Equal("AG_20250301_0001"))
		gomega.Expect(*service.last.Amount).To(gomega.Equal(int64(400)))
		gomega.Expect(service.last.RequestedBy).To(gomega.Equal("operator-1"))
	})

	ginkgo.It("should treat an empty body as a full refund", func() {
		rec := post(``)

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusAccepted))
		gomega.Expect(service.last.Amount).To(gomega.BeNil())
	})

	ginkgo.DescribeTable("should map service errors",
		func(err error, status int) {
			service.err = err

			rec := post(`{}`)

			gomega.Expect(rec.Code).To(gomega.Equal(status))
		},
		ginkgo.Entry("not found", errors.ErrTransactionNotFound, http.StatusNotFound),
		ginkgo.Entry("not refundable", errors.ErrNotRefundable, http.StatusConflict),
		ginkgo.Entry("exceeds", errors.ErrRefundExceedsAmount, http.StatusBadRequest),
	)
})
