package payment_test

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"gorm.io/gorm"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/clock"
	"github.com/frahmantamala/mobile-money/internal/core/datamodel/payment"
	"github.com/frahmantamala/mobile-money/internal/idempotency"
	paymentpkg "github.com/frahmantamala/mobile-money/internal/payment"
	paymentpg "github.com/frahmantamala/mobile-money/internal/payment/postgres"
	"github.com/frahmantamala/mobile-money/internal/paymentgateway"
	logpkg "github.com/frahmantamala/mobile-money/internal/transactionlog"
	logpg "github.com/frahmantamala/mobile-money/internal/transactionlog/postgres"
)

func countRows(db *gorm.DB) int64 {
	var n int64
	gomega.Expect(db.Model(&payment.PaymentTransaction{}).Count(&n).Error).To(gomega.Succeed())
	return n
}

type createFailingRepository struct {
	paymentpkg.RepositoryAPI
}

func (r *createFailingRepository) Create(ctx context.Context, tx *payment.PaymentTransaction) error {
	return io.ErrUnexpectedEOF
}

func appErrorOf(err error) *errors.AppError {
	appErr, ok := errors.IsAppError(err)
	gomega.Expect(ok).To(gomega.BeTrue(), "expected *AppError, got %T: %v", err, err)
	return appErr
}

var _ = ginkgo.Describe("PaymentService", func() {
	var (
		db      *gorm.DB
		repo    paymentpkg.RepositoryAPI
		gateway *fakeGateway
		locker  *idempotency.LocalLocker
		clk     *clock.FakeClock
		service *paymentpkg.Service
		ctx     context.Context
	)

	validRequest := func() paymentpkg.InitiatePaymentRequest {
		return paymentpkg.InitiatePaymentRequest{
			Amount:      1000,
			PayerRef:    "0712345678",
			Purpose:     payment.PurposeConsultationFee,
			Description: "Initial consultation",
			EntityType:  "case",
			EntityRef:   "CASE-001",
		}
	}

	ginkgo.BeforeEach(func() {
		db = openTestDB()
		repo = paymentpg.NewPaymentRepository(db)
		sqlDB, err := db.DB()
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		analytics := paymentpg.NewAnalyticsRepository(sqlx.NewDb(sqlDB, "sqlite3"))

		gateway = &fakeGateway{}
		clk = clock.NewFakeClock(epoch)
		locker = idempotency.NewLocalLocker(clk)
		service = paymentpkg.NewService(repo, analytics, gateway, locker, clk, paymentpkg.ServiceConfig{}, nil)
		ctx = context.Background()
	})

	ginkgo.Describe("Initiate", func() {
		ginkgo.It("should push the prompt and persist a processing transaction", func() {
			// When
			tx, err := service.Initiate(ctx, validRequest())

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(tx.Status).To(gomega.Equal(payment.StatusProcessing))
			gomega.Expect(tx.PayerRef).To(gomega.Equal("254712345678"))
			gomega.Expect(*tx.CheckoutRequestID).To(gomega.Equal("ws_CO_" + tx.ID))

			push := gateway.lastPush()
			gomega.Expect(push.TransactionID).To(gomega.Equal(tx.ID))
			gomega.Expect(push.PayerRef).To(gomega.Equal("254712345678"))
			gomega.Expect(push.Reference).To(gomega.Equal("CASE-001"))

			stored, err := repo.GetByID(ctx, tx.ID)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(stored.Status).To(gomega.Equal(payment.StatusProcessing))
			gomega.Expect(stored.Currency).To(gomega.Equal("KES"))
			gomega.Expect(stored.Method).To(gomega.Equal(payment.MethodSTKPush))
			gomega.Expect(stored.CreatedAt.Equal(epoch)).To(gomega.BeTrue())
		})

		ginkgo.DescribeTable("should reject invalid requests without calling the provider",
			func(mutate func(*paymentpkg.InitiatePaymentRequest), code errors.ErrorCode) {
				req := validRequest()
				mutate(&req)

				_, err := service.Initiate(ctx, req)

				appErr := appErrorOf(err)
				gomega.Expect(appErr.StatusCode).To(gomega.Equal(http.StatusBadRequest))
				details, ok := appErr.Details.(errors.ValidationErrors)
				gomega.Expect(ok).To(gomega.BeTrue())
				gomega.Expect(details.Errors[0].Code).To(gomega.Equal(string(code)))
				gomega.Expect(gateway.pushCalls).To(gomega.BeZero())
				gomega.Expect(countRows(db)).To(gomega.BeZero())
			},
			ginkgo.Entry("zero amount", func(r *paymentpkg.InitiatePaymentRequest) { r.Amount = 0 }, errors.ErrCodeInvalidAmount),
			ginkgo.Entry("negative amount", func(r *paymentpkg.InitiatePaymentRequest) { r.Amount = -5 }, errors.ErrCodeInvalidAmount),
			ginkgo.Entry("malformed phone", func(r *paymentpkg.InitiatePaymentRequest) { r.PayerRef = "12345" }, errors.ErrCodeInvalidPayerRef),
			ginkgo.Entry("unknown purpose", func(r *paymentpkg.InitiatePaymentRequest) { r.Purpose = "lunch" }, errors.ErrCodeInvalidPurpose),
			ginkgo.Entry("refund purpose", func(r *paymentpkg.InitiatePaymentRequest) { r.Purpose = payment.PurposeRefund }, errors.ErrCodeInvalidPurpose),
		)

		ginkgo.It("should replay an idempotent request without a second push", func() {
			// Given
			req := validRequest()
			req.IdempotencyKey = "req-42"
			first, err := service.Initiate(ctx, req)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			// When
			second, err := service.Initiate(ctx, req)

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(second.ID).To(gomega.Equal(first.ID))
			gomega.Expect(gateway.pushCalls).To(gomega.Equal(int32(1)))
			gomega.Expect(countRows(db)).To(gomega.Equal(int64(1)))
		})

		ginkgo.It("should refuse a request whose idempotency key is locked", func() {
			// Given
			_, ok, err := locker.TryLock(ctx, idempotency.Key("payments", "req-busy"), time.Minute)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(ok).To(gomega.BeTrue())
			req := validRequest()
			req.IdempotencyKey = "req-busy"

			// When
			_, err = service.Initiate(ctx, req)

			// Then
			gomega.Expect(err).To(gomega.Equal(errors.ErrRequestInProgress))
			gomega.Expect(gateway.pushCalls).To(gomega.BeZero())
		})

		ginkgo.It("should keep a pending record when the provider may have seen the request", func() {
			// Given
			gateway.pushErr = errors.NewGatewayTransportError(paymentgateway.OpPush, errors.GatewayCodeServer, http.StatusServiceUnavailable, true, nil)

			// When
			tx, err := service.Initiate(ctx, validRequest())

			// Then
			appErr := appErrorOf(err)
			gomega.Expect(appErr.StatusCode).To(gomega.Equal(http.StatusServiceUnavailable))
			gomega.Expect(appErr.Code).To(gomega.Equal(errors.ErrCodeGatewayUnavailable))
			details := appErr.Details.(map[string]interface{})
			gomega.Expect(details["transaction_id"]).To(gomega.Equal(tx.ID))

			stored, err := repo.GetByID(ctx, tx.ID)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(stored.Status).To(gomega.Equal(payment.StatusPending))
			gomega.Expect(stored.CheckoutRequestID).To(gomega.BeNil())
		})

		ginkgo.It("should answer 504 on a provider timeout", func() {
			gateway.pushErr = errors.NewGatewayTransportError(paymentgateway.OpPush, errors.GatewayCodeTimeout, 0, true, context.DeadlineExceeded)

			_, err := service.Initiate(ctx, validRequest())

			appErr := appErrorOf(err)
			gomega.Expect(appErr.StatusCode).To(gomega.Equal(http.StatusGatewayTimeout))
			gomega.Expect(countRows(db)).To(gomega.Equal(int64(1)))
		})

		ginkgo.It("should persist nothing when the request never left", func() {
			gateway.pushErr = errors.NewGatewayTransportError(paymentgateway.OpPush, errors.GatewayCodeTransport, 0, false, nil)

			_, err := service.Initiate(ctx, validRequest())

			appErr := appErrorOf(err)
			gomega.Expect(appErr.StatusCode).To(gomega.Equal(http.StatusServiceUnavailable))
			gomega.Expect(countRows(db)).To(gomega.BeZero())
		})

		ginkgo.It("should record a failed transaction when the provider rejects the push", func() {
			// Given
			gateway.pushErr = errors.NewGatewayBusinessError(paymentgateway.OpPush, "400.002.02", "Bad Request - Invalid PhoneNumber", http.StatusBadRequest)

			// When
			tx, err := service.Initiate(ctx, validRequest())

			// Then
			appErr := appErrorOf(err)
			gomega.Expect(appErr.StatusCode).To(gomega.Equal(http.StatusUnprocessableEntity))
			gomega.Expect(appErr.Code).To(gomega.Equal(errors.ErrCodeGatewayRejected))
			stored, err := repo.GetByID(ctx, tx.ID)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(stored.Status).To(gomega.Equal(payment.StatusFailed))
			gomega.Expect(*stored.ResultCode).To(gomega.Equal("400.002.02"))
		})
	})

	ginkgo.Describe("Initiate when the store is unavailable", func() {
		ginkgo.It("should not hand out the id of a rejected payment it could not store", func() {
			// Given
			gateway.pushErr = errors.NewGatewayBusinessError(paymentgateway.OpPush, "400.002.02", "Bad Request - Invalid PhoneNumber", http.StatusBadRequest)
			broken := &createFailingRepository{RepositoryAPI: repo}
			service = paymentpkg.NewService(broken, nil, gateway, locker, clk, paymentpkg.ServiceConfig{}, nil)

			// When
			tx, err := service.Initiate(ctx, validRequest())

			// Then
			gomega.Expect(tx).To(gomega.BeNil())
			appErr := appErrorOf(err)
			gomega.Expect(appErr.StatusCode).To(gomega.Equal(http.StatusInternalServerError))
			gomega.Expect(appErr.Details).To(gomega.BeNil())
			gomega.Expect(countRows(db)).To(gomega.BeZero())
		})
	})

	ginkgo.Describe("GetStatus", func() {
		ginkgo.It("should return not found for unknown and malformed ids", func() {
			_, err := service.GetStatus(ctx, "not-a-uuid")
			gomega.Expect(err).To(gomega.Equal(errors.ErrTransactionNotFound))

			_, err = service.GetStatus(ctx, "0b0f3c0e-9a4e-4d43-9f0e-2b1f7c6d5e4a")
			gomega.Expect(err).To(gomega.Equal(errors.ErrTransactionNotFound))
		})
	})

	ginkgo.Describe("push payment round trip", func() {
		ginkgo.It("should report completed with the receipt after a successful callback", func() {
			// Given
			logs := logpg.NewTransactionLogRepository(db)
			recorder := logpkg.NewRecorder(logs, errors.GatewayEnvironmentSandbox, clk, nil)
			reconciler := paymentpkg.NewReconciler(repo, logs, recorder, nil, clk, nil, nil)

			tx, err := service.Initiate(ctx, validRequest())
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(tx.Status).To(gomega.Equal(payment.StatusProcessing))

			// When
			_, err = reconciler.HandleCallback(ctx, paymentpkg.CallbackInput{
				CorrelationID: *tx.CheckoutRequestID,
				ResultCode:    "0",
				ResultDesc:    "The service request is processed successfully.",
				ReceiptRef:    "QKJ1234XYZ",
			})
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			// Then
			status, err := service.GetStatus(ctx, tx.ID)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(status.Status).To(gomega.Equal(payment.StatusCompleted))
			gomega.Expect(status.Amount).To(gomega.Equal(int64(1000)))
			gomega.Expect(status.Purpose).To(gomega.Equal(payment.PurposeConsultationFee))
			gomega.Expect(*status.ReceiptRef).To(gomega.Equal("QKJ1234XYZ"))
		})
	})

	ginkgo.Describe("List", func() {
		ginkgo.It("should page results with totals", func() {
			for i := 0; i < 3; i++ {
				clk.Advance(time.Minute)
				_, err := service.Initiate(ctx, validRequest())
				gomega.Expect(err).ToNot(gomega.HaveOccurred())
			}

			result, err := service.List(ctx, paymentpkg.ListFilter{Page: 1, PageSize: 2})

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(result.Data).To(gomega.HaveLen(2))
			gomega.Expect(result.Pagination.Total).To(gomega.Equal(int64(3)))
			gomega.Expect(result.Pagination.TotalPages).To(gomega.Equal(2))
		})

		ginkgo.It("should reject an unknown status filter", func() {
			_, err := service.List(ctx, paymentpkg.ListFilter{Status: "bogus"})

			gomega.Expect(appErrorOf(err).StatusCode).To(gomega.Equal(http.StatusBadRequest))
		})
	})

	ginkgo.Describe("Analytics", func() {
		ginkgo.It("should summarize push payments and report refunds separately", func() {
			// Given
			rows := []*payment.PaymentTransaction{
				{ID: "a1", Amount: 1000, Purpose: payment.PurposeConsultationFee, Status: payment.StatusCompleted},
				{ID: "a2", Amount: 3000, Purpose: payment.PurposeCaseFee, Status: payment.StatusRefunded},
				{ID: "a3", Amount: 500, Purpose: payment.PurposeConsultationFee, Status: payment.StatusFailed},
				{ID: "a4", Amount: 700, Purpose: payment.PurposeConsultationFee, Status: payment.StatusProcessing},
				{ID: "a5", Amount: 3000, Purpose: payment.PurposeRefund, Status: payment.StatusCompleted, Method: payment.MethodB2C},
			}
			for _, r := range rows {
				r.Currency = "KES"
				r.PayerRef = "254712345678"
				if r.Method == "" {
					r.Method = payment.MethodSTKPush
				}
				r.CreatedAt = epoch
				r.UpdatedAt = epoch
				gomega.Expect(repo.Create(ctx, r)).To(gomega.Succeed())
			}

			// When
			summary, err := service.Analytics(ctx, nil, nil)

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(summary.TotalCount).To(gomega.Equal(int64(4)))
			gomega.Expect(summary.CompletedCount).To(gomega.Equal(int64(2)))
			gomega.Expect(summary.CompletedVolume).To(gomega.Equal(int64(4000)))
			gomega.Expect(summary.RefundedCount).To(gomega.Equal(int64(1)))
			gomega.Expect(summary.FailedCount).To(gomega.Equal(int64(1)))
			gomega.Expect(summary.PendingCount).To(gomega.Equal(int64(1)))
			gomega.Expect(summary.RefundCount).To(gomega.Equal(int64(1)))
			gomega.Expect(summary.RefundVolume).To(gomega.Equal(int64(3000)))
			gomega.Expect(summary.SuccessRate).To(gomega.Equal(66.67))
			gomega.Expect(summary.ByPurpose).To(gomega.HaveLen(2))
		})

		ginkgo.It("should reject an inverted window", func() {
			from := epoch
			to := epoch.Add(-time.Hour)

			_, err := service.Analytics(ctx, &from, &to)

			gomega.Expect(appErrorOf(err).StatusCode).To(gomega.Equal(http.StatusBadRequest))
		})
	})
})
