package payment_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"gorm.io/gorm"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/clock"
	"github.com/frahmantamala/mobile-money/internal/core/datamodel/payment"
	"github.com/frahmantamala/mobile-money/internal/core/datamodel/transactionlog"
	"github.com/frahmantamala/mobile-money/internal/core/events"
	paymentpkg "github.com/frahmantamala/mobile-money/internal/payment"
	paymentpg "github.com/frahmantamala/mobile-money/internal/payment/postgres"
	logpkg "github.com/frahmantamala/mobile-money/internal/transactionlog"
	logpg "github.com/frahmantamala/mobile-money/internal/transactionlog/postgres"
)

var _ = ginkgo.Describe("Reconciler", func() {
	var (
		db         *gorm.DB
		repo       paymentpkg.RepositoryAPI
		logs       logpkg.RepositoryAPI
		bus        *recordingBus
		clk        *clock.FakeClock
		reconciler *paymentpkg.Reconciler
		ctx        context.Context
	)

	seed := func(id, status string) *payment.PaymentTransaction {
		tx := &payment.PaymentTransaction{
			ID:                id,
			MerchantRequestID: strPtr("mr-" + id),
			CheckoutRequestID: strPtr("ws_CO_" + id),
			Amount:            1000,
			Currency:          "KES",
			PayerRef:          "254712345678",
			Method:            payment.MethodSTKPush,
			Purpose:           payment.PurposeConsultationFee,
			Status:            status,
			CreatedAt:         epoch,
			UpdatedAt:         epoch,
		}
		gomega.Expect(repo.Create(ctx, tx)).To(gomega.Succeed())
		return tx
	}

	successCallback := func(id string) paymentpkg.CallbackInput {
		return paymentpkg.CallbackInput{
			CorrelationID: "ws_CO_" + id,
			ResultCode:    "0",
			ResultDesc:    "The service request is processed successfully.",
			ReceiptRef:    "QKJ1234XYZ",
			Source:        paymentpkg.SourceCallback,
			Payload:       []byte(`{"Body":{"stkCallback":{"ResultCode":0}}}`),
		}
	}

	ginkgo.BeforeEach(func() {
		db = openTestDB()
		repo = paymentpg.NewPaymentRepository(db)
		logs = logpg.NewTransactionLogRepository(db)
		bus = &recordingBus{}
		clk = clock.NewFakeClock(epoch)
		recorder := logpkg.NewRecorder(logs, errors.GatewayEnvironmentSandbox, clk, nil)
		reconciler = paymentpkg.NewReconciler(repo, logs, recorder, bus, clk, nil, nil)
		ctx = context.Background()
	})

	ginkgo.Describe("HandleCallback", func() {
		ginkgo.It("should complete the transaction with the receipt and log it", func() {
			// Given
			seed("t1", payment.StatusProcessing)
			clk.Advance(20 * time.Second)

			// When
			outcome, err := reconciler.HandleCallback(ctx, successCallback("t1"))

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(outcome.Applied).To(gomega.BeTrue())
			gomega.Expect(outcome.PreviousStatus).To(gomega.Equal(payment.StatusProcessing))
			gomega.Expect(outcome.Status).To(gomega.Equal(payment.StatusCompleted))

			got, err := repo.GetByID(ctx, "t1")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(got.Status).To(gomega.Equal(payment.StatusCompleted))
			gomega.Expect(*got.ReceiptRef).To(gomega.Equal("QKJ1234XYZ"))
			gomega.Expect(*got.ResultCode).To(gomega.Equal("0"))
			gomega.Expect(got.CallbackReceived).To(gomega.BeTrue())
			gomega.Expect(got.CompletedAt).ToNot(gomega.BeNil())
			gomega.Expect(got.CompletedAt.Equal(epoch.Add(20 * time.Second))).To(gomega.BeTrue())

			entries, err := logs.ListByTransaction(ctx, "t1")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(entries).To(gomega.HaveLen(1))
			gomega.Expect(entries[0].InteractionType).To(gomega.Equal(transactionlog.InteractionCallbackReceived))
			gomega.Expect(entries[0].Success).To(gomega.BeTrue())

			published := bus.Events()
			gomega.Expect(published).To(gomega.HaveLen(1))
			gomega.Expect(published[0].EventType()).To(gomega.Equal(events.EventTypePaymentCompleted))
		})

		ginkgo.It("should fail the transaction on a non-zero result code", func() {
			// Given
			seed("t2", payment.StatusProcessing)

			// When
			outcome, err := reconciler.HandleCallback(ctx, paymentpkg.CallbackInput{
				CorrelationID: "ws_CO_t2",
				ResultCode:    "1032",
				ResultDesc:    "Request cancelled by user",
			})

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(outcome.Status).To(gomega.Equal(payment.StatusFailed))
			got, _ := repo.GetByID(ctx, "t2")
			gomega.Expect(got.Status).To(gomega.Equal(payment.StatusFailed))
			gomega.Expect(*got.FailureReason).To(gomega.Equal("Request cancelled by user"))
			gomega.Expect(got.ReceiptRef).To(gomega.BeNil())
			gomega.Expect(bus.Events()[0].EventType()).To(gomega.Equal(events.EventTypePaymentFailed))
		})

		ginkgo.It("should match on the merchant request id as well", func() {
			seed("t3", payment.StatusPending)

			in := successCallback("t3")
			in.CorrelationID = "mr-t3"
			outcome, err := reconciler.HandleCallback(ctx, in)

			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(outcome.TransactionID).To(gomega.Equal("t3"))
		})

		ginkgo.It("should be idempotent for repeated deliveries", func() {
			// Given
			seed("t4", payment.StatusProcessing)
			_, err := reconciler.HandleCallback(ctx, successCallback("t4"))
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			first, _ := repo.GetByID(ctx, "t4")

			// When
			clk.Advance(time.Minute)
			late := successCallback("t4")
			late.ReceiptRef = "OTHER999"
			outcome, err := reconciler.HandleCallback(ctx, late)

			// Then
			gomega.Expect(stderrors.Is(err, errors.ErrDuplicateCallback)).To(gomega.BeTrue())
			gomega.Expect(outcome.Applied).To(gomega.BeFalse())
			gomega.Expect(outcome.Status).To(gomega.Equal(payment.StatusCompleted))

			second, _ := repo.GetByID(ctx, "t4")
			gomega.Expect(*second.ReceiptRef).To(gomega.Equal("QKJ1234XYZ"))
			gomega.Expect(second.CompletedAt.Equal(*first.CompletedAt)).To(gomega.BeTrue())
			gomega.Expect(bus.Events()).To(gomega.HaveLen(1))

			entries, _ := logs.ListByTransaction(ctx, "t4")
			gomega.Expect(entries).To(gomega.HaveLen(2))
			gomega.Expect(*entries[1].ErrorCode).To(gomega.Equal("DUPLICATE_CALLBACK"))
		})

		ginkgo.It("should not let a late failure overwrite a completed transaction", func() {
			seed("t5", payment.StatusProcessing)
			_, err := reconciler.HandleCallback(ctx, successCallback("t5"))
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			_, err = reconciler.HandleCallback(ctx, paymentpkg.CallbackInput{
				CorrelationID: "ws_CO_t5",
				ResultCode:    "1",
				ResultDesc:    "Insufficient balance",
			})

			gomega.Expect(stderrors.Is(err, errors.ErrDuplicateCallback)).To(gomega.BeTrue())
			got, _ := repo.GetByID(ctx, "t5")
			gomega.Expect(got.Status).To(gomega.Equal(payment.StatusCompleted))
		})

		ginkgo.It("should log an orphan with no transaction and mutate nothing", func() {
			// Given
			seed("t6", payment.StatusProcessing)

			// When
			outcome, err := reconciler.HandleCallback(ctx, paymentpkg.CallbackInput{
				CorrelationID: "ws_CO_unknown",
				ResultCode:    "0",
				Payload:       []byte(`{"Body":{}}`),
			})

			// Then
			gomega.Expect(outcome).To(gomega.BeNil())
			gomega.Expect(stderrors.Is(err, errors.ErrOrphanCallback)).To(gomega.BeTrue())

			orphans, err := logs.Count(ctx, logpkg.CountFilter{OrphansOnly: true})
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(orphans).To(gomega.Equal(int64(1)))

			byCorrelation, _ := logs.ListByCorrelationID(ctx, "ws_CO_unknown")
			gomega.Expect(byCorrelation).To(gomega.HaveLen(1))
			gomega.Expect(byCorrelation[0].TransactionID).To(gomega.BeNil())
			gomega.Expect(*byCorrelation[0].ErrorCode).To(gomega.Equal("ORPHAN_CALLBACK"))

			got, _ := repo.GetByID(ctx, "t6")
			gomega.Expect(got.Status).To(gomega.Equal(payment.StatusProcessing))
			gomega.Expect(bus.Events()).To(gomega.BeEmpty())
		})

		ginkgo.It("should apply exactly one of many concurrent deliveries", func() {
			// Given
			seed("t7", payment.StatusProcessing)

			// When
			var applied, duplicates int32
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					defer ginkgo.GinkgoRecover()
					in := successCallback("t7")
					if i%2 == 1 {
						in.ResultCode = "1032"
						in.ReceiptRef = ""
					}
					outcome, err := reconciler.HandleCallback(ctx, in)
					switch {
					case err == nil && outcome.Applied:
						atomic.AddInt32(&applied, 1)
					case stderrors.Is(err, errors.ErrDuplicateCallback):
						atomic.AddInt32(&duplicates, 1)
					default:
						ginkgo.Fail(fmt.Sprintf("unexpected outcome: %v", err))
					}
				}(i)
			}
			wg.Wait()

			// Then
			gomega.Expect(atomic.LoadInt32(&applied)).To(gomega.Equal(int32(1)))
			gomega.Expect(atomic.LoadInt32(&duplicates)).To(gomega.Equal(int32(9)))
			gomega.Expect(bus.Events()).To(gomega.HaveLen(1))

			got, _ := repo.GetByID(ctx, "t7")
			gomega.Expect(got.IsTerminal()).To(gomega.BeTrue())
			successes, _ := logs.Count(ctx, logpkg.CountFilter{TransactionID: "t7"})
			gomega.Expect(successes).To(gomega.Equal(int64(10)))
		})
	})

	ginkgo.Describe("Expire", func() {
		ginkgo.It("should fail the transaction with the timeout reason and attempt count", func() {
			// Given
			seed("e1", payment.StatusProcessing)

			// When
			outcome, err := reconciler.Expire(ctx, "e1", 5, "")

			// Then
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(outcome.Status).To(gomega.Equal(payment.StatusFailed))
			got, _ := repo.GetByID(ctx, "e1")
			gomega.Expect(got.Status).To(gomega.Equal(payment.StatusFailed))
			gomega.Expect(*got.FailureReason).To(gomega.Equal(paymentpkg.ReasonTimeoutExceeded))
			gomega.Expect(got.RetryCount).To(gomega.Equal(5))

			entries, _ := logs.ListByTransaction(ctx, "e1")
			gomega.Expect(entries).To(gomega.HaveLen(1))
			gomega.Expect(*entries[0].ErrorCode).To(gomega.Equal("TIMEOUT_EXCEEDED"))
		})

		ginkgo.It("should leave a terminal transaction alone", func() {
			seed("e2", payment.StatusCompleted)

			_, err := reconciler.Expire(ctx, "e2", 5, "")

			gomega.Expect(stderrors.Is(err, errors.ErrDuplicateCallback)).To(gomega.BeTrue())
			got, _ := repo.GetByID(ctx, "e2")
			gomega.Expect(got.Status).To(gomega.Equal(payment.StatusCompleted))
		})
	})

	ginkgo.Describe("refund settlement", func() {
		ginkgo.It("should settle the source when a refund completes and release it when a refund fails", func() {
			// Given
			src := seed("src", payment.StatusCompleted)
			ok, err := repo.ReserveRefund(ctx, src.ID, 400)
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(ok).To(gomega.BeTrue())
			ok, _ = repo.ReserveRefund(ctx, src.ID, 600)
			gomega.Expect(ok).To(gomega.BeTrue())

			for _, r := range []struct {
				id     string
				amount int64
			}{{"rf1", 400}, {"rf2", 600}} {
				gomega.Expect(repo.Create(ctx, &payment.PaymentTransaction{
					ID:                       r.id,
					OriginatorConversationID: strPtr(r.id),
					Amount:                   r.amount,
					Currency:                 "KES",
					PayerRef:                 "254712345678",
					Method:                   payment.MethodB2C,
					Purpose:                  payment.PurposeRefund,
					Status:                   payment.StatusProcessing,
					SourceTransactionID:      strPtr(src.ID),
					CreatedAt:                epoch,
					UpdatedAt:                epoch,
				})).To(gomega.Succeed())
			}

			// When
			_, err = reconciler.HandleCallback(ctx, paymentpkg.CallbackInput{
				CorrelationID: "rf1", ResultCode: "0", ReceiptRef: "RFD1", Source: paymentpkg.SourceDisbursementResult,
			})
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			_, err = reconciler.HandleCallback(ctx, paymentpkg.CallbackInput{
				CorrelationID: "rf2", ResultCode: "2001", ResultDesc: "Initiator information is invalid", Source: paymentpkg.SourceDisbursementResult,
			})
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			// Then
			got, _ := repo.GetByID(ctx, src.ID)
			gomega.Expect(got.Status).To(gomega.Equal(payment.StatusCompleted))
			gomega.Expect(got.RefundedAmount).To(gomega.Equal(int64(400)))
			gomega.Expect(got.RefundPendingAmount).To(gomega.Equal(int64(0)))
			gomega.Expect(got.RefundableAmount()).To(gomega.Equal(int64(600)))

			published := bus.Events()
			gomega.Expect(published).To(gomega.HaveLen(2))
			gomega.Expect(published[0].EventType()).To(gomega.Equal(events.EventTypePaymentRefunded))
			gomega.Expect(published[1].EventType()).To(gomega.Equal(events.EventTypePaymentFailed))

			entries, _ := logs.ListByTransaction(ctx, "rf1")
			gomega.Expect(entries[0].InteractionType).To(gomega.Equal(transactionlog.InteractionDisbursementResult))
		})
	})

	ginkgo.Describe("RecordUnparseable", func() {
		ginkgo.It("should keep the raw body as an orphan entry", func() {
			reconciler.RecordUnparseable(ctx, []byte("not json"), "body is not valid JSON")

			orphans, err := logs.Count(ctx, logpkg.CountFilter{OrphansOnly: true})
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
			gomega.Expect(orphans).To(gomega.Equal(int64(1)))
		})
	})
})
