package rest_test

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/go-chi/chi"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/auth"
	"github.com/frahmantamala/mobile-money/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/mobile-money/internal/payment"
	"github.com/frahmantamala/mobile-money/internal/transport"
	"github.com/frahmantamala/mobile-money/internal/transport/rest"
)

type stubAuth struct {
	permissions []string
}

func (s *stubAuth) Authenticate(ctx context.Context, dto auth.LoginDTO) (auth.AuthTokens, error) {
	return auth.AuthTokens{}, errors.ErrInvalidCredentials
}

func (s *stubAuth) RefreshTokens(ctx context.Context, refreshToken string) (auth.AuthTokens, error) {
	return auth.AuthTokens{}, errors.ErrInvalidToken
}

func (s *stubAuth) ValidateAccessToken(token string) (*auth.Claims, error) {
	if token != "good" {
		return nil, errors.ErrInvalidToken
	}
	return &auth.Claims{UserID: "7", Email: "ops@example.com"}, nil
}

func (s *stubAuth) GetUserWithPermissions(ctx context.Context, id int64) (*auth.User, error) {
	return &auth.User{ID: id, Email: "ops@example.com", Permissions: s.permissions}, nil
}

type stubPayments struct{}

func (stubPayments) Initiate(ctx context.Context, req paymentpkg.InitiatePaymentRequest) (*payment.PaymentTransaction, error) {
	return &payment.PaymentTransaction{ID: "tx-1", Status: payment.StatusProcessing}, nil
}

func (stubPayments) GetStatus(ctx context.Context, id string) (*payment.PaymentTransaction, error) {
	return &payment.PaymentTransaction{ID: id, Status: payment.StatusPending}, nil
}

func (stubPayments) List(ctx context.Context, filter paymentpkg.ListFilter) (*paymentpkg.ListResult, error) {
	return &paymentpkg.ListResult{}, nil
}

func (stubPayments) Analytics(ctx context.Context, from, to *time.Time) (*paymentpkg.AnalyticsSummary, error) {
	return &paymentpkg.AnalyticsSummary{}, nil
}

type stubReconciler struct {
	calls int
}

func (s *stubReconciler) HandleCallback(ctx context.Context, in paymentpkg.CallbackInput) (*paymentpkg.Outcome, error) {
	s.calls++
	return nil, stderrors.New("store down")
}

func (s *stubReconciler) RecordUnparseable(ctx context.Context, payload []byte, reason string) {}

var _ = ginkgo.Describe("RegisterAllRoutes", func() {
	var (
		router     *chi.Mux
		authSvc    *stubAuth
		reconciler *stubReconciler
	)

	serve := func(method, path, token string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	ginkgo.BeforeEach(func() {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		base := transport.NewBaseHandler(logger)
		authSvc = &stubAuth{permissions: []string{auth.PermissionViewPayments}}
		reconciler = &stubReconciler{}

		router = chi.NewRouter()
		rest.RegisterAllRoutes(router, rest.Routes{
			Health:  rest.NewHealthHandler(nil),
			Auth:    auth.NewHandler(base, authSvc),
			RBAC:    auth.NewRBACAuthorization(auth.NewPermissionChecker(), logger),
			Payment: paymentpkg.NewHandler(base, stubPayments{}),
			Webhook: paymentpkg.NewWebhookHandler(base, reconciler, logger),
			Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("# metrics"))
			}),
		}, logger)
	})

	ginkgo.It("acknowledges provider callbacks without authentication even when processing fails", func() {
		rec := serve(http.MethodPost, "/api/v1/payments/gateway/callback", "",
			[]byte(`{"Body":{"stkCallback":{"MerchantRequestID":"m","CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"ok"}}}`))

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
		gomega.Expect(rec.Body.String()).To(gomega.ContainSubstring(`"ResultDesc":"Accepted"`))
		gomega.Expect(reconciler.calls).To(gomega.Equal(1))
	})

	ginkgo.It("requires a token for payment routes", func() {
		rec := serve(http.MethodGet, "/api/v1/payments/tx-1/status", "", nil)
		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusUnauthorized))
	})

	ginkgo.It("serves status to operators who can view payments", func() {
		rec := serve(http.MethodGet, "/api/v1/payments/tx-1/status", "good", nil)
		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
		gomega.Expect(rec.Body.String()).To(gomega.ContainSubstring(`"transaction_id":"tx-1"`))
	})

	ginkgo.It("guards analytics behind its own permission", func() {
		rec := serve(http.MethodGet, "/api/v1/payments/analytics", "good", nil)
		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusForbidden))

		authSvc.permissions = []string{auth.PermissionViewAnalytics}
		rec = serve(http.MethodGet, "/api/v1/payments/analytics", "good", nil)
		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
	})

	ginkgo.It("forbids initiation without initiate_payments", func() {
		rec := serve(http.MethodPost, "/api/v1/payments", "good", []byte(`{}`))
		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusForbidden))
	})

	ginkgo.It("exposes liveness, health and metrics", func() {
		gomega.Expect(serve(http.MethodGet, "/api/v1/ping", "", nil).Code).To(gomega.Equal(http.StatusOK))
		gomega.Expect(serve(http.MethodGet, "/api/v1/health", "", nil).Code).To(gomega.Equal(http.StatusOK))
		gomega.Expect(serve(http.MethodGet, "/metrics", "", nil).Body.String()).To(gomega.Equal("# metrics"))
	})
})

var _ = ginkgo.Describe("HealthHandler", func() {
	ginkgo.It("reports 503 when a dependency is down", func() {
		router := chi.NewRouter()
		health := rest.NewHealthHandler(nil).WithCheck("redis", func(ctx context.Context) error {
			return stderrors.New("connection refused")
		})
		rest.RegisterAllRoutes(router, rest.Routes{Health: health}, slog.New(slog.NewTextHandler(io.Discard, nil)))

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusServiceUnavailable))
		gomega.Expect(rec.Body.String()).To(gomega.ContainSubstring("connection refused"))
	})
})
