package auth_test

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
	"github.com/frahmantamala/mobile-money/internal/auth"
	"github.com/frahmantamala/mobile-money/internal/transport"
)

var _ = ginkgo.Describe("AuthHandler", func() {
	var (
		service *auth.Service
		router  chi.Router
		seenID  string
	)

	login := func(email, password string) *httptest.ResponseRecorder {
		body, _ := json.Marshal(auth.LoginDTO{Email: email, Password: password})
		req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	tokenFor := func(email string) string {
		rec := login(email, "s3cret-pass")
		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
		var tokens auth.AuthTokens
		gomega.Expect(json.Unmarshal(rec.Body.Bytes(), &tokens)).To(gomega.Succeed())
		return tokens.AccessToken
	}

	ginkgo.BeforeEach(func() {
		ctx := context.Background()
		service, _ = newAuthService()
		_, err := service.CreateOperator(ctx, "viewer@example.com", "Viewer", "s3cret-pass", []string{auth.PermissionViewPayments})
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		_, err = service.CreateOperator(ctx, "finance@example.com", "Finance", "s3cret-pass", []string{auth.PermissionRefundPayments})
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		handler := auth.NewHandler(transport.NewBaseHandler(logger), service)
		rbac := auth.NewRBACAuthorization(auth.NewPermissionChecker(), logger)

		seenID = ""
		r := chi.NewRouter()
		r.Post("/auth/login", handler.Login)
		r.Post("/auth/refresh", handler.RefreshToken)
		r.Post("/auth/logout", handler.Logout)
		r.Group(func(pr chi.Router) {
			pr.Use(handler.AuthMiddleware)
			pr.With(rbac.RequireRefundPayment()).Post("/refund", func(w http.ResponseWriter, r *http.Request) {
				seenID = errors.UserIDFromContext(r.Context())
				w.WriteHeader(http.StatusAccepted)
			})
		})
		router = r
	})

	ginkgo.It("logs in with valid credentials", func() {
		rec := login("finance@example.com", "s3cret-pass")

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
		gomega.Expect(rec.Body.String()).To(gomega.ContainSubstring("access_token"))
	})

	ginkgo.It("answers 401 with the error envelope on bad credentials", func() {
		rec := login("finance@example.com", "wrong")

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusUnauthorized))
		var body map[string]map[string]interface{}
		gomega.Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(gomega.Succeed())
		gomega.Expect(body["error"]["code"]).To(gomega.Equal(string(errors.ErrCodeInvalidCredentials)))
	})

	ginkgo.It("rejects requests without a token", func() {
		req := httptest.NewRequest(http.MethodPost, "/refund", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusUnauthorized))
	})

	ginkgo.It("forbids operators without the permission", func() {
		req := httptest.NewRequest(http.MethodPost, "/refund", nil)
		req.Header.Set("Authorization", "Bearer "+tokenFor("viewer@example.com"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusForbidden))
	})

	ginkgo.It("lets permitted operators through with their id on the context", func() {
		req := httptest.NewRequest(http.MethodPost, "/refund", nil)
		req.Header.Set("Authorization", "Bearer "+tokenFor("finance@example.com"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusAccepted))
		gomega.Expect(seenID).ToNot(gomega.BeEmpty())
	})

	ginkgo.It("logs out with a valid access token", func() {
		req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
		req.Header.Set("Authorization", "Bearer "+tokenFor("viewer@example.com"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusNoContent))
	})

	ginkgo.It("requires a refresh token on refresh", func() {
		req := httptest.NewRequest(http.MethodPost, "/auth/refresh", bytes.NewReader([]byte(`{}`)))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusBadRequest))
	})
})
