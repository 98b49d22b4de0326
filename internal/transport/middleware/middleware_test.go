package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"

	chiMiddleware "github.com/go-chi/chi/middleware"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/auth"
)

var _ = ginkgo.Describe("filterBody", func() {
	ginkgo.It("redacts secrets and masks phone numbers", func() {
		out := filterBody([]byte(`{"password":"hunter2","payer_ref":"254712345678","Body":{"stkCallback":{"PhoneNumber":"254712345678","Amount":1000}}}`))

		gomega.Expect(out).ToNot(gomega.ContainSubstring("hunter2"))
		gomega.Expect(out).ToNot(gomega.ContainSubstring("254712345678"))
		gomega.Expect(out).To(gomega.ContainSubstring("*********678"))
		gomega.Expect(out).To(gomega.ContainSubstring(`"Amount":1000`))
	})

	ginkgo.It("passes non-JSON bodies through", func() {
		gomega.Expect(filterBody([]byte("plain"))).To(gomega.Equal("plain"))
	})
})

var _ = ginkgo.Describe("Network", func() {
	ginkgo.It("ignores forwarded headers on its own", func() {
		var seen errors.NetworkMetadata
		h := Network(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = errors.NetworkFromContext(r.Context())
		}))

		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		req.Header.Set("X-Forwarded-For", "196.201.214.200, 10.0.0.1")
		req.Header.Set("User-Agent", "provider/1.0")
		h.ServeHTTP(httptest.NewRecorder(), req)

		gomega.Expect(seen.ClientIP).To(gomega.Equal("10.1.2.3"))
		gomega.Expect(seen.UserAgent).To(gomega.Equal("provider/1.0"))
	})

	ginkgo.It("uses the forwarded client address behind RealIP", func() {
		var seen errors.NetworkMetadata
		h := chiMiddleware.RealIP(Network(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = errors.NetworkFromContext(r.Context())
		})))

		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		req.Header.Set("X-Forwarded-For", "196.201.214.200, 10.0.0.1")
		h.ServeHTTP(httptest.NewRecorder(), req)

		gomega.Expect(seen.ClientIP).To(gomega.Equal("196.201.214.200"))
	})

	ginkgo.It("falls back to the remote address", func() {
		var seen errors.NetworkMetadata
		h := Network(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = errors.NetworkFromContext(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		h.ServeHTTP(httptest.NewRecorder(), req)

		gomega.Expect(seen.ClientIP).To(gomega.Equal("10.1.2.3"))
	})
})

var _ = ginkgo.Describe("CORS", func() {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })

	ginkgo.It("answers preflight for an allowed origin", func() {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/payments", nil)
		req.Header.Set("Origin", "https://ops.example.com")
		rec := httptest.NewRecorder()

		CORS("https://ops.example.com")(ok).ServeHTTP(rec, req)

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusNoContent))
		gomega.Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(gomega.Equal("https://ops.example.com"))
	})

	ginkgo.It("does not tag other origins", func() {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()

		CORS("https://ops.example.com")(ok).ServeHTTP(rec, req)

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusTeapot))
		gomega.Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(gomega.BeEmpty())
	})
})

var _ = ginkgo.Describe("RecoveryMiddleware", func() {
	ginkgo.It("turns a panic into a 500 error envelope", func() {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		h := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusInternalServerError))
		gomega.Expect(rec.Body.String()).To(gomega.ContainSubstring("INTERNAL_ERROR"))
		gomega.Expect(rec.Body.String()).ToNot(gomega.ContainSubstring("boom"))
	})
})

var _ = ginkgo.Describe("LoggingMiddleware", func() {
	ginkgo.It("logs the request without leaking the password and keeps the body readable", func() {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		var got []byte
		h := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
		}))

		body := `{"email":"a@b.c","password":"hunter2"}`
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewBufferString(body)))

		gomega.Expect(string(got)).To(gomega.Equal(body))
		gomega.Expect(buf.String()).To(gomega.ContainSubstring("status_code=201"))
		gomega.Expect(buf.String()).ToNot(gomega.ContainSubstring("hunter2"))
	})
})

var _ = ginkgo.Describe("RequirePermissions", func() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	serve := func(user *auth.User) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if user != nil {
			req = req.WithContext(auth.ContextWithUser(req.Context(), user))
		}
		rec := httptest.NewRecorder()
		RequirePermissions(logger, auth.PermissionViewAnalytics)(next).ServeHTTP(rec, req)
		return rec.Code
	}

	ginkgo.It("rejects anonymous requests", func() {
		gomega.Expect(serve(nil)).To(gomega.Equal(http.StatusUnauthorized))
	})

	ginkgo.It("forbids operators without the permission", func() {
		gomega.Expect(serve(&auth.User{ID: 1, Permissions: []string{auth.PermissionViewPayments}})).To(gomega.Equal(http.StatusForbidden))
	})

	ginkgo.It("admits admins", func() {
		gomega.Expect(serve(&auth.User{ID: 1, Permissions: []string{auth.PermissionAdmin}})).To(gomega.Equal(http.StatusOK))
	})
})
