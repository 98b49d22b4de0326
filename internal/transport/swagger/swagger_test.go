package swagger_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/frahmantamala/mobile-money/internal/transport/swagger"
)

var _ = ginkgo.Describe("LoadSpec", func() {
	ginkgo.It("loads the bundled document and lists every payment route", func() {
		spec, err := swagger.LoadSpec(context.Background(), filepath.Join("..", "..", "..", "api", "openapi.yml"))

		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(spec.Operations()).To(gomega.ContainElements(
			"POST /payments",
			"GET /payments",
			"GET /payments/analytics",
			"GET /payments/{id}/status",
			"POST /payments/{id}/refund",
			"POST /payments/gateway/callback",
			"POST /auth/login",
		))
	})

	ginkgo.It("serves the raw document", func() {
		spec, err := swagger.LoadSpec(context.Background(), filepath.Join("..", "..", "..", "api", "openapi.yml"))
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		rec := httptest.NewRecorder()
		spec.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.yml", nil))

		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
		gomega.Expect(rec.Body.String()).To(gomega.HavePrefix("openapi: 3.0.3"))
	})

	ginkgo.It("rejects a document that does not validate", func() {
		path := filepath.Join(ginkgo.GinkgoT().TempDir(), "broken.yml")
		gomega.Expect(os.WriteFile(path, []byte("openapi: 3.0.3\ninfo:\n  title: x\npaths: {}\n"), 0o600)).To(gomega.Succeed())

		_, err := swagger.LoadSpec(context.Background(), path)

		gomega.Expect(err).To(gomega.HaveOccurred())
	})

	ginkgo.It("fails on a missing file", func() {
		_, err := swagger.LoadSpec(context.Background(), "does-not-exist.yml")
		gomega.Expect(err).To(gomega.HaveOccurred())
	})
})
