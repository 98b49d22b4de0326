package payment

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/transport"
)

const idempotencyHeader = "Idempotency-Key"

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(baseHandler *transport.BaseHandler, service ServiceAPI) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		Service:     service,
	}
}

// InitiatePayment handles POST /api/v1/payments
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.HandleError(w, err)
		return
	}
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get(idempotencyHeader))
	req.RequestedBy = errors.UserIDFromContext(r.Context())

	tx, err := h.Service.Initiate(r.Context(), req)
	if err != nil {
		h.Logger.Info("InitiatePayment: rejected", "error", err)
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusAccepted, InitiatePaymentResponse{
		TransactionID:     tx.ID,
		MerchantRequestID: deref(tx.MerchantRequestID),
		CheckoutRequestID: deref(tx.CheckoutRequestID),
		Status:            tx.Status,
		Message:           "Payment prompt sent; poll the status endpoint for the outcome",
	})
}

// GetPaymentStatus handles GET /api/v1/payments/{id}/status
func (h *Handler) GetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tx, err := h.Service.GetStatus(r.Context(), id)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, NewStatusResponse(tx))
}

// ListPayments handles GET /api/v1/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := ListFilter{
		Status:  q.Get("status"),
		Method:  q.Get("method"),
		Purpose: q.Get("purpose"),
		Query:   q.Get("q"),
	}

	var err error
	if filter.Page, err = parseIntParam(q.Get("page"), "page"); err != nil {
		h.HandleError(w, err)
		return
	}
	if filter.PageSize, err = parseIntParam(q.Get("page_size"), "page_size"); err != nil {
		h.HandleError(w, err)
		return
	}
	if filter.From, err = parseOptionalTime("from", q.Get("from")); err != nil {
		h.HandleError(w, err)
		return
	}
	if filter.To, err = parseOptionalTime("to", q.Get("to")); err != nil {
		h.HandleError(w, err)
		return
	}

	result, err := h.Service.List(r.Context(), filter)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, result)
}

// GetAnalytics handles GET /api/v1/payments/analytics
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, err := parseOptionalTime("from", q.Get("from"))
	if err != nil {
		h.HandleError(w, err)
		return
	}
	to, err := parseOptionalTime("to", q.Get("to"))
	if err != nil {
		h.HandleError(w, err)
		return
	}

	summary, err := h.Service.Analytics(r.Context(), from, to)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, summary)
}

func parseIntParam(raw, field string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.NewValidationFieldError(field, field+" must be a positive integer", errors.ErrCodeValidationFailed)
	}
	return v, nil
}
