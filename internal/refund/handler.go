package refund

import (
	"net/http"

	"github.com/go-chi/chi"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/transport"
)

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

// RefundPayment handles POST /api/v1/payments/{id}/refund
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if r.ContentLength != 0 {
		if err := h.DecodeJSON(r, &req); err != nil {
			h.HandleError(w, err)
			return
		}
	}
	req.TransactionID = chi.URLParam(r, "id")
	req.RequestedBy = errors.UserIDFromContext(r.Context())

	refund, err := h.Service.Refund(r.Context(), req)
	if err != nil {
		h.Logger.Info("RefundPayment: rejected", "transaction_id", req.TransactionID, "error", err)
		h.HandleError(w, err)
		return
	}

	resp := RefundResponse{
		RefundID: refund.ID,
		Amount:   refund.Amount,
		Status:   refund.Status,
		Message:  "Refund submitted; poll the status endpoint for the outcome",
	}
	if refund.SourceTransactionID != nil {
		resp.SourceTransactionID = *refund.SourceTransactionID
	}
	if refund.ConversationID != nil {
		resp.ConversationID = *refund.ConversationID
	}

	h.WriteJSON(w, http.StatusAccepted, resp)
}
