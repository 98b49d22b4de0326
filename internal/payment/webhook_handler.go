package payment

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/transport"
)

const maxCallbackBytes = 64 << 10

type CallbackHandlerAPI interface {
	HandleCallback(ctx context.Context, in CallbackInput) (*Outcome, error)
	RecordUnparseable(ctx context.Context, payload []byte, reason string)
}

type WebhookHandler struct {
	*transport.BaseHandler
	reconciler CallbackHandlerAPI
	logger     *slog.Logger
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, reconciler CallbackHandlerAPI, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = baseHandler.Logger
	}
	return &WebhookHandler{
		BaseHandler: baseHandler,
		reconciler:  reconciler,
		logger:      logger,
	}
}

// CallbackAck is the body the provider expects; anything else triggers redelivery.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var accepted = CallbackAck{ResultCode: 0, ResultDesc: "Accepted"}

// HandleProviderCallback handles POST /payments/gateway/callback. It always
// acknowledges with 200; duplicates and orphans are absorbed by the reconciler.
func (h *WebhookHandler) HandleProviderCallback(w http.ResponseWriter, r *http.Request) {
	defer h.WriteJSON(w, http.StatusOK, accepted)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		h.logger.Error("failed to read provider callback", "error", err)
		return
	}

	in, err := ParseCallback(body)
	if err != nil {
		h.logger.Warn("unparseable provider callback", "error", err, "size", len(body))
		h.reconciler.RecordUnparseable(r.Context(), body, err.Error())
		return
	}

	outcome, err := h.reconciler.HandleCallback(r.Context(), in)
	switch {
	case err == nil:
		h.logger.Info("provider callback applied",
			"transaction_id", outcome.TransactionID,
			"status", outcome.Status,
			"source", in.Source)
	case stderrors.Is(err, errors.ErrOrphanCallback), stderrors.Is(err, errors.ErrDuplicateCallback):
		h.logger.Info("provider callback ignored", "correlation_id", in.CorrelationID, "reason", err)
	default:
		h.logger.Error("provider callback processing failed", "correlation_id", in.CorrelationID, "error", err)
	}
}
