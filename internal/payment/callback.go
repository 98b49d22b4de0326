package payment

import (
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/frahmantamala/mobile-money/internal/core/datamodel/paymentgateway"
)

const metadataReceipt = "MpesaReceiptNumber"

var errUnrecognizedCallback = stderrors.New("unrecognized callback payload")

// ParseCallback recognizes STK push callbacks and B2C result or queue-timeout
// notifications and normalizes them for the reconciler.
func ParseCallback(body []byte) (CallbackInput, error) {
	if !json.Valid(body) {
		return CallbackInput{}, fmt.Errorf("%w: body is not valid JSON", errUnrecognizedCallback)
	}

	var stk paymentgateway.STKCallback
	if err := json.Unmarshal(body, &stk); err == nil && stk.Body.StkCallback != nil {
		cb := stk.Body.StkCallback
		correlationID := cb.CheckoutRequestID
		if correlationID == "" {
			correlationID = cb.MerchantRequestID
		}
		if correlationID == "" {
			return CallbackInput{}, fmt.Errorf("%w: stk callback without request ids", errUnrecognizedCallback)
		}
		return CallbackInput{
			CorrelationID: correlationID,
			ResultCode:    cb.ResultCode.String(),
			ResultDesc:    cb.ResultDesc,
			ReceiptRef:    cb.CallbackMetadata.Lookup(metadataReceipt),
			Source:        SourceCallback,
			Payload:       body,
		}, nil
	}

	var b2c paymentgateway.B2CResult
	if err := json.Unmarshal(body, &b2c); err == nil && b2c.Result != nil {
		res := b2c.Result
		correlationID := res.OriginatorConversationID
		if correlationID == "" {
			correlationID = res.ConversationID
		}
		if correlationID == "" {
			return CallbackInput{}, fmt.Errorf("%w: b2c result without conversation ids", errUnrecognizedCallback)
		}
		in := CallbackInput{
			CorrelationID: correlationID,
			ResultCode:    res.ResultCode.String(),
			ResultDesc:    res.ResultDesc,
			Source:        SourceDisbursementResult,
			Payload:       body,
		}
		if in.ResultCode == paymentgateway.ResultCodeSuccess {
			in.ReceiptRef = res.TransactionID
		}
		return in, nil
	}

	return CallbackInput{}, errUnrecognizedCallback
}
