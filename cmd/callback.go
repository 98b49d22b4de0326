package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/mobile-money/internal/core/datamodel/payment"
	"github.com/frahmantamala/mobile-money/internal/core/datamodel/paymentgateway"
	paymentpkg "github.com/frahmantamala/mobile-money/internal/payment"
)

var callbackCmd = &cobra.Command{
	Use:   "callback",
	Short: "Provider callback tools",
	Long:  `Inspect and replay provider callbacks against the local store.`,
}

var simulateCallbackCmd = &cobra.Command{
	Use:   "simulate [transaction-id]",
	Short: "Deliver a synthetic provider callback for a transaction",
	Long: `Build the callback the provider would send for the transaction and run it through the
reconciler, exactly as if it had arrived on the webhook. Useful in sandbox where callbacks
cannot reach a developer machine.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return simulateCallback(cmd.Context(), args[0])
	},
}

var (
	simResultCode string
	simResultDesc string
	simReceipt    string
)

func init() {
	simulateCallbackCmd.Flags().StringVar(&simResultCode, "result-code", paymentgateway.ResultCodeSuccess, "provider result code, 0 is success")
	simulateCallbackCmd.Flags().StringVar(&simResultDesc, "result-desc", "The service request is processed successfully.", "provider result description")
	simulateCallbackCmd.Flags().StringVar(&simReceipt, "receipt", "", "receipt number for successful results")

	callbackCmd.AddCommand(simulateCallbackCmd)
}

func simulateCallback(ctx context.Context, id string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	app, err := newApplication(cfg)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	tx, err := app.Payments.GetByID(ctx, id)
	if err != nil {
		return err
	}

	body, err := syntheticCallback(tx, simResultCode, simResultDesc, simReceipt)
	if err != nil {
		return err
	}

	in, err := paymentpkg.ParseCallback(body)
	if err != nil {
		return fmt.Errorf("synthetic callback did not parse: %w", err)
	}

	outcome, err := app.Reconciler.HandleCallback(ctx, in)
	if err != nil {
		return err
	}

	app.Logger.Info("callback simulated",
		"transaction_id", outcome.TransactionID,
		"previous_status", outcome.PreviousStatus,
		"status", outcome.Status)
	return nil
}

func syntheticCallback(tx *payment.PaymentTransaction, code, desc, receipt string) ([]byte, error) {
	resultCode := paymentgateway.Code(code)

	if tx.Method == payment.MethodB2C {
		if tx.OriginatorConversationID == nil {
			return nil, fmt.Errorf("transaction %s has no originator conversation id", tx.ID)
		}
		res := &paymentgateway.B2CResultBody{
			ResultType:               0,
			ResultCode:               resultCode,
			ResultDesc:               desc,
			OriginatorConversationID: *tx.OriginatorConversationID,
			TransactionID:            receipt,
		}
		if tx.ConversationID != nil {
			res.ConversationID = *tx.ConversationID
		}
		return json.Marshal(paymentgateway.B2CResult{Result: res})
	}

	if tx.CheckoutRequestID == nil {
		return nil, fmt.Errorf("transaction %s has no checkout request id", tx.ID)
	}
	cb := &paymentgateway.STKCallbackBody{
		CheckoutRequestID: *tx.CheckoutRequestID,
		ResultCode:        resultCode,
		ResultDesc:        desc,
	}
	if tx.MerchantRequestID != nil {
		cb.MerchantRequestID = *tx.MerchantRequestID
	}
	if code == paymentgateway.ResultCodeSuccess {
		if receipt == "" {
			receipt = fmt.Sprintf("SIM%d", time.Now().Unix())
		}
		cb.CallbackMetadata = &paymentgateway.CallbackMetadata{Item: []paymentgateway.MetadataItem{
			{Name: "Amount", Value: tx.Amount},
			{Name: "MpesaReceiptNumber", Value: receipt},
			{Name: "PhoneNumber", Value: tx.PayerRef},
		}}
	}

	var envelope paymentgateway.STKCallback
	envelope.Body.StkCallback = cb
	return json.Marshal(envelope)
}
