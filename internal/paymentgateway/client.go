package paymentgateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/clock"
	gatewaytypes "github.com/frahmantamala/mobile-money/internal/core/datamodel/paymentgateway"
	"github.com/frahmantamala/mobile-money/internal/core/datamodel/transactionlog"
	"github.com/frahmantamala/mobile-money/internal/observability/metrics"
	logpkg "github.com/frahmantamala/mobile-money/internal/transactionlog"
)

const (
	pathOAuth    = "/oauth/v1/generate?grant_type=client_credentials"
	pathSTKPush  = "/mpesa/stkpush/v1/processrequest"
	pathSTKQuery = "/mpesa/stkpushquery/v1/query"
	pathB2C      = "/mpesa/b2c/v3/paymentrequest"

	timestampLayout = "20060102150405"

	maxAccountReferenceLen = 12
	maxDescriptionLen      = 13
	defaultTokenTTL        = 3599 * time.Second
	maxResponseBytes       = 1 << 20
)

// The provider computes passwords against East Africa Time.
var providerZone = time.FixedZone("EAT", 3*60*60)

type Config struct {
	Environment        string
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	ShortCode          string
	PassKey            string
	InitiatorName      string
	SecurityCredential string
	CallbackURL        string
	ResultURL          string
	TimeoutURL         string
	RequestTimeout     time.Duration
}

// LogRecorder receives exactly one entry per outbound operation.
type LogRecorder interface {
	Record(ctx context.Context, entry logpkg.Entry) error
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     *TokenCache
	recorder   LogRecorder
	metrics    *metrics.Metrics
	clock      clock.Clock
	logger     *slog.Logger
}

func NewClient(cfg Config, tokens *TokenCache, recorder LogRecorder, m *metrics.Metrics, logger *slog.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.ResultURL == "" {
		cfg.ResultURL = cfg.CallbackURL
	}
	if cfg.TimeoutURL == "" {
		cfg.TimeoutURL = cfg.ResultURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if tokens == nil {
		tokens = NewTokenCache(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		tokens:     tokens,
		recorder:   recorder,
		metrics:    m,
		clock:      clock.New(),
		logger:     logger,
	}
}

// WithClock replaces the clock used for request timestamps.
func (c *Client) WithClock(clk clock.Clock) *Client {
	c.clock = clk
	return c
}

func (c *Client) Environment() string {
	return c.cfg.Environment
}

func (c *Client) InitiatePush(ctx context.Context, req PushRequest) (*PushResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	phone, _ := NormalizeMSISDN(req.PayerRef)

	password, timestamp := c.password()
	payload := gatewaytypes.STKPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   gatewaytypes.TransactionTypePayBill,
		Amount:            req.Amount,
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  truncate(firstNonEmpty(req.Reference, req.TransactionID), maxAccountReferenceLen),
		TransactionDesc:   truncate(firstNonEmpty(req.Description, "Payment"), maxDescriptionLen),
	}

	ex, err := c.send(ctx, OpPush, pathSTKPush, payload)
	result, err := c.decodePush(ex, err)

	entry := logpkg.Entry{
		TransactionID:   req.TransactionID,
		InteractionType: transactionlog.InteractionPushRequest,
	}
	if result != nil {
		entry.CorrelationID = result.CheckoutRequestID
	}
	c.finish(ctx, OpPush, entry, ex, err)

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) decodePush(ex *exchange, err error) (*PushResult, error) {
	if err != nil {
		return nil, err
	}
	var resp gatewaytypes.STKPushResponse
	if decodeErr := json.Unmarshal(ex.responseBody, &resp); decodeErr != nil || (resp.CheckoutRequestID == "" && resp.ResponseCode == gatewaytypes.ResponseCodeAccepted) {
		if decodeErr == nil {
			decodeErr = fmt.Errorf("acknowledgement without checkout request id")
		}
		return nil, errors.NewGatewayTransportError(OpPush, errors.GatewayCodeMalformed, ex.statusCode, true, decodeErr)
	}
	if resp.ResponseCode != gatewaytypes.ResponseCodeAccepted {
		return nil, errors.NewGatewayBusinessError(OpPush, resp.ResponseCode, resp.ResponseDescription, ex.statusCode)
	}
	return &PushResult{
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
		CustomerMessage:   resp.CustomerMessage,
		RequestPayload:    ex.requestBody,
		ResponsePayload:   ex.responseBody,
	}, nil
}

func (c *Client) QueryStatus(ctx context.Context, req StatusQuery) (*StatusResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	password, timestamp := c.password()
	payload := gatewaytypes.STKQueryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: req.CheckoutRequestID,
	}

	ex, err := c.send(ctx, OpStatusQuery, pathSTKQuery, payload)
	result, err := c.decodeQuery(ex, err)

	c.finish(ctx, OpStatusQuery, logpkg.Entry{
		TransactionID:   req.TransactionID,
		CorrelationID:   req.CheckoutRequestID,
		InteractionType: transactionlog.InteractionStatusQuery,
		Attempt:         req.Attempt,
	}, ex, err)

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) decodeQuery(ex *exchange, err error) (*StatusResult, error) {
	if err != nil {
		return nil, err
	}
	var resp gatewaytypes.STKQueryResponse
	if decodeErr := json.Unmarshal(ex.responseBody, &resp); decodeErr != nil {
		return nil, errors.NewGatewayTransportError(OpStatusQuery, errors.GatewayCodeMalformed, ex.statusCode, true, decodeErr)
	}
	if resp.ResponseCode != "" && resp.ResponseCode != gatewaytypes.ResponseCodeAccepted {
		return nil, errors.NewGatewayBusinessError(OpStatusQuery, resp.ResponseCode, resp.ResponseDescription, ex.statusCode)
	}
	if resp.ResultCode == "" {
		// Accepted but not settled yet.
		gwErr := errors.NewGatewayTransportError(OpStatusQuery, errors.GatewayCodeInProgress, ex.statusCode, true, nil)
		gwErr.Message = resp.ResponseDescription
		return nil, gwErr
	}
	return &StatusResult{
		ResultCode:      resp.ResultCode.String(),
		ResultDesc:      resp.ResultDesc,
		ResponsePayload: ex.responseBody,
	}, nil
}

func (c *Client) InitiateDisbursement(ctx context.Context, req DisbursementRequest) (*DisbursementResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	phone, _ := NormalizeMSISDN(req.PayeeRef)

	payload := gatewaytypes.B2CRequest{
		OriginatorConversationID: req.TransactionID,
		InitiatorName:            c.cfg.InitiatorName,
		SecurityCredential:       c.cfg.SecurityCredential,
		CommandID:                gatewaytypes.CommandBusinessPayment,
		Amount:                   req.Amount,
		PartyA:                   c.cfg.ShortCode,
		PartyB:                   phone,
		Remarks:                  truncate(firstNonEmpty(req.Reason, "Refund"), 100),
		QueueTimeOutURL:          c.cfg.TimeoutURL,
		ResultURL:                c.cfg.ResultURL,
		Occasion:                 "refund",
	}

	ex, err := c.send(ctx, OpDisbursement, pathB2C, payload)
	result, err := c.decodeDisbursement(ex, err)

	entry := logpkg.Entry{
		TransactionID:   req.TransactionID,
		CorrelationID:   req.TransactionID,
		InteractionType: transactionlog.InteractionDisbursementRequest,
	}
	c.finish(ctx, OpDisbursement, entry, ex, err)

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) decodeDisbursement(ex *exchange, err error) (*DisbursementResult, error) {
	if err != nil {
		return nil, err
	}
	var resp gatewaytypes.B2CResponse
	if decodeErr := json.Unmarshal(ex.responseBody, &resp); decodeErr != nil {
		return nil, errors.NewGatewayTransportError(OpDisbursement, errors.GatewayCodeMalformed, ex.statusCode, true, decodeErr)
	}
	if resp.ResponseCode != gatewaytypes.ResponseCodeAccepted {
		return nil, errors.NewGatewayBusinessError(OpDisbursement, resp.ResponseCode, resp.ResponseDescription, ex.statusCode)
	}
	return &DisbursementResult{
		ConversationID:           resp.ConversationID,
		OriginatorConversationID: resp.OriginatorConversationID,
		RequestPayload:           ex.requestBody,
		ResponsePayload:          ex.responseBody,
	}, nil
}

// exchange is one request/response pair as it went over the wire.
type exchange struct {
	requestBody  []byte
	responseBody []byte
	statusCode   int
	latency      time.Duration
}

// send posts payload with a bearer token. A 401 invalidates the cached token and
// the call is replayed once with a fresh one.
func (c *Client) send(ctx context.Context, op, path string, payload interface{}) (*exchange, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", op, err)
	}

	start := time.Now()
	ex := &exchange{requestBody: body}

	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.tokens.Get(ctx, c.fetchToken)
		if err != nil {
			ex.latency = time.Since(start)
			return ex, err
		}

		status, respBody, reached, err := c.post(ctx, path, token, body)
		ex.latency = time.Since(start)
		if err != nil {
			return ex, classifyTransportError(op, err, reached)
		}
		ex.statusCode = status
		ex.responseBody = respBody

		if status == http.StatusUnauthorized && attempt == 0 {
			c.logger.Warn("gateway rejected access token, re-authenticating", "operation", op)
			c.tokens.Invalidate()
			continue
		}
		if err := classifyStatus(op, status, respBody); err != nil {
			return ex, err
		}
		return ex, nil
	}

	return ex, errors.NewGatewayBusinessError(op, errors.GatewayCodeAuthFailed, "access token rejected", http.StatusUnauthorized)
}

func (c *Client) post(ctx context.Context, path, token string, body []byte) (int, []byte, bool, error) {
	var reached atomic.Bool
	trace := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				reached.Store(true)
			}
		},
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, reached.Load(), err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, true, err
	}
	return resp.StatusCode, respBody, true, nil
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+pathOAuth, nil)
	if err != nil {
		return "", 0, err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, classifyTransportError(OpAuth, err, false)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", 0, classifyTransportError(OpAuth, err, false)
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return "", 0, errors.NewGatewayTransportError(OpAuth, errors.GatewayCodeServer, resp.StatusCode, false, fmt.Errorf("oauth returned status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		c.logger.Error("gateway credentials rejected", "status_code", resp.StatusCode)
		gwErr := errors.NewGatewayBusinessError(OpAuth, errors.GatewayCodeAuthFailed, "consumer credentials rejected", resp.StatusCode)
		gwErr.Reached = false
		return "", 0, gwErr
	}

	var tokenResp gatewaytypes.TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil || tokenResp.AccessToken == "" {
		return "", 0, errors.NewGatewayTransportError(OpAuth, errors.GatewayCodeMalformed, resp.StatusCode, false, fmt.Errorf("invalid token response"))
	}

	ttl := defaultTokenTTL
	if seconds, err := strconv.Atoi(tokenResp.ExpiresIn); err == nil && seconds > 0 {
		ttl = time.Duration(seconds) * time.Second
	}

	c.logger.Debug("gateway access token refreshed", "expires_in", ttl)
	return tokenResp.AccessToken, ttl, nil
}

// finish writes the single log entry for an operation and records metrics.
// A failing log write is reported but never replaces the gateway outcome.
func (c *Client) finish(ctx context.Context, op string, entry logpkg.Entry, ex *exchange, callErr error) {
	outcome := "success"
	if ex != nil {
		entry.RequestPayload = ex.requestBody
		entry.ResponsePayload = ex.responseBody
		entry.Latency = ex.latency
	}
	entry.Success = callErr == nil
	if callErr != nil {
		outcome = "error"
		if gwErr, ok := errors.AsGatewayError(callErr); ok {
			outcome = string(gwErr.Kind)
			entry.ErrorCode = gwErr.Code
			entry.ErrorMessage = gwErr.Error()
		} else {
			entry.ErrorMessage = callErr.Error()
		}
	}

	var latency time.Duration
	if ex != nil {
		latency = ex.latency
	}
	c.metrics.ObserveGatewayCall(op, outcome, latency)

	if c.recorder == nil {
		return
	}
	if err := c.recorder.Record(ctx, entry); err != nil {
		c.logger.Error("gateway interaction not recorded",
			"operation", op,
			"transaction_id", entry.TransactionID,
			"error", err)
	}
}

func (c *Client) password() (string, string) {
	timestamp := c.clock.Now().In(providerZone).Format(timestampLayout)
	raw := c.cfg.ShortCode + c.cfg.PassKey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw)), timestamp
}

func classifyTransportError(op string, err error, reached bool) error {
	if _, ok := errors.AsGatewayError(err); ok {
		return err
	}
	code := errors.GatewayCodeTransport
	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		code = errors.GatewayCodeTimeout
	}
	return errors.NewGatewayTransportError(op, code, 0, reached, err)
}

func classifyStatus(op string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	var providerErr gatewaytypes.ErrorResponse
	_ = json.Unmarshal(body, &providerErr)

	switch {
	case providerErr.ErrorCode == gatewaytypes.ErrorCodeInProgress:
		gwErr := errors.NewGatewayTransportError(op, errors.GatewayCodeInProgress, status, true, nil)
		gwErr.Message = providerErr.ErrorMessage
		return gwErr
	case status >= http.StatusInternalServerError || status == http.StatusTooManyRequests:
		gwErr := errors.NewGatewayTransportError(op, errors.GatewayCodeServer, status, true, nil)
		gwErr.Message = firstNonEmpty(providerErr.ErrorMessage, http.StatusText(status))
		return gwErr
	case status == http.StatusUnauthorized:
		return errors.NewGatewayBusinessError(op, errors.GatewayCodeAuthFailed, firstNonEmpty(providerErr.ErrorMessage, "access token rejected"), status)
	default:
		return errors.NewGatewayBusinessError(op, firstNonEmpty(providerErr.ErrorCode, strconv.Itoa(status)), firstNonEmpty(providerErr.ErrorMessage, http.StatusText(status)), status)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
