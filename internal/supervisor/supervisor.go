package supervisor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/clock"
	"github.com/frahmantamala/mobile-money/internal/core/datamodel/payment"
	"github.com/frahmantamala/mobile-money/internal/idempotency"
	"github.com/frahmantamala/mobile-money/internal/observability/metrics"
	paymentpkg "github.com/frahmantamala/mobile-money/internal/payment"
	"github.com/frahmantamala/mobile-money/internal/paymentgateway"
)

const leaseScope = "supervisor"

// ErrCycleAborted is returned when the provider rejects the supervisor's own
// credentials. Nothing can be resolved until that is fixed, so the rest of the
// scan is abandoned and no retry bookkeeping is written.
var ErrCycleAborted = stderrors.New("supervisor cycle aborted")

type Action string

const (
	ActionRescheduled Action = metrics.SupervisorActionRescheduled
	ActionResolved    Action = metrics.SupervisorActionResolved
	ActionExpired     Action = metrics.SupervisorActionExpired
	ActionFailed      Action = metrics.SupervisorActionFailed
	ActionSkipped     Action = metrics.SupervisorActionSkipped
)

// Resolver applies verdicts and expiries; *payment.Reconciler in production.
type Resolver interface {
	HandleCallback(ctx context.Context, in paymentpkg.CallbackInput) (*paymentpkg.Outcome, error)
	Expire(ctx context.Context, id string, attempts int, reason string) (*paymentpkg.Outcome, error)
	Fail(ctx context.Context, id string, attempts int, reason, code string) (*paymentpkg.Outcome, error)
}

type StaleFinder interface {
	FindStale(ctx context.Context, query paymentpkg.StaleQuery) ([]*payment.PaymentTransaction, error)
	RecordRetryAttempt(ctx context.Context, id string, attempt int, at, next time.Time) (bool, error)
}

// Supervisor resolves transactions whose callback never arrived by querying
// the provider with exponential backoff, and fails them once retries run out.
type Supervisor struct {
	payments StaleFinder
	gateway  paymentgateway.API
	resolver Resolver
	locker   idempotency.Locker
	clock    clock.Clock
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger

	running atomic.Bool
}

func New(payments StaleFinder, gateway paymentgateway.API, resolver Resolver, clk clock.Clock, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		payments: payments,
		gateway:  gateway,
		resolver: resolver,
		clock:    clk,
		cfg:      cfg.withDefaults(),
		metrics:  m,
		logger:   logger,
	}
}

// WithLocker makes supervisors in different processes skip transactions
// another instance is already working on.
func (s *Supervisor) WithLocker(locker idempotency.Locker) *Supervisor {
	s.locker = locker
	return s
}

func (s *Supervisor) Config() Config {
	return s.cfg
}

// Backoff returns base*2^attempt, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 62 {
		return max
	}
	factor := math.Pow(2, float64(attempt))
	if float64(base)*factor >= float64(max) {
		return max
	}
	return time.Duration(float64(base) * factor)
}

// Start scans on every tick until ctx is cancelled. A tick that fires while
// the previous scan is still running is skipped.
func (s *Supervisor) Start(ctx context.Context) error {
	s.logger.Info("supervisor started",
		"interval", s.cfg.Interval,
		"staleness_threshold", s.cfg.StalenessThreshold,
		"max_retries", s.cfg.MaxRetries,
		"workers", s.cfg.Workers)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var inflight sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			inflight.Wait()
			s.logger.Info("supervisor stopped")
			return nil
		case <-ticker.C:
			if !s.running.CompareAndSwap(false, true) {
				s.logger.Warn("previous supervisor scan still running, skipping tick")
				s.metrics.IncSupervisorAction(metrics.SupervisorActionSkipped)
				continue
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				defer s.running.Store(false)
				if _, err := s.RunOnce(ctx); err != nil {
					s.logger.Error("supervisor scan failed", "error", err)
				}
			}()
		}
	}
}

// RunOnce processes one batch of stale transactions and reports how many were
// picked up.
func (s *Supervisor) RunOnce(ctx context.Context) (int, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveSupervisorCycle(time.Since(started)) }()

	now := s.clock.Now()
	stale, err := s.payments.FindStale(ctx, paymentpkg.StaleQuery{
		CreatedBefore: now.Add(-s.cfg.StalenessThreshold),
		Now:           now,
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		s.metrics.IncSupervisorAction(metrics.SupervisorActionError)
		return 0, fmt.Errorf("find stale transactions: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	s.logger.Debug("supervisor scan", "stale", len(stale))

	// Cancelling ctx stops dispatch only. A transaction already handed to a
	// worker is processed to the end.
	dispatchCtx, abort := context.WithCancel(ctx)
	defer abort()
	processCtx := context.WithoutCancel(ctx)

	var (
		abortOnce sync.Once
		abortErr  error
	)
	runBatch(dispatchCtx, s.cfg.Workers, stale, s.logger, func(j job) {
		action, err := s.Process(processCtx, j.tx)
		if err != nil {
			s.metrics.IncSupervisorAction(metrics.SupervisorActionError)
			if stderrors.Is(err, ErrCycleAborted) {
				abortOnce.Do(func() {
					abortErr = err
					abort()
				})
				return
			}
			s.logger.Error("supervisor failed to process transaction", "transaction_id", j.tx.ID, "error", err)
			return
		}
		s.metrics.IncSupervisorAction(string(action))
	})

	if abortErr != nil {
		return len(stale), abortErr
	}
	return len(stale), nil
}

// Process runs one supervision step for tx: query the provider, apply a
// definitive answer, or schedule the next attempt. Once MaxRetries attempts
// have been made the transaction is failed with "timeout exceeded".
func (s *Supervisor) Process(ctx context.Context, tx *payment.PaymentTransaction) (Action, error) {
	if s.locker != nil {
		key := idempotency.Key(leaseScope, tx.ID)
		token, ok, err := s.locker.TryLock(ctx, key, s.cfg.Interval)
		if err != nil {
			return "", fmt.Errorf("acquire supervisor lease: %w", err)
		}
		if !ok {
			return ActionSkipped, nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
				s.logger.Warn("failed to release supervisor lease", "transaction_id", tx.ID, "error", err)
			}
		}()
	}

	if tx.RetryCount >= s.cfg.MaxRetries {
		return s.expire(ctx, tx, tx.RetryCount)
	}

	attempt := tx.RetryCount + 1

	if tx.Method == payment.MethodSTKPush && tx.CheckoutRequestID != nil && *tx.CheckoutRequestID != "" {
		result, err := s.gateway.QueryStatus(ctx, paymentgateway.StatusQuery{
			TransactionID:     tx.ID,
			CheckoutRequestID: *tx.CheckoutRequestID,
			Attempt:           attempt,
		})
		if err == nil {
			return s.resolve(ctx, tx, result, attempt)
		}

		gwErr, ok := errors.AsGatewayError(err)
		switch {
		case !ok:
			return "", fmt.Errorf("query status: %w", err)
		case gwErr.Code == errors.GatewayCodeAuthFailed:
			s.logger.Error("provider rejected supervisor credentials, aborting scan",
				"transaction_id", tx.ID,
				"error", gwErr)
			return "", fmt.Errorf("%w: %w", ErrCycleAborted, gwErr)
		case !gwErr.Transient():
			return s.fail(ctx, tx, attempt, gwErr)
		}
		s.logger.Info("status query did not settle transaction",
			"transaction_id", tx.ID,
			"attempt", attempt,
			"error", err)
	}

	if attempt >= s.cfg.MaxRetries {
		return s.expire(ctx, tx, attempt)
	}

	now := s.clock.Now()
	next := now.Add(Backoff(s.cfg.BaseDelay, s.cfg.MaxDelay, attempt))
	changed, err := s.payments.RecordRetryAttempt(ctx, tx.ID, attempt, now, next)
	if err != nil {
		return "", fmt.Errorf("record retry attempt: %w", err)
	}
	if !changed {
		return ActionSkipped, nil
	}

	s.logger.Debug("transaction rescheduled", "transaction_id", tx.ID, "attempt", attempt, "next_retry_at", next)
	return ActionRescheduled, nil
}

func (s *Supervisor) resolve(ctx context.Context, tx *payment.PaymentTransaction, result *paymentgateway.StatusResult, attempt int) (Action, error) {
	_, err := s.resolver.HandleCallback(ctx, paymentpkg.CallbackInput{
		CorrelationID: *tx.CheckoutRequestID,
		ResultCode:    result.ResultCode,
		ResultDesc:    result.ResultDesc,
		ReceiptRef:    result.ReceiptRef,
		Source:        paymentpkg.SourceStatusQuery,
		Payload:       result.ResponsePayload,
		Attempt:       attempt,
	})
	switch {
	case err == nil:
		return ActionResolved, nil
	case stderrors.Is(err, errors.ErrDuplicateCallback):
		return ActionSkipped, nil
	default:
		return "", fmt.Errorf("apply status query result: %w", err)
	}
}

func (s *Supervisor) fail(ctx context.Context, tx *payment.PaymentTransaction, attempt int, gwErr *errors.GatewayError) (Action, error) {
	reason := gwErr.Message
	if reason == "" {
		reason = gwErr.Error()
	}
	_, err := s.resolver.Fail(ctx, tx.ID, attempt, reason, gwErr.Code)
	switch {
	case err == nil:
		s.logger.Info("status query rejected by provider, transaction failed",
			"transaction_id", tx.ID,
			"code", gwErr.Code)
		return ActionFailed, nil
	case stderrors.Is(err, errors.ErrDuplicateCallback):
		return ActionSkipped, nil
	default:
		return "", fmt.Errorf("fail transaction: %w", err)
	}
}

func (s *Supervisor) expire(ctx context.Context, tx *payment.PaymentTransaction, attempts int) (Action, error) {
	_, err := s.resolver.Expire(ctx, tx.ID, attempts, paymentpkg.ReasonTimeoutExceeded)
	switch {
	case err == nil:
		return ActionExpired, nil
	case stderrors.Is(err, errors.ErrDuplicateCallback):
		return ActionSkipped, nil
	default:
		return "", fmt.Errorf("expire transaction: %w", err)
	}
}
