package transactionlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/clock"
	"github.com/frahmantamala/mobile-money/internal/core/datamodel/transactionlog"
)

type RepositoryAPI interface {
	Append(ctx context.Context, entry *transactionlog.TransactionLogEntry) error
	ListByTransaction(ctx context.Context, transactionID string) ([]*transactionlog.TransactionLogEntry, error)
	ListByCorrelationID(ctx context.Context, correlationID string) ([]*transactionlog.TransactionLogEntry, error)
	Count(ctx context.Context, filter CountFilter) (int64, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	WithTx(tx *gorm.DB) RepositoryAPI
}

type CountFilter struct {
	TransactionID   string
	InteractionType string
	OrphansOnly     bool
}

// Entry is the caller-facing shape of one provider interaction.
type Entry struct {
	TransactionID   string
	CorrelationID   string
	InteractionType string
	RequestPayload  []byte
	ResponsePayload []byte
	Latency         time.Duration
	Success         bool
	ErrorCode       string
	ErrorMessage    string
	Attempt         int
}

// Recorder turns Entries into append-only rows, stamping the environment and
// the caller network metadata carried by the context.
type Recorder struct {
	repo        RepositoryAPI
	environment string
	clock       clock.Clock
	logger      *slog.Logger
}

func NewRecorder(repo RepositoryAPI, environment string, clk clock.Clock, logger *slog.Logger) *Recorder {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		repo:        repo,
		environment: environment,
		clock:       clk,
		logger:      logger,
	}
}

// WithRepository returns a recorder writing through repo, typically a
// transaction-bound repository.
func (r *Recorder) WithRepository(repo RepositoryAPI) *Recorder {
	clone := *r
	clone.repo = repo
	return &clone
}

func (r *Recorder) Environment() string {
	return r.environment
}

func (r *Recorder) Record(ctx context.Context, e Entry) error {
	row := r.build(ctx, e)
	if err := r.repo.Append(ctx, row); err != nil {
		r.logger.Error("failed to append transaction log entry",
			"interaction_type", e.InteractionType,
			"transaction_id", e.TransactionID,
			"correlation_id", e.CorrelationID,
			"error", err)
		return fmt.Errorf("append transaction log entry: %w", err)
	}
	return nil
}

func (r *Recorder) build(ctx context.Context, e Entry) *transactionlog.TransactionLogEntry {
	network := internal.NetworkFromContext(ctx)
	row := &transactionlog.TransactionLogEntry{
		TransactionID:   optional(e.TransactionID),
		CorrelationID:   optional(e.CorrelationID),
		InteractionType: e.InteractionType,
		RequestPayload:  ToJSON(e.RequestPayload),
		ResponsePayload: ToJSON(e.ResponsePayload),
		LatencyMs:       e.Latency.Milliseconds(),
		Success:         e.Success,
		ErrorCode:       optional(e.ErrorCode),
		ErrorMessage:    optional(e.ErrorMessage),
		ClientIP:        network.ClientIP,
		UserAgent:       network.UserAgent,
		Environment:     r.environment,
		IsRetry:         e.Attempt > 0,
		Attempt:         e.Attempt,
		CreatedAt:       r.clock.Now(),
	}
	return row
}

// ToJSON stores raw bytes as a JSON column value. Bodies that are not valid JSON
// are kept as a JSON string so nothing the provider sent is lost.
func ToJSON(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return datatypes.JSON(raw)
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return nil
	}
	return datatypes.JSON(quoted)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
