package supervisor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/frahmantamala/mobile-money/internal/core/datamodel/payment"
)

type job struct {
	tx *payment.PaymentTransaction
}

type Worker struct {
	ID         int
	WorkerPool chan chan job
	JobChannel chan job
	Logger     *slog.Logger
}

func NewWorker(id int, workerPool chan chan job, logger *slog.Logger) *Worker {
	return &Worker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan job),
		Logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup, processFunc func(job)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			w.WorkerPool <- w.JobChannel

			select {
			case j := <-w.JobChannel:
				w.Logger.Debug("worker processing transaction", "worker_id", w.ID, "transaction_id", j.tx.ID)
				processFunc(j)
			case <-ctx.Done():
				w.Logger.Debug("worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}

// runBatch fans one scan's transactions out to a fixed set of workers and
// returns once every dispatched transaction has been processed. Transactions
// not yet dispatched when ctx is cancelled are left for the next scan.
func runBatch(ctx context.Context, workers int, txs []*payment.PaymentTransaction, logger *slog.Logger, processFunc func(job)) {
	if len(txs) == 0 {
		return
	}
	if workers > len(txs) {
		workers = len(txs)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	workerPool := make(chan chan job, workers)
	for i := 0; i < workers; i++ {
		NewWorker(i, workerPool, logger).Start(workerCtx, &wg, processFunc)
	}

dispatch:
	for _, tx := range txs {
		select {
		case jobChannel := <-workerPool:
			if ctx.Err() != nil {
				break dispatch
			}
			jobChannel <- job{tx: tx}
		case <-ctx.Done():
			logger.Info("dispatcher shutting down", "batch_size", len(txs))
			break dispatch
		}
	}

	cancel()
	wg.Wait()
}
