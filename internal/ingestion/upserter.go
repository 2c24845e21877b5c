package ingestion

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rpattn/accessingest/internal/domain"
	"github.com/rpattn/accessingest/internal/repository"
)

// RetryPolicy controls how often a failed batch write is retried.
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy retries a batch twice with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      250 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// UpsertSummary aggregates the outcomes of every attempted batch.
type UpsertSummary struct {
	Outcomes      []domain.BatchOutcome
	Inserted      int
	Duplicates    int
	Overwritten   int
	FailedRecords int
}

// FailedBatches returns the outcomes that were not committed, in batch order.
func (s UpsertSummary) FailedBatches() []domain.BatchOutcome {
	failed := []domain.BatchOutcome{}
	for _, outcome := range s.Outcomes {
		if outcome.Failed() {
			failed = append(failed, outcome)
		}
	}
	return failed
}

// BatchProgressFunc receives the number of finished batches out of total.
type BatchProgressFunc func(done, total int)

// Upserter writes records to the store in fixed-size batches, one transaction per batch.
type Upserter struct {
	store        repository.AccessRecordRepository
	batchSize    int
	workers      int
	retry        RetryPolicy
	batchTimeout time.Duration
	sleep        func(context.Context, time.Duration) error
	logger       *slog.Logger
}

// UpserterOption customises an Upserter.
type UpserterOption func(*Upserter)

func WithBatchSize(size int) UpserterOption {
	return func(u *Upserter) {
		if size > 0 {
			u.batchSize = size
		}
	}
}

// WithInsertWorkers issues up to n batches concurrently. Outcomes are still reported in batch order.
func WithInsertWorkers(n int) UpserterOption {
	return func(u *Upserter) {
		if n > 0 {
			u.workers = n
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) UpserterOption {
	return func(u *Upserter) {
		if policy.MaxAttempts > 0 {
			u.retry = policy
		}
	}
}

// WithBatchTimeout bounds a single store call, including when the job itself is cancelled.
func WithBatchTimeout(timeout time.Duration) UpserterOption {
	return func(u *Upserter) {
		if timeout > 0 {
			u.batchTimeout = timeout
		}
	}
}

func WithUpserterLogger(logger *slog.Logger) UpserterOption {
	return func(u *Upserter) {
		if logger != nil {
			u.logger = logger
		}
	}
}

func withSleep(sleep func(context.Context, time.Duration) error) UpserterOption {
	return func(u *Upserter) {
		u.sleep = sleep
	}
}

func NewUpserter(store repository.AccessRecordRepository, opts ...UpserterOption) *Upserter {
	u := &Upserter{
		store:        store,
		batchSize:    250,
		workers:      1,
		retry:        DefaultRetryPolicy(),
		batchTimeout: time.Minute,
		sleep:        sleepContext,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Run writes records in order. A failed batch is recorded and the next one still runs.
// Cancellation is honoured between batches; batches already committed stay committed.
func (u *Upserter) Run(ctx context.Context, records []domain.AccessRecord, policy domain.ConflictPolicy, progress BatchProgressFunc) (UpsertSummary, error) {
	if progress == nil {
		progress = func(int, int) {}
	}
	total := (len(records) + u.batchSize - 1) / u.batchSize
	outcomes := make([]domain.BatchOutcome, total)
	started := make([]bool, total)

	var (
		mu   sync.Mutex
		done int
	)
	finish := func(index int, outcome domain.BatchOutcome) {
		mu.Lock()
		defer mu.Unlock()
		outcomes[index] = outcome
		done++
		progress(done, total)
		if done%10 == 0 || done == total {
			u.logger.Info("batch progress", "done", done, "total", total)
		}
	}

	var runErr error
	if u.workers <= 1 {
		for index := 0; index < total; index++ {
			if err := ctx.Err(); err != nil {
				runErr = err
				break
			}
			started[index] = true
			finish(index, u.writeBatch(ctx, records, index, policy))
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(u.workers)
		for index := 0; index < total; index++ {
			if gctx.Err() != nil {
				break
			}
			started[index] = true
			g.Go(func() error {
				finish(index, u.writeBatch(ctx, records, index, policy))
				return nil
			})
		}
		_ = g.Wait()
		runErr = ctx.Err()
	}

	summary := UpsertSummary{Outcomes: make([]domain.BatchOutcome, 0, total)}
	for index, outcome := range outcomes {
		if !started[index] {
			continue
		}
		summary.Outcomes = append(summary.Outcomes, outcome)
		if outcome.Failed() {
			summary.FailedRecords += outcome.Attempted
			continue
		}
		summary.Inserted += outcome.Inserted
		summary.Duplicates += outcome.Duplicates
		summary.Overwritten += outcome.Overwritten
	}
	return summary, runErr
}

func (u *Upserter) writeBatch(ctx context.Context, records []domain.AccessRecord, index int, policy domain.ConflictPolicy) domain.BatchOutcome {
	start := index * u.batchSize
	end := start + u.batchSize
	if end > len(records) {
		end = len(records)
	}
	batch := records[start:end]
	outcome := domain.BatchOutcome{
		Index:       index,
		RecordStart: start,
		RecordEnd:   end,
		FirstRow:    batch[0].RowNumber,
		LastRow:     batch[len(batch)-1].RowNumber,
		Attempted:   len(batch),
	}

	var lastErr error
	for attempt := 1; attempt <= u.retry.MaxAttempts; attempt++ {
		outcome.Attempts = attempt
		result, err := u.callStore(ctx, batch, policy)
		if err == nil {
			outcome.Inserted = result.Inserted
			outcome.Duplicates = result.Duplicates
			outcome.Overwritten = result.Overwritten
			return outcome
		}
		lastErr = err
		if errors.Is(err, repository.ErrBatchRejected) || attempt == u.retry.MaxAttempts {
			break
		}
		u.logger.Warn("batch write failed, retrying", "batch", index, "attempt", attempt, "error", err)
		if sleepErr := u.sleep(ctx, u.retry.delay(attempt)); sleepErr != nil {
			break
		}
	}

	writeErr := &BatchWriteError{Batch: index, FirstRow: outcome.FirstRow, LastRow: outcome.LastRow, Err: lastErr}
	message := truncateError(writeErr)
	outcome.Error = &message
	u.logger.Error("batch write failed", "batch", index, "first_row", outcome.FirstRow, "last_row", outcome.LastRow, "attempts", outcome.Attempts, "error", lastErr)
	return outcome
}

// callStore detaches the write from job cancellation so an in-flight batch is never cut mid-transaction.
func (u *Upserter) callStore(ctx context.Context, batch []domain.AccessRecord, policy domain.ConflictPolicy) (repository.UpsertResult, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.batchTimeout)
	defer cancel()
	return u.store.UpsertBatch(writeCtx, batch, policy)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
