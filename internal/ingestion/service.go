package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rpattn/accessingest/internal/domain"
	"github.com/rpattn/accessingest/internal/repository"

	"github.com/google/uuid"
)

// RetryFileWriter persists the rows of failed batches so they can be ingested again.
type RetryFileWriter interface {
	WriteRows(ctx context.Context, jobID uuid.UUID, sourceFile string, header []string, rows [][]string) (string, error)
}

// Settings are the tunable sizes and limits of the pipeline.
type Settings struct {
	ChunkSize         int
	ValidationWorkers int
	BatchSize         int
	InsertWorkers     int
	Retry             RetryPolicy
	BatchTimeout      time.Duration
	Limits            Limits
	Location          *time.Location
	DayFirst          bool
}

// DefaultSettings returns chunks of 2,000 rows, batches of 250 records and the default limits.
func DefaultSettings() Settings {
	return Settings{
		ChunkSize:         2000,
		ValidationWorkers: 1,
		BatchSize:         250,
		InsertWorkers:     1,
		Retry:             DefaultRetryPolicy(),
		BatchTimeout:      time.Minute,
		Limits:            DefaultLimits(),
		Location:          time.UTC,
		DayFirst:          true,
	}
}

// Service runs the ingestion pipeline: parse, validate, upsert, report.
type Service struct {
	store      repository.AccessRecordRepository
	logRepo    repository.IngestionLogRepository
	retryFiles RetryFileWriter

	settings   Settings
	yielder    Yielder
	jobTimeout time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Service)

// WithLogRepository persists every validation issue and failed batch.
func WithLogRepository(repo repository.IngestionLogRepository) Option {
	return func(s *Service) {
		s.logRepo = repo
	}
}

// WithRetryFiles writes the records of failed batches to a re-ingestable file.
func WithRetryFiles(writer RetryFileWriter) Option {
	return func(s *Service) {
		s.retryFiles = writer
	}
}

func WithJobTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.jobTimeout = timeout
		}
	}
}

func WithYielder(y Yielder) Option {
	return func(s *Service) {
		if y != nil {
			s.yielder = y
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(store repository.AccessRecordRepository, settings Settings, opts ...Option) *Service {
	service := &Service{
		store:      store,
		settings:   settings,
		yielder:    GoschedYielder{},
		jobTimeout: 30 * time.Minute,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(service)
	}
	if service.settings.Location == nil {
		service.settings.Location = time.UTC
	}
	service.logger = service.logger.With("component", "ingestion")
	return service
}

// Limits returns the boundary limits the service enforces.
func (s *Service) Limits() Limits {
	return s.settings.Limits
}

// Request describes one file submitted for ingestion.
type Request struct {
	// JobID is assigned when zero.
	JobID    uuid.UUID
	FileName string
	// Size is the declared byte size, or 0 when unknown.
	Size     int64
	Data     io.Reader
	Policy   domain.ConflictPolicy
	Progress ProgressFunc
	// Observer receives a copy of the job after every phase change and progress update.
	Observer func(domain.IngestionJob)
}

// run is the mutable state of one Ingest call.
type run struct {
	mu       sync.Mutex
	job      domain.IngestionJob
	observer func(domain.IngestionJob)
	tracker  *progressTracker
}

func (r *run) snapshot() domain.IngestionJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job
}

func (r *run) update(fn func(job *domain.IngestionJob) error) error {
	r.mu.Lock()
	if err := fn(&r.job); err != nil {
		r.mu.Unlock()
		return err
	}
	job := r.job
	r.mu.Unlock()
	if r.observer != nil {
		r.observer(job)
	}
	return nil
}

func (r *run) transition(next domain.IngestionPhase, at time.Time) error {
	return r.update(func(job *domain.IngestionJob) error {
		return job.Transition(next, at)
	})
}

// Ingest runs one file through the pipeline. Row and batch problems end up in the report;
// only file-level faults, cancellation and internal errors return a *JobError.
func (s *Service) Ingest(ctx context.Context, req Request) (domain.IngestionReport, error) {
	job := domain.NewIngestionJob(req.FileName, req.Size, req.Policy)
	if req.JobID != uuid.Nil {
		job.ID = req.JobID
	}
	r := &run{job: job, observer: req.Observer}
	r.tracker = newProgressTracker(func(percent int, message string) {
		_ = r.update(func(job *domain.IngestionJob) error {
			job.Progress = percent
			job.StatusMessage = message
			return nil
		})
		if req.Progress != nil {
			req.Progress(percent, message)
		}
	})
	logger := s.logger.With("job_id", job.ID, "file", req.FileName)
	startedAt := s.now()

	policy, err := domain.ParseConflictPolicy(string(req.Policy))
	if err != nil {
		return domain.IngestionReport{}, s.fail(r, logger, err)
	}
	format, err := DetectFormat(req.FileName)
	if err != nil {
		return domain.IngestionReport{}, s.fail(r, logger, err)
	}
	if err := s.settings.Limits.CheckSize(req.Size); err != nil {
		return domain.IngestionReport{}, s.fail(r, logger, err)
	}

	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}

	if err := r.transition(domain.IngestionPhaseParsing, startedAt); err != nil {
		return domain.IngestionReport{}, s.fail(r, logger, err)
	}
	logger.Info("ingestion started", "policy", policy, "format", format, "size", req.Size)
	r.tracker.report(ProgressParse, 0, "")
	rows, err := OpenRows(ctx, format, req.Data, req.Size, s.settings.Limits, func(fraction float64) {
		r.tracker.report(ProgressParse, fraction, "")
	})
	if err != nil {
		return domain.IngestionReport{}, s.fail(r, logger, err)
	}
	defer rows.Close()
	r.tracker.report(ProgressMap, 1, fmt.Sprintf("%d columns", len(rows.Mapping().Headers())))

	if err := r.transition(domain.IngestionPhaseValidating, s.now()); err != nil {
		return domain.IngestionReport{}, s.fail(r, logger, err)
	}
	validation, err := s.newValidator().Run(ctx, rows, req.FileName, func(fraction float64, rowsDone int) {
		r.tracker.report(ProgressValidate, fraction, fmt.Sprintf("%d rows checked", rowsDone))
	})
	if err != nil {
		return domain.IngestionReport{}, s.fail(r, logger, err)
	}
	logger.Info("validation finished",
		"rows", validation.TotalRows,
		"valid", len(validation.Records),
		"rejected", validation.RejectedRows,
		"skipped", validation.SkippedRows,
		"warnings", validation.WarningCount,
	)

	r.tracker.report(ProgressReport, 0, "")
	s.recordIssues(ctx, logger, job.ID, req.FileName, validation.Issues)
	r.tracker.report(ProgressReport, 1, "")

	if err := r.transition(domain.IngestionPhaseInserting, s.now()); err != nil {
		return domain.IngestionReport{}, s.fail(r, logger, err)
	}
	upsert, err := s.newUpserter(logger).Run(ctx, validation.Records, policy, func(done, total int) {
		r.tracker.report(ProgressInsert, float64(done)/float64(total), fmt.Sprintf("batch %d of %d", done, total))
	})
	if err != nil {
		return domain.IngestionReport{}, s.fail(r, logger, err)
	}
	r.tracker.report(ProgressInsert, 1, "")

	r.tracker.report(ProgressFinalize, 0, "")
	failed := upsert.FailedBatches()
	var retryFile *string
	if len(failed) > 0 {
		s.recordBatchFailures(ctx, logger, job.ID, req.FileName, failed)
		retryFile = s.writeRetryFile(ctx, logger, job.ID, req.FileName, validation.Records, failed)
	}

	finishedAt := s.now()
	report := buildReport(reportInput{
		job:        r.snapshot(),
		validation: validation,
		upsert:     upsert,
		retryFile:  retryFile,
		startedAt:  startedAt,
		finishedAt: finishedAt,
	})
	if err := r.update(func(job *domain.IngestionJob) error {
		if err := job.Transition(domain.IngestionPhaseCompleted, finishedAt); err != nil {
			return err
		}
		job.Report = &report
		return nil
	}); err != nil {
		return domain.IngestionReport{}, s.fail(r, logger, err)
	}
	r.tracker.complete(report.Message)
	logger.Info("ingestion completed",
		"inserted", report.InsertedRows,
		"duplicates", report.DuplicateRows,
		"failed_batches", len(report.FailedBatches),
		"duration", report.Duration,
	)
	return report, nil
}

func (s *Service) newValidator() *Validator {
	return NewValidator(
		NewCleaner(NewDateParser(s.settings.Location, s.settings.DayFirst)),
		WithChunkSize(s.settings.ChunkSize),
		WithValidationWorkers(s.settings.ValidationWorkers),
		WithChunkYielder(s.yielder),
		WithClock(s.now),
	)
}

func (s *Service) newUpserter(logger *slog.Logger) *Upserter {
	return NewUpserter(
		s.store,
		WithBatchSize(s.settings.BatchSize),
		WithInsertWorkers(s.settings.InsertWorkers),
		WithRetryPolicy(s.settings.Retry),
		WithBatchTimeout(s.settings.BatchTimeout),
		WithUpserterLogger(logger),
	)
}

// fail moves the job to FAILED and wraps err with the job context.
func (s *Service) fail(r *run, logger *slog.Logger, err error) error {
	cancelled := false
	switch {
	case errors.Is(err, context.Canceled):
		err = fmt.Errorf("%w: %w", ErrCancelled, err)
		cancelled = true
	case errors.Is(err, context.DeadlineExceeded):
		err = fmt.Errorf("%w: %w", ErrTimedOut, err)
	}
	phase := r.snapshot().Phase
	jobErr := &JobError{JobID: r.snapshot().ID, Phase: phase, Err: err}
	if updateErr := r.update(func(job *domain.IngestionJob) error {
		return job.Fail(jobErr.Reason(), cancelled, s.now())
	}); updateErr != nil {
		logger.Error("failed to mark job failed", "error", updateErr)
	}
	if cancelled {
		logger.Warn("ingestion cancelled", "phase", phase)
	} else {
		logger.Error("ingestion failed", "phase", phase, "error", err)
	}
	return jobErr
}

func (s *Service) recordIssues(ctx context.Context, logger *slog.Logger, jobID uuid.UUID, fileName string, issues []domain.ValidationIssue) {
	if s.logRepo == nil || len(issues) == 0 {
		return
	}
	createdAt := s.now()
	entries := make([]domain.IngestionLogEntry, len(issues))
	for i, issue := range issues {
		row := issue.Row
		entries[i] = domain.IngestionLogEntry{
			ID:        uuid.New(),
			JobID:     jobID,
			FileName:  fileName,
			RowNumber: &row,
			Severity:  issue.Severity,
			Message:   issue.Message,
			CreatedAt: createdAt,
		}
	}
	if err := s.logRepo.RecordMany(ctx, entries); err != nil {
		logger.Error("failed to record ingestion issues", "count", len(entries), "error", err)
	}
}

func (s *Service) recordBatchFailures(ctx context.Context, logger *slog.Logger, jobID uuid.UUID, fileName string, failed []domain.BatchOutcome) {
	if s.logRepo == nil {
		return
	}
	for _, outcome := range failed {
		row := outcome.FirstRow
		entry := domain.IngestionLogEntry{
			ID:        uuid.New(),
			JobID:     jobID,
			FileName:  fileName,
			RowNumber: &row,
			Severity:  domain.IssueSeverityError,
			Message:   deref(outcome.Error),
			CreatedAt: s.now(),
		}
		if err := s.logRepo.Record(ctx, entry); err != nil {
			logger.Error("failed to record batch failure", "batch", outcome.Index, "error", err)
		}
	}
}

func (s *Service) writeRetryFile(ctx context.Context, logger *slog.Logger, jobID uuid.UUID, fileName string, records []domain.AccessRecord, failed []domain.BatchOutcome) *string {
	if s.retryFiles == nil {
		return nil
	}
	rows := make([][]string, 0)
	for _, outcome := range failed {
		for _, record := range records[outcome.RecordStart:outcome.RecordEnd] {
			rows = append(rows, recordRow(record))
		}
	}
	path, err := s.retryFiles.WriteRows(ctx, jobID, fileName, CanonicalHeaders(), rows)
	if err != nil {
		logger.Error("failed to write retry file", "records", len(rows), "error", err)
		return nil
	}
	return &path
}
