package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rpattn/accessingest/internal/domain"
)

// Yielder is called between validation chunks to hand control back to the scheduler.
type Yielder interface {
	Yield(ctx context.Context) error
}

// GoschedYielder lets other goroutines run between chunks.
type GoschedYielder struct{}

func (GoschedYielder) Yield(ctx context.Context) error {
	runtime.Gosched()
	return ctx.Err()
}

// NopYielder never yields; useful when chunks already run on worker goroutines.
type NopYielder struct{}

func (NopYielder) Yield(ctx context.Context) error {
	return ctx.Err()
}

// ValidationResult is everything the validator learned about one file.
type ValidationResult struct {
	Records      []domain.AccessRecord
	Issues       []domain.ValidationIssue
	TotalRows    int
	SkippedRows  int
	RejectedRows int
	WarningCount int
}

// ValidationProgressFunc receives the share of the input validated so far.
type ValidationProgressFunc func(fraction float64, rowsDone int)

// Validator checks rows chunk by chunk and turns the good ones into access records.
type Validator struct {
	cleaner   Cleaner
	chunkSize int
	workers   int
	yielder   Yielder
	now       func() time.Time
}

// ValidatorOption customises a Validator.
type ValidatorOption func(*Validator)

func WithChunkSize(size int) ValidatorOption {
	return func(v *Validator) {
		if size > 0 {
			v.chunkSize = size
		}
	}
}

// WithValidationWorkers cleans up to n chunks concurrently. Results are merged in file order.
func WithValidationWorkers(n int) ValidatorOption {
	return func(v *Validator) {
		if n > 0 {
			v.workers = n
		}
	}
}

// WithChunkYielder replaces the pause taken between chunks.
func WithChunkYielder(y Yielder) ValidatorOption {
	return func(v *Validator) {
		if y != nil {
			v.yielder = y
		}
	}
}

// WithClock sets the clock used for future-date warnings.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

func NewValidator(cleaner Cleaner, opts ...ValidatorOption) *Validator {
	v := &Validator{
		cleaner:   cleaner,
		chunkSize: 2000,
		workers:   1,
		yielder:   GoschedYielder{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type rowOutcome struct {
	number  int
	skipped bool
	record  *domain.AccessRecord
	issues  []domain.ValidationIssue
}

// Run consumes rows until io.EOF. Row-level problems become issues; only reader failures,
// cancellation and internal faults are returned as errors.
func (v *Validator) Run(ctx context.Context, rows RowReader, sourceFile string, progress ValidationProgressFunc) (ValidationResult, error) {
	result := ValidationResult{}
	if progress == nil {
		progress = func(float64, int) {}
	}
	mapping := rows.Mapping()
	keys := newKeySet()

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		window, eof, err := v.readWindow(rows)
		if err != nil {
			return result, err
		}
		outcomes, err := v.processWindow(ctx, window, mapping, sourceFile)
		if err != nil {
			return result, err
		}
		for _, chunk := range outcomes {
			for _, outcome := range chunk {
				v.merge(&result, outcome, keys)
			}
		}
		progress(rows.Fraction(), result.TotalRows)

		if eof {
			break
		}
		if err := v.yielder.Yield(ctx); err != nil {
			return result, err
		}
	}
	progress(1, result.TotalRows)
	return result, nil
}

// readWindow reads up to workers chunks of rows.
func (v *Validator) readWindow(rows RowReader) ([][]RawRow, bool, error) {
	window := make([][]RawRow, 0, v.workers)
	for len(window) < v.workers {
		chunk := make([]RawRow, 0, v.chunkSize)
		for len(chunk) < v.chunkSize {
			row, err := rows.Next()
			if errors.Is(err, io.EOF) {
				if len(chunk) > 0 {
					window = append(window, chunk)
				}
				return window, true, nil
			}
			if err != nil {
				return nil, false, err
			}
			chunk = append(chunk, row)
		}
		window = append(window, chunk)
	}
	return window, false, nil
}

func (v *Validator) processWindow(ctx context.Context, window [][]RawRow, mapping Mapping, sourceFile string) ([][]rowOutcome, error) {
	outcomes := make([][]rowOutcome, len(window))
	if len(window) == 1 {
		chunk, err := v.processChunk(window[0], mapping, sourceFile)
		if err != nil {
			return nil, err
		}
		outcomes[0] = chunk
		return outcomes, nil
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(v.workers)
	for i := range window {
		g.Go(func() error {
			chunk, err := v.processChunk(window[i], mapping, sourceFile)
			if err != nil {
				return err
			}
			outcomes[i] = chunk
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (v *Validator) processChunk(chunk []RawRow, mapping Mapping, sourceFile string) ([]rowOutcome, error) {
	now := v.now()
	outcomes := make([]rowOutcome, len(chunk))
	for i, row := range chunk {
		outcome, err := v.checkRow(row, mapping, sourceFile, now)
		if err != nil {
			return nil, err
		}
		outcomes[i] = outcome
	}
	return outcomes, nil
}

func (v *Validator) checkRow(row RawRow, mapping Mapping, sourceFile string, now time.Time) (rowOutcome, error) {
	outcome := rowOutcome{number: row.Number}
	if row.Blank() {
		outcome.skipped = true
		return outcome, nil
	}

	var missing []string
	for _, field := range []Field{FieldDateTime, FieldCardName, FieldLocation} {
		if _, ok := mapping.Value(row, field); !ok {
			missing = append(missing, CanonicalHeader(field))
		}
	}
	if len(missing) > 0 {
		outcome.issues = append(outcome.issues, rowError(row.Number, fmt.Sprintf("missing required field(s): %s", strings.Join(missing, ", "))))
		return outcome, nil
	}

	rawDate, _ := mapping.Value(row, FieldDateTime)
	occurredAt, err := v.cleaner.ParseDate(rawDate, mapping.SpreadsheetCells())
	if err != nil {
		outcome.issues = append(outcome.issues, rowError(row.Number, fmt.Sprintf("invalid date %q", rawDate)))
		return outcome, nil
	}

	record, err := v.cleaner.cleanSafely(row, mapping, occurredAt, sourceFile)
	if err != nil {
		return outcome, err
	}
	if occurredAt.After(now) {
		warning := fmt.Sprintf("date %s is in the future", occurredAt.Format(time.RFC3339))
		record.Warnings = append(record.Warnings, warning)
		outcome.issues = append(outcome.issues, rowWarning(row.Number, warning))
	}
	outcome.record = &record
	return outcome, nil
}

// merge folds one row into the result. It runs in file order, so the first
// occurrence of a transaction ID is always the one without a warning.
func (v *Validator) merge(result *ValidationResult, outcome rowOutcome, keys *keySet) {
	result.TotalRows++
	if outcome.skipped {
		result.SkippedRows++
		return
	}
	if outcome.record == nil {
		result.RejectedRows++
		result.Issues = append(result.Issues, outcome.issues...)
		return
	}

	record := *outcome.record
	issues := outcome.issues
	if record.HasNaturalKey() {
		if firstRow, duplicate := keys.observe(*record.TransactionID, record.RowNumber); duplicate {
			warning := fmt.Sprintf("duplicate Transaction ID %q (first seen on row %d)", *record.TransactionID, firstRow)
			record.Warnings = append(record.Warnings, warning)
			issues = append(issues, rowWarning(record.RowNumber, warning))
		}
	}
	result.WarningCount += len(issues)
	result.Issues = append(result.Issues, issues...)
	result.Records = append(result.Records, record)
}

func rowError(row int, message string) domain.ValidationIssue {
	return domain.ValidationIssue{Row: row, Severity: domain.IssueSeverityError, Message: message}
}

func rowWarning(row int, message string) domain.ValidationIssue {
	return domain.ValidationIssue{Row: row, Severity: domain.IssueSeverityWarning, Message: message}
}
