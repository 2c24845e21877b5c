package ingestion

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/rpattn/accessingest/internal/domain"
)

var (
	// ErrEmptyFile is returned when a file has no data row below the header.
	ErrEmptyFile = errors.New("file contains no data rows")
	// ErrCancelled marks a job stopped by its caller.
	ErrCancelled = errors.New("ingestion cancelled")
	// ErrTimedOut marks a job that exceeded its deadline.
	ErrTimedOut = errors.New("ingestion timed out")
	// ErrInternal marks a bug inside the pipeline, such as a panic while cleaning a row.
	ErrInternal = errors.New("internal ingestion error")
	// ErrTooManyRecords is returned when a direct append exceeds the per-call record limit.
	ErrTooManyRecords = errors.New("too many records in append request")
	// ErrJobNotFound is returned for unknown async job IDs.
	ErrJobNotFound = errors.New("ingestion job not found")
)

// SchemaError reports the first required header missing from a file.
type SchemaError struct {
	Missing string
	Headers []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("missing required column %q (found: %s)", e.Missing, strings.Join(e.Headers, ", "))
}

// UnsupportedFormatError reports a file extension the parser cannot read.
type UnsupportedFormatError struct {
	FileName string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported file format for %q (expected .csv, .xlsx or .xls)", e.FileName)
}

// TooManyRowsError reports a file above the configured row ceiling.
type TooManyRowsError struct {
	Rows  int
	Limit int
}

func (e *TooManyRowsError) Error() string {
	if e.Rows > 0 {
		return fmt.Sprintf("file has %d rows, limit is %d", e.Rows, e.Limit)
	}
	return fmt.Sprintf("file exceeds the %d row limit", e.Limit)
}

// FileTooLargeError reports an upload above the configured byte ceiling.
type FileTooLargeError struct {
	Size  int64
	Limit int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("file is %d bytes, limit is %d bytes", e.Size, e.Limit)
}

// BatchWriteError wraps a store failure for one batch. It is recorded, never propagated.
type BatchWriteError struct {
	Batch    int
	FirstRow int
	LastRow  int
	Err      error
}

func (e *BatchWriteError) Error() string {
	return fmt.Sprintf("batch %d (rows %d-%d): %v", e.Batch, e.FirstRow, e.LastRow, e.Err)
}

func (e *BatchWriteError) Unwrap() error {
	return e.Err
}

// JobError is the single fatal failure of an ingestion job.
type JobError struct {
	JobID uuid.UUID
	Phase domain.IngestionPhase
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("ingestion job %s failed while %s: %v", e.JobID, strings.ToLower(string(e.Phase)), e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Reason returns the human-readable failure reason shown to users.
func (e *JobError) Reason() string {
	return truncateError(e.Err)
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	const maxLen = 512
	msg := err.Error()
	if len(msg) <= maxLen {
		return msg
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
