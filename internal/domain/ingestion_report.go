package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConflictPolicy decides what happens when a record's transaction ID already exists in the store.
type ConflictPolicy string

const (
	ConflictPolicySkip      ConflictPolicy = "skip-duplicates"
	ConflictPolicyOverwrite ConflictPolicy = "overwrite-duplicates"
)

// ErrInvalidPolicy is returned for a missing or unrecognised conflict policy.
var ErrInvalidPolicy = errors.New("invalid conflict policy")

// ParseConflictPolicy accepts the two named policies. There is no default.
func ParseConflictPolicy(raw string) (ConflictPolicy, error) {
	switch ConflictPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case ConflictPolicySkip:
		return ConflictPolicySkip, nil
	case ConflictPolicyOverwrite:
		return ConflictPolicyOverwrite, nil
	default:
		return "", fmt.Errorf("%w %q (expected %s or %s)", ErrInvalidPolicy, raw, ConflictPolicySkip, ConflictPolicyOverwrite)
	}
}

// IssueSeverity distinguishes rejecting problems from informational ones.
type IssueSeverity string

const (
	IssueSeverityError   IssueSeverity = "error"
	IssueSeverityWarning IssueSeverity = "warning"
)

// ValidationIssue is one problem found in a source row. Row 1 is the header.
type ValidationIssue struct {
	Row      int           `json:"row"`
	Severity IssueSeverity `json:"severity"`
	Message  string        `json:"message"`
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("row %d: %s", i.Row, i.Message)
}

// BatchOutcome is the result of writing one batch to the store.
type BatchOutcome struct {
	Index       int     `json:"index"`
	RecordStart int     `json:"record_start"`
	RecordEnd   int     `json:"record_end"`
	FirstRow    int     `json:"first_row"`
	LastRow     int     `json:"last_row"`
	Attempted   int     `json:"attempted"`
	Inserted    int     `json:"inserted"`
	Duplicates  int     `json:"duplicates"`
	Overwritten int     `json:"overwritten"`
	Attempts    int     `json:"attempts"`
	Error       *string `json:"error,omitempty"`
}

// Failed reports whether the batch was not committed.
func (b BatchOutcome) Failed() bool {
	return b.Error != nil
}

// IngestionReport is the caller-facing summary of a finished ingestion run.
type IngestionReport struct {
	JobID                  string            `json:"job_id"`
	FileName               string            `json:"file_name"`
	FileSize               int64             `json:"file_size"`
	Policy                 ConflictPolicy    `json:"policy"`
	Success                bool              `json:"success"`
	Message                string            `json:"message"`
	TotalRows              int               `json:"total_rows"`
	SkippedRows            int               `json:"skipped_rows"`
	ValidRows              int               `json:"valid_rows"`
	RejectedRows           int               `json:"rejected_rows"`
	WarningCount           int               `json:"warning_count"`
	InsertedRows           int               `json:"inserted_rows"`
	DuplicateRows          int               `json:"duplicate_rows"`
	OverwrittenRows        int               `json:"overwritten_rows"`
	RecordsInFailedBatches int               `json:"records_in_failed_batches"`
	FailedBatches          []BatchOutcome    `json:"failed_batches"`
	Errors                 []ValidationIssue `json:"errors"`
	Warnings               []ValidationIssue `json:"warnings"`
	ErrorsTruncated        bool              `json:"errors_truncated"`
	WarningsTruncated      bool              `json:"warnings_truncated"`
	Sample                 []AccessRecord    `json:"sample"`
	RetryFile              *string           `json:"retry_file,omitempty"`
	StartedAt              time.Time         `json:"started_at"`
	FinishedAt             time.Time         `json:"finished_at"`
	Duration               time.Duration     `json:"duration_ns"`
}
