package ingestion

import (
	"context"
	"fmt"

	"github.com/rpattn/accessingest/internal/domain"
)

// AppendRequest carries records submitted directly instead of as a file.
// Each record is keyed by the file header text, e.g. "Date Time" or "Transaction ID".
type AppendRequest struct {
	Source  string
	Records []map[string]any
	Policy  domain.ConflictPolicy
}

// AppendResult summarises a direct append call.
type AppendResult struct {
	Received      int                      `json:"received"`
	Valid         int                      `json:"valid"`
	Rejected      int                      `json:"rejected"`
	Inserted      int                      `json:"inserted"`
	Duplicates    int                      `json:"duplicates"`
	Overwritten   int                      `json:"overwritten"`
	FailedBatches []domain.BatchOutcome    `json:"failed_batches"`
	Errors        []domain.ValidationIssue `json:"errors"`
	Warnings      []domain.ValidationIssue `json:"warnings"`
}

// Append validates and upserts records without a file. Requests above the
// append limit are rejected before any record is looked at.
func (s *Service) Append(ctx context.Context, req AppendRequest) (AppendResult, error) {
	limit := s.settings.Limits.MaxAppendRecords
	if limit > 0 && len(req.Records) > limit {
		return AppendResult{}, fmt.Errorf("%w: got %d, limit is %d", ErrTooManyRecords, len(req.Records), limit)
	}
	policy, err := domain.ParseConflictPolicy(string(req.Policy))
	if err != nil {
		return AppendResult{}, err
	}
	source := req.Source
	if source == "" {
		source = "append"
	}

	rows, err := newSliceRows(rowsFromObjects(req.Records))
	if err != nil {
		return AppendResult{}, err
	}
	validation, err := s.newValidator().Run(ctx, rows, source, nil)
	if err != nil {
		return AppendResult{}, err
	}
	logger := s.logger.With("source", source)
	upsert, err := s.newUpserter(logger).Run(ctx, validation.Records, policy, nil)
	if err != nil {
		return AppendResult{}, err
	}

	result := AppendResult{
		Received:      len(req.Records),
		Valid:         len(validation.Records),
		Rejected:      validation.RejectedRows,
		Inserted:      upsert.Inserted,
		Duplicates:    upsert.Duplicates,
		Overwritten:   upsert.Overwritten,
		FailedBatches: upsert.FailedBatches(),
		Errors:        []domain.ValidationIssue{},
		Warnings:      []domain.ValidationIssue{},
	}
	for _, issue := range validation.Issues {
		switch {
		case issue.Severity == domain.IssueSeverityError && len(result.Errors) < maxReportIssues:
			result.Errors = append(result.Errors, issue)
		case issue.Severity == domain.IssueSeverityWarning && len(result.Warnings) < maxReportIssues:
			result.Warnings = append(result.Warnings, issue)
		}
	}
	logger.Info("append finished", "received", result.Received, "inserted", result.Inserted, "duplicates", result.Duplicates, "rejected", result.Rejected)
	return result, nil
}
