package ingestion

import (
	"fmt"
	"time"

	"github.com/rpattn/accessingest/internal/domain"
)

const (
	maxReportIssues  = 50
	maxSampleRecords = 10
)

type reportInput struct {
	job        domain.IngestionJob
	validation ValidationResult
	upsert     UpsertSummary
	retryFile  *string
	startedAt  time.Time
	finishedAt time.Time
}

// buildReport aggregates stage results into the caller-facing report.
func buildReport(in reportInput) domain.IngestionReport {
	report := domain.IngestionReport{
		JobID:                  in.job.ID.String(),
		FileName:               in.job.FileName,
		FileSize:               in.job.FileSize,
		Policy:                 in.job.Policy,
		TotalRows:              in.validation.TotalRows,
		SkippedRows:            in.validation.SkippedRows,
		ValidRows:              len(in.validation.Records),
		RejectedRows:           in.validation.RejectedRows,
		WarningCount:           in.validation.WarningCount,
		InsertedRows:           in.upsert.Inserted,
		DuplicateRows:          in.upsert.Duplicates,
		OverwrittenRows:        in.upsert.Overwritten,
		RecordsInFailedBatches: in.upsert.FailedRecords,
		FailedBatches:          in.upsert.FailedBatches(),
		Errors:                 []domain.ValidationIssue{},
		Warnings:               []domain.ValidationIssue{},
		RetryFile:              in.retryFile,
		StartedAt:              in.startedAt,
		FinishedAt:             in.finishedAt,
		Duration:               in.finishedAt.Sub(in.startedAt),
	}

	errorCount, warningCount := 0, 0
	for _, issue := range in.validation.Issues {
		switch issue.Severity {
		case domain.IssueSeverityError:
			errorCount++
			if len(report.Errors) < maxReportIssues {
				report.Errors = append(report.Errors, issue)
			}
		case domain.IssueSeverityWarning:
			warningCount++
			if len(report.Warnings) < maxReportIssues {
				report.Warnings = append(report.Warnings, issue)
			}
		}
	}
	report.ErrorsTruncated = errorCount > len(report.Errors)
	report.WarningsTruncated = warningCount > len(report.Warnings)

	sampleSize := len(in.validation.Records)
	if sampleSize > maxSampleRecords {
		sampleSize = maxSampleRecords
	}
	report.Sample = append([]domain.AccessRecord{}, in.validation.Records[:sampleSize]...)

	report.Success = report.ValidRows > 0 && len(report.FailedBatches) == 0
	report.Message = reportMessage(report)
	return report
}

func reportMessage(r domain.IngestionReport) string {
	if r.ValidRows == 0 {
		return fmt.Sprintf("No valid rows found: %d rows read, %d rejected, %d empty", r.TotalRows, r.RejectedRows, r.SkippedRows)
	}
	message := fmt.Sprintf("Inserted %d of %d valid rows (%d duplicates, %d rejected", r.InsertedRows, r.ValidRows, r.DuplicateRows, r.RejectedRows)
	if len(r.FailedBatches) > 0 {
		message += fmt.Sprintf(", %d failed batches covering %d records", len(r.FailedBatches), r.RecordsInFailedBatches)
	}
	return message + ")"
}
