package domain

import (
	"time"

	"github.com/google/uuid"
)

// IngestionLogEntry captures row and batch level issues that occur during ingestion.
type IngestionLogEntry struct {
	ID        uuid.UUID     `json:"id"`
	JobID     uuid.UUID     `json:"job_id"`
	FileName  string        `json:"file_name"`
	RowNumber *int          `json:"row_number,omitempty"`
	Severity  IssueSeverity `json:"severity"`
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"created_at"`
}
