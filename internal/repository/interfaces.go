package repository

import (
	"context"
	"errors"

	"github.com/rpattn/accessingest/internal/domain"

	"github.com/google/uuid"
)

// ErrBatchRejected marks a batch the store refused because of its data.
// Retrying the same records cannot succeed.
var ErrBatchRejected = errors.New("batch rejected by store")

// UpsertResult counts what one batch write did to the store.
type UpsertResult struct {
	Inserted    int
	Duplicates  int
	Overwritten int
}

// AccessRecordRepository persists access records keyed on transaction ID.
// UpsertBatch is atomic: either every record is applied or none is.
// Under ConflictPolicySkip an existing key is left untouched and counted as a duplicate;
// under ConflictPolicyOverwrite it is replaced and counted as both a duplicate and overwritten.
// Records without a transaction ID are always inserted.
type AccessRecordRepository interface {
	UpsertBatch(ctx context.Context, records []domain.AccessRecord, policy domain.ConflictPolicy) (UpsertResult, error)
	Count(ctx context.Context) (int64, error)
}

// IngestionLogRepository stores ingestion issues for observability.
type IngestionLogRepository interface {
	Record(ctx context.Context, entry domain.IngestionLogEntry) error
	RecordMany(ctx context.Context, entries []domain.IngestionLogEntry) error
	List(ctx context.Context, jobID uuid.UUID, limit int, offset int) ([]domain.IngestionLogEntry, error)
}
