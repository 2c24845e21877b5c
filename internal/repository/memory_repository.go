package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rpattn/accessingest/internal/domain"

	"github.com/google/uuid"
)

// MemoryAccessRecordRepository keeps records in process memory. It backs dry runs
// and tests.
type MemoryAccessRecordRepository struct {
	mu      sync.Mutex
	records []domain.AccessRecord
	byKey   map[string]int
}

func NewMemoryAccessRecordRepository() *MemoryAccessRecordRepository {
	return &MemoryAccessRecordRepository{byKey: make(map[string]int)}
}

func (r *MemoryAccessRecordRepository) UpsertBatch(ctx context.Context, records []domain.AccessRecord, policy domain.ConflictPolicy) (UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return UpsertResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var result UpsertResult
	for _, record := range records {
		if !record.HasNaturalKey() {
			r.records = append(r.records, record)
			result.Inserted++
			continue
		}
		key := *record.TransactionID
		idx, exists := r.byKey[key]
		switch {
		case !exists:
			r.byKey[key] = len(r.records)
			r.records = append(r.records, record)
			result.Inserted++
		case policy == domain.ConflictPolicyOverwrite:
			r.records[idx] = record
			result.Duplicates++
			result.Overwritten++
		default:
			result.Duplicates++
		}
	}
	return result, nil
}

func (r *MemoryAccessRecordRepository) Count(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.records)), nil
}

// Records returns a copy of everything stored, in insertion order.
func (r *MemoryAccessRecordRepository) Records() []domain.AccessRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AccessRecord, len(r.records))
	copy(out, r.records)
	return out
}

// Lookup returns the stored record for a transaction ID.
func (r *MemoryAccessRecordRepository) Lookup(transactionID string) (domain.AccessRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.byKey[transactionID]
	if !ok {
		return domain.AccessRecord{}, false
	}
	return r.records[idx], true
}

// MemoryIngestionLogRepository keeps ingestion logs in process memory.
type MemoryIngestionLogRepository struct {
	mu      sync.Mutex
	entries []domain.IngestionLogEntry
}

func NewMemoryIngestionLogRepository() *MemoryIngestionLogRepository {
	return &MemoryIngestionLogRepository{}
}

func (r *MemoryIngestionLogRepository) Record(ctx context.Context, entry domain.IngestionLogEntry) error {
	return r.RecordMany(ctx, []domain.IngestionLogEntry{entry})
}

func (r *MemoryIngestionLogRepository) RecordMany(ctx context.Context, entries []domain.IngestionLogEntry) error {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range entries {
		r.entries = append(r.entries, withLogDefaults(entry, now))
	}
	return nil
}

func (r *MemoryIngestionLogRepository) List(ctx context.Context, jobID uuid.UUID, limit int, offset int) ([]domain.IngestionLogEntry, error) {
	limit, offset = normalizePage(limit, offset)
	r.mu.Lock()
	matched := []domain.IngestionLogEntry{}
	for _, entry := range r.entries {
		if entry.JobID == jobID {
			matched = append(matched, entry)
		}
	}
	r.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i].RowNumber, matched[j].RowNumber
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
	if offset >= len(matched) {
		return []domain.IngestionLogEntry{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}
