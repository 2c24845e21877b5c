package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/accessingest/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultLogPageSize = 200

type ingestionLogRepository struct {
	pool *pgxpool.Pool
}

// NewIngestionLogRepository wires a repository backed by pgxpool.
func NewIngestionLogRepository(pool *pgxpool.Pool) IngestionLogRepository {
	return &ingestionLogRepository{pool: pool}
}

func (r *ingestionLogRepository) Record(ctx context.Context, entry domain.IngestionLogEntry) error {
	if r.pool == nil {
		return fmt.Errorf("ingestion log repository not initialized")
	}
	entry = withLogDefaults(entry, time.Now())

	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO ingestion_logs (id, job_id, file_name, row_number, severity, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID,
		entry.JobID,
		entry.FileName,
		entry.RowNumber,
		string(entry.Severity),
		entry.Message,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record ingestion log: %w", err)
	}
	return nil
}

// RecordMany streams entries through COPY.
func (r *ingestionLogRepository) RecordMany(ctx context.Context, entries []domain.IngestionLogEntry) error {
	if r.pool == nil {
		return fmt.Errorf("ingestion log repository not initialized")
	}
	if len(entries) == 0 {
		return nil
	}

	now := time.Now()
	copied, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"ingestion_logs"},
		[]string{"id", "job_id", "file_name", "row_number", "severity", "message", "created_at"},
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			entry := withLogDefaults(entries[i], now)
			return []any{
				entry.ID,
				entry.JobID,
				entry.FileName,
				entry.RowNumber,
				string(entry.Severity),
				entry.Message,
				entry.CreatedAt,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to copy ingestion logs: %w", err)
	}
	if int(copied) != len(entries) {
		return fmt.Errorf("copied %d of %d ingestion logs", copied, len(entries))
	}
	return nil
}

func (r *ingestionLogRepository) List(ctx context.Context, jobID uuid.UUID, limit int, offset int) ([]domain.IngestionLogEntry, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("ingestion log repository not initialized")
	}
	limit, offset = normalizePage(limit, offset)

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, job_id, file_name, row_number, severity, message, created_at
		 FROM ingestion_logs
		 WHERE job_id = $1
		 ORDER BY row_number NULLS LAST, created_at
		 LIMIT $2 OFFSET $3`,
		jobID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestion logs: %w", err)
	}
	defer rows.Close()

	logs := []domain.IngestionLogEntry{}
	for rows.Next() {
		var (
			entry     domain.IngestionLogEntry
			severity  string
			rowNumber pgtype.Int4
			createdAt pgtype.Timestamptz
		)
		if scanErr := rows.Scan(
			&entry.ID,
			&entry.JobID,
			&entry.FileName,
			&rowNumber,
			&severity,
			&entry.Message,
			&createdAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan ingestion log: %w", scanErr)
		}

		entry.Severity = domain.IssueSeverity(severity)
		if rowNumber.Valid {
			value := int(rowNumber.Int32)
			entry.RowNumber = &value
		}
		if createdAt.Valid {
			entry.CreatedAt = createdAt.Time
		}
		logs = append(logs, entry)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate ingestion logs: %w", rowsErr)
	}
	return logs, nil
}

func withLogDefaults(entry domain.IngestionLogEntry, now time.Time) domain.IngestionLogEntry {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	return entry
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultLogPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
