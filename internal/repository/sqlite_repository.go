package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rpattn/accessingest/internal/domain"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

const sqliteTimeLayout = time.RFC3339Nano

type sqliteAccessRecordRepository struct {
	db *sql.DB
}

// NewSQLiteAccessRecordRepository wires a repository over a go-sqlite3 handle.
// The handle should allow a single open connection.
func NewSQLiteAccessRecordRepository(db *sql.DB) AccessRecordRepository {
	return &sqliteAccessRecordRepository{db: db}
}

func (r *sqliteAccessRecordRepository) UpsertBatch(ctx context.Context, records []domain.AccessRecord, policy domain.ConflictPolicy) (result UpsertResult, err error) {
	if r.db == nil {
		return UpsertResult{}, fmt.Errorf("access record repository not initialized")
	}
	if len(records) == 0 {
		return UpsertResult{}, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			err = classifySQLiteError(err)
			result = UpsertResult{}
		}
	}()

	exists, err := tx.PrepareContext(ctx, `SELECT 1 FROM access_events WHERE transaction_id = ?`)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("sqlite: prepare lookup: %w", err)
	}
	defer exists.Close()

	insert, err := tx.PrepareContext(ctx, sqliteInsertSQL())
	if err != nil {
		return UpsertResult{}, fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer insert.Close()

	var update *sql.Stmt
	if policy == domain.ConflictPolicyOverwrite {
		update, err = tx.PrepareContext(ctx, sqliteUpdateSQL())
		if err != nil {
			return UpsertResult{}, fmt.Errorf("sqlite: prepare update: %w", err)
		}
		defer update.Close()
	}

	for _, record := range records {
		args := sqliteArgs(record)
		if record.HasNaturalKey() {
			var one int
			lookupErr := exists.QueryRowContext(ctx, *record.TransactionID).Scan(&one)
			switch {
			case lookupErr == nil:
				result.Duplicates++
				if update == nil {
					continue
				}
				// transaction_id moves to the WHERE clause.
				if _, err = update.ExecContext(ctx, append(args[1:], *record.TransactionID)...); err != nil {
					return UpsertResult{}, fmt.Errorf("sqlite: update row %d: %w", record.RowNumber, err)
				}
				result.Overwritten++
				continue
			case !errors.Is(lookupErr, sql.ErrNoRows):
				return UpsertResult{}, fmt.Errorf("sqlite: lookup row %d: %w", record.RowNumber, lookupErr)
			}
		}
		if _, err = insert.ExecContext(ctx, args...); err != nil {
			return UpsertResult{}, fmt.Errorf("sqlite: insert row %d: %w", record.RowNumber, err)
		}
		result.Inserted++
	}

	if err = tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("sqlite: commit: %w", err)
	}
	return result, nil
}

func (r *sqliteAccessRecordRepository) Count(ctx context.Context) (int64, error) {
	if r.db == nil {
		return 0, fmt.Errorf("access record repository not initialized")
	}
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM access_events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: count access events: %w", err)
	}
	return count, nil
}

func classifySQLiteError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrConstraint || sqliteErr.Code == sqlite3.ErrMismatch) {
		return fmt.Errorf("%w: %w", ErrBatchRejected, err)
	}
	return err
}

func sqliteArgs(record domain.AccessRecord) []any {
	args := accessEventArgs(record)
	// column 1 is occurred_at; stored as sortable UTC text.
	args[1] = record.OccurredAt.UTC().Format(sqliteTimeLayout)
	return args
}

func sqliteInsertSQL() string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(accessEventColumns)), ", ")
	return fmt.Sprintf(
		"INSERT INTO access_events (%s) VALUES (%s)",
		strings.Join(accessEventColumns, ", "),
		placeholders,
	)
}

func sqliteUpdateSQL() string {
	assignments := make([]string, 0, len(accessEventColumns))
	for _, column := range accessEventColumns[1:] {
		assignments = append(assignments, column+" = ?")
	}
	assignments = append(assignments, "updated_at = CURRENT_TIMESTAMP")
	return fmt.Sprintf(
		"UPDATE access_events SET %s WHERE transaction_id = ?",
		strings.Join(assignments, ", "),
	)
}

type sqliteIngestionLogRepository struct {
	db *sql.DB
}

// NewSQLiteIngestionLogRepository stores ingestion logs next to the access events.
func NewSQLiteIngestionLogRepository(db *sql.DB) IngestionLogRepository {
	return &sqliteIngestionLogRepository{db: db}
}

func (r *sqliteIngestionLogRepository) Record(ctx context.Context, entry domain.IngestionLogEntry) error {
	return r.RecordMany(ctx, []domain.IngestionLogEntry{entry})
}

func (r *sqliteIngestionLogRepository) RecordMany(ctx context.Context, entries []domain.IngestionLogEntry) error {
	if r.db == nil {
		return fmt.Errorf("ingestion log repository not initialized")
	}
	if len(entries) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ingestion_logs (id, job_id, file_name, row_number, severity, message, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqlite: prepare log insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, entry := range entries {
		entry = withLogDefaults(entry, now)
		if _, err := stmt.ExecContext(ctx,
			entry.ID.String(),
			entry.JobID.String(),
			entry.FileName,
			entry.RowNumber,
			string(entry.Severity),
			entry.Message,
			entry.CreatedAt.UTC().Format(sqliteTimeLayout),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: insert ingestion log: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (r *sqliteIngestionLogRepository) List(ctx context.Context, jobID uuid.UUID, limit int, offset int) ([]domain.IngestionLogEntry, error) {
	if r.db == nil {
		return nil, fmt.Errorf("ingestion log repository not initialized")
	}
	limit, offset = normalizePage(limit, offset)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, job_id, file_name, row_number, severity, message, created_at
		 FROM ingestion_logs
		 WHERE job_id = ?
		 ORDER BY row_number IS NULL, row_number, created_at
		 LIMIT ? OFFSET ?`,
		jobID.String(), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list ingestion logs: %w", err)
	}
	defer rows.Close()

	logs := []domain.IngestionLogEntry{}
	for rows.Next() {
		var (
			entry             domain.IngestionLogEntry
			id, job, severity string
			createdAt         string
			rowNumber         sql.NullInt64
		)
		if err := rows.Scan(&id, &job, &entry.FileName, &rowNumber, &severity, &entry.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan ingestion log: %w", err)
		}
		if entry.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: parse log id: %w", err)
		}
		if entry.JobID, err = uuid.Parse(job); err != nil {
			return nil, fmt.Errorf("sqlite: parse job id: %w", err)
		}
		entry.Severity = domain.IssueSeverity(severity)
		if rowNumber.Valid {
			value := int(rowNumber.Int64)
			entry.RowNumber = &value
		}
		if parsed, parseErr := time.Parse(sqliteTimeLayout, createdAt); parseErr == nil {
			entry.CreatedAt = parsed
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate ingestion logs: %w", err)
	}
	return logs, nil
}
