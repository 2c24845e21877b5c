package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rpattn/accessingest/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TxRunner runs fn inside one database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(pgx.Tx) error) error
}

var accessEventColumns = []string{
	"transaction_id",
	"occurred_at",
	"day",
	"month",
	"year",
	"year_month",
	"card_name",
	"location",
	"direction",
	"allowed",
	"user_type",
	"door",
	"device",
	"reason",
	"channel",
	"permission",
	"card_number_hash",
	"id_hash",
	"user_hash",
	"temperature",
	"source_file",
	"source_row",
}

var (
	insertSkipSQL      = buildInsertSQL("ON CONFLICT (transaction_id) DO NOTHING RETURNING id")
	insertOverwriteSQL = buildInsertSQL("ON CONFLICT (transaction_id) DO UPDATE SET " + overwriteAssignments() + " RETURNING (xmax = 0) AS inserted")
)

type accessRecordRepository struct {
	tx   TxRunner
	pool *pgxpool.Pool
}

// NewAccessRecordRepository wires a repository that writes each batch in its own transaction.
func NewAccessRecordRepository(tx TxRunner, pool *pgxpool.Pool) AccessRecordRepository {
	return &accessRecordRepository{tx: tx, pool: pool}
}

func (r *accessRecordRepository) UpsertBatch(ctx context.Context, records []domain.AccessRecord, policy domain.ConflictPolicy) (UpsertResult, error) {
	if r.tx == nil {
		return UpsertResult{}, fmt.Errorf("access record repository not initialized")
	}
	if len(records) == 0 {
		return UpsertResult{}, nil
	}

	query := insertSkipSQL
	if policy == domain.ConflictPolicyOverwrite {
		query = insertOverwriteSQL
	}

	var result UpsertResult
	err := r.tx.WithTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, record := range records {
			batch.Queue(query, accessEventArgs(record)...)
		}
		results := tx.SendBatch(ctx, batch)

		var counted UpsertResult
		for i, record := range records {
			switch policy {
			case domain.ConflictPolicyOverwrite:
				var inserted bool
				if err := results.QueryRow().Scan(&inserted); err != nil {
					_ = results.Close()
					return fmt.Errorf("upsert row %d: %w", record.RowNumber, err)
				}
				if inserted {
					counted.Inserted++
				} else {
					counted.Duplicates++
					counted.Overwritten++
				}
			default:
				var id int64
				err := results.QueryRow().Scan(&id)
				switch {
				case err == nil:
					counted.Inserted++
				case errors.Is(err, pgx.ErrNoRows):
					counted.Duplicates++
				default:
					_ = results.Close()
					return fmt.Errorf("insert row %d (record %d): %w", record.RowNumber, i, err)
				}
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("close batch results: %w", err)
		}
		result = counted
		return nil
	})
	if err != nil {
		return UpsertResult{}, classifyPgError(err)
	}
	return result, nil
}

func (r *accessRecordRepository) Count(ctx context.Context) (int64, error) {
	if r.pool == nil {
		return 0, fmt.Errorf("access record repository not initialized")
	}
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM access_events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count access events: %w", err)
	}
	return count, nil
}

// classifyPgError marks data errors as permanent so the batch is not retried.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23") {
			return fmt.Errorf("%w: %s (%s): %w", ErrBatchRejected, pgErr.Message, pgErr.Code, err)
		}
	}
	return err
}

func accessEventArgs(record domain.AccessRecord) []any {
	var transactionID *string
	if record.HasNaturalKey() {
		transactionID = record.TransactionID
	}
	return []any{
		transactionID,
		record.OccurredAt,
		record.Day,
		record.Month,
		record.Year,
		record.YearMonth,
		record.CardName,
		record.Location,
		string(record.Direction),
		record.Allowed,
		record.UserType,
		record.Door,
		record.Device,
		record.Reason,
		record.Channel,
		record.Permission,
		record.CardNumberHash,
		record.IDHash,
		record.UserHash,
		record.Temperature,
		record.SourceFile,
		record.RowNumber,
	}
}

func buildInsertSQL(conflict string) string {
	placeholders := make([]string, len(accessEventColumns))
	for i := range accessEventColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf(
		"INSERT INTO access_events (%s) VALUES (%s) %s",
		strings.Join(accessEventColumns, ", "),
		strings.Join(placeholders, ", "),
		conflict,
	)
}

func overwriteAssignments() string {
	assignments := make([]string, 0, len(accessEventColumns))
	for _, column := range accessEventColumns {
		if column == "transaction_id" {
			continue
		}
		assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", column, column))
	}
	assignments = append(assignments, "updated_at = now()")
	return strings.Join(assignments, ", ")
}
