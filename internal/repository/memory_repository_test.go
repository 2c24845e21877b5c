package repository

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rpattn/accessingest/internal/domain"

	"github.com/google/uuid"
)

func testRecord(txID string, row int, card string) domain.AccessRecord {
	occurred := time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC)
	record := domain.AccessRecord{
		OccurredAt: occurred,
		Day:        5,
		Month:      1,
		Year:       2024,
		YearMonth:  domain.FormatYearMonth(occurred),
		CardName:   card,
		Location:   "Gate A",
		Direction:  domain.DirectionIn,
		Allowed:    true,
		SourceFile: "gate.csv",
		RowNumber:  row,
	}
	if txID != "" {
		id := txID
		record.TransactionID = &id
	}
	return record
}

func TestMemoryUpsertSkipCountsDuplicates(t *testing.T) {
	repo := NewMemoryAccessRecordRepository()
	ctx := context.Background()

	first, err := repo.UpsertBatch(ctx, []domain.AccessRecord{testRecord("tx1", 2, "Alice"), testRecord("tx2", 3, "Bob")}, domain.ConflictPolicySkip)
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if first.Inserted != 2 || first.Duplicates != 0 {
		t.Fatalf("unexpected first result %+v", first)
	}

	second, err := repo.UpsertBatch(ctx, []domain.AccessRecord{testRecord("tx1", 2, "Changed")}, domain.ConflictPolicySkip)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if second.Inserted != 0 || second.Duplicates != 1 || second.Overwritten != 0 {
		t.Fatalf("unexpected second result %+v", second)
	}
	stored, ok := repo.Lookup("tx1")
	if !ok || stored.CardName != "Alice" {
		t.Fatalf("skip policy must keep the original record, got %+v", stored)
	}
}

func TestMemoryUpsertOverwriteReplaces(t *testing.T) {
	repo := NewMemoryAccessRecordRepository()
	ctx := context.Background()
	if _, err := repo.UpsertBatch(ctx, []domain.AccessRecord{testRecord("tx1", 2, "Alice")}, domain.ConflictPolicySkip); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	result, err := repo.UpsertBatch(ctx, []domain.AccessRecord{testRecord("tx1", 2, "Alicia")}, domain.ConflictPolicyOverwrite)
	if err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if result.Duplicates != 1 || result.Overwritten != 1 || result.Inserted != 0 {
		t.Fatalf("unexpected overwrite result %+v", result)
	}
	stored, _ := repo.Lookup("tx1")
	if stored.CardName != "Alicia" {
		t.Fatalf("expected overwritten card name, got %s", stored.CardName)
	}
	if count, _ := repo.Count(ctx); count != 1 {
		t.Fatalf("expected one stored record, got %d", count)
	}
}

func TestMemoryUpsertWithoutKeyAlwaysInserts(t *testing.T) {
	repo := NewMemoryAccessRecordRepository()
	ctx := context.Background()
	batch := []domain.AccessRecord{testRecord("", 2, "Alice"), testRecord("", 3, "Alice")}
	for i := 0; i < 2; i++ {
		if _, err := repo.UpsertBatch(ctx, batch, domain.ConflictPolicySkip); err != nil {
			t.Fatalf("upsert %d failed: %v", i, err)
		}
	}
	if count, _ := repo.Count(ctx); count != 4 {
		t.Fatalf("records without a transaction ID never conflict; expected 4, got %d", count)
	}
}

func TestMemoryLogListOrdersByRow(t *testing.T) {
	repo := NewMemoryIngestionLogRepository()
	ctx := context.Background()
	jobID := uuid.New()
	row := func(n int) *int { return &n }

	entries := []domain.IngestionLogEntry{
		{JobID: jobID, FileName: "gate.csv", Severity: domain.IssueSeverityError, Message: "batch failed"},
		{JobID: jobID, FileName: "gate.csv", RowNumber: row(7), Severity: domain.IssueSeverityWarning, Message: "duplicate"},
		{JobID: jobID, FileName: "gate.csv", RowNumber: row(3), Severity: domain.IssueSeverityError, Message: "missing"},
		{JobID: uuid.New(), FileName: "other.csv", RowNumber: row(2), Severity: domain.IssueSeverityError, Message: "other job"},
	}
	if err := repo.RecordMany(ctx, entries); err != nil {
		t.Fatalf("RecordMany failed: %v", err)
	}

	logs, err := repo.List(ctx, jobID, 10, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 logs for job, got %d", len(logs))
	}
	if logs[0].RowNumber == nil || *logs[0].RowNumber != 3 || logs[2].RowNumber != nil {
		t.Fatalf("expected row-ordered logs with file-level entries last, got %+v", logs)
	}
	if logs[0].ID == uuid.Nil || logs[0].CreatedAt.IsZero() {
		t.Fatalf("expected defaults to be filled in, got %+v", logs[0])
	}

	page, err := repo.List(ctx, jobID, 1, 1)
	if err != nil || len(page) != 1 || *page[0].RowNumber != 7 {
		t.Fatalf("expected second page to hold row 7, got %+v (%v)", page, err)
	}
}

func TestInsertStatementsCoverAllColumns(t *testing.T) {
	if got := len(accessEventArgs(testRecord("tx1", 2, "Alice"))); got != len(accessEventColumns) {
		t.Fatalf("expected %d args, got %d", len(accessEventColumns), got)
	}
	if want := "$22"; !strings.Contains(insertSkipSQL, want) {
		t.Fatalf("expected skip statement to bind %s: %s", want, insertSkipSQL)
	}
	if strings.Contains(overwriteAssignments(), "transaction_id =") {
		t.Fatalf("overwrite must not rewrite the key column")
	}
}
