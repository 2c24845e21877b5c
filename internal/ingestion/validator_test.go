package ingestion

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rpattn/accessingest/internal/domain"
)

func canonicalRow(number int, values map[Field]string) RawRow {
	cells := make([]string, len(fieldSpecs))
	for i, spec := range fieldSpecs {
		cells[i] = values[spec.field]
	}
	return RawRow{Number: number, Cells: cells}
}

func newTestValidator(opts ...ValidatorOption) *Validator {
	clock := func() time.Time { return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC) }
	base := []ValidatorOption{WithClock(clock), WithChunkYielder(NopYielder{})}
	return NewValidator(NewCleaner(NewDateParser(time.UTC, true)), append(base, opts...)...)
}

func TestValidatorRejectsMissingFieldsAndBadDates(t *testing.T) {
	data := "Date Time,Card Name,Location,Allow\n" +
		"2024-01-01T08:00:00,A,Lobby,t\n" +
		"2024-01-01T08:05:00,,Lobby,t\n" +
		"not-a-date,B,Lobby,f\n"
	rows, err := OpenRows(context.Background(), FormatCSV, strings.NewReader(data), int64(len(data)), DefaultLimits(), nil)
	if err != nil {
		t.Fatalf("OpenRows returned error: %v", err)
	}
	defer rows.Close()

	result, err := newTestValidator().Run(context.Background(), rows, "gate.csv", nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if result.TotalRows != 3 || len(result.Records) != 1 || result.RejectedRows != 2 {
		t.Fatalf("expected total=3 valid=1 rejected=2, got total=%d valid=%d rejected=%d",
			result.TotalRows, len(result.Records), result.RejectedRows)
	}
	if len(result.Issues) != 2 {
		t.Fatalf("expected one issue per rejected row, got %+v", result.Issues)
	}
	if result.Issues[0].Row != 3 || !strings.Contains(result.Issues[0].Message, "Card Name") {
		t.Fatalf("expected missing Card Name on row 3, got %+v", result.Issues[0])
	}
	if result.Issues[1].Row != 4 || !strings.Contains(result.Issues[1].Message, "invalid date") {
		t.Fatalf("expected invalid date on row 4, got %+v", result.Issues[1])
	}
	for _, issue := range result.Issues {
		if issue.Severity != domain.IssueSeverityError {
			t.Fatalf("expected error severity, got %+v", issue)
		}
	}

	record := result.Records[0]
	if record.CardName != "A" || !record.Allowed || record.RowNumber != 2 || record.SourceFile != "gate.csv" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.Direction != domain.DirectionUnknown {
		t.Fatalf("expected UNKNOWN direction when the column is absent, got %s", record.Direction)
	}
}

func TestValidatorWarnsOnRepeatedTransactionID(t *testing.T) {
	rows, err := newSliceRows([]RawRow{
		canonicalRow(2, map[Field]string{FieldDateTime: "2024-01-01T08:00:00", FieldCardName: "A", FieldLocation: "Lobby", FieldTransactionID: "tx1"}),
		canonicalRow(3, map[Field]string{FieldDateTime: "2024-01-01T08:01:00", FieldCardName: "B", FieldLocation: "Lobby", FieldTransactionID: "tx1"}),
	})
	if err != nil {
		t.Fatalf("newSliceRows returned error: %v", err)
	}

	result, err := newTestValidator().Run(context.Background(), rows, "gate.csv", nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(result.Records) != 2 {
		t.Fatalf("both rows must stay valid, got %d records", len(result.Records))
	}
	if len(result.Records[0].Warnings) != 0 {
		t.Fatalf("first occurrence must be clean, got %v", result.Records[0].Warnings)
	}
	if len(result.Issues) != 1 || result.WarningCount != 1 {
		t.Fatalf("expected one warning, got %+v", result.Issues)
	}
	issue := result.Issues[0]
	if issue.Row != 3 || issue.Severity != domain.IssueSeverityWarning || !strings.Contains(issue.Message, "duplicate Transaction ID") {
		t.Fatalf("unexpected duplicate warning: %+v", issue)
	}
	if !strings.Contains(issue.Message, "row 2") {
		t.Fatalf("warning should point at the first row, got %q", issue.Message)
	}
}

func TestValidatorSkipsBlankRows(t *testing.T) {
	rows, err := newSliceRows([]RawRow{
		canonicalRow(2, map[Field]string{FieldDateTime: "2024-01-01T08:00:00", FieldCardName: "A", FieldLocation: "Lobby"}),
		canonicalRow(3, map[Field]string{FieldCardName: "   "}),
		{Number: 4},
	})
	if err != nil {
		t.Fatalf("newSliceRows returned error: %v", err)
	}

	result, err := newTestValidator().Run(context.Background(), rows, "gate.csv", nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.TotalRows != 3 || result.SkippedRows != 2 || result.RejectedRows != 0 || len(result.Records) != 1 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if len(result.Issues) != 0 {
		t.Fatalf("blank rows must not produce issues, got %+v", result.Issues)
	}
}

func TestValidatorWarnsOnFutureDates(t *testing.T) {
	rows, err := newSliceRows([]RawRow{
		canonicalRow(2, map[Field]string{FieldDateTime: "2031-06-01 09:00:00", FieldCardName: "A", FieldLocation: "Lobby"}),
	})
	if err != nil {
		t.Fatalf("newSliceRows returned error: %v", err)
	}

	result, err := newTestValidator().Run(context.Background(), rows, "gate.csv", nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(result.Records) != 1 || result.RejectedRows != 0 {
		t.Fatalf("future dates are warnings, not rejections: %+v", result)
	}
	if result.WarningCount != 1 || !strings.Contains(result.Issues[0].Message, "future") {
		t.Fatalf("expected a future date warning, got %+v", result.Issues)
	}
	if len(result.Records[0].Warnings) != 1 {
		t.Fatalf("expected the warning on the record too, got %v", result.Records[0].Warnings)
	}
}

func TestValidatorKeepsFileOrderAcrossWorkers(t *testing.T) {
	var raw []RawRow
	for i := 0; i < 50; i++ {
		txID := ""
		switch i {
		case 3, 38:
			txID = "dup"
		}
		raw = append(raw, canonicalRow(i+2, map[Field]string{
			FieldDateTime:      "2024-01-01T08:00:00",
			FieldCardName:      "card",
			FieldLocation:      "Lobby",
			FieldTransactionID: txID,
		}))
	}
	rows, err := newSliceRows(raw)
	if err != nil {
		t.Fatalf("newSliceRows returned error: %v", err)
	}

	var fractions []float64
	validator := newTestValidator(WithChunkSize(3), WithValidationWorkers(4))
	result, err := validator.Run(context.Background(), rows, "gate.csv", func(fraction float64, _ int) {
		fractions = append(fractions, fraction)
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(result.Records) != 50 {
		t.Fatalf("expected 50 records, got %d", len(result.Records))
	}
	for i, record := range result.Records {
		if record.RowNumber != i+2 {
			t.Fatalf("record %d has row %d, want %d", i, record.RowNumber, i+2)
		}
	}
	if len(result.Issues) != 1 || result.Issues[0].Row != 40 {
		t.Fatalf("expected the later occurrence (row 40) to carry the warning, got %+v", result.Issues)
	}
	if len(fractions) == 0 || fractions[len(fractions)-1] != 1 {
		t.Fatalf("expected progress to finish at 1, got %v", fractions)
	}
	for i := 1; i < len(fractions); i++ {
		if fractions[i] < fractions[i-1] {
			t.Fatalf("validation progress went backwards: %v", fractions)
		}
	}
}

func TestValidatorStopsWhenCancelled(t *testing.T) {
	rows, err := newSliceRows([]RawRow{
		canonicalRow(2, map[Field]string{FieldDateTime: "2024-01-01T08:00:00", FieldCardName: "A", FieldLocation: "Lobby"}),
	})
	if err != nil {
		t.Fatalf("newSliceRows returned error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newTestValidator().Run(ctx, rows, "gate.csv", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestValidatorReadsNumericDatesBySource(t *testing.T) {
	data := "Date Time,Card Name,Location\n" +
		"45292.5,A,Lobby\n" +
		"1,B,Lobby\n" +
		"2024,C,Lobby\n"
	rows, err := OpenRows(context.Background(), FormatCSV, strings.NewReader(data), int64(len(data)), DefaultLimits(), nil)
	if err != nil {
		t.Fatalf("OpenRows returned error: %v", err)
	}
	defer rows.Close()
	if rows.Mapping().SpreadsheetCells() {
		t.Fatalf("CSV rows must not be treated as spreadsheet cells")
	}

	result, err := newTestValidator().Run(context.Background(), rows, "gate.csv", nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.RejectedRows != 2 || len(result.Records) != 1 {
		t.Fatalf("expected serial-looking text to be rejected, got rejected=%d valid=%d", result.RejectedRows, len(result.Records))
	}
	if result.Issues[0].Row != 2 || result.Issues[1].Row != 3 {
		t.Fatalf("expected rows 2 and 3 rejected, got %+v", result.Issues)
	}
	if got := result.Records[0].OccurredAt; !got.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected a bare year to mean 1 Jan 2024, got %s", got)
	}

	mapping, err := MapHeaders([]string{"Date Time", "Card Name", "Location"})
	if err != nil {
		t.Fatalf("MapHeaders returned error: %v", err)
	}
	mapping.spreadsheet = true
	outcome, err := newTestValidator().checkRow(RawRow{Number: 2, Cells: []string{"45292.5", "A", "Lobby"}}, mapping, "gate.xlsx", time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || outcome.record == nil {
		t.Fatalf("expected a workbook serial to validate, got %+v, %v", outcome, err)
	}
	if got := outcome.record.OccurredAt; !got.Equal(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected serial 45292.5 to be 2024-01-01 12:00, got %s", got)
	}
}
