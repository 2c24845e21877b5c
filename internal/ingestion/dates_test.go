package ingestion

import (
	"testing"
	"time"
)

func TestDateParserFormats(t *testing.T) {
	bangkok := time.FixedZone("ICT", 7*60*60)
	parser := NewDateParser(bangkok, true)

	cases := []struct {
		raw  string
		want time.Time
	}{
		{"2024-01-01T08:00:00", time.Date(2024, 1, 1, 8, 0, 0, 0, bangkok)},
		{"2024-01-01T08:00:00Z", time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)},
		{"2024-01-01 08:00:00.250", time.Date(2024, 1, 1, 8, 0, 0, 250_000_000, bangkok)},
		{"03/04/2024 13:05", time.Date(2024, 4, 3, 13, 5, 0, 0, bangkok)},
		{"25/12/2024", time.Date(2024, 12, 25, 0, 0, 0, 0, bangkok)},
		{"12/25/2024 1:30 PM", time.Date(2024, 12, 25, 13, 30, 0, 0, bangkok)},
		{"05/01/2567 09:00:00", time.Date(2024, 1, 5, 9, 0, 0, 0, bangkok)},
		{"2567-01-05 09:00:00", time.Date(2024, 1, 5, 9, 0, 0, 0, bangkok)},
		{"5 Jan 2024 09:00", time.Date(2024, 1, 5, 9, 0, 0, 0, bangkok)},
		{"2024", time.Date(2024, 1, 1, 0, 0, 0, 0, bangkok)},
		{"Mon Jan 01 2024 08:00:00 GMT+0700 (Indochina Time)", time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := parser.Parse(tc.raw)
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", tc.raw, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("Parse(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestDateParserMonthFirst(t *testing.T) {
	parser := NewDateParser(time.UTC, false)
	got, err := parser.Parse("03/04/2024")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if got.Month() != time.March || got.Day() != 4 {
		t.Fatalf("expected March 4 with month-first parsing, got %s", got)
	}
}

func TestDateParserRejectsInvalid(t *testing.T) {
	parser := NewDateParser(time.UTC, true)
	for _, raw := range []string{"", "not-a-date", "31/02/2024", "32/01/2024", "2024-13-01", "-5", "10/10/2024 25:00", "1", "45292.5", "20240101"} {
		if got, err := parser.Parse(raw); err == nil {
			t.Fatalf("Parse(%q) should fail, got %s", raw, got)
		}
	}
}

func TestDateParserCellSerials(t *testing.T) {
	bangkok := time.FixedZone("ICT", 7*60*60)
	parser := NewDateParser(bangkok, true)

	cases := []struct {
		raw  string
		want time.Time
	}{
		{"45292.5", time.Date(2024, 1, 1, 12, 0, 0, 0, bangkok)},
		{"45292", time.Date(2024, 1, 1, 0, 0, 0, 0, bangkok)},
		{"2024-01-02 09:15:00", time.Date(2024, 1, 2, 9, 15, 0, 0, bangkok)},
	}
	for _, tc := range cases {
		got, err := parser.ParseCell(tc.raw)
		if err != nil {
			t.Fatalf("ParseCell(%q) returned error: %v", tc.raw, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("ParseCell(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
	if got, err := parser.ParseCell("0"); err == nil {
		t.Fatalf("serial 0 should fail, got %s", got)
	}
}
