package ingestion

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/rpattn/accessingest/internal/domain"
)

var (
	allowValues = map[string]bool{
		"true":    true,
		"t":       true,
		"1":       true,
		"yes":     true,
		"allow":   true,
		"allowed": true,
	}

	directionSynonyms = map[string]domain.Direction{
		"in":    domain.DirectionIn,
		"enter": domain.DirectionIn,
		"entry": domain.DirectionIn,
		"เข้า":  domain.DirectionIn,
		"out":   domain.DirectionOut,
		"exit":  domain.DirectionOut,
		"ออก":   domain.DirectionOut,
	}
)

// Cleaner turns structurally valid rows into access records.
type Cleaner struct {
	dates DateParser
}

// NewCleaner returns a cleaner that reads timestamps with dates.
func NewCleaner(dates DateParser) Cleaner {
	return Cleaner{dates: dates}
}

// ParseDate exposes the cleaner's timestamp rules so the validator can reject bad rows first.
// spreadsheet selects serial-number handling for cells read from workbooks.
func (c Cleaner) ParseDate(raw string, spreadsheet bool) (time.Time, error) {
	if spreadsheet {
		return c.dates.ParseCell(raw)
	}
	return c.dates.Parse(raw)
}

// Clean builds the record for row. occurredAt must come from ParseDate on the same row.
func (c Cleaner) Clean(row RawRow, mapping Mapping, occurredAt time.Time, sourceFile string) domain.AccessRecord {
	local := occurredAt.In(c.dates.Location())
	cardName, _ := mapping.Value(row, FieldCardName)
	location, _ := mapping.Value(row, FieldLocation)

	record := domain.AccessRecord{
		OccurredAt:     occurredAt,
		Day:            local.Day(),
		Month:          int(local.Month()),
		Year:           local.Year(),
		YearMonth:      domain.FormatYearMonth(local),
		TransactionID:  optionalString(mapping, row, FieldTransactionID),
		CardName:       cardName,
		Location:       location,
		Direction:      NormalizeDirection(valueOf(mapping, row, FieldDirection)),
		Allowed:        NormalizeAllow(valueOf(mapping, row, FieldAllow)),
		UserType:       optionalString(mapping, row, FieldUserType),
		Door:           optionalString(mapping, row, FieldDoor),
		Device:         optionalString(mapping, row, FieldDevice),
		Reason:         optionalString(mapping, row, FieldReason),
		Channel:        optionalString(mapping, row, FieldChannel),
		Permission:     optionalString(mapping, row, FieldPermission),
		CardNumberHash: optionalString(mapping, row, FieldCardNumberHash),
		IDHash:         optionalString(mapping, row, FieldIDHash),
		UserHash:       optionalString(mapping, row, FieldUserHash),
		Temperature:    optionalFloat(mapping, row, FieldTemperature),
		SourceFile:     sourceFile,
		RowNumber:      row.Number,
	}
	return record
}

// NormalizeAllow maps the allow/deny column to a boolean. Anything unrecognised is a deny.
func NormalizeAllow(raw string) bool {
	return allowValues[foldString(strings.TrimSpace(raw))]
}

// NormalizeDirection maps direction synonyms, including Thai labels, to IN, OUT or UNKNOWN.
func NormalizeDirection(raw string) domain.Direction {
	key := foldString(norm.NFC.String(strings.TrimSpace(raw)))
	if direction, ok := directionSynonyms[key]; ok {
		return direction
	}
	return domain.DirectionUnknown
}

func valueOf(mapping Mapping, row RawRow, field Field) string {
	value, _ := mapping.Value(row, field)
	return value
}

func optionalString(mapping Mapping, row RawRow, field Field) *string {
	value, ok := mapping.Value(row, field)
	if !ok {
		return nil
	}
	return &value
}

func optionalFloat(mapping Mapping, row RawRow, field Field) *float64 {
	value, ok := mapping.Value(row, field)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseFloat(strings.ReplaceAll(value, ",", "."), 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return nil
	}
	return &parsed
}

// cleanSafely runs Clean and turns a panic into ErrInternal so no row is dropped silently.
func (c Cleaner) cleanSafely(row RawRow, mapping Mapping, occurredAt time.Time, sourceFile string) (record domain.AccessRecord, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: cleaning row %d: %v", ErrInternal, row.Number, rec)
		}
	}()
	return c.Clean(row, mapping, occurredAt, sourceFile), nil
}
