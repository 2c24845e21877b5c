package ingestion

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Field is a canonical column of an access-log file.
type Field string

const (
	FieldDateTime       Field = "dateTime"
	FieldCardName       Field = "cardName"
	FieldLocation       Field = "location"
	FieldAllow          Field = "allow"
	FieldDirection      Field = "direction"
	FieldUserType       Field = "userType"
	FieldTransactionID  Field = "transactionId"
	FieldDoor           Field = "door"
	FieldDevice         Field = "device"
	FieldReason         Field = "reason"
	FieldChannel        Field = "channel"
	FieldCardNumberHash Field = "cardNumberHash"
	FieldIDHash         Field = "idHash"
	FieldUserHash       Field = "userHash"
	FieldPermission     Field = "permission"
	FieldTemperature    Field = "temp"
)

type fieldSpec struct {
	field    Field
	header   string
	aliases  []string
	required bool
}

// Required fields come first; their order decides which one a SchemaError names.
var fieldSpecs = []fieldSpec{
	{field: FieldDateTime, header: "Date Time", required: true},
	{field: FieldCardName, header: "Card Name", required: true},
	{field: FieldLocation, header: "Location", required: true},
	{field: FieldAllow, header: "Allow"},
	{field: FieldDirection, header: "Direction"},
	{field: FieldUserType, header: "User Type"},
	{field: FieldTransactionID, header: "Transaction ID"},
	{field: FieldDoor, header: "Door"},
	{field: FieldDevice, header: "Device"},
	{field: FieldReason, header: "Reason"},
	{field: FieldChannel, header: "Channel"},
	{field: FieldCardNumberHash, header: "Card Number Hash"},
	{field: FieldIDHash, header: "ID Hash"},
	{field: FieldUserHash, header: "User Hash"},
	{field: FieldPermission, header: "Permission"},
	{field: FieldTemperature, header: "Temp.", aliases: []string{"Temp"}},
}

// CanonicalHeaders lists the header text of every known field in file order.
func CanonicalHeaders() []string {
	headers := make([]string, len(fieldSpecs))
	for i, spec := range fieldSpecs {
		headers[i] = spec.header
	}
	return headers
}

// CanonicalHeader returns the header text written for a field.
func CanonicalHeader(field Field) string {
	for _, spec := range fieldSpecs {
		if spec.field == field {
			return spec.header
		}
	}
	return string(field)
}

// RawRow is one data row as read from the file, before cleaning.
type RawRow struct {
	Number int
	Cells  []string
}

// Blank reports whether every cell is empty or whitespace.
func (r RawRow) Blank() bool {
	for _, cell := range r.Cells {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// Mapping resolves canonical fields to column positions of one file.
type Mapping struct {
	headers []string
	index   map[Field]int

	// set for workbook sources, where numeric date cells are serial numbers
	spreadsheet bool
}

// MapHeaders matches raw header cells to canonical fields, ignoring case and surrounding space.
func MapHeaders(headers []string) (Mapping, error) {
	positions := make(map[string]int, len(headers))
	cleaned := make([]string, len(headers))
	for i, raw := range headers {
		cleaned[i] = strings.TrimSpace(strings.TrimPrefix(raw, byteOrderMark))
		key := headerKey(raw)
		if key == "" {
			continue
		}
		if _, exists := positions[key]; !exists {
			positions[key] = i
		}
	}

	mapping := Mapping{headers: cleaned, index: make(map[Field]int, len(fieldSpecs))}
	for _, spec := range fieldSpecs {
		idx, ok := positions[headerKey(spec.header)]
		for _, alias := range spec.aliases {
			if ok {
				break
			}
			idx, ok = positions[headerKey(alias)]
		}
		if !ok {
			if spec.required {
				return Mapping{}, &SchemaError{Missing: spec.header, Headers: cleaned}
			}
			continue
		}
		mapping.index[spec.field] = idx
	}
	return mapping, nil
}

// Has reports whether the file carries the field.
func (m Mapping) Has(field Field) bool {
	_, ok := m.index[field]
	return ok
}

// SpreadsheetCells reports whether the rows come from a workbook rather than text.
func (m Mapping) SpreadsheetCells() bool {
	return m.spreadsheet
}

// Headers returns the trimmed header cells of the file.
func (m Mapping) Headers() []string {
	return append([]string(nil), m.headers...)
}

// Value returns the trimmed cell for field, reporting false when it is absent or blank.
func (m Mapping) Value(row RawRow, field Field) (string, bool) {
	idx, ok := m.index[field]
	if !ok || idx >= len(row.Cells) {
		return "", false
	}
	value := strings.TrimSpace(row.Cells[idx])
	if value == "" {
		return "", false
	}
	return value, true
}

func headerKey(raw string) string {
	value := strings.TrimSpace(strings.TrimPrefix(raw, byteOrderMark))
	return foldString(norm.NFC.String(value))
}

// foldString case-folds s, skipping the Unicode caser for plain ASCII input.
func foldString(s string) string {
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			ascii = false
			break
		}
	}
	if ascii {
		return strings.ToLower(s)
	}
	return cases.Fold().String(s)
}
