package ingestion

import (
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/rpattn/accessingest/internal/domain"
)

// recordRow renders a record back into file columns, in CanonicalHeaders order,
// so failed batches can be written out and ingested again.
func recordRow(record domain.AccessRecord) []string {
	row := make([]string, len(fieldSpecs))
	for i, spec := range fieldSpecs {
		switch spec.field {
		case FieldDateTime:
			row[i] = record.OccurredAt.Format(time.RFC3339)
		case FieldCardName:
			row[i] = record.CardName
		case FieldLocation:
			row[i] = record.Location
		case FieldAllow:
			row[i] = strconv.FormatBool(record.Allowed)
		case FieldDirection:
			row[i] = string(record.Direction)
		case FieldUserType:
			row[i] = deref(record.UserType)
		case FieldTransactionID:
			row[i] = deref(record.TransactionID)
		case FieldDoor:
			row[i] = deref(record.Door)
		case FieldDevice:
			row[i] = deref(record.Device)
		case FieldReason:
			row[i] = deref(record.Reason)
		case FieldChannel:
			row[i] = deref(record.Channel)
		case FieldCardNumberHash:
			row[i] = deref(record.CardNumberHash)
		case FieldIDHash:
			row[i] = deref(record.IDHash)
		case FieldUserHash:
			row[i] = deref(record.UserHash)
		case FieldPermission:
			row[i] = deref(record.Permission)
		case FieldTemperature:
			if record.Temperature != nil {
				row[i] = strconv.FormatFloat(*record.Temperature, 'f', -1, 64)
			}
		}
	}
	return row
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// rowsFromObjects turns JSON objects keyed by header text into raw rows laid out
// in CanonicalHeaders order. Unknown keys are ignored. Row numbers are 1-based positions.
func rowsFromObjects(objects []map[string]any) []RawRow {
	columns := make(map[string]int, len(fieldSpecs))
	for i, spec := range fieldSpecs {
		columns[headerKey(spec.header)] = i
		for _, alias := range spec.aliases {
			columns[headerKey(alias)] = i
		}
	}

	rows := make([]RawRow, len(objects))
	for i, object := range objects {
		cells := make([]string, len(fieldSpecs))
		for key, value := range object {
			if col, ok := columns[headerKey(key)]; ok {
				cells[col] = stringifyValue(value)
			}
		}
		rows[i] = RawRow{Number: i + 1, Cells: cells}
	}
	return rows
}

func stringifyValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

// sliceRows is a RowReader over rows already in memory.
type sliceRows struct {
	mapping Mapping
	rows    []RawRow
	next    int
}

func newSliceRows(rows []RawRow) (*sliceRows, error) {
	mapping, err := MapHeaders(CanonicalHeaders())
	if err != nil {
		return nil, err
	}
	return &sliceRows{mapping: mapping, rows: rows}, nil
}

func (s *sliceRows) Mapping() Mapping {
	return s.mapping
}

func (s *sliceRows) Next() (RawRow, error) {
	if s.next >= len(s.rows) {
		return RawRow{}, io.EOF
	}
	row := s.rows[s.next]
	s.next++
	return row, nil
}

func (s *sliceRows) Fraction() float64 {
	if len(s.rows) == 0 {
		return 1
	}
	return float64(s.next) / float64(len(s.rows))
}

func (s *sliceRows) Close() error {
	return nil
}
