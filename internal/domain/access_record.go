package domain

import (
	"strconv"
	"time"
)

// Direction enumerates the normalized travel direction of an access event.
type Direction string

const (
	DirectionIn      Direction = "IN"
	DirectionOut     Direction = "OUT"
	DirectionUnknown Direction = "UNKNOWN"
)

// AccessRecord is one normalized access-control event ready for persistence.
// OccurredAt, CardName and Location are always populated.
type AccessRecord struct {
	OccurredAt     time.Time `json:"occurred_at"`
	Day            int       `json:"day"`
	Month          int       `json:"month"`
	Year           int       `json:"year"`
	YearMonth      string    `json:"year_month"`
	TransactionID  *string   `json:"transaction_id,omitempty"`
	CardName       string    `json:"card_name"`
	Location       string    `json:"location"`
	Direction      Direction `json:"direction"`
	Allowed        bool      `json:"allowed"`
	UserType       *string   `json:"user_type,omitempty"`
	Door           *string   `json:"door,omitempty"`
	Device         *string   `json:"device,omitempty"`
	Reason         *string   `json:"reason,omitempty"`
	Channel        *string   `json:"channel,omitempty"`
	Permission     *string   `json:"permission,omitempty"`
	CardNumberHash *string   `json:"card_number_hash,omitempty"`
	IDHash         *string   `json:"id_hash,omitempty"`
	UserHash       *string   `json:"user_hash,omitempty"`
	Temperature    *float64  `json:"temperature,omitempty"`
	SourceFile     string    `json:"source_file"`
	RowNumber      int       `json:"row_number"`
	Warnings       []string  `json:"warnings,omitempty"`
}

// HasNaturalKey reports whether the record can be deduplicated against the store.
func (r AccessRecord) HasNaturalKey() bool {
	return r.TransactionID != nil && *r.TransactionID != ""
}

// FormatYearMonth renders the partition label used for reporting, e.g. 2024_01.
func FormatYearMonth(t time.Time) string {
	month := strconv.Itoa(int(t.Month()))
	if len(month) == 1 {
		month = "0" + month
	}
	return strconv.Itoa(t.Year()) + "_" + month
}
