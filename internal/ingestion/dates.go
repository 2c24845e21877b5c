package ingestion

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	errUnparseableDate = errors.New("unrecognized date format")

	zonedLayouts = []string{
		time.RFC3339Nano,
		time.RFC1123Z,
		time.RFC1123,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05 -0700",
		"Mon Jan 02 2006 15:04:05 GMT-0700",
	}

	// Fractional seconds are accepted after the seconds field without appearing in the layout.
	localLayouts = []string{
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006-01-02",
		"2006/01/02 15:04:05",
		"2006/01/02 15:04",
		"2006/01/02",
		"2 Jan 2006 15:04:05",
		"2 Jan 2006 15:04",
		"2 Jan 2006",
		"2 January 2006 15:04:05",
		"2 January 2006",
		"2-Jan-2006 15:04:05",
		"2-Jan-2006",
		"Jan 2, 2006 15:04:05",
		"Jan 2, 2006 3:04:05 PM",
		"Jan 2, 2006",
		"January 2, 2006 15:04:05",
		"January 2, 2006",
	}

	bareYearPattern = regexp.MustCompile(`^[12]\d{3}$`)

	numericDatePattern = regexp.MustCompile(
		`^(\d{1,2})[/.\-](\d{1,2})[/.\-](\d{4}|\d{2})(?:[ T,]+(\d{1,2}):(\d{2})(?::(\d{2}))?(?:\.\d+)?\s*([AaPp][Mm])?)?$`,
	)
)

const (
	// Day zero of the 1900 spreadsheet date system, including the 1900 leap-year quirk.
	spreadsheetEpochYear  = 1899
	spreadsheetEpochMonth = time.December
	spreadsheetEpochDay   = 30
	maxSpreadsheetSerial  = 2958465 // 9999-12-31

	buddhistEraThreshold = 2400
	buddhistEraOffset    = 543
)

// DateParser reads the timestamp formats produced by access-control exports.
type DateParser struct {
	loc      *time.Location
	dayFirst bool
}

// NewDateParser returns a parser that interprets zone-less values in loc.
// Ambiguous numeric dates such as 03/04/2024 are read day-first when dayFirst is set.
func NewDateParser(loc *time.Location, dayFirst bool) DateParser {
	if loc == nil {
		loc = time.UTC
	}
	return DateParser{loc: loc, dayFirst: dayFirst}
}

// Location returns the zone used for zone-less values and derived calendar fields.
func (p DateParser) Location() *time.Location {
	if p.loc == nil {
		return time.UTC
	}
	return p.loc
}

// Parse converts a text timestamp into an instant, or fails with errUnparseableDate.
// A bare four-digit number is read as the start of that year; other bare numbers are rejected.
func (p DateParser) Parse(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, errUnparseableDate
	}
	// JavaScript Date strings carry a trailing "(Zone Name)".
	if idx := strings.Index(value, " ("); idx > 0 && strings.HasSuffix(value, ")") {
		value = value[:idx]
	}

	if _, err := strconv.ParseFloat(value, 64); err == nil {
		if !bareYearPattern.MatchString(value) {
			return time.Time{}, fmt.Errorf("%w: bare number %s", errUnparseableDate, value)
		}
		year, _ := strconv.Atoi(value)
		if year >= buddhistEraThreshold {
			year -= buddhistEraOffset
		}
		return time.Date(year, time.January, 1, 0, 0, 0, 0, p.Location()), nil
	}

	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return normalizeEra(t), nil
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, p.Location()); err == nil {
			return normalizeEra(t), nil
		}
	}
	if t, ok := p.parseNumericDate(value); ok {
		return t, nil
	}
	return time.Time{}, errUnparseableDate
}

// ParseCell reads a spreadsheet cell: numbers are serial dates in the 1900 system,
// anything else follows Parse.
func (p DateParser) ParseCell(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if serial, err := strconv.ParseFloat(value, 64); err == nil {
		return p.fromSerial(serial)
	}
	return p.Parse(value)
}

func (p DateParser) fromSerial(serial float64) (time.Time, error) {
	if math.IsNaN(serial) || serial <= 0 || serial > maxSpreadsheetSerial {
		return time.Time{}, fmt.Errorf("%w: serial %v out of range", errUnparseableDate, serial)
	}
	days := math.Floor(serial)
	seconds := math.Round((serial - days) * 86400)
	epoch := time.Date(spreadsheetEpochYear, spreadsheetEpochMonth, spreadsheetEpochDay, 0, 0, 0, 0, p.Location())
	return epoch.AddDate(0, 0, int(days)).Add(time.Duration(seconds) * time.Second), nil
}

func (p DateParser) parseNumericDate(value string) (time.Time, bool) {
	match := numericDatePattern.FindStringSubmatch(value)
	if match == nil {
		return time.Time{}, false
	}
	first, _ := strconv.Atoi(match[1])
	second, _ := strconv.Atoi(match[2])
	year, _ := strconv.Atoi(match[3])
	if len(match[3]) == 2 {
		if year < 70 {
			year += 2000
		} else {
			year += 1900
		}
	}

	day, month := first, second
	switch {
	case first > 12 && second <= 12:
		day, month = first, second
	case second > 12 && first <= 12:
		day, month = second, first
	case !p.dayFirst:
		day, month = second, first
	}

	hour, minute, sec := 0, 0, 0
	if match[4] != "" {
		hour, _ = strconv.Atoi(match[4])
		minute, _ = strconv.Atoi(match[5])
		if match[6] != "" {
			sec, _ = strconv.Atoi(match[6])
		}
		switch strings.ToUpper(match[7]) {
		case "PM":
			if hour < 12 {
				hour += 12
			}
		case "AM":
			if hour == 12 {
				hour = 0
			}
		}
	}
	if year >= buddhistEraThreshold {
		year -= buddhistEraOffset
	}
	if month < 1 || month > 12 || day < 1 || hour > 23 || minute > 59 || sec > 59 {
		return time.Time{}, false
	}

	t := time.Date(year, time.Month(month), day, hour, minute, sec, 0, p.Location())
	if t.Day() != day || int(t.Month()) != month {
		// time.Date normalises 31/02 into March; treat that as invalid input.
		return time.Time{}, false
	}
	return t, true
}

func normalizeEra(t time.Time) time.Time {
	if t.Year() >= buddhistEraThreshold {
		return t.AddDate(-buddhistEraOffset, 0, 0)
	}
	return t
}
