package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// Format is a supported upload format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatXLS  Format = "xls"
)

// DetectFormat picks the parser from the file extension.
func DetectFormat(fileName string) (Format, error) {
	switch strings.ToLower(filepath.Ext(strings.TrimSpace(fileName))) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	case ".xls":
		return FormatXLS, nil
	default:
		return "", &UnsupportedFormatError{FileName: fileName}
	}
}

// Limits are the hard ceilings enforced before and during parsing.
type Limits struct {
	MaxFileSize      int64
	MaxRows          int
	MaxAppendRecords int
}

// DefaultLimits returns the production ceilings: 500 MB, 2,000,000 rows, 10,000 appended records.
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize:      500 << 20,
		MaxRows:          2_000_000,
		MaxAppendRecords: 10_000,
	}
}

// CheckSize rejects a declared size above the file ceiling.
func (l Limits) CheckSize(size int64) error {
	if l.MaxFileSize > 0 && size > l.MaxFileSize {
		return &FileTooLargeError{Size: size, Limit: l.MaxFileSize}
	}
	return nil
}

// RowReader yields the data rows of one file lazily. Next returns io.EOF after the last row.
type RowReader interface {
	Mapping() Mapping
	Next() (RawRow, error)
	// Fraction is the share of the input consumed so far, between 0 and 1.
	Fraction() float64
	Close() error
}

// ParseProgressFunc receives the parse-phase fraction, between 0 and 1.
type ParseProgressFunc func(fraction float64)

// OpenRows prepares a RowReader for data. The header is read and mapped before it returns,
// so schema and emptiness problems surface here.
func OpenRows(ctx context.Context, format Format, data io.Reader, size int64, limits Limits, progress ParseProgressFunc) (RowReader, error) {
	if data == nil {
		return nil, errors.New("data reader is required")
	}
	if err := limits.CheckSize(size); err != nil {
		return nil, err
	}
	if progress == nil {
		progress = func(float64) {}
	}

	var (
		src cellSource
		err error
	)
	switch format {
	case FormatCSV:
		src = newCSVSource(data, size, limits.MaxFileSize)
	case FormatXLSX:
		src, err = newXLSXSource(ctx, data, size, limits, progress)
	case FormatXLS:
		src, err = newXLSSource(ctx, data, size, limits, progress)
	default:
		return nil, &UnsupportedFormatError{FileName: string(format)}
	}
	if err != nil {
		return nil, err
	}

	reader, err := newRowReader(src, limits.MaxRows)
	if err != nil {
		_ = src.close()
		return nil, err
	}
	reader.mapping.spreadsheet = format == FormatXLSX || format == FormatXLS
	progress(1)
	return reader, nil
}

// cellSource is the format-specific part of a RowReader.
type cellSource interface {
	next() ([]string, error)
	fraction() float64
	close() error
}

type rowReader struct {
	src        cellSource
	mapping    Mapping
	pending    []string
	hasPending bool
	number     int
	maxRows    int
}

func newRowReader(src cellSource, maxRows int) (*rowReader, error) {
	header, err := src.next()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	mapping, err := MapHeaders(header)
	if err != nil {
		return nil, err
	}
	first, err := src.next()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("read row 2: %w", err)
	}
	return &rowReader{
		src:        src,
		mapping:    mapping,
		pending:    first,
		hasPending: true,
		number:     1,
		maxRows:    maxRows,
	}, nil
}

func (r *rowReader) Mapping() Mapping {
	return r.mapping
}

func (r *rowReader) Next() (RawRow, error) {
	var cells []string
	if r.hasPending {
		cells = r.pending
		r.pending = nil
		r.hasPending = false
	} else {
		next, err := r.src.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return RawRow{}, io.EOF
			}
			return RawRow{}, fmt.Errorf("read row %d: %w", r.number+1, err)
		}
		cells = next
	}
	r.number++
	if r.maxRows > 0 && r.number-1 > r.maxRows {
		return RawRow{}, &TooManyRowsError{Limit: r.maxRows}
	}
	return RawRow{Number: r.number, Cells: cells}, nil
}

func (r *rowReader) Fraction() float64 {
	return clampFraction(r.src.fraction())
}

func (r *rowReader) Close() error {
	return r.src.close()
}

// countingReader tracks bytes read and stops once limit is crossed.
type countingReader struct {
	reader io.Reader
	limit  int64
	count  atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.reader.Read(p)
	total := c.count.Add(int64(n))
	if c.limit > 0 && total > c.limit {
		return n, &FileTooLargeError{Size: total, Limit: c.limit}
	}
	return n, err
}

func (c *countingReader) fraction(size int64) float64 {
	if size <= 0 {
		return 0
	}
	return clampFraction(float64(c.count.Load()) / float64(size))
}

func clampFraction(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
