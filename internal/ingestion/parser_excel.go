package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Spreadsheet decoders need the whole payload; reading it is the byte-proportional part of parsing.
const payloadReadShare = 0.8

type xlsxSource struct {
	file  *excelize.File
	rows  *excelize.Rows
	total int
	read  int
}

func newXLSXSource(ctx context.Context, data io.Reader, size int64, limits Limits, progress ParseProgressFunc) (*xlsxSource, error) {
	payload, err := readPayload(ctx, data, size, limits.MaxFileSize, progress)
	if err != nil {
		return nil, err
	}

	file, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		_ = file.Close()
		return nil, ErrEmptyFile
	}
	sheet := sheets[0]

	total := 0
	if dimension, dimErr := file.GetSheetDimension(sheet); dimErr == nil {
		total = dimensionRows(dimension)
	}
	if limits.MaxRows > 0 && total-1 > limits.MaxRows {
		_ = file.Close()
		return nil, &TooManyRowsError{Rows: total - 1, Limit: limits.MaxRows}
	}

	rows, err := file.Rows(sheet)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
	}
	return &xlsxSource{file: file, rows: rows, total: total}, nil
}

func (s *xlsxSource) next() ([]string, error) {
	if !s.rows.Next() {
		if err := s.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	s.read++
	// Raw values keep date cells as serial numbers instead of locale-formatted text.
	return s.rows.Columns(excelize.Options{RawCellValue: true})
}

func (s *xlsxSource) fraction() float64 {
	if s.total <= 0 {
		return 0
	}
	return float64(s.read) / float64(s.total)
}

func (s *xlsxSource) close() error {
	return errors.Join(s.rows.Close(), s.file.Close())
}

// dimensionRows returns the last row number of a sheet dimension such as "A1:P2001".
func dimensionRows(dimension string) int {
	parts := strings.Split(dimension, ":")
	ref := strings.TrimSpace(parts[len(parts)-1])
	if ref == "" {
		return 0
	}
	_, row, err := excelize.CellNameToCoordinates(ref)
	if err != nil {
		return 0
	}
	return row
}

func readPayload(ctx context.Context, data io.Reader, size int64, maxBytes int64, progress ParseProgressFunc) ([]byte, error) {
	counter := &countingReader{reader: data, limit: maxBytes}
	buf := bytes.NewBuffer(make([]byte, 0, initialBufferSize(size, maxBytes)))
	chunk := make([]byte, 1<<20)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := counter.Read(chunk)
		buf.Write(chunk[:n])
		if size > 0 {
			progress(counter.fraction(size) * payloadReadShare)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read upload: %w", err)
		}
	}
	if buf.Len() == 0 {
		return nil, ErrEmptyFile
	}
	progress(payloadReadShare)
	return buf.Bytes(), nil
}

func initialBufferSize(size, maxBytes int64) int64 {
	if size <= 0 {
		return 64 << 10
	}
	if maxBytes > 0 && size > maxBytes {
		return maxBytes
	}
	return size
}
