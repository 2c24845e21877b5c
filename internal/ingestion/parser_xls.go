package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/extrame/xls"
)

// BIFF8 sheets are at most 256 columns wide.
const maxXLSColumns = 256

type xlsSource struct {
	sheet *xls.WorkSheet
	total int
	index int
	width int
}

func newXLSSource(ctx context.Context, data io.Reader, size int64, limits Limits, progress ParseProgressFunc) (*xlsSource, error) {
	payload, err := readPayload(ctx, data, size, limits.MaxFileSize, progress)
	if err != nil {
		return nil, err
	}
	workbook, err := xls.OpenReader(bytes.NewReader(payload), "utf-8")
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	if workbook == nil || workbook.NumSheets() == 0 {
		return nil, ErrEmptyFile
	}
	keepRawNumbers(workbook)
	sheet := workbook.GetSheet(0)
	if sheet == nil {
		return nil, ErrEmptyFile
	}

	total := int(sheet.MaxRow) + 1
	if limits.MaxRows > 0 && total-1 > limits.MaxRows {
		return nil, &TooManyRowsError{Rows: total - 1, Limit: limits.MaxRows}
	}
	return &xlsSource{sheet: sheet, total: total}, nil
}

// keepRawNumbers drops number formats so date cells render as serial numbers,
// the same shape the xlsx reader produces. Formatted output is lossy ("2024.01").
func keepRawNumbers(workbook *xls.WorkBook) {
	for _, xf := range workbook.Xfs {
		switch x := xf.(type) {
		case *xls.Xf8:
			x.Format = 0
		case *xls.Xf5:
			x.Format = 0
		}
	}
}

func (s *xlsSource) next() ([]string, error) {
	if s.index >= s.total {
		return nil, io.EOF
	}
	row := s.row(s.index)
	s.index++
	if row == nil {
		return []string{}, nil
	}

	width := row.LastCol()
	if width < s.width {
		width = s.width
	}
	if width == 0 {
		// Rows without a ROW record report no width.
		width = maxXLSColumns
	}
	cells := make([]string, width)
	for col := range cells {
		cells[col] = row.Col(col)
	}
	for len(cells) > 0 && strings.TrimSpace(cells[len(cells)-1]) == "" {
		cells = cells[:len(cells)-1]
	}
	if s.width == 0 {
		s.width = len(cells)
	}
	return cells, nil
}

// row returns nil for rows the sheet does not store; the library panics on them.
func (s *xlsSource) row(i int) (row *xls.Row) {
	defer func() {
		if recover() != nil {
			row = nil
		}
	}()
	return s.sheet.Row(i)
}

func (s *xlsSource) fraction() float64 {
	if s.total <= 0 {
		return 0
	}
	return float64(s.index) / float64(s.total)
}

func (s *xlsSource) close() error {
	return nil
}
