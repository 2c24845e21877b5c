package ingestion

import (
	"bufio"
	"encoding/csv"
	"io"
	"strings"
)

const byteOrderMark = "\ufeff"

type csvSource struct {
	counter *countingReader
	reader  *csv.Reader
	size    int64
	started bool
}

func newCSVSource(data io.Reader, size int64, maxBytes int64) *csvSource {
	counter := &countingReader{reader: data, limit: maxBytes}
	reader := csv.NewReader(bufio.NewReaderSize(counter, 1<<16))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true
	return &csvSource{counter: counter, reader: reader, size: size}
}

func (s *csvSource) next() ([]string, error) {
	record, err := s.reader.Read()
	if err != nil {
		return nil, err
	}
	cells := make([]string, len(record))
	copy(cells, record)
	if !s.started {
		s.started = true
		if len(cells) > 0 {
			cells[0] = strings.TrimPrefix(cells[0], byteOrderMark)
		}
	}
	return cells, nil
}

func (s *csvSource) fraction() float64 {
	return s.counter.fraction(s.size)
}

func (s *csvSource) close() error {
	return nil
}
