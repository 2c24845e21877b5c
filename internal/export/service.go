package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrFileNotFound is returned when no retry file exists for a job.
var ErrFileNotFound = errors.New("retry file not found")

// File describes a retry file written for one ingestion job.
type File struct {
	JobID        uuid.UUID `json:"job_id"`
	Path         string    `json:"path"`
	RowsExported int       `json:"rows_exported"`
	BytesWritten int64     `json:"bytes_written"`
	CreatedAt    time.Time `json:"created_at"`
}

// Service writes the records of failed batches to CSV files that can be re-ingested,
// and hands out short-lived download links for them.
type Service struct {
	exportDir string
	now       func() time.Time
	logger    *slog.Logger

	downloadSigner *downloadSigner

	mu    sync.RWMutex
	files map[uuid.UUID]File
}

type Option func(*Service)

func WithExportDirectory(dir string) Option {
	return func(s *Service) {
		if strings.TrimSpace(dir) != "" {
			s.exportDir = filepath.Clean(dir)
		}
	}
}

// WithDownloadTokenTTL sets how long a download link stays valid.
func WithDownloadTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.downloadSigner = newDownloadSigner(ttl)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger.With("component", "retry_files")
		}
	}
}

func NewService(opts ...Option) *Service {
	service := &Service{
		exportDir: filepath.Join(os.TempDir(), "accessingest-retries"),
		now:       time.Now,
		logger:    slog.Default(),
		files:     make(map[uuid.UUID]File),
	}
	for _, opt := range opts {
		opt(service)
	}
	if service.downloadSigner == nil {
		service.downloadSigner = newDownloadSigner(defaultTokenTTL)
	}
	return service
}

// WriteRows writes header and rows to a CSV file for jobID and returns its final path.
// A later call for the same job replaces the earlier file.
func (s *Service) WriteRows(ctx context.Context, jobID uuid.UUID, sourceFile string, header []string, rows [][]string) (string, error) {
	if strings.TrimSpace(s.exportDir) == "" {
		return "", errors.New("export directory is not configured")
	}
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure export directory: %w", err)
	}

	finalPath := filepath.Join(s.exportDir, retryFileName(sourceFile, jobID))
	written, err := writeAtomically(finalPath, func(w io.Writer) error {
		return writeCSV(ctx, w, header, rows)
	})
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.files[jobID] = File{
		JobID:        jobID,
		Path:         finalPath,
		RowsExported: len(rows),
		BytesWritten: written,
		CreatedAt:    s.now(),
	}
	s.mu.Unlock()
	s.logger.Info("retry file written", "job_id", jobID, "rows", len(rows), "bytes", written, "path", finalPath)
	return finalPath, nil
}

// Lookup returns the retry file recorded for jobID.
func (s *Service) Lookup(jobID uuid.UUID) (File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	file, ok := s.files[jobID]
	if !ok {
		return File{}, ErrFileNotFound
	}
	return file, nil
}

// BuildDownloadURL signs a short-lived download URL for a job's retry file.
func (s *Service) BuildDownloadURL(jobID uuid.UUID) (string, error) {
	if _, err := s.Lookup(jobID); err != nil {
		return "", err
	}
	query := url.Values{"token": []string{s.downloadSigner.Sign(jobID, s.now())}}
	return "/retry-files/" + jobID.String() + "?" + query.Encode(), nil
}

// ValidateDownloadToken checks a token produced by BuildDownloadURL.
func (s *Service) ValidateDownloadToken(jobID uuid.UUID, token string) error {
	return s.downloadSigner.Verify(jobID, token, s.now())
}

// Open opens the retry file of jobID for streaming to a client.
func (s *Service) Open(jobID uuid.UUID) (*os.File, File, error) {
	meta, err := s.Lookup(jobID)
	if err != nil {
		return nil, File{}, err
	}
	file, err := os.Open(meta.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, File{}, ErrFileNotFound
		}
		return nil, File{}, fmt.Errorf("open retry file: %w", err)
	}
	return file, meta, nil
}

func writeCSV(ctx context.Context, w io.Writer, header []string, rows [][]string) error {
	out := csv.NewWriter(w)
	if err := out.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, row := range rows {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := out.Write(row); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	out.Flush()
	return out.Error()
}

// writeAtomically fills a temp file next to path and renames it into place,
// so readers never observe a partial file.
func writeAtomically(path string, fill func(io.Writer) error) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".retry-*.csv.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp retry file: %w", err)
	}
	promoted := false
	defer func() {
		if !promoted {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	buffered := bufio.NewWriterSize(tmp, 1<<20)
	counter := &countingWriter{w: buffered}
	if err := fill(counter); err != nil {
		return 0, err
	}
	if err := buffered.Flush(); err != nil {
		return 0, fmt.Errorf("flush retry file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("sync retry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close retry file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("promote retry file: %w", err)
	}
	promoted = true
	return counter.n, nil
}

// retryFileName derives "<source-stem>-retry-<job>.csv" from the uploaded file name.
func retryFileName(sourceFile string, jobID uuid.UUID) string {
	stem := strings.TrimSuffix(filepath.Base(sourceFile), filepath.Ext(sourceFile))
	stem = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, strings.ToLower(strings.TrimSpace(stem)))
	stem = strings.Trim(stem, "-")
	if stem == "" {
		stem = "ingest"
	}
	return stem + "-retry-" + jobID.String() + ".csv"
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
