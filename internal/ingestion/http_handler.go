package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/rpattn/accessingest/internal/domain"
	"github.com/rpattn/accessingest/internal/repository"

	"github.com/google/uuid"
)

// multipartOverhead is the slack allowed on top of the file limit for form boundaries and fields.
const multipartOverhead = 1 << 20

// DownloadLinkFunc returns a download URL for the retry file of a job.
type DownloadLinkFunc func(jobID uuid.UUID) (string, error)

// Handler exposes ingestion over HTTP:
//
//	POST /ingest                   multipart upload (file, policy, async)
//	POST /ingest/append            JSON records
//	GET  /ingest/jobs/{id}         job state
//	POST /ingest/jobs/{id}/cancel  cancel a running job
//	GET  /ingest/jobs/{id}/events  websocket progress stream
//	GET  /ingest/jobs/{id}/logs    persisted issues
type Handler struct {
	service      *Service
	jobs         *JobManager
	logRepo      repository.IngestionLogRepository
	downloadLink DownloadLinkFunc
	spoolDir     string
	logger       *slog.Logger
}

type HandlerOption func(*Handler)

func WithHandlerLogRepository(repo repository.IngestionLogRepository) HandlerOption {
	return func(h *Handler) {
		h.logRepo = repo
	}
}

func WithDownloadLinks(fn DownloadLinkFunc) HandlerOption {
	return func(h *Handler) {
		h.downloadLink = fn
	}
}

// WithSpoolDirectory sets where async uploads are copied before the request ends.
func WithSpoolDirectory(dir string) HandlerOption {
	return func(h *Handler) {
		h.spoolDir = dir
	}
}

// NewHTTPHandler wraps the service and job manager.
func NewHTTPHandler(service *Service, jobs *JobManager, opts ...HandlerOption) http.Handler {
	h := &Handler{
		service: service,
		jobs:    jobs,
		logger:  service.logger.With("component", "ingestion-http"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	segments := strings.Split(path, "/")
	if len(segments) > 0 && segments[0] == "ingest" {
		segments = segments[1:]
	}

	switch {
	case len(segments) == 0 && r.Method == http.MethodPost:
		h.handleUpload(w, r)
	case len(segments) == 1 && segments[0] == "append" && r.Method == http.MethodPost:
		h.handleAppend(w, r)
	case len(segments) >= 2 && segments[0] == "jobs":
		jobID, err := uuid.Parse(segments[1])
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid job id: %v", err), http.StatusBadRequest)
			return
		}
		action := ""
		if len(segments) > 2 {
			action = segments[2]
		}
		switch {
		case action == "" && r.Method == http.MethodGet:
			h.handleGetJob(w, jobID)
		case action == "cancel" && r.Method == http.MethodPost:
			h.handleCancel(w, jobID)
		case action == "events" && r.Method == http.MethodGet:
			h.handleEvents(w, r, jobID)
		case action == "logs" && r.Method == http.MethodGet:
			h.handleLogs(w, r, jobID)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

type reportResponse struct {
	domain.IngestionReport
	RetryDownloadURL *string `json:"retry_download_url,omitempty"`
}

type jobResponse struct {
	domain.IngestionJob
	RetryDownloadURL *string `json:"retry_download_url,omitempty"`
}

type errorResponse struct {
	Error string                `json:"error"`
	JobID *uuid.UUID            `json:"job_id,omitempty"`
	Phase domain.IngestionPhase `json:"phase,omitempty"`
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	limits := h.service.Limits()
	if limits.MaxFileSize > 0 {
		if r.ContentLength > limits.MaxFileSize+multipartOverhead {
			writeError(w, &FileTooLargeError{Size: r.ContentLength, Limit: limits.MaxFileSize})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limits.MaxFileSize+multipartOverhead)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, &FileTooLargeError{Size: maxErr.Limit, Limit: limits.MaxFileSize})
			return
		}
		http.Error(w, fmt.Sprintf("invalid form data: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("file required: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	policy, err := domain.ParseConflictPolicy(r.FormValue("policy"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := Request{
		FileName: header.Filename,
		Size:     header.Size,
		Data:     file,
		Policy:   policy,
	}

	async, _ := strconv.ParseBool(strings.TrimSpace(r.FormValue("async")))
	if async {
		h.startAsync(w, req, file)
		return
	}

	report, err := h.service.Ingest(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reportResponse{IngestionReport: report, RetryDownloadURL: h.retryLink(report.JobID, report.RetryFile)})
}

// startAsync copies the upload to a spool file, since multipart temp files vanish with the request.
func (h *Handler) startAsync(w http.ResponseWriter, req Request, file multipart.File) {
	if h.jobs == nil {
		http.Error(w, "async ingestion is not enabled", http.StatusNotImplemented)
		return
	}
	spool, err := os.CreateTemp(h.spoolDir, "ingest-*.upload")
	if err != nil {
		http.Error(w, fmt.Sprintf("spool upload: %v", err), http.StatusInternalServerError)
		return
	}
	release := func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}
	if _, err := io.Copy(spool, file); err != nil {
		release()
		http.Error(w, fmt.Sprintf("spool upload: %v", err), http.StatusInternalServerError)
		return
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		release()
		http.Error(w, fmt.Sprintf("spool upload: %v", err), http.StatusInternalServerError)
		return
	}
	req.Data = spool

	job, err := h.jobs.Start(req, release)
	if err != nil {
		release()
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type appendPayload struct {
	Policy  string           `json:"policy"`
	Source  string           `json:"source"`
	Records []map[string]any `json:"records"`
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	limits := h.service.Limits()
	if limits.MaxFileSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limits.MaxFileSize)
	}
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	var payload appendPayload
	if err := decoder.Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	policy, err := domain.ParseConflictPolicy(payload.Policy)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, err := h.service.Append(r.Context(), AppendRequest{Source: payload.Source, Records: payload.Records, Policy: policy})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetJob(w http.ResponseWriter, jobID uuid.UUID) {
	if h.jobs == nil {
		http.Error(w, "async ingestion is not enabled", http.StatusNotImplemented)
		return
	}
	job, err := h.jobs.Get(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	response := jobResponse{IngestionJob: job}
	if job.Report != nil {
		response.RetryDownloadURL = h.retryLink(job.Report.JobID, job.Report.RetryFile)
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) handleCancel(w http.ResponseWriter, jobID uuid.UUID) {
	if h.jobs == nil {
		http.Error(w, "async ingestion is not enabled", http.StatusNotImplemented)
		return
	}
	job, err := h.jobs.Cancel(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request, jobID uuid.UUID) {
	if h.logRepo == nil {
		http.Error(w, "ingestion logs are not enabled", http.StatusNotImplemented)
		return
	}
	query := r.URL.Query()
	limit := 200
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid limit: %v", err), http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid offset: %v", err), http.StatusBadRequest)
			return
		}
		offset = parsed
	}
	logs, err := h.logRepo.List(r.Context(), jobID, limit, offset)
	if err != nil {
		http.Error(w, fmt.Sprintf("list logs: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handler) retryLink(jobID string, retryFile *string) *string {
	if h.downloadLink == nil || retryFile == nil {
		return nil
	}
	id, err := uuid.Parse(jobID)
	if err != nil {
		return nil
	}
	link, err := h.downloadLink(id)
	if err != nil {
		h.logger.Warn("failed to build retry download link", "job_id", jobID, "error", err)
		return nil
	}
	return &link
}

func statusFor(err error) int {
	var (
		schemaErr      *SchemaError
		formatErr      *UnsupportedFormatError
		tooManyRowsErr *TooManyRowsError
		tooLargeErr    *FileTooLargeError
	)
	switch {
	case errors.As(err, &tooLargeErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrTooManyRecords), errors.As(err, &tooManyRowsErr):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &schemaErr), errors.Is(err, ErrEmptyFile):
		return http.StatusUnprocessableEntity
	case errors.As(err, &formatErr):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, errJobFinished), errors.Is(err, ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, ErrTimedOut):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrInternal):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func writeError(w http.ResponseWriter, err error) {
	response := errorResponse{Error: err.Error()}
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		id := jobErr.JobID
		response.Error = jobErr.Reason()
		response.JobID = &id
		response.Phase = jobErr.Phase
	}
	writeJSON(w, statusFor(err), response)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
