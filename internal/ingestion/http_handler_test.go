package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rpattn/accessingest/internal/domain"
	"github.com/rpattn/accessingest/internal/repository"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func multipartUpload(t *testing.T, fileName, content string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("WriteField returned error: %v", err)
		}
	}
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("CreateFormFile returned error: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/ingest", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

type handlerFixture struct {
	handler http.Handler
	service *Service
	jobs    *JobManager
	logs    *repository.MemoryIngestionLogRepository
}

func newHandlerFixture(t *testing.T, store repository.AccessRecordRepository, opts ...Option) handlerFixture {
	t.Helper()
	logs := repository.NewMemoryIngestionLogRepository()
	service := newTestService(store, append([]Option{WithLogRepository(logs)}, opts...)...)
	jobs := NewJobManager(service)
	handler := NewHTTPHandler(service, jobs,
		WithHandlerLogRepository(logs),
		WithDownloadLinks(func(id uuid.UUID) (string, error) { return "/retry-files/" + id.String(), nil }),
		WithSpoolDirectory(t.TempDir()),
	)
	return handlerFixture{handler: handler, service: service, jobs: jobs, logs: logs}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func TestHandlerSyncUpload(t *testing.T) {
	store := newScriptedStore()
	store.failures[4] = []error{errors.New("connection reset")}
	fixture := newHandlerFixture(t, store, WithRetryFiles(&stubRetryFiles{}))

	data := "Date Time,Card Name,Location\n" +
		"2024-01-01 08:00:00,A,Lobby\n" +
		"2024-01-01 08:01:00,B,Lobby\n" +
		"2024-01-01 08:02:00,C,Lobby\n" +
		"never,D,Lobby\n"
	rec := httptest.NewRecorder()
	fixture.handler.ServeHTTP(rec, multipartUpload(t, "gate.csv", data, map[string]string{"policy": "skip-duplicates"}))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report reportResponse
	decodeBody(t, rec, &report)
	if report.TotalRows != 4 || report.InsertedRows != 2 || report.RejectedRows != 1 || report.RecordsInFailedBatches != 1 {
		t.Fatalf("unexpected report: %+v", report.IngestionReport)
	}
	if report.RetryDownloadURL == nil || *report.RetryDownloadURL != "/retry-files/"+report.JobID {
		t.Fatalf("expected a retry download link, got %v", report.RetryDownloadURL)
	}

	logsReq := httptest.NewRequest(http.MethodGet, "/ingest/jobs/"+report.JobID+"/logs?limit=1", nil)
	logsRec := httptest.NewRecorder()
	fixture.handler.ServeHTTP(logsRec, logsReq)
	var entries []domain.IngestionLogEntry
	decodeBody(t, logsRec, &entries)
	if logsRec.Code != http.StatusOK || len(entries) != 1 {
		t.Fatalf("expected one paged log entry, got %d: %+v", logsRec.Code, entries)
	}
}

func TestHandlerUploadErrors(t *testing.T) {
	fixture := newHandlerFixture(t, repository.NewMemoryAccessRecordRepository())

	cases := []struct {
		name   string
		file   string
		data   string
		policy string
		want   int
	}{
		{"unsupported format", "gate.txt", "x", "skip-duplicates", http.StatusUnsupportedMediaType},
		{"missing column", "gate.csv", "Date Time,Card Name\n2024-01-01,A\n", "skip-duplicates", http.StatusUnprocessableEntity},
		{"empty file", "gate.csv", "Date Time,Card Name,Location\n", "skip-duplicates", http.StatusUnprocessableEntity},
		{"bad policy", "gate.csv", "Date Time,Card Name,Location\n", "merge", http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		fixture.handler.ServeHTTP(rec, multipartUpload(t, tc.file, tc.data, map[string]string{"policy": tc.policy}))
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d: %s", tc.name, tc.want, rec.Code, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	fixture.handler.ServeHTTP(rec, multipartUpload(t, "gate.txt", "x", map[string]string{"policy": "skip-duplicates"}))
	var body errorResponse
	decodeBody(t, rec, &body)
	if body.JobID == nil || body.Phase != domain.IngestionPhaseIdle || !strings.Contains(body.Error, "unsupported file format") {
		t.Fatalf("expected job context in the error body, got %+v", body)
	}
}

func TestHandlerAsyncUploadAndJobLookup(t *testing.T) {
	fixture := newHandlerFixture(t, repository.NewMemoryAccessRecordRepository())

	rec := httptest.NewRecorder()
	fixture.handler.ServeHTTP(rec, multipartUpload(t, "gate.csv", threeRowFile, map[string]string{
		"policy": "overwrite-duplicates",
		"async":  "true",
	}))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var queued domain.IngestionJob
	decodeBody(t, rec, &queued)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := fixture.jobs.Wait(ctx, queued.ID); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	getRec := httptest.NewRecorder()
	fixture.handler.ServeHTTP(getRec, httptest.NewRequest(http.MethodGet, "/ingest/jobs/"+queued.ID.String(), nil))
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", getRec.Code)
	}
	var job jobResponse
	decodeBody(t, getRec, &job)
	if job.Phase != domain.IngestionPhaseCompleted || job.Report == nil || job.Report.InsertedRows != 3 {
		t.Fatalf("unexpected job: %+v", job.IngestionJob)
	}
	if job.Report.Policy != domain.ConflictPolicyOverwrite {
		t.Fatalf("expected the overwrite policy to be kept, got %s", job.Report.Policy)
	}

	cancelRec := httptest.NewRecorder()
	fixture.handler.ServeHTTP(cancelRec, httptest.NewRequest(http.MethodPost, "/ingest/jobs/"+queued.ID.String()+"/cancel", nil))
	if cancelRec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a finished job, got %d", cancelRec.Code)
	}
}

func TestHandlerJobRoutes(t *testing.T) {
	fixture := newHandlerFixture(t, repository.NewMemoryAccessRecordRepository())

	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/ingest/jobs/not-a-uuid", http.StatusBadRequest},
		{http.MethodGet, "/ingest/jobs/" + uuid.NewString(), http.StatusNotFound},
		{http.MethodPost, "/ingest/jobs/" + uuid.NewString() + "/cancel", http.StatusNotFound},
		{http.MethodGet, "/ingest/jobs/" + uuid.NewString() + "/logs?limit=x", http.StatusBadRequest},
		{http.MethodDelete, "/ingest", http.StatusNotFound},
		{http.MethodGet, "/ingest/unknown", http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		fixture.handler.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != tc.want {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.want, rec.Code)
		}
	}
}

func TestHandlerAppend(t *testing.T) {
	store := repository.NewMemoryAccessRecordRepository()
	fixture := newHandlerFixture(t, store)

	payload := `{"policy":"skip-duplicates","source":"badge-api","records":[
		{"Date Time":"2024-01-01 08:00:00","Card Name":"A","Location":"Lobby","Temp.":36.6,"Allow":true},
		{"Date Time":"2024-01-01 08:01:00","Card Name":"","Location":"Lobby"}
	]}`
	rec := httptest.NewRecorder()
	fixture.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ingest/append", strings.NewReader(payload)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result AppendResult
	decodeBody(t, rec, &result)
	if result.Inserted != 1 || result.Rejected != 1 || len(result.Errors) != 1 {
		t.Fatalf("unexpected append result: %+v", result)
	}
	stored := store.Records()
	if len(stored) != 1 || stored[0].Temperature == nil || *stored[0].Temperature != 36.6 || !stored[0].Allowed {
		t.Fatalf("unexpected stored record: %+v", stored)
	}

	badRec := httptest.NewRecorder()
	fixture.handler.ServeHTTP(badRec, httptest.NewRequest(http.MethodPost, "/ingest/append", strings.NewReader("{")))
	if badRec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", badRec.Code)
	}
}

func TestHandlerAppendOverLimit(t *testing.T) {
	settings := testSettings()
	settings.Limits.MaxAppendRecords = 1
	service := NewService(repository.NewMemoryAccessRecordRepository(), settings)
	handler := NewHTTPHandler(service, NewJobManager(service))

	payload := `{"policy":"skip-duplicates","records":[{},{}]}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ingest/append", strings.NewReader(payload)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestHandlerStreamsJobEvents(t *testing.T) {
	store := newGatedStore()
	fixture := newHandlerFixture(t, store)
	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	job, err := fixture.jobs.Start(csvRequest("gate.csv", threeRowFile, domain.ConflictPolicySkip), nil)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ingest/jobs/" + job.ID.String() + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial returned error: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first wsMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first message: %v", err)
	}
	if first.Type != "job" || first.Job == nil || first.Job.ID != job.ID {
		t.Fatalf("expected the job snapshot first, got %+v", first)
	}
	close(store.release)

	var last wsMessage
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("expected a normal close, got %v", err)
			}
			break
		}
		last = msg
	}
	if last.Type != "job" || last.Job == nil || last.Job.Phase != domain.IngestionPhaseCompleted {
		t.Fatalf("expected the final job snapshot last, got %+v", last)
	}
}
