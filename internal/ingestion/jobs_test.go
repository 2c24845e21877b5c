package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rpattn/accessingest/internal/domain"
	"github.com/rpattn/accessingest/internal/repository"

	"github.com/google/uuid"
)

// gatedStore holds every write until release is closed.
type gatedStore struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	inner   *repository.MemoryAccessRecordRepository
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		started: make(chan struct{}),
		release: make(chan struct{}),
		inner:   repository.NewMemoryAccessRecordRepository(),
	}
}

func (s *gatedStore) UpsertBatch(ctx context.Context, records []domain.AccessRecord, policy domain.ConflictPolicy) (repository.UpsertResult, error) {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return s.inner.UpsertBatch(ctx, records, policy)
}

func (s *gatedStore) Count(ctx context.Context) (int64, error) {
	return s.inner.Count(ctx)
}

const threeRowFile = "Date Time,Card Name,Location\n" +
	"2024-01-01 08:00:00,A,Lobby\n" +
	"2024-01-01 08:01:00,B,Lobby\n" +
	"2024-01-01 08:02:00,C,Lobby\n"

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the store")
	}
}

func TestJobManagerRunsJobToCompletion(t *testing.T) {
	store := repository.NewMemoryAccessRecordRepository()
	manager := NewJobManager(newTestService(store))

	released := make(chan struct{})
	job, err := manager.Start(csvRequest("gate.csv", threeRowFile, domain.ConflictPolicySkip), func() { close(released) })
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if job.Phase != domain.IngestionPhaseIdle {
		t.Fatalf("expected a queued job, got %s", job.Phase)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	finished, err := manager.Wait(ctx, job.ID)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if finished.Phase != domain.IngestionPhaseCompleted || finished.Progress != 100 {
		t.Fatalf("expected a completed job at 100%%, got %s at %d", finished.Phase, finished.Progress)
	}
	if finished.Report == nil || finished.Report.InsertedRows != 3 || finished.Report.JobID != job.ID.String() {
		t.Fatalf("unexpected report: %+v", finished.Report)
	}
	waitFor(t, released)

	got, err := manager.Get(job.ID)
	if err != nil || got.Phase != domain.IngestionPhaseCompleted {
		t.Fatalf("Get returned %+v, %v", got, err)
	}
	if _, err := manager.Cancel(job.ID); !errors.Is(err, errJobFinished) {
		t.Fatalf("expected finished jobs to refuse cancellation, got %v", err)
	}
}

func TestJobManagerRejectsBadRequestsUpfront(t *testing.T) {
	manager := NewJobManager(newTestService(repository.NewMemoryAccessRecordRepository()))

	_, err := manager.Start(csvRequest("gate.pdf", threeRowFile, domain.ConflictPolicySkip), nil)
	var unsupported *UnsupportedFormatError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedFormatError, got %v", err)
	}
	_, err = manager.Start(csvRequest("gate.csv", threeRowFile, domain.ConflictPolicy("")), nil)
	if !errors.Is(err, domain.ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
	if _, err := manager.Get(uuid.New()); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobManagerCancelStopsAtBatchBoundary(t *testing.T) {
	store := newGatedStore()
	manager := NewJobManager(newTestService(store))

	job, err := manager.Start(csvRequest("gate.csv", threeRowFile, domain.ConflictPolicySkip), nil)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	waitFor(t, store.started)

	if _, err := manager.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	close(store.release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	finished, err := manager.Wait(ctx, job.ID)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if finished.Phase != domain.IngestionPhaseFailed || !finished.Cancelled {
		t.Fatalf("expected a cancelled job, got %+v", finished)
	}
	// The batch in flight when Cancel arrived is committed; the second one never starts.
	if count, _ := store.Count(context.Background()); count != 2 {
		t.Fatalf("expected only the first batch to be stored, got %d", count)
	}
}

func TestJobManagerSubscribeStreamsUntilDone(t *testing.T) {
	store := newGatedStore()
	manager := NewJobManager(newTestService(store))

	job, err := manager.Start(csvRequest("gate.csv", threeRowFile, domain.ConflictPolicySkip), nil)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	events, unsubscribe, err := manager.Subscribe(job.ID)
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer unsubscribe()
	close(store.release)

	var last ProgressEvent
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case event, ok := <-events:
			if !ok {
				done = true
				break
			}
			if event.Progress < last.Progress {
				t.Fatalf("progress went backwards: %d after %d", event.Progress, last.Progress)
			}
			last = event
		case <-timeout:
			t.Fatalf("timed out waiting for events")
		}
	}
	if !last.Done || last.Phase != domain.IngestionPhaseCompleted || last.Progress != 100 || last.JobID != job.ID {
		t.Fatalf("expected a final completed event, got %+v", last)
	}

	late, _, err := manager.Subscribe(job.ID)
	if err != nil {
		t.Fatalf("late Subscribe returned error: %v", err)
	}
	if _, ok := <-late; ok {
		t.Fatalf("subscribing to a finished job must return a closed channel")
	}
}

func TestJobManagerEvictsFinishedJobs(t *testing.T) {
	manager := NewJobManager(newTestService(repository.NewMemoryAccessRecordRepository()), WithRetention(10*time.Millisecond))
	job, err := manager.Start(csvRequest("gate.csv", threeRowFile, domain.ConflictPolicySkip), nil)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := manager.Wait(ctx, job.ID); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := manager.Get(job.ID); errors.Is(err, ErrJobNotFound) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job was not evicted")
}

func TestJobManagerWaitHonoursContext(t *testing.T) {
	store := newGatedStore()
	defer close(store.release)
	manager := NewJobManager(newTestService(store))
	job, err := manager.Start(csvRequest("gate.csv", threeRowFile, domain.ConflictPolicySkip), nil)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := manager.Wait(ctx, job.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}
