package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rpattn/accessingest/internal/domain"

	"github.com/google/uuid"
)

var errJobFinished = errors.New("ingestion job already finished")

// ProgressEvent is one update pushed to job subscribers.
type ProgressEvent struct {
	JobID    uuid.UUID             `json:"job_id"`
	Phase    domain.IngestionPhase `json:"phase"`
	Progress int                   `json:"progress"`
	Message  string                `json:"message"`
	Done     bool                  `json:"done"`
}

type trackedJob struct {
	mu          sync.RWMutex
	job         domain.IngestionJob
	subscribers map[int]chan ProgressEvent
	nextSub     int
	done        chan struct{}
}

func (t *trackedJob) snapshot() domain.IngestionJob {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.job
}

// publish stores job and fans the update out. Slow subscribers miss intermediate events.
func (t *trackedJob) publish(job domain.IngestionJob) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.job = job
	event := ProgressEvent{JobID: job.ID, Phase: job.Phase, Progress: job.Progress, Message: job.StatusMessage, Done: job.Phase.Terminal()}
	for _, ch := range t.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (t *trackedJob) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
	close(t.done)
}

// JobManager runs ingestions in the background and tracks them in memory.
type JobManager struct {
	service   *Service
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger

	jobs          sync.Map // map[uuid.UUID]*trackedJob
	workerCancels sync.Map // map[uuid.UUID]context.CancelFunc
}

type JobManagerOption func(*JobManager)

// WithRetention drops finished jobs from memory after d.
func WithRetention(d time.Duration) JobManagerOption {
	return func(m *JobManager) {
		if d > 0 {
			m.retention = d
		}
	}
}

func NewJobManager(service *Service, opts ...JobManagerOption) *JobManager {
	manager := &JobManager{
		service:   service,
		retention: time.Hour,
		now:       time.Now,
		logger:    service.logger.With("component", "ingestion-jobs"),
	}
	for _, opt := range opts {
		opt(manager)
	}
	return manager
}

// Start launches req in the background and returns the queued job. release, if set,
// runs once the worker is done with req.Data.
func (m *JobManager) Start(req Request, release func()) (domain.IngestionJob, error) {
	if _, err := domain.ParseConflictPolicy(string(req.Policy)); err != nil {
		return domain.IngestionJob{}, err
	}
	if _, err := DetectFormat(req.FileName); err != nil {
		return domain.IngestionJob{}, err
	}
	job := domain.NewIngestionJob(req.FileName, req.Size, req.Policy)
	req.JobID = job.ID
	tracked := &trackedJob{
		job:         job,
		subscribers: make(map[int]chan ProgressEvent),
		done:        make(chan struct{}),
	}
	m.jobs.Store(job.ID, tracked)

	observer := req.Observer
	req.Observer = func(update domain.IngestionJob) {
		tracked.publish(update)
		if observer != nil {
			observer(update)
		}
	}
	m.launchWorker(tracked, req, release)
	return job, nil
}

func (m *JobManager) launchWorker(tracked *trackedJob, req Request, release func()) {
	ctx, cancel := context.WithCancel(context.Background())
	m.workerCancels.Store(req.JobID, cancel)
	go func() {
		defer func() {
			cancel()
			m.workerCancels.Delete(req.JobID)
			if release != nil {
				release()
			}
			tracked.finish()
			m.scheduleEviction(req.JobID)
		}()
		defer func() {
			if rec := recover(); rec != nil {
				m.logger.Error("panic while processing job", "job_id", req.JobID, "panic", rec)
				job := tracked.snapshot()
				if job.Phase.Terminal() {
					return
				}
				_ = job.Fail(fmt.Sprintf("%v: %v", ErrInternal, rec), false, m.now())
				tracked.publish(job)
			}
		}()
		if _, err := m.service.Ingest(ctx, req); err != nil {
			m.logger.Debug("background ingestion ended with error", "job_id", req.JobID, "error", err)
		}
	}()
}

func (m *JobManager) scheduleEviction(id uuid.UUID) {
	time.AfterFunc(m.retention, func() {
		m.jobs.Delete(id)
	})
}

func (m *JobManager) lookup(id uuid.UUID) (*trackedJob, error) {
	value, ok := m.jobs.Load(id)
	if !ok {
		return nil, ErrJobNotFound
	}
	return value.(*trackedJob), nil
}

// Get returns the current state of a job.
func (m *JobManager) Get(id uuid.UUID) (domain.IngestionJob, error) {
	tracked, err := m.lookup(id)
	if err != nil {
		return domain.IngestionJob{}, err
	}
	return tracked.snapshot(), nil
}

// Cancel asks a running job to stop at its next chunk or batch boundary.
func (m *JobManager) Cancel(id uuid.UUID) (domain.IngestionJob, error) {
	tracked, err := m.lookup(id)
	if err != nil {
		return domain.IngestionJob{}, err
	}
	job := tracked.snapshot()
	if job.Phase.Terminal() {
		return job, fmt.Errorf("%w: job in phase %s cannot be cancelled", errJobFinished, job.Phase)
	}
	if cancel, ok := m.workerCancels.Load(id); ok {
		if fn, okCast := cancel.(context.CancelFunc); okCast {
			fn()
		}
	}
	return tracked.snapshot(), nil
}

// Wait blocks until the job finishes or ctx ends.
func (m *JobManager) Wait(ctx context.Context, id uuid.UUID) (domain.IngestionJob, error) {
	tracked, err := m.lookup(id)
	if err != nil {
		return domain.IngestionJob{}, err
	}
	select {
	case <-tracked.done:
		return tracked.snapshot(), nil
	case <-ctx.Done():
		return tracked.snapshot(), ctx.Err()
	}
}

// Subscribe returns a channel of progress events for id. The channel is closed when
// the job finishes; call the returned func to stop listening earlier.
func (m *JobManager) Subscribe(id uuid.UUID) (<-chan ProgressEvent, func(), error) {
	tracked, err := m.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan ProgressEvent, 32)
	tracked.mu.Lock()
	select {
	case <-tracked.done:
		tracked.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	default:
	}
	subID := tracked.nextSub
	tracked.nextSub++
	tracked.subscribers[subID] = ch
	tracked.mu.Unlock()

	unsubscribe := func() {
		tracked.mu.Lock()
		defer tracked.mu.Unlock()
		if existing, ok := tracked.subscribers[subID]; ok {
			close(existing)
			delete(tracked.subscribers, subID)
		}
	}
	return ch, unsubscribe, nil
}
