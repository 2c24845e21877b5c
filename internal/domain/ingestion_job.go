package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IngestionPhase captures lifecycle state for a single ingestion run.
type IngestionPhase string

const (
	IngestionPhaseIdle       IngestionPhase = "IDLE"
	IngestionPhaseParsing    IngestionPhase = "PARSING"
	IngestionPhaseValidating IngestionPhase = "VALIDATING"
	IngestionPhaseInserting  IngestionPhase = "INSERTING"
	IngestionPhaseCompleted  IngestionPhase = "COMPLETED"
	IngestionPhaseFailed     IngestionPhase = "FAILED"
)

var phaseOrder = map[IngestionPhase]int{
	IngestionPhaseIdle:       0,
	IngestionPhaseParsing:    1,
	IngestionPhaseValidating: 2,
	IngestionPhaseInserting:  3,
	IngestionPhaseCompleted:  4,
}

// Terminal reports whether no further transitions are allowed.
func (p IngestionPhase) Terminal() bool {
	return p == IngestionPhaseCompleted || p == IngestionPhaseFailed
}

// CanTransition reports whether moving from p to next keeps the job moving forward.
// FAILED is reachable from every non-terminal phase; all other moves are one step at a time.
func (p IngestionPhase) CanTransition(next IngestionPhase) bool {
	if p.Terminal() {
		return false
	}
	if next == IngestionPhaseFailed {
		return true
	}
	from, okFrom := phaseOrder[p]
	to, okTo := phaseOrder[next]
	return okFrom && okTo && to == from+1
}

// IngestionJob is the transient state of one ingestion run. It is never persisted.
type IngestionJob struct {
	ID            uuid.UUID        `json:"id"`
	FileName      string           `json:"file_name"`
	FileSize      int64            `json:"file_size"`
	Policy        ConflictPolicy   `json:"policy"`
	Phase         IngestionPhase   `json:"phase"`
	Progress      int              `json:"progress"`
	StatusMessage string           `json:"status_message"`
	FailureReason *string          `json:"failure_reason,omitempty"`
	Cancelled     bool             `json:"cancelled"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty"`
	Report        *IngestionReport `json:"report,omitempty"`
}

// NewIngestionJob returns an idle job for the given upload.
func NewIngestionJob(fileName string, fileSize int64, policy ConflictPolicy) IngestionJob {
	return IngestionJob{
		ID:       uuid.New(),
		FileName: fileName,
		FileSize: fileSize,
		Policy:   policy,
		Phase:    IngestionPhaseIdle,
	}
}

// Transition moves the job to next or returns an error when the move would go backwards.
func (j *IngestionJob) Transition(next IngestionPhase, at time.Time) error {
	if !j.Phase.CanTransition(next) {
		return fmt.Errorf("invalid ingestion phase transition %s -> %s", j.Phase, next)
	}
	if j.Phase == IngestionPhaseIdle {
		started := at
		j.StartedAt = &started
	}
	j.Phase = next
	if next.Terminal() {
		finished := at
		j.FinishedAt = &finished
	}
	return nil
}

// Fail moves the job to FAILED with a single human-readable reason.
func (j *IngestionJob) Fail(reason string, cancelled bool, at time.Time) error {
	if err := j.Transition(IngestionPhaseFailed, at); err != nil {
		return err
	}
	j.FailureReason = &reason
	j.Cancelled = cancelled
	return nil
}
