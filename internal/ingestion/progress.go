package ingestion

import (
	"math"
	"sync"
)

// ProgressFunc receives overall progress (0-100) and a status line. It may be nil.
type ProgressFunc func(percent int, message string)

// ProgressPhase is a weighted slice of the overall 0-100 progress range.
type ProgressPhase string

const (
	ProgressParse    ProgressPhase = "parse"
	ProgressMap      ProgressPhase = "map"
	ProgressValidate ProgressPhase = "validate"
	ProgressReport   ProgressPhase = "report"
	ProgressInsert   ProgressPhase = "insert"
	ProgressFinalize ProgressPhase = "finalize"
)

type progressBand struct {
	start   int
	end     int
	message string
}

var progressBands = map[ProgressPhase]progressBand{
	ProgressParse:    {start: 0, end: 20, message: "Reading file"},
	ProgressMap:      {start: 20, end: 25, message: "Mapping headers"},
	ProgressValidate: {start: 25, end: 60, message: "Validating rows"},
	ProgressReport:   {start: 60, end: 65, message: "Preparing records"},
	ProgressInsert:   {start: 65, end: 95, message: "Inserting records"},
	ProgressFinalize: {start: 95, end: 100, message: "Finalizing"},
}

// Overall maps a phase and the fraction of that phase completed to overall progress.
func Overall(phase ProgressPhase, fraction float64) (int, string) {
	band, ok := progressBands[phase]
	if !ok {
		return 0, string(phase)
	}
	fraction = clampFraction(fraction)
	if math.IsNaN(fraction) {
		fraction = 0
	}
	percent := band.start + int(math.Floor(float64(band.end-band.start)*fraction))
	return percent, band.message
}

// progressTracker forwards progress to a sink, never letting the value go down.
type progressTracker struct {
	mu      sync.Mutex
	sink    ProgressFunc
	last    int
	message string
}

func newProgressTracker(sink ProgressFunc) *progressTracker {
	return &progressTracker{sink: sink, last: -1}
}

func (t *progressTracker) report(phase ProgressPhase, fraction float64, detail string) {
	percent, message := Overall(phase, fraction)
	if detail != "" {
		message += ": " + detail
	}
	t.emit(percent, message)
}

func (t *progressTracker) complete(message string) {
	t.emit(100, message)
}

func (t *progressTracker) current() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last < 0 {
		return 0
	}
	return t.last
}

func (t *progressTracker) emit(percent int, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if percent < t.last {
		percent = t.last
	}
	if percent > 100 {
		percent = 100
	}
	if percent == t.last && message == t.message {
		return
	}
	t.last = percent
	t.message = message
	// The sink runs under the lock so concurrent batches cannot deliver values out of order.
	if t.sink != nil {
		t.sink(percent, message)
	}
}
