// Package progress tracks the state of in-flight dataset uploads so the
// frontend can poll while the diff engine works.
//
// State is in-process only. An upload's progress dies with the process,
// which is acceptable: the poll endpoint is a UX affordance, not a
// durable job queue.
package progress

import (
	"sync"
	"time"
)

// Stages of one diff-upload, in order.
const (
	StageReceiving = "receiving"
	StageParsing   = "parsing"
	StageDiffing   = "diffing"
	StageWriting   = "writing"
	StageDone      = "done"
	StageError     = "error"
)

// Status is a point-in-time snapshot of one upload. Values are copies;
// callers can hold them without locking.
type Status struct {
	DatasetKey string    `json:"datasetKey"`
	Stage      string    `json:"stage"`
	Percent    int       `json:"percent"`
	RowsTotal  int64     `json:"rowsTotal"`
	RowsDone   int64     `json:"rowsDone"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Tracker is a concurrency-safe map of dataset key to upload status.
type Tracker struct {
	mu sync.Mutex
	m  map[string]*Status
}

func NewTracker() *Tracker {
	return &Tracker{m: map[string]*Status{}}
}

// Start resets the dataset's entry to the receiving stage.
func (t *Tracker) Start(datasetKey string) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[datasetKey] = &Status{
		DatasetKey: datasetKey,
		Stage:      StageReceiving,
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

// Update advances the stage and progress counters. Percent never moves
// backwards within one upload; out-of-order updates are clamped.
func (t *Tracker) Update(datasetKey, stage string, percent int, rowsDone, rowsTotal int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.m[datasetKey]
	if s == nil {
		return
	}
	if percent < s.Percent {
		percent = s.Percent
	}
	if percent > 100 {
		percent = 100
	}
	s.Stage = stage
	s.Percent = percent
	s.RowsDone = rowsDone
	s.RowsTotal = rowsTotal
	s.UpdatedAt = time.Now()
}

// SetMessage attaches a human-readable note without advancing progress.
func (t *Tracker) SetMessage(datasetKey, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.m[datasetKey]; s != nil {
		s.Message = msg
		s.UpdatedAt = time.Now()
	}
}

// SetError marks the upload failed. The entry is kept for polling.
func (t *Tracker) SetError(datasetKey string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.m[datasetKey]; s != nil {
		s.Stage = StageError
		s.Error = err.Error()
		s.UpdatedAt = time.Now()
	}
}

// Done marks the upload complete at 100 percent.
func (t *Tracker) Done(datasetKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.m[datasetKey]; s != nil {
		s.Stage = StageDone
		s.Percent = 100
		s.RowsDone = s.RowsTotal
		s.UpdatedAt = time.Now()
	}
}

// Get returns a snapshot of the dataset's status.
func (t *Tracker) Get(datasetKey string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.m[datasetKey]
	if s == nil {
		return Status{}, false
	}
	return *s, true
}

// Clear removes the dataset's entry.
func (t *Tracker) Clear(datasetKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, datasetKey)
}
