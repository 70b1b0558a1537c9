package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/baanu007/aws-serverless-etl/pkg/models"
)

// Tracker keeps the stage run audit trail. Runs are retained for the life
// of the process and never mutated outside the tracker's lock; reads hand
// out copies.
type Tracker struct {
	mu    sync.Mutex
	runs  map[string]*models.StageRun
	order []string
}

func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]*models.StageRun)}
}

// NewRun registers a pending run for the given stage and input id set.
func (t *Tracker) NewRun(stage, inputBatchID string) models.StageRun {
	run := &models.StageRun{
		ID:           uuid.NewString(),
		StageName:    stage,
		InputBatchID: inputBatchID,
		Status:       models.RunPending,
		StartedAt:    time.Now().UTC(),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[run.ID] = run
	t.order = append(t.order, run.ID)
	return *run
}

// Update applies a mutation to the run under the tracker's lock.
func (t *Tracker) Update(id string, mutate func(*models.StageRun)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if run, ok := t.runs[id]; ok {
		mutate(run)
	}
}

// Get returns a copy of the run.
func (t *Tracker) Get(id string) (models.StageRun, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[id]
	if !ok {
		return models.StageRun{}, false
	}
	return *run, true
}

// List returns copies of all runs in creation order.
func (t *Tracker) List() []models.StageRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.StageRun, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.runs[id])
	}
	return out
}

// Succeeded returns the prior succeeded run for (stage, input id set).
func (t *Tracker) Succeeded(stage, inputBatchID string) (models.StageRun, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.order {
		run := t.runs[id]
		if run.StageName == stage && run.InputBatchID == inputBatchID &&
			run.Status == models.RunSucceeded {
			return *run, true
		}
	}
	return models.StageRun{}, false
}

// CancelPending marks every non-terminal run cancelled. Returns the ids of
// the runs it touched, sorted.
func (t *Tracker) CancelPending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var cancelled []string
	now := time.Now().UTC()
	for _, id := range t.order {
		run := t.runs[id]
		if !run.Status.Terminal() {
			run.Status = models.RunCancelled
			run.FinishedAt = now
			cancelled = append(cancelled, id)
		}
	}
	sort.Strings(cancelled)
	return cancelled
}
