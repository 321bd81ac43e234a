package checkpoint

import (
	"context"
	"sort"
	"sync"
)

// MemSaver is an in-memory Saver for tests and single-process runs.
// State is lost when the process exits; use SQLiteSaver when runs must
// survive restarts.
//
// MemSaver is safe for concurrent use.
type MemSaver[S any] struct {
	mu   sync.RWMutex
	runs map[string][]StepRecord[S]
}

// NewMemSaver creates an empty in-memory saver.
func NewMemSaver[S any]() *MemSaver[S] {
	return &MemSaver[S]{runs: make(map[string][]StepRecord[S])}
}

// SaveStep implements Saver. A record with the same step number replaces
// the earlier one.
func (m *MemSaver[S]) SaveStep(_ context.Context, runID string, step int, stepID string, state S) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := StepRecord[S]{Step: step, StepID: stepID, State: state}

	records := m.runs[runID]
	for i, existing := range records {
		if existing.Step == step {
			records[i] = record
			return nil
		}
	}
	m.runs[runID] = append(records, record)
	return nil
}

// LoadLatest implements Saver. The highest step number wins, which
// handles out-of-order saves correctly.
func (m *MemSaver[S]) LoadLatest(_ context.Context, runID string) (state S, step int, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.runs[runID]
	if len(records) == 0 {
		var zero S
		return zero, 0, ErrNotFound
	}

	latest := records[0]
	for _, record := range records[1:] {
		if record.Step > latest.Step {
			latest = record
		}
	}
	return latest.State, latest.Step, nil
}

// History implements Saver.
func (m *MemSaver[S]) History(_ context.Context, runID string) ([]StepRecord[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.runs[runID]
	out := make([]StepRecord[S], len(records))
	copy(out, records)
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

// Delete implements Saver.
func (m *MemSaver[S]) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.runs, runID)
	return nil
}
