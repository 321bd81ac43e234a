// Package checkpoint persists workflow run state between steps so runs
// survive process restarts and interrupted runs can be resumed later.
package checkpoint

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested run has no saved state.
var ErrNotFound = errors.New("not found")

// Saver persists per-run state snapshots.
//
// The engine calls SaveStep after every state transition; LoadLatest
// restores the newest snapshot when a run resumes after an interrupt or
// a restart. Type parameter S is the snapshot type, which must be
// JSON-serializable for the database-backed implementations.
type Saver[S any] interface {
	// SaveStep persists the state after one execution step. Saving the
	// same (runID, step) pair again overwrites the earlier record.
	SaveStep(ctx context.Context, runID string, step int, stepID string, state S) error

	// LoadLatest returns the snapshot with the highest step number for
	// runID. Returns ErrNotFound when the run has no saved state.
	LoadLatest(ctx context.Context, runID string) (state S, step int, err error)

	// History returns every saved step for runID in ascending step
	// order. An unknown run yields an empty history, not an error.
	History(ctx context.Context, runID string) ([]StepRecord[S], error)

	// Delete removes all saved state for runID. Deleting an unknown
	// run is not an error.
	Delete(ctx context.Context, runID string) error
}

// StepRecord is one persisted execution step.
type StepRecord[S any] struct {
	// Step is the sequential step number (1-indexed).
	Step int

	// StepID identifies the workflow step that produced this state.
	StepID string

	// State is the run state after the step completed.
	State S
}
