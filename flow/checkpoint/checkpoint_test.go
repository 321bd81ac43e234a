package checkpoint_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/dshills/agentflow-go/flow/checkpoint"
)

type runState struct {
	Status    string                 `json:"status"`
	StepID    string                 `json:"step_id"`
	Variables map[string]interface{} `json:"variables"`
}

func TestSaverImplementations(t *testing.T) {
	scenarios := []struct {
		name     string
		newSaver func(t *testing.T) checkpoint.Saver[runState]
	}{
		{
			name: "MemSaver",
			newSaver: func(t *testing.T) checkpoint.Saver[runState] {
				return checkpoint.NewMemSaver[runState]()
			},
		},
		{
			name: "SQLiteSaver",
			newSaver: func(t *testing.T) checkpoint.Saver[runState] {
				s, err := checkpoint.NewSQLiteSaver[runState](":memory:")
				if err != nil {
					t.Fatalf("NewSQLiteSaver: %v", err)
				}
				t.Cleanup(func() {
					if err := s.Close(); err != nil {
						t.Errorf("Close: %v", err)
					}
				})
				return s
			},
		},
	}

	ctx := context.Background()

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			t.Run("load latest returns highest step", func(t *testing.T) {
				s := sc.newSaver(t)

				for step, stepID := range map[int]string{
					1: "start",
					3: "notify",
					2: "check_access",
				} {
					state := runState{Status: "running", StepID: stepID}
					if err := s.SaveStep(ctx, "run-1", step, stepID, state); err != nil {
						t.Fatalf("SaveStep: %v", err)
					}
				}

				state, step, err := s.LoadLatest(ctx, "run-1")
				if err != nil {
					t.Fatalf("LoadLatest: %v", err)
				}
				if step != 3 {
					t.Errorf("expected step 3, got %d", step)
				}
				if state.StepID != "notify" {
					t.Errorf("expected notify state, got %q", state.StepID)
				}
			})

			t.Run("saving same step overwrites", func(t *testing.T) {
				s := sc.newSaver(t)

				first := runState{Status: "running", StepID: "start"}
				if err := s.SaveStep(ctx, "run-2", 1, "start", first); err != nil {
					t.Fatalf("SaveStep: %v", err)
				}
				second := runState{Status: "waiting_for_human", StepID: "start"}
				if err := s.SaveStep(ctx, "run-2", 1, "start", second); err != nil {
					t.Fatalf("SaveStep overwrite: %v", err)
				}

				state, _, err := s.LoadLatest(ctx, "run-2")
				if err != nil {
					t.Fatalf("LoadLatest: %v", err)
				}
				if state.Status != "waiting_for_human" {
					t.Errorf("expected overwritten state, got %q", state.Status)
				}

				history, err := s.History(ctx, "run-2")
				if err != nil {
					t.Fatalf("History: %v", err)
				}
				if len(history) != 1 {
					t.Errorf("expected 1 record after overwrite, got %d", len(history))
				}
			})

			t.Run("history is ascending", func(t *testing.T) {
				s := sc.newSaver(t)

				for _, step := range []int{2, 1, 3} {
					state := runState{Status: "running", Variables: map[string]interface{}{"n": float64(step)}}
					if err := s.SaveStep(ctx, "run-3", step, "loop", state); err != nil {
						t.Fatalf("SaveStep: %v", err)
					}
				}

				history, err := s.History(ctx, "run-3")
				if err != nil {
					t.Fatalf("History: %v", err)
				}
				if len(history) != 3 {
					t.Fatalf("expected 3 records, got %d", len(history))
				}
				for i, record := range history {
					if record.Step != i+1 {
						t.Errorf("record %d: expected step %d, got %d", i, i+1, record.Step)
					}
				}
				if history[1].State.Variables["n"] != float64(2) {
					t.Errorf("expected variables to round-trip, got %+v", history[1].State.Variables)
				}
			})

			t.Run("unknown run yields not found", func(t *testing.T) {
				s := sc.newSaver(t)

				_, _, err := s.LoadLatest(ctx, "missing")
				if !errors.Is(err, checkpoint.ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}

				history, err := s.History(ctx, "missing")
				if err != nil {
					t.Fatalf("History: %v", err)
				}
				if len(history) != 0 {
					t.Errorf("expected empty history, got %d records", len(history))
				}
			})

			t.Run("delete removes run state", func(t *testing.T) {
				s := sc.newSaver(t)

				state := runState{Status: "completed"}
				if err := s.SaveStep(ctx, "run-4", 1, "end", state); err != nil {
					t.Fatalf("SaveStep: %v", err)
				}
				if err := s.Delete(ctx, "run-4"); err != nil {
					t.Fatalf("Delete: %v", err)
				}

				if _, _, err := s.LoadLatest(ctx, "run-4"); !errors.Is(err, checkpoint.ErrNotFound) {
					t.Errorf("expected ErrNotFound after delete, got %v", err)
				}

				// Deleting again is a no-op.
				if err := s.Delete(ctx, "run-4"); err != nil {
					t.Errorf("Delete of unknown run: %v", err)
				}
			})
		})
	}
}

func TestSQLiteSaverPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "flows.db")
	ctx := context.Background()

	first, err := checkpoint.NewSQLiteSaver[runState](dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteSaver: %v", err)
	}

	state := runState{
		Status:    "waiting_for_human",
		StepID:    "select_opportunity",
		Variables: map[string]interface{}{"account": "Acme Corp"},
	}
	if err := first.SaveStep(ctx, "run-reopen", 5, "select_opportunity", state); err != nil {
		t.Fatalf("SaveStep: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := checkpoint.NewSQLiteSaver[runState](dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	loaded, step, err := second.LoadLatest(ctx, "run-reopen")
	if err != nil {
		t.Fatalf("LoadLatest after reopen: %v", err)
	}
	if step != 5 {
		t.Errorf("expected step 5, got %d", step)
	}
	if loaded.Status != "waiting_for_human" || loaded.StepID != "select_opportunity" {
		t.Errorf("unexpected state after reopen: %+v", loaded)
	}
	if loaded.Variables["account"] != "Acme Corp" {
		t.Errorf("expected variables to survive reopen, got %+v", loaded.Variables)
	}
}

func TestSQLiteSaverClosed(t *testing.T) {
	s, err := checkpoint.NewSQLiteSaver[runState](":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteSaver: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	if err := s.SaveStep(context.Background(), "run", 1, "start", runState{}); err == nil {
		t.Error("expected error saving to closed saver")
	}
	if _, _, err := s.LoadLatest(context.Background(), "run"); err == nil {
		t.Error("expected error loading from closed saver")
	}
}
