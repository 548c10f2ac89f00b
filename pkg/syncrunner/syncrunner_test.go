package syncrunner_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/lempicka/lempicka-sync/pkg/journal"
	"github.com/lempicka/lempicka-sync/pkg/syncplan"
	"github.com/lempicka/lempicka-sync/pkg/syncrunner"
)

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestRunCreatesDirectoriesAndCopiesPlan(t *testing.T) {
	left := t.TempDir()
	right := t.TempDir()

	writeFile(t, filepath.Join(left, "reports", "q1_v1.txt"), "quarter one")

	bundle, err := syncplan.Build(left, right)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(bundle.Plan) != 1 {
		t.Fatalf("expected 1 plan item, got %d", len(bundle.Plan))
	}

	var events []syncrunner.Event
	result, err := syncrunner.Run(context.Background(), bundle, syncrunner.Options{
		LeftRoot:            left,
		RightRoot:           right,
		DirectoriesToCreate: bundle.DirectoriesToCreate,
		OnProgress: func(ev syncrunner.Event) {
			events = append(events, ev)
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Copied != 1 {
		t.Errorf("Copied = %d, want 1", result.Copied)
	}
	if len(result.Failed) != 0 {
		t.Errorf("Failed = %v, want none", result.Failed)
	}

	got, err := os.ReadFile(filepath.Join(right, "reports", "q1.txt"))
	if err != nil {
		t.Fatalf("ReadFile destination: %v", err)
	}
	if string(got) != "quarter one" {
		t.Errorf("destination content = %q", string(got))
	}

	foundComplete := false
	for _, ev := range events {
		if ev.Phase == "complete" {
			foundComplete = true
		}
	}
	if !foundComplete {
		t.Errorf("expected a complete progress event")
	}
}

func TestRunStrictModeStopsOnFirstFailure(t *testing.T) {
	left := t.TempDir()
	right := t.TempDir()

	writeFile(t, filepath.Join(left, "a_v1.txt"), "a")
	writeFile(t, filepath.Join(left, "b_v1.txt"), "b")

	bundle, err := syncplan.Build(left, right)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Remove one source file after planning to simulate it vanishing mid-run.
	if err := os.Remove(filepath.Join(left, "a_v1.txt")); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	_, err = syncrunner.Run(context.Background(), bundle, syncrunner.Options{
		LeftRoot:            left,
		RightRoot:           right,
		DirectoriesToCreate: bundle.DirectoriesToCreate,
		ContinueOnError:     false,
	})
	if err == nil {
		t.Fatalf("expected an error in strict mode when a source vanishes")
	}
	if _, ok := err.(*syncrunner.RunnerError); !ok {
		t.Fatalf("expected *RunnerError, got %T", err)
	}
}

func TestRunContinueOnErrorCollectsFailuresAndFinishesRest(t *testing.T) {
	left := t.TempDir()
	right := t.TempDir()

	writeFile(t, filepath.Join(left, "a_v1.txt"), "a")
	writeFile(t, filepath.Join(left, "b_v1.txt"), "b")

	bundle, err := syncplan.Build(left, right)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := os.Remove(filepath.Join(left, "a_v1.txt")); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	result, err := syncrunner.Run(context.Background(), bundle, syncrunner.Options{
		LeftRoot:            left,
		RightRoot:           right,
		DirectoriesToCreate: bundle.DirectoriesToCreate,
		ContinueOnError:     true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Failed) != 1 {
		t.Fatalf("Failed = %v, want exactly one entry", result.Failed)
	}
	if result.Copied != 1 {
		t.Errorf("Copied = %d, want 1", result.Copied)
	}
	if _, err := os.Stat(filepath.Join(right, "b.txt")); err != nil {
		t.Errorf("expected b.txt to have been copied: %v", err)
	}
}

func TestRunPersistsJournalAndSkipsCompletedOnResume(t *testing.T) {
	left := t.TempDir()
	right := t.TempDir()
	journalPath := filepath.Join(t.TempDir(), "run.journal.json")

	writeFile(t, filepath.Join(left, "a_v1.txt"), "a")
	writeFile(t, filepath.Join(left, "b_v1.txt"), "b")

	bundle, err := syncplan.Build(left, right)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	result, err := syncrunner.Run(context.Background(), bundle, syncrunner.Options{
		LeftRoot:            left,
		RightRoot:           right,
		DirectoriesToCreate: bundle.DirectoriesToCreate,
		JournalPath:         journalPath,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Copied != 2 {
		t.Fatalf("Copied = %d, want 2", result.Copied)
	}

	if _, err := journal.Read(journalPath); err != nil {
		t.Fatalf("Read journal: %v", err)
	}
	// A fully-succeeded run removes its journal.
	if state, _ := journal.Read(journalPath); state != nil {
		t.Errorf("expected journal to be removed after a clean run")
	}
}

func TestRunRejectsPlanItemOutsideDestinationRoot(t *testing.T) {
	left := t.TempDir()
	right := t.TempDir()
	elsewhere := t.TempDir()

	writeFile(t, filepath.Join(left, "a_v1.txt"), "a")

	bundle := &syncplan.PlanBundle{
		LeftRoot:  left,
		RightRoot: right,
		Plan: []syncplan.PlanItem{
			{
				SourcePath:         filepath.Join(left, "a_v1.txt"),
				SourceRelativePath: "a_v1.txt",
				SourceSize:         1,
				TargetPath:         filepath.Join(elsewhere, "a.txt"),
				TargetRelativePath: "a.txt",
			},
		},
	}

	_, err := syncrunner.Run(context.Background(), bundle, syncrunner.Options{
		LeftRoot:  left,
		RightRoot: right,
	})
	if err == nil {
		t.Fatal("expected an error for a target outside the destination root")
	}
	runErr, ok := err.(*syncrunner.RunnerError)
	if !ok {
		t.Fatalf("expected *RunnerError, got %T", err)
	}
	if runErr.Code != "INVALID_PLAN_ITEM" {
		t.Errorf("Code = %q, want INVALID_PLAN_ITEM", runErr.Code)
	}
	if _, err := os.Stat(filepath.Join(elsewhere, "a.txt")); !os.IsNotExist(err) {
		t.Errorf("nothing may be written outside the destination root, stat err = %v", err)
	}
}

func TestRunCancelAbortsEvenWithContinueOnError(t *testing.T) {
	left := t.TempDir()
	right := t.TempDir()
	journalPath := filepath.Join(t.TempDir(), "run.journal.json")

	const total = 6
	for i := 0; i < total; i++ {
		writeFile(t, filepath.Join(left, fmt.Sprintf("file%d_v1.txt", i)), "content")
	}

	bundle, err := syncplan.Build(left, right)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var cancelled atomic.Bool
	_, err = syncrunner.Run(context.Background(), bundle, syncrunner.Options{
		LeftRoot:              left,
		RightRoot:             right,
		DirectoriesToCreate:   bundle.DirectoriesToCreate,
		ContinueOnError:       true,
		MaxParallelSmallFiles: 2,
		JournalPath:           journalPath,
		ShouldCancel:          cancelled.Load,
		OnProgress: func(ev syncrunner.Event) {
			if ev.Phase == "copied" {
				cancelled.Store(true)
			}
		},
	})
	if err == nil {
		t.Fatal("expected cancellation to abort the run even with ContinueOnError")
	}
	runErr, ok := err.(*syncrunner.RunnerError)
	if !ok {
		t.Fatalf("expected *RunnerError, got %T: %v", err, err)
	}
	if runErr.Code != "SYNC_CANCELLED" {
		t.Errorf("Code = %q, want SYNC_CANCELLED", runErr.Code)
	}
	if runErr.Details == nil {
		t.Fatal("expected a partial result attached to the abort error")
	}
	if runErr.Details.Copied == 0 || runErr.Details.Copied == total {
		t.Errorf("Copied = %d, want a partial count between 1 and %d", runErr.Details.Copied, total-1)
	}
	for _, failure := range runErr.Details.Failed {
		if failure.Code == "SYNC_CANCELLED" {
			t.Errorf("cancellation must abort the run, not be recorded as an item failure: %+v", failure)
		}
	}

	// The journal stays behind so the interrupted run can be resumed.
	state, err := journal.Read(journalPath)
	if err != nil {
		t.Fatalf("Read journal: %v", err)
	}
	if state == nil {
		t.Error("expected the journal to survive an aborted run")
	}
}

func TestRunNilPlanIsInvalid(t *testing.T) {
	_, err := syncrunner.Run(context.Background(), nil, syncrunner.Options{})
	runErr, ok := err.(*syncrunner.RunnerError)
	if !ok {
		t.Fatalf("expected *RunnerError, got %T (%v)", err, err)
	}
	if runErr.Code != "INVALID_PLAN" {
		t.Errorf("Code = %q, want INVALID_PLAN", runErr.Code)
	}
}
