// Package synccontrol implements the control surface: a single owned
// engine exposing build-compare-plan, sync, cancel/pause, and the recovery
// operations over the rest of the pipeline. One struct owns the mutable run
// state (the running flag, the cancel/pause flags) so callers never juggle
// that state themselves.
package synccontrol

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lempicka/lempicka-sync/pkg/hints"
	"github.com/lempicka/lempicka-sync/pkg/journal"
	"github.com/lempicka/lempicka-sync/pkg/runlock"
	"github.com/lempicka/lempicka-sync/pkg/syncplan"
	"github.com/lempicka/lempicka-sync/pkg/syncrunner"
)

// ControlError is a fatal control-surface error.
type ControlError struct {
	Code    string
	Message string
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Engine owns its own "one sync at a time" guard and the shared
// cancel/pause flags that back every in-flight run's ctrlflow tokens.
type Engine struct {
	mu      sync.Mutex
	running bool
	cancel  atomic.Bool
	pause   atomic.Bool
}

// NewEngine returns a ready-to-use, idle Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// BuildComparePlan runs the planner over a root pair.
func (e *Engine) BuildComparePlan(leftRoot, rightRoot string) (*syncplan.PlanBundle, error) {
	return syncplan.Build(leftRoot, rightRoot)
}

// Sync runs the sync sequence over bundle, enforcing the single-run-at-a-time
// guard and wiring this Engine's shared cancel/pause flags into opts. Only
// one Sync or Resume call may be in flight per Engine; a second concurrent
// attempt returns a *ControlError before any work starts.
func (e *Engine) Sync(ctx context.Context, bundle *syncplan.PlanBundle, opts syncrunner.Options) (syncrunner.Result, error) {
	if err := e.beginRun(); err != nil {
		return syncrunner.Result{}, err
	}
	defer e.endRun()

	lock, err := runlock.Acquire(ctx, bundle.RightRoot, runIDFromJournalPath(opts.JournalPath))
	if err != nil {
		return syncrunner.Result{}, &ControlError{Code: "SYNC_LOCKED", Message: err.Error()}
	}
	defer lock.Release()

	e.cancel.Store(false)
	e.pause.Store(false)
	opts.ShouldCancel = e.cancel.Load
	opts.ShouldPause = e.pause.Load

	return syncrunner.Run(ctx, bundle, opts)
}

// CancelSync requests cancellation of whatever run this Engine is currently
// driving. It is a no-op if no run is active.
func (e *Engine) CancelSync() {
	e.cancel.Store(true)
}

// TogglePause flips the shared pause flag and returns its new value.
func (e *Engine) TogglePause() bool {
	for {
		old := e.pause.Load()
		if e.pause.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// RecoverySummary reads journalPath and returns a display-oriented summary.
// A missing journal is not a failure of the operation itself, so it comes
// back as a hints-wrapped error rather than a silent (nil, nil): callers that
// only care about real failures can check hints.IsHint and treat "nothing to
// recover" as a normal outcome instead of special-casing a nil summary.
func (e *Engine) RecoverySummary(journalPath string) (*journal.Summary, error) {
	state, err := journal.Read(journalPath)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, hints.New("no recovery journal at " + journalPath)
	}
	summary := journal.Summarize(state)
	return &summary, nil
}

// Resume reads the journal at journalPath, rolls back any still-active
// transaction left over from a crash, and resumes the sync over whatever
// plan items remain incomplete. If nothing is pending it removes the journal
// and returns an empty, already-resumed result.
func (e *Engine) Resume(ctx context.Context, journalPath string, opts syncrunner.Options) (syncrunner.Result, error) {
	if err := e.beginRun(); err != nil {
		return syncrunner.Result{}, err
	}
	defer e.endRun()

	state, err := journal.Read(journalPath)
	if err != nil {
		return syncrunner.Result{}, err
	}
	if state == nil {
		return syncrunner.Result{}, &ControlError{Code: "NO_RECOVERY_JOURNAL", Message: "no recovery journal at " + journalPath}
	}

	if err := journal.RecoverActive(state); err != nil {
		return syncrunner.Result{}, err
	}
	writer := journal.NewWriter(journalPath)
	if err := writer.Write(state); err != nil {
		return syncrunner.Result{}, err
	}

	completed := make(map[string]struct{}, len(state.CompletedTargetPaths))
	for _, t := range state.CompletedTargetPaths {
		completed[t] = struct{}{}
	}
	var remaining []syncplan.PlanItem
	for _, item := range state.Plan {
		if _, done := completed[item.TargetRelativePath]; !done {
			remaining = append(remaining, item)
		}
	}

	if len(remaining) == 0 {
		if err := journal.Remove(journalPath); err != nil {
			return syncrunner.Result{}, err
		}
		return syncrunner.Result{
			LeftRoot:           state.LeftRoot,
			RightRoot:          state.RightRoot,
			ResumedFromJournal: true,
		}, nil
	}

	bundle := &syncplan.PlanBundle{
		LeftRoot:            state.LeftRoot,
		RightRoot:           state.RightRoot,
		Plan:                remaining,
		DirectoriesToCreate: state.DirectoriesToCreate,
		TotalCandidates:     len(state.Plan),
		PendingCount:        len(remaining),
	}

	lock, err := runlock.Acquire(ctx, state.RightRoot, runIDFromJournalPath(journalPath))
	if err != nil {
		return syncrunner.Result{}, &ControlError{Code: "SYNC_LOCKED", Message: err.Error()}
	}
	defer lock.Release()

	e.cancel.Store(false)
	e.pause.Store(false)
	opts.JournalPath = journalPath
	opts.ResumeFromJournal = true
	opts.LeftRoot = state.LeftRoot
	opts.RightRoot = state.RightRoot
	opts.DirectoriesToCreate = state.DirectoriesToCreate
	opts.ShouldCancel = e.cancel.Load
	opts.ShouldPause = e.pause.Load

	return syncrunner.Run(ctx, bundle, opts)
}

func (e *Engine) beginRun() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return &ControlError{Code: "SYNC_ALREADY_RUNNING", Message: "a sync is already running on this engine"}
	}
	e.running = true
	return nil
}

func (e *Engine) endRun() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

func runIDFromJournalPath(path string) string {
	if path == "" {
		return "unjournaled"
	}
	return path
}
