// Package syncrunner implements the sync runner: it orchestrates directory
// creation, journal lifecycle, and bounded parallel
// execution of copy transactions across a plan, emitting throttled progress
// and writing the history log. Planned directories are created one after
// another before any copy starts, each MkdirAll running through a
// golang.org/x/sync/singleflight group keyed by its relative path; the
// bounded small-file pool uses errgroup+semaphore from the same module family.
package syncrunner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/google/uuid"

	"github.com/lempicka/lempicka-sync/pkg/copytxn"
	"github.com/lempicka/lempicka-sync/pkg/creationtime"
	"github.com/lempicka/lempicka-sync/pkg/ctrlflow"
	"github.com/lempicka/lempicka-sync/pkg/historylog"
	"github.com/lempicka/lempicka-sync/pkg/journal"
	"github.com/lempicka/lempicka-sync/pkg/pathutil"
	"github.com/lempicka/lempicka-sync/pkg/plog"
	"github.com/lempicka/lempicka-sync/pkg/pool"
	"github.com/lempicka/lempicka-sync/pkg/syncplan"
	"github.com/lempicka/lempicka-sync/pkg/util"
)

// Options configures one Run call.
type Options struct {
	LeftRoot                string
	RightRoot               string
	DirectoriesToCreate     []string
	ShouldCancel            ctrlflow.CancelToken
	ShouldPause             ctrlflow.PauseToken
	ContinueOnError         bool
	RetryCount              int
	RetryBaseDelayMs        int
	SmallFileThresholdBytes int64
	MaxParallelSmallFiles   int
	JournalPath             string
	HistoryLogRotateBytes   int64
	PreserveCreationTime    bool
	OnProgress              func(Event)
	ResumeFromJournal       bool
}

// Event is a single progress notification emitted during a run.
type Event struct {
	Phase                  string
	CurrentIndex           int
	Completed              int
	FailedCount            int
	Total                  int
	TotalBytes             int64
	BytesTransferred       int64
	ThroughputBps          float64
	TargetRelativePath     string
	CurrentFileBytes       int64
	CurrentFileTotalBytes  int64
	ActiveCount            int
	IsPaused               bool
	RetryAttempt           int
	Message                string
}

// FailedItem records one item-level failure in the result.
type FailedItem struct {
	TargetRelativePath string
	Code               string
	Message            string
}

// Result is the outcome of a completed or interrupted run.
type Result struct {
	Copied               int
	Total                int
	BytesCopied          int64
	TotalBytes           int64
	Failed               []FailedItem
	SucceededFiles       []string
	DurationMs           int64
	AverageThroughputBps float64
	LeftRoot             string
	RightRoot            string
	ResumedFromJournal   bool
}

// RunnerError is a fatal runner-stage error.
type RunnerError struct {
	Code    string
	Message string
	Details *Result
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const defaultSmallFileThreshold = 4 * 1024 * 1024
const progressThrottle = 250 * time.Millisecond

// Run executes the full sync sequence over an already-normalized plan.
func Run(ctx context.Context, bundle *syncplan.PlanBundle, opts Options) (Result, error) {
	if bundle == nil {
		return Result{}, &RunnerError{Code: "INVALID_PLAN", Message: "no plan provided"}
	}
	threshold := opts.SmallFileThresholdBytes
	if threshold <= 0 {
		threshold = defaultSmallFileThreshold
	}
	maxParallel := opts.MaxParallelSmallFiles
	if maxParallel <= 0 {
		maxParallel = 3
	}

	start := time.Now()

	// Step 1: fill missing source sizes.
	plan := make([]syncplan.PlanItem, len(bundle.Plan))
	copy(plan, bundle.Plan)
	for i, item := range plan {
		if item.SourceSize > 0 {
			continue
		}
		info, err := os.Stat(item.SourcePath)
		if err != nil {
			return Result{}, &RunnerError{Code: "SOURCE_UNAVAILABLE", Message: err.Error()}
		}
		plan[i].SourceSize = info.Size()
	}

	// Reject any plan item whose target escapes the destination root before
	// anything touches the filesystem.
	if opts.RightRoot != "" {
		for _, item := range plan {
			if item.TargetPath == "" || item.TargetRelativePath == "" {
				return Result{}, &RunnerError{Code: "INVALID_PLAN_ITEM", Message: "plan item is missing a target path"}
			}
			within, err := pathutil.IsPathWithin(opts.RightRoot, item.TargetPath)
			if err != nil {
				return Result{}, &RunnerError{Code: "INVALID_PLAN_ITEM", Message: err.Error()}
			}
			if !within {
				return Result{}, &RunnerError{
					Code:    "INVALID_PLAN_ITEM",
					Message: fmt.Sprintf("target path %s escapes destination root %s", item.TargetPath, opts.RightRoot),
				}
			}
		}
	}

	// Step 2: load or construct journal state, recover stale active entries.
	var writer *journal.Writer
	var state *journal.State
	if opts.JournalPath != "" {
		writer = journal.NewWriter(opts.JournalPath)
		existing, err := journal.Read(opts.JournalPath)
		if err != nil {
			return Result{}, err
		}
		if existing != nil {
			state = existing
			if err := journal.RecoverActive(state); err != nil {
				return Result{}, err
			}
		} else {
			state = journal.New(uuid.NewString(), bundle, start)
			state.Plan = plan
		}
		if err := writer.Write(state); err != nil {
			return Result{}, err
		}
	}

	// Step 3: open the history log.
	historyPath := ""
	if opts.LeftRoot != "" {
		historyPath = filepath.Join(opts.LeftRoot, historylog.FileName)
	}
	log, err := historylog.Open(historyPath, opts.HistoryLogRotateBytes)
	if err != nil {
		return Result{}, &RunnerError{Code: "SYNC_LOG_ERROR", Message: err.Error()}
	}
	defer log.Close()

	// Step 4: create planned directories with singleflight dedup and retry.
	var mkdirGroup singleflight.Group
	for _, dir := range opts.DirectoriesToCreate {
		abs := filepath.Join(opts.RightRoot, dir)
		_, err, _ := mkdirGroup.Do(dir, func() (any, error) {
			return nil, ctrlflow.Retry(ctx, ctrlflow.RetryOptions{
				MaxAttempts: opts.RetryCount,
				BaseDelay:   time.Duration(opts.RetryBaseDelayMs) * time.Millisecond,
				Cancel:      opts.ShouldCancel,
			}, func(attempt int) error {
				return os.MkdirAll(abs, util.UserWritableDirPerms)
			})
		})
		if err != nil {
			return Result{}, &RunnerError{Code: "FILESYSTEM_ERROR", Message: err.Error()}
		}
	}

	var completedList []string
	if state != nil {
		completedList = state.CompletedTargetPaths
	}
	completed := make(map[string]struct{}, len(completedList))
	for _, t := range completedList {
		completed[t] = struct{}{}
	}

	var pending []syncplan.PlanItem
	for _, item := range plan {
		if _, done := completed[item.TargetRelativePath]; done {
			continue
		}
		pending = append(pending, item)
	}

	var small, large []syncplan.PlanItem
	for _, item := range pending {
		if item.SourceSize <= threshold {
			small = append(small, item)
		} else {
			large = append(large, item)
		}
	}

	buffers := pool.NewFixedBuffer(copytxn.DefaultChunkSize)

	tracker := newProgressTracker(opts, len(plan), len(completed))

	// resMu guards the result accumulators; the small-file pool mutates them
	// from several goroutines at once.
	var resMu sync.Mutex
	var failed []FailedItem
	var succeeded []string
	var bytesCopied int64
	aborted := false
	var abortErr error

	runItem := func(item syncplan.PlanItem) error {
		err := ctrlflow.Retry(ctx, ctrlflow.RetryOptions{
			MaxAttempts: opts.RetryCount,
			BaseDelay:   time.Duration(opts.RetryBaseDelayMs) * time.Millisecond,
			Cancel:      opts.ShouldCancel,
			OnRetry: func(ev ctrlflow.RetryEvent) {
				tracker.emitRetrying(item, ev)
			},
		}, func(attemptIdx int) error {
			var preserve func(string, time.Time)
			if opts.PreserveCreationTime {
				preserve = creationtime.Preserve
			}
			return copytxn.Run(copytxn.Options{
				Item:                 item,
				Attempt:              attemptIdx,
				Buffers:              buffers,
				Cancel:               opts.ShouldCancel,
				Pause:                opts.ShouldPause,
				OnPaused:             func() { tracker.emitPaused(item) },
				OnProgress:           func(ev copytxn.ProgressEvent) { tracker.emitCopying(item, ev) },
				JournalWriter:        writer,
				JournalState:         state,
				PreserveCreationTime: preserve,
			})
		})
		if err != nil {
			return err
		}
		if logErr := log.Append(item.SourcePath, item.TargetPath); logErr != nil {
			plog.Warn("history log append failed", "error", logErr)
		}
		return nil
	}

	recordFailure := func(item syncplan.PlanItem, err error) {
		code, message := classify(err)
		resMu.Lock()
		failed = append(failed, FailedItem{TargetRelativePath: item.TargetRelativePath, Code: code, Message: message})
		resMu.Unlock()
		if writer != nil && state != nil {
			_ = writer.Update(state, func(s *journal.State) {
				s.Failed = append(s.Failed, journal.FailedEntry{
					TargetPath:         item.TargetPath,
					TargetRelativePath: item.TargetRelativePath,
					Code:               code,
					Message:            message,
					At:                 time.Now(),
				})
			})
		}
		tracker.emitFailed(item, code, message)
	}

	recordSuccess := func(item syncplan.PlanItem) {
		resMu.Lock()
		bytesCopied += item.SourceSize
		succeeded = append(succeeded, item.TargetRelativePath)
		resMu.Unlock()
		tracker.emitCopied(item)
	}

	// recordAbort stops the run: cancellation always aborts, regardless of
	// ContinueOnError, and no new plan items may start afterwards.
	recordAbort := func(err error) {
		resMu.Lock()
		if !aborted {
			aborted = true
			abortErr = err
		}
		resMu.Unlock()
	}
	runAborted := func() bool {
		resMu.Lock()
		defer resMu.Unlock()
		return aborted
	}

	// Step 6-7: small files (bounded pool when continue_on_error), large
	// files always sequential.
	if opts.ContinueOnError && len(small) > 0 {
		sem := semaphore.NewWeighted(int64(min(maxParallel, len(small))))
		group, gctx := errgroup.WithContext(ctx)
		for _, item := range small {
			item := item
			if runAborted() {
				break
			}
			if err := sem.Acquire(gctx, 1); err != nil {
				break
			}
			group.Go(func() error {
				defer sem.Release(1)
				if runAborted() {
					return nil
				}
				if err := runItem(item); err != nil {
					if isCancelled(err) {
						recordAbort(err)
						return nil
					}
					recordFailure(item, err)
				} else {
					recordSuccess(item)
				}
				return nil
			})
		}
		_ = group.Wait()
	} else {
		for _, item := range small {
			if err := runItem(item); err != nil {
				if isCancelled(err) || !opts.ContinueOnError {
					recordAbort(err)
					break
				}
				recordFailure(item, err)
				continue
			}
			recordSuccess(item)
		}
	}

	if !runAborted() {
		for _, item := range large {
			if err := runItem(item); err != nil {
				if isCancelled(err) || !opts.ContinueOnError {
					recordAbort(err)
					break
				}
				recordFailure(item, err)
				continue
			}
			recordSuccess(item)
		}
	}

	duration := time.Since(start)
	var throughput float64
	if duration > 0 {
		throughput = float64(bytesCopied) / duration.Seconds()
	}

	result := Result{
		Copied:               len(succeeded),
		Total:                len(plan),
		BytesCopied:          bytesCopied,
		TotalBytes:           sumBytes(plan),
		Failed:               failed,
		SucceededFiles:       succeeded,
		DurationMs:           duration.Milliseconds(),
		AverageThroughputBps: throughput,
		LeftRoot:             opts.LeftRoot,
		RightRoot:            opts.RightRoot,
		ResumedFromJournal:   opts.ResumeFromJournal,
	}

	if aborted {
		if writer != nil {
			_ = writer.Write(state)
		}
		tracker.emitComplete(result, false)
		code := "SYNC_CANCELLED"
		if ce, ok := abortErr.(*copytxn.TxnError); ok {
			code = ce.Code
		}
		return result, &RunnerError{Code: code, Message: abortErr.Error(), Details: &result}
	}

	if writer != nil {
		if len(failed) == 0 {
			_ = journal.Remove(opts.JournalPath)
		} else {
			_ = writer.Write(state)
		}
	}
	tracker.emitComplete(result, true)
	return result, nil
}

func sumBytes(plan []syncplan.PlanItem) int64 {
	var total int64
	for _, item := range plan {
		total += item.SourceSize
	}
	return total
}

// isCancelled reports whether err is the cooperative-cancel signal, either
// raw from the retry kernel or wrapped by a copy transaction.
func isCancelled(err error) bool {
	if errors.Is(err, ctrlflow.ErrCancelled) {
		return true
	}
	var txnErr *copytxn.TxnError
	return errors.As(err, &txnErr) && txnErr.Code == "SYNC_CANCELLED"
}

func classify(err error) (code, message string) {
	switch e := err.(type) {
	case *copytxn.TxnError:
		return e.Code, e.Message
	default:
		return "SYNC_COPY_FAILED", err.Error()
	}
}

