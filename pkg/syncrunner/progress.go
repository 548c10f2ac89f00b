package syncrunner

import (
	"sync"
	"time"

	"github.com/lempicka/lempicka-sync/pkg/copytxn"
	"github.com/lempicka/lempicka-sync/pkg/ctrlflow"
	"github.com/lempicka/lempicka-sync/pkg/syncplan"
)

// progressTracker accumulates the counters behind each run's progress
// events and throttles "copying" emission to at most once per
// progressThrottle window; every other phase is always emitted.
type progressTracker struct {
	onProgress func(Event)
	total      int
	mu         sync.Mutex
	completed  int
	failed     int
	bytesDone  int64
	start      time.Time
	lastEmit   time.Time
}

func newProgressTracker(opts Options, total, alreadyCompleted int) *progressTracker {
	return &progressTracker{
		onProgress: opts.OnProgress,
		total:      total,
		completed:  alreadyCompleted,
		start:      time.Now(),
	}
}

func (t *progressTracker) emit(ev Event) {
	if t.onProgress == nil {
		return
	}
	t.onProgress(ev)
}

// throughputOf derives bytes-per-second from the run's start time and a
// byte count the caller captured under the tracker's lock.
func (t *progressTracker) throughputOf(bytes int64) float64 {
	elapsed := time.Since(t.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed
}

func (t *progressTracker) emitCopying(item syncplan.PlanItem, progress copytxn.ProgressEvent) {
	t.mu.Lock()
	now := time.Now()
	if !t.lastEmit.IsZero() && now.Sub(t.lastEmit) < progressThrottle {
		t.mu.Unlock()
		return
	}
	t.lastEmit = now
	completed, failed, bytesDone := t.completed, t.failed, t.bytesDone
	t.mu.Unlock()

	t.emit(Event{
		Phase:                 "copying",
		Completed:             completed,
		FailedCount:           failed,
		Total:                 t.total,
		BytesTransferred:      bytesDone + progress.BytesTransferred,
		ThroughputBps:         t.throughputOf(bytesDone + progress.BytesTransferred),
		TargetRelativePath:    item.TargetRelativePath,
		CurrentFileBytes:      progress.BytesTransferred,
		CurrentFileTotalBytes: progress.TotalBytes,
	})
}

func (t *progressTracker) emitCopied(item syncplan.PlanItem) {
	t.mu.Lock()
	t.completed++
	t.bytesDone += item.SourceSize
	completed, failed, bytesDone := t.completed, t.failed, t.bytesDone
	t.mu.Unlock()

	t.emit(Event{
		Phase:              "copied",
		Completed:          completed,
		FailedCount:        failed,
		Total:              t.total,
		BytesTransferred:   bytesDone,
		ThroughputBps:      t.throughputOf(bytesDone),
		TargetRelativePath: item.TargetRelativePath,
	})
}

func (t *progressTracker) emitFailed(item syncplan.PlanItem, code, message string) {
	t.mu.Lock()
	t.failed++
	completed, failed, bytesDone := t.completed, t.failed, t.bytesDone
	t.mu.Unlock()

	t.emit(Event{
		Phase:              "failed",
		Completed:          completed,
		FailedCount:        failed,
		Total:              t.total,
		BytesTransferred:   bytesDone,
		TargetRelativePath: item.TargetRelativePath,
		Message:            code + ": " + message,
	})
}

func (t *progressTracker) emitPaused(item syncplan.PlanItem) {
	t.mu.Lock()
	completed, failed, bytesDone := t.completed, t.failed, t.bytesDone
	t.mu.Unlock()

	t.emit(Event{
		Phase:              "paused",
		Completed:          completed,
		FailedCount:        failed,
		Total:              t.total,
		BytesTransferred:   bytesDone,
		TargetRelativePath: item.TargetRelativePath,
		IsPaused:           true,
	})
}

func (t *progressTracker) emitRetrying(item syncplan.PlanItem, ev ctrlflow.RetryEvent) {
	t.mu.Lock()
	completed, failed, bytesDone := t.completed, t.failed, t.bytesDone
	t.mu.Unlock()

	t.emit(Event{
		Phase:              "retrying",
		Completed:          completed,
		FailedCount:        failed,
		Total:              t.total,
		BytesTransferred:   bytesDone,
		TargetRelativePath: item.TargetRelativePath,
		RetryAttempt:       ev.Attempt,
		Message:            ev.Err.Error(),
	})
}

func (t *progressTracker) emitComplete(result Result, success bool) {
	message := "sync complete"
	if !success {
		message = "sync aborted"
	}
	t.emit(Event{
		Phase:            "complete",
		Completed:        result.Copied,
		FailedCount:      len(result.Failed),
		Total:            result.Total,
		TotalBytes:       result.TotalBytes,
		BytesTransferred: result.BytesCopied,
		ThroughputBps:    result.AverageThroughputBps,
		Message:          message,
	})
}
