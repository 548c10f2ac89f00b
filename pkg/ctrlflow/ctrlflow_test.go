package ctrlflow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/lempicka/lempicka-sync/pkg/ctrlflow"
)

type codedErr struct{ code string }

func (e *codedErr) Error() string       { return "coded: " + e.code }
func (e *codedErr) OSErrorCode() string { return e.code }

func TestOSCodeClassifiesErrno(t *testing.T) {
	err := &os.PathError{Op: "write", Path: "/dst/file.txt", Err: syscall.ENOSPC}
	if got := ctrlflow.OSCode(err); got != "ENOSPC" {
		t.Errorf("OSCode = %q, want ENOSPC", got)
	}
	if got := ctrlflow.OSCode(fmt.Errorf("wrapped: %w", os.ErrNotExist)); got != "ENOENT" {
		t.Errorf("OSCode = %q, want ENOENT", got)
	}
	if got := ctrlflow.OSCode(errors.New("opaque")); got != "UNKNOWN" {
		t.Errorf("OSCode = %q, want UNKNOWN", got)
	}
}

func TestHintFor(t *testing.T) {
	if hint := ctrlflow.HintFor("ENOSPC"); hint != "No space left on destination device." {
		t.Errorf("HintFor(ENOSPC) = %q", hint)
	}
	if hint := ctrlflow.HintFor("UNKNOWN"); hint != "" {
		t.Errorf("HintFor(UNKNOWN) = %q, want empty", hint)
	}
}

func TestCheckpointCancel(t *testing.T) {
	cancelled := true
	err := ctrlflow.Checkpoint(context.Background(), func() bool { return cancelled }, nil, nil)
	if err != ctrlflow.ErrCancelled {
		t.Fatalf("Checkpoint() = %v, want ErrCancelled", err)
	}
}

func TestCheckpointPauseThenCancel(t *testing.T) {
	paused := true
	ticks := 0
	cancel := func() bool {
		ticks++
		return ticks > 2
	}
	pause := func() bool { return paused }

	err := ctrlflow.Checkpoint(context.Background(), cancel, pause, func() {})
	if err != ctrlflow.ErrCancelled {
		t.Fatalf("Checkpoint() = %v, want ErrCancelled", err)
	}
}

func TestIsRecoverable(t *testing.T) {
	if !ctrlflow.IsRecoverable("EBUSY") {
		t.Error("EBUSY should be recoverable")
	}
	if ctrlflow.IsRecoverable("ENOSPC") {
		t.Error("ENOSPC must not be recoverable")
	}
}

func TestRetrySucceedsAfterRecoverableFailures(t *testing.T) {
	attempts := 0
	err := ctrlflow.Retry(context.Background(), ctrlflow.RetryOptions{
		MaxAttempts: 2,
		BaseDelay:   1 * time.Millisecond,
	}, func(attempt int) error {
		attempts++
		if attempts < 3 {
			return &codedErr{code: "EBUSY"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() = %v, want nil", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryGivesUpOnUnrecoverable(t *testing.T) {
	attempts := 0
	wantErr := &codedErr{code: "ENOSPC"}
	err := ctrlflow.Retry(context.Background(), ctrlflow.RetryOptions{
		MaxAttempts: 2,
		BaseDelay:   1 * time.Millisecond,
	}, func(attempt int) error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Retry() = %v, want %v", err, wantErr)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry for unrecoverable code)", attempts)
	}
}

func TestRetryExhaustsMaxAttempts(t *testing.T) {
	attempts := 0
	err := ctrlflow.Retry(context.Background(), ctrlflow.RetryOptions{
		MaxAttempts: 2,
		BaseDelay:   1 * time.Millisecond,
	}, func(attempt int) error {
		attempts++
		return &codedErr{code: "EBUSY"}
	})
	if err == nil {
		t.Fatal("expected a final error after exhausting retries")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (1 initial + 2 retries)", attempts)
	}
}

func TestRetryRespectsCancel(t *testing.T) {
	cancelled := false
	attempts := 0
	err := ctrlflow.Retry(context.Background(), ctrlflow.RetryOptions{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Millisecond,
		Cancel:      func() bool { return cancelled },
	}, func(attempt int) error {
		attempts++
		cancelled = true
		return &codedErr{code: "EBUSY"}
	})
	if err != ctrlflow.ErrCancelled {
		t.Fatalf("Retry() = %v, want ErrCancelled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
