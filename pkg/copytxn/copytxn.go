// Package copytxn implements the per-file copy transaction: a state
// machine that moves one plan item from IDLE through PLANNED, BACKED_UP,
// WRITTEN to COMMITTED, with rollback on any failure or cancellation. The
// backup-then-write-in-place sequence (rename the existing destination
// aside, then open the now-vacant path with an exclusive create) keeps the
// in-flight marker in the recovery journal so a crash mid-copy can be
// rolled back from outside the process that started it.
package copytxn

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/lempicka/lempicka-sync/pkg/ctrlflow"
	"github.com/lempicka/lempicka-sync/pkg/journal"
	"github.com/lempicka/lempicka-sync/pkg/plog"
	"github.com/lempicka/lempicka-sync/pkg/pool"
	"github.com/lempicka/lempicka-sync/pkg/syncplan"
	"github.com/lempicka/lempicka-sync/pkg/util"
)

// DefaultChunkSize is the internal copy buffer size used when no pool
// buffer size is otherwise specified.
const DefaultChunkSize = 256 * 1024

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// TxnError is a fatal or item-level copy-transaction error.
type TxnError struct {
	Code    string
	Message string
	Path    string
	OSCode  string
}

func (e *TxnError) Error() string {
	if hint := ctrlflow.HintFor(e.OSCode); hint != "" {
		return fmt.Sprintf("%s: %s (%s): %s", e.Code, e.Message, e.Path, hint)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Path)
}

// OSErrorCode implements ctrlflow's codeCarrier interface.
func (e *TxnError) OSErrorCode() string { return e.OSCode }

func osCode(err error) string { return ctrlflow.OSCode(err) }

// ProgressEvent reports chunk-level progress within a single transaction.
type ProgressEvent struct {
	TargetRelativePath string
	BytesTransferred   int64
	TotalBytes         int64
}

// Options configures one Run call.
type Options struct {
	Item                 syncplan.PlanItem
	Attempt              int
	ChunkSize            int64
	Buffers              *pool.FixedBufferPool
	Cancel               ctrlflow.CancelToken
	Pause                ctrlflow.PauseToken
	OnPaused             func()
	OnProgress           func(ProgressEvent)
	JournalWriter        *journal.Writer
	JournalState         *journal.State
	PreserveCreationTime func(path string, created time.Time)
}

// Run executes the full state machine for one plan item.
func Run(opts Options) error {
	item := opts.Item
	buffers := opts.Buffers
	if buffers == nil {
		buffers = pool.NewFixedBuffer(DefaultChunkSize)
	}

	// IDLE: preflight, is the source readable at all?
	srcInfo, err := os.Stat(item.SourcePath)
	if err != nil {
		return &TxnError{Code: "SOURCE_UNAVAILABLE", Message: err.Error(), Path: item.SourcePath, OSCode: osCode(err)}
	}

	// PLANNED: register the active entry before anything destructive.
	entry := journal.ActiveEntry{
		SourcePath:         item.SourcePath,
		TargetPath:         item.TargetPath,
		SourceRelativePath: item.SourceRelativePath,
		TargetRelativePath: item.TargetRelativePath,
		BackupPath:         "",
		StartedAt:          time.Now(),
		Attempt:            opts.Attempt,
	}
	if err := persistActive(opts, entry); err != nil {
		return err
	}

	// BACKED_UP: if a destination already exists, rename it aside. Up to
	// this point the transaction has written nothing at the target path, so
	// an early exit must leave whatever sits there untouched: clear the
	// active entry and propagate, never the delete-partial rollback path.
	destInfo, statErr := os.Lstat(item.TargetPath)
	switch {
	case statErr == nil && !destInfo.Mode().IsRegular():
		if clearErr := clearActive(opts, entry); clearErr != nil {
			return clearErr
		}
		return &TxnError{Code: "DESTINATION_PATH_CONFLICT", Message: "destination exists and is not a regular file", Path: item.TargetPath}
	case statErr == nil:
		backupPath, err := backupAside(item.TargetPath)
		if err != nil {
			if clearErr := clearActive(opts, entry); clearErr != nil {
				return clearErr
			}
			return err
		}
		entry.BackupPath = backupPath
		if err := persistActive(opts, entry); err != nil {
			return err
		}
	case os.IsNotExist(statErr):
		// No prior destination; proceed with backup_path == "".
	default:
		if clearErr := clearActive(opts, entry); clearErr != nil {
			return clearErr
		}
		return &TxnError{Code: "FILESYSTEM_ERROR", Message: statErr.Error(), Path: item.TargetPath, OSCode: osCode(statErr)}
	}

	// WRITTEN: stream the source into the now-vacant target path.
	if err := streamCopy(opts, buffers, item); err != nil {
		if rollbackErr := rollback(opts, entry); rollbackErr != nil {
			return rollbackErr
		}
		return err
	}

	if opts.PreserveCreationTime != nil {
		opts.PreserveCreationTime(item.TargetPath, srcInfo.ModTime())
	}

	if entry.BackupPath != "" {
		if err := os.Remove(entry.BackupPath); err != nil && !os.IsNotExist(err) {
			return &TxnError{Code: "BACKUP_CLEANUP_FAILED", Message: err.Error(), Path: entry.BackupPath, OSCode: osCode(err)}
		}
	}

	// COMMITTED
	return commit(opts, entry)
}

// streamCopy opens the target with an exclusive create and copies the
// source into it in fixed-size chunks, honoring cancel/pause at each one and
// performing a full write loop per chunk (short writes are retried
// in-segment rather than surfaced as errors).
func streamCopy(opts Options, buffers *pool.FixedBufferPool, item syncplan.PlanItem) error {
	src, err := os.Open(item.SourcePath)
	if err != nil {
		return &TxnError{Code: "SOURCE_UNAVAILABLE", Message: err.Error(), Path: item.SourcePath, OSCode: osCode(err)}
	}
	defer src.Close()

	dst, err := os.OpenFile(item.TargetPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, util.UserWritableFilePerms)
	if err != nil {
		return &TxnError{Code: "DESTINATION_UNAVAILABLE", Message: err.Error(), Path: item.TargetPath, OSCode: osCode(err)}
	}

	bufPtr := buffers.Get()
	defer buffers.Put(bufPtr)
	buf := *bufPtr

	var transferred int64
	for {
		if err := ctrlflow.Checkpoint(context.Background(), opts.Cancel, opts.Pause, opts.OnPaused); err != nil {
			dst.Close()
			return wrapCancel(err)
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if err := writeFull(dst, buf[:n]); err != nil {
				dst.Close()
				return &TxnError{Code: "SYNC_COPY_FAILED", Message: err.Error(), Path: item.TargetPath, OSCode: osCode(err)}
			}
			transferred += int64(n)
			if opts.OnProgress != nil {
				opts.OnProgress(ProgressEvent{
					TargetRelativePath: item.TargetRelativePath,
					BytesTransferred:   transferred,
					TotalBytes:         item.SourceSize,
				})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			dst.Close()
			return &TxnError{Code: "SYNC_COPY_FAILED", Message: readErr.Error(), Path: item.SourcePath, OSCode: osCode(readErr)}
		}

		if err := ctrlflow.Checkpoint(context.Background(), opts.Cancel, opts.Pause, opts.OnPaused); err != nil {
			dst.Close()
			return wrapCancel(err)
		}
	}

	// Flush before any externally visible commit so the file's size is
	// authoritative.
	if err := dst.Sync(); err != nil {
		dst.Close()
		return &TxnError{Code: "SYNC_COPY_FAILED", Message: err.Error(), Path: item.TargetPath, OSCode: osCode(err)}
	}
	if err := dst.Close(); err != nil {
		return &TxnError{Code: "SYNC_COPY_FAILED", Message: err.Error(), Path: item.TargetPath, OSCode: osCode(err)}
	}
	return nil
}

// writeFull performs a full write loop for one chunk: short writes are
// retried in-segment rather than treated as errors.
func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func wrapCancel(err error) error {
	if err == ctrlflow.ErrCancelled {
		return &TxnError{Code: "SYNC_CANCELLED", Message: "cancelled during copy"}
	}
	return &TxnError{Code: "SYNC_CANCELLED", Message: err.Error()}
}

// backupAside renames the existing destination file aside to a freshly
// generated temporary name in the same directory, regenerating the name on
// collision.
func backupAside(targetPath string) (string, error) {
	dir := filepath.Dir(targetPath)
	base := filepath.Base(targetPath)

	for attempt := 0; attempt < 8; attempt++ {
		name, err := generateBackupName(base)
		if err != nil {
			return "", &TxnError{Code: "FILESYSTEM_ERROR", Message: err.Error(), Path: targetPath}
		}
		backupPath := filepath.Join(dir, name)

		if _, err := os.Lstat(backupPath); err == nil {
			continue // collision, regenerate
		} else if !os.IsNotExist(err) {
			return "", &TxnError{Code: "FILESYSTEM_ERROR", Message: err.Error(), Path: backupPath, OSCode: osCode(err)}
		}

		if err := os.Rename(targetPath, backupPath); err != nil {
			return "", &TxnError{Code: "FILESYSTEM_ERROR", Message: err.Error(), Path: targetPath, OSCode: osCode(err)}
		}
		return backupPath, nil
	}
	return "", &TxnError{Code: "FILESYSTEM_ERROR", Message: "could not allocate a unique backup name", Path: targetPath}
}

// generateBackupName builds a backup-aside name that is unique per process
// and call: "." + basename + ".lempicka-tmp-" + epoch_ms + "-" + pid +
// "-" + rand6.
func generateBackupName(basename string) (string, error) {
	suffix, err := randomAlphanumeric(6)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(".%s.lempicka-tmp-%d-%d-%s", basename, time.Now().UnixMilli(), os.Getpid(), suffix), nil
}

func randomAlphanumeric(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate random suffix: %w", err)
	}
	out := make([]byte, n)
	for i, b := range raw {
		out[i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return string(out), nil
}

// rollback restores the pre-transaction state: delete a partial target
// (ENOENT tolerated), restore a backup if one was taken (any non-ENOENT
// failure is fatal and surfaced as RESTORE_FAILED), and clear the active
// entry.
func rollback(opts Options, entry journal.ActiveEntry) error {
	if err := os.Remove(entry.TargetPath); err != nil && !os.IsNotExist(err) {
		plog.Warn("failed to remove partial target during rollback", "path", entry.TargetPath, "error", err)
	}
	if entry.BackupPath != "" {
		if err := os.Rename(entry.BackupPath, entry.TargetPath); err != nil && !os.IsNotExist(err) {
			return &TxnError{Code: "RESTORE_FAILED", Message: err.Error(), Path: entry.BackupPath, OSCode: osCode(err)}
		}
	}
	return clearActive(opts, entry)
}

func persistActive(opts Options, entry journal.ActiveEntry) error {
	if opts.JournalWriter == nil || opts.JournalState == nil {
		return nil
	}
	return opts.JournalWriter.Update(opts.JournalState, func(s *journal.State) {
		s.ActiveEntries[entry.TargetPath] = entry
	})
}

func clearActive(opts Options, entry journal.ActiveEntry) error {
	if opts.JournalWriter == nil || opts.JournalState == nil {
		return nil
	}
	return opts.JournalWriter.Update(opts.JournalState, func(s *journal.State) {
		delete(s.ActiveEntries, entry.TargetPath)
	})
}

func commit(opts Options, entry journal.ActiveEntry) error {
	if opts.JournalWriter == nil || opts.JournalState == nil {
		return nil
	}
	return opts.JournalWriter.Update(opts.JournalState, func(s *journal.State) {
		delete(s.ActiveEntries, entry.TargetPath)
		s.CompletedTargetPaths = append(s.CompletedTargetPaths, entry.TargetRelativePath)
		s.BytesTransferred += opts.Item.SourceSize
	})
}
