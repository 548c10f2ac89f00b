// Package historylog implements an append-only history log for the sync
// runner: one line per successful transaction, plus bounded rotation via
// pgzip once the live log crosses a size threshold.
package historylog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/lempicka/lempicka-sync/pkg/plog"
	"github.com/lempicka/lempicka-sync/pkg/pool"
	"github.com/lempicka/lempicka-sync/pkg/util"
)

// rotateBuffers feeds compressAndTruncate's copy loop; rotation is rare and
// bursty, so the buffers live in a bucketed pool instead of per-call
// allocations.
var rotateBuffers = pool.NewBucketedBufferPool(64*1024, 1024*1024)

// FileName is the history log's fixed basename, resolved under left_root.
const FileName = "sync-history.log"

// DefaultRotateThresholdBytes is the reference size at which the log is
// rotated to a compressed sibling before further lines are appended.
const DefaultRotateThresholdBytes = 8 * 1024 * 1024

// LogError wraps a history-log failure with a stable error code.
type LogError struct {
	Code    string
	Message string
	Path    string
}

func (e *LogError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Path)
}

// Log is a single append-mode handle for one run, with writes serialized
// independently of the journal.
type Log struct {
	path            string
	rotateThreshold int64
	mu              sync.Mutex
	file            *os.File
}

// Open opens (creating if absent) the history log at path in append mode.
// An empty path disables logging and every subsequent Append is a no-op.
func Open(path string, rotateThresholdBytes int64) (*Log, error) {
	if path == "" {
		return &Log{}, nil
	}
	if rotateThresholdBytes <= 0 {
		rotateThresholdBytes = DefaultRotateThresholdBytes
	}

	if err := os.MkdirAll(filepath.Dir(path), util.UserWritableDirPerms); err != nil {
		return nil, &LogError{Code: "SYNC_LOG_ERROR", Message: err.Error(), Path: path}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, util.UserWritableFilePerms)
	if err != nil {
		return nil, &LogError{Code: "SYNC_LOG_ERROR", Message: err.Error(), Path: path}
	}

	return &Log{path: path, rotateThreshold: rotateThresholdBytes, file: f}, nil
}

// Append writes one "<timestamp>\t<source_path>\t<target_path>\n" line in
// local time, rotating the log first if it has crossed the threshold.
func (l *Log) Append(sourcePath, targetPath string) error {
	if l.file == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateIfNeeded(); err != nil {
		return err
	}

	line := fmt.Sprintf("%s\t%s\t%s\n", time.Now().Format("2006-01-02 15:04:05"), sourcePath, targetPath)
	if _, err := l.file.WriteString(line); err != nil {
		return &LogError{Code: "SYNC_LOG_ERROR", Message: err.Error(), Path: l.path}
	}
	return nil
}

// rotateIfNeeded compresses the current log to "<path>.1.gz" and truncates
// it once it has grown past rotateThreshold. Must be called with mu held.
func (l *Log) rotateIfNeeded() error {
	info, err := l.file.Stat()
	if err != nil {
		return &LogError{Code: "SYNC_LOG_ERROR", Message: err.Error(), Path: l.path}
	}
	if info.Size() < l.rotateThreshold {
		return nil
	}

	if err := l.file.Close(); err != nil {
		return &LogError{Code: "SYNC_LOG_ERROR", Message: err.Error(), Path: l.path}
	}

	if err := compressAndTruncate(l.path); err != nil {
		plog.Warn("history log rotation failed, continuing without rotation", "path", l.path, "error", err)
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, util.UserWritableFilePerms)
	if err != nil {
		return &LogError{Code: "SYNC_LOG_ERROR", Message: err.Error(), Path: l.path}
	}
	l.file = f
	return nil
}

func compressAndTruncate(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	rotatedPath := path + ".1.gz"
	dst, err := os.Create(rotatedPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	gz := pgzip.NewWriter(dst)
	bufPtr := rotateBuffers.Get(256 * 1024)
	defer rotateBuffers.Put(bufPtr)
	if _, err := io.CopyBuffer(gz, struct{ io.Reader }{src}, *bufPtr); err != nil {
		gz.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	return os.Truncate(path, 0)
}

// Close closes the underlying handle, tolerating an already-disabled log.
func (l *Log) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
