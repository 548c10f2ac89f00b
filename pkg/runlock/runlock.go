// Package runlock implements a single-run-at-a-time guard: before a sync
// starts it takes an exclusive lock in the destination root, using an
// atomic-create-then-stale-takeover scheme with a heartbeat that tracks the
// owning run.
package runlock

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lempicka/lempicka-sync/pkg/plog"
	"github.com/lempicka/lempicka-sync/pkg/util"
)

// LockFileName is the lock file created in the destination root while a
// sync is running.
const LockFileName = ".~lempicka-sync.lock"

// Content is the data written to the lock file.
type Content struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce,omitempty"`
	RunID      string    `json:"runID"`
}

// ErrLockActive reports that another process currently holds the run lock.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	RunID     string
	TimeSince time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("a sync is already running (PID %d on host %q, run %s), last heartbeat %s ago",
		e.PID, e.Hostname, e.RunID, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace reports that this process lost a stale-lock takeover race.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorrupt reports an unreadable or empty lock file.
var ErrCorrupt = errors.New("lock file is corrupt or empty")

var (
	heartbeatInterval = 15 * time.Second
	staleTimeout      = 3 * heartbeatInterval
)

// Lock is a held run lock; release it with Release once the run finishes.
type Lock struct {
	path    string
	content Content
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	held    bool
}

// Acquire takes the single-run guard in dirPath, retrying through stale-lock
// takeover up to a small attempt budget. It returns *ErrLockActive if a live
// sync already owns the lock.
func Acquire(ctx context.Context, dirPath, runID string) (*Lock, error) {
	path := filepath.Join(dirPath, LockFileName)
	const maxAttempts = 3

	for range maxAttempts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lock, err := tryAcquire(path, runID)
		if err == nil {
			cleanupTempFiles(path)
			go lock.heartbeat()
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access run lock: %w", err)
		}

		content, readErr := readContentSafely(path)
		if readErr != nil {
			if errors.Is(readErr, ErrCorrupt) {
				plog.Warn("found corrupt run lock, treating as stale", "path", path, "error", readErr)
			} else {
				time.Sleep(50 * time.Millisecond)
				continue
			}
		} else {
			elapsed := time.Since(content.LastUpdate)
			if elapsed < staleTimeout {
				return nil, &ErrLockActive{PID: content.PID, Hostname: content.Hostname, RunID: content.RunID, TimeSince: elapsed}
			}
			plog.Warn("found stale run lock, attempting takeover", "pid", content.PID, "age", elapsed)
		}

		lock, takeoverErr := attemptTakeover(path, runID)
		if takeoverErr != nil {
			if !errors.Is(takeoverErr, ErrLostRace) {
				plog.Warn("failed to take over stale run lock, retrying", "error", takeoverErr)
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		cleanupTempFiles(path)
		go lock.heartbeat()
		return lock, nil
	}

	return nil, fmt.Errorf("failed to acquire run lock after %d attempts", maxAttempts)
}

func tryAcquire(path, runID string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()

	content := Content{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		LastUpdate: time.Now().UTC(),
		Nonce:      nonce,
		RunID:      runID,
	}

	l := newLock(path, content)
	if err := writeContent(f, content); err != nil {
		l.cleanup()
		return nil, err
	}
	return l, nil
}

func newLock(path string, content Content) *Lock {
	ctx, cancel := context.WithCancel(context.Background())
	return &Lock{path: path, content: content, ctx: ctx, cancel: cancel, held: true}
}

// Release stops the heartbeat and removes the lock file.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return
	}
	l.cancel()
	l.cleanup()
	l.held = false
}

func attemptTakeover(path, runID string) (*Lock, error) {
	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()
	myPID := int64(os.Getpid())

	content := Content{PID: myPID, Hostname: hostname, LastUpdate: time.Now().UTC(), Nonce: nonce, RunID: runID}
	if err := updateContentAtomic(path, content); err != nil {
		return nil, err
	}

	readback, err := readContentSafely(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read back run lock after takeover: %w", err)
	}
	if readback.PID == myPID && readback.Nonce == nonce {
		return newLock(path, content), nil
	}
	return nil, ErrLostRace
}

func (l *Lock) cleanup() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("failed to remove run lock", "path", l.path, "error", err)
	}
}

func (l *Lock) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.content.LastUpdate = time.Now().UTC()
			if err := updateContentAtomic(l.path, l.content); err != nil {
				plog.Warn("run lock heartbeat failed", "error", err)
			}
		}
	}
}

func updateContentAtomic(path string, content Content) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp run lock: %w", err)
	}
	defer func() {
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
			plog.Warn("failed to remove temp run lock", "path", tmp.Name(), "error", err)
		}
	}()

	if err := writeContent(tmp, content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp run lock: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp run lock into place: %w", err)
	}
	return nil
}

func cleanupTempFiles(path string) {
	dir := filepath.Dir(path)
	pattern := filepath.Join(dir, filepath.Base(path)+".*.tmp")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	threshold := time.Now().Add(-staleTimeout)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		if info.ModTime().Before(threshold) {
			if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
				plog.Warn("failed to remove leftover temp run lock", "path", match, "error", err)
			}
		}
	}
}

func generateNonce() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return fmt.Sprintf("%x", raw), nil
}

func writeContent(w io.Writer, content Content) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write run lock content: %w", err)
	}
	return nil
}

func readContentSafely(path string) (Content, error) {
	var lastErr, lastCorruptErr error
	for range 3 {
		f, err := os.Open(path)
		if err != nil {
			return Content{}, err
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			lastErr = err
			time.Sleep(20 * time.Millisecond)
			continue
		}
		if len(data) == 0 {
			lastCorruptErr = fmt.Errorf("run lock file is empty")
			time.Sleep(20 * time.Millisecond)
			continue
		}
		var content Content
		if lastCorruptErr = json.Unmarshal(data, &content); lastCorruptErr != nil {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		return content, nil
	}
	if lastCorruptErr != nil {
		return Content{}, fmt.Errorf("%w: %v", ErrCorrupt, lastCorruptErr)
	}
	return Content{}, fmt.Errorf("failed to read run lock: %w", lastErr)
}
