// Package journal implements a durable JSON record of plan, progress, and
// in-flight transactions that lets an interrupted sync resume or roll back.
// Every mutation is written atomically (temp file + fsync + rename in the
// journal's own directory) so a reader never observes a half-written file.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lempicka/lempicka-sync/pkg/plog"
	"github.com/lempicka/lempicka-sync/pkg/syncplan"
	"github.com/lempicka/lempicka-sync/pkg/util"
)

const schemaVersion = 1

// ActiveEntry tracks one in-flight copy transaction.
type ActiveEntry struct {
	SourcePath         string    `json:"source_path"`
	TargetPath         string    `json:"target_path"`
	SourceRelativePath string    `json:"source_relative_path"`
	TargetRelativePath string    `json:"target_relative_path"`
	BackupPath         string    `json:"backup_path"`
	StartedAt          time.Time `json:"started_at"`
	Attempt            int       `json:"attempt"`
}

// FailedEntry records one item-level failure for later display/resume.
type FailedEntry struct {
	TargetPath         string    `json:"target_path"`
	TargetRelativePath string    `json:"target_relative_path"`
	Code               string    `json:"code"`
	Message            string    `json:"message"`
	At                 time.Time `json:"at"`
}

// State is the persisted journal schema.
type State struct {
	Version              int                    `json:"version"`
	RunID                string                 `json:"run_id,omitempty"`
	LeftRoot             string                 `json:"left_root"`
	RightRoot            string                 `json:"right_root"`
	StartedAt            time.Time              `json:"started_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
	TotalBytes           int64                  `json:"total_bytes"`
	DirectoriesToCreate  []string               `json:"directories_to_create"`
	Plan                 []syncplan.PlanItem    `json:"plan"`
	CompletedTargetPaths []string               `json:"completed_target_paths"`
	Failed               []FailedEntry          `json:"failed"`
	ActiveEntries        map[string]ActiveEntry `json:"active_entries"`
	BytesTransferred     int64                  `json:"bytes_transferred"`
}

// Summary is the display-oriented projection returned by Summarize.
type Summary struct {
	LeftRoot    string    `json:"left_root"`
	RightRoot   string    `json:"right_root"`
	Total       int       `json:"total"`
	Completed   int       `json:"completed"`
	Pending     int       `json:"pending"`
	FailedCount int       `json:"failed_count"`
	ActiveCount int       `json:"active_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// JournalError is a fatal journal-stage error.
type JournalError struct {
	Code    string
	Message string
	Path    string
}

func (e *JournalError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Path)
}

// New builds a fresh, empty State for a freshly-built plan bundle.
func New(runID string, bundle *syncplan.PlanBundle, now time.Time) *State {
	var totalBytes int64
	for _, item := range bundle.Plan {
		totalBytes += item.SourceSize
	}
	return &State{
		Version:              schemaVersion,
		RunID:                runID,
		LeftRoot:             bundle.LeftRoot,
		RightRoot:            bundle.RightRoot,
		StartedAt:            now,
		UpdatedAt:            now,
		TotalBytes:           totalBytes,
		DirectoriesToCreate:  append([]string(nil), bundle.DirectoriesToCreate...),
		Plan:                 append([]syncplan.PlanItem(nil), bundle.Plan...),
		CompletedTargetPaths: []string{},
		Failed:               []FailedEntry{},
		ActiveEntries:        map[string]ActiveEntry{},
	}
}

// Normalize fills any nil slices/maps left by a hand-built or partially
// decoded State so callers never need a nil check before ranging.
func (s *State) Normalize() {
	if s.CompletedTargetPaths == nil {
		s.CompletedTargetPaths = []string{}
	}
	if s.Failed == nil {
		s.Failed = []FailedEntry{}
	}
	if s.ActiveEntries == nil {
		s.ActiveEntries = map[string]ActiveEntry{}
	}
	if s.DirectoriesToCreate == nil {
		s.DirectoriesToCreate = []string{}
	}
	if s.Plan == nil {
		s.Plan = []syncplan.PlanItem{}
	}
}

// Read parses the journal at path. A missing file returns (nil, nil); a
// malformed file is a fatal error.
func Read(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &JournalError{Code: "FILESYSTEM_ERROR", Message: err.Error(), Path: path}
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, &JournalError{Code: "FILESYSTEM_ERROR", Message: "malformed journal: " + err.Error(), Path: path}
	}
	state.Normalize()
	return &state, nil
}

// Remove deletes the journal file and any checkpoint sibling; absence is
// success.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &JournalError{Code: "FILESYSTEM_ERROR", Message: err.Error(), Path: path}
	}
	if err := os.Remove(checkpointPath(path)); err != nil && !os.IsNotExist(err) {
		plog.Warn("failed to remove journal checkpoint", "path", checkpointPath(path), "error", err)
	}
	return nil
}

// Summarize derives the display-oriented Summary from a full State.
func Summarize(state *State) Summary {
	return Summary{
		LeftRoot:    state.LeftRoot,
		RightRoot:   state.RightRoot,
		Total:       len(state.Plan),
		Completed:   len(state.CompletedTargetPaths),
		Pending:     len(state.Plan) - len(state.CompletedTargetPaths) - len(state.Failed),
		FailedCount: len(state.Failed),
		ActiveCount: len(state.ActiveEntries),
		UpdatedAt:   state.UpdatedAt,
	}
}

// RecoverActive rolls back every still-active transaction left over from a
// crashed run: delete the (possibly partial) target, and if a backup was
// taken, rename it back into place. An absent backup is tolerated; any other
// restore failure is fatal, since it leaves user data at risk.
func RecoverActive(state *State) error {
	for target, entry := range state.ActiveEntries {
		if err := os.Remove(entry.TargetPath); err != nil && !os.IsNotExist(err) {
			return &JournalError{Code: "RESTORE_FAILED", Message: err.Error(), Path: entry.TargetPath}
		}
		if entry.BackupPath != "" {
			if err := os.Rename(entry.BackupPath, entry.TargetPath); err != nil && !os.IsNotExist(err) {
				return &JournalError{Code: "RESTORE_FAILED", Message: err.Error(), Path: entry.BackupPath}
			}
		}
		delete(state.ActiveEntries, target)
	}
	return nil
}

// Writer serializes every mutation of one run's journal into a single FIFO
// queue: callers call Write and block until that write (and every write
// queued ahead of it) has reached disk, so a caller never proceeds to the
// next irreversible step before the journal reflects it.
type Writer struct {
	path         string
	mu           sync.Mutex
	checkpointed int
}

// NewWriter binds a Writer to a journal path. The zero value is not usable;
// always construct through NewWriter so the serializing mutex is ready.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Write serializes state to JSON and durably replaces the journal file:
// create parent directories, write to a temp file in the same directory,
// fsync, close, then atomically rename over the target. Writes from the
// same Writer are mutually exclusive, giving callers the FIFO ordering a
// shared durability log needs.
func (w *Writer) Write(state *State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(state)
}

// Update applies mutate to state and durably writes the result as a single
// serialized step. Concurrent copy transactions sharing one State must go
// through Update rather than mutating the State directly, so a mutation
// never interleaves with an in-flight marshal.
func (w *Writer) Update(state *State, mutate func(*State)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	mutate(state)
	return w.writeLocked(state)
}

func (w *Writer) writeLocked(state *State) error {
	state.UpdatedAt = time.Now()

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return &JournalError{Code: "FILESYSTEM_ERROR", Message: err.Error(), Path: dir}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return &JournalError{Code: "FILESYSTEM_ERROR", Message: "marshal journal: " + err.Error(), Path: w.path}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(w.path)+".*.tmp")
	if err != nil {
		return &JournalError{Code: "FILESYSTEM_ERROR", Message: err.Error(), Path: dir}
	}
	tmpPath := tmp.Name()
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			plog.Warn("failed to remove temporary journal file", "path", tmpPath, "error", err)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &JournalError{Code: "FILESYSTEM_ERROR", Message: err.Error(), Path: tmpPath}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &JournalError{Code: "FILESYSTEM_ERROR", Message: err.Error(), Path: tmpPath}
	}
	if err := tmp.Close(); err != nil {
		return &JournalError{Code: "FILESYSTEM_ERROR", Message: err.Error(), Path: tmpPath}
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		return &JournalError{Code: "FILESYSTEM_ERROR", Message: err.Error(), Path: w.path}
	}

	w.maybeCheckpointLocked(state, data)
	return nil
}

// Path returns the journal path this Writer persists to.
func (w *Writer) Path() string {
	return w.path
}
