// Package creationtime implements a best-effort platform creation-date
// hook for the copy transaction: after a file has been fully written, try
// to stamp its creation time with the timestamp the caller passes (copytxn
// passes the source file's modification time). Failure here must never
// affect the result of the transaction — a side action that logs and moves
// on, never aborts the run.
package creationtime

import (
	"time"

	"github.com/lempicka/lempicka-sync/pkg/plog"
)

// Preserve attempts to set path's creation timestamp to created, logging and
// swallowing any failure: the platform may not support it, the filesystem
// may not store it, or permissions may forbid it, and none of that is
// grounds for failing an otherwise-successful copy.
func Preserve(path string, created time.Time) {
	if created.IsZero() {
		return
	}
	if err := setCreationTime(path, created); err != nil {
		plog.Debug("creation-date preservation skipped", "path", path, "error", err)
	}
}
