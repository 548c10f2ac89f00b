// Package treescan recursively enumerates a root directory, filtering
// hidden, system, and symlink entries, and yields an ordered stream of
// file records.
package treescan

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/lempicka/lempicka-sync/pkg/ctrlflow"
	"github.com/lempicka/lempicka-sync/pkg/pathutil"
	"github.com/lempicka/lempicka-sync/pkg/plog"
)

// FileRecord is one accepted file under a scanned root.
type FileRecord struct {
	FullPath     string
	RelativePath string
	SizeBytes    int64
}

// ScanError wraps a filesystem failure encountered while scanning, carrying
// the stable error code the rest of the engine switches on.
type ScanError struct {
	Code    string
	Message string
	Path    string
	OSCode  string
}

func (e *ScanError) Error() string {
	if hint := ctrlflow.HintFor(e.OSCode); hint != "" {
		return fmt.Sprintf("%s: %s (%s): %s", e.Code, e.Message, e.Path, hint)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Path)
}

// OSErrorCode implements ctrlflow's codeCarrier interface so the retry
// kernel can classify a scan failure as recoverable or not.
func (e *ScanError) OSErrorCode() string {
	return e.OSCode
}

func newFilesystemError(message, path string, cause error) *ScanError {
	return &ScanError{
		Code:    "FILESYSTEM_ERROR",
		Message: message,
		Path:    path,
		OSCode:  ctrlflow.OSCode(cause),
	}
}

// Scan recursively enumerates root, returning file records in the order
// filepath.WalkDir visits them (lexical per directory). Hidden/system names,
// symlinks (file or directory), and extensionless files are skipped; walker
// failures on a directory are fatal, not skipped, since the planner needs a
// complete picture of the tree to be correct.
func Scan(root string) ([]FileRecord, error) {
	var records []FileRecord

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return newFilesystemError("reading directory", path, err)
		}

		if path == root {
			return nil
		}

		name := d.Name()

		if d.Type()&os.ModeSymlink != 0 {
			plog.Debug("skipping symlink", "path", path)
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if pathutil.IsIgnored(name) {
			if d.IsDir() {
				plog.Debug("skipping ignored directory", "path", path)
				return filepath.SkipDir
			}
			plog.Debug("skipping ignored file", "path", path)
			return nil
		}

		if d.IsDir() {
			return nil
		}

		if !pathutil.HasUsableExtension(name) {
			plog.Debug("skipping extensionless file", "path", path)
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return newFilesystemError("reading file metadata", path, err)
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return newFilesystemError("reading directory", path, err)
		}

		records = append(records, FileRecord{
			FullPath:     path,
			RelativePath: relPath,
			SizeBytes:    info.Size(),
		})
		return nil
	})
	if err != nil {
		if scanErr, ok := err.(*ScanError); ok {
			return nil, scanErr
		}
		return nil, newFilesystemError("reading directory", root, err)
	}

	return records, nil
}
