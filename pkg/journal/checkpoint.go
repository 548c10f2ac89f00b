package journal

import (
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/lempicka/lempicka-sync/pkg/plog"
)

// checkpointInterval is how many newly completed targets accumulate before
// the Writer snapshots the journal to its compressed checkpoint sibling.
const checkpointInterval = 64

// checkpointPath is the compressed snapshot written alongside the live
// journal. The live journal stays authoritative and uncompressed; the
// checkpoint is an auditable, space-efficient copy of the last state whose
// completed set crossed an interval boundary.
func checkpointPath(journalPath string) string {
	return journalPath + ".zst"
}

// maybeCheckpointLocked writes a compressed snapshot of the just-persisted
// serialization once enough targets completed since the last checkpoint.
// Checkpoint failures are logged and swallowed: the live journal already
// holds the authoritative state. Must be called with w.mu held.
func (w *Writer) maybeCheckpointLocked(state *State, data []byte) {
	if len(state.CompletedTargetPaths)-w.checkpointed < checkpointInterval {
		return
	}
	if err := writeCheckpoint(checkpointPath(w.path), data); err != nil {
		plog.Warn("journal checkpoint write failed", "path", checkpointPath(w.path), "error", err)
		return
	}
	w.checkpointed = len(state.CompletedTargetPaths)
}

func writeCheckpoint(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
