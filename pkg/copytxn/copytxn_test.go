package copytxn_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lempicka/lempicka-sync/pkg/copytxn"
	"github.com/lempicka/lempicka-sync/pkg/syncplan"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestRunCopiesIntoVacantTarget(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "doc_v3.txt")
	writeFile(t, src, "three")
	target := filepath.Join(dir, "doc.txt")

	item := syncplan.PlanItem{SourcePath: src, TargetPath: target, SourceSize: 5}

	if err := copytxn.Run(copytxn.Options{Item: item}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	content, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "three" {
		t.Errorf("target content = %q, want %q", content, "three")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected exactly source+target in dir, got %v", entries)
	}
}

func TestRunReplacesExistingDestinationAndLeavesNoBackup(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "doc_v3.txt")
	writeFile(t, src, "three")
	target := filepath.Join(dir, "doc.txt")
	writeFile(t, target, "old")

	item := syncplan.PlanItem{SourcePath: src, TargetPath: target, SourceSize: 5}

	if err := copytxn.Run(copytxn.Options{Item: item}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	content, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "three" {
		t.Errorf("target content = %q, want %q", content, "three")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected no leftover backup files, got %v", entries)
	}
}

func TestRunCancelMidCopyRestoresOriginal(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "clip_v2.txt")
	content := make([]byte, 8*1024*1024)
	for i := range content {
		content[i] = byte(i % 251)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatalf("WriteFile(src): %v", err)
	}
	target := filepath.Join(dir, "clip.txt")
	writeFile(t, target, "old-destination-content")

	item := syncplan.PlanItem{SourcePath: src, TargetPath: target, SourceSize: int64(len(content))}

	calls := 0
	cancel := func() bool {
		calls++
		return calls > 1
	}

	err := copytxn.Run(copytxn.Options{Item: item, Cancel: cancel})
	if err == nil {
		t.Fatal("expected SYNC_CANCELLED error")
	}
	txnErr, ok := err.(*copytxn.TxnError)
	if !ok {
		t.Fatalf("expected *copytxn.TxnError, got %T: %v", err, err)
	}
	if txnErr.Code != "SYNC_CANCELLED" {
		t.Errorf("Code = %q, want SYNC_CANCELLED", txnErr.Code)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile(target): %v", err)
	}
	if string(got) != "old-destination-content" {
		t.Errorf("target content = %q, want original content restored", got)
	}

	matches, err := filepath.Glob(filepath.Join(dir, ".clip.txt.lempicka-tmp-*"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("expected no leftover backup temp files, found %v", matches)
	}
}

func TestRunSourceUnavailable(t *testing.T) {
	dir := t.TempDir()
	item := syncplan.PlanItem{
		SourcePath: filepath.Join(dir, "missing_v1.txt"),
		TargetPath: filepath.Join(dir, "missing.txt"),
		SourceSize: 5,
	}

	err := copytxn.Run(copytxn.Options{Item: item})
	if err == nil {
		t.Fatal("expected an error for a missing source")
	}
	txnErr, ok := err.(*copytxn.TxnError)
	if !ok {
		t.Fatalf("expected *copytxn.TxnError, got %T", err)
	}
	if txnErr.Code != "SOURCE_UNAVAILABLE" {
		t.Errorf("Code = %q, want SOURCE_UNAVAILABLE", txnErr.Code)
	}
}

func TestRunRejectsNonRegularDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "file_v1.txt")
	writeFile(t, src, "hi")
	targetDir := filepath.Join(dir, "file.txt")
	if err := os.Mkdir(targetDir, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	item := syncplan.PlanItem{SourcePath: src, TargetPath: targetDir, SourceSize: 2}

	err := copytxn.Run(copytxn.Options{Item: item})
	if err == nil {
		t.Fatal("expected a conflict error")
	}
	txnErr, ok := err.(*copytxn.TxnError)
	if !ok {
		t.Fatalf("expected *copytxn.TxnError, got %T", err)
	}
	if txnErr.Code != "DESTINATION_PATH_CONFLICT" {
		t.Errorf("Code = %q, want DESTINATION_PATH_CONFLICT", txnErr.Code)
	}

	// The conflicting entry was never the transaction's to delete.
	info, statErr := os.Stat(targetDir)
	if statErr != nil || !info.IsDir() {
		t.Errorf("expected the conflicting directory to survive, stat = %v, err = %v", info, statErr)
	}
}
