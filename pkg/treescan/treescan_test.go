package treescan_test

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/lempicka/lempicka-sync/pkg/treescan"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll(%s): %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}

func relPaths(records []treescan.FileRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, filepath.ToSlash(r.RelativePath))
	}
	sort.Strings(out)
	return out
}

func TestScanSkipsIgnoredAndExtensionless(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".hidden", "file_v1.txt"), "hidden")
	writeFile(t, filepath.Join(root, ".DS_Store"), "junk")
	writeFile(t, filepath.Join(root, "Thumbs.db"), "junk")
	writeFile(t, filepath.Join(root, "desktop.ini"), "junk")
	writeFile(t, filepath.Join(root, "notes_v3"), "no extension")
	writeFile(t, filepath.Join(root, "visible", "readme_v2.txt"), "hello")

	records, err := treescan.Scan(root)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	got := relPaths(records)
	want := []string{filepath.ToSlash(filepath.Join("visible", "readme_v2.txt"))}
	if len(got) != len(want) || got[0] != want[0] {
		t.Fatalf("Scan() = %v, want %v", got, want)
	}
}

func TestScanSkipsSymlinks(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "real_v1.txt"), "real")

	if err := os.Symlink(filepath.Join(root, "real_v1.txt"), filepath.Join(root, "link_v1.txt")); err != nil {
		t.Skipf("symlinks unsupported on this platform: %v", err)
	}

	records, err := treescan.Scan(root)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	got := relPaths(records)
	if len(got) != 1 || got[0] != "real_v1.txt" {
		t.Fatalf("Scan() = %v, want only real_v1.txt", got)
	}
}

func TestScanRecordsSize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "doc_v1.txt"), "12345")

	records, err := treescan.Scan(root)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].SizeBytes != 5 {
		t.Errorf("SizeBytes = %d, want 5", records[0].SizeBytes)
	}
}

func TestScanMissingRootReturnsFilesystemError(t *testing.T) {
	root := filepath.Join(t.TempDir(), "does-not-exist")

	_, err := treescan.Scan(root)
	if err == nil {
		t.Fatal("expected an error for a missing root")
	}

	var scanErr *treescan.ScanError
	if !asScanError(err, &scanErr) {
		t.Fatalf("expected *treescan.ScanError, got %T: %v", err, err)
	}
	if scanErr.Code != "FILESYSTEM_ERROR" {
		t.Errorf("Code = %q, want FILESYSTEM_ERROR", scanErr.Code)
	}
}

func asScanError(err error, target **treescan.ScanError) bool {
	if se, ok := err.(*treescan.ScanError); ok {
		*target = se
		return true
	}
	return false
}
