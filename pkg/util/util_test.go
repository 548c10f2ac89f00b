package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandPathWithoutTilde(t *testing.T) {
	got, err := ExpandPath("/var/data/source")
	if err != nil {
		t.Fatalf("ExpandPath: %v", err)
	}
	if got != "/var/data/source" {
		t.Errorf("ExpandPath returned %q, want the input unchanged", got)
	}
}

func TestExpandPathWithTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory available: %v", err)
	}

	got, err := ExpandPath("~/sync/source")
	if err != nil {
		t.Fatalf("ExpandPath: %v", err)
	}
	want := filepath.Join(home, "sync/source")
	if got != want {
		t.Errorf("ExpandPath returned %q, want %q", got, want)
	}
}
