package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandHomeNoTilde(t *testing.T) {
	got, err := ExpandHome("/tmp/models")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/tmp/models" {
		t.Fatalf("got %q", got)
	}
}

func TestExpandHomeTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	got, err := ExpandHome("~/models")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != filepath.Join(home, "models") {
		t.Fatalf("got %q", got)
	}
}

func TestExpandHomeEmpty(t *testing.T) {
	got, err := ExpandHome("")
	if err != nil || got != "" {
		t.Fatalf("got %q err=%v", got, err)
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "model.onnx")
	if FileExists(p) {
		t.Fatalf("expected missing file")
	}
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !FileExists(p) {
		t.Fatalf("expected file to exist")
	}
	// Directories are not artifacts.
	if FileExists(dir) {
		t.Fatalf("directory should not count as a file")
	}
	if !PathExists(dir) {
		t.Fatalf("PathExists should accept directories")
	}
}
