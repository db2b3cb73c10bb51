package artifact

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestListFiles(t *testing.T) {
	w := NewWriter(t.TempDir(), zap.NewNop())
	dir, err := w.Write(context.Background(), sampleState())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "plans"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "plans", "api.md"), []byte("plan"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := w.ListFiles("task-1")
	if err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	want := []string{"plans/api.md", ReportFile, RunFile}
	if len(paths) != len(want) {
		t.Fatalf("expected %v, got %v", want, paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("file %d: expected %s, got %s", i, want[i], paths[i])
		}
	}
}

func TestListFilesUnknownRun(t *testing.T) {
	w := NewWriter(t.TempDir(), zap.NewNop())
	if _, err := w.ListFiles("nope"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not-exist, got %v", err)
	}
}

func TestFilePathStaysInsideRun(t *testing.T) {
	w := NewWriter(t.TempDir(), zap.NewNop())
	if _, err := w.Write(context.Background(), sampleState()); err != nil {
		t.Fatal(err)
	}

	path, err := w.FilePath("task-1", ReportFile)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != ReportFile {
		t.Errorf("unexpected path %s", path)
	}

	for _, rel := range []string{"../../secrets", "/etc/passwd", "", ".."} {
		if _, err := w.FilePath("task-1", rel); !errors.Is(err, ErrOutsideRun) {
			t.Errorf("%q: expected ErrOutsideRun, got %v", rel, err)
		}
	}
	if _, err := w.FilePath("task-1", "missing.md"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not-exist, got %v", err)
	}
}
