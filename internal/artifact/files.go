package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrOutsideRun is returned for a file path that escapes its run directory.
var ErrOutsideRun = errors.New("path escapes run directory")

// FileInfo describes one file of a run bundle.
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ListFiles walks the run directory and returns every regular file,
// with slash-separated paths relative to it.
func (w *Writer) ListFiles(runID string) ([]FileInfo, error) {
	dir, err := w.RunDir(runID)
	if err != nil {
		return nil, err
	}
	var files []FileInfo
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, FileInfo{Path: filepath.ToSlash(rel), Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// FilePath resolves rel inside the run directory of runID. The result is
// guaranteed to stay below that directory.
func (w *Writer) FilePath(runID, rel string) (string, error) {
	dir, err := w.RunDir(runID)
	if err != nil {
		return "", err
	}
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRun, rel)
	}
	path := filepath.Join(dir, filepath.FromSlash(rel))
	inside, err := filepath.Rel(dir, path)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRun, rel)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory: %w", rel, fs.ErrNotExist)
	}
	return path, nil
}
