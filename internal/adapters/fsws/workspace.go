package fsws

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"gameforge/internal/core/domain"
	"gameforge/internal/core/ports"
)

// DefaultIgnores are glob patterns excluded from workspace listings. The
// version-control metadata and build output never belong in a generation
// prompt.
var DefaultIgnores = []string{
	".git/**",
	".git",
	"node_modules/**",
	"dist/**",
	"*.log",
}

// Workspace stores one directory per project under a base directory and
// guards every path against traversal outside its project.
type Workspace struct {
	baseDir string
	ignores []string
}

var _ ports.Workspace = (*Workspace)(nil)

func NewWorkspace(baseDir string, ignores []string) *Workspace {
	if ignores == nil {
		ignores = DefaultIgnores
	}
	return &Workspace{baseDir: baseDir, ignores: ignores}
}

// ProjectDir resolves a project's directory under the base directory.
func (w *Workspace) ProjectDir(projectID domain.ProjectID) string {
	return filepath.Join(w.baseDir, "projects", filepath.Base(string(projectID)))
}

// ListFiles walks the project tree and returns slash-separated relative
// paths, ignored patterns excluded. A missing directory is an empty project.
func (w *Workspace) ListFiles(ctx context.Context, projectDir string) ([]string, error) {
	if _, err := os.Stat(projectDir); os.IsNotExist(err) {
		return []string{}, nil
	}

	var files []string
	err := filepath.WalkDir(projectDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(projectDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if w.ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

func (w *Workspace) ReadFile(ctx context.Context, projectDir, path string) ([]byte, error) {
	full, err := w.resolve(projectDir, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (w *Workspace) WriteFile(ctx context.Context, projectDir, path string, content []byte) error {
	full, err := w.resolve(projectDir, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", path, err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// resolve joins path under projectDir and rejects anything that escapes it.
func (w *Workspace) resolve(projectDir, path string) (string, error) {
	full := filepath.Join(projectDir, filepath.FromSlash(path))
	rel, err := filepath.Rel(projectDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes project: %s", path)
	}
	return full, nil
}

func (w *Workspace) ignored(rel string) bool {
	for _, pattern := range w.ignores {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}
