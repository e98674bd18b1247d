package gitver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gameforge/internal/core/domain"
	"gameforge/internal/core/ports"
)

// Commits are authored by the service, not the end user.
const (
	commitUser  = "gameforge"
	commitEmail = "gameforge@localhost"
)

// Store implements version control over the git CLI, one repository per
// project directory. Repositories are created lazily on first commit.
type Store struct {
	logger *slog.Logger
}

var _ ports.VersionControl = (*Store)(nil)

func NewStore(logger *slog.Logger) *Store {
	return &Store{logger: logger}
}

// Commit stages the full working tree and commits. With allowEmpty false an
// unchanged tree yields ("", nil) and no commit.
func (s *Store) Commit(ctx context.Context, dir, message string, allowEmpty bool) (string, error) {
	if err := s.ensureRepo(ctx, dir); err != nil {
		return "", err
	}

	if _, err := s.runGit(ctx, dir, "add", "-A"); err != nil {
		return "", err
	}

	if !allowEmpty {
		status, err := s.runGit(ctx, dir, "status", "--porcelain")
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(status) == "" {
			return "", nil
		}
	}

	args := []string{"commit", "-m", message}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}
	if _, err := s.runGit(ctx, dir, args...); err != nil {
		return "", err
	}

	head, err := s.runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(head), nil
}

// Log returns all commits newest first. A directory with no repository or no
// commits yields an empty list, not an error.
func (s *Store) Log(ctx context.Context, dir string) ([]domain.Version, error) {
	if !s.repoExists(dir) {
		return []domain.Version{}, nil
	}

	out, err := s.runGit(ctx, dir, "log", "--pretty=format:%H%x1f%s%x1f%cI")
	if err != nil {
		if strings.Contains(err.Error(), "does not have any commits") {
			return []domain.Version{}, nil
		}
		return nil, err
	}

	versions := []domain.Version{}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, "\x1f", 3)
		if len(parts) != 3 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(parts[2]))
		if err != nil {
			ts = time.Time{}
		}
		versions = append(versions, domain.Version{
			ID:        parts[0],
			Message:   parts[1],
			Timestamp: ts,
		})
	}
	return versions, nil
}

// CheckoutFiles restores the file contents of versionID into the working tree
// without moving HEAD. History is never rewritten.
func (s *Store) CheckoutFiles(ctx context.Context, dir, versionID string) error {
	if _, err := s.runGit(ctx, dir, "checkout", versionID, "--", "."); err != nil {
		return err
	}
	return nil
}

func (s *Store) repoExists(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

func (s *Store) ensureRepo(ctx context.Context, dir string) error {
	if s.repoExists(dir) {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	if _, err := s.runGit(ctx, dir, "init"); err != nil {
		return err
	}
	if _, err := s.runGit(ctx, dir, "commit", "--allow-empty", "-m", "[setup] initialize project"); err != nil {
		return err
	}
	s.logger.Info("initialized project repository", "dir", dir)
	return nil
}

func (s *Store) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	full := append([]string{
		"-C", dir,
		"-c", "user.name=" + commitUser,
		"-c", "user.email=" + commitEmail,
	}, args...)

	cmd := exec.CommandContext(ctx, "git", full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
