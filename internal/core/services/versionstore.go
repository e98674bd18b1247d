package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gameforge/internal/core/domain"
	"gameforge/internal/core/ports"
)

// Bookkeeping commit prefixes hidden from the user-visible version list.
const (
	setupPrefix       = "[setup]"
	restoreSafePrefix = "[restore] safety snapshot"
	restoreDonePrefix = "[restore] restored to"
)

// VersionStore wraps a project's version-control repository: snapshot after
// mutating jobs, user-visible log, and the append-only restore protocol.
type VersionStore struct {
	logger *slog.Logger
	vc     ports.VersionControl
}

func NewVersionStore(logger *slog.Logger, vc ports.VersionControl) *VersionStore {
	return &VersionStore{logger: logger, vc: vc}
}

// Snapshot commits the working tree. Returns "" when nothing changed: no-op
// commits are forbidden for mutating operations. Provenance is appended as
// trailer lines on the commit message.
func (s *VersionStore) Snapshot(ctx context.Context, dir, message string, prov *domain.Provenance) (string, error) {
	full := message
	if prov != nil {
		full += provenanceTrailer(prov)
	}

	id, err := s.vc.Commit(ctx, dir, full, false)
	if err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	if id == "" {
		s.logger.Info("snapshot skipped, working tree unchanged", "dir", dir)
		return "", nil
	}
	s.logger.Info("snapshot created", "dir", dir, "version", id)
	return id, nil
}

// Log returns the user-visible versions, newest first, with internal
// bookkeeping commits filtered out.
func (s *VersionStore) Log(ctx context.Context, dir string) ([]domain.Version, error) {
	all, err := s.vc.Log(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("version log: %w", err)
	}

	visible := make([]domain.Version, 0, len(all))
	for _, v := range all {
		if bookkeeping(v.Message) {
			continue
		}
		visible = append(visible, v)
	}
	return visible, nil
}

// RestoreResult reports the outcome of a restore.
type RestoreResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Restore rolls the working tree back to versionID with append-only history:
//  1. snapshot the current state unconditionally as a safety commit,
//  2. check out only the file contents of versionID (never a reset),
//  3. snapshot the restored state.
//
// Every state the project ever held stays reachable, including the state
// immediately before the restore.
func (s *VersionStore) Restore(ctx context.Context, dir, versionID string) RestoreResult {
	if _, err := s.vc.Commit(ctx, dir, fmt.Sprintf("%s before restore to %s", restoreSafePrefix, short(versionID)), true); err != nil {
		return RestoreResult{Error: fmt.Sprintf("safety snapshot failed: %v", err)}
	}

	if err := s.vc.CheckoutFiles(ctx, dir, versionID); err != nil {
		return RestoreResult{Error: fmt.Sprintf("checkout failed: %v", err)}
	}

	if _, err := s.vc.Commit(ctx, dir, fmt.Sprintf("%s %s", restoreDonePrefix, short(versionID)), true); err != nil {
		return RestoreResult{Error: fmt.Sprintf("restore snapshot failed: %v", err)}
	}

	s.logger.Info("project restored", "dir", dir, "version", versionID)
	return RestoreResult{Success: true}
}

func bookkeeping(message string) bool {
	return strings.HasPrefix(message, setupPrefix) ||
		strings.HasPrefix(message, restoreSafePrefix) ||
		strings.HasPrefix(message, restoreDonePrefix)
}

func provenanceTrailer(prov *domain.Provenance) string {
	var b strings.Builder
	b.WriteString("\n")
	if prov.Prompt != "" {
		excerpt := prov.Prompt
		if runes := []rune(excerpt); len(runes) > 120 {
			excerpt = string(runes[:120]) + "…"
		}
		b.WriteString("\nPrompt: " + strings.ReplaceAll(excerpt, "\n", " "))
	}
	if len(prov.Skills) > 0 {
		b.WriteString("\nSkills: " + strings.Join(prov.Skills, ", "))
	}
	if prov.Generator != "" {
		b.WriteString("\nGenerator: " + string(prov.Generator))
	}
	return b.String()
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
