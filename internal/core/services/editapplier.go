package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"gameforge/internal/core/domain"
	"gameforge/internal/core/ports"
)

// EditApplier applies a create/edit GenerationResult to a project workspace.
// Edits are best-effort: an edit whose target text is absent is skipped and
// reported, never fatal, so one malformed edit does not discard the batch.
type EditApplier struct {
	logger *slog.Logger
	ws     ports.Workspace
	images ports.ImageProvider
	client *http.Client

	// assetBase is the runtime path prefix generated asset references are
	// rewritten to. Empty leaves references untouched.
	assetBase string
}

func NewEditApplier(logger *slog.Logger, ws ports.Workspace, images ports.ImageProvider, assetBase string) *EditApplier {
	return &EditApplier{
		logger:    logger,
		ws:        ws,
		images:    images,
		client:    &http.Client{Timeout: 60 * time.Second},
		assetBase: assetBase,
	}
}

// Apply writes the result into the workspace. Returns how many files/edits
// were applied and which edits were skipped.
func (a *EditApplier) Apply(ctx context.Context, res *domain.GenerationResult, projectDir string) (int, []string, error) {
	switch res.Mode {
	case domain.ModeCreate:
		return a.applyCreate(ctx, res, projectDir)
	case domain.ModeEdit:
		return a.applyEdits(ctx, res, projectDir)
	default:
		// chat and restore results never touch the workspace.
		return 0, nil, nil
	}
}

func (a *EditApplier) applyCreate(ctx context.Context, res *domain.GenerationResult, projectDir string) (int, []string, error) {
	applied := 0
	for _, file := range res.Files {
		content := a.rewriteAssetRefs(file.Content)
		if err := a.ws.WriteFile(ctx, projectDir, file.Path, []byte(content)); err != nil {
			return applied, nil, fmt.Errorf("write %s: %w", file.Path, err)
		}
		applied++
	}
	a.logger.Info("create result applied", "project_dir", projectDir, "files", applied)
	return applied, nil, nil
}

func (a *EditApplier) applyEdits(ctx context.Context, res *domain.GenerationResult, projectDir string) (int, []string, error) {
	applied := 0
	var skipped []string

	for _, edit := range res.Edits {
		ok, err := a.applyOne(ctx, edit, projectDir)
		if err != nil {
			return applied, skipped, err
		}
		if !ok {
			a.logger.Warn("edit target not found, skipping",
				"project_dir", projectDir, "path", edit.Path)
			skipped = append(skipped, edit.Path)
			continue
		}
		applied++
	}
	return applied, skipped, nil
}

// applyOne applies a single edit. A missing file or absent old_string yields
// (false, nil): skipped, not fatal. I/O failures on write are fatal.
func (a *EditApplier) applyOne(ctx context.Context, edit domain.Edit, projectDir string) (bool, error) {
	raw, err := a.ws.ReadFile(ctx, projectDir, edit.Path)
	if err != nil {
		return false, nil
	}
	content := string(raw)

	var updated string
	if edit.LineBased() {
		updated, err = spliceLines(content, edit.StartLine, edit.DeleteCount, edit.NewContent)
		if err != nil {
			return false, nil
		}
	} else {
		if !strings.Contains(content, edit.OldString) {
			return false, nil
		}
		updated = strings.Replace(content, edit.OldString, edit.NewString, 1)
	}

	updated = a.rewriteAssetRefs(updated)
	if err := a.ws.WriteFile(ctx, projectDir, edit.Path, []byte(updated)); err != nil {
		return false, fmt.Errorf("write %s: %w", edit.Path, err)
	}
	return true, nil
}

// spliceLines replaces deleteCount lines starting at startLine (1-based) with
// newContent.
func spliceLines(content string, startLine, deleteCount int, newContent string) (string, error) {
	lines := strings.Split(content, "\n")
	if startLine < 1 || startLine > len(lines) {
		return "", fmt.Errorf("start line %d out of range", startLine)
	}
	end := startLine - 1 + deleteCount
	if end > len(lines) {
		end = len(lines)
	}

	var out []string
	out = append(out, lines[:startLine-1]...)
	if newContent != "" {
		out = append(out, strings.Split(newContent, "\n")...)
	}
	out = append(out, lines[end:]...)
	return strings.Join(out, "\n"), nil
}

// rewriteAssetRefs rewrites "assets/<name>" references to their resolved
// runtime path before content hits disk.
func (a *EditApplier) rewriteAssetRefs(content string) string {
	if a.assetBase == "" {
		return content
	}
	return strings.ReplaceAll(content, `"assets/`, `"`+strings.TrimSuffix(a.assetBase, "/")+"/")
}

// GenerateImages produces each requested asset via the image provider and
// writes it under assets/. Best-effort: failures are logged and skipped, and
// never fail the owning job.
func (a *EditApplier) GenerateImages(ctx context.Context, specs []domain.ImageSpec, projectDir string) int {
	if a.images == nil || len(specs) == 0 {
		return 0
	}

	written := 0
	for _, spec := range specs {
		if spec.Name == "" || spec.Prompt == "" {
			continue
		}
		data, err := a.fetchImage(ctx, spec.Prompt)
		if err != nil {
			a.logger.Warn("image generation skipped", "name", spec.Name, "error", err)
			continue
		}
		target := path.Join("assets", path.Base(spec.Name))
		if err := a.ws.WriteFile(ctx, projectDir, target, data); err != nil {
			a.logger.Warn("image write failed", "name", spec.Name, "error", err)
			continue
		}
		written++
	}
	return written
}

func (a *EditApplier) fetchImage(ctx context.Context, prompt string) ([]byte, error) {
	url, err := a.images.GenerateImage(ctx, prompt)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image download status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
