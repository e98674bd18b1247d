package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gameforge/internal/core/domain"
	"gameforge/internal/core/ports"
	"gameforge/internal/skills"
)

// Files read into the generation prompt are capped to keep prompts bounded.
const (
	maxPromptFiles    = 24
	maxPromptFileSize = 64 * 1024
)

// projectSpecFile is the per-project specification document inside the
// workspace.
const projectSpecFile = "spec.md"

// activityLogger appends one line per completed mutating job to the global
// activity log.
type activityLogger interface {
	Append(ctx context.Context, line string) error
}

// Processor executes one admitted job end to end:
// classify → (restore | chat | edit) → apply → snapshot → complete.
// It mutates job state only through the JobManager so every transition is
// persisted and streamed.
type Processor struct {
	logger     *slog.Logger
	mgr        *JobManager
	classifier *IntentClassifier
	selector   *SkillSelector
	orch       *Orchestrator
	applier    *EditApplier
	versions   *VersionStore
	ws         ports.Workspace
	lib        *skills.Library
	activity   activityLogger
	dirFor     func(domain.ProjectID) string
}

func NewProcessor(
	logger *slog.Logger,
	mgr *JobManager,
	classifier *IntentClassifier,
	selector *SkillSelector,
	orch *Orchestrator,
	applier *EditApplier,
	versions *VersionStore,
	ws ports.Workspace,
	lib *skills.Library,
	activity activityLogger,
	dirFor func(domain.ProjectID) string,
) *Processor {
	return &Processor{
		logger:     logger,
		mgr:        mgr,
		classifier: classifier,
		selector:   selector,
		orch:       orch,
		applier:    applier,
		versions:   versions,
		ws:         ws,
		lib:        lib,
		activity:   activity,
		dirFor:     dirFor,
	}
}

// ProcessRequest is the user request a job was admitted for.
type ProcessRequest struct {
	Message   string
	Dimension string
}

// Process runs the job to a terminal state. It never returns an error: every
// failure path transitions the job through the manager, which releases the
// slot.
func (p *Processor) Process(ctx context.Context, job domain.Job, req ProcessRequest) {
	if err := p.mgr.Start(ctx, job.ID); err != nil {
		// Already cancelled before it started, or the store is down.
		p.logger.Error("job start failed", "job_id", job.ID, "error", err)
		p.fail(ctx, job.ID, "could not start job")
		return
	}

	_ = p.mgr.UpdateProgress(ctx, job.ID, 10, "analyzing request")
	intent := p.classifier.Classify(ctx, req.Message)
	p.logger.Info("intent classified", "job_id", job.ID, "intent", intent)

	switch intent {
	case domain.IntentRestore:
		p.completeRestoreConfirmation(ctx, job)
	case domain.IntentChat:
		p.processChat(ctx, job, req)
	default:
		p.processEdit(ctx, job, req)
	}
}

// completeRestoreConfirmation answers a restore-looking message with a
// confirmation payload. The actual restore only happens via the distinct
// follow-up action; this path performs zero file writes.
func (p *Processor) completeRestoreConfirmation(ctx context.Context, job domain.Job) {
	result := &domain.GenerationResult{
		Mode:         domain.ModeRestore,
		Message:      "Restore the project to an earlier version? Pick a version from the history and confirm.",
		ConfirmLabel: "Restore",
		CancelLabel:  "Keep current version",
	}
	if err := p.mgr.Complete(ctx, job.ID, result); err != nil {
		p.logger.Error("complete failed", "job_id", job.ID, "error", err)
	}
}

func (p *Processor) processChat(ctx context.Context, job domain.Job, req ProcessRequest) {
	dir := p.dirFor(job.ProjectID)
	code, spec, isNew := p.loadProject(ctx, dir)

	result, err := p.orch.Generate(ctx, GenerateRequest{
		Message:      req.Message,
		CurrentCode:  code,
		Spec:         spec,
		IsNewProject: isNew,
		Dimension:    req.Dimension,
	}, p.streamFunc(job.ID), p.registerFunc(job.ID))
	if err != nil {
		p.failGeneration(ctx, job.ID, err)
		return
	}

	// A chat turn never mutates the workspace, whatever the provider claims.
	if result.Mutating() {
		result = &domain.GenerationResult{
			Mode:      domain.ModeChat,
			Message:   result.Summary,
			Generator: result.Generator,
		}
	}

	if err := p.mgr.Complete(ctx, job.ID, result); err != nil {
		p.logger.Error("complete failed", "job_id", job.ID, "error", err)
	}
}

func (p *Processor) processEdit(ctx context.Context, job domain.Job, req ProcessRequest) {
	dir := p.dirFor(job.ProjectID)
	code, spec, isNew := p.loadProject(ctx, dir)

	_ = p.mgr.UpdateProgress(ctx, job.ID, 20, "selecting skills")
	skillNames := p.selector.Select(ctx, SelectRequest{
		Message:      req.Message,
		CurrentCode:  joinCode(code),
		IsNewProject: isNew,
		Spec:         spec,
		Dimension:    req.Dimension,
	})

	_ = p.mgr.UpdateProgress(ctx, job.ID, 30, "generating")
	result, err := p.orch.Generate(ctx, GenerateRequest{
		Message:      req.Message,
		CurrentCode:  code,
		SkillContent: p.lib.Content(skillNames),
		Spec:         spec,
		IsNewProject: isNew,
		Dimension:    req.Dimension,
	}, p.streamFunc(job.ID), p.registerFunc(job.ID))
	if err != nil {
		p.failGeneration(ctx, job.ID, err)
		return
	}

	if result.Mutating() {
		_ = p.mgr.UpdateProgress(ctx, job.ID, 70, "applying changes")
		applied, skipped, err := p.applier.Apply(ctx, result, dir)
		if err != nil {
			p.logger.Error("edit application failed", "job_id", job.ID, "error", err)
			p.fail(ctx, job.ID, "failed to apply generated changes")
			return
		}
		result.SkippedEdits = skipped

		if imgs := p.applier.GenerateImages(ctx, result.Images, dir); imgs > 0 {
			p.logger.Info("assets generated", "job_id", job.ID, "count", imgs)
		}

		if result.Mode == domain.ModeCreate && result.Specs != "" {
			if err := p.ws.WriteFile(ctx, dir, projectSpecFile, []byte(result.Specs)); err != nil {
				p.logger.Warn("spec write failed", "job_id", job.ID, "error", err)
			}
		}

		_ = p.mgr.UpdateProgress(ctx, job.ID, 90, "saving version")
		versionID, err := p.versions.Snapshot(ctx, dir, snapshotMessage(req.Message), &domain.Provenance{
			Prompt:    req.Message,
			Skills:    skillNames,
			Generator: result.Generator,
		})
		if err != nil {
			// A missed snapshot never rolls back applied edits.
			p.logger.Error("snapshot failed", "job_id", job.ID, "error", err)
		}

		p.appendActivity(ctx, job, result, applied, versionID)
	}

	if err := p.mgr.Complete(ctx, job.ID, result); err != nil {
		p.logger.Error("complete failed", "job_id", job.ID, "error", err)
	}
}

// loadProject reads the workspace into a prompt-sized map plus the project
// spec. An empty workspace marks a new project.
func (p *Processor) loadProject(ctx context.Context, dir string) (map[string]string, string, bool) {
	files, err := p.ws.ListFiles(ctx, dir)
	if err != nil {
		p.logger.Warn("workspace listing failed, treating as new project", "dir", dir, "error", err)
		return nil, "", true
	}
	if len(files) == 0 {
		return nil, "", true
	}

	// The spec is read before the capped loop: large projects must not push
	// it past the file budget.
	var spec string
	if raw, err := p.ws.ReadFile(ctx, dir, projectSpecFile); err == nil && len(raw) <= maxPromptFileSize {
		spec = string(raw)
	}

	code := make(map[string]string)
	for _, path := range files {
		if path == projectSpecFile {
			continue
		}
		if len(code) >= maxPromptFiles {
			break
		}
		raw, err := p.ws.ReadFile(ctx, dir, path)
		if err != nil || len(raw) > maxPromptFileSize {
			continue
		}
		code[path] = string(raw)
	}
	return code, spec, false
}

func (p *Processor) streamFunc(jobID domain.JobID) ports.StreamFunc {
	return func(chunk string) { p.mgr.Stream(jobID, chunk) }
}

func (p *Processor) registerFunc(jobID domain.JobID) func(func()) {
	return func(cancel func()) { p.mgr.RegisterProcess(jobID, cancel) }
}

func (p *Processor) failGeneration(ctx context.Context, jobID domain.JobID, err error) {
	if errors.Is(err, ErrGenerationTimeout) {
		p.fail(ctx, jobID, "generation timed out")
		return
	}
	p.logger.Error("generation failed", "job_id", jobID, "error", err)
	// Provider internals stay out of the user-visible message.
	p.fail(ctx, jobID, "generation failed, please try again")
}

func (p *Processor) fail(ctx context.Context, jobID domain.JobID, message string) {
	if err := p.mgr.Fail(ctx, jobID, message); err != nil && !errors.Is(err, domain.ErrJobTerminal) {
		p.logger.Error("fail transition failed", "job_id", jobID, "error", err)
	}
}

func (p *Processor) appendActivity(ctx context.Context, job domain.Job, result *domain.GenerationResult, applied int, versionID string) {
	if p.activity == nil {
		return
	}
	line := fmt.Sprintf("project=%s job=%s mode=%s applied=%d version=%s",
		job.ProjectID, job.ID, result.Mode, applied, short(versionID))
	if err := p.activity.Append(ctx, line); err != nil {
		p.logger.Warn("activity log append failed", "job_id", job.ID, "error", err)
	}
}

func snapshotMessage(message string) string {
	message = strings.TrimSpace(strings.ReplaceAll(message, "\n", " "))
	// Truncate on rune boundaries; prompts are frequently Japanese.
	if runes := []rune(message); len(runes) > 72 {
		message = string(runes[:72]) + "…"
	}
	return message
}

func joinCode(code map[string]string) string {
	var b strings.Builder
	for path, content := range code {
		b.WriteString(path)
		b.WriteString("\n")
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}
