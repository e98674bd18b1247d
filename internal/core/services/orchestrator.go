package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gameforge/internal/core/domain"
	"gameforge/internal/core/ports"
	"gameforge/internal/metrics"
)

// ErrGenerationTimeout marks a provider that exceeded the configured deadline.
// A provider crash mid-stream takes the same path.
var ErrGenerationTimeout = errors.New("generation timed out")

// GenerateRequest is one generation task handed to the orchestrator.
type GenerateRequest struct {
	Message      string
	History      []string
	CurrentCode  map[string]string
	SkillContent string
	Spec         string
	IsNewProject bool
	Dimension    string // "2d", "3d", or "" when unknown
}

// Orchestrator drives provider selection: the fast structured-output provider
// first, the tool-using agentic provider as fallback. Both stream through the
// same onChunk callback, so callers cannot tell which produced the output
// except via the Generator tag on the final result.
type Orchestrator struct {
	logger  *slog.Logger
	fast    ports.Generator
	agent   ports.AgentRunner
	timeout time.Duration
}

func NewOrchestrator(logger *slog.Logger, fast ports.Generator, agent ports.AgentRunner, timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Orchestrator{logger: logger, fast: fast, agent: agent, timeout: timeout}
}

// Generate produces one GenerationResult. registerCancel receives a handle
// that forcibly terminates the in-flight provider call; the job manager wires
// it into the process registry so user cancellation shares the timeout path.
func (o *Orchestrator) Generate(ctx context.Context, req GenerateRequest, onChunk ports.StreamFunc, registerCancel func(func())) (*domain.GenerationResult, error) {
	// New-project requests with an ambiguous target dimension short-circuit to
	// a clarification, no provider involved.
	if req.IsNewProject && resolveDimension(req.Dimension, req.Message) == "" {
		return &domain.GenerationResult{
			Mode:        domain.ModeChat,
			Message:     "Should this game be 2D or 3D? Let me know and I'll set it up.",
			Suggestions: []string{"Make it 2D", "Make it 3D"},
		}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	if registerCancel != nil {
		registerCancel(cancel)
	}

	start := time.Now()
	res, err := o.fast.GenerateStructured(ctx, o.buildPrompt(req), onChunk)
	if err == nil {
		res.Generator = domain.GeneratorStructured
		metrics.GenerationDuration.WithLabelValues(string(domain.GeneratorStructured)).Observe(time.Since(start).Seconds())
		return res, nil
	}
	// A cancelled request never falls back: the user asked it to stop.
	if cancelled(ctx, err) {
		return nil, context.Canceled
	}
	if timedOut(ctx, err) {
		return nil, ErrGenerationTimeout
	}

	o.logger.Warn("fast provider failed, falling back to agent",
		"error", err)
	metrics.ProviderFallbacks.Inc()

	res, err = o.runAgent(ctx, req, onChunk, registerCancel)
	if err != nil {
		if cancelled(ctx, err) {
			return nil, context.Canceled
		}
		if timedOut(ctx, err) {
			return nil, ErrGenerationTimeout
		}
		return nil, err
	}
	res.Generator = domain.GeneratorAgent
	metrics.GenerationDuration.WithLabelValues(string(domain.GeneratorAgent)).Observe(time.Since(start).Seconds())
	return res, nil
}

// runAgent spawns the fallback provider and folds its event stream into the
// same chunk callback the fast path uses.
func (o *Orchestrator) runAgent(ctx context.Context, req GenerateRequest, onChunk ports.StreamFunc, registerCancel func(func())) (*domain.GenerationResult, error) {
	if o.agent == nil {
		return nil, errors.New("no fallback provider configured")
	}

	proc, err := o.agent.Start(ctx, o.buildAgentPrompt(req))
	if err != nil {
		return nil, fmt.Errorf("start agent provider: %w", err)
	}
	if registerCancel != nil {
		registerCancel(proc.Kill)
	}
	defer proc.Kill()

	var final *domain.GenerationResult
	for {
		select {
		case <-ctx.Done():
			proc.Kill()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, context.Canceled
			}
			return nil, ErrGenerationTimeout
		case event, ok := <-proc.Events():
			if !ok {
				if final == nil {
					// Stream ended without a result: crash, same as timeout.
					return nil, ErrGenerationTimeout
				}
				return final, nil
			}
			switch event.Type {
			case ports.AgentEventAssistant:
				if onChunk != nil && event.Text != "" {
					onChunk(event.Text)
				}
			case ports.AgentEventToolUse:
				o.logger.Debug("agent tool use", "tool", event.Tool)
			case ports.AgentEventResult:
				res, err := domain.ParseGenerationResult(event.Result)
				if err != nil {
					return nil, fmt.Errorf("agent result: %w", err)
				}
				final = res
			}
		}
	}
}

func (o *Orchestrator) buildPrompt(req GenerateRequest) ports.GenerationPrompt {
	return ports.GenerationPrompt{
		SystemPrompt: systemPrompt(req),
		History:      req.History,
		UserMessage:  req.Message,
		CurrentCode:  req.CurrentCode,
		SkillContent: req.SkillContent,
		Spec:         req.Spec,
	}
}

func (o *Orchestrator) buildAgentPrompt(req GenerateRequest) string {
	var b strings.Builder
	b.WriteString(systemPrompt(req))
	b.WriteString("\n\n")
	if req.Spec != "" {
		b.WriteString("Project specification:\n" + req.Spec + "\n\n")
	}
	if req.SkillContent != "" {
		b.WriteString("Guidelines:\n" + req.SkillContent + "\n\n")
	}
	for path, code := range req.CurrentCode {
		b.WriteString(fmt.Sprintf("=== %s ===\n%s\n", path, code))
	}
	b.WriteString("\nUser request: " + req.Message + "\n")
	return b.String()
}

func systemPrompt(req GenerateRequest) string {
	dim := resolveDimension(req.Dimension, req.Message)
	var b strings.Builder
	b.WriteString("You build and modify browser games. Reply with a single JSON object whose")
	b.WriteString(` "mode" is one of "chat", "restore", "create", or "edit".`)
	b.WriteString("\nchat: {mode, message, suggestions}")
	b.WriteString("\nrestore: {mode, message, confirm_label, cancel_label}")
	b.WriteString("\ncreate: {mode, files:[{path,content}], images:[{name,prompt}], specs, summary}")
	b.WriteString("\nedit: {mode, edits:[{path,old_string,new_string}], images:[{name,prompt}], summary}")
	if req.IsNewProject {
		b.WriteString("\nThis is a new project; produce a create result.")
	}
	if dim != "" {
		b.WriteString("\nTarget dimension: " + dim + ".")
	}
	return b.String()
}

// resolveDimension settles the 2D/3D question from the explicit field or the
// message text.
func resolveDimension(dimension, message string) string {
	switch strings.ToLower(strings.TrimSpace(dimension)) {
	case "2d":
		return "2d"
	case "3d":
		return "3d"
	}
	lower := strings.ToLower(message)
	has2D := strings.Contains(lower, "2d") || strings.Contains(lower, "２d") || strings.Contains(lower, "2次元")
	has3D := strings.Contains(lower, "3d") || strings.Contains(lower, "３d") || strings.Contains(lower, "3次元")
	switch {
	case has2D && !has3D:
		return "2d"
	case has3D && !has2D:
		return "3d"
	}
	return ""
}

func cancelled(ctx context.Context, err error) bool {
	return errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled)
}

func timedOut(ctx context.Context, err error) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrGenerationTimeout)
}
