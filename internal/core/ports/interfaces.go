package ports

import (
	"context"
	"encoding/json"

	"gameforge/internal/core/domain"
)

// JobStore abstracts durable job persistence.
type JobStore interface {
	// Create persists a new job record.
	Create(ctx context.Context, job domain.Job) error

	// Get retrieves a job by ID. Returns domain.ErrJobNotFound when absent.
	Get(ctx context.Context, id domain.JobID) (domain.Job, error)

	// GetActiveByProject returns the pending/processing job for a project,
	// or nil when the project has no active job.
	GetActiveByProject(ctx context.Context, projectID domain.ProjectID) (*domain.Job, error)

	// Update persists the full mutable state of an existing job.
	Update(ctx context.Context, job domain.Job) error

	// ListByProject returns all jobs for a project, newest first.
	ListByProject(ctx context.Context, projectID domain.ProjectID) ([]domain.Job, error)
}

// Workspace abstracts a project's file tree.
type Workspace interface {
	// ListFiles enumerates workspace-relative file paths, excluding ignored trees.
	ListFiles(ctx context.Context, projectDir string) ([]string, error)

	// ReadFile reads one file by workspace-relative path.
	ReadFile(ctx context.Context, projectDir, path string) ([]byte, error)

	// WriteFile writes one file, creating parent directories as needed.
	WriteFile(ctx context.Context, projectDir, path string, content []byte) error
}

// VersionControl abstracts the per-project version-control backend.
type VersionControl interface {
	// Commit stages everything and commits. Returns "" (no error) when the
	// working tree has no changes and allowEmpty is false.
	Commit(ctx context.Context, dir, message string, allowEmpty bool) (string, error)

	// Log returns commits newest-first.
	Log(ctx context.Context, dir string) ([]domain.Version, error)

	// CheckoutFiles restores file contents of the given version into the
	// working tree without moving history.
	CheckoutFiles(ctx context.Context, dir, versionID string) error
}

// StreamFunc receives incremental provider text as it arrives.
type StreamFunc func(chunk string)

// GenerationPrompt is the request sent to the fast structured-output provider.
type GenerationPrompt struct {
	SystemPrompt string
	History      []string
	UserMessage  string
	CurrentCode  map[string]string
	SkillContent string
	Spec         string
}

// Generator is the fast structured-output provider.
type Generator interface {
	// GenerateStructured sends the prompt and returns one GenerationResult.
	// Intermediate text chunks are delivered through onChunk before the final
	// result. Malformed output is an error, never a passthrough.
	GenerateStructured(ctx context.Context, prompt GenerationPrompt, onChunk StreamFunc) (*domain.GenerationResult, error)

	// GenerateText is a plain single-shot completion used by classification
	// and skill selection.
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// AgentEventType discriminates events emitted by the fallback provider process.
type AgentEventType string

const (
	AgentEventAssistant AgentEventType = "assistant"
	AgentEventToolUse   AgentEventType = "tool_use"
	AgentEventResult    AgentEventType = "result"
)

// AgentEvent is one structured event parsed from the fallback provider's
// output stream.
type AgentEvent struct {
	Type   AgentEventType  `json:"type"`
	Text   string          `json:"text,omitempty"`
	Tool   string          `json:"tool,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// AgentProcess is a live fallback-provider run.
type AgentProcess interface {
	// Events yields parsed events until the process exits. The channel is
	// closed when no more events will arrive.
	Events() <-chan AgentEvent

	// Kill terminates the process. Idempotent: killing an already-dead
	// process is a no-op.
	Kill()
}

// AgentRunner spawns the tool-using agentic fallback provider.
type AgentRunner interface {
	// Start spawns the provider with the prompt on its input channel.
	Start(ctx context.Context, prompt string) (AgentProcess, error)
}

// ImageProvider generates an image for a prompt and returns a URL to fetch it
// from. Invoked opportunistically; failures never fail the owning job.
type ImageProvider interface {
	GenerateImage(ctx context.Context, prompt string) (string, error)
}
