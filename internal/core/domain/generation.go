package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type GenerationMode string

const (
	ModeChat    GenerationMode = "chat"
	ModeRestore GenerationMode = "restore"
	ModeCreate  GenerationMode = "create"
	ModeEdit    GenerationMode = "edit"
)

type GeneratorKind string

const (
	GeneratorStructured GeneratorKind = "structured"
	GeneratorAgent      GeneratorKind = "agent"
)

// ErrUnknownMode is returned when a provider reports a mode outside the closed
// union. Unknown modes are rejected at the provider boundary, never passed through.
var ErrUnknownMode = errors.New("unknown generation mode")

// FileContent is a full-file write produced by a create-mode result.
type FileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Edit is a single patch against one file. Either OldString/NewString
// (verbatim-match form) or StartLine/DeleteCount/NewContent (line-range form)
// is populated.
type Edit struct {
	Path        string `json:"path"`
	OldString   string `json:"old_string,omitempty"`
	NewString   string `json:"new_string,omitempty"`
	StartLine   int    `json:"start_line,omitempty"`
	DeleteCount int    `json:"delete_count,omitempty"`
	NewContent  string `json:"new_content,omitempty"`
}

// LineBased reports whether the edit uses the line-range form.
func (e Edit) LineBased() bool {
	return e.OldString == "" && e.StartLine > 0
}

// ImageSpec describes an image asset the generator wants produced.
type ImageSpec struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// GenerationResult is the tagged union a provider returns. It is ephemeral:
// it exists only for the duration of one job (and inside the completed job record).
type GenerationResult struct {
	Mode GenerationMode `json:"mode"`

	// chat / restore
	Message      string   `json:"message,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
	ConfirmLabel string   `json:"confirm_label,omitempty"`
	CancelLabel  string   `json:"cancel_label,omitempty"`

	// create / edit
	Files   []FileContent `json:"files,omitempty"`
	Edits   []Edit        `json:"edits,omitempty"`
	Images  []ImageSpec   `json:"images,omitempty"`
	Specs   string        `json:"specs,omitempty"`
	Summary string        `json:"summary,omitempty"`

	// SkippedEdits lists edits whose target text was not found and were skipped
	// during application. Populated by the applier, not the provider.
	SkippedEdits []string `json:"skipped_edits,omitempty"`

	Generator GeneratorKind `json:"generator,omitempty"`
}

// ParseGenerationResult decodes and validates provider output into the closed
// union. The mode must be one of chat, restore, create, edit.
func ParseGenerationResult(data []byte) (*GenerationResult, error) {
	var res GenerationResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode generation result: %w", err)
	}
	res.Mode = GenerationMode(strings.ToLower(strings.TrimSpace(string(res.Mode))))
	switch res.Mode {
	case ModeChat, ModeRestore, ModeCreate, ModeEdit:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, res.Mode)
	}
	return &res, nil
}

// Mutating reports whether applying the result touches the file workspace.
func (r *GenerationResult) Mutating() bool {
	return r.Mode == ModeCreate || r.Mode == ModeEdit
}
