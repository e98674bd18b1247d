package domain

import "time"

// Version is one user-visible snapshot of a project's file state.
type Version struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Provenance records how a snapshot came to be: the request that drove it,
// the skills that guided generation, and which generator produced the change.
type Provenance struct {
	Prompt    string        `json:"prompt,omitempty"`
	Skills    []string      `json:"skills,omitempty"`
	Generator GeneratorKind `json:"generator,omitempty"`
}
