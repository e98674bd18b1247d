package domain

import (
	"errors"
	"time"
)

type JobID string

type UserID string

type ProjectID string

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Active reports whether the status counts against the one-active-job-per-project
// invariant.
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

// Terminal reports whether the status is final. Terminal jobs are frozen: no
// further mutation is permitted.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is one unit of work processing a single user request against one project.
type Job struct {
	ID              JobID             `json:"id"`
	UserID          UserID            `json:"user_id"`
	ProjectID       ProjectID         `json:"project_id"`
	Status          JobStatus         `json:"status"`
	Progress        int               `json:"progress"`
	ProgressMessage string            `json:"progress_message,omitempty"`
	Result          *GenerationResult `json:"result,omitempty"`
	Error           *string           `json:"error,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobTerminal = errors.New("job already in a terminal state")
)
