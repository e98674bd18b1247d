package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gameforge/internal/core/domain"
	"gameforge/internal/core/ports"
	"gameforge/internal/metrics"
)

// JobManager owns the job lifecycle: admission, the
// pending → processing → terminal state machine, the live-process registry,
// and the per-job event stream. Every status transition is persisted to the
// store before subscribers are notified, so a reconnecting subscriber can
// resynchronize from the store without missing state.
type JobManager struct {
	logger *slog.Logger
	store  ports.JobStore
	bus    *EventBus
	slots  *SlotPool

	mu       sync.Mutex
	procs    map[domain.JobID]func()
	releases map[domain.JobID]func()
	projects map[domain.ProjectID]*sync.Mutex
}

func NewJobManager(logger *slog.Logger, store ports.JobStore, bus *EventBus, slots *SlotPool) *JobManager {
	return &JobManager{
		logger:   logger,
		store:    store,
		bus:      bus,
		slots:    slots,
		procs:    make(map[domain.JobID]func()),
		releases: make(map[domain.JobID]func()),
		projects: make(map[domain.ProjectID]*sync.Mutex),
	}
}

// LockProject serializes admission against other project-exclusive work
// (another admission, a restore). The returned unlock must always be called.
func (m *JobManager) LockProject(projectID domain.ProjectID) (unlock func()) {
	m.mu.Lock()
	lock, ok := m.projects[projectID]
	if !ok {
		lock = &sync.Mutex{}
		m.projects[projectID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Create admits a new job for the project. If the project already has an
// active job, that job is returned with isExisting=true so a retrying caller
// sees a no-op rather than an error. The check and the insert hold the
// project lock: concurrent requests for one project admit exactly one job.
// On admission it acquires the user's slot; the slot is released exactly once
// when the job reaches a terminal state.
func (m *JobManager) Create(ctx context.Context, userID domain.UserID, projectID domain.ProjectID) (domain.Job, bool, error) {
	unlock := m.LockProject(projectID)
	defer unlock()

	existing, err := m.store.GetActiveByProject(ctx, projectID)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("check active job: %w", err)
	}
	if existing != nil {
		m.logger.Info("project already has an active job",
			"project_id", projectID, "job_id", existing.ID)
		return *existing, true, nil
	}

	if err := m.slots.Acquire(userID); err != nil {
		return domain.Job{}, false, err
	}

	now := time.Now()
	job := domain.Job{
		ID:        domain.JobID(uuid.New().String()),
		UserID:    userID,
		ProjectID: projectID,
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.store.Create(ctx, job); err != nil {
		m.slots.Release(userID)
		return domain.Job{}, false, fmt.Errorf("persist job: %w", err)
	}

	m.mu.Lock()
	m.releases[job.ID] = sync.OnceFunc(func() { m.slots.Release(userID) })
	m.mu.Unlock()

	m.logger.Info("job created", "job_id", job.ID, "user_id", userID, "project_id", projectID)
	return job, false, nil
}

// Start transitions pending → processing and emits a started event.
func (m *JobManager) Start(ctx context.Context, jobID domain.JobID) error {
	return m.transition(ctx, jobID, func(job *domain.Job) JobEvent {
		job.Status = domain.JobStatusProcessing
		return JobEvent{Kind: EventStarted}
	})
}

// UpdateProgress records progress and emits a progress event.
func (m *JobManager) UpdateProgress(ctx context.Context, jobID domain.JobID, pct int, message string) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return m.transition(ctx, jobID, func(job *domain.Job) JobEvent {
		job.Progress = pct
		job.ProgressMessage = message
		return JobEvent{Kind: EventProgress, Progress: pct, Message: message}
	})
}

// Stream forwards an incremental provider text chunk to subscribers. Chunks are
// ephemeral and not persisted.
func (m *JobManager) Stream(jobID domain.JobID, content string) {
	m.bus.Publish(JobEvent{JobID: jobID, Kind: EventStream, Content: content})
}

// Complete transitions to completed with the final result.
func (m *JobManager) Complete(ctx context.Context, jobID domain.JobID, result *domain.GenerationResult) error {
	err := m.transition(ctx, jobID, func(job *domain.Job) JobEvent {
		job.Status = domain.JobStatusCompleted
		job.Progress = 100
		job.Result = result
		return JobEvent{Kind: EventCompleted, Progress: 100, Result: result}
	})
	if err == nil {
		m.finish(jobID, domain.JobStatusCompleted)
	}
	return err
}

// Fail transitions to failed with a short, non-leaking message.
func (m *JobManager) Fail(ctx context.Context, jobID domain.JobID, message string) error {
	err := m.transition(ctx, jobID, func(job *domain.Job) JobEvent {
		job.Status = domain.JobStatusFailed
		job.Error = &message
		return JobEvent{Kind: EventFailed, Error: message}
	})
	if err == nil {
		m.finish(jobID, domain.JobStatusFailed)
	}
	return err
}

// Cancel is best-effort: a registered provider process is terminated first,
// but the transition to cancelled happens regardless of whether termination
// succeeded, and the slot is always released.
func (m *JobManager) Cancel(ctx context.Context, jobID domain.JobID) error {
	m.killProcess(jobID)
	err := m.transition(ctx, jobID, func(job *domain.Job) JobEvent {
		job.Status = domain.JobStatusCancelled
		return JobEvent{Kind: EventCancelled}
	})
	if err == nil {
		m.finish(jobID, domain.JobStatusCancelled)
	}
	return err
}

// Subscribe registers for the job's event stream.
func (m *JobManager) Subscribe(jobID domain.JobID) (<-chan JobEvent, func()) {
	return m.bus.Subscribe(jobID)
}

// Get returns the stored job record.
func (m *JobManager) Get(ctx context.Context, jobID domain.JobID) (domain.Job, error) {
	return m.store.Get(ctx, jobID)
}

// ActiveJob returns the project's pending or processing job, nil when idle.
func (m *JobManager) ActiveJob(ctx context.Context, projectID domain.ProjectID) (*domain.Job, error) {
	return m.store.GetActiveByProject(ctx, projectID)
}

// ListByProject returns the project's jobs, newest first.
func (m *JobManager) ListByProject(ctx context.Context, projectID domain.ProjectID) ([]domain.Job, error) {
	return m.store.ListByProject(ctx, projectID)
}

// RegisterProcess tracks the live provider process or stream for a job so
// Cancel and timeouts can forcibly terminate it. Registering again replaces
// the previous handle.
func (m *JobManager) RegisterProcess(jobID domain.JobID, cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[jobID] = cancel
}

// IsRunning reports whether a live process handle is registered for the job.
func (m *JobManager) IsRunning(jobID domain.JobID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.procs[jobID]
	return ok
}

// CanAdmit is a pre-flight hint for UI; callers must still Create.
func (m *JobManager) CanAdmit(userID domain.UserID) bool {
	return m.slots.CanAcquire(userID)
}

// transition loads the job, applies the mutation, persists, then publishes.
// Terminal jobs reject all further transitions.
func (m *JobManager) transition(ctx context.Context, jobID domain.JobID, mutate func(*domain.Job) JobEvent) error {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return domain.ErrJobTerminal
	}

	event := mutate(&job)
	job.UpdatedAt = time.Now()

	if err := m.store.Update(ctx, job); err != nil {
		return fmt.Errorf("persist job transition: %w", err)
	}

	event.JobID = jobID
	m.bus.Publish(event)
	return nil
}

// finish runs terminal housekeeping: drop the process handle and release the
// slot. The release closure is a sync.Once, so overlapping cancel/timeout/fail
// paths can all call it safely.
func (m *JobManager) finish(jobID domain.JobID, status domain.JobStatus) {
	metrics.JobsTotal.WithLabelValues(string(status)).Inc()

	m.mu.Lock()
	release := m.releases[jobID]
	delete(m.releases, jobID)
	delete(m.procs, jobID)
	m.mu.Unlock()

	if release != nil {
		release()
	}
}

func (m *JobManager) killProcess(jobID domain.JobID) {
	m.mu.Lock()
	cancel := m.procs[jobID]
	m.mu.Unlock()

	if cancel != nil {
		m.logger.Info("terminating provider process", "job_id", jobID)
		cancel()
	}
}
