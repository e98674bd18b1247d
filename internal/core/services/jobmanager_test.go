package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gameforge/internal/core/domain"
)

// memStore is an in-memory JobStore for tests.
type memStore struct {
	mu   sync.Mutex
	jobs map[domain.JobID]domain.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[domain.JobID]domain.Job)}
}

func (s *memStore) Create(ctx context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *memStore) Get(ctx context.Context, id domain.JobID) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (s *memStore) GetActiveByProject(ctx context.Context, projectID domain.ProjectID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.ProjectID == projectID && job.Status.Active() {
			j := job
			return &j, nil
		}
	}
	return nil, nil
}

func (s *memStore) Update(ctx context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return domain.ErrJobNotFound
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *memStore) ListByProject(ctx context.Context, projectID domain.ProjectID) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, job := range s.jobs {
		if job.ProjectID == projectID {
			out = append(out, job)
		}
	}
	return out, nil
}

func newTestManager(t *testing.T) (*JobManager, *memStore, *SlotPool) {
	t.Helper()
	store := newMemStore()
	slots := NewSlotPool(testLogger(), SlotPoolConfig{MaxPerUser: 2, MaxTotal: 10})
	mgr := NewJobManager(testLogger(), store, NewEventBus(testLogger()), slots)
	return mgr, store, slots
}

func TestJobManager_CreateAndLifecycle(t *testing.T) {
	mgr, _, slots := newTestManager(t)
	ctx := context.Background()

	job, isExisting, err := mgr.Create(ctx, "alice", "proj-1")
	require.NoError(t, err)
	assert.False(t, isExisting)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, int64(1), slots.InUse())

	require.NoError(t, mgr.Start(ctx, job.ID))
	got, err := mgr.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, got.Status)

	require.NoError(t, mgr.UpdateProgress(ctx, job.ID, 50, "halfway"))
	require.NoError(t, mgr.Complete(ctx, job.ID, &domain.GenerationResult{Mode: domain.ModeChat, Message: "done"}))

	got, err = mgr.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Result)
	assert.Equal(t, "done", got.Result.Message)

	// Terminal completion released the slot.
	assert.Equal(t, int64(0), slots.InUse())
}

func TestJobManager_DuplicateProjectReturnsExisting(t *testing.T) {
	mgr, _, slots := newTestManager(t)
	ctx := context.Background()

	first, _, err := mgr.Create(ctx, "alice", "proj-1")
	require.NoError(t, err)

	second, isExisting, err := mgr.Create(ctx, "alice", "proj-1")
	require.NoError(t, err)
	assert.True(t, isExisting)
	assert.Equal(t, first.ID, second.ID)

	// The duplicate did not consume a second slot.
	assert.Equal(t, int64(1), slots.InUse())
}

// slowStore widens the check-then-create window by delaying reads.
type slowStore struct {
	*memStore
	delay time.Duration
}

func (s *slowStore) GetActiveByProject(ctx context.Context, projectID domain.ProjectID) (*domain.Job, error) {
	time.Sleep(s.delay)
	return s.memStore.GetActiveByProject(ctx, projectID)
}

func TestJobManager_ConcurrentCreatesAdmitOneJob(t *testing.T) {
	store := &slowStore{memStore: newMemStore(), delay: 5 * time.Millisecond}
	slots := NewSlotPool(testLogger(), SlotPoolConfig{MaxPerUser: 20, MaxTotal: 20})
	mgr := NewJobManager(testLogger(), store, NewEventBus(testLogger()), slots)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, isExisting, err := mgr.Create(ctx, "alice", "proj-1")
			assert.NoError(t, err)
			if !isExisting {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, int64(1), slots.InUse())

	jobs, err := store.ListByProject(ctx, "proj-1")
	require.NoError(t, err)
	active := 0
	for _, job := range jobs {
		if job.Status.Active() {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestJobManager_LockProjectBlocksAdmission(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	unlock := mgr.LockProject("proj-1")

	done := make(chan struct{})
	go func() {
		_, _, err := mgr.Create(ctx, "alice", "proj-1")
		assert.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("admission proceeded while project lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("admission never proceeded after unlock")
	}

	// Other projects are unaffected by the lock.
	unlock2 := mgr.LockProject("proj-1")
	defer unlock2()
	_, _, err := mgr.Create(ctx, "alice", "proj-2")
	require.NoError(t, err)
}

func TestJobManager_TerminalStateIsFrozen(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	job, _, err := mgr.Create(ctx, "alice", "proj-1")
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, job.ID))
	require.NoError(t, mgr.Cancel(ctx, job.ID))

	assert.ErrorIs(t, mgr.Complete(ctx, job.ID, &domain.GenerationResult{Mode: domain.ModeChat}), domain.ErrJobTerminal)
	assert.ErrorIs(t, mgr.Fail(ctx, job.ID, "late failure"), domain.ErrJobTerminal)
	assert.ErrorIs(t, mgr.UpdateProgress(ctx, job.ID, 90, "late"), domain.ErrJobTerminal)

	got, err := mgr.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, got.Status)
}

func TestJobManager_CancelKillsRegisteredProcess(t *testing.T) {
	mgr, _, slots := newTestManager(t)
	ctx := context.Background()

	job, _, err := mgr.Create(ctx, "alice", "proj-1")
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, job.ID))

	killed := false
	mgr.RegisterProcess(job.ID, func() { killed = true })
	assert.True(t, mgr.IsRunning(job.ID))

	require.NoError(t, mgr.Cancel(ctx, job.ID))
	assert.True(t, killed)
	assert.False(t, mgr.IsRunning(job.ID))
	assert.Equal(t, int64(0), slots.InUse())
}

func TestJobManager_PersistsBeforePublishing(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	ctx := context.Background()

	job, _, err := mgr.Create(ctx, "alice", "proj-1")
	require.NoError(t, err)

	ch, unsub := mgr.Subscribe(job.ID)
	defer unsub()

	require.NoError(t, mgr.Start(ctx, job.ID))

	select {
	case event := <-ch:
		assert.Equal(t, EventStarted, event.Kind)
		// By the time the event arrives the store already has the new status.
		stored, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusProcessing, stored.Status)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for started event")
	}
}

func TestJobManager_FailReleasesSlotOnce(t *testing.T) {
	mgr, _, slots := newTestManager(t)
	ctx := context.Background()

	job, _, err := mgr.Create(ctx, "alice", "proj-1")
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, job.ID))
	require.NoError(t, mgr.Fail(ctx, job.ID, "provider exploded"))

	// Redundant terminal attempts must not double-release.
	_ = mgr.Cancel(ctx, job.ID)
	assert.Equal(t, int64(0), slots.InUse())

	got, err := mgr.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, "provider exploded", *got.Error)
}
