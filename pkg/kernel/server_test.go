package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gameforge/internal/core/domain"
	"gameforge/internal/core/ports"
	"gameforge/internal/core/services"
	"gameforge/internal/skills"
)

// memStore is an in-memory ports.JobStore for handler tests.
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
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type fakeVC struct {
	mu          sync.Mutex
	commits     []string
	checkouts   []string
	checkoutErr error
	log         []domain.Version
}

func (f *fakeVC) Commit(ctx context.Context, dir, message string, allowEmpty bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, message)
	return "commit-id", nil
}

func (f *fakeVC) Log(ctx context.Context, dir string) ([]domain.Version, error) {
	return f.log, nil
}

func (f *fakeVC) CheckoutFiles(ctx context.Context, dir, versionID string) error {
	if f.checkoutErr != nil {
		return f.checkoutErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, versionID)
	return nil
}

type fakeWS struct {
	mu    sync.Mutex
	files map[string]map[string][]byte
}

func newFakeWS() *fakeWS { return &fakeWS{files: make(map[string]map[string][]byte)} }

func (w *fakeWS) ListFiles(ctx context.Context, dir string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for path := range w.files[dir] {
		out = append(out, path)
	}
	sort.Strings(out)
	return out, nil
}

func (w *fakeWS) ReadFile(ctx context.Context, dir, path string) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, ok := w.files[dir][path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (w *fakeWS) WriteFile(ctx context.Context, dir, path string, content []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.files[dir] == nil {
		w.files[dir] = make(map[string][]byte)
	}
	w.files[dir][path] = content
	return nil
}

// fakeGen serves both the structured provider and plain-text completion.
type fakeGen struct {
	textReply string
	result    *domain.GenerationResult
}

func (g *fakeGen) GenerateStructured(ctx context.Context, prompt ports.GenerationPrompt, onChunk ports.StreamFunc) (*domain.GenerationResult, error) {
	if g.result == nil {
		return nil, errors.New("no result configured")
	}
	return g.result, nil
}

func (g *fakeGen) GenerateText(ctx context.Context, prompt string) (string, error) {
	return g.textReply, nil
}

type fakeRunner struct{}

func (fakeRunner) Start(ctx context.Context, prompt string) (ports.AgentProcess, error) {
	return nil, errors.New("no fallback in tests")
}

type fakeActivity struct{}

func (fakeActivity) Append(ctx context.Context, line string) error { return nil }

type fixture struct {
	store  *memStore
	vc     *fakeVC
	mgr    *services.JobManager
	server *Server
	h      http.Handler
}

func newFixture(t *testing.T, maxPerUser int) *fixture {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	store := newMemStore()
	vc := &fakeVC{}
	ws := newFakeWS()
	gen := &fakeGen{textReply: "chat", result: &domain.GenerationResult{Mode: domain.ModeChat, Message: "hi"}}

	lib, err := skills.NewLibrary(logger, t.TempDir(), nil)
	require.NoError(t, err)

	slots := services.NewSlotPool(logger, services.SlotPoolConfig{MaxPerUser: maxPerUser, MaxTotal: 10})
	mgr := services.NewJobManager(logger, store, services.NewEventBus(logger), slots)

	classifier := services.NewIntentClassifier(logger, gen, 0)
	selector := services.NewSkillSelector(logger, lib, gen, 0, nil)
	orch := services.NewOrchestrator(logger, gen, fakeRunner{}, 0)
	applier := services.NewEditApplier(logger, ws, nil, "")
	versions := services.NewVersionStore(logger, vc)

	proc := services.NewProcessor(logger, mgr, classifier, selector, orch, applier, versions, ws, lib, fakeActivity{},
		func(id domain.ProjectID) string { return string(id) })

	server := NewServer(logger, mgr, proc, versions,
		func(id domain.ProjectID) string { return string(id) },
		context.Background(), []string{"*"})

	return &fixture{store: store, vc: vc, mgr: mgr, server: server, h: server.Handler()}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t, 2)
	rec := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_GenerateAccepted(t *testing.T) {
	f := newFixture(t, 2)

	rec := f.do(http.MethodPost, "/v1/projects/proj-1/generate",
		`{"user_id":"alice","message":"make a 2d shooter"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decode[generateResponse](t, rec)
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, string(domain.JobStatusPending), resp.Status)
	assert.False(t, resp.IsExisting)
}

func TestServer_GenerateValidatesBody(t *testing.T) {
	f := newFixture(t, 2)

	rec := f.do(http.MethodPost, "/v1/projects/proj-1/generate", `{"message":"no user"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/v1/projects/proj-1/generate", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GenerateReturnsExistingJob(t *testing.T) {
	f := newFixture(t, 2)

	job, _, err := f.mgr.Create(context.Background(), "alice", "proj-1")
	require.NoError(t, err)

	rec := f.do(http.MethodPost, "/v1/projects/proj-1/generate",
		`{"user_id":"alice","message":"again"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decode[generateResponse](t, rec)
	assert.Equal(t, string(job.ID), resp.JobID)
	assert.True(t, resp.IsExisting)
}

func TestServer_GenerateRejectsOverUserLimit(t *testing.T) {
	f := newFixture(t, 1)

	// Hold alice's only slot with a pending job on another project.
	_, _, err := f.mgr.Create(context.Background(), "alice", "proj-other")
	require.NoError(t, err)

	rec := f.do(http.MethodPost, "/v1/projects/proj-1/generate",
		`{"user_id":"alice","message":"one more"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestServer_GetJob(t *testing.T) {
	f := newFixture(t, 2)

	rec := f.do(http.MethodGet, "/v1/jobs/nope/", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	job, _, err := f.mgr.Create(context.Background(), "alice", "proj-1")
	require.NoError(t, err)

	rec = f.do(http.MethodGet, "/v1/jobs/"+string(job.ID)+"/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[domain.Job](t, rec)
	assert.Equal(t, job.ID, got.ID)
}

func TestServer_CancelJob(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	rec := f.do(http.MethodPost, "/v1/jobs/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	job, _, err := f.mgr.Create(ctx, "alice", "proj-1")
	require.NoError(t, err)

	rec = f.do(http.MethodPost, "/v1/jobs/"+string(job.ID)+"/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	got, err := f.mgr.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, got.Status)

	// Cancelling a finished job conflicts.
	rec = f.do(http.MethodPost, "/v1/jobs/"+string(job.ID)+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_ListJobs(t *testing.T) {
	f := newFixture(t, 2)
	_, _, err := f.mgr.Create(context.Background(), "alice", "proj-1")
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/v1/projects/proj-1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[map[string]json.RawMessage](t, rec)
	assert.JSONEq(t, "1", string(resp["count"]))
}

func TestServer_ListVersionsHidesBookkeeping(t *testing.T) {
	f := newFixture(t, 2)
	f.vc.log = []domain.Version{
		{ID: "2", Message: "add enemies", Timestamp: time.Now()},
		{ID: "1", Message: "[setup] initialize project", Timestamp: time.Now()},
	}

	rec := f.do(http.MethodGet, "/v1/projects/proj-1/versions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Versions []domain.Version `json:"versions"`
		Count    int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "add enemies", resp.Versions[0].Message)
}

func TestServer_RestoreValidation(t *testing.T) {
	f := newFixture(t, 2)

	rec := f.do(http.MethodPost, "/v1/projects/proj-1/restore", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RestoreRefusedWhileJobActive(t *testing.T) {
	f := newFixture(t, 2)
	_, _, err := f.mgr.Create(context.Background(), "alice", "proj-1")
	require.NoError(t, err)

	rec := f.do(http.MethodPost, "/v1/projects/proj-1/restore", `{"version_id":"abc123"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, f.vc.checkouts)
}

func TestServer_RestoreSuccessAndFailure(t *testing.T) {
	f := newFixture(t, 2)

	rec := f.do(http.MethodPost, "/v1/projects/proj-1/restore", `{"version_id":"abc123"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"abc123"}, f.vc.checkouts)

	f.vc.checkoutErr = errors.New("unknown revision")
	rec = f.do(http.MethodPost, "/v1/projects/proj-1/restore", `{"version_id":"nope"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestServer_JobEventsReplayTerminalState(t *testing.T) {
	f := newFixture(t, 2)

	errMsg := "generation failed"
	require.NoError(t, f.store.Create(context.Background(), domain.Job{
		ID:        "done-job",
		UserID:    "alice",
		ProjectID: "proj-1",
		Status:    domain.JobStatusFailed,
		Error:     &errMsg,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}))

	rec := f.do(http.MethodGet, "/v1/jobs/done-job/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: failed")
	assert.Contains(t, body, "generation failed")
}

func TestServer_JobEventsUnknownJob(t *testing.T) {
	f := newFixture(t, 2)
	rec := f.do(http.MethodGet, "/v1/jobs/nope/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
