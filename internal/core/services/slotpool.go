package services

import (
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"gameforge/internal/core/domain"
	"gameforge/internal/metrics"
)

var (
	ErrUserLimitExceeded   = errors.New("user concurrency limit exceeded")
	ErrSystemLimitExceeded = errors.New("system concurrency limit exceeded")
)

// SlotPoolConfig defines admission limits.
type SlotPoolConfig struct {
	MaxPerUser int
	MaxTotal   int64
}

// SlotPool is the in-memory admission controller. One slot is held for the
// duration of one running job. The global cap is a weighted semaphore; per-user
// counts live in a map guarded by the same mutex so an admission check is atomic.
type SlotPool struct {
	logger     *slog.Logger
	maxPerUser int
	maxTotal   int64

	mu    sync.Mutex
	users map[domain.UserID]int
	total int64
	sem   *semaphore.Weighted
}

func NewSlotPool(logger *slog.Logger, cfg SlotPoolConfig) *SlotPool {
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 2
	}
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = 10
	}
	return &SlotPool{
		logger:     logger,
		maxPerUser: cfg.MaxPerUser,
		maxTotal:   cfg.MaxTotal,
		users:      make(map[domain.UserID]int),
		sem:        semaphore.NewWeighted(cfg.MaxTotal),
	}
}

// Acquire claims one slot for the user. It fails fast: ErrUserLimitExceeded when
// the user is at capacity, ErrSystemLimitExceeded when the system is.
func (p *SlotPool) Acquire(userID domain.UserID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.users[userID] >= p.maxPerUser {
		metrics.AdmissionRejections.WithLabelValues("user").Inc()
		return ErrUserLimitExceeded
	}
	if !p.sem.TryAcquire(1) {
		metrics.AdmissionRejections.WithLabelValues("system").Inc()
		return ErrSystemLimitExceeded
	}

	p.users[userID]++
	p.total++
	metrics.SlotsInUse.Set(float64(p.total))
	return nil
}

// Release returns the user's slot. Never drives a counter below zero and is
// safe to call more than once per acquisition.
func (p *SlotPool) Release(userID domain.UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	count, ok := p.users[userID]
	if !ok || count <= 0 {
		p.logger.Warn("slot release with no held slot", "user_id", userID)
		return
	}

	if count == 1 {
		delete(p.users, userID)
	} else {
		p.users[userID] = count - 1
	}
	p.total--
	p.sem.Release(1)
	metrics.SlotsInUse.Set(float64(p.total))
}

// CanAcquire is a pure pre-flight predicate with no side effects. It is not
// atomic with respect to concurrent callers: callers must still Acquire and
// handle its failure.
func (p *SlotPool) CanAcquire(userID domain.UserID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.users[userID] < p.maxPerUser && p.total < p.maxTotal
}

// InUse returns the number of slots currently held system-wide.
func (p *SlotPool) InUse() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// UserInUse returns the number of slots held by one user.
func (p *SlotPool) UserInUse(userID domain.UserID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.users[userID]
}
