package services

import (
	"log/slog"
	"sync"
	"time"

	"gameforge/internal/core/domain"
)

type JobEventKind string

const (
	EventStarted   JobEventKind = "started"
	EventProgress  JobEventKind = "progress"
	EventStream    JobEventKind = "stream"
	EventCompleted JobEventKind = "completed"
	EventFailed    JobEventKind = "failed"
	EventCancelled JobEventKind = "cancelled"
)

// JobEvent is one entry in a job's consumer-facing event stream.
type JobEvent struct {
	JobID     domain.JobID             `json:"job_id"`
	Kind      JobEventKind             `json:"kind"`
	Progress  int                      `json:"progress,omitempty"`
	Message   string                   `json:"message,omitempty"`
	Content   string                   `json:"content,omitempty"`
	Result    *domain.GenerationResult `json:"result,omitempty"`
	Error     string                   `json:"error,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

// Terminal reports whether the event closes the job's stream.
func (e JobEvent) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed || e.Kind == EventCancelled
}

// EventBus fans job events out to per-job subscribers. Delivery order for a
// single job matches publish order: Publish appends to each subscriber's
// buffered channel synchronously, single producer per job, no batching.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[domain.JobID][]chan JobEvent
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[domain.JobID][]chan JobEvent),
	}
}

// Subscribe returns a channel receiving events for one job plus an unsubscribe
// function. Unsubscribing is safe at any time, including from a consumer that
// is mid-drain; it closes the channel.
func (b *EventBus) Subscribe(jobID domain.JobID) (<-chan JobEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan JobEvent, 128)
	b.subs[jobID] = append(b.subs[jobID], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subscribers := b.subs[jobID]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[jobID] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[jobID]) == 0 {
			delete(b.subs, jobID)
		}
	}

	return ch, unsub
}

// Publish delivers an event to all current subscribers of the job. A full
// subscriber buffer drops the event for that subscriber rather than blocking
// the job.
func (b *EventBus) Publish(e JobEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[e.JobID] {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event subscriber buffer full, dropping event",
				"job_id", e.JobID, "kind", e.Kind)
		}
	}
}
