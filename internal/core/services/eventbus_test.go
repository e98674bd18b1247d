package services

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"gameforge/internal/core/domain"
)

func TestEventBus_PubSub(t *testing.T) {
	bus := NewEventBus(testLogger())
	jobID := domain.JobID("job-123")

	ch, unsub := bus.Subscribe(jobID)
	defer unsub()

	bus.Publish(JobEvent{JobID: jobID, Kind: EventProgress, Progress: 40, Message: "generating"})

	select {
	case received := <-ch:
		assert.Equal(t, jobID, received.JobID)
		assert.Equal(t, EventProgress, received.Kind)
		assert.Equal(t, 40, received.Progress)
		assert.False(t, received.Timestamp.IsZero())
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(testLogger())
	jobID := domain.JobID("job-456")

	ch, unsub := bus.Subscribe(jobID)
	unsub()

	bus.Publish(JobEvent{JobID: jobID, Kind: EventStream, Content: "should not receive"})

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestEventBus_OrderPreserved(t *testing.T) {
	bus := NewEventBus(testLogger())
	jobID := domain.JobID("job-order")

	ch, unsub := bus.Subscribe(jobID)
	defer unsub()

	for i := 0; i < 20; i++ {
		bus.Publish(JobEvent{JobID: jobID, Kind: EventStream, Content: fmt.Sprintf("chunk-%d", i)})
	}

	for i := 0; i < 20; i++ {
		select {
		case event := <-ch:
			assert.Equal(t, fmt.Sprintf("chunk-%d", i), event.Content)
		case <-time.After(1 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestEventBus_IsolatedPerJob(t *testing.T) {
	bus := NewEventBus(testLogger())

	chA, unsubA := bus.Subscribe("job-a")
	defer unsubA()
	chB, unsubB := bus.Subscribe("job-b")
	defer unsubB()

	bus.Publish(JobEvent{JobID: "job-a", Kind: EventStarted})

	select {
	case event := <-chA:
		assert.Equal(t, domain.JobID("job-a"), event.JobID)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for job-a event")
	}

	select {
	case event := <-chB:
		t.Fatalf("job-b subscriber received foreign event: %v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBus_FullBufferDoesNotBlock(t *testing.T) {
	bus := NewEventBus(testLogger())
	jobID := domain.JobID("job-slow")

	_, unsub := bus.Subscribe(jobID)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nobody drains; publishes beyond the buffer must drop, not block.
		for i := 0; i < 300; i++ {
			bus.Publish(JobEvent{JobID: jobID, Kind: EventStream, Content: "x"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}
}
