package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	event := TaskRetriedEvent{
		TaskID:     "task-1",
		TaskKind:   "analyze",
		RetryCount: 1,
		After:      time.Second,
		Timestamp:  time.Now(),
	}

	bus.Publish(TopicTask, event)

	select {
	case received := <-ch:
		require.Equal(t, "task-1", received.Subject())
		require.Equal(t, KindTaskRetried, received.EventKind())
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicBatch, 10)
	ch2 := bus.Subscribe(TopicBatch, 10)

	event := BatchCompletedEvent{
		BatchID:   "batch-2",
		WorkerID:  "worker-1",
		Succeeded: 3,
		Timestamp: time.Now(),
	}

	bus.Publish(TopicBatch, event)

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			require.Equalf(t, "batch-2", received.Subject(), "subscriber %d", i+1)
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestSubscribeAll verifies cross-topic subscriptions see every topic.
func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(10)

	bus.Publish(TopicWorkflow, WorkflowStartedEvent{WorkflowID: "wf-1", Template: "release", Timestamp: time.Now()})
	bus.Publish(TopicStage, StageCompletedEvent{WorkflowID: "wf-1", Stage: "build", SuccessRatio: 1.0, Timestamp: time.Now()})

	kinds := make([]Kind, 0, 2)
	for i := 0; i < 2; i++ {
		select {
		case ev := <-all:
			kinds = append(kinds, ev.EventKind())
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}

	require.Equal(t, []Kind{KindWorkflowStarted, KindStageCompleted}, kinds)
}

// TestNonBlockingSend verifies that publishing doesn't block when channels are full.
func TestNonBlockingSend(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	// Buffer of 1: most publishes will be dropped, none may block.
	ch := bus.Subscribe(TopicWorker, 1)

	done := make(chan bool)
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicWorker, WorkerScaledEvent{
				WorkerID:  "worker-1",
				Action:    "added",
				PoolSize:  i,
				Timestamp: time.Now(),
			})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	select {
	case received := <-ch:
		require.Equal(t, KindWorkerScaled, received.EventKind())
	default:
		t.Fatal("expected at least one buffered event")
	}
}

// TestCloseIdempotent verifies Close can be called multiple times and that
// publishing after close is a no-op.
func TestCloseIdempotent(t *testing.T) {
	bus := NewBus()

	ch := bus.Subscribe(TopicTask, 1)

	bus.Close()
	bus.Close()

	// Publish after close must not panic or deliver.
	bus.Publish(TopicTask, TaskRequeuedEvent{TaskID: "task-x", Timestamp: time.Now()})

	_, open := <-ch
	require.False(t, open, "subscriber channel should be closed")
}

// TestSubscribeAfterClose verifies subscriptions made after close return a
// closed channel.
func TestSubscribeAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()

	ch := bus.Subscribe(TopicTask, 1)
	_, open := <-ch
	require.False(t, open)

	all := bus.SubscribeAll(1)
	_, open = <-all
	require.False(t, open)
}
