// Package engine runs validated flows: it schedules nodes in dependency
// order, passes data between them, records per-node state, publishes
// progress events, and handles pause/resume and cancellation.
package engine

import (
	"sync"
	"time"
)

// EventType enumerates the observable scheduling steps.
type EventType string

const (
	EventExecutionStarted   EventType = "EXECUTION_STARTED"
	EventExecutionCompleted EventType = "EXECUTION_COMPLETED"
	EventExecutionFailed    EventType = "EXECUTION_FAILED"
	EventExecutionCancelled EventType = "EXECUTION_CANCELLED"
	EventExecutionPaused    EventType = "EXECUTION_PAUSED"
	EventExecutionResumed   EventType = "EXECUTION_RESUMED"
	EventNodeStarted        EventType = "NODE_STARTED"
	EventNodeCompleted      EventType = "NODE_COMPLETED"
	EventNodeFailed         EventType = "NODE_FAILED"
	EventNodeSkipped        EventType = "NODE_SKIPPED"
)

// Event is one progress message from a running execution.
type Event struct {
	Type        EventType              `json:"type"`
	ExecutionID string                 `json:"executionId"`
	NodeID      string                 `json:"nodeId,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Bus is the publish/subscribe channel for execution events. Subscribers
// may follow a single execution or the firehose of all executions. Events
// are advisory: slow subscribers lose the oldest buffered events rather
// than blocking the scheduler.
type Bus interface {
	Publish(event Event)

	// Subscribe follows one execution id. The returned cancel func must be
	// called to release the subscription.
	Subscribe(executionID string) (<-chan Event, func())

	// SubscribeAll follows every execution.
	SubscribeAll() (<-chan Event, func())

	Close() error
}

const subscriberBuffer = 256

type subscriber struct {
	executionID string // empty = firehose
	ch          chan Event
}

// MemoryBus is the in-process Bus used by single-node deployments and
// tests. Buffers are bounded; on overflow the oldest event is dropped.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewMemoryBus creates an in-process event bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: map[int]*subscriber{}}
}

func (b *MemoryBus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.executionID != "" && sub.executionID != event.ExecutionID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Full buffer: drop the oldest so the newest always lands.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

func (b *MemoryBus) subscribe(executionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{executionID: executionID, ch: make(chan Event, subscriberBuffer)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

func (b *MemoryBus) Subscribe(executionID string) (<-chan Event, func()) {
	return b.subscribe(executionID)
}

func (b *MemoryBus) SubscribeAll() (<-chan Event, func()) {
	return b.subscribe("")
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	return nil
}
