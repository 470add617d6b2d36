package exportbus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned for unknown event ids.
var ErrNotFound = errors.New("exportbus: not found")

// Event queue states.
const (
	statePending = "pending"
	stateSent    = "sent"
	stateDead    = "dead"
)

// Queue is the durable outbound event store. Due returns pending events
// whose NextAttempt has arrived, oldest first.
type Queue interface {
	Enqueue(ctx context.Context, event Event) error
	Due(ctx context.Context, now time.Time, limit int) ([]Event, error)
	Ack(ctx context.Context, id string) error
	Retry(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastError string) error
	DeadLetter(ctx context.Context, id string, lastError string) error
}

type queuedEvent struct {
	event Event
	state string
}

// MemoryQueue is the in-process Queue used by tests and single-node setups.
type MemoryQueue struct {
	mu     sync.Mutex
	events map[string]*queuedEvent
}

// NewMemoryQueue returns an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{events: make(map[string]*queuedEvent)}
}

func (m *MemoryQueue) Enqueue(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.ID] = &queuedEvent{event: event, state: statePending}
	return nil
}

func (m *MemoryQueue) Due(_ context.Context, now time.Time, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, q := range m.events {
		if q.state == statePending && !q.event.NextAttempt.After(now) {
			out = append(out, q.event)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextAttempt.Equal(out[j].NextAttempt) {
			return out[i].NextAttempt.Before(out[j].NextAttempt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryQueue) Ack(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	q.state = stateSent
	return nil
}

func (m *MemoryQueue) Retry(_ context.Context, id string, attempts int, nextAttempt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	q.event.Attempts = attempts
	q.event.NextAttempt = nextAttempt
	q.event.LastError = lastError
	return nil
}

func (m *MemoryQueue) DeadLetter(_ context.Context, id string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	q.state = stateDead
	q.event.LastError = lastError
	return nil
}

// DeadLetters lists dead events, a test and operations helper.
func (m *MemoryQueue) DeadLetters() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, q := range m.events {
		if q.state == stateDead {
			out = append(out, q.event)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
