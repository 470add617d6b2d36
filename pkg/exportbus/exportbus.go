// Package exportbus fans processed-evidence events out to declared external
// sinks: a durable queue feeds a scheduled drain that dispatches HMAC-signed
// webhooks with at-least-once delivery and bounded retry.
package exportbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// Drain and retry defaults.
const (
	DefaultBatchSize  = 50
	DefaultMaxRetries = 5
	defaultBaseDelay  = time.Minute
)

// Event is one outbound notification awaiting delivery.
type Event struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	NextAttempt time.Time       `json:"next_attempt"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Transform renders an event into the body a sink receives. Adapter-specific
// payload shapes live behind this seam.
type Transform func(Event) ([]byte, error)

// IdentityTransform delivers the event envelope as-is.
func IdentityTransform(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// PayloadTransform delivers only the raw payload.
func PayloadTransform(e Event) ([]byte, error) {
	if len(e.Payload) == 0 {
		return []byte("null"), nil
	}
	return e.Payload, nil
}

// Dispatcher delivers one rendered body to a sink.
type Dispatcher interface {
	Dispatch(ctx context.Context, sink Sink, body []byte) error
}

// Service owns the outbound queue and its scheduled drain.
type Service struct {
	queue      Queue
	sinks      []Sink
	transforms map[string]Transform
	dispatcher Dispatcher
	clock      contracts.Clock
	logger     *slog.Logger
	batchSize  int
	maxRetries int
	baseDelay  time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source, mainly for tests.
func WithClock(clock contracts.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithBatchSize overrides how many events one drain pass processes.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithMaxRetries overrides the per-event retry budget.
func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithBaseDelay overrides the first retry delay; later retries double it.
func WithBaseDelay(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.baseDelay = d
		}
	}
}

// WithTransform registers a named transform for sinks to reference.
func WithTransform(name string, t Transform) Option {
	return func(s *Service) { s.transforms[name] = t }
}

// NewService wires the bus to its queue, sink declarations, and dispatcher.
func NewService(queue Queue, sinks []Sink, dispatcher Dispatcher, opts ...Option) *Service {
	s := &Service{
		queue:      queue,
		sinks:      sinks,
		dispatcher: dispatcher,
		transforms: map[string]Transform{
			"":         IdentityTransform,
			"identity": IdentityTransform,
			"payload":  PayloadTransform,
		},
		clock:      time.Now,
		logger:     slog.Default(),
		batchSize:  DefaultBatchSize,
		maxRetries: DefaultMaxRetries,
		baseDelay:  defaultBaseDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish enqueues an event for the next drain. Payloads are serialized
// immediately so later mutation of the value cannot change what ships.
func (s *Service) Publish(ctx context.Context, kind string, payload any) (Event, error) {
	if kind == "" {
		return Event{}, contracts.NewFault(contracts.CodeInvalidInput, "event kind is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("exportbus: marshal payload: %w", err)
	}
	now := s.clock().UTC()
	event := Event{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     body,
		NextAttempt: now,
		CreatedAt:   now,
	}
	if err := s.queue.Enqueue(ctx, event); err != nil {
		return Event{}, fmt.Errorf("exportbus: enqueue: %w", err)
	}
	return event, nil
}

// Drain processes one batch of due events, returning how many were delivered.
// Delivery is at-least-once: an event is acknowledged only when every
// matching sink accepted it, so a partial failure redelivers to sinks that
// already succeeded.
func (s *Service) Drain(ctx context.Context) (int, error) {
	now := s.clock().UTC()
	due, err := s.queue.Due(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("exportbus: list due events: %w", err)
	}

	delivered := 0
	for _, event := range due {
		if err := s.deliver(ctx, event); err != nil {
			s.retryOrDeadLetter(ctx, event, err)
			continue
		}
		if err := s.queue.Ack(ctx, event.ID); err != nil {
			s.logger.Error("export event not acknowledged", "event_id", event.ID, "error", err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// deliver sends the event to every sink subscribed to its kind.
func (s *Service) deliver(ctx context.Context, event Event) error {
	for _, sink := range s.sinks {
		if !sink.accepts(event.Kind) {
			continue
		}
		transform, ok := s.transforms[sink.Transform]
		if !ok {
			return fmt.Errorf("sink %s references unknown transform %q", sink.Name, sink.Transform)
		}
		body, err := transform(event)
		if err != nil {
			return fmt.Errorf("sink %s transform: %w", sink.Name, err)
		}
		if err := s.dispatcher.Dispatch(ctx, sink, body); err != nil {
			return fmt.Errorf("sink %s: %w", sink.Name, err)
		}
	}
	return nil
}

func (s *Service) retryOrDeadLetter(ctx context.Context, event Event, cause error) {
	attempts := event.Attempts + 1
	if attempts > s.maxRetries {
		if err := s.queue.DeadLetter(ctx, event.ID, cause.Error()); err != nil {
			s.logger.Error("export event not dead-lettered", "event_id", event.ID, "error", err)
			return
		}
		s.logger.Warn("export event dead-lettered",
			"event_id", event.ID, "kind", event.Kind, "attempts", attempts, "error", cause)
		return
	}

	delay := s.baseDelay << (attempts - 1)
	next := s.clock().UTC().Add(delay)
	if err := s.queue.Retry(ctx, event.ID, attempts, next, cause.Error()); err != nil {
		s.logger.Error("export event retry not scheduled", "event_id", event.ID, "error", err)
		return
	}
	s.logger.Info("export event delivery failed, retry scheduled",
		"event_id", event.ID, "kind", event.Kind, "attempt", attempts, "next_attempt", next, "error", cause)
}
