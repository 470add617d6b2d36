// Package audit emits the append-only operator trail: one JSON line per
// recorded event, prefixed for log-pipeline filtering. It is separate from
// provenance, which tracks entity state; audit tracks who did what at the
// platform boundary.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/chittycore/pkg/auth"
	"github.com/chittyos/chittycore/pkg/contracts"
)

// EventType is the category of an audit event.
type EventType string

const (
	// EventAccess records denied or sensitive reads.
	EventAccess EventType = "ACCESS"
	// EventMutation records state-changing operations.
	EventMutation EventType = "MUTATION"
	// EventSystem records scheduler and lifecycle activity.
	EventSystem EventType = "SYSTEM"
	// EventIntegrity records chain breaks and other tamper signals.
	EventIntegrity EventType = "INTEGRITY"
)

// Event is one structured audit record.
type Event struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events. Implementations must be safe for concurrent
// use; recording must never block the operation being audited.
type Logger interface {
	Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error
}

// prefix marks audit lines so log pipelines can split them from app logs.
const prefix = "AUDIT: "

// WriterLogger writes one prefixed JSON line per event.
type WriterLogger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  contracts.Clock
}

// LoggerOption configures a WriterLogger.
type LoggerOption func(*WriterLogger)

// WithClock overrides the time source, mainly for tests.
func WithClock(clock contracts.Clock) LoggerOption {
	return func(l *WriterLogger) { l.clock = clock }
}

// NewLogger creates a WriterLogger. A nil writer falls back to stdout.
func NewLogger(w io.Writer, opts ...LoggerOption) *WriterLogger {
	if w == nil {
		w = os.Stdout
	}
	l := &WriterLogger{writer: w, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record implements Logger. The actor comes from the request principal;
// events recorded outside a request are attributed to "system".
func (l *WriterLogger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	actorID := "system"
	if p, err := auth.GetPrincipal(ctx); err == nil {
		actorID = p.GetID()
	}

	event := Event{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: l.clock().UTC(),
		Metadata:  metadata,
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.writer.Write(append([]byte(prefix), append(raw, '\n')...))
	return err
}

// nopLogger drops every event.
type nopLogger struct{}

func (nopLogger) Record(context.Context, EventType, string, string, map[string]any) error {
	return nil
}

// Nop returns a Logger that records nothing, for deployments that disable
// the audit trail.
func Nop() Logger {
	return nopLogger{}
}
