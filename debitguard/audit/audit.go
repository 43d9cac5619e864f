package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/google/uuid"
)

// Kind classifies an audit event.
type Kind string

const (
	KindSuccess               Kind = "success"
	KindCached                Kind = "cached"
	KindRejected              Kind = "rejected"
	KindRetryable             Kind = "retryable"
	KindInfrastructureFailure Kind = "infrastructure_failure"
	KindCorrection            Kind = "correction"
)

// Event is one audit trail entry.
type Event struct {
	ID           string    `json:"id"`
	Operation    string    `json:"operation"`
	Kind         Kind      `json:"kind"`
	ResourceType string    `json:"resourceType"`
	ResourceID   string    `json:"resourceId"`
	Actor        string    `json:"actor,omitempty"`
	Code         string    `json:"code,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	RequestID    string    `json:"requestId,omitempty"`
	At           time.Time `json:"at"`
}

// NewEvent fills the id and timestamp.
func NewEvent(operation string, kind Kind, resourceType, resourceID string) Event {
	return Event{
		ID:           uuid.NewString(),
		Operation:    operation,
		Kind:         kind,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		At:           time.Now().UTC(),
	}
}

// Recorder persists or forwards events.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// Emit sends e to r and logs, never returns, a delivery failure. Audit
// delivery must not change the outcome of a payment operation.
func Emit(ctx context.Context, r Recorder, logger log.Logger, e Event) {
	if r == nil {
		return
	}

	if err := r.Record(ctx, e); err != nil {
		log.OrNop(logger).Log(ctx, log.LevelError, "failed to record audit event",
			log.String("operation", e.Operation), log.String("kind", string(e.Kind)), log.Err(err))
	}
}

// LogRecorder writes events to a structured logger.
type LogRecorder struct {
	logger log.Logger
}

// NewLogRecorder returns a LogRecorder.
func NewLogRecorder(logger log.Logger) *LogRecorder {
	return &LogRecorder{logger: log.OrNop(logger).WithGroup("audit")}
}

func (r *LogRecorder) Record(ctx context.Context, e Event) error {
	level := log.LevelInfo

	switch e.Kind {
	case KindInfrastructureFailure:
		level = log.LevelError
	case KindRejected, KindRetryable, KindCorrection:
		level = log.LevelWarn
	}

	r.logger.Log(ctx, level, "audit "+e.Operation,
		log.String("event_id", e.ID),
		log.String("kind", string(e.Kind)),
		log.String("resource_type", e.ResourceType),
		log.String("resource_id", e.ResourceID),
		log.String("actor", e.Actor),
		log.String("code", e.Code),
		log.String("reason", e.Reason),
	)

	return nil
}

// Multi fans an event out to several recorders and joins their errors.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, e Event) error {
	var errs []error

	for _, r := range m {
		if r == nil {
			continue
		}

		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// MemoryRecorder keeps events in memory.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemoryRecorder) Record(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, e)

	return nil
}

// Events returns a copy of the recorded events.
func (m *MemoryRecorder) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Event(nil), m.events...)
}

// Count returns how many events of kind were recorded for operation.
func (m *MemoryRecorder) Count(operation string, kind Kind) int {
	n := 0

	for _, e := range m.Events() {
		if e.Operation == operation && e.Kind == kind {
			n++
		}
	}

	return n
}
