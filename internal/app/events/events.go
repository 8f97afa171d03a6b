// Package events provides structured event logging for package
// orchestration. Events capture stage starts, completions, degradations,
// transitions and claim rejections so operators can reconstruct what
// happened to a package without trawling text logs.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies the kind of orchestration event.
type EventType string

const (
	EventPackageCreated  EventType = "package.created"
	EventPackageRequeued EventType = "package.requeued"

	EventStageStarted  EventType = "stage.started"
	EventStageComplete EventType = "stage.complete"
	EventStageFailed   EventType = "stage.failed"
	EventStageDegraded EventType = "stage.degraded"

	EventTransitionApplied EventType = "transition.applied"
	EventClaimRejected     EventType = "claim.rejected"
	EventCancelRequested   EventType = "cancel.requested"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event represents one structured orchestration event.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	PackageID string `json:"package_id,omitempty"`
	Stage     string `json:"stage,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`

	Message  string            `json:"message,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Handler processes events as they occur.
type Handler func(Event)

// Logger records orchestration events.
type Logger interface {
	Log(event Event)
	Subscribe(handler Handler) func()
}

// NoOpLogger discards all events.
type NoOpLogger struct{}

func (NoOpLogger) Log(Event) {}

func (NoOpLogger) Subscribe(Handler) func() { return func() {} }

// MemoryLogger keeps the most recent events in a bounded ring buffer and
// fans them out to subscribers synchronously.
type MemoryLogger struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
	handlers map[int]Handler
	nextID   int
}

var _ Logger = (*MemoryLogger)(nil)

// NewMemoryLogger creates a logger retaining up to capacity events
// (default 1000 when capacity <= 0).
func NewMemoryLogger(capacity int) *MemoryLogger {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryLogger{
		capacity: capacity,
		handlers: make(map[int]Handler),
	}
}

// Log records the event, stamping ID and timestamp when absent.
func (l *MemoryLogger) Log(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	l.mu.Lock()
	l.events = append(l.events, event)
	if len(l.events) > l.capacity {
		l.events = l.events[len(l.events)-l.capacity:]
	}
	handlers := make([]Handler, 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// Subscribe registers a handler; the returned func unsubscribes it.
func (l *MemoryLogger) Subscribe(handler Handler) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.handlers[id] = handler
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.handlers, id)
		l.mu.Unlock()
	}
}

// Recent returns up to limit most recent events, newest last. A zero or
// negative limit returns everything retained.
func (l *MemoryLogger) Recent(limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.events) {
		limit = len(l.events)
	}
	out := make([]Event, limit)
	copy(out, l.events[len(l.events)-limit:])
	return out
}

// ForPackage returns retained events for one package id, oldest first.
func (l *MemoryLogger) ForPackage(packageID string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for _, e := range l.events {
		if e.PackageID == packageID {
			out = append(out, e)
		}
	}
	return out
}
