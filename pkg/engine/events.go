package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies an execution lifecycle event.
type EventType string

const (
	EventPlanStart       EventType = "PLAN_START"
	EventNodeStart       EventType = "NODE_START"
	EventHTTPRequest     EventType = "HTTP_REQUEST"
	EventHTTPResponse    EventType = "HTTP_RESPONSE"
	EventHTTPRetry       EventType = "HTTP_RETRY"
	EventAssertionResult EventType = "ASSERTION_RESULT"
	EventWaitStart       EventType = "WAIT_START"
	EventNodeEnd         EventType = "NODE_END"
	EventPlanEnd         EventType = "PLAN_END"
	EventError           EventType = "ERROR"
)

// Event is one execution lifecycle event. Seq orders events within a
// single execution.
type Event struct {
	EventID        string         `json:"eventId"`
	ExecutionID    string         `json:"executionId"`
	PlanID         string         `json:"planId"`
	OrganizationID string         `json:"organizationId,omitempty"`
	Seq            int            `json:"seq"`
	Timestamp      time.Time      `json:"timestamp"`
	Type           EventType      `json:"type"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// Emitter receives execution events. Events are best-effort
// observability, never the source of truth: an emitter must not block
// execution and must swallow its own failures.
type Emitter interface {
	Emit(event Event)
}

// SyncEmitter fans events out to in-process subscribers synchronously.
type SyncEmitter struct {
	mu          sync.RWMutex
	subscribers []func(Event)
}

// NewSyncEmitter creates an emitter with no subscribers.
func NewSyncEmitter() *SyncEmitter {
	return &SyncEmitter{}
}

// Subscribe registers a callback for every subsequent event.
func (e *SyncEmitter) Subscribe(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

// Emit implements Emitter.
func (e *SyncEmitter) Emit(event Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, fn := range e.subscribers {
		fn(event)
	}
}

// eventSink stamps identity and sequence onto events for one execution.
type eventSink struct {
	emitter        Emitter
	executionID    string
	planID         string
	organizationID string
	seq            int
}

func (s *eventSink) emit(eventType EventType, fields map[string]any) {
	if s.emitter == nil {
		return
	}
	s.seq++
	s.emitter.Emit(Event{
		EventID:        uuid.New().String(),
		ExecutionID:    s.executionID,
		PlanID:         s.planID,
		OrganizationID: s.organizationID,
		Seq:            s.seq,
		Timestamp:      time.Now().UTC(),
		Type:           eventType,
		Fields:         fields,
	})
}
