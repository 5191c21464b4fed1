// Package audit records who did what, to which resource, and whether it worked.
//
// Events are immutable once recorded. The Recorder never blocks or fails the
// request path: it hands events to a bounded queue that a background worker
// drains into a Sink with exponential backoff.
package audit

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Outcome of an audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event types
const (
	// TypeStateTransition is a workflow change (create, approve, reject, cancel, user management).
	TypeStateTransition = "workflow.state_transition"
	// TypeOperation is an executed operation whose outcome is known after the response.
	TypeOperation = "operation.outcome"
	// TypeAccessDenied is an authenticated request refused by authorization.
	TypeAccessDenied = "access.denied"
)

var (
	// ErrInvalidEvent is returned for events missing required fields.
	ErrInvalidEvent = errors.New("audit event missing required fields")
	// ErrQueueClosed is returned by Record after Close.
	ErrQueueClosed = errors.New("audit recorder closed")
)

// Event is one audit record.
type Event struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Type       string            `json:"event_type"`
	ActorID    string            `json:"actor_id"`
	ActorEmail string            `json:"actor_email,omitempty"`
	SourceIP   string            `json:"source_ip,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Resource   string            `json:"resource"`
	Action     string            `json:"action"`
	Outcome    Outcome           `json:"outcome"`
	Error      string            `json:"error,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// normalize validates e and returns a copy with ID, UTC timestamp and a
// private metadata map, so later changes by the caller cannot leak in.
func (e Event) normalize(now time.Time) (Event, error) {
	if e.Type == "" || e.Action == "" {
		return Event{}, fmt.Errorf("%w: type and action are required", ErrInvalidEvent)
	}
	if e.Outcome != OutcomeSuccess && e.Outcome != OutcomeFailure {
		return Event{}, fmt.Errorf("%w: outcome %q", ErrInvalidEvent, e.Outcome)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Metadata = maps.Clone(e.Metadata)
	return e, nil
}
