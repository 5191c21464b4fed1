// Package origin tracks browser Origin headers against an allow-list and
// flags origins that keep hitting the service after rejection.
//
// The guard is detection only: it reports rejected and anomalous origins but
// never changes the allow-list.
package origin

import (
	"context"
	"time"
)

// EventType classifies an origin-bearing request.
type EventType string

const (
	EventAccepted  EventType = "accepted"
	EventRejected  EventType = "rejected"
	EventAnomalous EventType = "anomalous"
)

// Reasons attached to events.
const (
	ReasonAllowed           = "allowed"
	ReasonNotAllowed        = "origin_not_allowed"
	ReasonMalformed         = "malformed_origin"
	ReasonThresholdExceeded = "rejection_threshold_exceeded"
)

// Event is an immutable record of one Validate call.
type Event struct {
	Origin     string    `json:"origin"`
	Type       EventType `json:"type"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

func (e Event) redacted() Event {
	e.RemoteAddr = ""
	e.UserAgent = ""
	return e
}

// Decision is the guard's verdict for one request.
type Decision struct {
	Allow  bool      `json:"allow"`
	Type   EventType `json:"type"`
	Reason string    `json:"reason"`
	Origin string    `json:"origin"`
}

type decisionContextKey struct{}

// WithDecision stores the guard decision on the request context.
func WithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionContextKey{}, d)
}

// DecisionFromContext returns the decision recorded for this request, if any.
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionContextKey{}).(Decision)
	return d, ok
}
