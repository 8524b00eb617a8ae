package tutor

import (
	"time"

	"github.com/ashureev/edututor/internal/domain"
)

// EventKind names a session lifecycle event.
type EventKind string

const (
	EventSessionCreated  EventKind = "session_created"
	EventMessageAppended EventKind = "message_appended"
	EventReplyFailed     EventKind = "reply_failed"
	EventSessionEnded    EventKind = "session_ended"
)

// Event is published by the Manager after each state change.
type Event struct {
	Kind           EventKind       `json:"type"`
	ProfileID      string          `json:"profile_id"`
	SessionID      string          `json:"session_id"`
	Message        *domain.Message `json:"message,omitempty"`
	SummaryStatus  string          `json:"summary_status,omitempty"`
	SummaryUpdated bool            `json:"summary_updated,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Error          string          `json:"error,omitempty"`
	At             time.Time       `json:"at"`
}

// Observer receives lifecycle events. Observe is called synchronously on
// the request path and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) { f(e) }
