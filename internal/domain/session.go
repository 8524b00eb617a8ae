package domain

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleStudent Role = "student"
	RoleTutor   Role = "tutor"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleStudent || r == RoleTutor
}

// SummaryStatus records what happened to the cumulative summary when a
// session ended.
type SummaryStatus string

const (
	SummaryPending SummaryStatus = "pending"
	SummaryUpdated SummaryStatus = "updated"
	SummaryFailed  SummaryStatus = "failed"
	SummarySkipped SummaryStatus = "skipped"
)

// Session groups the messages of one conversation for a profile.
type Session struct {
	ID             string        `json:"session_id"`
	ProfileID      string        `json:"profile_id"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	EndedAt        *time.Time    `json:"ended_at"`
	SummaryStatus  SummaryStatus `json:"summary_status"`

	// Populated by list queries only.
	MessageCount int    `json:"message_count,omitempty"`
	FirstMessage string `json:"first_message,omitempty"`
}

// Active reports whether the session still accepts messages.
func (s *Session) Active() bool {
	return s.EndedAt == nil
}

// Message is a single immutable transcript entry.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int       `json:"seq"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// PreviewLength is the number of characters kept for list previews.
const PreviewLength = 50

// Preview shortens text for session listings.
func Preview(text string) string {
	runes := []rune(text)
	if len(runes) <= PreviewLength {
		return text
	}
	return string(runes[:PreviewLength]) + "..."
}
