// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/edututor/internal/domain"
)

var (
	// ErrNotFound is returned by writes whose target row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrSessionEnded is returned when appending to a terminal session.
	ErrSessionEnded = errors.New("session has ended")
)

// ListOptions narrows session listings.
type ListOptions struct {
	Limit int
	Since time.Time
}

// Stats is a point-in-time count of stored records.
type Stats struct {
	Profiles           int64 `json:"profiles"`
	ProfilesSummarized int64 `json:"profiles_summarized"`
	Sessions           int64 `json:"sessions"`
	ActiveSessions     int64 `json:"active_sessions"`
	Messages           int64 `json:"messages"`
}

// Repository defines the interface for persisting profiles, sessions and
// transcripts. Lookups return nil, nil when the record does not exist.
type Repository interface {
	// CreateProfile inserts a new profile.
	CreateProfile(ctx context.Context, profile *domain.Profile) error

	// GetProfile retrieves a profile by ID.
	GetProfile(ctx context.Context, profileID string) (*domain.Profile, error)

	// UpdateCumulativeSummary overwrites the profile's cumulative summary.
	UpdateCumulativeSummary(ctx context.Context, profileID, summary string) error

	// CreateSession inserts a session and increments the owning profile's
	// total_sessions in the same transaction.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// LatestActiveSession returns the most recently created non-terminal
	// session of a profile.
	LatestActiveSession(ctx context.Context, profileID string) (*domain.Session, error)

	// ListSessions returns a profile's sessions, most recently active first.
	ListSessions(ctx context.Context, profileID string, opts ListOptions) ([]*domain.Session, error)

	// ListIdleSessions returns active sessions with no activity since cutoff.
	ListIdleSessions(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Session, error)

	// ListPendingSummaries returns ended sessions whose summary step never
	// recorded an outcome, oldest first.
	ListPendingSummaries(ctx context.Context, limit int) ([]*domain.Session, error)

	// EndSession marks a session terminal. It reports false when the session
	// had already ended.
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) (bool, error)

	// SetSummaryStatus records the outcome of the summary step.
	SetSummaryStatus(ctx context.Context, sessionID string, status domain.SummaryStatus) error

	// AppendMessage adds a message to an active session and assigns its Seq.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns the full transcript in order.
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)

	// RecentMessages returns the last limit messages in order.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)

	// Stats returns record counts.
	Stats(ctx context.Context) (*Stats, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
