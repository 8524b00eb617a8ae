package tutor

import (
	"github.com/ashureev/edututor/internal/domain"
)

// ResolveAction is what send_message should do with the session.
type ResolveAction int

const (
	// UseSession continues an existing active session.
	UseSession ResolveAction = iota
	// CreateSession starts a new session for the profile.
	CreateSession
)

// Resolution is the outcome of ResolveSession.
type Resolution struct {
	Action    ResolveAction
	SessionID string
}

// ResolveSession decides which session a message belongs to.
//
// An explicit requestedID must name an active session owned by profileID,
// otherwise ErrNotFound. Without one, the latest active session is reused and
// a new session is created only when none exists.
func ResolveSession(profileID, requestedID string, requested, latestActive *domain.Session) (Resolution, error) {
	if requestedID != "" {
		if requested == nil || requested.ID != requestedID || requested.ProfileID != profileID || !requested.Active() {
			return Resolution{}, ErrNotFound
		}
		return Resolution{Action: UseSession, SessionID: requested.ID}, nil
	}

	if latestActive != nil && latestActive.ProfileID == profileID && latestActive.Active() {
		return Resolution{Action: UseSession, SessionID: latestActive.ID}, nil
	}
	return Resolution{Action: CreateSession}, nil
}
