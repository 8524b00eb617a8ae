// Package tutor implements the session lifecycle: profile registration,
// session resolution, message exchange with the language model, and the
// cumulative summary written when a session ends.
package tutor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/edututor/internal/domain"
	"github.com/ashureev/edututor/internal/gateway"
	"github.com/ashureev/edututor/internal/store"
	"github.com/google/uuid"
)

// errSessionGone signals that a resolved session ended before its lock was
// acquired.
var errSessionGone = errors.New("session ended concurrently")

const maxImplicitResolveAttempts = 3

// Options tune a Manager. Zero values fall back to defaults.
type Options struct {
	HistoryLimit       int
	ReplyTimeout       time.Duration
	SummaryTimeout     time.Duration
	ReplyTemperature   float64
	SummaryTemperature float64
	MaxTokens          int
	Logger             *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 10
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = 30 * time.Second
	}
	if o.SummaryTimeout <= 0 {
		o.SummaryTimeout = 60 * time.Second
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 1000
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// SendRequest is a student message. SessionID is optional.
type SendRequest struct {
	ProfileID string
	SessionID string
	Text      string

	// OnDelta streams partial reply text while the model generates. It is
	// called synchronously with the session lock held and should return quickly.
	OnDelta func(delta string)
}

// Reply is the tutor's answer to a SendRequest.
type Reply struct {
	ResponseText   string `json:"response_text"`
	SessionID      string `json:"session_id"`
	ResponseID     string `json:"response_id"`
	SessionCreated bool   `json:"session_created"`
}

// EndResult describes a terminated session.
type EndResult struct {
	SessionID      string    `json:"session_id"`
	EndedAt        time.Time `json:"ended_at"`
	SummaryUpdated bool      `json:"summary_updated"`
	AlreadyEnded   bool      `json:"already_ended"`
}

// UpstreamError reports a failed model call after the student message was
// stored. The session stays active.
type UpstreamError struct {
	SessionID string
	Err       error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%v for session %s: %v", ErrUpstreamUnavailable, e.SessionID, e.Err)
}

// Unwrap exposes the gateway error.
func (e *UpstreamError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUpstreamUnavailable) match.
func (e *UpstreamError) Is(target error) bool { return target == ErrUpstreamUnavailable }

// Manager orchestrates profiles, sessions and tutor replies.
type Manager struct {
	repo      store.Repository
	llm       gateway.Gateway
	prompts   *Prompts
	summaries *SummaryUpdater
	locks     *KeyedLocks
	opts      Options
	log       *slog.Logger
	now       func() time.Time

	obsMu     sync.RWMutex
	observers []Observer
}

// NewManager wires a Manager.
func NewManager(repo store.Repository, llm gateway.Gateway, prompts *Prompts, opts Options) *Manager {
	opts = opts.withDefaults()
	locks := NewKeyedLocks()
	m := &Manager{
		repo:    repo,
		llm:     llm,
		prompts: prompts,
		locks:   locks,
		opts:    opts,
		log:     opts.Logger,
		now:     nowMillis,
	}
	m.summaries = &SummaryUpdater{
		repo:        repo,
		llm:         llm,
		prompts:     prompts,
		locks:       locks,
		timeout:     opts.SummaryTimeout,
		temperature: opts.SummaryTemperature,
		minTokens:   opts.MaxTokens,
		log:         opts.Logger,
	}
	return m
}

// nowMillis matches the precision the store keeps.
func nowMillis() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// AddObserver registers o for lifecycle events.
func (m *Manager) AddObserver(o Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *Manager) emit(e Event) {
	if e.At.IsZero() {
		e.At = m.now()
	}
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	for _, o := range m.observers {
		o.Observe(e)
	}
}

// CreateProfile registers a student.
func (m *Manager) CreateProfile(ctx context.Context, in domain.ProfileInput) (*domain.Profile, error) {
	in = in.Normalize()
	if missing := in.MissingFields(); len(missing) > 0 {
		return nil, &ValidationError{Fields: missing, Reason: "required fields missing"}
	}

	now := m.now()
	p := &domain.Profile{
		ID:                uuid.NewString(),
		DisplayName:       in.DisplayName,
		ClassLevel:        in.ClassLevel,
		BoardOrCurriculum: in.BoardOrCurriculum,
		Goals:             in.Goals,
		Strengths:         in.Strengths,
		Weaknesses:        in.Weaknesses,
		LearningStyle:     in.LearningStyle,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.repo.CreateProfile(ctx, p); err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}

	m.log.Info("Profile created", "profile_id", p.ID)
	return p, nil
}

// GetProfile returns a profile or ErrNotFound.
func (m *Manager) GetProfile(ctx context.Context, profileID string) (*domain.Profile, error) {
	if strings.TrimSpace(profileID) == "" {
		return nil, &ValidationError{Fields: []string{"profile_id"}, Reason: "required fields missing"}
	}
	p, err := m.repo.GetProfile(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("profile %s: %w", profileID, ErrNotFound)
	}
	return p, nil
}

// CreateSession starts a new empty session and counts it on the profile.
func (m *Manager) CreateSession(ctx context.Context, profileID string) (*domain.Session, error) {
	if _, err := m.GetProfile(ctx, profileID); err != nil {
		return nil, err
	}

	unlock, err := m.locks.Lock(ctx, profileKey(profileID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	return m.createSessionLocked(ctx, profileID)
}

func (m *Manager) createSessionLocked(ctx context.Context, profileID string) (*domain.Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	now := m.now()
	sess := &domain.Session{
		ID:             id.String(),
		ProfileID:      profileID,
		CreatedAt:      now,
		LastActivityAt: now,
		SummaryStatus:  domain.SummaryPending,
	}
	if err := m.repo.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("profile %s: %w", profileID, ErrNotFound)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.log.Info("Session created", "profile_id", profileID, "session_id", sess.ID)
	m.emit(Event{Kind: EventSessionCreated, ProfileID: profileID, SessionID: sess.ID, At: now})
	return sess, nil
}

// SendMessage stores the student's message, asks the model for a reply and
// stores that too. A gateway failure returns *UpstreamError and leaves the
// student message in place.
func (m *Manager) SendMessage(ctx context.Context, req SendRequest) (*Reply, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, &ValidationError{Fields: []string{"message"}, Reason: "message must not be empty"}
	}
	if _, err := m.GetProfile(ctx, req.ProfileID); err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		sess, created, err := m.resolve(ctx, req.ProfileID, req.SessionID)
		if err != nil {
			return nil, err
		}

		reply, err := m.exchange(ctx, req, sess.ID, text)
		if errors.Is(err, errSessionGone) {
			if req.SessionID != "" {
				return nil, fmt.Errorf("session %s: %w", req.SessionID, ErrNotFound)
			}
			if attempt < maxImplicitResolveAttempts {
				m.log.Debug("Resolved session ended before send, resolving again", "profile_id", req.ProfileID, "session_id", sess.ID)
				continue
			}
			return nil, fmt.Errorf("resolve session: %w", err)
		}
		if err != nil {
			return nil, err
		}
		reply.SessionCreated = created
		return reply, nil
	}
}

func (m *Manager) resolve(ctx context.Context, profileID, requestedID string) (*domain.Session, bool, error) {
	if requestedID != "" {
		sess, err := m.repo.GetSession(ctx, requestedID)
		if err != nil {
			return nil, false, fmt.Errorf("get session: %w", err)
		}
		if _, err := ResolveSession(profileID, requestedID, sess, nil); err != nil {
			return nil, false, fmt.Errorf("session %s: %w", requestedID, err)
		}
		return sess, false, nil
	}

	// Serialize implicit resolution so concurrent sends share one new session.
	unlock, err := m.locks.Lock(ctx, profileKey(profileID))
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	latest, err := m.repo.LatestActiveSession(ctx, profileID)
	if err != nil {
		return nil, false, fmt.Errorf("find active session: %w", err)
	}
	res, err := ResolveSession(profileID, "", nil, latest)
	if err != nil {
		return nil, false, err
	}
	if res.Action == UseSession {
		return latest, false, nil
	}

	sess, err := m.createSessionLocked(ctx, profileID)
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// exchange runs one student/tutor round trip under the session lock.
func (m *Manager) exchange(ctx context.Context, req SendRequest, sessionID, text string) (*Reply, error) {
	profileID := req.ProfileID
	unlock, err := m.locks.Lock(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if current == nil || current.ProfileID != profileID || !current.Active() {
		return nil, errSessionGone
	}

	profile, err := m.GetProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}

	student := m.newMessage(sessionID, domain.RoleStudent, text)
	if err := m.repo.AppendMessage(ctx, student); err != nil {
		if errors.Is(err, store.ErrSessionEnded) || errors.Is(err, store.ErrNotFound) {
			return nil, errSessionGone
		}
		return nil, fmt.Errorf("append student message: %w", err)
	}
	m.emit(Event{Kind: EventMessageAppended, ProfileID: profileID, SessionID: sessionID, Message: student})

	answer, err := m.generateReply(ctx, profile, sessionID, req.OnDelta)
	if err != nil {
		m.log.Warn("Tutor reply failed", "profile_id", profileID, "session_id", sessionID, "error", err)
		m.emit(Event{Kind: EventReplyFailed, ProfileID: profileID, SessionID: sessionID, Error: err.Error()})
		return nil, &UpstreamError{SessionID: sessionID, Err: err}
	}

	tutor := m.newMessage(sessionID, domain.RoleTutor, answer)
	if err := m.repo.AppendMessage(ctx, tutor); err != nil {
		return nil, fmt.Errorf("append tutor message: %w", err)
	}
	m.emit(Event{Kind: EventMessageAppended, ProfileID: profileID, SessionID: sessionID, Message: tutor})

	return &Reply{
		ResponseText: answer,
		SessionID:    sessionID,
		ResponseID:   tutor.ID,
	}, nil
}

func (m *Manager) generateReply(ctx context.Context, profile *domain.Profile, sessionID string, onDelta func(string)) (string, error) {
	history, err := m.repo.RecentMessages(ctx, sessionID, m.opts.HistoryLimit)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	system, err := m.prompts.Reply(profile, m.now())
	if err != nil {
		return "", fmt.Errorf("render reply prompt: %w", err)
	}

	turns := make([]gateway.Turn, 0, len(history))
	for _, msg := range history {
		turns = append(turns, gateway.Turn{Role: msg.Role, Text: msg.Text})
	}

	genCtx, cancel := context.WithTimeout(ctx, m.opts.ReplyTimeout)
	defer cancel()

	return m.llm.Generate(genCtx, gateway.Request{
		System:      system,
		Turns:       turns,
		Temperature: m.opts.ReplyTemperature,
		MaxTokens:   m.opts.MaxTokens,
		OnDelta:     onDelta,
	})
}

func (m *Manager) newMessage(sessionID string, role domain.Role, text string) *domain.Message {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &domain.Message{
		ID:        id.String(),
		SessionID: sessionID,
		Role:      role,
		Text:      text,
		CreatedAt: m.now(),
	}
}

// EndSession terminates a session and regenerates the profile's cumulative
// summary. Ending an already ended session returns its stored outcome
// without calling the model again.
func (m *Manager) EndSession(ctx context.Context, profileID, sessionID string) (*EndResult, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, &ValidationError{Fields: []string{"session_id"}, Reason: "required fields missing"}
	}

	unlock, err := m.locks.Lock(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil || sess.ProfileID != profileID {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	return m.endLocked(ctx, sess, "request")
}

// endLocked must be called with the session lock held.
func (m *Manager) endLocked(ctx context.Context, sess *domain.Session, reason string) (*EndResult, error) {
	if !sess.Active() {
		return terminalSnapshot(sess), nil
	}

	endedAt := m.now()
	ended, err := m.repo.EndSession(ctx, sess.ID, endedAt)
	if err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	if !ended {
		latest, err := m.repo.GetSession(ctx, sess.ID)
		if err != nil || latest == nil || latest.Active() {
			return nil, fmt.Errorf("end session %s: state changed unexpectedly", sess.ID)
		}
		return terminalSnapshot(latest), nil
	}

	// The session is terminal now; finish the bookkeeping even if the
	// caller goes away.
	bg := context.WithoutCancel(ctx)

	status, sumErr := m.summarize(bg, sess)

	updated := status == domain.SummaryUpdated
	m.log.Info("Session ended", "profile_id", sess.ProfileID, "session_id", sess.ID, "reason", reason, "summary_status", status)
	e := Event{
		Kind:           EventSessionEnded,
		ProfileID:      sess.ProfileID,
		SessionID:      sess.ID,
		SummaryStatus:  string(status),
		SummaryUpdated: updated,
		Reason:         reason,
		At:             endedAt,
	}
	if sumErr != nil {
		e.Error = sumErr.Error()
	}
	m.emit(e)

	return &EndResult{
		SessionID:      sess.ID,
		EndedAt:        endedAt,
		SummaryUpdated: updated,
	}, nil
}

// summarize runs the summary step for an ended session and records its
// outcome. Callers hold the session lock.
func (m *Manager) summarize(ctx context.Context, sess *domain.Session) (domain.SummaryStatus, error) {
	status, sumErr := m.summaries.Update(ctx, sess.ProfileID, sess.ID)
	if sumErr != nil {
		m.log.Warn("Summary update failed", "profile_id", sess.ProfileID, "session_id", sess.ID, "error", sumErr)
	}
	if err := m.repo.SetSummaryStatus(ctx, sess.ID, status); err != nil {
		m.log.Error("Failed to record summary status", "session_id", sess.ID, "status", status, "error", err)
	}
	return status, sumErr
}

func terminalSnapshot(sess *domain.Session) *EndResult {
	return &EndResult{
		SessionID:      sess.ID,
		EndedAt:        *sess.EndedAt,
		SummaryUpdated: sess.SummaryStatus == domain.SummaryUpdated,
		AlreadyEnded:   true,
	}
}

// ListSessions returns a profile's sessions, most recently active first.
func (m *Manager) ListSessions(ctx context.Context, profileID string, opts store.ListOptions) ([]*domain.Session, error) {
	if _, err := m.GetProfile(ctx, profileID); err != nil {
		return nil, err
	}
	sessions, err := m.repo.ListSessions(ctx, profileID, opts)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Transcript returns a session owned by profileID and its messages.
func (m *Manager) Transcript(ctx context.Context, profileID, sessionID string) (*domain.Session, []domain.Message, error) {
	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil || sess.ProfileID != profileID {
		return nil, nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	messages, err := m.repo.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("list messages: %w", err)
	}
	return sess, messages, nil
}
