package tutor

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/edututor/internal/domain"
	"github.com/ashureev/edututor/internal/gateway"
	"github.com/ashureev/edututor/internal/store"
)

// fakeRepo is an in-memory store.Repository. It hands out copies so tests
// cannot mutate stored state by accident.
type fakeRepo struct {
	mu       sync.Mutex
	profiles map[string]*domain.Profile
	sessions map[string]*domain.Session
	order    []string // session IDs in creation order
	messages map[string][]domain.Message

	failSummaryWrite error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		profiles: make(map[string]*domain.Profile),
		sessions: make(map[string]*domain.Session),
		messages: make(map[string][]domain.Message),
	}
}

func copyProfile(p *domain.Profile) *domain.Profile {
	cp := *p
	if p.CumulativeSummary != nil {
		s := *p.CumulativeSummary
		cp.CumulativeSummary = &s
	}
	return &cp
}

func copySession(s *domain.Session) *domain.Session {
	cp := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

func (r *fakeRepo) CreateProfile(_ context.Context, p *domain.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[p.ID]; ok {
		return errors.New("duplicate profile")
	}
	r.profiles[p.ID] = copyProfile(p)
	return nil
}

func (r *fakeRepo) GetProfile(_ context.Context, id string) (*domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil, nil
	}
	return copyProfile(p), nil
}

func (r *fakeRepo) UpdateCumulativeSummary(_ context.Context, id, summary string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSummaryWrite != nil {
		return r.failSummaryWrite
	}
	p, ok := r.profiles[id]
	if !ok {
		return store.ErrNotFound
	}
	p.CumulativeSummary = &summary
	return nil
}

func (r *fakeRepo) CreateSession(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[s.ProfileID]
	if !ok {
		return store.ErrNotFound
	}
	p.TotalSessions++
	r.sessions[s.ID] = copySession(s)
	r.order = append(r.order, s.ID)
	return nil
}

func (r *fakeRepo) GetSession(_ context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return copySession(s), nil
}

func (r *fakeRepo) LatestActiveSession(_ context.Context, profileID string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		s := r.sessions[r.order[i]]
		if s.ProfileID == profileID && s.Active() {
			return copySession(s), nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) ListSessions(_ context.Context, profileID string, opts store.ListOptions) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	// Newest first so ties on activity favor the later session.
	for i := len(r.order) - 1; i >= 0; i-- {
		id := r.order[i]
		s := r.sessions[id]
		if s.ProfileID != profileID || s.CreatedAt.Before(opts.Since) {
			continue
		}
		cp := copySession(s)
		cp.MessageCount = len(r.messages[id])
		if cp.MessageCount > 0 {
			cp.FirstMessage = domain.Preview(r.messages[id][0].Text)
		}
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (r *fakeRepo) ListIdleSessions(_ context.Context, cutoff time.Time, limit int) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, id := range r.order {
		s := r.sessions[id]
		if s.Active() && s.LastActivityAt.Before(cutoff) {
			out = append(out, copySession(s))
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) ListPendingSummaries(_ context.Context, limit int) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, id := range r.order {
		s := r.sessions[id]
		if !s.Active() && s.SummaryStatus == domain.SummaryPending {
			out = append(out, copySession(s))
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) EndSession(_ context.Context, id string, endedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if !s.Active() {
		return false, nil
	}
	s.EndedAt = &endedAt
	return true, nil
}

func (r *fakeRepo) SetSummaryStatus(_ context.Context, id string, status domain.SummaryStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.SummaryStatus = status
	return nil
}

func (r *fakeRepo) AppendMessage(_ context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[msg.SessionID]
	if !ok {
		return store.ErrNotFound
	}
	if !s.Active() {
		return store.ErrSessionEnded
	}
	msg.Seq = len(r.messages[msg.SessionID]) + 1
	r.messages[msg.SessionID] = append(r.messages[msg.SessionID], *msg)
	s.LastActivityAt = msg.CreatedAt
	return nil
}

func (r *fakeRepo) ListMessages(_ context.Context, id string) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Message(nil), r.messages[id]...), nil
}

func (r *fakeRepo) RecentMessages(_ context.Context, id string, limit int) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.messages[id]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]domain.Message(nil), all...), nil
}

func (r *fakeRepo) Stats(_ context.Context) (*store.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := &store.Stats{Profiles: int64(len(r.profiles)), Sessions: int64(len(r.sessions))}
	for _, s := range r.sessions {
		if s.Active() {
			st.ActiveSessions++
		}
	}
	for _, msgs := range r.messages {
		st.Messages += int64(len(msgs))
	}
	return st, nil
}

func (r *fakeRepo) Ping(context.Context) error { return nil }
func (r *fakeRepo) Close() error               { return nil }

func (r *fakeRepo) profileCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.profiles)
}

func (r *fakeRepo) sessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

var stampPattern = regexp.MustCompile(`NEW SESSION \((\d{4}-\d{2}-\d{2} \d{2}:\d{2})\)`)

// fakeGateway answers tutor turns with "re: <last student text>" and
// summary prompts by appending an entry to the existing log.
type fakeGateway struct {
	mu           sync.Mutex
	replyCalls   int
	summaryCalls int
	replyErr     error
	summaryErr   error
	summaryText  string // overrides the generated log when set
	delay        time.Duration
	lastReply    gateway.Request
}

func (g *fakeGateway) Generate(ctx context.Context, req gateway.Request) (string, error) {
	g.mu.Lock()
	isSummary := req.System == summarySystemPrompt
	if isSummary {
		g.summaryCalls++
	} else {
		g.replyCalls++
		g.lastReply = req
	}
	replyErr, summaryErr, override, delay := g.replyErr, g.summaryErr, g.summaryText, g.delay
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if isSummary {
		if summaryErr != nil {
			return "", summaryErr
		}
		if override != "" {
			return override, nil
		}
		return fakeSummaryLog(req.Turns[0].Text), nil
	}

	if replyErr != nil {
		return "", replyErr
	}
	last := req.Turns[len(req.Turns)-1]
	reply := "re: " + last.Text
	if req.OnDelta != nil {
		for _, word := range strings.SplitAfter(reply, " ") {
			req.OnDelta(word)
		}
	}
	return reply, nil
}

func (g *fakeGateway) counts() (replies, summaries int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.replyCalls, g.summaryCalls
}

// fakeSummaryLog extends the prompt's existing log with an entry naming the
// session's first student line.
func fakeSummaryLog(prompt string) string {
	stamp := ""
	if m := stampPattern.FindStringSubmatch(prompt); m != nil {
		stamp = m[1]
	}

	existing := between(prompt, "EXISTING LOG:\n", "\n\nNEW SESSION")
	if existing == noPriorLogMarker {
		existing = ""
	}
	first := strings.TrimPrefix(firstLine(between(prompt, "--- TRANSCRIPT ---\n", "\n--- END TRANSCRIPT ---")), "Student: ")

	entry := "– *" + stamp + ":* Discussed " + first + "."
	if existing == "" {
		return entry
	}
	return existing + "\n\n" + entry
}

func between(s, start, end string) string {
	i := strings.Index(s, start)
	if i < 0 {
		return ""
	}
	s = s[i+len(start):]
	j := strings.Index(s, end)
	if j < 0 {
		return s
	}
	return s[:j]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}
