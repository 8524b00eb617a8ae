package live

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/edututor/internal/api"
	"github.com/ashureev/edututor/internal/domain"
	"github.com/ashureev/edututor/internal/gateway"
	"github.com/ashureev/edututor/internal/store"
	"github.com/ashureev/edututor/internal/tutor"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

var stampPattern = regexp.MustCompile(`NEW SESSION \((\d{4}-\d{2}-\d{2} \d{2}:\d{2})\)`)

type echoGateway struct{}

func (echoGateway) Generate(_ context.Context, req gateway.Request) (string, error) {
	last := req.Turns[len(req.Turns)-1].Text
	if m := stampPattern.FindStringSubmatch(last); m != nil {
		return "– *" + m[1] + ":* Practiced live questions.", nil
	}
	reply := "re: " + last
	if req.OnDelta != nil {
		for _, word := range strings.SplitAfter(reply, " ") {
			req.OnDelta(word)
		}
	}
	return reply, nil
}

func newLiveServer(t *testing.T) (*httptest.Server, *tutor.Manager, *Hub) {
	t.Helper()
	return newLimitedLiveServer(t, nil)
}

func newLimitedLiveServer(t *testing.T, limiter *api.RateLimiter) (*httptest.Server, *tutor.Manager, *Hub) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "tutor.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	prompts, err := tutor.NewPrompts("", "", "UTC")
	if err != nil {
		t.Fatalf("NewPrompts failed: %v", err)
	}
	mgr := tutor.NewManager(repo, echoGateway{}, prompts, tutor.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	hub := NewHub()
	mgr.AddObserver(hub)

	r := chi.NewRouter()
	NewHandler(mgr, hub, limiter, []string{"*"}).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, mgr, hub
}

func dial(t *testing.T, ctx context.Context, srv *httptest.Server, profileID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/profiles/" + profileID
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// readUntil reads frames until one of type want arrives, returning every
// frame seen on the way.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, want string) (Frame, []Frame) {
	t.Helper()
	var seen []Frame
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			t.Fatalf("read while waiting for %s: %v (seen %d frames)", want, err, len(seen))
		}
		if f.Type == want {
			return f, seen
		}
		seen = append(seen, f)
	}
}

func TestWebSocketSendAndEnd(t *testing.T) {
	srv, mgr, hub := newLiveServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := mgr.CreateProfile(ctx, domain.ProfileInput{DisplayName: "Asha", ClassLevel: "10", BoardOrCurriculum: "CBSE"})
	if err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	conn := dial(t, ctx, srv, p.ID)

	if err := wsjson.Write(ctx, conn, Command{Type: "ping", ID: "0"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	readUntil(t, ctx, conn, "pong")
	if hub.Count(p.ID) != 1 {
		t.Errorf("hub count = %d, want 1", hub.Count(p.ID))
	}

	if err := wsjson.Write(ctx, conn, Command{Type: "send", ID: "1", Text: "What is a noun?"}); err != nil {
		t.Fatalf("write send: %v", err)
	}
	reply, _ := readUntil(t, ctx, conn, "reply")
	if reply.ID != "1" || reply.Reply == nil || reply.Reply.ResponseText != "re: What is a noun?" {
		t.Fatalf("unexpected reply frame %+v", reply)
	}
	sessionID := reply.Reply.SessionID

	if err := wsjson.Write(ctx, conn, Command{Type: "end", ID: "2", SessionID: sessionID}); err != nil {
		t.Fatalf("write end: %v", err)
	}
	ended, before := readUntil(t, ctx, conn, "ended")
	if ended.Result == nil || !ended.Result.SummaryUpdated {
		t.Fatalf("unexpected ended frame %+v", ended)
	}

	// The session_ended event is pushed as well, on either side of the result.
	endedEvent := func(frames []Frame) bool {
		for _, f := range frames {
			if f.Type == "event" && f.Event.Kind == tutor.EventSessionEnded && f.Event.SessionID == sessionID {
				return true
			}
		}
		return false
	}
	for !endedEvent(before) {
		ev, _ := readUntil(t, ctx, conn, "event")
		before = append(before, ev)
	}

	if err := wsjson.Write(ctx, conn, Command{Type: "send", ID: "3", SessionID: sessionID, Text: "more"}); err != nil {
		t.Fatalf("write send: %v", err)
	}
	errFrame, _ := readUntil(t, ctx, conn, "error")
	if errFrame.Error == nil || errFrame.Error.Error != "not_found" {
		t.Errorf("unexpected error frame %+v", errFrame)
	}
}

func TestWebSocketStreamsDeltas(t *testing.T) {
	srv, mgr, _ := newLiveServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := mgr.CreateProfile(ctx, domain.ProfileInput{DisplayName: "Asha", ClassLevel: "10", BoardOrCurriculum: "CBSE"})
	if err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	conn := dial(t, ctx, srv, p.ID)

	if err := wsjson.Write(ctx, conn, Command{Type: "send", ID: "s1", Text: "Explain photosynthesis", Stream: true}); err != nil {
		t.Fatalf("write send: %v", err)
	}
	reply, before := readUntil(t, ctx, conn, "reply")

	var streamed strings.Builder
	deltas := 0
	for _, f := range before {
		if f.Type != "delta" {
			continue
		}
		if f.ID != "s1" {
			t.Errorf("delta frame id = %q, want s1", f.ID)
		}
		deltas++
		streamed.WriteString(f.Delta)
	}
	if deltas < 2 {
		t.Fatalf("got %d delta frames before the reply", deltas)
	}
	if streamed.String() != reply.Reply.ResponseText {
		t.Errorf("streamed %q, reply %q", streamed.String(), reply.Reply.ResponseText)
	}

	_, msgs, err := mgr.Transcript(ctx, p.ID, reply.Reply.SessionID)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Text != reply.Reply.ResponseText {
		t.Errorf("tutor reply should be stored once, got %+v", msgs)
	}

	// Without the flag no deltas are sent.
	if err := wsjson.Write(ctx, conn, Command{Type: "send", ID: "s2", SessionID: reply.Reply.SessionID, Text: "Thanks"}); err != nil {
		t.Fatalf("write send: %v", err)
	}
	_, before = readUntil(t, ctx, conn, "reply")
	for _, f := range before {
		if f.Type == "delta" {
			t.Fatalf("unexpected delta frame %+v", f)
		}
	}
}

func TestWebSocketSendRateLimited(t *testing.T) {
	limiter := api.NewRateLimiter(2, time.Minute)
	defer limiter.Close()
	srv, mgr, _ := newLimitedLiveServer(t, limiter)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := mgr.CreateProfile(ctx, domain.ProfileInput{DisplayName: "Asha", ClassLevel: "10", BoardOrCurriculum: "CBSE"})
	if err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	conn := dial(t, ctx, srv, p.ID)

	for i, id := range []string{"1", "2"} {
		if err := wsjson.Write(ctx, conn, Command{Type: "send", ID: id, Text: "hi"}); err != nil {
			t.Fatalf("write send %d: %v", i, err)
		}
		if f, _ := readUntil(t, ctx, conn, "reply"); f.ID != id {
			t.Fatalf("reply id = %q, want %q", f.ID, id)
		}
	}

	if err := wsjson.Write(ctx, conn, Command{Type: "send", ID: "3", Text: "hi"}); err != nil {
		t.Fatalf("write send: %v", err)
	}
	errFrame, _ := readUntil(t, ctx, conn, "error")
	if errFrame.ID != "3" || errFrame.Error == nil || errFrame.Error.Error != api.CodeRateLimited {
		t.Fatalf("unexpected frame %+v", errFrame)
	}

	// The REST endpoint and the socket draw on the same budget.
	if limiter.Allow(p.ID) {
		t.Error("limiter should stay exhausted for the profile")
	}

	// Other commands are not limited.
	if err := wsjson.Write(ctx, conn, Command{Type: "ping", ID: "4"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	readUntil(t, ctx, conn, "pong")
}

func TestWebSocketUnknownProfile(t *testing.T) {
	srv, _, _ := newLiveServer(t)
	resp, err := http.Get(srv.URL + "/ws/profiles/nobody")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHubDropsWhenFull(t *testing.T) {
	hub := NewHub()
	sub, unsubscribe := hub.Subscribe("p1")

	for i := 0; i < subscriberBuffer+5; i++ {
		hub.Observe(tutor.Event{Kind: tutor.EventMessageAppended, ProfileID: "p1"})
	}
	hub.Observe(tutor.Event{Kind: tutor.EventMessageAppended, ProfileID: "p2"})

	if got := sub.dropped.Load(); got != 5 {
		t.Errorf("dropped = %d, want 5", got)
	}
	if len(sub.Events()) != subscriberBuffer {
		t.Errorf("buffered = %d, want %d", len(sub.Events()), subscriberBuffer)
	}

	unsubscribe()
	unsubscribe()
	if hub.Count("p1") != 0 {
		t.Errorf("Count = %d after unsubscribe", hub.Count("p1"))
	}
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"*", "http://localhost:3000", "https://tutor.example.com/"})
	want := []string{"*", "localhost:3000", "tutor.example.com"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pattern %d = %q, want %q", i, got[i], want[i])
		}
	}
}
