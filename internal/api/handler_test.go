//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/edututor/internal/config"
	"github.com/ashureev/edututor/internal/gateway"
	"github.com/ashureev/edututor/internal/store"
	"github.com/ashureev/edututor/internal/tutor"
	"github.com/go-chi/chi/v5"
)

var stampPattern = regexp.MustCompile(`NEW SESSION \((\d{4}-\d{2}-\d{2} \d{2}:\d{2})\)`)

// scriptedGateway echoes student messages and writes a one-line summary.
type scriptedGateway struct {
	mu   sync.Mutex
	fail error
}

func (g *scriptedGateway) Generate(_ context.Context, req gateway.Request) (string, error) {
	g.mu.Lock()
	fail := g.fail
	g.mu.Unlock()
	if fail != nil {
		return "", fail
	}

	last := req.Turns[len(req.Turns)-1].Text
	if m := stampPattern.FindStringSubmatch(last); m != nil {
		return "– *" + m[1] + ":* Learned something new.", nil
	}
	return "re: " + last, nil
}

func (g *scriptedGateway) setFail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail = err
}

func newTestServer(t *testing.T, cfg *config.Config) (*httptest.Server, *scriptedGateway) {
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
	gw := &scriptedGateway{}
	mgr := tutor.NewManager(repo, gw, prompts, tutor.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	h := NewHandler(mgr, cfg)
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, gw
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

type profileResp struct {
	ID                string  `json:"id"`
	DisplayName       string  `json:"display_name"`
	TotalSessions     int     `json:"total_sessions"`
	CumulativeSummary *string `json:"cumulative_summary"`
}

func createProfile(t *testing.T, base string) profileResp {
	t.Helper()
	var p profileResp
	status := doJSON(t, http.MethodPost, base+"/api/profiles", map[string]string{
		"display_name":        "Asha",
		"class_level":         "10",
		"board_or_curriculum": "CBSE",
	}, &p)
	if status != http.StatusCreated {
		t.Fatalf("create profile status = %d", status)
	}
	return p
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &tutor.ValidationError{Fields: []string{"message"}}, http.StatusBadRequest, CodeValidation},
		{"not found", fmt.Errorf("session x: %w", tutor.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{"upstream", &tutor.UpstreamError{SessionID: "s1", Err: errors.New("boom")}, http.StatusServiceUnavailable, CodeUpstream},
		{"other", errors.New("disk full"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := Classify(tt.err)
			if status != tt.status || body.Error != tt.code {
				t.Errorf("Classify = %d %s, want %d %s", status, body.Error, tt.status, tt.code)
			}
		})
	}

	_, body := Classify(&tutor.UpstreamError{SessionID: "s1", Err: errors.New("boom")})
	if body.SessionID != "s1" {
		t.Errorf("upstream body should carry session_id, got %q", body.SessionID)
	}
}

func TestProfileEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	p := createProfile(t, srv.URL)

	var got profileResp
	if status := doJSON(t, http.MethodGet, srv.URL+"/api/profiles/"+p.ID, nil, &got); status != http.StatusOK {
		t.Fatalf("get profile status = %d", status)
	}
	if got.DisplayName != "Asha" || got.CumulativeSummary != nil {
		t.Errorf("unexpected profile %+v", got)
	}

	var errBody ErrorBody
	status := doJSON(t, http.MethodPost, srv.URL+"/api/profiles", map[string]string{"display_name": "Ravi"}, &errBody)
	if status != http.StatusBadRequest || errBody.Error != CodeValidation {
		t.Errorf("missing fields: status %d body %+v", status, errBody)
	}
	if len(errBody.Fields) != 2 {
		t.Errorf("expected 2 missing fields, got %v", errBody.Fields)
	}

	status = doJSON(t, http.MethodGet, srv.URL+"/api/profiles/unknown", nil, &errBody)
	if status != http.StatusNotFound || errBody.Error != CodeNotFound {
		t.Errorf("unknown profile: status %d body %+v", status, errBody)
	}
}

func TestMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Post(srv.URL+"/api/profiles", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSessionFlow(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	p := createProfile(t, srv.URL)
	base := srv.URL + "/api/profiles/" + p.ID

	var reply tutor.Reply
	status := doJSON(t, http.MethodPost, base+"/messages", SendMessageRequest{Message: "What is osmosis?"}, &reply)
	if status != http.StatusOK {
		t.Fatalf("send status = %d", status)
	}
	if !reply.SessionCreated || reply.SessionID == "" || reply.ResponseText != "re: What is osmosis?" {
		t.Errorf("unexpected reply %+v", reply)
	}

	var transcript TranscriptResponse
	if status := doJSON(t, http.MethodGet, base+"/sessions/"+reply.SessionID+"/messages", nil, &transcript); status != http.StatusOK {
		t.Fatalf("transcript status = %d", status)
	}
	if len(transcript.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(transcript.Messages))
	}

	var ended tutor.EndResult
	if status := doJSON(t, http.MethodPost, base+"/sessions/"+reply.SessionID+"/end", nil, &ended); status != http.StatusOK {
		t.Fatalf("end status = %d", status)
	}
	if !ended.SummaryUpdated || ended.AlreadyEnded {
		t.Errorf("unexpected end result %+v", ended)
	}

	var again tutor.EndResult
	doJSON(t, http.MethodPost, base+"/sessions/"+reply.SessionID+"/end", nil, &again)
	if !again.AlreadyEnded || !again.EndedAt.Equal(ended.EndedAt) {
		t.Errorf("second end should be a no-op, got %+v", again)
	}

	var errBody ErrorBody
	status = doJSON(t, http.MethodPost, base+"/messages", SendMessageRequest{Message: "hello?", SessionID: reply.SessionID}, &errBody)
	if status != http.StatusNotFound {
		t.Errorf("send to ended session status = %d, want 404", status)
	}

	var got profileResp
	doJSON(t, http.MethodGet, base, nil, &got)
	if got.CumulativeSummary == nil || !strings.Contains(*got.CumulativeSummary, "Learned something new.") {
		t.Errorf("summary not stored: %+v", got)
	}
	if got.TotalSessions != 1 {
		t.Errorf("TotalSessions = %d, want 1", got.TotalSessions)
	}
}

func TestCreateAndListSessions(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	p := createProfile(t, srv.URL)
	base := srv.URL + "/api/profiles/" + p.ID

	for i := 0; i < 7; i++ {
		var created SessionCreatedResponse
		if status := doJSON(t, http.MethodPost, base+"/sessions", nil, &created); status != http.StatusCreated {
			t.Fatalf("create session status = %d", status)
		}
		if created.SessionID == "" || created.CreatedAt.IsZero() {
			t.Errorf("unexpected create response %+v", created)
		}
	}

	var list SessionListResponse
	doJSON(t, http.MethodGet, base+"/sessions", nil, &list)
	if len(list.Sessions) != 5 {
		t.Errorf("default listing returned %d sessions, want 5", len(list.Sessions))
	}

	doJSON(t, http.MethodGet, base+"/sessions?limit=10", nil, &list)
	if len(list.Sessions) != 7 {
		t.Errorf("limit=10 returned %d sessions, want 7", len(list.Sessions))
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	doJSON(t, http.MethodGet, base+"/sessions?since="+future, nil, &list)
	if len(list.Sessions) != 0 {
		t.Errorf("since in the future returned %d sessions", len(list.Sessions))
	}

	var errBody ErrorBody
	if status := doJSON(t, http.MethodGet, base+"/sessions?limit=abc", nil, &errBody); status != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", status)
	}
	if status := doJSON(t, http.MethodGet, base+"/sessions?since=yesterday", nil, &errBody); status != http.StatusBadRequest {
		t.Errorf("bad since status = %d", status)
	}
}

func TestSendMessageUpstreamFailure(t *testing.T) {
	srv, gw := newTestServer(t, nil)
	p := createProfile(t, srv.URL)
	base := srv.URL + "/api/profiles/" + p.ID
	gw.setFail(errors.New("connection reset"))

	var errBody ErrorBody
	status := doJSON(t, http.MethodPost, base+"/messages", SendMessageRequest{Message: "Help with fractions"}, &errBody)
	if status != http.StatusServiceUnavailable || errBody.Error != CodeUpstream {
		t.Fatalf("status %d body %+v", status, errBody)
	}
	if errBody.SessionID == "" {
		t.Fatal("503 body should carry session_id")
	}

	var transcript TranscriptResponse
	doJSON(t, http.MethodGet, base+"/sessions/"+errBody.SessionID+"/messages", nil, &transcript)
	if len(transcript.Messages) != 1 || transcript.Messages[0].Text != "Help with fractions" {
		t.Errorf("student message should be kept, got %+v", transcript.Messages)
	}

	var ended tutor.EndResult
	doJSON(t, http.MethodPost, base+"/sessions/"+errBody.SessionID+"/end", nil, &ended)
	if ended.SummaryUpdated {
		t.Error("summary should not update while the model is down")
	}
}

func TestSendMessageRateLimited(t *testing.T) {
	cfg := config.Defaults()
	cfg.RateLimit.RequestsPerWindow = 2
	cfg.RateLimit.WindowDuration = time.Minute
	srv, _ := newTestServer(t, cfg)
	p := createProfile(t, srv.URL)

	for i := 0; i < 2; i++ {
		if status := doJSON(t, http.MethodPost, srv.URL+"/api/profiles/"+p.ID+"/messages", SendMessageRequest{Message: "hi"}, nil); status != http.StatusOK {
			t.Fatalf("send %d status = %d", i, status)
		}
	}

	var errBody ErrorBody
	status := doJSON(t, http.MethodPost, srv.URL+"/api/profiles/"+p.ID+"/messages", SendMessageRequest{Message: "hi"}, &errBody)
	if status != http.StatusTooManyRequests || errBody.Error != CodeRateLimited {
		t.Errorf("status %d body %+v", status, errBody)
	}
}

func TestAssistantChat(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	p := createProfile(t, srv.URL)

	var first, second tutor.Reply
	if status := doJSON(t, http.MethodPost, srv.URL+"/api/assistant/chat", AssistantChatRequest{UserID: p.ID, Text: "Hello"}, &first); status != http.StatusOK {
		t.Fatalf("chat status = %d", status)
	}
	doJSON(t, http.MethodPost, srv.URL+"/api/assistant/chat", AssistantChatRequest{UserID: p.ID, Text: "Again"}, &second)
	if first.SessionID != second.SessionID {
		t.Errorf("chat should continue the active session: %s vs %s", first.SessionID, second.SessionID)
	}
	if first.ResponseID == "" || first.ResponseID == second.ResponseID {
		t.Errorf("response ids should be unique: %q %q", first.ResponseID, second.ResponseID)
	}

	var errBody ErrorBody
	if status := doJSON(t, http.MethodPost, srv.URL+"/api/assistant/chat", AssistantChatRequest{Text: "Hello"}, &errBody); status != http.StatusBadRequest {
		t.Errorf("missing user_id status = %d", status)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, 50*time.Millisecond)
	defer rl.Close()

	if !rl.Allow("p1") || !rl.Allow("p1") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("p1") {
		t.Error("third request should be limited")
	}
	if !rl.Allow("p2") {
		t.Error("other keys are independent")
	}

	time.Sleep(60 * time.Millisecond)
	if !rl.Allow("p1") {
		t.Error("window should have expired")
	}

	rl.evict(time.Now().Add(time.Second))
	rl.mu.Lock()
	n := len(rl.requests)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("evict left %d keys", n)
	}
}
