package live

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ashureev/edututor/internal/api"
	"github.com/ashureev/edututor/internal/tutor"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// Command is a client request sent over the socket.
type Command struct {
	Type      string `json:"type"` // "send", "end" or "ping"
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Stream    bool   `json:"stream,omitempty"` // send only: push "delta" frames before the reply
}

// Frame is a server message.
type Frame struct {
	Type   string           `json:"type"` // "delta", "reply", "ended", "event", "error" or "pong"
	ID     string           `json:"id,omitempty"`
	Delta  string           `json:"delta,omitempty"`
	Reply  *tutor.Reply     `json:"reply,omitempty"`
	Result *tutor.EndResult `json:"result,omitempty"`
	Event  *tutor.Event     `json:"event,omitempty"`
	Error  *api.ErrorBody   `json:"error,omitempty"`
}

// Handler serves GET /ws/profiles/{profileID}.
type Handler struct {
	mgr            *tutor.Manager
	hub            *Hub
	limiter        *api.RateLimiter
	originPatterns []string
}

// NewHandler creates a Handler. limiter is shared with the REST send
// endpoint so both transports draw on one budget per profile; nil disables
// limiting. allowedOrigins uses the CORS origin list.
func NewHandler(mgr *tutor.Manager, hub *Hub, limiter *api.RateLimiter, allowedOrigins []string) *Handler {
	return &Handler{mgr: mgr, hub: hub, limiter: limiter, originPatterns: originPatterns(allowedOrigins)}
}

// RegisterRoutes registers the WebSocket route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/profiles/{profileID}", h.ServeHTTP)
}

// originPatterns turns origins into the host patterns websocket.Accept
// matches against.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			patterns = append(patterns, "*")
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, strings.TrimSuffix(o, "/"))
	}
	return patterns
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")
	slog.Info("WebSocket connection request", "profile_id", profileID, "ip", r.RemoteAddr)

	if _, err := h.mgr.GetProfile(r.Context(), profileID); err != nil {
		api.WriteError(w, r, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "profile_id", profileID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection closed"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "profile_id", profileID)
		}
	}()

	sub, unsubscribe := h.hub.Subscribe(profileID)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: commands from the client.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, profileID)
	}()

	// Output loop: lifecycle events to the client.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, sub)
	}()

	wg.Wait()
	slog.Info("WebSocket connection ended", "profile_id", profileID)
}

func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, profileID string) {
	push := func(f Frame) {
		if err := wsjson.Write(ctx, ws, f); err != nil {
			slog.Debug("Failed to push delta", "error", err, "profile_id", profileID)
		}
	}

	for {
		var cmd Command
		if err := wsjson.Read(ctx, ws, &cmd); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "profile_id", profileID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "profile_id", profileID)
			}
			return
		}

		frame := h.dispatch(ctx, profileID, cmd, push)
		if err := wsjson.Write(ctx, ws, frame); err != nil {
			slog.Debug("Failed to write command result", "error", err, "profile_id", profileID)
			return
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, profileID string, cmd Command, push func(Frame)) Frame {
	switch cmd.Type {
	case "send":
		if h.limiter != nil && !h.limiter.Allow(profileID) {
			return Frame{Type: "error", ID: cmd.ID, Error: &api.ErrorBody{Error: api.CodeRateLimited, Message: "rate limit exceeded"}}
		}
		req := tutor.SendRequest{ProfileID: profileID, SessionID: cmd.SessionID, Text: cmd.Text}
		if cmd.Stream {
			req.OnDelta = func(d string) {
				push(Frame{Type: "delta", ID: cmd.ID, Delta: d})
			}
		}
		reply, err := h.mgr.SendMessage(ctx, req)
		if err != nil {
			return errorFrame(cmd.ID, err)
		}
		return Frame{Type: "reply", ID: cmd.ID, Reply: reply}
	case "end":
		res, err := h.mgr.EndSession(ctx, profileID, cmd.SessionID)
		if err != nil {
			return errorFrame(cmd.ID, err)
		}
		return Frame{Type: "ended", ID: cmd.ID, Result: res}
	case "ping":
		return Frame{Type: "pong", ID: cmd.ID}
	default:
		return errorFrame(cmd.ID, &tutor.ValidationError{Fields: []string{"type"}, Reason: "unknown command " + cmd.Type})
	}
}

func errorFrame(id string, err error) Frame {
	_, body := api.Classify(err)
	return Frame{Type: "error", ID: id, Error: &body}
}

func (h *Handler) outputLoop(ctx context.Context, ws *websocket.Conn, sub *Subscriber) {
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, ws, Frame{Type: "event", Event: &e}); err != nil {
				slog.Debug("Failed to push event", "error", err, "profile_id", e.ProfileID)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
