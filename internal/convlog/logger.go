// Package convlog writes tutoring conversations as NDJSON, one file per
// profile session plus an optional global stream.
package convlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/edututor/internal/config"
	"github.com/ashureev/edututor/internal/domain"
	"github.com/ashureev/edututor/internal/tutor"
)

const channelTutor = "tutor"

// Event is one NDJSON line.
type Event struct {
	Timestamp  string         `json:"timestamp"`
	ProfileID  string         `json:"profile_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction,omitempty"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Logger queues events and writes them from a single goroutine. Log never
// blocks; events are dropped when the queue is full.
type Logger struct {
	dir    string
	global *os.File
	queue  chan Event
	log    *slog.Logger

	dropped   atomic.Int64
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
	mu        sync.RWMutex // guards queue close against Log
}

// New starts a logger. It returns nil, nil when logging is disabled.
func New(cfg config.ConversationLogConfig, log *slog.Logger) (*Logger, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}

	l := &Logger{
		dir:   cfg.Dir,
		queue: make(chan Event, queueSize),
		log:   log,
	}

	if cfg.GlobalEnabled && cfg.GlobalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o750); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open global conversation log: %w", err)
		}
		l.global = f
	}

	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Log enqueues e.
func (l *Logger) Log(e Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed.Load() {
		return
	}

	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.Content == "" && e.ContentRaw != "" {
		e.Content = cleanForReadability(e.ContentRaw)
	}

	select {
	case l.queue <- e:
	default:
		if n := l.dropped.Add(1); n == 1 || n%100 == 0 {
			l.log.Warn("Conversation log queue full, dropping events", "dropped", n)
		}
	}
}

// Observe converts a lifecycle event into a log line.
func (l *Logger) Observe(e tutor.Event) {
	out := Event{
		Timestamp: e.At.UTC().Format(time.RFC3339Nano),
		ProfileID: e.ProfileID,
		SessionID: e.SessionID,
		Channel:   channelTutor,
		EventType: string(e.Kind),
	}

	switch e.Kind {
	case tutor.EventMessageAppended:
		if e.Message == nil {
			return
		}
		out.ContentRaw = e.Message.Text
		out.Meta = map[string]any{"message_id": e.Message.ID, "seq": e.Message.Seq}
		if e.Message.Role == domain.RoleStudent {
			out.Direction = "outbound"
			out.EventType = "student_message"
		} else {
			out.Direction = "inbound"
			out.EventType = "tutor_message"
		}
	case tutor.EventReplyFailed:
		out.Meta = map[string]any{"error": e.Error}
	case tutor.EventSessionEnded:
		out.Meta = map[string]any{
			"reason":          e.Reason,
			"summary_status":  e.SummaryStatus,
			"summary_updated": e.SummaryUpdated,
		}
		if e.Error != "" {
			out.Meta["error"] = e.Error
		}
	}

	l.Log(out)
}

// Dropped reports how many events were discarded.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Close drains the queue and closes the global file.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed.Store(true)
		close(l.queue)
		l.mu.Unlock()

		l.wg.Wait()
		if l.global != nil {
			err = l.global.Close()
		}
	})
	return err
}

func (l *Logger) run() {
	defer l.wg.Done()
	for e := range l.queue {
		line, err := json.Marshal(e)
		if err != nil {
			l.log.Warn("Failed to encode conversation event", "error", err)
			continue
		}
		line = append(line, '\n')

		if err := l.appendSession(e, line); err != nil {
			l.log.Warn("Failed to write conversation log", "profile_id", e.ProfileID, "session_id", e.SessionID, "error", err)
		}
		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.log.Warn("Failed to write global conversation log", "error", err)
			}
		}
	}
}

func (l *Logger) appendSession(e Event, line []byte) error {
	if e.ProfileID == "" || e.SessionID == "" {
		return nil
	}
	dir := filepath.Join(l.dir, safeName(e.ProfileID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, safeName(e.SessionID)+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// safeName keeps IDs from escaping the log directory.
func safeName(id string) string {
	return unsafeChars.ReplaceAllString(id, "_")
}

var (
	ansiPattern    = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
	controlPattern = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
)

// cleanForReadability strips terminal escapes and control characters.
func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = controlPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
