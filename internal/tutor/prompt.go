package tutor

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // zone lookups must work in minimal containers

	"github.com/ashureev/edututor/internal/domain"
	"github.com/cbroglie/mustache"
)

// StampLayout formats summary log entry times.
const StampLayout = "2006-01-02 15:04"

const (
	noSummaryBlock      = "No previous session summaries available."
	noPriorLogMarker    = "No previous sessions recorded."
	summarySystemPrompt = "You maintain a student's session log. Follow the instructions exactly and output only the log entries."
)

// DefaultReplyTemplate is the tutor system prompt.
const DefaultReplyTemplate = `You are a warm, encouraging tutor for school students. Teach in a conversational, curriculum-aligned way that suits the student below.

Current date and time: {{current_time}}

Student profile:
- Name: {{student_name}}
- Class: {{class_level}} ({{board}})
- Goals: {{goals}}
- Strengths: {{strengths}}
- Weaknesses: {{weaknesses}}
- Learning style: {{learning_style}}

Recent sessions:
{{recent_sessions}}

How to open: if the last one or two sessions show an ongoing topic (they mention continuing, practicing or reviewing it), offer to pick it up again or start something new. Otherwise greet {{student_name}} by name and ask what they would like to learn today.

How to teach: explain ideas in simple, age-appropriate language that reads well aloud. Build on earlier progress and strengths. Match the learning style, for example describe a picture for visual learners. Walk through processes with words like "first", "next" and "finally" rather than numbered headings. Offer two or three practice questions in the style of {{board}} exams and suggest what to study next. If a request is unclear, ask one friendly clarifying question.

Tone: supportive, patient, free of jargon. Celebrate effort. Avoid formatting markers and section numbers.`

// DefaultSummaryTemplate asks the model to append one entry to the log.
const DefaultSummaryTemplate = `You are updating a student's chronological session log. Every entry sits on its own line, optionally separated by one blank line, in exactly this form:
– *YYYY-MM-DD HH:MM:* Summary text

The summary text is one or two sentences that start with a verb such as Learned, Practiced, Reviewed or Explored.

EXISTING LOG:
{{existing_log}}

NEW SESSION ({{session_time}}):
--- TRANSCRIPT ---
{{transcript}}
--- END TRANSCRIPT ---

Write one entry for the new session as: – *{{session_time}}:* <summary>
Append it after the existing entries, keeping them unchanged. If there are no earlier entries, the new entry is the whole log.
Output only the complete log with no preamble, commentary or markers.`

// Prompts renders the tutor and summary prompts.
type Prompts struct {
	reply   *mustache.Template
	summary *mustache.Template
	loc     *time.Location
}

// NewPrompts parses the templates. Empty paths select the built-in ones.
func NewPrompts(replyPath, summaryPath, timezone string) (*Prompts, error) {
	reply, err := loadTemplate(replyPath, DefaultReplyTemplate)
	if err != nil {
		return nil, fmt.Errorf("load reply template: %w", err)
	}
	summary, err := loadTemplate(summaryPath, DefaultSummaryTemplate)
	if err != nil {
		return nil, fmt.Errorf("load summary template: %w", err)
	}

	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
	}

	return &Prompts{reply: reply, summary: summary, loc: loc}, nil
}

func loadTemplate(path, fallback string) (*mustache.Template, error) {
	src := fallback
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		src = string(data)
	}
	// Raw: prompts are plain text, not HTML.
	return mustache.ParseStringRaw(src, true)
}

// Stamp formats t for the summary log in the configured timezone.
func (p *Prompts) Stamp(t time.Time) string {
	return t.In(p.loc).Format(StampLayout)
}

// Reply renders the system prompt for a tutoring exchange.
func (p *Prompts) Reply(profile *domain.Profile, now time.Time) (string, error) {
	recent := strings.TrimSpace(profile.Summary())
	if recent == "" {
		recent = noSummaryBlock
	}

	return p.reply.Render(map[string]string{
		"current_time":    now.In(p.loc).Format("2006-01-02 15:04:05 MST"),
		"student_name":    orDefault(profile.DisplayName, "Student"),
		"class_level":     orDefault(profile.ClassLevel, "N/A"),
		"board":           orDefault(profile.BoardOrCurriculum, "N/A"),
		"goals":           orDefault(profile.Goals, "Not specified"),
		"strengths":       orDefault(profile.Strengths, "Not specified"),
		"weaknesses":      orDefault(profile.Weaknesses, "Not specified"),
		"learning_style":  orDefault(profile.LearningStyle, "Adaptive"),
		"recent_sessions": recent,
	})
}

// Summary renders the log-update prompt and returns the stamp the new entry
// must carry.
func (p *Prompts) Summary(priorLog string, sessionStart time.Time, transcript []domain.Message) (string, string, error) {
	stamp := p.Stamp(sessionStart)

	existing := strings.TrimSpace(priorLog)
	if existing == "" {
		existing = noPriorLogMarker
	}

	prompt, err := p.summary.Render(map[string]string{
		"existing_log": existing,
		"session_time": stamp,
		"transcript":   FormatTranscript(transcript),
	})
	if err != nil {
		return "", "", err
	}
	return prompt, stamp, nil
}

// FormatTranscript labels each message with its author.
func FormatTranscript(messages []domain.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		if m.Role == domain.RoleTutor {
			b.WriteString("Tutor: ")
		} else {
			b.WriteString("Student: ")
		}
		b.WriteString(m.Text)
	}
	return b.String()
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
