package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ashureev/edututor/internal/domain"
	"github.com/ashureev/edututor/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
)

func newSessionsCmd(opts *options) *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions and print transcripts",
	}

	var (
		since string
		limit int
	)
	listCmd := &cobra.Command{
		Use:   "list <profile-id>",
		Short: "List a profile's sessions, most recently active first",
		Long: `List a profile's sessions, most recently active first.

Examples:
  tutorctl sessions list 7f3c...
  tutorctl sessions list 7f3c... --since yesterday
  tutorctl sessions list 7f3c... --since "3 days ago" --limit 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			listOpts := store.ListOptions{Limit: limit}
			if since != "" {
				t, err := parseSince(since, time.Now())
				if err != nil {
					return err
				}
				listOpts.Since = t
			}

			repo, err := opts.openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = repo.Close()
			}()

			sessions, err := repo.ListSessions(cmd.Context(), args[0], listOpts)
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}
			printSessions(cmd.OutOrStdout(), sessions)
			return nil
		},
	}
	listCmd.Flags().StringVar(&since, "since", "", `Only sessions started since this time ("yesterday", "2 weeks ago", 2024-07-01)`)
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of sessions to display")

	transcriptCmd := &cobra.Command{
		Use:   "transcript <session-id>",
		Short: "Print a session's full transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = repo.Close()
			}()

			sess, err := repo.GetSession(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to load session: %w", err)
			}
			if sess == nil {
				return fmt.Errorf("session %s not found", args[0])
			}
			messages, err := repo.ListMessages(cmd.Context(), sess.ID)
			if err != nil {
				return fmt.Errorf("failed to load transcript: %w", err)
			}
			printTranscript(cmd.OutOrStdout(), sess, messages)
			return nil
		},
	}

	sessionsCmd.AddCommand(listCmd, transcriptCmd)
	return sessionsCmd
}

var sinceLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	time.DateOnly,
	"2006/01/02",
}

// parseSince accepts an absolute date or a natural-language phrase relative
// to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range sinceLayouts {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("parse --since %q: unrecognized date", s)
	}
	return r.Time, nil
}

func printSessions(w io.Writer, sessions []*domain.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return
	}

	fmt.Fprintf(w, "Showing %d session(s)\n\n", len(sessions))
	for i, s := range sessions {
		state := "active"
		if !s.Active() {
			state = "ended, summary " + string(s.SummaryStatus)
		}
		fmt.Fprintf(w, "[%d] %s (%s)\n", i+1, s.ID, state)
		if s.FirstMessage != "" {
			fmt.Fprintf(w, "    First:    %s\n", s.FirstMessage)
		}
		fmt.Fprintf(w, "    Messages: %d\n", s.MessageCount)
		fmt.Fprintf(w, "    Active:   %s\n", humanize.Time(s.LastActivityAt))
		fmt.Fprintf(w, "    Started:  %s\n", s.CreatedAt.Local().Format("Jan 2, 2006 3:04 PM"))
		fmt.Fprintln(w)
	}
}

func printTranscript(w io.Writer, sess *domain.Session, messages []domain.Message) {
	fmt.Fprintf(w, "Session %s (profile %s)\n", sess.ID, sess.ProfileID)
	fmt.Fprintf(w, "Started %s", sess.CreatedAt.Local().Format("Jan 2, 2006 3:04 PM"))
	if sess.EndedAt != nil {
		fmt.Fprintf(w, ", ended %s, summary %s", humanize.Time(*sess.EndedAt), sess.SummaryStatus)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w)

	if len(messages) == 0 {
		fmt.Fprintln(w, "(no messages)")
		return
	}
	for _, m := range messages {
		fmt.Fprintf(w, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), m.Role, m.Text)
	}
}
