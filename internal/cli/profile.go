package cli

import (
	"fmt"
	"io"

	"github.com/ashureev/edututor/internal/domain"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newProfileCmd(opts *options) *cobra.Command {
	profileCmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect student profiles",
	}

	profileCmd.AddCommand(&cobra.Command{
		Use:   "show <profile-id>",
		Short: "Show a profile and its cumulative summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = repo.Close()
			}()

			p, err := repo.GetProfile(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to load profile: %w", err)
			}
			if p == nil {
				return fmt.Errorf("profile %s not found", args[0])
			}
			printProfile(cmd.OutOrStdout(), p)
			return nil
		},
	})
	return profileCmd
}

func printProfile(w io.Writer, p *domain.Profile) {
	fmt.Fprintf(w, "Profile:    %s\n", p.ID)
	fmt.Fprintf(w, "Name:       %s\n", p.DisplayName)
	fmt.Fprintf(w, "Class:      %s (%s)\n", p.ClassLevel, p.BoardOrCurriculum)
	for _, field := range []struct{ label, value string }{
		{"Goals", p.Goals},
		{"Strengths", p.Strengths},
		{"Weaknesses", p.Weaknesses},
		{"Style", p.LearningStyle},
	} {
		if field.value != "" {
			fmt.Fprintf(w, "%-11s %s\n", field.label+":", field.value)
		}
	}
	fmt.Fprintf(w, "Sessions:   %d\n", p.TotalSessions)
	fmt.Fprintf(w, "Created:    %s\n", humanize.Time(p.CreatedAt))
	fmt.Fprintln(w)

	if p.CumulativeSummary == nil {
		fmt.Fprintln(w, "No cumulative summary yet.")
		return
	}
	fmt.Fprintln(w, "Cumulative summary:")
	fmt.Fprintln(w, *p.CumulativeSummary)
}
