package cli

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = repo.Close()
			}()

			stats, err := repo.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to load stats: %w", err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "Database Statistics")
			fmt.Fprintln(w, "===================")
			fmt.Fprintln(w)
			fmt.Fprintf(w, "Profiles:          %s (%s with a summary)\n",
				humanize.Comma(stats.Profiles), humanize.Comma(stats.ProfilesSummarized))
			fmt.Fprintf(w, "Sessions:          %s (%s active)\n",
				humanize.Comma(stats.Sessions), humanize.Comma(stats.ActiveSessions))
			fmt.Fprintf(w, "Messages:          %s\n", humanize.Comma(stats.Messages))
			fmt.Fprintln(w)

			info, err := os.Stat(opts.dbPath)
			if err != nil {
				return fmt.Errorf("failed to stat database file: %w", err)
			}
			fmt.Fprintf(w, "Database Location: %s\n", opts.dbPath)
			fmt.Fprintf(w, "Database Size:     %s\n", humanize.IBytes(uint64(info.Size())))
			return nil
		},
	}
}
