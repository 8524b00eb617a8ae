// Package cli implements tutorctl, a read-only inspection tool for the
// tutoring database.
package cli

import (
	"fmt"
	"os"

	"github.com/ashureev/edututor/internal/store"
	"github.com/spf13/cobra"
)

var versionInfo = "dev"

// SetVersion sets the version information from build-time ldflags
func SetVersion(version, commit, date string) {
	versionInfo = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}

// Execute runs the CLI
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	dbPath string
}

// NewRootCmd builds the tutorctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "tutorctl",
		Short: "Inspect tutoring profiles and sessions",
		Long: `tutorctl - browse student profiles, session history and transcripts

Reads the same SQLite database the server writes. It never modifies
sessions or summaries.`,
		Version:       versionInfo,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultDB := os.Getenv("DB_PATH")
	if defaultDB == "" {
		defaultDB = "./data/tutor.db"
	}
	root.PersistentFlags().StringVar(&opts.dbPath, "db", defaultDB, "Database path")

	root.AddCommand(
		newProfileCmd(opts),
		newSessionsCmd(opts),
		newStatsCmd(opts),
		newMCPCmd(opts),
	)
	return root
}

// openStore opens an existing database. A missing file is an error rather
// than a fresh empty database.
func (o *options) openStore() (*store.SQLiteStore, error) {
	if _, err := os.Stat(o.dbPath); err != nil {
		return nil, fmt.Errorf("database %s: %w", o.dbPath, err)
	}
	repo, err := store.NewSQLite(o.dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return repo, nil
}
