package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/modkit/internal/journal"
)

var (
	journalRun   string
	journalKind  string
	journalType  string
	journalLimit int
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the service event journal",
	Long: `Inspect the sqlite journal written by "modkit run" when journal.enabled
is set in the config file.`,
}

var journalRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded framework runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := openJournal()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		runs, err := db.Runs(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "RUN\tSTARTED\tSTOPPED\tEVENTS")
		for _, r := range runs {
			stopped := "running"
			if r.StoppedAt != nil {
				stopped = r.StoppedAt.Format(time.DateTime)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.ID, r.StartedAt.Format(time.DateTime), stopped, r.Events)
		}
		return w.Flush()
	},
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded events",
	Long: `List recorded events of one run (the latest unless --run is given).

Examples:
  modkit journal list
  modkit journal list --kind service --type unregistering
  modkit journal list --run 0c5e... --limit 20`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := openJournal()
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		runID := journalRun
		if runID == "" {
			latest, err := db.LatestRun(cmd.Context())
			if errors.Is(err, journal.ErrNoRuns) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "journal is empty")
				return nil
			}
			if err != nil {
				return err
			}
			runID = latest.ID
		}

		entries, err := db.Entries(cmd.Context(), journal.Query{
			RunID: runID,
			Kind:  journalKind,
			Type:  journalType,
			Limit: journalLimit,
		})
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "TIME\tKIND\tTYPE\tBUNDLE\tSERVICE\tCLASSES")
		for _, e := range entries {
			service := "-"
			if e.ServiceID != nil {
				service = fmt.Sprint(*e.ServiceID)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.At.Format("15:04:05.000"), e.Kind, e.Type, e.BundleName, service, strings.Join(e.Classes, ","))
		}
		return w.Flush()
	},
}

func init() {
	journalListCmd.Flags().StringVar(&journalRun, "run", "", "run id (default: latest run)")
	journalListCmd.Flags().StringVar(&journalKind, "kind", "", "service or bundle")
	journalListCmd.Flags().StringVar(&journalType, "type", "", "event type, e.g. registered or stopped")
	journalListCmd.Flags().IntVarP(&journalLimit, "limit", "n", 0, "maximum number of events (0 for all)")
	journalCmd.AddCommand(journalRunsCmd, journalListCmd)
	rootCmd.AddCommand(journalCmd)
}

func openJournal() (*journal.DB, error) {
	if _, err := os.Stat(cfg.Journal.Path); err != nil {
		return nil, fmt.Errorf("no journal at %s: %w", cfg.Journal.Path, err)
	}
	return journal.NewDB(cfg.Journal.Path)
}
