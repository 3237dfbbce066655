package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ghpipe/internal/pipeline"
	"github.com/sells-group/ghpipe/internal/ranking"
)

var rankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Compute and save a contributor ranking snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := env.Scheduler.Start(ctx, ranking.Pipeline, pipeline.RunOptions{})
		if err != nil {
			return err
		}
		return printSummary(os.Stdout, summary, false)
	},
}

var rankingsCmd = &cobra.Command{
	Use:   "rankings",
	Short: "Show the latest (or a past) ranking snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate(""); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		at, err := timeFlag(cmd, "at")
		if err != nil {
			return err
		}
		rows, err := ranking.Latest(ctx, st, at, limit)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Fprintln(os.Stderr, "No ranking snapshot found.")
			return nil
		}
		fmt.Fprintf(os.Stdout, "snapshot %s\n", rows[0].CalculatedAt.Format(time.RFC3339))
		return printRankings(os.Stdout, rows)
	},
}

// timeFlag parses an optional RFC 3339 flag.
func timeFlag(cmd *cobra.Command, name string) (*time.Time, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, eris.Wrapf(err, "--%s must be an RFC 3339 timestamp", name)
	}
	t = t.UTC()
	return &t, nil
}

func init() {
	rankingsCmd.Flags().String("at", "", "snapshot timestamp (RFC 3339); default latest")
	rankingsCmd.Flags().Int("limit", 25, "max rows to display")
	rootCmd.AddCommand(rankCmd)
	rootCmd.AddCommand(rankingsCmd)
}
