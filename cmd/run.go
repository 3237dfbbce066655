package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ghpipe/internal/ingest"
	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run <pipeline>",
	Short: "Run a pipeline to completion",
	Long:  "Runs a registered pipeline once under the single-flight lock. With --file, the payloads are extracted directly instead of the staging table.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		var opts pipeline.RunOptions
		if path, _ := cmd.Flags().GetString("file"); path != "" {
			eventType, _ := cmd.Flags().GetString("event-type")
			recs, err := readRecords(path, eventType)
			if err != nil {
				return err
			}
			opts.RawData = recs
		}

		// An interrupt asks the run to stop at the next batch boundary.
		runCtx := cmd.Context()
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				if err := env.Scheduler.Stop(runCtx, args[0]); err != nil {
					zap.L().Warn("stop request failed", zap.Error(err))
				}
			case <-done:
			}
		}()

		summary, err := env.Scheduler.Start(runCtx, args[0], opts)
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		if err := printSummary(os.Stdout, summary, asJSON); err != nil {
			return err
		}
		if summary.Status == model.RunStatusFailed {
			return eris.Errorf("pipeline %s failed", args[0])
		}
		return nil
	},
}

func readRecords(path, eventType string) ([]model.StagingRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close() //nolint:errcheck
	payloads, err := ingest.ReadPayloads(f)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	return ingest.Records(payloads, eventType), nil
}

func printSummary(w io.Writer, s *model.RunSummary, asJSON bool) error {
	p := numberPrinter()
	_, _ = p.Fprintf(w, "run %s  pipeline=%s  status=%s  duration=%s\n",
		s.RunID, s.PipelineName, statusColor(s.Status), s.CompletedAt.Sub(s.StartedAt).Round(time.Millisecond))
	_, _ = p.Fprintf(w, "read=%d written=%d failed=%d skipped=%d errors=%d\n",
		s.Stats.ItemsRead, s.Stats.ItemsWritten, s.Stats.ItemsFailed, s.Stats.ItemsSkipped, len(s.Errors))
	for _, st := range s.Stages {
		_, _ = fmt.Fprintf(w, "  %-10s %-9s batches=%d %s\n", st.Name, st.Status, st.Batches, st.Error)
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	return nil
}

func init() {
	runCmd.Flags().String("file", "", "extract payloads from a JSON array or NDJSON file instead of staging")
	runCmd.Flags().String("event-type", "", "GitHub event type of the payloads in --file")
	runCmd.Flags().Bool("json", false, "also print the full run summary as JSON")
	rootCmd.AddCommand(runCmd)
}
