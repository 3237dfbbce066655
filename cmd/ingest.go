package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ghpipe/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Stage raw GitHub payloads",
	Long:  "Stages payloads from a bulk file or URL (JSON array or NDJSON, optionally gzipped) or consumes them from Kafka until interrupted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		path, _ := cmd.Flags().GetString("file")
		url, _ := cmd.Flags().GetString("url")
		useKafka, _ := cmd.Flags().GetBool("kafka")
		sources := 0
		for _, set := range []bool{path != "", url != "", useKafka} {
			if set {
				sources++
			}
		}
		if sources != 1 {
			return eris.New("exactly one of --file, --url or --kafka is required")
		}

		mode := ""
		if useKafka {
			mode = "kafka"
		}
		if err := cfg.Validate(mode); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if useKafka {
			return ingest.NewConsumer(ingest.NewKafkaReader(cfg.Kafka), st).Run(ctx)
		}

		eventType, _ := cmd.Flags().GetString("event-type")
		if url != "" {
			n, err := ingest.NewDownloader(ingest.DownloadOptions{}).ImportURL(ctx, st, url, eventType)
			if err != nil {
				return err
			}
			_, _ = numberPrinter().Fprintf(os.Stdout, "staged %d payloads from %s\n", n, url)
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return eris.Wrapf(err, "open %s", path)
		}
		defer f.Close() //nolint:errcheck

		n, err := ingest.Import(ctx, st, f, eventType)
		if err != nil {
			return err
		}
		_, _ = numberPrinter().Fprintf(os.Stdout, "staged %d payloads from %s\n", n, path)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("file", "", "bulk file to stage (JSON array or NDJSON)")
	ingestCmd.Flags().String("url", "", "bulk export URL to download and stage")
	ingestCmd.Flags().String("event-type", "", "GitHub event type recorded for --file and --url payloads")
	ingestCmd.Flags().Bool("kafka", false, "consume payloads from the configured Kafka topic")
	rootCmd.AddCommand(ingestCmd)
}
