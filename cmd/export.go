package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ghpipe/internal/export"
	"github.com/sells-group/ghpipe/internal/ranking"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a ranking snapshot as CSV, JSON, Parquet or XLSX",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		formatName, _ := cmd.Flags().GetString("format")
		format, err := export.ParseFormat(formatName)
		if err != nil {
			return err
		}
		archive, _ := cmd.Flags().GetBool("archive")
		out, _ := cmd.Flags().GetString("out")

		mode := ""
		if archive {
			mode = "archive"
		}
		if err := cfg.Validate(mode); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		at, err := timeFlag(cmd, "at")
		if err != nil {
			return err
		}
		rows, err := ranking.Latest(ctx, st, at, 0)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return eris.New("no ranking snapshot to export")
		}

		var buf bytes.Buffer
		if err := export.Write(&buf, format, rows); err != nil {
			return err
		}

		if out == "" && !archive {
			out = fmt.Sprintf("rankings.%s", format)
		}
		if out != "" {
			if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
				return eris.Wrapf(err, "write %s", out)
			}
			zap.L().Info("snapshot exported", zap.String("path", out), zap.Int("rows", len(rows)))
		}
		if archive {
			archiver, err := export.NewArchiver(cfg.Archive)
			if err != nil {
				return err
			}
			key, err := archiver.Upload(ctx, rows[0].CalculatedAt, format, buf.Bytes())
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "archived s3://%s/%s\n", cfg.Archive.Bucket, key)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("format", "csv", "output format: csv, json, parquet or xlsx")
	exportCmd.Flags().String("at", "", "snapshot timestamp (RFC 3339); default latest")
	exportCmd.Flags().String("out", "", "output path (default rankings.<format> unless --archive)")
	exportCmd.Flags().Bool("archive", false, "upload the export to the configured archive bucket")
	rootCmd.AddCommand(exportCmd)
}
