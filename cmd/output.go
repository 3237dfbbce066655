package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/ghpipe/internal/model"
)

var (
	goldColor   = color.New(color.FgYellow, color.Bold)
	silverColor = color.New(color.FgWhite, color.Bold)
	bronzeColor = color.New(color.FgRed)
	plainColor  = color.New(color.Reset)
)

// numberPrinter formats counts with thousands separators.
func numberPrinter() *message.Printer {
	return message.NewPrinter(language.English)
}

func rankColor(rank int) *color.Color {
	switch rank {
	case 1:
		return goldColor
	case 2:
		return silverColor
	case 3:
		return bronzeColor
	default:
		return plainColor
	}
}

func statusColor(s model.RunStatus) string {
	switch s {
	case model.RunStatusSuccess:
		return color.GreenString(string(s))
	case model.RunStatusPartial:
		return color.YellowString(string(s))
	case model.RunStatusFailed:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}

func printRankings(w io.Writer, rows []model.ContributorRanking) error {
	p := numberPrinter()
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Rank", "Login", "Total", "Volume", "Impact", "Effic.", "Collab.", "Popular.", "Influence", "Followers", "Profile", "Commits", "Lines"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignRight
	})

	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
	data := make([][]string, 0, len(rows))
	for _, r := range rows {
		c := rankColor(r.RankPosition)
		data = append(data, []string{
			c.Sprint(r.RankPosition),
			c.Sprint(r.Login),
			f(r.TotalScore),
			f(r.Scores.Volume),
			f(r.Scores.CommitImpact),
			f(r.Scores.Efficiency),
			f(r.Scores.Collaboration),
			f(r.Scores.RepoPopularity),
			f(r.Scores.RepoInfluence),
			f(r.Scores.Followers),
			f(r.Scores.ProfileCompleteness),
			p.Sprintf("%d", r.CommitCount),
			p.Sprintf("%d", r.LinesChanged()),
		})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

func printRuns(w io.Writer, runs []model.RunSummary) error {
	p := numberPrinter()
	table := tablewriter.NewWriter(w)
	table.Header([]string{"ID", "Pipeline", "Status", "Started", "Duration", "Read", "Written", "Failed", "Errors"})

	data := make([][]string, 0, len(runs))
	for _, r := range runs {
		dur := ""
		if !r.CompletedAt.IsZero() {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		data = append(data, []string{
			truncateID(r.RunID),
			r.PipelineName,
			statusColor(r.Status),
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			p.Sprintf("%d", r.Stats.ItemsRead),
			p.Sprintf("%d", r.Stats.ItemsWritten),
			p.Sprintf("%d", r.Stats.ItemsFailed),
			fmt.Sprint(len(r.Errors)),
		})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
