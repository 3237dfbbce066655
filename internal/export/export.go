// Package export writes ranking snapshots as CSV, JSON, Parquet or XLSX and
// archives them to S3-compatible object storage.
package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/ghpipe/internal/model"
)

// Format is an export file format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatParquet Format = "parquet"
	FormatXLSX    Format = "xlsx"
)

// ParseFormat validates a format name, case-insensitively.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FormatCSV, FormatJSON, FormatParquet, FormatXLSX:
		return f, nil
	}
	return "", eris.Errorf("export: unknown format %q (want csv, json, parquet or xlsx)", s)
}

// ContentType is the MIME type used when archiving.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatJSON:
		return "application/json"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}

// Columns is the header shared by the tabular formats.
var Columns = []string{
	"rank", "login", "contributor_id", "total_score",
	"volume", "commit_impact", "efficiency", "collaboration",
	"repo_popularity", "repo_influence", "followers_score", "profile_completeness",
	"commits", "lines_added", "lines_removed", "repositories", "followers", "calculated_at",
}

// Row is the flat record written to every format.
type Row struct {
	Rank                int       `parquet:"rank" json:"rank"`
	Login               string    `parquet:"login,snappy" json:"login"`
	ContributorID       int64     `parquet:"contributor_id" json:"contributor_id"`
	TotalScore          float64   `parquet:"total_score" json:"total_score"`
	Volume              float64   `parquet:"volume" json:"volume"`
	CommitImpact        float64   `parquet:"commit_impact" json:"commit_impact"`
	Efficiency          float64   `parquet:"efficiency" json:"efficiency"`
	Collaboration       float64   `parquet:"collaboration" json:"collaboration"`
	RepoPopularity      float64   `parquet:"repo_popularity" json:"repo_popularity"`
	RepoInfluence       float64   `parquet:"repo_influence" json:"repo_influence"`
	FollowersScore      float64   `parquet:"followers_score" json:"followers_score"`
	ProfileCompleteness float64   `parquet:"profile_completeness" json:"profile_completeness"`
	Commits             int       `parquet:"commits" json:"commits"`
	LinesAdded          int       `parquet:"lines_added" json:"lines_added"`
	LinesRemoved        int       `parquet:"lines_removed" json:"lines_removed"`
	Repositories        int       `parquet:"repositories" json:"repositories"`
	Followers           int       `parquet:"followers" json:"followers"`
	CalculatedAt        time.Time `parquet:"calculated_at" json:"calculated_at"`
}

// Rows flattens ranking rows.
func Rows(in []model.ContributorRanking) []Row {
	out := make([]Row, len(in))
	for i, r := range in {
		out[i] = Row{
			Rank:                r.RankPosition,
			Login:               r.Login,
			ContributorID:       r.ContributorID,
			TotalScore:          r.TotalScore,
			Volume:              r.Scores.Volume,
			CommitImpact:        r.Scores.CommitImpact,
			Efficiency:          r.Scores.Efficiency,
			Collaboration:       r.Scores.Collaboration,
			RepoPopularity:      r.Scores.RepoPopularity,
			RepoInfluence:       r.Scores.RepoInfluence,
			FollowersScore:      r.Scores.Followers,
			ProfileCompleteness: r.Scores.ProfileCompleteness,
			Commits:             r.CommitCount,
			LinesAdded:          r.LinesAdded,
			LinesRemoved:        r.LinesRemoved,
			Repositories:        r.Repositories,
			Followers:           r.Followers,
			CalculatedAt:        r.CalculatedAt.UTC(),
		}
	}
	return out
}

func (r Row) strings() []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
	return []string{
		strconv.Itoa(r.Rank), r.Login, strconv.FormatInt(r.ContributorID, 10), f(r.TotalScore),
		f(r.Volume), f(r.CommitImpact), f(r.Efficiency), f(r.Collaboration),
		f(r.RepoPopularity), f(r.RepoInfluence), f(r.FollowersScore), f(r.ProfileCompleteness),
		strconv.Itoa(r.Commits), strconv.Itoa(r.LinesAdded), strconv.Itoa(r.LinesRemoved),
		strconv.Itoa(r.Repositories), strconv.Itoa(r.Followers), r.CalculatedAt.Format(time.RFC3339Nano),
	}
}

// Write encodes rows to w in format f.
func Write(w io.Writer, f Format, rows []model.ContributorRanking) error {
	flat := Rows(rows)
	switch f {
	case FormatCSV:
		return writeCSV(w, flat)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(flat), "export: encode json")
	case FormatParquet:
		return writeParquet(w, flat)
	case FormatXLSX:
		return writeXLSX(w, flat)
	}
	return eris.Errorf("export: unknown format %q", f)
}

func writeCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for _, r := range rows {
		if err := cw.Write(r.strings()); err != nil {
			return eris.Wrap(err, "export: write csv row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

func writeParquet(w io.Writer, rows []Row) error {
	pw := parquet.NewGenericWriter[Row](w)
	if _, err := pw.Write(rows); err != nil {
		pw.Close() //nolint:errcheck
		return eris.Wrap(err, "export: write parquet rows")
	}
	return eris.Wrap(pw.Close(), "export: close parquet writer")
}

func writeXLSX(w io.Writer, rows []Row) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("rankings")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}
	header := sheet.AddRow()
	for _, c := range Columns {
		header.AddCell().SetString(c)
	}
	for _, r := range rows {
		row := sheet.AddRow()
		row.AddCell().SetInt(r.Rank)
		row.AddCell().SetString(r.Login)
		row.AddCell().SetInt64(r.ContributorID)
		for _, v := range []float64{
			r.TotalScore, r.Volume, r.CommitImpact, r.Efficiency, r.Collaboration,
			r.RepoPopularity, r.RepoInfluence, r.FollowersScore, r.ProfileCompleteness,
		} {
			row.AddCell().SetFloat(v)
		}
		for _, v := range []int{r.Commits, r.LinesAdded, r.LinesRemoved, r.Repositories, r.Followers} {
			row.AddCell().SetInt(v)
		}
		row.AddCell().SetString(r.CalculatedAt.Format(time.RFC3339))
	}
	return eris.Wrap(f.Write(w), "export: write xlsx")
}
