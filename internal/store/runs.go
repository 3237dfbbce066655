package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ghpipe/internal/model"
)

const runColumns = `id, pipeline, status, started_at, completed_at, stats, errors, stages, resumed, stopped`

// CreateRun records a run as started.
func (s *core) CreateRun(ctx context.Context, run *model.RunSummary) error {
	if run.RunID == "" {
		return eris.New("store: run id is required")
	}
	if run.Status == "" {
		run.Status = model.RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	_, err := s.c.exec(ctx,
		`INSERT INTO pipeline_runs (id, pipeline, status, started_at, resumed, stopped) VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.PipelineName, string(run.Status), run.StartedAt.UTC(), run.Resumed, run.Stopped,
	)
	return eris.Wrapf(err, "store: create run %s", run.RunID)
}

// CompleteRun stores the final summary of a run.
func (s *core) CompleteRun(ctx context.Context, run *model.RunSummary) error {
	stats, err := marshalJSON(run.Stats)
	if err != nil {
		return err
	}
	errs := run.Errors
	if errs == nil {
		errs = []model.RunError{}
	}
	errJSON, err := marshalJSON(errs)
	if err != nil {
		return err
	}
	stages, err := marshalJSON(run.Stages)
	if err != nil {
		return err
	}
	completed := run.CompletedAt
	if completed.IsZero() {
		completed = s.now()
	}

	n, err := s.c.exec(ctx,
		`UPDATE pipeline_runs SET status = ?, completed_at = ?, stats = ?, errors = ?, stages = ?, resumed = ?, stopped = ? WHERE id = ?`,
		string(run.Status), completed.UTC(), stats, errJSON, stages, run.Resumed, run.Stopped, run.RunID,
	)
	if err != nil {
		return eris.Wrapf(err, "store: complete run %s", run.RunID)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "store: complete run %s", run.RunID)
	}
	return nil
}

func (s *core) GetRun(ctx context.Context, runID string) (*model.RunSummary, error) {
	run, err := scanRun(s.c.queryRow(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, runID))
	if err != nil {
		return nil, eris.Wrapf(err, "store: get run %s", runID)
	}
	return &run, nil
}

// ListRuns returns runs newest first.
func (s *core) ListRuns(ctx context.Context, filter RunFilter) ([]model.RunSummary, error) {
	var (
		where []string
		args  []any
	)
	if filter.Pipeline != "" {
		where = append(where, "pipeline = ?")
		args = append(args, filter.Pipeline)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT ` + runColumns + ` FROM pipeline_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY started_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	runs, err := queryAll(ctx, s.c, scanRun, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list runs")
	}
	return runs, nil
}

// LastCompletedRun returns the most recently finished run of pipeline, or nil.
func (s *core) LastCompletedRun(ctx context.Context, pipeline string) (*model.RunSummary, error) {
	run, err := scanRun(s.c.queryRow(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE pipeline = ? AND status <> ? AND completed_at IS NOT NULL
		ORDER BY completed_at DESC LIMIT 1`,
		pipeline, string(model.RunStatusRunning)))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: last completed run %s", pipeline)
	}
	return &run, nil
}

func scanRun(s scannable) (model.RunSummary, error) {
	var (
		r                     model.RunSummary
		status                string
		completed             *time.Time
		stats, errs, stageRaw []byte
	)
	if err := s.Scan(&r.RunID, &r.PipelineName, &status, &r.StartedAt, &completed,
		&stats, &errs, &stageRaw, &r.Resumed, &r.Stopped); err != nil {
		return r, err
	}
	r.Status = model.RunStatus(status)
	if completed != nil {
		r.CompletedAt = *completed
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &r.Stats); err != nil {
			return r, eris.Wrap(err, "store: decode run stats")
		}
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &r.Errors); err != nil {
			return r, eris.Wrap(err, "store: decode run errors")
		}
	}
	if len(stageRaw) > 0 {
		if err := json.Unmarshal(stageRaw, &r.Stages); err != nil {
			return r, eris.Wrap(err, "store: decode run stages")
		}
	}
	return r, nil
}
