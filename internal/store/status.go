package store

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ghpipe/internal/model"
)

const statusColumns = `pipeline, is_running, run_id, started_at, stop_requested, last_status, last_run_at, next_run_at, updated_at`

// TryAcquire marks pipeline as running under runID. It reports false without
// error when another run already holds the pipeline. The check and the write
// are one conditional statement so two callers cannot both win.
func (s *core) TryAcquire(ctx context.Context, pipeline, runID string, now time.Time) (bool, error) {
	now = now.UTC()
	n, err := s.c.exec(ctx,
		`INSERT INTO pipeline_status (pipeline, is_running, run_id, started_at, stop_requested, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (pipeline) DO UPDATE SET
			is_running = excluded.is_running,
			run_id = excluded.run_id,
			started_at = excluded.started_at,
			stop_requested = excluded.stop_requested,
			updated_at = excluded.updated_at
		WHERE pipeline_status.is_running = ?`,
		pipeline, true, runID, now, false, now, false,
	)
	if err != nil {
		return false, eris.Wrapf(err, "store: acquire %s", pipeline)
	}
	return n == 1, nil
}

// Release clears the running flag held by runID and records the outcome.
func (s *core) Release(ctx context.Context, pipeline, runID string, status model.RunStatus, now time.Time) error {
	now = now.UTC()
	_, err := s.c.exec(ctx,
		`UPDATE pipeline_status SET is_running = ?, stop_requested = ?, last_status = ?, last_run_at = ?, updated_at = ?
		WHERE pipeline = ? AND run_id = ?`,
		false, false, string(status), now, now, pipeline, runID,
	)
	return eris.Wrapf(err, "store: release %s", pipeline)
}

// RequestStop sets the stop flag on a running pipeline. It reports false when
// the pipeline is not running.
func (s *core) RequestStop(ctx context.Context, pipeline string, now time.Time) (bool, error) {
	n, err := s.c.exec(ctx,
		`UPDATE pipeline_status SET stop_requested = ?, updated_at = ? WHERE pipeline = ? AND is_running = ?`,
		true, now.UTC(), pipeline, true,
	)
	if err != nil {
		return false, eris.Wrapf(err, "store: request stop %s", pipeline)
	}
	return n > 0, nil
}

func (s *core) StopRequested(ctx context.Context, pipeline string) (bool, error) {
	var stop bool
	err := s.c.queryRow(ctx, `SELECT stop_requested FROM pipeline_status WHERE pipeline = ?`, pipeline).Scan(&stop)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return stop, eris.Wrapf(err, "store: stop requested %s", pipeline)
}

// ResetStale clears every running flag and fails the runs those flags
// point at. Runs not referenced by a running flag are left alone, since
// another process sharing the store may own them.
func (s *core) ResetStale(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	if _, err := s.c.exec(ctx,
		`UPDATE pipeline_runs SET status = ?, completed_at = ?
		WHERE status = ? AND id IN (SELECT run_id FROM pipeline_status WHERE is_running = ? AND run_id IS NOT NULL)`,
		string(model.RunStatusFailed), now, string(model.RunStatusRunning), true,
	); err != nil {
		return 0, eris.Wrap(err, "store: fail stale runs")
	}
	n, err := s.c.exec(ctx,
		`UPDATE pipeline_status SET is_running = ?, stop_requested = ?, last_status = ?, updated_at = ? WHERE is_running = ?`,
		false, false, string(model.RunStatusFailed), now, true,
	)
	if err != nil {
		return 0, eris.Wrap(err, "store: reset stale status")
	}
	return int(n), nil
}

func (s *core) SetNextRun(ctx context.Context, pipeline string, next time.Time) error {
	now := s.now()
	_, err := s.c.exec(ctx,
		`INSERT INTO pipeline_status (pipeline, next_run_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (pipeline) DO UPDATE SET next_run_at = excluded.next_run_at, updated_at = excluded.updated_at`,
		pipeline, next.UTC(), now,
	)
	return eris.Wrapf(err, "store: set next run %s", pipeline)
}

func (s *core) GetStatus(ctx context.Context, pipeline string) (*model.PipelineStatus, error) {
	st, err := scanStatus(s.c.queryRow(ctx, `SELECT `+statusColumns+` FROM pipeline_status WHERE pipeline = ?`, pipeline))
	if err != nil {
		return nil, eris.Wrapf(err, "store: get status %s", pipeline)
	}
	return &st, nil
}

func (s *core) ListStatuses(ctx context.Context) ([]model.PipelineStatus, error) {
	out, err := queryAll(ctx, s.c, scanStatus, `SELECT `+statusColumns+` FROM pipeline_status ORDER BY pipeline`)
	return out, eris.Wrap(err, "store: list statuses")
}

func scanStatus(s scannable) (model.PipelineStatus, error) {
	var (
		st   model.PipelineStatus
		last string
	)
	err := s.Scan(&st.Pipeline, &st.IsRunning, &st.RunID, &st.StartedAt, &st.StopRequested,
		&last, &st.LastRunAt, &st.NextRunAt, &st.UpdatedAt)
	st.LastStatus = model.RunStatus(last)
	return st, err
}
