package store

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ghpipe/internal/model"
)

// core holds every query both backends share. Drivers embed it and supply
// transactions, bulk paths and migrations.
type core struct {
	c   conn
	now func() time.Time
}

func newCore(c conn) core {
	return core{c: c, now: utcNow}
}

// utcNow truncates to microseconds so timestamps round-trip through both
// SQLite text columns and PostgreSQL TIMESTAMPTZ unchanged.
func utcNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (s *core) txOn(c conn) *txStore {
	return &txStore{c: c, now: s.now}
}

// Staging.

const insertStagingSQL = `INSERT INTO staging_records (source, event_type, delivery_id, payload, state, fetched_at)
	VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING RETURNING id`

// InsertStaging stores one raw payload. A repeated delivery id is ignored and
// reported as id 0.
func (s *core) InsertStaging(ctx context.Context, rec model.StagingRecord) (int64, error) {
	return insertStaging(ctx, s.c, rec, s.now())
}

func insertStaging(ctx context.Context, c conn, rec model.StagingRecord, now time.Time) (int64, error) {
	if len(rec.Payload) == 0 {
		return 0, eris.New("store: staging payload is empty")
	}
	fetched := rec.FetchedAt
	if fetched.IsZero() {
		fetched = now
	}
	var id int64
	err := c.queryRow(ctx, insertStagingSQL,
		rec.Source, rec.EventType, rec.DeliveryID, []byte(rec.Payload),
		string(model.StagingUnprocessed), fetched.UTC(),
	).Scan(&id)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "store: insert staging %s", rec.DeliveryID)
	}
	return id, nil
}

// ListUnprocessed returns the oldest unprocessed staging rows in insertion order.
func (s *core) ListUnprocessed(ctx context.Context, limit int) ([]model.StagingRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	recs, err := queryAll(ctx, s.c, scanStaging,
		`SELECT id, source, event_type, delivery_id, payload, state, fetched_at, processed_at
		FROM staging_records WHERE state = ? ORDER BY id LIMIT ?`,
		string(model.StagingUnprocessed), limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: list unprocessed staging")
	}
	return recs, nil
}

func (s *core) CountStaging(ctx context.Context) (map[model.StagingState]int, error) {
	rs, err := s.c.query(ctx, `SELECT state, COUNT(*) FROM staging_records GROUP BY state`)
	if err != nil {
		return nil, eris.Wrap(err, "store: count staging")
	}
	defer rs.Close()

	out := map[model.StagingState]int{model.StagingUnprocessed: 0, model.StagingProcessed: 0}
	for rs.Next() {
		var (
			st string
			n  int
		)
		if err := rs.Scan(&st, &n); err != nil {
			return nil, eris.Wrap(err, "store: scan staging count")
		}
		out[model.StagingState(st)] = n
	}
	return out, eris.Wrap(rs.Err(), "store: count staging")
}

func scanStaging(s scannable) (model.StagingRecord, error) {
	var (
		r       model.StagingRecord
		payload []byte
		st      string
	)
	if err := s.Scan(&r.ID, &r.Source, &r.EventType, &r.DeliveryID, &payload, &st, &r.FetchedAt, &r.ProcessedAt); err != nil {
		return r, err
	}
	r.Payload = payload
	r.State = model.StagingState(st)
	return r, nil
}

// MarkStagingProcessed flips unprocessed rows to processed. Rows already
// processed are left untouched and not counted.
func (t *txStore) MarkStagingProcessed(ctx context.Context, ids []int64) (int64, error) {
	var total int64
	now := t.now()
	for _, id := range ids {
		n, err := t.c.exec(ctx,
			`UPDATE staging_records SET state = ?, processed_at = ? WHERE id = ? AND state = ?`,
			string(model.StagingProcessed), now, id, string(model.StagingUnprocessed),
		)
		if err != nil {
			return total, eris.Wrapf(err, "store: mark staging %d processed", id)
		}
		total += n
	}
	return total, nil
}

// Checkpoints.

func (t *txStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	return saveCheckpoint(ctx, t.c, cp, t.now())
}

func saveCheckpoint(ctx context.Context, c conn, cp model.Checkpoint, now time.Time) error {
	var data any
	if len(cp.Data) > 0 {
		data = cp.Data
	}
	_, err := c.exec(ctx,
		`INSERT INTO checkpoints (pipeline, run_id, offset_n, data, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (pipeline) DO UPDATE SET run_id = excluded.run_id, offset_n = excluded.offset_n,
		data = excluded.data, updated_at = excluded.updated_at`,
		cp.Pipeline, cp.RunID, cp.Offset, data, now,
	)
	return eris.Wrapf(err, "store: save checkpoint %s", cp.Pipeline)
}

// LoadCheckpoint returns the saved checkpoint for pipeline, or nil when none exists.
func (s *core) LoadCheckpoint(ctx context.Context, pipeline string) (*model.Checkpoint, error) {
	cp := model.Checkpoint{Pipeline: pipeline}
	err := s.c.queryRow(ctx,
		`SELECT run_id, offset_n, data, updated_at FROM checkpoints WHERE pipeline = ?`, pipeline,
	).Scan(&cp.RunID, &cp.Offset, &cp.Data, &cp.UpdatedAt)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: load checkpoint %s", pipeline)
	}
	return &cp, nil
}

func (s *core) DeleteCheckpoint(ctx context.Context, pipeline string) error {
	_, err := s.c.exec(ctx, `DELETE FROM checkpoints WHERE pipeline = ?`, pipeline)
	return eris.Wrapf(err, "store: delete checkpoint %s", pipeline)
}

// SaveCheckpoint writes cp outside of a batch transaction.
func (s *core) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	return saveCheckpoint(ctx, s.c, cp, s.now())
}

func (s *core) Ping(ctx context.Context) error {
	var one int
	return eris.Wrap(s.c.queryRow(ctx, `SELECT 1`).Scan(&one), "store: ping")
}
