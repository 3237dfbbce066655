package ranking

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ghpipe/internal/config"
	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/resilience"
	"github.com/sells-group/ghpipe/internal/store"
)

// Result describes one computed snapshot.
type Result struct {
	CalculatedAt time.Time
	Scanned      int
	Rows         []model.ContributorRanking
}

// Engine loads persisted entities, scores them and saves the snapshot.
type Engine struct {
	store store.Store
	cfg   config.RankingConfig
	now   func() time.Time
}

// NewEngine returns an engine. A zero weight set falls back to DefaultWeights.
func NewEngine(st store.Store, cfg config.RankingConfig) *Engine {
	if cfg.Weights.Sum() == 0 {
		cfg.Weights = DefaultWeights()
	}
	return &Engine{
		store: st,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Compute scores the current dataset without persisting anything.
func (e *Engine) Compute(ctx context.Context) (*Result, error) {
	ds, err := e.store.LoadRankingDataset(ctx)
	if err != nil {
		return nil, resilience.NewPersistenceError("load ranking dataset", err)
	}
	at := e.now()
	return &Result{
		CalculatedAt: at,
		Scanned:      len(ds.Contributors),
		Rows:         Score(ds, e.cfg, at),
	}, nil
}

// Run computes a snapshot and writes it. Every row shares one calculation
// time; earlier snapshots are never touched.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res, err := e.Compute(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		zap.L().Info("ranking: no eligible contributors", zap.Int("scanned", res.Scanned))
		return res, nil
	}
	if err := e.store.SaveRankingSnapshot(ctx, res.Rows); err != nil {
		return nil, resilience.NewPersistenceError("save ranking snapshot", err)
	}
	zap.L().Info("ranking: snapshot saved",
		zap.Time("calculated_at", res.CalculatedAt),
		zap.Int("ranked", len(res.Rows)),
		zap.Int("scanned", res.Scanned),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

// Latest returns the newest snapshot, or the snapshot computed at *at.
func Latest(ctx context.Context, st store.Store, at *time.Time, limit int) ([]model.ContributorRanking, error) {
	if at != nil {
		rows, err := st.RankingsAt(ctx, *at, limit)
		return rows, eris.Wrap(err, "ranking: load snapshot")
	}
	rows, err := st.LatestRankings(ctx, limit)
	return rows, eris.Wrap(err, "ranking: load latest snapshot")
}
