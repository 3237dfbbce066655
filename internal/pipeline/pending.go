package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/resilience"
	"github.com/sells-group/ghpipe/internal/store"
)

// PendingLoader seeds a run with persisted entities that were never enriched,
// so a backfill pipeline can retry them.
type PendingLoader struct {
	store store.Store
	limit int
}

// NewPendingLoader returns a stage loading at most limit entities per kind.
func NewPendingLoader(st store.Store, limit int) *PendingLoader {
	if limit <= 0 {
		limit = 500
	}
	return &PendingLoader{store: st, limit: limit}
}

// Name implements Stage.
func (p *PendingLoader) Name() string { return "load-pending" }

// Validate implements Stage.
func (p *PendingLoader) Validate(_ *RunContext) error {
	if p.store == nil {
		return resilience.Fatalf("pipeline: load-pending stage has no store")
	}
	return nil
}

// Execute implements Stage.
func (p *PendingLoader) Execute(ctx context.Context, rc *RunContext, _ StageConfig) (model.StageResult, error) {
	res := model.StageResult{Name: p.Name(), Status: model.StageStatusComplete, Batches: 1}
	batch, err := resilience.DoVal(ctx, resilience.DefaultRetryConfig(), func(ctx context.Context) (*model.EntityBatch, error) {
		return p.store.ListPending(ctx, p.limit)
	})
	if err != nil {
		return res, resilience.NewPersistenceError("list pending", err)
	}
	rc.Entities.Merge(batch)
	rc.Record(model.Stats{ItemsRead: batch.Len()})
	zap.L().Info("pipeline: loaded pending entities",
		zap.String("run_id", rc.RunID),
		zap.Int("repositories", len(batch.Repositories)),
		zap.Int("contributors", len(batch.Contributors)),
		zap.Int("merge_requests", len(batch.MergeRequests)),
		zap.Int("commits", len(batch.Commits)),
	)
	return res, nil
}
