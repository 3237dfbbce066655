package ranking

import (
	"context"

	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/pipeline"
	"github.com/sells-group/ghpipe/internal/resilience"
)

// Stage kind and pipeline name registered by Register.
const (
	KindRank = "rank"
	Pipeline = "contributor-ranking"
)

// Stage runs the engine as a single-step pipeline so the scheduler can
// trigger it and record its history like any other run.
type Stage struct {
	engine *Engine
}

// NewStage wraps e.
func NewStage(e *Engine) *Stage { return &Stage{engine: e} }

func (s *Stage) Name() string { return KindRank }

func (s *Stage) Validate(_ *pipeline.RunContext) error {
	if s.engine == nil || s.engine.store == nil {
		return resilience.Fatalf("ranking: engine has no store")
	}
	return nil
}

func (s *Stage) Execute(ctx context.Context, rc *pipeline.RunContext, cfg pipeline.StageConfig) (model.StageResult, error) {
	retry := cfg.Backoff.WithRetries(cfg.RetryCount)
	retry.ShouldRetry = resilience.IsRetryable
	retry.OnRetry = resilience.RetryLogger("ranking", "snapshot")

	res, err := resilience.DoVal(ctx, retry, s.engine.Run)
	if err != nil {
		return model.StageResult{Name: KindRank}, err
	}
	rc.Record(model.Stats{ItemsRead: res.Scanned, ItemsWritten: len(res.Rows)})
	return model.StageResult{Name: KindRank, Batches: 1}, nil
}

// Register adds the rank stage kind and the contributor-ranking pipeline.
func Register(r *pipeline.Registry, e *Engine) error {
	r.RegisterStage(KindRank, pipeline.StageKind{
		Build:          func() pipeline.Stage { return NewStage(e) },
		AbortOnError:   true,
		MaxConcurrency: 1,
	})
	return r.Register(pipeline.Definition{
		Name:   Pipeline,
		Stages: []pipeline.StageSpec{{Kind: KindRank}},
	})
}
