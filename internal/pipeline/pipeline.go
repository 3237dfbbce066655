// Package pipeline runs named, staged pipelines that turn raw GitHub payloads
// into persisted entities.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/store"
)

// StageEntry binds a stage to the configuration it runs with.
type StageEntry struct {
	Stage  Stage
	Config StageConfig
}

// Pipeline executes its stages strictly in order against one RunContext.
type Pipeline struct {
	name   string
	stages []StageEntry
	store  store.Store
	now    func() time.Time
}

// New creates a pipeline. Constructing it has no side effects.
func New(name string, st store.Store, stages ...StageEntry) *Pipeline {
	return &Pipeline{
		name:   name,
		stages: stages,
		store:  st,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// StageNames returns the stage names in execution order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Stage.Name()
	}
	return names
}

// RunOptions parameterizes one run.
type RunOptions struct {
	// RunID identifies the run; a UUID is generated when empty.
	RunID string
	// RawData, when set, is extracted instead of unprocessed staging rows.
	RawData []model.StagingRecord
	// StopCheck is polled at every batch boundary.
	StopCheck StopFunc
}

// Run executes the pipeline and records it in the run history. A leftover
// checkpoint for this pipeline is restored first. Stage failures are reported
// through the summary; the returned error is non-nil only when the run could
// not be recorded.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*model.RunSummary, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	log := zap.L().With(zap.String("pipeline", p.name), zap.String("run_id", runID))

	rc := NewRunContext(runID, p.name)
	rc.stopCheck = opts.StopCheck

	resumed, err := p.restore(ctx, rc, log)
	if err != nil {
		return nil, err
	}
	if len(opts.RawData) > 0 {
		rc.RawData = append(rc.RawData, opts.RawData...)
		rc.inline = true
	}

	summary := &model.RunSummary{
		RunID:        runID,
		PipelineName: p.name,
		StartedAt:    p.now(),
		Status:       model.RunStatusRunning,
		Resumed:      resumed,
	}
	if err := p.store.CreateRun(ctx, summary); err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log.Info("pipeline: run started", zap.Strings("stages", p.StageNames()), zap.Bool("resumed", resumed))

	var aborted, stopped bool
	for _, entry := range p.stages {
		name := entry.Stage.Name()
		if !aborted && !stopped && rc.ShouldStop(ctx) {
			stopped = true
		}
		if aborted || stopped {
			summary.Stages = append(summary.Stages, model.StageResult{Name: name, Status: model.StageStatusSkipped})
			continue
		}

		before := rc.Stats()
		start := time.Now()
		res, err := p.runStage(ctx, rc, entry)
		res.Name = name
		res.Stats = statsDiff(rc.Stats(), before)
		res.Duration = time.Since(start).Milliseconds()

		switch {
		case err == nil:
			res.Status = model.StageStatusComplete
		case errors.Is(err, ErrStopped) || ctx.Err() != nil:
			stopped = true
			res.Status = model.StageStatusStopped
		default:
			aborted = true
			res.Status = model.StageStatusAborted
			res.Error = err.Error()
			rc.AppendErr(name, "", err)
		}
		summary.Stages = append(summary.Stages, res)

		log.Info("pipeline: stage finished",
			zap.String("stage", name),
			zap.String("status", string(res.Status)),
			zap.Int("batches", res.Batches),
			zap.Int("read", res.Stats.ItemsRead),
			zap.Int("written", res.Stats.ItemsWritten),
			zap.Int("skipped", res.Stats.ItemsSkipped),
			zap.Int("failed", res.Stats.ItemsFailed),
			zap.Int64("duration_ms", res.Duration),
		)
	}

	// Bookkeeping must outlive a cancelled caller.
	bctx := context.WithoutCancel(ctx)
	if stopped {
		rc.AppendError("pipeline", "", model.ErrorKindCancelled, "run stopped before completion")
	}

	summary.Stopped = stopped
	summary.Stats = rc.Stats()
	summary.Errors = rc.Errors()
	summary.CompletedAt = p.now()
	switch {
	case aborted:
		summary.Status = model.RunStatusFailed
	case len(summary.Errors) == 0:
		summary.Status = model.RunStatusSuccess
	default:
		summary.Status = model.RunStatusPartial
	}

	if aborted || stopped {
		if err := p.saveCheckpoint(bctx, rc); err != nil {
			log.Warn("pipeline: failed to keep checkpoint", zap.Error(err))
		}
	} else if err := p.store.DeleteCheckpoint(bctx, p.name); err != nil {
		log.Warn("pipeline: failed to clear checkpoint", zap.Error(err))
	}

	if err := p.store.CompleteRun(bctx, summary); err != nil {
		return summary, eris.Wrap(err, "pipeline: complete run")
	}

	log.Info("pipeline: run complete",
		zap.String("status", string(summary.Status)),
		zap.Bool("stopped", stopped),
		zap.Int("errors", len(summary.Errors)),
		zap.Duration("elapsed", summary.CompletedAt.Sub(summary.StartedAt)),
	)
	return summary, nil
}

func (p *Pipeline) runStage(ctx context.Context, rc *RunContext, entry StageEntry) (model.StageResult, error) {
	if err := entry.Stage.Validate(rc); err != nil {
		return model.StageResult{}, eris.Wrapf(err, "pipeline: validate %s", entry.Stage.Name())
	}
	return entry.Stage.Execute(ctx, rc, entry.Config)
}

func (p *Pipeline) restore(ctx context.Context, rc *RunContext, log *zap.Logger) (bool, error) {
	cp, err := p.store.LoadCheckpoint(ctx, p.name)
	if err != nil {
		return false, eris.Wrap(err, "pipeline: load checkpoint")
	}
	if cp == nil || len(cp.Data) == 0 {
		return false, nil
	}
	if err := rc.Restore(cp.Data); err != nil {
		log.Warn("pipeline: discarding unreadable checkpoint", zap.String("previous_run", cp.RunID), zap.Error(err))
		return false, nil
	}
	log.Info("pipeline: resuming from checkpoint",
		zap.String("previous_run", cp.RunID),
		zap.Int("offset", rc.Checkpoint()),
		zap.Int("drafts", rc.Entities.Len()),
	)
	return true, nil
}

func (p *Pipeline) saveCheckpoint(ctx context.Context, rc *RunContext) error {
	cp, err := rc.checkpointRecord(p.name, nil)
	if err != nil {
		return err
	}
	return p.store.SaveCheckpoint(ctx, cp)
}
