package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/resilience"
)

// ErrStopped is returned by a stage that ended early because a stop was requested.
var ErrStopped = eris.New("pipeline: stopped")

// Stage is one processing step of a pipeline.
type Stage interface {
	Name() string
	// Validate checks that the context holds what the stage needs.
	Validate(rc *RunContext) error
	// Execute runs the stage. A non-nil error aborts the run.
	Execute(ctx context.Context, rc *RunContext, cfg StageConfig) (model.StageResult, error)
}

// StageConfig tunes batching, retry and concurrency for one stage.
type StageConfig struct {
	BatchSize      int                    `json:"batch_size"`
	RetryCount     int                    `json:"retry_count"`
	AbortOnError   bool                   `json:"abort_on_error"`
	MaxConcurrency int                    `json:"max_concurrency"`
	Backoff        resilience.RetryConfig `json:"-"`
}

// DefaultStageConfig returns batch size 50, three retries and one worker.
func DefaultStageConfig() StageConfig {
	return StageConfig{
		BatchSize:      50,
		RetryCount:     3,
		MaxConcurrency: 1,
		Backoff:        resilience.DefaultRetryConfig(),
	}
}

func (c StageConfig) normalized() StageConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 1
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.Backoff.MaxAttempts == 0 {
		c.Backoff = resilience.DefaultRetryConfig()
	}
	return c
}

// retryConfig returns the backoff policy for one stage operation.
func (c StageConfig) retryConfig(stage, op string, shouldRetry func(error) bool) resilience.RetryConfig {
	rc := c.Backoff.WithRetries(c.RetryCount)
	rc.ShouldRetry = shouldRetry
	rc.OnRetry = resilience.RetryLogger("pipeline: "+stage, op)
	return rc
}

// BatchFunc processes items [start, end) of a stage's input.
type BatchFunc func(ctx context.Context, start, end int) error

// BatchReport summarizes a RunBatches call.
type BatchReport struct {
	Batches int
	Failed  int
}

// RunBatches splits n items into batches of cfg.BatchSize and runs fn for each
// with at most cfg.MaxConcurrency batches in flight. Each batch is retried on
// transient and persistence failures. A batch that still fails either aborts
// the stage (fatal errors, or AbortOnError) or has its items counted as failed.
//
// onAdvance, when set, is called with the number of leading items whose
// batches have all been accounted for; out-of-order completions are held back
// until the gap before them closes. A requested stop prevents new batches
// from starting and makes RunBatches return ErrStopped once in-flight batches end.
func RunBatches(ctx context.Context, rc *RunContext, stage string, cfg StageConfig, n int, fn BatchFunc, onAdvance func(done int)) (BatchReport, error) {
	cfg = cfg.normalized()
	var report BatchReport
	if n <= 0 {
		return report, nil
	}
	total := (n + cfg.BatchSize - 1) / cfg.BatchSize
	retry := cfg.retryConfig(stage, "batch", resilience.IsRetryable)

	var (
		mu       sync.Mutex
		finished = make([]bool, total)
		prefix   int
	)
	complete := func(batch int) {
		mu.Lock()
		defer mu.Unlock()
		finished[batch] = true
		moved := false
		for prefix < total && finished[prefix] {
			prefix++
			moved = true
		}
		if moved && onAdvance != nil {
			onAdvance(min(prefix*cfg.BatchSize, n))
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	// attempt runs one batch. A non-nil result aborts the stage.
	attempt := func(batch, start, end int) error {
		if err := gctx.Err(); err != nil {
			return err
		}
		err := resilience.Do(gctx, retry, func(ctx context.Context) error {
			return fn(ctx, start, end)
		})
		if err == nil {
			complete(batch)
			return nil
		}
		if gctx.Err() != nil && errors.Is(err, context.Canceled) {
			return err
		}

		rc.Record(model.Stats{ItemsFailed: end - start})
		mu.Lock()
		report.Failed += end - start
		mu.Unlock()

		if resilience.IsFatal(err) || cfg.AbortOnError {
			return eris.Wrapf(err, "pipeline: %s batch %d", stage, batch)
		}
		zap.L().Warn("pipeline: batch failed",
			zap.String("stage", stage),
			zap.Int("batch", batch),
			zap.Int("items", end-start),
			zap.Error(err),
		)
		rc.AppendErr(stage, fmt.Sprintf("batch:%d", batch), err)
		complete(batch)
		return nil
	}

	// A slot is taken before the stop check, so a stop requested by an
	// in-flight batch is seen before the next batch starts. An aborting
	// batch keeps its slot.
	slots := make(chan struct{}, cfg.MaxConcurrency)
	stopped := false
	for b := 0; b < total; b++ {
		select {
		case slots <- struct{}{}:
		case <-gctx.Done():
		}
		if gctx.Err() != nil {
			break
		}
		if rc.ShouldStop(gctx) {
			stopped = true
			break
		}
		start := b * cfg.BatchSize
		end := min(start+cfg.BatchSize, n)
		batch := b
		report.Batches++

		g.Go(func() error {
			if err := attempt(batch, start, end); err != nil {
				return err
			}
			<-slots
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	if stopped {
		return report, ErrStopped
	}
	return report, nil
}

func statsDiff(after, before model.Stats) model.Stats {
	return model.Stats{
		ItemsRead:    after.ItemsRead - before.ItemsRead,
		ItemsWritten: after.ItemsWritten - before.ItemsWritten,
		ItemsSkipped: after.ItemsSkipped - before.ItemsSkipped,
		ItemsFailed:  after.ItemsFailed - before.ItemsFailed,
	}
}
