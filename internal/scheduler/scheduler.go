// Package scheduler triggers pipeline runs on a cadence or on demand and
// enforces that at most one run per pipeline name is active at a time.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/pipeline"
	"github.com/sells-group/ghpipe/internal/store"
)

var (
	// ErrConflict is returned when the pipeline already has an active run.
	ErrConflict = eris.New("scheduler: pipeline already running")
	// ErrNotRunning is returned by Stop when there is nothing to stop.
	ErrNotRunning = eris.New("scheduler: pipeline not running")
	// ErrUnknownPipeline is returned for names the registry does not know.
	ErrUnknownPipeline = eris.New("scheduler: unknown pipeline")
)

// Scheduler starts runs through a registry under a single-flight lock.
type Scheduler struct {
	registry *pipeline.Registry
	store    store.Store
	lock     Lock
	entries  []Entry
	now      func() time.Time

	wg sync.WaitGroup
	mu sync.Mutex
	// active maps pipeline name to the run id launched by this process.
	active map[string]string
}

// New returns a scheduler. A nil lock uses the store's status table.
func New(reg *pipeline.Registry, st store.Store, lock Lock, entries []Entry) *Scheduler {
	if lock == nil {
		lock = NewStoreLock(st)
	}
	return &Scheduler{
		registry: reg,
		store:    st,
		lock:     lock,
		entries:  entries,
		now:      func() time.Time { return time.Now().UTC() },
		active:   map[string]string{},
	}
}

// RecoverStale clears running flags left behind by a crashed process. Call
// it once at startup, before the first Tick.
func (s *Scheduler) RecoverStale(ctx context.Context) (int, error) {
	n, err := s.store.ResetStale(ctx, s.now())
	if err != nil {
		return 0, eris.Wrap(err, "scheduler: recover stale runs")
	}
	if n > 0 {
		zap.L().Warn("scheduler: reset stale running flags", zap.Int("count", n))
	}
	return n, nil
}

// Run calls Tick every interval until ctx is cancelled, then stops in-flight
// runs and waits for them.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	log := zap.L().With(zap.String("component", "scheduler"))
	log.Info("scheduler: started", zap.Duration("interval", interval), zap.Int("entries", len(s.entries)))

	s.Tick(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Shutdown(context.WithoutCancel(ctx))
			log.Info("scheduler: stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick launches every scheduled pipeline that is due and not running. It
// returns the launched run ids and never blocks on a run.
func (s *Scheduler) Tick(ctx context.Context) []string {
	now := s.now()
	var launched []string
	for _, e := range s.entries {
		last, err := s.store.LastCompletedRun(ctx, e.Pipeline)
		if err != nil {
			zap.L().Error("scheduler: read last run", zap.String("pipeline", e.Pipeline), zap.Error(err))
			continue
		}
		var completed *time.Time
		if last != nil {
			completed = &last.CompletedAt
		}
		if !e.Due(now, completed) {
			continue
		}
		runID, err := s.Launch(ctx, e.Pipeline, pipeline.RunOptions{})
		switch {
		case errors.Is(err, ErrConflict):
			zap.L().Debug("scheduler: run rejected, already running", zap.String("pipeline", e.Pipeline))
		case err != nil:
			zap.L().Error("scheduler: launch failed", zap.String("pipeline", e.Pipeline), zap.Error(err))
		default:
			launched = append(launched, runID)
		}
	}
	return launched
}

// Start runs name to completion under the lock and returns its summary.
func (s *Scheduler) Start(ctx context.Context, name string, opts pipeline.RunOptions) (*model.RunSummary, error) {
	p, err := s.acquire(ctx, name, &opts)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, p, opts)
}

// Launch acquires the lock for name and runs it in the background. The run
// outlives ctx's cancellation; use Stop or Shutdown to end it early.
func (s *Scheduler) Launch(ctx context.Context, name string, opts pipeline.RunOptions) (string, error) {
	p, err := s.acquire(ctx, name, &opts)
	if err != nil {
		return "", err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.execute(context.WithoutCancel(ctx), p, opts); err != nil {
			zap.L().Error("scheduler: run failed", zap.String("pipeline", name), zap.String("run_id", opts.RunID), zap.Error(err))
		}
	}()
	return opts.RunID, nil
}

func (s *Scheduler) acquire(ctx context.Context, name string, opts *pipeline.RunOptions) (*pipeline.Pipeline, error) {
	if !s.registry.Has(name) {
		return nil, eris.Wrapf(ErrUnknownPipeline, "scheduler: %q", name)
	}
	p, err := s.registry.Build(name)
	if err != nil {
		return nil, err
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	ok, err := s.lock.Acquire(ctx, name, opts.RunID)
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: acquire %s", name)
	}
	if !ok {
		return nil, eris.Wrapf(ErrConflict, "scheduler: %s", name)
	}

	external := opts.StopCheck
	opts.StopCheck = func(ctx context.Context) bool {
		if external != nil && external(ctx) {
			return true
		}
		stop, err := s.lock.StopRequested(ctx, name)
		if err != nil {
			zap.L().Warn("scheduler: read stop flag", zap.String("pipeline", name), zap.Error(err))
			return false
		}
		return stop
	}

	s.mu.Lock()
	s.active[name] = opts.RunID
	s.mu.Unlock()
	return p, nil
}

func (s *Scheduler) execute(ctx context.Context, p *pipeline.Pipeline, opts pipeline.RunOptions) (*model.RunSummary, error) {
	name := p.Name()
	summary, runErr := p.Run(ctx, opts)

	status := model.RunStatusFailed
	if summary != nil {
		status = summary.Status
	}
	bctx := context.WithoutCancel(ctx)
	if err := s.lock.Release(bctx, name, opts.RunID, status); err != nil {
		zap.L().Error("scheduler: release", zap.String("pipeline", name), zap.Error(err))
	}
	s.mu.Lock()
	if s.active[name] == opts.RunID {
		delete(s.active, name)
	}
	s.mu.Unlock()

	if e, ok := s.entry(name); ok {
		if err := s.store.SetNextRun(bctx, name, e.Next(s.now())); err != nil {
			zap.L().Warn("scheduler: set next run", zap.String("pipeline", name), zap.Error(err))
		}
	}
	return summary, runErr
}

func (s *Scheduler) entry(name string) (Entry, bool) {
	for _, e := range s.entries {
		if e.Pipeline == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Stop asks the active run of name to finish its in-flight batch and exit.
func (s *Scheduler) Stop(ctx context.Context, name string) error {
	if !s.registry.Has(name) {
		return eris.Wrapf(ErrUnknownPipeline, "scheduler: %q", name)
	}
	ok, err := s.lock.RequestStop(ctx, name)
	if err != nil {
		return eris.Wrapf(err, "scheduler: stop %s", name)
	}
	if !ok {
		return eris.Wrapf(ErrNotRunning, "scheduler: %s", name)
	}
	zap.L().Info("scheduler: stop requested", zap.String("pipeline", name))
	return nil
}

// Status returns the status record of name with the lock's view of whether
// it is running.
func (s *Scheduler) Status(ctx context.Context, name string) (*model.PipelineStatus, error) {
	if !s.registry.Has(name) {
		return nil, eris.Wrapf(ErrUnknownPipeline, "scheduler: %q", name)
	}
	st, err := s.store.GetStatus(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		st, err = &model.PipelineStatus{Pipeline: name}, nil
	}
	if err != nil {
		return nil, err
	}
	holder, err := s.lock.Holder(ctx, name)
	if err != nil {
		return nil, err
	}
	st.IsRunning = holder != ""
	if holder != "" {
		st.RunID = holder
	}
	return st, nil
}

// Shutdown requests a stop for every run launched by this process and waits
// for them to finish or for ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.active))
	for name := range s.active {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		if _, err := s.lock.RequestStop(ctx, name); err != nil {
			zap.L().Warn("scheduler: stop on shutdown", zap.String("pipeline", name), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Wait blocks until every launched run has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Pipelines returns the registered pipeline names.
func (s *Scheduler) Pipelines() []string { return s.registry.Names() }
