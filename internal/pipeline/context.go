package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/resilience"
)

// StopFunc reports whether the run has been asked to stop.
type StopFunc func(ctx context.Context) bool

// RunContext is the state of one pipeline run. Stages share only the
// entity set, the counters and the error log; every mutation goes through a
// method so concurrent batches stay consistent.
type RunContext struct {
	RunID    string
	Pipeline string

	// RawData is the ordered input of the extract stage.
	RawData []model.StagingRecord
	// Entities holds drafts as they move from extracted to persisted.
	Entities *EntitySet

	inline    bool
	stopCheck StopFunc
	stopped   atomic.Bool
	now       func() time.Time

	mu         sync.Mutex
	checkpoint int
	stats      model.Stats
	errors     []model.RunError
	skipped    map[string]bool
}

// NewRunContext returns an empty context for one run.
func NewRunContext(runID, pipeline string) *RunContext {
	return &RunContext{
		RunID:    runID,
		Pipeline: pipeline,
		Entities: NewEntitySet(),
		now:      func() time.Time { return time.Now().UTC() },
		skipped:  map[string]bool{},
	}
}

// Record adds delta to the run counters.
func (rc *RunContext) Record(delta model.Stats) {
	rc.mu.Lock()
	rc.stats = rc.stats.Add(delta)
	rc.mu.Unlock()
}

// AppendError adds an entry to the error log.
func (rc *RunContext) AppendError(stage, itemRef string, kind model.ErrorKind, message string) {
	rc.mu.Lock()
	rc.errors = append(rc.errors, model.RunError{
		Stage:   stage,
		ItemRef: itemRef,
		Kind:    kind,
		Message: message,
		At:      rc.now(),
	})
	rc.mu.Unlock()
}

// AppendErr classifies err and appends it to the error log.
func (rc *RunContext) AppendErr(stage, itemRef string, err error) {
	if err == nil {
		return
	}
	rc.AppendError(stage, itemRef, resilience.Classify(err), err.Error())
}

// AdvanceCheckpoint moves the input cursor forward to offset. It never moves
// backwards.
func (rc *RunContext) AdvanceCheckpoint(offset int) {
	rc.mu.Lock()
	if offset > rc.checkpoint {
		rc.checkpoint = offset
	}
	rc.mu.Unlock()
}

// Checkpoint returns the input cursor.
func (rc *RunContext) Checkpoint() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.checkpoint
}

// Stats returns a copy of the counters.
func (rc *RunContext) Stats() model.Stats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.stats
}

// Errors returns a copy of the error log.
func (rc *RunContext) Errors() []model.RunError {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]model.RunError(nil), rc.errors...)
}

// MarkSkipped records that ref was deliberately left unenriched and already
// counted in ItemsSkipped. It reports false when ref was marked before.
func (rc *RunContext) MarkSkipped(ref string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.skipped[ref] {
		return false
	}
	rc.skipped[ref] = true
	return true
}

// RequestStop asks the run to end at the next batch boundary.
func (rc *RunContext) RequestStop() { rc.stopped.Store(true) }

// ShouldStop reports whether a stop was requested in-process or through the
// configured stop check.
func (rc *RunContext) ShouldStop(ctx context.Context) bool {
	if rc.stopped.Load() {
		return true
	}
	if rc.stopCheck != nil && rc.stopCheck(ctx) {
		rc.stopped.Store(true)
		return true
	}
	return false
}

type snapshot struct {
	RunID    string                `json:"run_id"`
	Offset   int                   `json:"offset"`
	Inline   bool                  `json:"inline,omitempty"`
	RawData  []model.StagingRecord `json:"raw_data,omitempty"`
	Entities *model.EntityBatch    `json:"entities"`
}

// Snapshot serializes the resumable part of the run: input, cursor and drafts.
func (rc *RunContext) Snapshot() ([]byte, error) {
	b, _, err := rc.snapshotWith(nil)
	return b, err
}

// snapshotWith serializes the run as if extra had already been merged and
// returns the offset it recorded. The offset is read before the drafts are
// copied: drafts are merged before the cursor advances, so the snapshot never
// points past drafts it does not contain.
func (rc *RunContext) snapshotWith(extra *model.EntityBatch) ([]byte, int, error) {
	offset := rc.Checkpoint()
	ents := rc.Entities.Batch()
	if extra != nil {
		ents.Repositories = append(ents.Repositories, extra.Repositories...)
		ents.Contributors = append(ents.Contributors, extra.Contributors...)
		ents.MergeRequests = append(ents.MergeRequests, extra.MergeRequests...)
		ents.Commits = append(ents.Commits, extra.Commits...)
	}
	s := snapshot{
		RunID:    rc.RunID,
		Offset:   offset,
		Inline:   rc.inline,
		RawData:  rc.RawData,
		Entities: ents,
	}
	b, err := json.Marshal(s)
	return b, offset, eris.Wrap(err, "pipeline: snapshot")
}

// checkpointRecord builds the persisted checkpoint for pipeline, with extra
// drafts folded in.
func (rc *RunContext) checkpointRecord(pipeline string, extra *model.EntityBatch) (model.Checkpoint, error) {
	snap, offset, err := rc.snapshotWith(extra)
	if err != nil {
		return model.Checkpoint{}, err
	}
	return model.Checkpoint{Pipeline: pipeline, RunID: rc.RunID, Offset: offset, Data: snap}, nil
}

// Restore loads a snapshot produced by Snapshot into an empty context.
func (rc *RunContext) Restore(data []byte) error {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return eris.Wrap(err, "pipeline: restore snapshot")
	}
	rc.RawData = s.RawData
	rc.inline = s.Inline
	rc.Entities = NewEntitySet()
	rc.Entities.Merge(s.Entities)
	rc.mu.Lock()
	rc.checkpoint = s.Offset
	rc.mu.Unlock()
	return nil
}
