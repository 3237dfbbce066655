package pipeline

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/resilience"
	"github.com/sells-group/ghpipe/internal/store"
)

// Extractor turns raw payloads into entity drafts. Staging rows are flipped
// to processed in the same transaction that checkpoints the drafts.
type Extractor struct {
	store        store.Store
	stagingLimit int
}

// NewExtractor returns an extract stage reading at most stagingLimit
// unprocessed staging rows per run.
func NewExtractor(st store.Store, stagingLimit int) *Extractor {
	if stagingLimit <= 0 {
		stagingLimit = 500
	}
	return &Extractor{store: st, stagingLimit: stagingLimit}
}

// Name implements Stage.
func (e *Extractor) Name() string { return "extract" }

// Validate implements Stage.
func (e *Extractor) Validate(_ *RunContext) error {
	if e.store == nil {
		return resilience.Fatalf("pipeline: extract stage has no store")
	}
	return nil
}

// Execute implements Stage.
func (e *Extractor) Execute(ctx context.Context, rc *RunContext, cfg StageConfig) (model.StageResult, error) {
	res := model.StageResult{Name: e.Name(), Status: model.StageStatusComplete}

	base := rc.Checkpoint()
	if !rc.inline && base >= len(rc.RawData) {
		if err := e.loadStaging(ctx, rc); err != nil {
			return res, err
		}
	}
	input := rc.RawData[min(base, len(rc.RawData)):]
	if len(input) == 0 {
		zap.L().Info("pipeline: nothing to extract", zap.String("run_id", rc.RunID))
		return res, nil
	}

	report, err := RunBatches(ctx, rc, e.Name(), cfg, len(input), func(ctx context.Context, start, end int) error {
		return e.extractBatch(ctx, rc, base+start, input[start:end])
	}, func(done int) {
		rc.AdvanceCheckpoint(base + done)
	})
	res.Batches = report.Batches
	if err != nil {
		return res, err
	}

	if err := e.saveCheckpoint(ctx, rc); err != nil {
		rc.AppendErr(e.Name(), "checkpoint", err)
	}
	return res, nil
}

// loadStaging appends unprocessed staging rows not already in RawData.
func (e *Extractor) loadStaging(ctx context.Context, rc *RunContext) error {
	recs, err := e.store.ListUnprocessed(ctx, e.stagingLimit)
	if err != nil {
		return resilience.NewPersistenceError("load staging", err)
	}
	seen := make(map[int64]bool, len(rc.RawData))
	for _, r := range rc.RawData {
		if r.ID > 0 {
			seen[r.ID] = true
		}
	}
	added := 0
	for _, r := range recs {
		if seen[r.ID] {
			continue
		}
		rc.RawData = append(rc.RawData, r)
		added++
	}
	zap.L().Info("pipeline: loaded staging rows",
		zap.String("run_id", rc.RunID),
		zap.Int("rows", added),
	)
	return nil
}

func (e *Extractor) extractBatch(ctx context.Context, rc *RunContext, offset int, recs []model.StagingRecord) error {
	drafts := &model.EntityBatch{}
	var (
		ids      []int64
		invalid  []error
		refs     []string
		warnings []error
		warnRefs []string
	)
	for i, rec := range recs {
		ref := stagingRef(rec, offset+i)
		b, warns, err := decodePayload(ref, rec.Payload)
		if err != nil {
			invalid = append(invalid, err)
			refs = append(refs, ref)
		} else {
			for _, w := range warns {
				warnings = append(warnings, w)
				warnRefs = append(warnRefs, ref)
			}
			drafts.Repositories = append(drafts.Repositories, b.Repositories...)
			drafts.Contributors = append(drafts.Contributors, b.Contributors...)
			drafts.MergeRequests = append(drafts.MergeRequests, b.MergeRequests...)
			drafts.Commits = append(drafts.Commits, b.Commits...)
		}
		if rec.ID > 0 {
			ids = append(ids, rec.ID)
		}
	}

	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		if len(ids) > 0 {
			if _, err := tx.MarkStagingProcessed(ctx, ids); err != nil {
				return err
			}
		}
		cp, err := rc.checkpointRecord(rc.Pipeline, drafts)
		if err != nil {
			return err
		}
		return tx.SaveCheckpoint(ctx, cp)
	})
	if err != nil {
		return resilience.NewPersistenceError("extract batch", err)
	}

	rc.Entities.Merge(drafts)
	rc.Record(model.Stats{ItemsRead: len(recs), ItemsSkipped: len(invalid)})
	for i, verr := range invalid {
		rc.AppendErr(e.Name(), refs[i], verr)
	}
	for i, w := range warnings {
		rc.AppendErr(e.Name(), warnRefs[i], w)
	}
	return nil
}

func (e *Extractor) saveCheckpoint(ctx context.Context, rc *RunContext) error {
	cp, err := rc.checkpointRecord(rc.Pipeline, nil)
	if err != nil {
		return err
	}
	return e.store.SaveCheckpoint(ctx, cp)
}

func stagingRef(rec model.StagingRecord, index int) string {
	if rec.ID > 0 {
		return "staging:" + strconv.FormatInt(rec.ID, 10)
	}
	return "raw:" + strconv.Itoa(index)
}
