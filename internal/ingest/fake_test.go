package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/sells-group/ghpipe/internal/model"
)

type fakeStaging struct {
	mu        sync.Mutex
	rows      []model.StagingRecord
	batches   int
	seen      map[string]bool
	failTimes int
}

func newFakeStaging() *fakeStaging { return &fakeStaging{seen: map[string]bool{}} }

func (f *fakeStaging) InsertStaging(_ context.Context, rec model.StagingRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTimes > 0 {
		f.failTimes--
		return 0, errors.New("connection reset")
	}
	if rec.DeliveryID != "" {
		if f.seen[rec.DeliveryID] {
			return 0, nil
		}
		f.seen[rec.DeliveryID] = true
	}
	f.rows = append(f.rows, rec)
	return int64(len(f.rows)), nil
}

func (f *fakeStaging) InsertStagingBatch(_ context.Context, recs []model.StagingRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	f.rows = append(f.rows, recs...)
	return int64(len(recs)), nil
}

func (f *fakeStaging) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}
