package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/store"
)

var collectAt = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func addRun(t *testing.T, st store.Store, i int, started time.Time, status model.RunStatus, stats model.Stats) {
	t.Helper()
	ctx := context.Background()
	run := &model.RunSummary{RunID: fmt.Sprintf("run-%d", i), PipelineName: "github-sync", StartedAt: started}
	require.NoError(t, st.CreateRun(ctx, run))
	run.Status = status
	run.Stats = stats
	run.CompletedAt = started.Add(time.Minute)
	require.NoError(t, st.CompleteRun(ctx, run))
}

func newCollector(st store.Store, stuckFor time.Duration) *Collector {
	c := NewCollector(st, stuckFor)
	c.now = func() time.Time { return collectAt }
	return c
}

func TestCollector_Collect(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	addRun(t, st, 1, collectAt.Add(-time.Hour), model.RunStatusSuccess, model.Stats{ItemsWritten: 10})
	addRun(t, st, 2, collectAt.Add(-2*time.Hour), model.RunStatusFailed, model.Stats{ItemsFailed: 3})
	addRun(t, st, 3, collectAt.Add(-3*time.Hour), model.RunStatusPartial, model.Stats{ItemsWritten: 4, ItemsFailed: 1})
	addRun(t, st, 4, collectAt.Add(-48*time.Hour), model.RunStatusFailed, model.Stats{})

	_, err := st.InsertStaging(ctx, model.StagingRecord{Source: model.SourceBulk, Payload: json.RawMessage(`{"id":1}`)})
	require.NoError(t, err)

	snap, err := newCollector(st, 0).Collect(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsSuccess)
	assert.Equal(t, 1, snap.RunsPartial)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.InDelta(t, 1.0/3.0, snap.FailureRate, 0.0001)
	assert.Equal(t, 14, snap.ItemsWritten)
	assert.Equal(t, 4, snap.ItemsFailed)
	assert.Equal(t, 1, snap.StagingUnprocessed)
	assert.Equal(t, collectAt, snap.CollectedAt)
	assert.Empty(t, snap.StuckRuns)
}

func TestCollector_StuckRuns(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	ok, err := st.TryAcquire(ctx, "github-sync", "old-run", collectAt.Add(-3*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.TryAcquire(ctx, "contributor-ranking", "fresh-run", collectAt.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	snap, err := newCollector(st, 2*time.Hour).Collect(ctx, 24)
	require.NoError(t, err)
	require.Len(t, snap.StuckRuns, 1)
	assert.Equal(t, "github-sync", snap.StuckRuns[0].Pipeline)
	assert.Equal(t, "old-run", snap.StuckRuns[0].RunID)
}

func TestCollector_EmptyStore(t *testing.T) {
	snap, err := newCollector(newTestStore(t), time.Hour).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.RunsTotal)
	assert.Zero(t, snap.FailureRate)
	assert.Zero(t, snap.StagingUnprocessed)
}
