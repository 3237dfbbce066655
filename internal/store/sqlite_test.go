package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ghpipe/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedRepo(t *testing.T, st *SQLiteStore, githubID int64) int64 {
	t.Helper()
	var id int64
	err := st.WithTx(context.Background(), func(tx Tx) error {
		var err error
		id, err = tx.UpsertRepository(context.Background(), &model.Repository{
			GitHubID: githubID, Owner: "acme", Name: "widgets", FullName: "acme/widgets",
			Stars: 10, Enrichment: model.EnrichmentPending,
		})
		return err
	})
	require.NoError(t, err)
	return id
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

// --- Entities ---

func TestSQLite_UpsertContributor_EnrichedNeverRegresses(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx Tx) error {
		_, err := tx.UpsertContributor(ctx, &model.Contributor{
			GitHubID: 7, Login: "octo", Name: "Octo Cat", Bio: "hello", Followers: 12,
			Enrichment: model.EnrichmentEnriched,
		})
		return err
	})
	require.NoError(t, err)

	err = st.WithTx(ctx, func(tx Tx) error {
		_, err := tx.UpsertContributor(ctx, &model.Contributor{
			GitHubID: 7, Login: "octo-renamed", Enrichment: model.EnrichmentPending,
		})
		return err
	})
	require.NoError(t, err)

	got, err := st.GetContributor(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, model.EnrichmentEnriched, got.Enrichment)
	assert.Equal(t, "octo", got.Login)
	assert.Equal(t, "Octo Cat", got.Name)
	assert.Equal(t, "hello", got.Bio)
	assert.Equal(t, 12, got.Followers)
}

func TestSQLite_UpsertContributor_PendingMergesNonEmpty(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, c := range []*model.Contributor{
		{GitHubID: 9, Login: "dev", Company: "Acme", Enrichment: model.EnrichmentPending},
		{GitHubID: 9, Login: "dev", Location: "Berlin", Enrichment: model.EnrichmentPending},
		{GitHubID: 9, Login: "dev", Name: "Dev One", Followers: 3, Enrichment: model.EnrichmentEnriched},
	} {
		err := st.WithTx(ctx, func(tx Tx) error {
			_, err := tx.UpsertContributor(ctx, c)
			return err
		})
		require.NoError(t, err)
	}

	got, err := st.GetContributor(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Company)
	assert.Equal(t, "Berlin", got.Location)
	assert.Equal(t, "Dev One", got.Name)
	assert.Equal(t, 3, got.Followers)
	assert.Equal(t, model.EnrichmentEnriched, got.Enrichment)
}

func TestSQLite_UpsertRepository_SameIDOnRepeat(t *testing.T) {
	st := newTestSQLiteStore(t)
	first := seedRepo(t, st, 42)
	second := seedRepo(t, st, 42)
	assert.Equal(t, first, second)

	counts, err := st.CountEntities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.KindRepository])
}

func TestSQLite_MergeRequestAndCommit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	repoID := seedRepo(t, st, 42)
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	err := st.WithTx(ctx, func(tx Tx) error {
		authorID, err := tx.UpsertContributor(ctx, &model.Contributor{GitHubID: 1, Login: "alice"})
		if err != nil {
			return err
		}
		reviewerID, err := tx.UpsertContributor(ctx, &model.Contributor{GitHubID: 2, Login: "bob"})
		if err != nil {
			return err
		}
		mr := &model.MergeRequest{
			GitHubID: 500, Number: 3, RepositoryID: repoID, AuthorID: authorID,
			Title: "Add widgets", State: "closed", Merged: true, CreatedAt: &created,
			Additions: 30, Deletions: 5, Labels: []string{"feature"},
		}
		mrID, err := tx.UpsertMergeRequest(ctx, mr)
		if err != nil {
			return err
		}
		if err := tx.AddParticipant(ctx, mrID, authorID, model.RoleAuthor); err != nil {
			return err
		}
		if err := tx.AddParticipant(ctx, mrID, reviewerID, model.RoleReviewer); err != nil {
			return err
		}
		if err := tx.AddParticipant(ctx, mrID, reviewerID, model.RoleReviewer); err != nil {
			return err
		}
		resolved, err := tx.ResolveMergeRequest(ctx, repoID, 3)
		if err != nil {
			return err
		}
		_, err = tx.UpsertCommit(ctx, &model.Commit{
			SHA: "abc123", RepositoryID: repoID, AuthorID: authorID, MergeRequestID: resolved,
			Message: "widgets", Additions: 30, Deletions: 5, CommittedAt: &created,
		})
		if err != nil {
			return err
		}
		if err := tx.RefreshContribution(ctx, repoID, authorID); err != nil {
			return err
		}
		return tx.RefreshContribution(ctx, repoID, reviewerID)
	})
	require.NoError(t, err)

	mr, err := st.GetMergeRequest(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(42), mr.RepoGitHubID)
	assert.Equal(t, "acme/widgets", mr.RepoFullName)
	assert.Equal(t, int64(1), mr.AuthorGitHubID)
	assert.Equal(t, []string{"feature"}, mr.Labels)
	require.NotNil(t, mr.CreatedAt)
	assert.True(t, created.Equal(*mr.CreatedAt))
	assert.Nil(t, mr.MergedAt)

	c, err := st.GetCommit(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, 3, c.MergeRequestNumber)
	assert.Equal(t, 35, c.LinesChanged())

	authorSummary, err := st.GetContribution(ctx, repoID, mr.AuthorID)
	require.NoError(t, err)
	assert.Equal(t, 1, authorSummary.CommitCount)
	assert.Equal(t, 1, authorSummary.MergeRequestCount)
	assert.Equal(t, 0, authorSummary.ReviewCount)

	ds, err := st.LoadRankingDataset(ctx)
	require.NoError(t, err)
	assert.Len(t, ds.Contributors, 2)
	assert.Len(t, ds.MergeRequests, 1)
	assert.Len(t, ds.Commits, 1)
	assert.Len(t, ds.Participants, 2)
}

func TestSQLite_UpsertMergeRequest_RequiresRepository(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.WithTx(context.Background(), func(tx Tx) error {
		_, err := tx.UpsertMergeRequest(context.Background(), &model.MergeRequest{GitHubID: 1, Number: 1})
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no resolved repository")
}

func TestSQLite_GetRepository_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetRepository(context.Background(), 404)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ResolveMissing(t *testing.T) {
	st := newTestSQLiteStore(t)
	err := st.WithTx(context.Background(), func(tx Tx) error {
		_, err := tx.ResolveContributor(context.Background(), 99)
		return err
	})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLite_ListPending(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedRepo(t, st, 42)
	err := st.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.UpsertContributor(ctx, &model.Contributor{GitHubID: 1, Login: "a", Enrichment: model.EnrichmentEnriched}); err != nil {
			return err
		}
		_, err := tx.UpsertContributor(ctx, &model.Contributor{GitHubID: 2, Login: "b"})
		return err
	})
	require.NoError(t, err)

	batch, err := st.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch.Repositories, 1)
	require.Len(t, batch.Contributors, 1)
	assert.Equal(t, "b", batch.Contributors[0].Login)
	assert.Equal(t, 2, batch.Len())
}

func TestSQLite_WithTx_RollsBack(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.UpsertContributor(ctx, &model.Contributor{GitHubID: 5, Login: "gone"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = st.GetContributor(ctx, 5)
	assert.True(t, errors.Is(err, ErrNotFound))
}

// --- Staging ---

func TestSQLite_Staging_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := st.InsertStaging(ctx, model.StagingRecord{
		Source: model.SourceWebhook, EventType: "push", DeliveryID: "d-1", Payload: []byte(`{"a":1}`),
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	dup, err := st.InsertStaging(ctx, model.StagingRecord{
		Source: model.SourceWebhook, DeliveryID: "d-1", Payload: []byte(`{"a":2}`),
	})
	require.NoError(t, err)
	assert.Zero(t, dup)

	n, err := st.InsertStagingBatch(ctx, []model.StagingRecord{
		{Source: model.SourceBulk, Payload: []byte(`{"b":1}`)},
		{Source: model.SourceBulk, Payload: []byte(`{"b":2}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	recs, err := st.ListUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, id, recs[0].ID)
	assert.JSONEq(t, `{"a":1}`, string(recs[0].Payload))
	assert.Equal(t, model.StagingUnprocessed, recs[0].State)

	err = st.WithTx(ctx, func(tx Tx) error {
		flipped, err := tx.MarkStagingProcessed(ctx, []int64{recs[0].ID, recs[1].ID})
		assert.Equal(t, int64(2), flipped)
		return err
	})
	require.NoError(t, err)

	err = st.WithTx(ctx, func(tx Tx) error {
		flipped, err := tx.MarkStagingProcessed(ctx, []int64{recs[0].ID})
		assert.Zero(t, flipped)
		return err
	})
	require.NoError(t, err)

	counts, err := st.CountStaging(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.StagingProcessed])
	assert.Equal(t, 1, counts[model.StagingUnprocessed])

	left, err := st.ListUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, recs[2].ID, left[0].ID)
}

func TestSQLite_Staging_EmptyPayload(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.InsertStaging(context.Background(), model.StagingRecord{Source: model.SourceBulk})
	require.Error(t, err)
}

// --- Checkpoint ---

func TestSQLite_Checkpoint_SaveLoadDelete(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	cp, err := st.LoadCheckpoint(ctx, "github-sync")
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, st.SaveCheckpoint(ctx, model.Checkpoint{Pipeline: "github-sync", RunID: "r1", Offset: 2, Data: []byte(`{"x":1}`)}))
	err = st.WithTx(ctx, func(tx Tx) error {
		return tx.SaveCheckpoint(ctx, model.Checkpoint{Pipeline: "github-sync", RunID: "r1", Offset: 4, Data: []byte(`{"x":2}`)})
	})
	require.NoError(t, err)

	cp, err = st.LoadCheckpoint(ctx, "github-sync")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "r1", cp.RunID)
	assert.Equal(t, 4, cp.Offset)
	assert.JSONEq(t, `{"x":2}`, string(cp.Data))

	require.NoError(t, st.DeleteCheckpoint(ctx, "github-sync"))
	cp, err = st.LoadCheckpoint(ctx, "github-sync")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

// --- Runs ---

func TestSQLite_Runs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	run := &model.RunSummary{RunID: "run-1", PipelineName: "github-sync", StartedAt: start}
	require.NoError(t, st.CreateRun(ctx, run))
	assert.Equal(t, model.RunStatusRunning, run.Status)

	none, err := st.LastCompletedRun(ctx, "github-sync")
	require.NoError(t, err)
	assert.Nil(t, none)

	run.Status = model.RunStatusPartial
	run.CompletedAt = start.Add(time.Minute)
	run.Stats = model.Stats{ItemsRead: 3, ItemsWritten: 2, ItemsSkipped: 1}
	run.Errors = []model.RunError{{Stage: "extract", Kind: model.ErrorKindValidation, Message: "bad", At: start}}
	run.Stages = []model.StageResult{{Name: "extract", Status: model.StageStatusComplete, Batches: 1}}
	require.NoError(t, st.CompleteRun(ctx, run))

	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, got.Status)
	assert.Equal(t, 2, got.Stats.ItemsWritten)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, model.ErrorKindValidation, got.Errors[0].Kind)
	require.Len(t, got.Stages, 1)
	assert.True(t, run.CompletedAt.Equal(got.CompletedAt))

	require.NoError(t, st.CreateRun(ctx, &model.RunSummary{RunID: "run-2", PipelineName: "contributor-ranking", StartedAt: start.Add(time.Hour)}))

	all, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "run-2", all[0].RunID)

	filtered, err := st.ListRuns(ctx, RunFilter{Pipeline: "github-sync", Status: model.RunStatusPartial})
	require.NoError(t, err)
	require.Len(t, filtered, 1)

	last, err := st.LastCompletedRun(ctx, "github-sync")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "run-1", last.RunID)

	err = st.CompleteRun(ctx, &model.RunSummary{RunID: "missing", Status: model.RunStatusFailed})
	assert.True(t, errors.Is(err, ErrNotFound))
}

// --- Status ---

func TestSQLite_SingleFlight(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	ok, err := st.TryAcquire(ctx, "github-sync", "run-a", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.TryAcquire(ctx, "github-sync", "run-b", now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.TryAcquire(ctx, "enrich-backfill", "run-c", now)
	require.NoError(t, err)
	assert.True(t, ok, "other pipelines are independent")

	stopped, err := st.RequestStop(ctx, "github-sync", now)
	require.NoError(t, err)
	assert.True(t, stopped)
	requested, err := st.StopRequested(ctx, "github-sync")
	require.NoError(t, err)
	assert.True(t, requested)

	require.NoError(t, st.Release(ctx, "github-sync", "run-b", model.RunStatusSuccess, now))
	status, err := st.GetStatus(ctx, "github-sync")
	require.NoError(t, err)
	assert.True(t, status.IsRunning, "release by a non-owner is ignored")

	require.NoError(t, st.Release(ctx, "github-sync", "run-a", model.RunStatusPartial, now))
	status, err = st.GetStatus(ctx, "github-sync")
	require.NoError(t, err)
	assert.False(t, status.IsRunning)
	assert.False(t, status.StopRequested)
	assert.Equal(t, model.RunStatusPartial, status.LastStatus)

	stopped, err = st.RequestStop(ctx, "github-sync", now)
	require.NoError(t, err)
	assert.False(t, stopped)

	ok, err = st.TryAcquire(ctx, "github-sync", "run-d", now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLite_ResetStale(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, st.CreateRun(ctx, &model.RunSummary{RunID: "stuck", PipelineName: "github-sync", StartedAt: now}))
	ok, err := st.TryAcquire(ctx, "github-sync", "stuck", now)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := st.ResetStale(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run, err := st.GetRun(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)

	require.NoError(t, st.SetNextRun(ctx, "github-sync", now.Add(2*time.Hour)))
	require.NoError(t, st.SetNextRun(ctx, "contributor-ranking", now.Add(24*time.Hour)))
	statuses, err := st.ListStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "contributor-ranking", statuses[0].Pipeline)
	require.NotNil(t, statuses[1].NextRunAt)
	assert.True(t, now.Add(2*time.Hour).Equal(*statuses[1].NextRunAt))
}

func TestSQLite_ResetStale_LeavesUnflaggedRunsAlone(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, st.CreateRun(ctx, &model.RunSummary{RunID: "stuck", PipelineName: "github-sync", StartedAt: now}))
	ok, err := st.TryAcquire(ctx, "github-sync", "stuck", now)
	require.NoError(t, err)
	require.True(t, ok)

	// Started by another process whose lock lives outside pipeline_status.
	require.NoError(t, st.CreateRun(ctx, &model.RunSummary{RunID: "live", PipelineName: "contributor-ranking", StartedAt: now}))

	n, err := st.ResetStale(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stuck, err := st.GetRun(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, stuck.Status)

	live, err := st.GetRun(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, live.Status)
	assert.True(t, live.CompletedAt.IsZero())
}

// --- Rankings ---

func TestSQLite_Rankings_LatestSnapshot(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	var aliceID, bobID int64
	err := st.WithTx(ctx, func(tx Tx) error {
		var err error
		if aliceID, err = tx.UpsertContributor(ctx, &model.Contributor{GitHubID: 1, Login: "alice"}); err != nil {
			return err
		}
		bobID, err = tx.UpsertContributor(ctx, &model.Contributor{GitHubID: 2, Login: "bob"})
		return err
	})
	require.NoError(t, err)

	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(24 * time.Hour)
	require.NoError(t, st.SaveRankingSnapshot(ctx, []model.ContributorRanking{
		{ContributorID: aliceID, Login: "alice", CalculatedAt: older, TotalScore: 10, RankPosition: 1},
	}))
	require.NoError(t, st.SaveRankingSnapshot(ctx, []model.ContributorRanking{
		{ContributorID: bobID, Login: "bob", CalculatedAt: newer, TotalScore: 80.5, RankPosition: 1, Scores: model.SubScores{Volume: 50}},
		{ContributorID: aliceID, Login: "alice", CalculatedAt: newer, TotalScore: 40, RankPosition: 2},
	}))

	latest, err := st.LatestRankings(ctx, 10)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "bob", latest[0].Login)
	assert.Equal(t, 50.0, latest[0].Scores.Volume)
	assert.True(t, newer.Equal(latest[0].CalculatedAt))

	old, err := st.RankingsAt(ctx, older, 10)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "alice", old[0].Login)

	times, err := st.ListSnapshotTimes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, times, 2)
	assert.True(t, newer.Equal(times[0]))
}

func TestSQLite_Rankings_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)
	latest, err := st.LatestRankings(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, latest)
}
