// Package store persists staging rows, GitHub entities, run history,
// single-flight status and ranking snapshots in SQLite or PostgreSQL.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ghpipe/internal/model"
)

// ErrNotFound is returned when a lookup by identifier matches no row.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Pipeline string          `json:"pipeline,omitempty"`
	Status   model.RunStatus `json:"status,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// Tx is the write surface available inside one batch transaction. Every
// method either runs in the transaction or the whole batch is rolled back.
type Tx interface {
	UpsertRepository(ctx context.Context, r *model.Repository) (int64, error)
	UpsertContributor(ctx context.Context, c *model.Contributor) (int64, error)
	UpsertMergeRequest(ctx context.Context, m *model.MergeRequest) (int64, error)
	UpsertCommit(ctx context.Context, c *model.Commit) (int64, error)
	AddParticipant(ctx context.Context, mergeRequestID, contributorID int64, role model.ParticipantRole) error
	RefreshContribution(ctx context.Context, repositoryID, contributorID int64) error

	ResolveRepository(ctx context.Context, githubID int64) (int64, error)
	ResolveContributor(ctx context.Context, githubID int64) (int64, error)
	ResolveMergeRequest(ctx context.Context, repositoryID int64, number int) (int64, error)

	MarkStagingProcessed(ctx context.Context, ids []int64) (int64, error)
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
}

// Store defines the persistence interface for the pipeline, scheduler and ranking engine.
type Store interface {
	// Transactions
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Staging
	InsertStaging(ctx context.Context, rec model.StagingRecord) (int64, error)
	InsertStagingBatch(ctx context.Context, recs []model.StagingRecord) (int64, error)
	ListUnprocessed(ctx context.Context, limit int) ([]model.StagingRecord, error)
	CountStaging(ctx context.Context) (map[model.StagingState]int, error)

	// Entities
	GetRepository(ctx context.Context, githubID int64) (*model.Repository, error)
	GetContributor(ctx context.Context, githubID int64) (*model.Contributor, error)
	GetMergeRequest(ctx context.Context, githubID int64) (*model.MergeRequest, error)
	GetCommit(ctx context.Context, sha string) (*model.Commit, error)
	GetContribution(ctx context.Context, repositoryID, contributorID int64) (*model.ContributionSummary, error)
	CountEntities(ctx context.Context) (map[model.EntityKind]int, error)
	ListPending(ctx context.Context, limit int) (*model.EntityBatch, error)

	// Checkpoints
	LoadCheckpoint(ctx context.Context, pipeline string) (*model.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error
	DeleteCheckpoint(ctx context.Context, pipeline string) error

	// Run history
	CreateRun(ctx context.Context, run *model.RunSummary) error
	CompleteRun(ctx context.Context, run *model.RunSummary) error
	GetRun(ctx context.Context, runID string) (*model.RunSummary, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.RunSummary, error)
	LastCompletedRun(ctx context.Context, pipeline string) (*model.RunSummary, error)

	// Single-flight status
	TryAcquire(ctx context.Context, pipeline, runID string, now time.Time) (bool, error)
	Release(ctx context.Context, pipeline, runID string, status model.RunStatus, now time.Time) error
	RequestStop(ctx context.Context, pipeline string, now time.Time) (bool, error)
	StopRequested(ctx context.Context, pipeline string) (bool, error)
	ResetStale(ctx context.Context, now time.Time) (int, error)
	SetNextRun(ctx context.Context, pipeline string, next time.Time) error
	GetStatus(ctx context.Context, pipeline string) (*model.PipelineStatus, error)
	ListStatuses(ctx context.Context) ([]model.PipelineStatus, error)

	// Rankings
	LoadRankingDataset(ctx context.Context) (*model.RankingDataset, error)
	SaveRankingSnapshot(ctx context.Context, rows []model.ContributorRanking) error
	LatestRankings(ctx context.Context, limit int) ([]model.ContributorRanking, error)
	RankingsAt(ctx context.Context, at time.Time, limit int) ([]model.ContributorRanking, error)
	ListSnapshotTimes(ctx context.Context, limit int) ([]time.Time, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
