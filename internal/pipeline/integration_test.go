//go:build integration

package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sells-group/ghpipe/internal/config"
	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/pipeline"
	"github.com/sells-group/ghpipe/internal/ranking"
	"github.com/sells-group/ghpipe/internal/store"
)

const prPayload = `{
	"action": "closed",
	"repository": {"id": 42, "name": "widgets", "full_name": "acme/widgets", "stargazers_count": 10,
		"owner": {"id": 1, "login": "acme", "type": "Organization"}},
	"pull_request": {"id": 700, "number": 7, "title": "Add widgets", "state": "closed",
		"merged_at": "2026-03-01T12:00:00Z", "additions": 12, "deletions": 3,
		"user": {"id": 9, "login": "alice", "type": "User"},
		"requested_reviewers": [{"id": 10, "login": "bob", "type": "User"}]}
}`

const pushPayload = `{
	"repository": {"id": 42, "name": "widgets", "full_name": "acme/widgets",
		"owner": {"id": 1, "login": "acme", "type": "Organization"}},
	"sender": {"id": 9, "login": "alice", "type": "User"},
	"commits": [
		{"id": "aaa", "message": "first", "additions": 10, "deletions": 5,
			"author": {"name": "Alice", "email": "alice@example.com", "username": "alice"}}
	]
}`

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "ghpipe",
			"POSTGRES_PASSWORD": "secret123",
			"POSTGRES_DB":       "ghpipe",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	host, err := pg.Host(ctx)
	require.NoError(t, err)
	port, err := pg.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://ghpipe:secret123@%s:%s/ghpipe?sslmode=disable", host, port.Port())
}

func TestGitHubSyncAndRankingWithPostgres(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewPostgres(ctx, startPostgres(t), nil)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	n, err := st.InsertStagingBatch(ctx, []model.StagingRecord{
		{Source: model.SourceBulk, EventType: "push", Payload: json.RawMessage(pushPayload)},
		{Source: model.SourceBulk, EventType: "pull_request", Payload: json.RawMessage(prPayload)},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	reg := pipeline.NewRegistry(st, pipeline.DefaultStageConfig())
	require.NoError(t, pipeline.RegisterDefaults(reg, pipeline.Deps{Store: st}))
	engine := ranking.NewEngine(st, config.RankingConfig{})
	require.NoError(t, ranking.Register(reg, engine))

	p, err := reg.Build(pipeline.GitHubSyncFast)
	require.NoError(t, err)
	summary, err := p.Run(ctx, pipeline.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, summary.Status)
	assert.Equal(t, 2, summary.Stats.ItemsRead)
	assert.Empty(t, summary.Errors)

	repo, err := st.GetRepository(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "acme/widgets", repo.FullName)

	counts, err := st.CountStaging(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[model.StagingUnprocessed])

	rank, err := reg.Build(ranking.Pipeline)
	require.NoError(t, err)
	rs, err := rank.Run(ctx, pipeline.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, rs.Status)

	rows, err := st.LatestRankings(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, "alice", rows[0].Login)
	assert.Equal(t, 1, rows[0].RankPosition)

	runs, err := st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
