package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/store"
	"github.com/sells-group/ghpipe/pkg/github"
)

// --- GitHub Mock ---

type mockGitHub struct {
	mock.Mock
}

func (m *mockGitHub) Repository(ctx context.Context, id int64) (*github.Repo, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*github.Repo), args.Error(1)
}

func (m *mockGitHub) User(ctx context.Context, id int64) (*github.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*github.User), args.Error(1)
}

func (m *mockGitHub) PullRequest(ctx context.Context, fullName string, number int) (*github.PullRequest, error) {
	args := m.Called(ctx, fullName, number)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*github.PullRequest), args.Error(1)
}

func (m *mockGitHub) Commit(ctx context.Context, fullName, sha string) (*github.Commit, error) {
	args := m.Called(ctx, fullName, sha)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*github.Commit), args.Error(1)
}

// --- Stub stage ---

type stubStage struct {
	name  string
	err   error
	calls int
}

func (s *stubStage) Name() string                { return s.name }
func (s *stubStage) Validate(_ *RunContext) error { return nil }

func (s *stubStage) Execute(_ context.Context, rc *RunContext, _ StageConfig) (model.StageResult, error) {
	s.calls++
	rc.Record(model.Stats{ItemsRead: 1})
	return model.StageResult{Name: s.name}, s.err
}

// --- Helpers ---

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func fastStageConfig() StageConfig {
	cfg := DefaultStageConfig()
	cfg.RetryCount = 1
	cfg.Backoff.InitialBackoff = time.Millisecond
	cfg.Backoff.MaxBackoff = 2 * time.Millisecond
	return cfg
}

func newTestRegistry(t *testing.T, st store.Store, gh github.Client) *Registry {
	t.Helper()
	reg := NewRegistry(st, fastStageConfig())
	require.NoError(t, RegisterDefaults(reg, Deps{Store: st, GitHub: gh}))
	return reg
}

func stage(t *testing.T, st store.Store, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		_, err := st.InsertStaging(context.Background(), model.StagingRecord{
			Source:  model.SourceBulk,
			Payload: json.RawMessage(p),
		})
		require.NoError(t, err)
	}
}

func inline(payloads ...string) []model.StagingRecord {
	out := make([]model.StagingRecord, len(payloads))
	for i, p := range payloads {
		out[i] = model.StagingRecord{Source: model.SourceBulk, Payload: json.RawMessage(p)}
	}
	return out
}

const pushPayload = `{
	"repository": {"id": 42, "name": "widgets", "full_name": "acme/widgets",
		"owner": {"id": 1, "login": "acme", "type": "Organization"}},
	"sender": {"id": 9, "login": "alice", "type": "User"},
	"commits": [
		{"id": "aaa", "message": "first", "additions": 10, "deletions": 5,
			"author": {"name": "Alice", "email": "alice@example.com", "username": "alice"}},
		{"id": "bbb", "message": "second", "additions": 3, "deletions": 2}
	]
}`
