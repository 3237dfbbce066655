package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ghpipe/internal/resilience"
)

func TestClassifyPayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want payloadShape
	}{
		{"push event", `{"repository": {"id": 1}, "commits": []}`, shapeEvent},
		{"pull request event", `{"action": "opened", "pull_request": {"id": 1}}`, shapeEvent},
		{"repository", `{"id": 1, "full_name": "a/b"}`, shapeRepository},
		{"repository by stars", `{"id": 1, "stargazers_count": 3}`, shapeRepository},
		{"user", `{"id": 1, "login": "octocat"}`, shapeUser},
		{"pull request", `{"id": 1, "number": 2, "title": "x"}`, shapePullRequest},
		{"commit", `{"sha": "abc", "repository_id": 1}`, shapeCommit},
		{"commit with repository", `{"sha": "abc", "repository": {"id": 1}}`, shapeCommit},
		{"null keys ignored", `{"pull_request": null, "login": "octocat", "id": 1}`, shapeUser},
		{"unknown", `{"foo": 1}`, shapeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var keys map[string]json.RawMessage
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &keys))
			assert.Equal(t, tt.want, classifyPayload(keys))
		})
	}
}

func TestDecodePayload_PullRequestWithBaseRepository(t *testing.T) {
	t.Parallel()

	b, warnings, err := decodePayload("raw:0", json.RawMessage(`{
		"id": 500, "number": 7, "title": "Add widgets", "merged_at": "2024-03-01T10:00:00Z",
		"user": {"id": 9, "login": "alice"},
		"requested_reviewers": [{"id": 9, "login": "alice"}, {"id": 10, "login": "bob"}],
		"labels": [{"name": "feature"}],
		"base": {"repo": {"id": 42, "full_name": "acme/widgets"}}
	}`))
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, b.Repositories, 1)
	assert.Equal(t, "acme", b.Repositories[0].Owner)
	assert.Equal(t, "widgets", b.Repositories[0].Name)

	require.Len(t, b.MergeRequests, 1)
	mr := b.MergeRequests[0]
	assert.Equal(t, int64(42), mr.RepoGitHubID)
	assert.True(t, mr.Merged)
	assert.Equal(t, int64(9), mr.AuthorGitHubID)
	assert.Equal(t, []int64{10}, mr.ReviewerGitHubID)
	assert.Equal(t, []string{"feature"}, mr.Labels)
	assert.Len(t, b.Contributors, 2)
}

func TestDecodePayload_RESTCommit(t *testing.T) {
	t.Parallel()

	b, _, err := decodePayload("raw:0", json.RawMessage(`{
		"sha": "abc123", "repository_id": 42,
		"commit": {"message": "fix", "author": {"name": "Alice", "email": "a@example.com", "date": "2024-03-01T10:00:00Z"}},
		"author": {"id": 9, "login": "alice"},
		"stats": {"additions": 7, "deletions": 2, "total": 9}
	}`))
	require.NoError(t, err)
	require.Len(t, b.Commits, 1)
	c := b.Commits[0]
	assert.Equal(t, "abc123", c.SHA)
	assert.Equal(t, "fix", c.Message)
	assert.Equal(t, "Alice", c.AuthorName)
	assert.Equal(t, int64(9), c.AuthorGitHubID)
	assert.Equal(t, 7, c.Additions)
	assert.Equal(t, 2, c.Deletions)
	require.NotNil(t, c.CommittedAt)
	require.Len(t, b.Contributors, 1)
	assert.Equal(t, "alice", b.Contributors[0].Login)
}

func TestDecodePayload_UserWithoutLoginWarns(t *testing.T) {
	t.Parallel()

	b, warnings, err := decodePayload("staging:3", json.RawMessage(`{
		"action": "opened",
		"repository": {"id": 42, "full_name": "acme/widgets"},
		"pull_request": {"id": 500, "number": 7, "user": {"id": 9}, "requested_reviewers": [{"id": 10, "login": "bob"}]},
		"sender": {"id": 9}
	}`))
	require.NoError(t, err)
	require.Len(t, b.Repositories, 1)
	require.Len(t, b.MergeRequests, 1)
	assert.Equal(t, int64(9), b.MergeRequests[0].AuthorGitHubID)
	require.Len(t, b.Contributors, 1)
	assert.Equal(t, "bob", b.Contributors[0].Login)

	require.Len(t, warnings, 1, "one warning per malformed user")
	assert.True(t, resilience.IsValidation(warnings[0]))
	assert.Contains(t, warnings[0].Error(), "staging:3")
	assert.Contains(t, warnings[0].Error(), "user 9 without login")
}

func TestDecodePayload_SenderWithoutLogin(t *testing.T) {
	t.Parallel()

	b, warnings, err := decodePayload("raw:0", json.RawMessage(`{
		"repository": {"id": 42, "full_name": "acme/widgets"},
		"sender": {"id": 9}
	}`))
	require.NoError(t, err)
	assert.Len(t, b.Repositories, 1)
	assert.Empty(t, b.Contributors)
	require.Len(t, warnings, 1)
}

func TestDecodePayload_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{"not an object", `[1, 2]`},
		{"not json", `{nope`},
		{"unclassifiable", `{"foo": 1}`},
		{"repository without id", `{"full_name": "a/b"}`},
		{"user without id", `{"login": "octocat"}`},
		{"pull request without repository", `{"id": 1, "number": 2, "title": "x"}`},
		{"commit without repository", `{"sha": "abc"}`},
		{"wrong field type", `{"id": "one", "full_name": "a/b"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := decodePayload("staging:7", json.RawMessage(tt.raw))
			require.Error(t, err)
			assert.True(t, resilience.IsValidation(err), "want validation error, got %v", err)
			assert.Contains(t, err.Error(), "staging:7")
		})
	}
}
