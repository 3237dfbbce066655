package ranking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ghpipe/internal/config"
	"github.com/sells-group/ghpipe/internal/model"
)

var calcTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func defaultConfig() config.RankingConfig {
	return config.RankingConfig{Weights: DefaultWeights(), HighStarThreshold: 1000}
}

func byLogin(rows []model.ContributorRanking) map[string]model.ContributorRanking {
	out := make(map[string]model.ContributorRanking, len(rows))
	for _, r := range rows {
		out[r.Login] = r
	}
	return out
}

func tieDataset() *model.RankingDataset {
	return &model.RankingDataset{
		Repositories: []model.Repository{{ID: 1, FullName: "acme/widgets", Stars: 10}},
		Contributors: []model.Contributor{
			{ID: 1, Login: "alice"},
			{ID: 2, Login: "bob"},
			{ID: 3, Login: "carol"},
		},
		Commits: []model.Commit{
			{ID: 1, SHA: "a1", RepositoryID: 1, AuthorID: 1, Additions: 10},
			{ID: 2, SHA: "b1", RepositoryID: 1, AuthorID: 2, Additions: 10},
			{ID: 3, SHA: "c1", RepositoryID: 1, AuthorID: 3, Additions: 2},
		},
	}
}

func TestScore_StandardCompetitionRanking(t *testing.T) {
	rows := Score(tieDataset(), defaultConfig(), calcTime)
	require.Len(t, rows, 3)

	assert.Equal(t, "alice", rows[0].Login)
	assert.Equal(t, "bob", rows[1].Login)
	assert.Equal(t, "carol", rows[2].Login)

	assert.Equal(t, 1, rows[0].RankPosition)
	assert.Equal(t, 1, rows[1].RankPosition)
	assert.Equal(t, 3, rows[2].RankPosition)

	assert.InDelta(t, 51.04, rows[0].TotalScore, 0.001)
	assert.Equal(t, rows[0].TotalScore, rows[1].TotalScore)
	assert.InDelta(t, 35.04, rows[2].TotalScore, 0.001)

	for _, r := range rows {
		assert.Equal(t, calcTime, r.CalculatedAt)
	}
}

func TestScore_SubScores(t *testing.T) {
	rows := byLogin(Score(tieDataset(), defaultConfig(), calcTime))

	alice := rows["alice"].Scores
	assert.InDelta(t, 100, alice.Volume, 0.001)
	assert.InDelta(t, 100, alice.CommitImpact, 0.001)
	assert.InDelta(t, 50, alice.Efficiency, 0.001)
	assert.Zero(t, alice.Collaboration)
	assert.InDelta(t, 10.41, alice.RepoPopularity, 0.001)
	assert.InDelta(t, 100, alice.RepoInfluence, 0.001)
	assert.Zero(t, alice.Followers)
	assert.Zero(t, alice.ProfileCompleteness)

	assert.InDelta(t, 20, rows["carol"].Scores.Volume, 0.001)
}

func TestScore_Deterministic(t *testing.T) {
	ds := tieDataset()
	ds.Contributors[2].Followers = 40
	ds.Contributors[0].Name = "Alice"
	first := Score(ds, defaultConfig(), calcTime)
	second := Score(ds, defaultConfig(), calcTime)
	assert.Equal(t, first, second)
}

func TestScore_ExcludesBotsAndForks(t *testing.T) {
	ds := &model.RankingDataset{
		Repositories: []model.Repository{
			{ID: 1, FullName: "acme/widgets"},
			{ID: 2, FullName: "dave/widgets", IsFork: true},
		},
		Contributors: []model.Contributor{
			{ID: 1, Login: "alice"},
			{ID: 2, Login: "dependabot[bot]"},
			{ID: 3, Login: "dave"},
			{ID: 4, Login: "ci", Type: "Bot"},
		},
		Commits: []model.Commit{
			{ID: 1, SHA: "a", RepositoryID: 1, AuthorID: 1, Additions: 1},
			{ID: 2, SHA: "b", RepositoryID: 1, AuthorID: 2, Additions: 500},
			{ID: 3, SHA: "c", RepositoryID: 2, AuthorID: 3, Additions: 100},
			{ID: 4, SHA: "d", RepositoryID: 1, AuthorID: 4, Additions: 100},
			{ID: 5, SHA: "e", RepositoryID: 2, AuthorID: 1, Additions: 100},
			{ID: 6, SHA: "f", RepositoryID: 1, Additions: 100},
		},
	}
	rows := Score(ds, defaultConfig(), calcTime)
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0].Login)
	assert.Equal(t, 1, rows[0].CommitCount)
	assert.Equal(t, 1, rows[0].LinesAdded)
	assert.Equal(t, 1, rows[0].Repositories)
}

func TestScore_CollaborationAndEfficiency(t *testing.T) {
	ds := &model.RankingDataset{
		Repositories: []model.Repository{{ID: 1, FullName: "acme/widgets"}},
		Contributors: []model.Contributor{
			{ID: 1, Login: "alice"},
			{ID: 2, Login: "bob"},
			{ID: 3, Login: "renovate[bot]"},
		},
		MergeRequests: []model.MergeRequest{
			{ID: 10, Number: 1, RepositoryID: 1, AuthorID: 1, Additions: 8, Deletions: 2},
		},
		Participants: []model.Participant{
			{MergeRequestID: 10, ContributorID: 1, Role: model.RoleAuthor},
			{MergeRequestID: 10, ContributorID: 2, Role: model.RoleReviewer},
			{MergeRequestID: 10, ContributorID: 3, Role: model.RoleReviewer},
		},
		Commits: []model.Commit{
			{ID: 1, SHA: "a", RepositoryID: 1, AuthorID: 1, MergeRequestID: 10, Additions: 8},
		},
	}
	rows := Score(ds, defaultConfig(), calcTime)
	require.Len(t, rows, 1)
	s := rows[0].Scores
	assert.InDelta(t, 42.57, s.Collaboration, 0.001)
	assert.InDelta(t, 75, s.Efficiency, 0.001)
}

func TestScore_SoloWorkHasNoCollaboration(t *testing.T) {
	ds := &model.RankingDataset{
		Repositories:  []model.Repository{{ID: 1}},
		Contributors:  []model.Contributor{{ID: 1, Login: "alice"}},
		MergeRequests: []model.MergeRequest{{ID: 10, RepositoryID: 1, AuthorID: 1}},
		Commits:       []model.Commit{{ID: 1, SHA: "a", RepositoryID: 1, AuthorID: 1, MergeRequestID: 10, Additions: 4}},
	}
	rows := Score(ds, defaultConfig(), calcTime)
	require.Len(t, rows, 1)
	assert.Zero(t, rows[0].Scores.Collaboration)
	assert.Zero(t, rows[0].Scores.Efficiency)
}

func TestProfileCompleteness(t *testing.T) {
	full := &model.Contributor{
		Name: "n", Bio: "b", Company: "c", Location: "l", Blog: "b", Email: "e", Twitter: "t", AvatarURL: "a",
	}
	assert.InDelta(t, 100, profileCompleteness(full), 0.001)
	assert.InDelta(t, 35, profileCompleteness(&model.Contributor{Name: "n", Email: "e"}), 0.001)
	assert.Zero(t, profileCompleteness(&model.Contributor{}))
}

func TestPopularity(t *testing.T) {
	repos := map[int64]*model.Repository{
		1: {ID: 1, Stars: 5000, Forks: 100},
		2: {ID: 2, Stars: 10},
	}
	assert.InDelta(t, 47.17, popularity(map[int64]bool{1: true, 2: true}, repos, 1000), 0.01)
	assert.InDelta(t, 10.4139, popularity(map[int64]bool{2: true}, repos, 1000), 0.001)

	many := map[int64]*model.Repository{}
	contributed := map[int64]bool{}
	for id := int64(1); id <= 10; id++ {
		many[id] = &model.Repository{ID: id, Stars: 2000}
		contributed[id] = true
	}
	assert.InDelta(t, 100, popularity(contributed, many, 1000), 0.001)
}

func TestNormalizeZeroMax(t *testing.T) {
	assert.Zero(t, normalize(0, 0))
	assert.InDelta(t, 50, normalize(5, 10), 0.001)
}

func TestAssignRanks(t *testing.T) {
	rows := []model.ContributorRanking{{TotalScore: 9}, {TotalScore: 9}, {TotalScore: 9}, {TotalScore: 4}, {TotalScore: 3}, {TotalScore: 3}}
	assignRanks(rows)
	got := make([]int, len(rows))
	for i, r := range rows {
		got[i] = r.RankPosition
	}
	assert.Equal(t, []int{1, 1, 1, 4, 5, 5}, got)
}

func TestDefaultWeightsSumToOne(t *testing.T) {
	assert.InDelta(t, 1.0, DefaultWeights().Sum(), 0.0001)
}
