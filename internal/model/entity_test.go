package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnrichmentStateMerge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		stored, incoming, want EnrichmentState
	}{
		{EnrichmentPending, EnrichmentPending, EnrichmentPending},
		{EnrichmentPending, EnrichmentEnriched, EnrichmentEnriched},
		{EnrichmentEnriched, EnrichmentPending, EnrichmentEnriched},
		{EnrichmentEnriched, EnrichmentEnriched, EnrichmentEnriched},
	}

	for _, tt := range tests {
		t.Run(string(tt.stored)+"_"+string(tt.incoming), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.stored.Merge(tt.incoming))
		})
	}
}

func TestContributorIsBot(t *testing.T) {
	t.Parallel()

	assert.True(t, (&Contributor{Login: "dependabot[bot]"}).IsBot())
	assert.True(t, (&Contributor{Login: "renovate-bot"}).IsBot())
	assert.True(t, (&Contributor{Login: "ci", Type: "Bot"}).IsBot())
	assert.False(t, (&Contributor{Login: "octocat", Type: "User"}).IsBot())
	assert.False(t, (&Contributor{Login: "robotics"}).IsBot())
}

func TestStatsAdd(t *testing.T) {
	t.Parallel()

	s := Stats{ItemsRead: 2, ItemsWritten: 1}
	got := s.Add(Stats{ItemsRead: 3, ItemsSkipped: 1, ItemsFailed: 4})
	assert.Equal(t, Stats{ItemsRead: 5, ItemsWritten: 1, ItemsSkipped: 1, ItemsFailed: 4}, got)
}

func TestKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "42", (&Repository{GitHubID: 42}).Key())
	assert.Equal(t, "7", (&Contributor{GitHubID: 7}).Key())
	assert.Equal(t, "99", (&MergeRequest{GitHubID: 99}).Key())
	assert.Equal(t, "abc", (&Commit{SHA: "abc"}).Key())
	assert.Equal(t, 15, (&Commit{Additions: 10, Deletions: 5}).LinesChanged())
}
