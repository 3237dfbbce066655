package model

import "time"

// SubScores are the eight normalized components of a contributor's total score.
type SubScores struct {
	Volume              float64 `json:"volume"`
	CommitImpact        float64 `json:"commit_impact"`
	Efficiency          float64 `json:"efficiency"`
	Collaboration       float64 `json:"collaboration"`
	RepoPopularity      float64 `json:"repo_popularity"`
	RepoInfluence       float64 `json:"repo_influence"`
	Followers           float64 `json:"followers"`
	ProfileCompleteness float64 `json:"profile_completeness"`
}

// ContributorRanking is one immutable row of a ranking snapshot.
type ContributorRanking struct {
	ContributorID int64     `json:"contributor_id"`
	Login         string    `json:"login"`
	CalculatedAt  time.Time `json:"calculated_at"`

	CommitCount  int `json:"commit_count"`
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
	Repositories int `json:"repositories"`
	Followers    int `json:"followers"`

	Scores       SubScores `json:"scores"`
	TotalScore   float64   `json:"total_score"`
	RankPosition int       `json:"rank_position"`
}

// LinesChanged is lines added plus removed.
func (r ContributorRanking) LinesChanged() int { return r.LinesAdded + r.LinesRemoved }

// Participant links a contributor to a merge request they authored or reviewed.
type Participant struct {
	MergeRequestID int64           `json:"merge_request_id"`
	ContributorID  int64           `json:"contributor_id"`
	Role           ParticipantRole `json:"role"`
}

// RankingDataset is the persisted state the ranking engine scores.
type RankingDataset struct {
	Contributors  []Contributor
	Repositories  []Repository
	MergeRequests []MergeRequest
	Commits       []Commit
	Participants  []Participant
}
