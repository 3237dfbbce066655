package model

import (
	"strconv"
	"strings"
	"time"
)

// EnrichmentState tracks whether an entity has been completed by supplemental lookups.
// The only legal transition is pending -> enriched.
type EnrichmentState string

const (
	EnrichmentPending  EnrichmentState = "pending"
	EnrichmentEnriched EnrichmentState = "enriched"
)

// IsEnriched reports whether the state is terminal.
func (s EnrichmentState) IsEnriched() bool { return s == EnrichmentEnriched }

// Merge returns the state an entity ends up in when a stored state meets an
// incoming one. Enriched never regresses.
func (s EnrichmentState) Merge(incoming EnrichmentState) EnrichmentState {
	if s == EnrichmentEnriched || incoming == EnrichmentEnriched {
		return EnrichmentEnriched
	}
	return EnrichmentPending
}

// EntityKind names one of the four entity variants.
type EntityKind string

const (
	KindRepository   EntityKind = "repository"
	KindContributor  EntityKind = "contributor"
	KindMergeRequest EntityKind = "merge_request"
	KindCommit       EntityKind = "commit"
)

// PersistOrder is the dependency order parents-before-children.
var PersistOrder = []EntityKind{KindRepository, KindContributor, KindMergeRequest, KindCommit}

// Repository is a GitHub repository draft or persisted row.
type Repository struct {
	ID            int64           `json:"id,omitempty"`
	GitHubID      int64           `json:"github_id"`
	Owner         string          `json:"owner"`
	Name          string          `json:"name"`
	FullName      string          `json:"full_name"`
	Description   string          `json:"description,omitempty"`
	HTMLURL       string          `json:"html_url,omitempty"`
	Language      string          `json:"language,omitempty"`
	Stars         int             `json:"stars"`
	Forks         int             `json:"forks"`
	IsFork        bool            `json:"is_fork"`
	Watchers      int             `json:"watchers,omitempty"`
	OpenIssues    int             `json:"open_issues,omitempty"`
	DefaultBranch string          `json:"default_branch,omitempty"`
	Topics        []string        `json:"topics,omitempty"`
	CreatedAt     *time.Time      `json:"created_at,omitempty"`
	Enrichment    EnrichmentState `json:"enrichment"`
}

// Key returns the external identifier as a string.
func (r *Repository) Key() string { return strconv.FormatInt(r.GitHubID, 10) }

// Contributor is a GitHub user draft or persisted row.
type Contributor struct {
	ID          int64           `json:"id,omitempty"`
	GitHubID    int64           `json:"github_id"`
	Login       string          `json:"login"`
	Type        string          `json:"type,omitempty"`
	AvatarURL   string          `json:"avatar_url,omitempty"`
	Name        string          `json:"name,omitempty"`
	Email       string          `json:"email,omitempty"`
	Bio         string          `json:"bio,omitempty"`
	Company     string          `json:"company,omitempty"`
	Location    string          `json:"location,omitempty"`
	Blog        string          `json:"blog,omitempty"`
	Twitter     string          `json:"twitter,omitempty"`
	Followers   int             `json:"followers"`
	Following   int             `json:"following,omitempty"`
	PublicRepos int             `json:"public_repos,omitempty"`
	Enrichment  EnrichmentState `json:"enrichment"`
}

// Key returns the external identifier as a string.
func (c *Contributor) Key() string { return strconv.FormatInt(c.GitHubID, 10) }

// IsBot reports whether the account is an automation account.
func (c *Contributor) IsBot() bool {
	return IsBotLogin(c.Login) || strings.EqualFold(c.Type, "Bot")
}

// IsBotLogin matches the naming conventions GitHub apps and bot accounts use.
func IsBotLogin(login string) bool {
	l := strings.ToLower(login)
	return strings.HasSuffix(l, "[bot]") || strings.HasSuffix(l, "-bot")
}

// MergeRequest is a pull request draft or persisted row.
type MergeRequest struct {
	ID               int64           `json:"id,omitempty"`
	GitHubID         int64           `json:"github_id"`
	Number           int             `json:"number"`
	RepoGitHubID     int64           `json:"repo_github_id"`
	RepoFullName     string          `json:"repo_full_name,omitempty"`
	AuthorGitHubID   int64           `json:"author_github_id,omitempty"`
	ReviewerGitHubID []int64         `json:"reviewer_github_ids,omitempty"`
	Title            string          `json:"title"`
	State            string          `json:"state"`
	Merged           bool            `json:"merged"`
	CreatedAt        *time.Time      `json:"created_at,omitempty"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty"`
	MergedAt         *time.Time      `json:"merged_at,omitempty"`
	Additions        int             `json:"additions"`
	Deletions        int             `json:"deletions"`
	ChangedFiles     int             `json:"changed_files,omitempty"`
	CommitCount      int             `json:"commit_count,omitempty"`
	Labels           []string        `json:"labels,omitempty"`
	Enrichment       EnrichmentState `json:"enrichment"`

	// Resolved at persistence time.
	RepositoryID int64 `json:"repository_id,omitempty"`
	AuthorID     int64 `json:"author_id,omitempty"`
}

// Key returns the external identifier as a string.
func (m *MergeRequest) Key() string { return strconv.FormatInt(m.GitHubID, 10) }

// Commit is a commit draft or persisted row. Commits are keyed by SHA.
type Commit struct {
	ID                 int64           `json:"id,omitempty"`
	SHA                string          `json:"sha"`
	RepoGitHubID       int64           `json:"repo_github_id"`
	RepoFullName       string          `json:"repo_full_name,omitempty"`
	AuthorGitHubID     int64           `json:"author_github_id,omitempty"`
	MergeRequestNumber int             `json:"merge_request_number,omitempty"`
	Message            string          `json:"message,omitempty"`
	AuthorName         string          `json:"author_name,omitempty"`
	AuthorEmail        string          `json:"author_email,omitempty"`
	CommittedAt        *time.Time      `json:"committed_at,omitempty"`
	Additions          int             `json:"additions"`
	Deletions          int             `json:"deletions"`
	Enrichment         EnrichmentState `json:"enrichment"`

	RepositoryID   int64 `json:"repository_id,omitempty"`
	AuthorID       int64 `json:"author_id,omitempty"`
	MergeRequestID int64 `json:"merge_request_id,omitempty"`
}

// Key returns the external identifier.
func (c *Commit) Key() string { return c.SHA }

// LinesChanged is additions plus deletions.
func (c *Commit) LinesChanged() int { return c.Additions + c.Deletions }

// ContributionSummary aggregates one contributor's activity in one repository.
type ContributionSummary struct {
	RepositoryID      int64     `json:"repository_id"`
	ContributorID     int64     `json:"contributor_id"`
	CommitCount       int       `json:"commit_count"`
	MergeRequestCount int       `json:"merge_request_count"`
	ReviewCount       int       `json:"review_count"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ParticipantRole describes how a contributor took part in a merge request.
type ParticipantRole string

const (
	RoleAuthor   ParticipantRole = "author"
	RoleReviewer ParticipantRole = "reviewer"
)

// EntityBatch groups drafts of every kind.
type EntityBatch struct {
	Repositories  []*Repository   `json:"repositories,omitempty"`
	Contributors  []*Contributor  `json:"contributors,omitempty"`
	MergeRequests []*MergeRequest `json:"merge_requests,omitempty"`
	Commits       []*Commit       `json:"commits,omitempty"`
}

// Len returns the number of drafts across all kinds.
func (b *EntityBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Repositories) + len(b.Contributors) + len(b.MergeRequests) + len(b.Commits)
}
