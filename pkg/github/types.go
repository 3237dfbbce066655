package github

import "time"

// Repo is the REST representation of a repository.
type Repo struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	FullName      string     `json:"full_name"`
	Owner         *User      `json:"owner,omitempty"`
	Description   string     `json:"description"`
	HTMLURL       string     `json:"html_url"`
	Language      string     `json:"language"`
	Stars         int        `json:"stargazers_count"`
	Forks         int        `json:"forks_count"`
	Fork          bool       `json:"fork"`
	Watchers      int        `json:"watchers_count"`
	OpenIssues    int        `json:"open_issues_count"`
	DefaultBranch string     `json:"default_branch"`
	Topics        []string   `json:"topics,omitempty"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
}

// User is the REST representation of a user or bot account.
type User struct {
	ID          int64  `json:"id"`
	Login       string `json:"login"`
	Type        string `json:"type"`
	AvatarURL   string `json:"avatar_url"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Bio         string `json:"bio"`
	Company     string `json:"company"`
	Location    string `json:"location"`
	Blog        string `json:"blog"`
	Twitter     string `json:"twitter_username"`
	Followers   int    `json:"followers"`
	Following   int    `json:"following"`
	PublicRepos int    `json:"public_repos"`
}

// Label is a pull request label.
type Label struct {
	Name string `json:"name"`
}

// Ref is the head or base of a pull request.
type Ref struct {
	Ref  string `json:"ref"`
	SHA  string `json:"sha"`
	Repo *Repo  `json:"repo,omitempty"`
}

// PullRequest is the REST representation of a pull request.
type PullRequest struct {
	ID                 int64      `json:"id"`
	Number             int        `json:"number"`
	Title              string     `json:"title"`
	State              string     `json:"state"`
	Merged             bool       `json:"merged"`
	User               *User      `json:"user,omitempty"`
	RequestedReviewers []User     `json:"requested_reviewers,omitempty"`
	Labels             []Label    `json:"labels,omitempty"`
	CreatedAt          *time.Time `json:"created_at,omitempty"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
	MergedAt           *time.Time `json:"merged_at,omitempty"`
	Additions          int        `json:"additions"`
	Deletions          int        `json:"deletions"`
	ChangedFiles       int        `json:"changed_files"`
	Commits            int        `json:"commits"`
	Base               *Ref       `json:"base,omitempty"`
}

// CommitAuthor is the git-level author of a commit.
type CommitAuthor struct {
	Name  string     `json:"name"`
	Email string     `json:"email"`
	Date  *time.Time `json:"date,omitempty"`
}

// GitCommit is the git object nested in a REST commit.
type GitCommit struct {
	Message string        `json:"message"`
	Author  *CommitAuthor `json:"author,omitempty"`
}

// CommitStats carries line counts.
type CommitStats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
	Total     int `json:"total"`
}

// Commit is the REST representation of a commit.
type Commit struct {
	SHA    string       `json:"sha"`
	Commit *GitCommit   `json:"commit,omitempty"`
	Author *User        `json:"author,omitempty"`
	Stats  *CommitStats `json:"stats,omitempty"`
}
