package pipeline

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/resilience"
	"github.com/sells-group/ghpipe/pkg/github"
)

// payloadShape is the decoded variant of a raw payload.
type payloadShape int

const (
	shapeUnknown payloadShape = iota
	shapeEvent
	shapeRepository
	shapeUser
	shapePullRequest
	shapeCommit
)

func (s payloadShape) String() string {
	switch s {
	case shapeEvent:
		return "event"
	case shapeRepository:
		return "repository"
	case shapeUser:
		return "user"
	case shapePullRequest:
		return "pull_request"
	case shapeCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// eventPayload is a webhook delivery or bulk record that wraps entities.
type eventPayload struct {
	Action      string              `json:"action"`
	Repository  *github.Repo        `json:"repository"`
	PullRequest *github.PullRequest `json:"pull_request"`
	Commits     []commitPayload     `json:"commits"`
	Sender      *github.User        `json:"sender"`
	Review      *struct {
		User *github.User `json:"user"`
	} `json:"review"`
}

// commitPayload accepts the REST commit shape, the push event shape and a
// flattened shape carrying additions/deletions at the top level.
type commitPayload struct {
	SHA               string              `json:"sha"`
	ID                string              `json:"id"`
	RepositoryID      int64               `json:"repository_id"`
	PullRequestNumber int                 `json:"pull_request_number"`
	Message           string              `json:"message"`
	Timestamp         *time.Time          `json:"timestamp"`
	Author            *commitPerson       `json:"author"`
	Commit            *github.GitCommit   `json:"commit"`
	Stats             *github.CommitStats `json:"stats"`
	Additions         int                 `json:"additions"`
	Deletions         int                 `json:"deletions"`
}

// commitPerson is either a GitHub account (id, login) or a git identity
// (name, email, username).
type commitPerson struct {
	ID       int64  `json:"id"`
	Login    string `json:"login"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// classifyPayload sniffs the top-level keys of raw to decide its shape.
func classifyPayload(keys map[string]json.RawMessage) payloadShape {
	has := func(k string) bool {
		v, ok := keys[k]
		return ok && string(v) != "null"
	}
	switch {
	case has("pull_request"), has("commits"), has("sender"), has("repository") && !has("sha"):
		return shapeEvent
	case has("sha"):
		return shapeCommit
	case has("number") && (has("title") || has("base") || has("merged")):
		return shapePullRequest
	case has("full_name"), has("stargazers_count"):
		return shapeRepository
	case has("login"):
		return shapeUser
	default:
		return shapeUnknown
	}
}

// payloadDecoder collects the drafts of one payload. Problems with related
// users do not reject the payload; they are kept as warnings.
type payloadDecoder struct {
	ref      string
	out      *model.EntityBatch
	warnings []error
	warned   map[int64]bool
}

// decodePayload turns one raw payload into drafts. A rejected payload is a
// ValidationError naming ref. The returned warnings are ValidationErrors for
// related users that could not be drafted; the payload itself is kept.
func decodePayload(ref string, raw json.RawMessage) (*model.EntityBatch, []error, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, nil, resilience.NewValidationError(ref, "payload is not a JSON object: %v", err)
	}

	d := &payloadDecoder{ref: ref, out: &model.EntityBatch{}}
	shape := classifyPayload(keys)
	var err error
	switch shape {
	case shapeEvent:
		var ev eventPayload
		if err = json.Unmarshal(raw, &ev); err == nil {
			err = d.decodeEvent(&ev)
		}
	case shapeRepository:
		var r github.Repo
		if err = json.Unmarshal(raw, &r); err == nil {
			err = d.addRepo(&r)
		}
	case shapeUser:
		var u github.User
		if err = json.Unmarshal(raw, &u); err == nil {
			err = addUser(ref, &u, d.out)
		}
	case shapePullRequest:
		var pr github.PullRequest
		if err = json.Unmarshal(raw, &pr); err == nil {
			err = d.addPullRequest(&pr, nil)
		}
	case shapeCommit:
		var c commitPayload
		if err = json.Unmarshal(raw, &c); err == nil {
			err = d.addCommit(&c, nil, 0)
		}
	default:
		return nil, nil, resilience.NewValidationError(ref, "unclassifiable payload")
	}
	if err != nil {
		if resilience.IsValidation(err) {
			return nil, nil, err
		}
		return nil, nil, resilience.NewValidationError(ref, "malformed %s payload: %v", shape, err)
	}
	if d.out.Len() == 0 {
		return nil, nil, resilience.NewValidationError(ref, "%s payload carries no entities", shape)
	}
	return d.out, d.warnings, nil
}

// addRelatedUser drafts u, recording a warning instead of failing. A user
// is warned about once per payload.
func (d *payloadDecoder) addRelatedUser(u *github.User) {
	err := addUser(d.ref, u, d.out)
	if err == nil || d.warned[u.ID] {
		return
	}
	if d.warned == nil {
		d.warned = map[int64]bool{}
	}
	d.warned[u.ID] = true
	d.warnings = append(d.warnings, resilience.NewValidationError(d.ref, "user %d without login", u.ID))
}

func (d *payloadDecoder) decodeEvent(ev *eventPayload) error {
	repo := ev.Repository
	if repo == nil && ev.PullRequest != nil && ev.PullRequest.Base != nil {
		repo = ev.PullRequest.Base.Repo
	}
	if repo != nil {
		if err := d.addRepo(repo); err != nil {
			return err
		}
	}
	if ev.Sender != nil && ev.Sender.ID > 0 {
		d.addRelatedUser(ev.Sender)
	}
	if ev.PullRequest == nil && ev.Review != nil && ev.Review.User != nil && ev.Review.User.ID > 0 {
		d.addRelatedUser(ev.Review.User)
	}

	prNumber := 0
	if ev.PullRequest != nil {
		if ev.Review != nil && ev.Review.User != nil && ev.Review.User.ID > 0 {
			ev.PullRequest.RequestedReviewers = append(ev.PullRequest.RequestedReviewers, *ev.Review.User)
		}
		if err := d.addPullRequest(ev.PullRequest, repo); err != nil {
			return err
		}
		prNumber = ev.PullRequest.Number
	}
	for i := range ev.Commits {
		if err := d.addCommit(&ev.Commits[i], repo, prNumber); err != nil {
			return err
		}
	}
	return nil
}

func (d *payloadDecoder) addRepo(r *github.Repo) error {
	if r.ID <= 0 {
		return resilience.NewValidationError(d.ref, "repository without id")
	}
	owner, name := "", r.Name
	if r.Owner != nil {
		owner = r.Owner.Login
	}
	if parts := strings.SplitN(r.FullName, "/", 2); len(parts) == 2 {
		if owner == "" {
			owner = parts[0]
		}
		if name == "" {
			name = parts[1]
		}
	}
	fullName := r.FullName
	if fullName == "" && owner != "" && name != "" {
		fullName = owner + "/" + name
	}
	d.out.Repositories = append(d.out.Repositories, &model.Repository{
		GitHubID:      r.ID,
		Owner:         owner,
		Name:          name,
		FullName:      fullName,
		Description:   r.Description,
		HTMLURL:       r.HTMLURL,
		Language:      r.Language,
		Stars:         r.Stars,
		Forks:         r.Forks,
		IsFork:        r.Fork,
		Watchers:      r.Watchers,
		OpenIssues:    r.OpenIssues,
		DefaultBranch: r.DefaultBranch,
		Topics:        r.Topics,
		CreatedAt:     r.CreatedAt,
		Enrichment:    model.EnrichmentPending,
	})
	if r.Owner != nil && r.Owner.ID > 0 && !strings.EqualFold(r.Owner.Type, "Organization") {
		d.addRelatedUser(r.Owner)
	}
	return nil
}

func addUser(ref string, u *github.User, out *model.EntityBatch) error {
	if u.ID <= 0 || u.Login == "" {
		return resilience.NewValidationError(ref, "user without id or login")
	}
	out.Contributors = append(out.Contributors, contributorFromUser(u))
	return nil
}

func contributorFromUser(u *github.User) *model.Contributor {
	return &model.Contributor{
		GitHubID:    u.ID,
		Login:       u.Login,
		Type:        u.Type,
		AvatarURL:   u.AvatarURL,
		Name:        u.Name,
		Email:       u.Email,
		Bio:         u.Bio,
		Company:     u.Company,
		Location:    u.Location,
		Blog:        u.Blog,
		Twitter:     u.Twitter,
		Followers:   u.Followers,
		Following:   u.Following,
		PublicRepos: u.PublicRepos,
		Enrichment:  model.EnrichmentPending,
	}
}

func (d *payloadDecoder) addPullRequest(pr *github.PullRequest, repo *github.Repo) error {
	if repo == nil && pr.Base != nil {
		repo = pr.Base.Repo
		if repo != nil && repo.ID > 0 {
			if err := d.addRepo(repo); err != nil {
				return err
			}
		}
	}
	if pr.ID <= 0 || pr.Number <= 0 {
		return resilience.NewValidationError(d.ref, "pull request without id or number")
	}
	if repo == nil || repo.ID <= 0 {
		return resilience.NewValidationError(d.ref, "pull request %d without repository", pr.Number)
	}

	m := &model.MergeRequest{
		GitHubID:     pr.ID,
		Number:       pr.Number,
		RepoGitHubID: repo.ID,
		RepoFullName: repo.FullName,
		Title:        pr.Title,
		State:        pr.State,
		Merged:       pr.Merged || pr.MergedAt != nil,
		CreatedAt:    pr.CreatedAt,
		ClosedAt:     pr.ClosedAt,
		MergedAt:     pr.MergedAt,
		Additions:    pr.Additions,
		Deletions:    pr.Deletions,
		ChangedFiles: pr.ChangedFiles,
		CommitCount:  pr.Commits,
		Enrichment:   model.EnrichmentPending,
	}
	for _, l := range pr.Labels {
		m.Labels = append(m.Labels, l.Name)
	}
	if pr.User != nil && pr.User.ID > 0 {
		m.AuthorGitHubID = pr.User.ID
		d.addRelatedUser(pr.User)
	}
	for i := range pr.RequestedReviewers {
		rv := &pr.RequestedReviewers[i]
		if rv.ID <= 0 || rv.ID == m.AuthorGitHubID {
			continue
		}
		m.ReviewerGitHubID = append(m.ReviewerGitHubID, rv.ID)
		d.addRelatedUser(rv)
	}
	d.out.MergeRequests = append(d.out.MergeRequests, m)
	return nil
}

func (d *payloadDecoder) addCommit(c *commitPayload, repo *github.Repo, prNumber int) error {
	sha := c.SHA
	if sha == "" {
		sha = c.ID
	}
	if sha == "" {
		return resilience.NewValidationError(d.ref, "commit without sha")
	}
	cm := &model.Commit{
		SHA:                sha,
		MergeRequestNumber: c.PullRequestNumber,
		Message:            c.Message,
		CommittedAt:        c.Timestamp,
		Additions:          c.Additions,
		Deletions:          c.Deletions,
		Enrichment:         model.EnrichmentPending,
	}
	switch {
	case repo != nil && repo.ID > 0:
		cm.RepoGitHubID = repo.ID
		cm.RepoFullName = repo.FullName
	case c.RepositoryID > 0:
		cm.RepoGitHubID = c.RepositoryID
	default:
		return resilience.NewValidationError(d.ref, "commit %s without repository", sha)
	}
	if cm.MergeRequestNumber == 0 {
		cm.MergeRequestNumber = prNumber
	}
	if c.Stats != nil && cm.Additions == 0 && cm.Deletions == 0 {
		cm.Additions, cm.Deletions = c.Stats.Additions, c.Stats.Deletions
	}
	if c.Commit != nil {
		if cm.Message == "" {
			cm.Message = c.Commit.Message
		}
		if a := c.Commit.Author; a != nil {
			cm.AuthorName, cm.AuthorEmail = a.Name, a.Email
			if cm.CommittedAt == nil {
				cm.CommittedAt = a.Date
			}
		}
	}
	if a := c.Author; a != nil {
		if cm.AuthorName == "" {
			cm.AuthorName = a.Name
		}
		if cm.AuthorEmail == "" {
			cm.AuthorEmail = a.Email
		}
		if a.ID > 0 {
			cm.AuthorGitHubID = a.ID
			login := a.Login
			if login == "" {
				login = a.Username
			}
			d.addRelatedUser(&github.User{ID: a.ID, Login: login, Type: a.Type})
		}
	}
	d.out.Commits = append(d.out.Commits, cm)
	return nil
}
