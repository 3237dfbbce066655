package pipeline

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/resilience"
	"github.com/sells-group/ghpipe/pkg/github"
)

// Enricher completes pending drafts with GitHub lookups. Enrichment is best
// effort: a draft whose lookups keep failing stays pending, is logged in the
// error log and counted as skipped.
type Enricher struct {
	lookup *guardedLookup
}

// NewEnricher returns an enrich stage. cb may be nil.
func NewEnricher(client github.Client, cb *resilience.CircuitBreaker) *Enricher {
	if client == nil {
		return &Enricher{}
	}
	return &Enricher{lookup: newGuardedLookup(client, cb)}
}

// Name implements Stage.
func (e *Enricher) Name() string { return "enrich" }

// Validate implements Stage.
func (e *Enricher) Validate(_ *RunContext) error {
	if e.lookup == nil {
		return resilience.Fatalf("pipeline: enrich stage has no GitHub client")
	}
	return nil
}

type enrichTask struct {
	ref string
	run func(ctx context.Context) error
}

// Execute implements Stage.
func (e *Enricher) Execute(ctx context.Context, rc *RunContext, cfg StageConfig) (model.StageResult, error) {
	res := model.StageResult{Name: e.Name(), Status: model.StageStatusComplete}
	names := newRepoNames(rc.Entities.Repositories(), e.lookup)

	var tasks []enrichTask
	for _, r := range rc.Entities.Repositories() {
		if r.Enrichment.IsEnriched() {
			continue
		}
		tasks = append(tasks, enrichTask{ref: idRef(model.KindRepository, r.GitHubID), run: func(ctx context.Context) error {
			return e.enrichRepository(ctx, r)
		}})
	}
	for _, c := range rc.Entities.Contributors() {
		if c.Enrichment.IsEnriched() {
			continue
		}
		tasks = append(tasks, enrichTask{ref: idRef(model.KindContributor, c.GitHubID), run: func(ctx context.Context) error {
			return e.enrichContributor(ctx, c)
		}})
	}
	for _, m := range rc.Entities.MergeRequests() {
		if m.Enrichment.IsEnriched() {
			continue
		}
		tasks = append(tasks, enrichTask{ref: idRef(model.KindMergeRequest, m.GitHubID), run: func(ctx context.Context) error {
			return e.enrichMergeRequest(ctx, rc, names, m)
		}})
	}
	for _, c := range rc.Entities.Commits() {
		if c.Enrichment.IsEnriched() {
			continue
		}
		tasks = append(tasks, enrichTask{ref: entityRef(model.KindCommit, c.SHA), run: func(ctx context.Context) error {
			return e.enrichCommit(ctx, rc, names, c)
		}})
	}
	if len(tasks) == 0 {
		return res, nil
	}

	var enriched, failed atomic.Int64
	report, err := RunBatches(ctx, rc, e.Name(), cfg, len(tasks), func(ctx context.Context, start, end int) error {
		for _, t := range tasks[start:end] {
			retry := cfg.retryConfig(e.Name(), t.ref, resilience.IsTransient)
			err := resilience.Do(ctx, retry, t.run)
			if err == nil {
				enriched.Add(1)
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed.Add(1)
			rc.AppendErr(e.Name(), t.ref, err)
			if rc.MarkSkipped(t.ref) {
				rc.Record(model.Stats{ItemsSkipped: 1})
			}
		}
		return nil
	}, nil)
	res.Batches = report.Batches

	zap.L().Info("pipeline: enrichment finished",
		zap.String("run_id", rc.RunID),
		zap.Int("candidates", len(tasks)),
		zap.Int64("enriched", enriched.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return res, err
}

func (e *Enricher) enrichRepository(ctx context.Context, r *model.Repository) error {
	got, err := e.lookup.repository(ctx, r.GitHubID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: lookup repository %d", r.GitHubID)
	}
	setString(&r.Name, got.Name)
	setString(&r.FullName, got.FullName)
	if got.Owner != nil {
		setString(&r.Owner, got.Owner.Login)
	}
	setString(&r.Description, got.Description)
	setString(&r.HTMLURL, got.HTMLURL)
	setString(&r.Language, got.Language)
	setString(&r.DefaultBranch, got.DefaultBranch)
	r.Stars, r.Forks, r.IsFork = got.Stars, got.Forks, got.Fork
	r.Watchers, r.OpenIssues = got.Watchers, got.OpenIssues
	if len(got.Topics) > 0 {
		r.Topics = got.Topics
	}
	if got.CreatedAt != nil {
		r.CreatedAt = got.CreatedAt
	}
	r.Enrichment = model.EnrichmentEnriched
	return nil
}

func (e *Enricher) enrichContributor(ctx context.Context, c *model.Contributor) error {
	got, err := e.lookup.user(ctx, c.GitHubID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: lookup user %d", c.GitHubID)
	}
	setString(&c.Login, got.Login)
	setString(&c.Type, got.Type)
	setString(&c.AvatarURL, got.AvatarURL)
	setString(&c.Name, got.Name)
	setString(&c.Email, got.Email)
	setString(&c.Bio, got.Bio)
	setString(&c.Company, got.Company)
	setString(&c.Location, got.Location)
	setString(&c.Blog, got.Blog)
	setString(&c.Twitter, got.Twitter)
	c.Followers, c.Following, c.PublicRepos = got.Followers, got.Following, got.PublicRepos
	c.Enrichment = model.EnrichmentEnriched
	return nil
}

func (e *Enricher) enrichMergeRequest(ctx context.Context, rc *RunContext, names *repoNames, m *model.MergeRequest) error {
	fullName := m.RepoFullName
	if fullName == "" {
		var err error
		if fullName, err = names.resolve(ctx, m.RepoGitHubID); err != nil {
			return err
		}
	}
	got, err := e.lookup.pullRequest(ctx, fullName, m.Number)
	if err != nil {
		return eris.Wrapf(err, "pipeline: lookup pull request %s#%d", fullName, m.Number)
	}
	m.RepoFullName = fullName
	setString(&m.Title, got.Title)
	setString(&m.State, got.State)
	m.Merged = got.Merged || got.MergedAt != nil
	m.Additions, m.Deletions = got.Additions, got.Deletions
	m.ChangedFiles, m.CommitCount = got.ChangedFiles, got.Commits
	if got.CreatedAt != nil {
		m.CreatedAt = got.CreatedAt
	}
	if got.ClosedAt != nil {
		m.ClosedAt = got.ClosedAt
	}
	if got.MergedAt != nil {
		m.MergedAt = got.MergedAt
	}
	if len(got.Labels) > 0 {
		m.Labels = m.Labels[:0]
		for _, l := range got.Labels {
			m.Labels = append(m.Labels, l.Name)
		}
	}
	if got.User != nil && got.User.ID > 0 {
		if m.AuthorGitHubID == 0 {
			m.AuthorGitHubID = got.User.ID
		}
		rc.Entities.AddContributorIfAbsent(contributorFromUser(got.User))
	}
	for i := range got.RequestedReviewers {
		rv := &got.RequestedReviewers[i]
		if rv.ID <= 0 || rv.Login == "" || rv.ID == m.AuthorGitHubID || slices.Contains(m.ReviewerGitHubID, rv.ID) {
			continue
		}
		m.ReviewerGitHubID = append(m.ReviewerGitHubID, rv.ID)
		rc.Entities.AddContributorIfAbsent(contributorFromUser(rv))
	}
	m.Enrichment = model.EnrichmentEnriched
	return nil
}

func (e *Enricher) enrichCommit(ctx context.Context, rc *RunContext, names *repoNames, c *model.Commit) error {
	fullName := c.RepoFullName
	if fullName == "" {
		var err error
		if fullName, err = names.resolve(ctx, c.RepoGitHubID); err != nil {
			return err
		}
	}
	got, err := e.lookup.commit(ctx, fullName, c.SHA)
	if err != nil {
		return eris.Wrapf(err, "pipeline: lookup commit %s@%s", fullName, c.SHA)
	}
	c.RepoFullName = fullName
	if got.Stats != nil {
		c.Additions, c.Deletions = got.Stats.Additions, got.Stats.Deletions
	}
	if gc := got.Commit; gc != nil {
		setString(&c.Message, gc.Message)
		if a := gc.Author; a != nil {
			setString(&c.AuthorName, a.Name)
			setString(&c.AuthorEmail, a.Email)
			if a.Date != nil {
				c.CommittedAt = a.Date
			}
		}
	}
	if got.Author != nil && got.Author.ID > 0 && got.Author.Login != "" {
		if c.AuthorGitHubID == 0 {
			c.AuthorGitHubID = got.Author.ID
		}
		rc.Entities.AddContributorIfAbsent(contributorFromUser(got.Author))
	}
	c.Enrichment = model.EnrichmentEnriched
	return nil
}

// repoNames resolves repository full names, which pull request and commit
// lookups are addressed by. Names seen in drafts are captured up front so
// concurrent enrichment of the repository drafts is never read.
type repoNames struct {
	lookup *guardedLookup
	mu     sync.Mutex
	names  map[int64]string
}

func newRepoNames(repos []*model.Repository, l *guardedLookup) *repoNames {
	n := &repoNames{lookup: l, names: make(map[int64]string, len(repos))}
	for _, r := range repos {
		if r.FullName != "" {
			n.names[r.GitHubID] = r.FullName
		}
	}
	return n
}

func (n *repoNames) resolve(ctx context.Context, githubID int64) (string, error) {
	n.mu.Lock()
	name, ok := n.names[githubID]
	n.mu.Unlock()
	if ok {
		return name, nil
	}
	repo, err := n.lookup.repository(ctx, githubID)
	if err != nil {
		return "", eris.Wrapf(err, "pipeline: resolve repository %d", githubID)
	}
	if repo.FullName == "" {
		return "", resilience.NewValidationError(idRef(model.KindRepository, githubID), "repository full name unknown")
	}
	n.mu.Lock()
	n.names[githubID] = repo.FullName
	n.mu.Unlock()
	return repo.FullName, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
