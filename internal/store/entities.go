package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ghpipe/internal/model"
)

// mergeKind decides how an incoming column value merges with the stored one.
type mergeKind int

const (
	mergeText     mergeKind = iota // empty string keeps stored value
	mergeCount                     // zero keeps stored value
	mergeNullable                  // NULL keeps stored value
	mergeValue                     // always replaced
	mergeLink                      // foreign key: NULL keeps stored, never guarded
)

type column struct {
	name string
	kind mergeKind
}

// buildUpsert renders an INSERT ... ON CONFLICT statement keyed on key that
// never lets a pending row overwrite an enriched one. Every non-link column
// keeps its stored value when the stored row is enriched and the incoming
// one is not; enrichment_state itself only moves pending -> enriched.
func buildUpsert(table, key string, cols []column) string {
	names := make([]string, 0, len(cols)+3)
	names = append(names, key)
	for _, c := range cols {
		names = append(names, c.name)
	}
	names = append(names, "enrichment_state", "updated_at")

	guard := fmt.Sprintf("%s.enrichment_state = 'enriched' AND excluded.enrichment_state <> 'enriched'", table)
	sets := make([]string, 0, len(cols)+2)
	for _, c := range cols {
		var merged string
		switch c.kind {
		case mergeText:
			merged = fmt.Sprintf("COALESCE(NULLIF(excluded.%[1]s, ''), %[2]s.%[1]s)", c.name, table)
		case mergeCount:
			merged = fmt.Sprintf("CASE WHEN excluded.%[1]s <> 0 THEN excluded.%[1]s ELSE %[2]s.%[1]s END", c.name, table)
		case mergeNullable, mergeLink:
			merged = fmt.Sprintf("COALESCE(excluded.%[1]s, %[2]s.%[1]s)", c.name, table)
		default:
			merged = "excluded." + c.name
		}
		if c.kind == mergeLink {
			sets = append(sets, fmt.Sprintf("%s = %s", c.name, merged))
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = CASE WHEN %s THEN %s.%s ELSE %s END", c.name, guard, table, c.name, merged))
	}
	sets = append(sets,
		fmt.Sprintf("enrichment_state = CASE WHEN %[1]s.enrichment_state = 'enriched' THEN %[1]s.enrichment_state ELSE excluded.enrichment_state END", table),
		"updated_at = excluded.updated_at",
	)

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s RETURNING id",
		table, strings.Join(names, ", "), placeholders(len(names)), key, strings.Join(sets, ", "))
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

var (
	upsertRepositorySQL = buildUpsert("repositories", "github_id", []column{
		{"owner", mergeText}, {"name", mergeText}, {"full_name", mergeText},
		{"description", mergeText}, {"html_url", mergeText}, {"language", mergeText},
		{"stars", mergeCount}, {"forks", mergeCount}, {"is_fork", mergeValue},
		{"watchers", mergeCount}, {"open_issues", mergeCount}, {"default_branch", mergeText},
		{"topics", mergeNullable}, {"created_at", mergeNullable},
	})

	upsertContributorSQL = buildUpsert("contributors", "github_id", []column{
		{"login", mergeText}, {"type", mergeText}, {"avatar_url", mergeText},
		{"name", mergeText}, {"email", mergeText}, {"bio", mergeText}, {"company", mergeText},
		{"location", mergeText}, {"blog", mergeText}, {"twitter", mergeText},
		{"followers", mergeCount}, {"following", mergeCount}, {"public_repos", mergeCount},
	})

	upsertMergeRequestSQL = buildUpsert("merge_requests", "github_id", []column{
		{"repository_id", mergeLink}, {"number", mergeValue}, {"author_id", mergeLink},
		{"title", mergeText}, {"state", mergeText}, {"merged", mergeValue},
		{"created_at", mergeNullable}, {"closed_at", mergeNullable}, {"merged_at", mergeNullable},
		{"additions", mergeCount}, {"deletions", mergeCount}, {"changed_files", mergeCount},
		{"commit_count", mergeCount}, {"labels", mergeNullable},
	})

	upsertCommitSQL = buildUpsert("commits", "sha", []column{
		{"repository_id", mergeLink}, {"author_id", mergeLink}, {"merge_request_id", mergeLink},
		{"message", mergeText}, {"author_name", mergeText}, {"author_email", mergeText},
		{"committed_at", mergeNullable}, {"additions", mergeCount}, {"deletions", mergeCount},
	})
)

const (
	repositoryColumns = `id, github_id, owner, name, full_name, description, html_url, language,
		stars, forks, is_fork, watchers, open_issues, default_branch, topics, created_at, enrichment_state`

	contributorColumns = `id, github_id, login, type, avatar_url, name, email, bio, company,
		location, blog, twitter, followers, following, public_repos, enrichment_state`

	mergeRequestSelect = `SELECT m.id, m.github_id, m.number, m.repository_id, r.github_id, r.full_name,
		COALESCE(m.author_id, 0), COALESCE(a.github_id, 0), m.title, m.state, m.merged,
		m.created_at, m.closed_at, m.merged_at, m.additions, m.deletions, m.changed_files,
		m.commit_count, m.labels, m.enrichment_state
		FROM merge_requests m
		JOIN repositories r ON r.id = m.repository_id
		LEFT JOIN contributors a ON a.id = m.author_id`

	commitSelect = `SELECT c.id, c.sha, c.repository_id, r.github_id, r.full_name,
		COALESCE(c.author_id, 0), COALESCE(a.github_id, 0), COALESCE(c.merge_request_id, 0),
		COALESCE(m.number, 0), c.message, c.author_name, c.author_email, c.committed_at,
		c.additions, c.deletions, c.enrichment_state
		FROM commits c
		JOIN repositories r ON r.id = c.repository_id
		LEFT JOIN contributors a ON a.id = c.author_id
		LEFT JOIN merge_requests m ON m.id = c.merge_request_id`
)

// txStore implements Tx on top of any conn.
type txStore struct {
	c   conn
	now func() time.Time
}

func (t *txStore) UpsertRepository(ctx context.Context, r *model.Repository) (int64, error) {
	var id int64
	err := t.c.queryRow(ctx, upsertRepositorySQL,
		r.GitHubID, r.Owner, r.Name, r.FullName, r.Description, r.HTMLURL, r.Language,
		r.Stars, r.Forks, r.IsFork, r.Watchers, r.OpenIssues, r.DefaultBranch,
		jsonList(r.Topics), nullTime(r.CreatedAt), string(state(r.Enrichment)), t.now(),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "store: upsert repository %d", r.GitHubID)
	}
	r.ID = id
	return id, nil
}

func (t *txStore) UpsertContributor(ctx context.Context, c *model.Contributor) (int64, error) {
	var id int64
	err := t.c.queryRow(ctx, upsertContributorSQL,
		c.GitHubID, c.Login, c.Type, c.AvatarURL, c.Name, c.Email, c.Bio, c.Company,
		c.Location, c.Blog, c.Twitter, c.Followers, c.Following, c.PublicRepos,
		string(state(c.Enrichment)), t.now(),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "store: upsert contributor %d", c.GitHubID)
	}
	c.ID = id
	return id, nil
}

func (t *txStore) UpsertMergeRequest(ctx context.Context, m *model.MergeRequest) (int64, error) {
	if m.RepositoryID == 0 {
		return 0, eris.Errorf("store: merge request %d has no resolved repository", m.GitHubID)
	}
	var id int64
	err := t.c.queryRow(ctx, upsertMergeRequestSQL,
		m.GitHubID, m.RepositoryID, m.Number, nullID(m.AuthorID), m.Title, m.State, m.Merged,
		nullTime(m.CreatedAt), nullTime(m.ClosedAt), nullTime(m.MergedAt),
		m.Additions, m.Deletions, m.ChangedFiles, m.CommitCount, jsonList(m.Labels),
		string(state(m.Enrichment)), t.now(),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "store: upsert merge request %d", m.GitHubID)
	}
	m.ID = id
	return id, nil
}

func (t *txStore) UpsertCommit(ctx context.Context, c *model.Commit) (int64, error) {
	if c.RepositoryID == 0 {
		return 0, eris.Errorf("store: commit %s has no resolved repository", c.SHA)
	}
	var id int64
	err := t.c.queryRow(ctx, upsertCommitSQL,
		c.SHA, c.RepositoryID, nullID(c.AuthorID), nullID(c.MergeRequestID),
		c.Message, c.AuthorName, c.AuthorEmail, nullTime(c.CommittedAt),
		c.Additions, c.Deletions, string(state(c.Enrichment)), t.now(),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "store: upsert commit %s", c.SHA)
	}
	c.ID = id
	return id, nil
}

func (t *txStore) AddParticipant(ctx context.Context, mergeRequestID, contributorID int64, role model.ParticipantRole) error {
	_, err := t.c.exec(ctx,
		`INSERT INTO merge_request_participants (merge_request_id, contributor_id, role) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		mergeRequestID, contributorID, string(role),
	)
	return eris.Wrapf(err, "store: add participant %d to merge request %d", contributorID, mergeRequestID)
}

const refreshContributionSQL = `INSERT INTO contributions
	(repository_id, contributor_id, commit_count, merge_request_count, review_count, updated_at)
	VALUES (?, ?,
		(SELECT COUNT(*) FROM commits WHERE repository_id = ? AND author_id = ?),
		(SELECT COUNT(*) FROM merge_requests WHERE repository_id = ? AND author_id = ?),
		(SELECT COUNT(*) FROM merge_request_participants p
			JOIN merge_requests m ON m.id = p.merge_request_id
			WHERE m.repository_id = ? AND p.contributor_id = ? AND p.role = 'reviewer'),
		?)
	ON CONFLICT (repository_id, contributor_id) DO UPDATE SET
		commit_count = excluded.commit_count,
		merge_request_count = excluded.merge_request_count,
		review_count = excluded.review_count,
		updated_at = excluded.updated_at`

func (t *txStore) RefreshContribution(ctx context.Context, repositoryID, contributorID int64) error {
	_, err := t.c.exec(ctx, refreshContributionSQL,
		repositoryID, contributorID,
		repositoryID, contributorID,
		repositoryID, contributorID,
		repositoryID, contributorID,
		t.now(),
	)
	return eris.Wrapf(err, "store: refresh contribution %d/%d", repositoryID, contributorID)
}

func (t *txStore) ResolveRepository(ctx context.Context, githubID int64) (int64, error) {
	return resolveID(ctx, t.c, `SELECT id FROM repositories WHERE github_id = ?`, githubID)
}

func (t *txStore) ResolveContributor(ctx context.Context, githubID int64) (int64, error) {
	return resolveID(ctx, t.c, `SELECT id FROM contributors WHERE github_id = ?`, githubID)
}

func (t *txStore) ResolveMergeRequest(ctx context.Context, repositoryID int64, number int) (int64, error) {
	return resolveID(ctx, t.c, `SELECT id FROM merge_requests WHERE repository_id = ? AND number = ?`, repositoryID, number)
}

func resolveID(ctx context.Context, c conn, query string, args ...any) (int64, error) {
	var id int64
	if err := c.queryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// Getters.

func (s *core) GetRepository(ctx context.Context, githubID int64) (*model.Repository, error) {
	r, err := scanRepository(s.c.queryRow(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE github_id = ?`, githubID))
	return r, eris.Wrapf(err, "store: get repository %d", githubID)
}

func (s *core) GetContributor(ctx context.Context, githubID int64) (*model.Contributor, error) {
	c, err := scanContributor(s.c.queryRow(ctx, `SELECT `+contributorColumns+` FROM contributors WHERE github_id = ?`, githubID))
	return c, eris.Wrapf(err, "store: get contributor %d", githubID)
}

func (s *core) GetMergeRequest(ctx context.Context, githubID int64) (*model.MergeRequest, error) {
	m, err := scanMergeRequest(s.c.queryRow(ctx, mergeRequestSelect+` WHERE m.github_id = ?`, githubID))
	return m, eris.Wrapf(err, "store: get merge request %d", githubID)
}

func (s *core) GetCommit(ctx context.Context, sha string) (*model.Commit, error) {
	c, err := scanCommit(s.c.queryRow(ctx, commitSelect+` WHERE c.sha = ?`, sha))
	return c, eris.Wrapf(err, "store: get commit %s", sha)
}

func (s *core) GetContribution(ctx context.Context, repositoryID, contributorID int64) (*model.ContributionSummary, error) {
	cs := model.ContributionSummary{RepositoryID: repositoryID, ContributorID: contributorID}
	err := s.c.queryRow(ctx,
		`SELECT commit_count, merge_request_count, review_count, updated_at FROM contributions WHERE repository_id = ? AND contributor_id = ?`,
		repositoryID, contributorID,
	).Scan(&cs.CommitCount, &cs.MergeRequestCount, &cs.ReviewCount, &cs.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "store: get contribution %d/%d", repositoryID, contributorID)
	}
	return &cs, nil
}

func (s *core) CountEntities(ctx context.Context) (map[model.EntityKind]int, error) {
	tables := map[model.EntityKind]string{
		model.KindRepository:   "repositories",
		model.KindContributor:  "contributors",
		model.KindMergeRequest: "merge_requests",
		model.KindCommit:       "commits",
	}
	out := make(map[model.EntityKind]int, len(tables))
	for kind, table := range tables {
		var n int
		if err := s.c.queryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, eris.Wrapf(err, "store: count %s", table)
		}
		out[kind] = n
	}
	return out, nil
}

// ListPending returns up to limit entities of each kind still awaiting enrichment.
func (s *core) ListPending(ctx context.Context, limit int) (*model.EntityBatch, error) {
	pending := string(model.EnrichmentPending)
	batch := &model.EntityBatch{}
	var err error

	batch.Repositories, err = queryAll(ctx, s.c, scanRepository,
		`SELECT `+repositoryColumns+` FROM repositories WHERE enrichment_state = ? ORDER BY id LIMIT ?`, pending, limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: list pending repositories")
	}
	batch.Contributors, err = queryAll(ctx, s.c, scanContributor,
		`SELECT `+contributorColumns+` FROM contributors WHERE enrichment_state = ? ORDER BY id LIMIT ?`, pending, limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: list pending contributors")
	}
	batch.MergeRequests, err = queryAll(ctx, s.c, scanMergeRequest,
		mergeRequestSelect+` WHERE m.enrichment_state = ? ORDER BY m.id LIMIT ?`, pending, limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: list pending merge requests")
	}
	batch.Commits, err = queryAll(ctx, s.c, scanCommit,
		commitSelect+` WHERE c.enrichment_state = ? ORDER BY c.id LIMIT ?`, pending, limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: list pending commits")
	}
	return batch, nil
}

// Scan helpers.

func queryAll[T any](ctx context.Context, c conn, scan func(scannable) (T, error), query string, args ...any) ([]T, error) {
	rs, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []T
	for rs.Next() {
		v, err := scan(rs)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rs.Err()
}

func scanRepository(s scannable) (*model.Repository, error) {
	var (
		r      model.Repository
		topics []byte
		st     string
	)
	err := s.Scan(&r.ID, &r.GitHubID, &r.Owner, &r.Name, &r.FullName, &r.Description, &r.HTMLURL,
		&r.Language, &r.Stars, &r.Forks, &r.IsFork, &r.Watchers, &r.OpenIssues, &r.DefaultBranch,
		&topics, &r.CreatedAt, &st)
	if err != nil {
		return nil, err
	}
	r.Topics = parseList[string](topics)
	r.Enrichment = model.EnrichmentState(st)
	return &r, nil
}

func scanContributor(s scannable) (*model.Contributor, error) {
	var (
		c  model.Contributor
		st string
	)
	err := s.Scan(&c.ID, &c.GitHubID, &c.Login, &c.Type, &c.AvatarURL, &c.Name, &c.Email, &c.Bio,
		&c.Company, &c.Location, &c.Blog, &c.Twitter, &c.Followers, &c.Following, &c.PublicRepos, &st)
	if err != nil {
		return nil, err
	}
	c.Enrichment = model.EnrichmentState(st)
	return &c, nil
}

func scanMergeRequest(s scannable) (*model.MergeRequest, error) {
	var (
		m      model.MergeRequest
		labels []byte
		st     string
	)
	err := s.Scan(&m.ID, &m.GitHubID, &m.Number, &m.RepositoryID, &m.RepoGitHubID, &m.RepoFullName,
		&m.AuthorID, &m.AuthorGitHubID, &m.Title, &m.State, &m.Merged,
		&m.CreatedAt, &m.ClosedAt, &m.MergedAt, &m.Additions, &m.Deletions, &m.ChangedFiles,
		&m.CommitCount, &labels, &st)
	if err != nil {
		return nil, err
	}
	m.Labels = parseList[string](labels)
	m.Enrichment = model.EnrichmentState(st)
	return &m, nil
}

func scanCommit(s scannable) (*model.Commit, error) {
	var (
		c  model.Commit
		st string
	)
	err := s.Scan(&c.ID, &c.SHA, &c.RepositoryID, &c.RepoGitHubID, &c.RepoFullName,
		&c.AuthorID, &c.AuthorGitHubID, &c.MergeRequestID, &c.MergeRequestNumber,
		&c.Message, &c.AuthorName, &c.AuthorEmail, &c.CommittedAt, &c.Additions, &c.Deletions, &st)
	if err != nil {
		return nil, err
	}
	c.Enrichment = model.EnrichmentState(st)
	return &c, nil
}

// Argument helpers.

func state(s model.EnrichmentState) model.EnrichmentState {
	if s == "" {
		return model.EnrichmentPending
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func jsonList[T any](v []T) any {
	if len(v) == 0 {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func parseList[T any](b []byte) []T {
	if len(b) == 0 {
		return nil
	}
	var out []T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	return b, eris.Wrap(err, "store: marshal")
}
