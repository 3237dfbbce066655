package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sells-group/ghpipe/internal/model"
	"github.com/sells-group/ghpipe/internal/resilience"
	"github.com/sells-group/ghpipe/internal/store"
)

// Writer persists drafts parents first: repositories, contributors, merge
// requests, then commits. Each batch is one transaction; a failed batch is
// rolled back on its own.
type Writer struct {
	store store.Store
}

// NewWriter returns a write stage.
func NewWriter(st store.Store) *Writer {
	return &Writer{store: st}
}

// Name implements Stage.
func (w *Writer) Name() string { return "write" }

// Validate implements Stage.
func (w *Writer) Validate(_ *RunContext) error {
	if w.store == nil {
		return resilience.Fatalf("pipeline: write stage has no store")
	}
	return nil
}

// Execute implements Stage.
func (w *Writer) Execute(ctx context.Context, rc *RunContext, cfg StageConfig) (model.StageResult, error) {
	res := model.StageResult{Name: w.Name(), Status: model.StageStatusComplete}
	w.countUnenriched(rc)

	repos := rc.Entities.Repositories()
	contributors := rc.Entities.Contributors()
	mrs := keepLinked(rc, w.Name(), rc.Entities.MergeRequests(), func(m *model.MergeRequest) (string, int64) {
		return idRef(model.KindMergeRequest, m.GitHubID), m.RepoGitHubID
	})
	commits := keepLinked(rc, w.Name(), rc.Entities.Commits(), func(c *model.Commit) (string, int64) {
		return entityRef(model.KindCommit, c.SHA), c.RepoGitHubID
	})
	logins := make(map[int64]string, len(contributors))
	for _, c := range contributors {
		logins[c.GitHubID] = c.Login
	}

	phases := []struct {
		kind model.EntityKind
		n    int
		fn   func(ctx context.Context, tx store.Tx, start, end int) (pairs []contributionPair, err error)
	}{
		{model.KindRepository, len(repos), func(ctx context.Context, tx store.Tx, start, end int) ([]contributionPair, error) {
			for _, r := range repos[start:end] {
				if _, err := tx.UpsertRepository(ctx, r); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}},
		{model.KindContributor, len(contributors), func(ctx context.Context, tx store.Tx, start, end int) ([]contributionPair, error) {
			for _, c := range contributors[start:end] {
				if _, err := tx.UpsertContributor(ctx, c); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}},
		{model.KindMergeRequest, len(mrs), func(ctx context.Context, tx store.Tx, start, end int) ([]contributionPair, error) {
			var pairs []contributionPair
			for _, m := range mrs[start:end] {
				p, err := writeMergeRequest(ctx, tx, m, logins)
				if err != nil {
					return nil, err
				}
				pairs = append(pairs, p...)
			}
			return pairs, nil
		}},
		{model.KindCommit, len(commits), func(ctx context.Context, tx store.Tx, start, end int) ([]contributionPair, error) {
			var pairs []contributionPair
			for _, c := range commits[start:end] {
				p, err := writeCommit(ctx, tx, c, logins)
				if err != nil {
					return nil, err
				}
				pairs = append(pairs, p...)
			}
			return pairs, nil
		}},
	}

	for _, ph := range phases {
		if ph.n == 0 {
			continue
		}
		report, err := RunBatches(ctx, rc, w.Name(), cfg, ph.n, func(ctx context.Context, start, end int) error {
			err := w.store.WithTx(ctx, func(tx store.Tx) error {
				pairs, err := ph.fn(ctx, tx, start, end)
				if err != nil {
					return err
				}
				return refreshContributions(ctx, tx, pairs)
			})
			if err != nil {
				if resilience.IsTransient(err) {
					return err
				}
				return resilience.NewPersistenceError("write "+string(ph.kind), err)
			}
			rc.Record(model.Stats{ItemsWritten: end - start})
			return nil
		}, nil)
		res.Batches += report.Batches
		if err != nil {
			return res, err
		}
		zap.L().Debug("pipeline: persisted entities",
			zap.String("run_id", rc.RunID),
			zap.String("kind", string(ph.kind)),
			zap.Int("count", ph.n),
			zap.Int("failed", report.Failed),
		)
	}
	return res, nil
}

// countUnenriched records every pending draft that will be written without
// enrichment, unless the enricher already counted it.
func (w *Writer) countUnenriched(rc *RunContext) {
	n := 0
	mark := func(ref string, st model.EnrichmentState) {
		if !st.IsEnriched() && rc.MarkSkipped(ref) {
			n++
		}
	}
	for _, r := range rc.Entities.Repositories() {
		mark(idRef(model.KindRepository, r.GitHubID), r.Enrichment)
	}
	for _, c := range rc.Entities.Contributors() {
		mark(idRef(model.KindContributor, c.GitHubID), c.Enrichment)
	}
	for _, m := range rc.Entities.MergeRequests() {
		mark(idRef(model.KindMergeRequest, m.GitHubID), m.Enrichment)
	}
	for _, c := range rc.Entities.Commits() {
		mark(entityRef(model.KindCommit, c.SHA), c.Enrichment)
	}
	if n > 0 {
		rc.Record(model.Stats{ItemsSkipped: n})
	}
}

// keepLinked drops drafts that reference no repository, logging each one.
func keepLinked[T any](rc *RunContext, stage string, in []*T, ref func(*T) (string, int64)) []*T {
	out := in[:0:0]
	for _, v := range in {
		r, repo := ref(v)
		if repo <= 0 {
			rc.AppendErr(stage, r, resilience.NewValidationError(r, "no repository reference"))
			rc.Record(model.Stats{ItemsSkipped: 1})
			continue
		}
		out = append(out, v)
	}
	return out
}

type contributionPair struct {
	repositoryID  int64
	contributorID int64
}

func writeMergeRequest(ctx context.Context, tx store.Tx, m *model.MergeRequest, logins map[int64]string) ([]contributionPair, error) {
	repoID, err := ensureRepository(ctx, tx, m.RepoGitHubID, m.RepoFullName)
	if err != nil {
		return nil, err
	}
	m.RepositoryID = repoID
	m.AuthorID = 0
	if m.AuthorGitHubID > 0 {
		if m.AuthorID, err = ensureContributor(ctx, tx, m.AuthorGitHubID, logins); err != nil {
			return nil, err
		}
	}
	id, err := tx.UpsertMergeRequest(ctx, m)
	if err != nil {
		return nil, err
	}

	var pairs []contributionPair
	if m.AuthorID > 0 {
		if err := tx.AddParticipant(ctx, id, m.AuthorID, model.RoleAuthor); err != nil {
			return nil, err
		}
		pairs = append(pairs, contributionPair{repoID, m.AuthorID})
	}
	for _, gid := range m.ReviewerGitHubID {
		cid, err := ensureContributor(ctx, tx, gid, logins)
		if err != nil {
			return nil, err
		}
		if err := tx.AddParticipant(ctx, id, cid, model.RoleReviewer); err != nil {
			return nil, err
		}
		pairs = append(pairs, contributionPair{repoID, cid})
	}
	return pairs, nil
}

func writeCommit(ctx context.Context, tx store.Tx, c *model.Commit, logins map[int64]string) ([]contributionPair, error) {
	repoID, err := ensureRepository(ctx, tx, c.RepoGitHubID, c.RepoFullName)
	if err != nil {
		return nil, err
	}
	c.RepositoryID = repoID
	c.AuthorID, c.MergeRequestID = 0, 0
	if c.AuthorGitHubID > 0 {
		if c.AuthorID, err = ensureContributor(ctx, tx, c.AuthorGitHubID, logins); err != nil {
			return nil, err
		}
	}
	if c.MergeRequestNumber > 0 {
		mrID, err := tx.ResolveMergeRequest(ctx, repoID, c.MergeRequestNumber)
		switch {
		case err == nil:
			c.MergeRequestID = mrID
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}
	if _, err := tx.UpsertCommit(ctx, c); err != nil {
		return nil, err
	}
	if c.AuthorID > 0 {
		return []contributionPair{{repoID, c.AuthorID}}, nil
	}
	return nil, nil
}

// ensureRepository resolves a repository, inserting a pending stub when no
// row exists yet.
func ensureRepository(ctx context.Context, tx store.Tx, githubID int64, fullName string) (int64, error) {
	id, err := tx.ResolveRepository(ctx, githubID)
	if !errors.Is(err, store.ErrNotFound) {
		return id, err
	}
	return tx.UpsertRepository(ctx, &model.Repository{
		GitHubID:   githubID,
		FullName:   fullName,
		Enrichment: model.EnrichmentPending,
	})
}

func ensureContributor(ctx context.Context, tx store.Tx, githubID int64, logins map[int64]string) (int64, error) {
	id, err := tx.ResolveContributor(ctx, githubID)
	if !errors.Is(err, store.ErrNotFound) {
		return id, err
	}
	return tx.UpsertContributor(ctx, &model.Contributor{
		GitHubID:   githubID,
		Login:      logins[githubID],
		Enrichment: model.EnrichmentPending,
	})
}

func refreshContributions(ctx context.Context, tx store.Tx, pairs []contributionPair) error {
	seen := make(map[contributionPair]bool, len(pairs))
	for _, p := range pairs {
		if seen[p] {
			continue
		}
		seen[p] = true
		if err := tx.RefreshContribution(ctx, p.repositoryID, p.contributorID); err != nil {
			return err
		}
	}
	return nil
}
