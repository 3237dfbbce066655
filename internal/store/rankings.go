package store

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ghpipe/internal/model"
)

const rankingColumns = `contributor_id, calculated_at, login, commit_count, lines_added, lines_removed,
	repositories, followers, volume_score, commit_impact_score, efficiency_score, collaboration_score,
	popularity_score, influence_score, followers_score, profile_score, total_score, rank_position`

// LoadRankingDataset reads every persisted entity the ranking engine scores.
func (s *core) LoadRankingDataset(ctx context.Context) (*model.RankingDataset, error) {
	contributors, err := queryAll(ctx, s.c, scanContributor, `SELECT `+contributorColumns+` FROM contributors ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "store: load contributors")
	}
	repos, err := queryAll(ctx, s.c, scanRepository, `SELECT `+repositoryColumns+` FROM repositories ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "store: load repositories")
	}
	mrs, err := queryAll(ctx, s.c, scanMergeRequest, mergeRequestSelect+` ORDER BY m.id`)
	if err != nil {
		return nil, eris.Wrap(err, "store: load merge requests")
	}
	commits, err := queryAll(ctx, s.c, scanCommit, commitSelect+` ORDER BY c.id`)
	if err != nil {
		return nil, eris.Wrap(err, "store: load commits")
	}
	parts, err := queryAll(ctx, s.c, scanParticipant,
		`SELECT merge_request_id, contributor_id, role FROM merge_request_participants ORDER BY merge_request_id, contributor_id, role`)
	if err != nil {
		return nil, eris.Wrap(err, "store: load participants")
	}

	return &model.RankingDataset{
		Contributors:  deref(contributors),
		Repositories:  deref(repos),
		MergeRequests: deref(mrs),
		Commits:       deref(commits),
		Participants:  parts,
	}, nil
}

func deref[T any](in []*T) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		out = append(out, *v)
	}
	return out
}

func scanParticipant(s scannable) (model.Participant, error) {
	var (
		p    model.Participant
		role string
	)
	err := s.Scan(&p.MergeRequestID, &p.ContributorID, &role)
	p.Role = model.ParticipantRole(role)
	return p, err
}

const insertRankingSQL = `INSERT INTO contributor_rankings (` + rankingColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func rankingArgs(r model.ContributorRanking) []any {
	return []any{
		r.ContributorID, r.CalculatedAt.UTC(), r.Login, r.CommitCount, r.LinesAdded, r.LinesRemoved,
		r.Repositories, r.Followers,
		r.Scores.Volume, r.Scores.CommitImpact, r.Scores.Efficiency, r.Scores.Collaboration,
		r.Scores.RepoPopularity, r.Scores.RepoInfluence, r.Scores.Followers, r.Scores.ProfileCompleteness,
		r.TotalScore, r.RankPosition,
	}
}

func insertRankings(ctx context.Context, c conn, rows []model.ContributorRanking) error {
	for _, r := range rows {
		if _, err := c.exec(ctx, insertRankingSQL, rankingArgs(r)...); err != nil {
			return eris.Wrapf(err, "store: insert ranking %d", r.ContributorID)
		}
	}
	return nil
}

// LatestRankings returns the most recent snapshot ordered by rank.
func (s *core) LatestRankings(ctx context.Context, limit int) ([]model.ContributorRanking, error) {
	out, err := queryAll(ctx, s.c, scanRanking,
		`SELECT `+rankingColumns+` FROM contributor_rankings
		WHERE calculated_at = (SELECT calculated_at FROM contributor_rankings ORDER BY calculated_at DESC LIMIT 1)
		ORDER BY rank_position, login LIMIT ?`, rankingLimit(limit))
	return out, eris.Wrap(err, "store: latest rankings")
}

// RankingsAt returns the snapshot computed at exactly at.
func (s *core) RankingsAt(ctx context.Context, at time.Time, limit int) ([]model.ContributorRanking, error) {
	out, err := queryAll(ctx, s.c, scanRanking,
		`SELECT `+rankingColumns+` FROM contributor_rankings WHERE calculated_at = ?
		ORDER BY rank_position, login LIMIT ?`, at.UTC(), rankingLimit(limit))
	return out, eris.Wrapf(err, "store: rankings at %s", at.Format(time.RFC3339))
}

// ListSnapshotTimes returns snapshot timestamps newest first.
func (s *core) ListSnapshotTimes(ctx context.Context, limit int) ([]time.Time, error) {
	out, err := queryAll(ctx, s.c, func(sc scannable) (time.Time, error) {
		var t time.Time
		err := sc.Scan(&t)
		return t, err
	}, `SELECT calculated_at FROM contributor_rankings GROUP BY calculated_at ORDER BY calculated_at DESC LIMIT ?`, rankingLimit(limit))
	return out, eris.Wrap(err, "store: list snapshot times")
}

// rankingLimit treats a non-positive limit as unbounded.
func rankingLimit(limit int) int {
	if limit <= 0 {
		return math.MaxInt32
	}
	return limit
}

func scanRanking(s scannable) (model.ContributorRanking, error) {
	var r model.ContributorRanking
	err := s.Scan(&r.ContributorID, &r.CalculatedAt, &r.Login, &r.CommitCount, &r.LinesAdded, &r.LinesRemoved,
		&r.Repositories, &r.Followers,
		&r.Scores.Volume, &r.Scores.CommitImpact, &r.Scores.Efficiency, &r.Scores.Collaboration,
		&r.Scores.RepoPopularity, &r.Scores.RepoInfluence, &r.Scores.Followers, &r.Scores.ProfileCompleteness,
		&r.TotalScore, &r.RankPosition)
	r.CalculatedAt = r.CalculatedAt.UTC()
	return r, err
}
