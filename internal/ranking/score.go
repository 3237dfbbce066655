// Package ranking scores persisted contributors and writes timestamped
// ranking snapshots.
package ranking

import (
	"maps"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/sells-group/ghpipe/internal/config"
	"github.com/sells-group/ghpipe/internal/model"
)

// Profile completeness points per populated field. The sum is capped at 100.
const (
	profileName     = 20
	profileBio      = 20
	profileCompany  = 15
	profileLocation = 10
	profileBlog     = 15
	profileEmail    = 15
	profileTwitter  = 10
	profileAvatar   = 5

	defaultEfficiency = 50.0
	defaultHighStars  = 1000
	collabExponent    = 0.8
)

// DefaultWeights returns the documented weight set. It sums to 1.0.
func DefaultWeights() config.RankingWeights {
	return config.RankingWeights{
		Volume:              0.20,
		CommitImpact:        0.15,
		Efficiency:          0.10,
		Collaboration:       0.15,
		RepoPopularity:      0.10,
		RepoInfluence:       0.10,
		Followers:           0.10,
		ProfileCompleteness: 0.10,
	}
}

// metrics are the raw per-contributor values before normalization.
type metrics struct {
	contributor  *model.Contributor
	linesAdded   int
	linesRemoved int
	commits      int
	repos        map[int64]bool
	mrCommits    map[int64]bool
}

func (m *metrics) lines() int { return m.linesAdded + m.linesRemoved }

// Score computes one ranking snapshot from ds. Every row carries at as its
// calculation time. The result is ordered by rank position and is fully
// determined by its inputs.
func Score(ds *model.RankingDataset, cfg config.RankingConfig, at time.Time) []model.ContributorRanking {
	if ds == nil {
		return nil
	}
	threshold := cfg.HighStarThreshold
	if threshold <= 0 {
		threshold = defaultHighStars
	}

	repos := make(map[int64]*model.Repository, len(ds.Repositories))
	for i := range ds.Repositories {
		repos[ds.Repositories[i].ID] = &ds.Repositories[i]
	}
	people := make(map[int64]*model.Contributor, len(ds.Contributors))
	for i := range ds.Contributors {
		people[ds.Contributors[i].ID] = &ds.Contributors[i]
	}
	human := func(id int64) bool {
		c, ok := people[id]
		return ok && !c.IsBot()
	}
	counted := func(repositoryID int64) bool {
		r, ok := repos[repositoryID]
		return ok && !r.IsFork
	}

	byContributor := map[int64]*metrics{}
	commitLines := map[int64]int{}
	mrTeams := map[int64]map[int64]bool{}
	addTeam := func(mrID, contributorID int64) {
		if mrID == 0 || !human(contributorID) {
			return
		}
		if mrTeams[mrID] == nil {
			mrTeams[mrID] = map[int64]bool{}
		}
		mrTeams[mrID][contributorID] = true
	}

	for i := range ds.Commits {
		c := &ds.Commits[i]
		if !counted(c.RepositoryID) {
			continue
		}
		if c.MergeRequestID != 0 {
			commitLines[c.MergeRequestID] += c.LinesChanged()
			addTeam(c.MergeRequestID, c.AuthorID)
		}
		if !human(c.AuthorID) {
			continue
		}
		m := byContributor[c.AuthorID]
		if m == nil {
			m = &metrics{contributor: people[c.AuthorID], repos: map[int64]bool{}, mrCommits: map[int64]bool{}}
			byContributor[c.AuthorID] = m
		}
		m.commits++
		m.linesAdded += c.Additions
		m.linesRemoved += c.Deletions
		m.repos[c.RepositoryID] = true
		if c.MergeRequestID != 0 {
			m.mrCommits[c.MergeRequestID] = true
		}
	}

	mrs := make(map[int64]*model.MergeRequest, len(ds.MergeRequests))
	for i := range ds.MergeRequests {
		mr := &ds.MergeRequests[i]
		if !counted(mr.RepositoryID) {
			continue
		}
		mrs[mr.ID] = mr
		addTeam(mr.ID, mr.AuthorID)
	}
	for _, p := range ds.Participants {
		if _, ok := mrs[p.MergeRequestID]; ok {
			addTeam(p.MergeRequestID, p.ContributorID)
		}
	}

	// Teams of each contributor, keyed by contributor.
	teams := map[int64][]int{}
	for mrID, team := range mrTeams {
		if _, ok := mrs[mrID]; !ok {
			continue
		}
		for id := range team {
			teams[id] = append(teams[id], len(team))
		}
	}

	var maxLines, maxCommits, maxFollowers, maxRepos int
	for _, m := range byContributor {
		maxLines = max(maxLines, m.lines())
		maxCommits = max(maxCommits, m.commits)
		maxFollowers = max(maxFollowers, m.contributor.Followers)
		maxRepos = max(maxRepos, len(m.repos))
	}

	out := make([]model.ContributorRanking, 0, len(byContributor))
	for id, m := range byContributor {
		c := m.contributor
		s := model.SubScores{
			Volume:              round2(normalize(m.lines(), maxLines)),
			CommitImpact:        round2(normalize(m.commits, maxCommits)),
			Efficiency:          round2(efficiency(m, mrs, commitLines)),
			Collaboration:       round2(collaboration(teams[id])),
			RepoPopularity:      round2(popularity(m.repos, repos, threshold)),
			RepoInfluence:       round2(normalize(len(m.repos), maxRepos)),
			Followers:           round2(normalize(c.Followers, maxFollowers)),
			ProfileCompleteness: profileCompleteness(c),
		}
		out = append(out, model.ContributorRanking{
			ContributorID: id,
			Login:         c.Login,
			CalculatedAt:  at,
			CommitCount:   m.commits,
			LinesAdded:    m.linesAdded,
			LinesRemoved:  m.linesRemoved,
			Repositories:  len(m.repos),
			Followers:     c.Followers,
			Scores:        s,
			TotalScore:    total(s, cfg.Weights),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TotalScore != b.TotalScore {
			return a.TotalScore > b.TotalScore
		}
		if a.Login != b.Login {
			return a.Login < b.Login
		}
		return a.ContributorID < b.ContributorID
	})
	assignRanks(out)
	return out
}

// assignRanks applies standard competition ranking to rows sorted by
// descending total: ties share a rank and the next distinct score takes its
// position (1, 1, 3).
func assignRanks(rows []model.ContributorRanking) {
	for i := range rows {
		if i > 0 && rows[i].TotalScore == rows[i-1].TotalScore {
			rows[i].RankPosition = rows[i-1].RankPosition
			continue
		}
		rows[i].RankPosition = i + 1
	}
}

// normalize scales v to 0..100 against the run-wide maximum.
func normalize(v, maxV int) float64 {
	if maxV <= 0 {
		maxV = 1
	}
	return 100 * float64(v) / float64(maxV)
}

// efficiency averages how closely each merge request's diff matches the sum
// of its linked commits.
func efficiency(m *metrics, mrs map[int64]*model.MergeRequest, commitLines map[int64]int) float64 {
	var (
		sum float64
		n   int
	)
	for _, mrID := range slices.Sorted(maps.Keys(m.mrCommits)) {
		mr, ok := mrs[mrID]
		commitTotal := commitLines[mrID]
		if !ok || commitTotal == 0 {
			continue
		}
		delta := math.Abs(float64(mr.Additions + mr.Deletions - commitTotal))
		sum += clamp(100 * (1 - delta/float64(commitTotal)))
		n++
	}
	if n == 0 {
		return defaultEfficiency
	}
	return sum / float64(n)
}

// collaboration saturates towards 100 as the mean team size grows.
func collaboration(teamSizes []int) float64 {
	if len(teamSizes) == 0 {
		return 0
	}
	var sum int
	for _, s := range teamSizes {
		sum += s
	}
	mean := float64(sum) / float64(len(teamSizes))
	if mean <= 1 {
		return 0
	}
	return 100 * (1 - math.Pow(mean, -collabExponent))
}

func popularity(contributed map[int64]bool, repos map[int64]*model.Repository, threshold int) float64 {
	var (
		weighted float64
		popular  int
	)
	for id := range contributed {
		r := repos[id]
		weighted += float64(r.Stars + 2*r.Forks)
		if r.Stars >= threshold {
			popular++
		}
	}
	return math.Min(100, 10*math.Log10(1+weighted)+10*float64(popular))
}

func profileCompleteness(c *model.Contributor) float64 {
	points := 0
	for _, f := range []struct {
		value  string
		points int
	}{
		{c.Name, profileName},
		{c.Bio, profileBio},
		{c.Company, profileCompany},
		{c.Location, profileLocation},
		{c.Blog, profileBlog},
		{c.Email, profileEmail},
		{c.Twitter, profileTwitter},
		{c.AvatarURL, profileAvatar},
	} {
		if f.value != "" {
			points += f.points
		}
	}
	return float64(min(points, 100))
}

func total(s model.SubScores, w config.RankingWeights) float64 {
	return round2(s.Volume*w.Volume +
		s.CommitImpact*w.CommitImpact +
		s.Efficiency*w.Efficiency +
		s.Collaboration*w.Collaboration +
		s.RepoPopularity*w.RepoPopularity +
		s.RepoInfluence*w.RepoInfluence +
		s.Followers*w.Followers +
		s.ProfileCompleteness*w.ProfileCompleteness)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
