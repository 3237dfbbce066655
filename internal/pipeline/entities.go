package pipeline

import (
	"strconv"
	"sync"

	"github.com/sells-group/ghpipe/internal/model"
)

// EntitySet holds the drafts of one run, deduplicated by external id with
// last-write-wins semantics. Insertion order is preserved so batches are
// deterministic. Safe for concurrent use.
type EntitySet struct {
	mu sync.Mutex

	repos        []*model.Repository
	repoIdx      map[int64]int
	contributors []*model.Contributor
	contribIdx   map[int64]int
	mrs          []*model.MergeRequest
	mrIdx        map[int64]int
	commits      []*model.Commit
	commitIdx    map[string]int
}

// NewEntitySet returns an empty set.
func NewEntitySet() *EntitySet {
	return &EntitySet{
		repoIdx:    map[int64]int{},
		contribIdx: map[int64]int{},
		mrIdx:      map[int64]int{},
		commitIdx:  map[string]int{},
	}
}

// Merge adds every draft in b, replacing earlier drafts with the same key.
func (s *EntitySet) Merge(b *model.EntityBatch) {
	if b == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range b.Repositories {
		s.repos = upsertDraft(s.repos, s.repoIdx, r.GitHubID, r)
	}
	for _, c := range b.Contributors {
		s.contributors = upsertDraft(s.contributors, s.contribIdx, c.GitHubID, c)
	}
	for _, m := range b.MergeRequests {
		s.mrs = upsertDraft(s.mrs, s.mrIdx, m.GitHubID, m)
	}
	for _, c := range b.Commits {
		s.commits = upsertDraft(s.commits, s.commitIdx, c.SHA, c)
	}
}

func upsertDraft[K comparable, T any](list []*T, idx map[K]int, key K, v *T) []*T {
	if i, ok := idx[key]; ok {
		list[i] = v
		return list
	}
	idx[key] = len(list)
	return append(list, v)
}

// AddContributorIfAbsent inserts c only when no draft with its id exists.
func (s *EntitySet) AddContributorIfAbsent(c *model.Contributor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contribIdx[c.GitHubID]; ok {
		return false
	}
	s.contribIdx[c.GitHubID] = len(s.contributors)
	s.contributors = append(s.contributors, c)
	return true
}

// Repository returns the draft with the given id, if any.
func (s *EntitySet) Repository(githubID int64) *model.Repository {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.repoIdx[githubID]; ok {
		return s.repos[i]
	}
	return nil
}

// Repositories returns the repository drafts in insertion order.
func (s *EntitySet) Repositories() []*model.Repository {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Repository(nil), s.repos...)
}

func (s *EntitySet) Contributors() []*model.Contributor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Contributor(nil), s.contributors...)
}

func (s *EntitySet) MergeRequests() []*model.MergeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.MergeRequest(nil), s.mrs...)
}

func (s *EntitySet) Commits() []*model.Commit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Commit(nil), s.commits...)
}

// Batch returns every draft as one batch.
func (s *EntitySet) Batch() *model.EntityBatch {
	return &model.EntityBatch{
		Repositories:  s.Repositories(),
		Contributors:  s.Contributors(),
		MergeRequests: s.MergeRequests(),
		Commits:       s.Commits(),
	}
}

// Len returns the number of drafts across all kinds.
func (s *EntitySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.repos) + len(s.contributors) + len(s.mrs) + len(s.commits)
}

// entityRef renders the item reference used in error entries.
func entityRef(kind model.EntityKind, key string) string {
	return string(kind) + ":" + key
}

func idRef(kind model.EntityKind, id int64) string {
	return entityRef(kind, strconv.FormatInt(id, 10))
}
