package submit

import (
	"context"

	"github.com/go-git/go-git/v5/plumbing"
	perr "github.com/jmgilman/go/errors"
)

// MergeSorter reduces a batch of candidates to the minimal set of heads whose
// integration brings in every other candidate.
type MergeSorter struct {
	graph    Graph
	tip      plumbing.Hash
	accepted []plumbing.Hash

	memo map[reachKey]bool
}

type reachKey struct {
	ancestor   plumbing.Hash
	descendant plumbing.Hash
}

// Sorted is the result of reducing a batch.
type Sorted struct {
	// Heads are the retained candidates, ancestors first.
	Heads []*Candidate
	// Outcomes holds the statuses decided while sorting: ALREADY_MERGED and
	// MISSING_DEPENDENCY.
	Outcomes Outcomes
}

// NewMergeSorter returns a sorter for a branch whose tip is initialTip (zero
// for an unborn branch). Commits reachable from accepted are considered
// integrated elsewhere and never count as missing dependencies.
func NewMergeSorter(g Graph, initialTip plumbing.Hash, accepted []plumbing.Hash) *MergeSorter {
	acc := make([]plumbing.Hash, 0, len(accepted))
	for _, h := range accepted {
		if !h.IsZero() {
			acc = append(acc, h)
		}
	}
	return &MergeSorter{graph: g, tip: initialTip, accepted: acc, memo: make(map[reachKey]bool)}
}

// Sort drops candidates already on the branch, rejects candidates with
// missing dependencies and collapses candidates that are ancestors of other
// retained candidates.
func (s *MergeSorter) Sort(ctx context.Context, candidates []*Candidate) (Sorted, error) {
	admitted, contents, outcomes, err := s.admit(ctx, candidates, true)
	if err != nil {
		return Sorted{}, err
	}

	heads := reduceToHeads(admitted, contents)
	ordered, err := topoOrder(ctx, s.graph, heads)
	if err != nil {
		return Sorted{}, err
	}
	return Sorted{Heads: ordered, Outcomes: outcomes}, nil
}

// SortTopological returns every admissible candidate, ancestors first. It is
// used by strategies that rewrite each candidate individually.
func (s *MergeSorter) SortTopological(ctx context.Context, candidates []*Candidate) (Sorted, error) {
	admitted, _, outcomes, err := s.admit(ctx, candidates, true)
	if err != nil {
		return Sorted{}, err
	}
	ordered, err := topoOrder(ctx, s.graph, admitted)
	if err != nil {
		return Sorted{}, err
	}
	return Sorted{Heads: ordered, Outcomes: outcomes}, nil
}

// Linearize orders the candidates not yet on the branch without checking
// their dependencies. Cherry-picks apply each change's own diff, so a change
// does not need its parents to be integrated.
func (s *MergeSorter) Linearize(ctx context.Context, candidates []*Candidate) (Sorted, error) {
	admitted, _, outcomes, err := s.admit(ctx, candidates, false)
	if err != nil {
		return Sorted{}, err
	}
	ordered, err := topoOrder(ctx, s.graph, admitted)
	if err != nil {
		return Sorted{}, err
	}
	return Sorted{Heads: ordered, Outcomes: outcomes}, nil
}

// HasMissingDependencies reports whether the candidate's ancestry contains a
// commit that is neither on the branch, accepted elsewhere, nor in batch.
func (s *MergeSorter) HasMissingDependencies(ctx context.Context, c *Candidate, batch []*Candidate) (bool, error) {
	merged, err := s.onBranch(ctx, c.Commit)
	if err != nil || merged {
		return false, err
	}
	_, missing, err := s.walk(ctx, c, commitSet(batch))
	return missing, err
}

func (s *MergeSorter) admit(ctx context.Context, candidates []*Candidate, checkDeps bool) ([]*Candidate, map[ChangeID]map[plumbing.Hash]struct{}, Outcomes, error) {
	ordered := make([]*Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c != nil {
			ordered = append(ordered, c)
		}
	}
	sortCandidates(ordered)

	outcomes := make(Outcomes)
	pending := make([]*Candidate, 0, len(ordered))
	for _, c := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, nil, nil, err
		}
		merged, err := s.onBranch(ctx, c.Commit)
		if err != nil {
			return nil, nil, nil, err
		}
		if merged {
			if err := outcomes.Set(c.Change, StatusAlreadyMerged); err != nil {
				return nil, nil, nil, err
			}
			continue
		}
		pending = append(pending, c)
	}

	if !checkDeps {
		return pending, nil, outcomes, nil
	}

	inBatch := commitSet(pending)
	contents := make(map[ChangeID]map[plumbing.Hash]struct{}, len(pending))
	admitted := make([]*Candidate, 0, len(pending))
	for _, c := range pending {
		reach, missing, err := s.walk(ctx, c, inBatch)
		if err != nil {
			return nil, nil, nil, err
		}
		if missing {
			if err := outcomes.Set(c.Change, StatusMissingDependency); err != nil {
				return nil, nil, nil, err
			}
			continue
		}
		contents[c.Change] = reach
		admitted = append(admitted, c)
	}

	return admitted, contents, outcomes, nil
}

// walk collects the batch commits reachable from c, stopping at the branch tip
// and at accepted commits. missing is true when the walk reaches a commit that
// is in none of those sets.
func (s *MergeSorter) walk(ctx context.Context, c *Candidate, inBatch map[plumbing.Hash]struct{}) (map[plumbing.Hash]struct{}, bool, error) {
	reach := map[plumbing.Hash]struct{}{c.Commit: {}}
	seen := map[plumbing.Hash]struct{}{c.Commit: {}}
	queue := append([]plumbing.Hash(nil), c.Parents...)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		h := queue[0]
		queue = queue[1:]
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}

		merged, err := s.onBranch(ctx, h)
		if err != nil {
			return nil, false, err
		}
		if merged {
			continue
		}
		if _, ok := inBatch[h]; !ok {
			accepted, err := s.isAccepted(ctx, h)
			if err != nil {
				return nil, false, err
			}
			if accepted {
				continue
			}
			if _, err := s.graph.Commit(ctx, h); err != nil {
				return nil, false, perr.Wrapf(err, perr.CodeInternal, "commit graph is missing %s", h)
			}
			return nil, true, nil
		}

		reach[h] = struct{}{}
		commit, err := s.graph.Commit(ctx, h)
		if err != nil {
			return nil, false, perr.Wrapf(err, perr.CodeInternal, "commit graph is missing %s", h)
		}
		queue = append(queue, commit.ParentHashes...)
	}

	return reach, false, nil
}

func (s *MergeSorter) onBranch(ctx context.Context, h plumbing.Hash) (bool, error) {
	if s.tip.IsZero() {
		return false, nil
	}
	return s.reachable(ctx, h, s.tip)
}

func (s *MergeSorter) isAccepted(ctx context.Context, h plumbing.Hash) (bool, error) {
	for _, tip := range s.accepted {
		ok, err := s.reachable(ctx, h, tip)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *MergeSorter) reachable(ctx context.Context, ancestor, descendant plumbing.Hash) (bool, error) {
	key := reachKey{ancestor: ancestor, descendant: descendant}
	if v, ok := s.memo[key]; ok {
		return v, nil
	}
	ok, err := s.graph.IsAncestor(ctx, ancestor, descendant)
	if err != nil {
		return false, perr.Wrapf(err, perr.CodeInternal, "check ancestry of %s", ancestor)
	}
	s.memo[key] = ok
	return ok, nil
}

// reduceToHeads drops every candidate reachable from another candidate. Of
// several candidates sharing a commit only the first one is kept.
func reduceToHeads(admitted []*Candidate, contents map[ChangeID]map[plumbing.Hash]struct{}) []*Candidate {
	heads := make([]*Candidate, 0, len(admitted))
	kept := make(map[plumbing.Hash]struct{})
	for _, c := range admitted {
		if _, dup := kept[c.Commit]; dup {
			continue
		}
		subsumed := false
		for _, other := range admitted {
			if other.Commit == c.Commit {
				continue
			}
			if _, ok := contents[other.Change][c.Commit]; ok {
				subsumed = true
				break
			}
		}
		if subsumed {
			continue
		}
		kept[c.Commit] = struct{}{}
		heads = append(heads, c)
	}
	return heads
}

// topoOrder sorts candidates so that ancestors come first. Ties are broken by
// change number.
func topoOrder(ctx context.Context, g Graph, candidates []*Candidate) ([]*Candidate, error) {
	n := len(candidates)
	if n < 2 {
		return candidates, nil
	}

	ordered := append([]*Candidate(nil), candidates...)
	sortCandidates(ordered)

	indegree := make([]int, n)
	edges := make([][]int, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j || ordered[i].Commit == ordered[j].Commit {
				continue
			}
			ok, err := g.IsAncestor(ctx, ordered[i].Commit, ordered[j].Commit)
			if err != nil {
				return nil, perr.Wrapf(err, perr.CodeInternal, "order %s", ordered[i])
			}
			if ok {
				edges[i] = append(edges[i], j)
				indegree[j]++
			}
		}
	}

	out := make([]*Candidate, 0, n)
	done := make([]bool, n)
	for len(out) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, perr.New(perr.CodeInternal, "commit graph contains a cycle")
		}
		done[next] = true
		out = append(out, ordered[next])
		for _, j := range edges[next] {
			indegree[j]--
		}
	}
	return out, nil
}

func commitSet(candidates []*Candidate) map[plumbing.Hash]struct{} {
	set := make(map[plumbing.Hash]struct{}, len(candidates))
	for _, c := range candidates {
		set[c.Commit] = struct{}{}
	}
	return set
}
