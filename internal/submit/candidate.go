package submit

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	perr "github.com/jmgilman/go/errors"
)

// ChangeID identifies a reviewed change. For GitHub-hosted projects it is the
// pull request number.
type ChangeID int

func (c ChangeID) String() string {
	return strconv.Itoa(int(c))
}

// BranchKey identifies the destination branch of a candidate.
type BranchKey struct {
	Project string
	Branch  string
}

// Ref returns the fully qualified reference name of the branch.
func (k BranchKey) Ref() plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(k.Branch)
}

func (k BranchKey) String() string {
	if k.Project == "" {
		return k.Branch
	}
	return k.Project + ":" + k.Branch
}

func (k BranchKey) less(other BranchKey) bool {
	if k.Project != other.Project {
		return k.Project < other.Project
	}
	return k.Branch < other.Branch
}

// Candidate is a commit proposed for integration into a branch. Candidates are
// immutable; their outcome is tracked separately in Outcomes.
type Candidate struct {
	Commit  plumbing.Hash
	Parents []plumbing.Hash
	Change  ChangeID
	Dest    BranchKey
	Subject string
}

// IsRoot reports whether the candidate commit has no parents.
func (c *Candidate) IsRoot() bool {
	return len(c.Parents) == 0
}

// IsMerge reports whether the candidate commit has more than one parent.
func (c *Candidate) IsMerge() bool {
	return len(c.Parents) > 1
}

func (c *Candidate) String() string {
	return fmt.Sprintf("#%d (%s)", c.Change, c.Commit.String()[:7])
}

// LoadCandidate reads the commit from the graph and returns a Candidate bound
// to the given change and destination.
func LoadCandidate(ctx context.Context, g Graph, change ChangeID, dest BranchKey, commit plumbing.Hash) (*Candidate, error) {
	if commit.IsZero() {
		return nil, perr.Newf(perr.CodeInvalidInput, "change %d has no commit", change)
	}
	if strings.TrimSpace(dest.Branch) == "" {
		return nil, perr.Newf(perr.CodeInvalidInput, "change %d has no destination branch", change)
	}

	c, err := g.Commit(ctx, commit)
	if err != nil {
		return nil, perr.Wrapf(err, perr.CodeNotFound, "load commit %s for change %d", commit, change)
	}

	parents := make([]plumbing.Hash, len(c.ParentHashes))
	copy(parents, c.ParentHashes)

	subject := strings.TrimSpace(c.Message)
	if idx := strings.IndexByte(subject, '\n'); idx >= 0 {
		subject = strings.TrimSpace(subject[:idx])
	}

	return &Candidate{
		Commit:  c.Hash,
		Parents: parents,
		Change:  change,
		Dest:    dest,
		Subject: subject,
	}, nil
}

// PartitionByBranch groups candidates by destination. Keys are returned in a
// stable order and candidates of each key are ordered by change.
func PartitionByBranch(candidates []*Candidate) ([]BranchKey, map[BranchKey][]*Candidate) {
	groups := make(map[BranchKey][]*Candidate)
	for _, c := range candidates {
		if c == nil {
			continue
		}
		groups[c.Dest] = append(groups[c.Dest], c)
	}

	keys := make([]BranchKey, 0, len(groups))
	for key, group := range groups {
		keys = append(keys, key)
		sortCandidates(group)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	return keys, groups
}

func sortCandidates(candidates []*Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidateLess(candidates[i], candidates[j])
	})
}

func candidateLess(a, b *Candidate) bool {
	if a.Change != b.Change {
		return a.Change < b.Change
	}
	return a.Commit.String() < b.Commit.String()
}
