package submit

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	perr "github.com/jmgilman/go/errors"

	"github.com/rancher/submit-action/internal/git"
)

// Step is the result of applying one operation.
type Step struct {
	Tip MergeTip
	// Status is the outcome of the op's own candidate. It is empty when the op
	// leaves the candidate to be resolved by clean-merge marking.
	Status Status
}

// Op is a single planned repository mutation. Ops run in plan order, each
// receiving the tip produced by its predecessor.
type Op interface {
	// Candidate returns the candidate the op integrates.
	Candidate() *Candidate
	// UpdateRepo writes the objects needed to integrate the candidate and
	// returns the advanced tip. It must not move any reference.
	UpdateRepo(ctx context.Context, rc RepoContext, tip MergeTip) (Step, error)
	// PostUpdate runs once the branch update is durable.
	PostUpdate(ctx context.Context, l Listener, res *BranchResult) error
}

// Outcome is delivered to listeners for every candidate of a committed batch.
type Outcome struct {
	BatchID   string
	Key       BranchKey
	Strategy  Kind
	Candidate *Candidate
	Status    Status
	// MergedAs is the commit that carries the change on the branch. It differs
	// from the candidate commit for merge commits and rewritten commits.
	MergedAs plumbing.Hash
	Tip      plumbing.Hash
}

// Listener observes committed batches.
type Listener interface {
	OnOutcome(ctx context.Context, o Outcome) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, o Outcome) error

func (f ListenerFunc) OnOutcome(ctx context.Context, o Outcome) error {
	return f(ctx, o)
}

type baseOp struct {
	cand *Candidate
}

func (o *baseOp) Candidate() *Candidate {
	return o.cand
}

func (o *baseOp) PostUpdate(ctx context.Context, l Listener, res *BranchResult) error {
	if o.cand == nil || l == nil || res == nil {
		return nil
	}
	return l.OnOutcome(ctx, res.outcomeFor(o.cand))
}

func fastForward(tip MergeTip, c *Candidate) Step {
	return Step{Tip: tip.MoveTo(c.Commit, c.Change), Status: StatusCleanMerge}
}

// mergeCommit records a merge of c into the current tip.
func mergeCommit(ctx context.Context, rc RepoContext, tip MergeTip, c *Candidate, committer object.Signature) (Step, error) {
	bases, err := rc.MergeBases(ctx, tip.Current(), c.Commit)
	if err != nil {
		return Step{}, perr.Wrapf(err, perr.CodeInternal, "merge base of %s", c)
	}
	if len(bases) > 1 {
		return Step{Tip: tip, Status: StatusManualRecursiveMerge}, nil
	}

	var baseTree plumbing.Hash
	if len(bases) == 1 {
		baseTree, err = treeOf(ctx, rc, bases[0])
		if err != nil {
			return Step{}, err
		}
	}
	ours, err := treeOf(ctx, rc, tip.Current())
	if err != nil {
		return Step{}, err
	}
	theirs, err := treeOf(ctx, rc, c.Commit)
	if err != nil {
		return Step{}, err
	}

	merged, err := rc.MergeTrees(ctx, baseTree, ours, theirs)
	if err != nil {
		return Step{}, perr.Wrapf(err, perr.CodeInternal, "merge trees for %s", c)
	}
	if len(merged.Conflicts) > 0 {
		return Step{Tip: tip, Status: StatusPathConflict}, nil
	}

	h, err := rc.WriteCommit(ctx, git.CommitSpec{
		Tree:      merged.Tree,
		Parents:   []plumbing.Hash{tip.Current(), c.Commit},
		Author:    committer,
		Committer: committer,
		Message:   mergeMessage(c),
	})
	if err != nil {
		return Step{}, perr.Wrapf(err, perr.CodeInternal, "write merge commit for %s", c)
	}
	return Step{Tip: tip.MoveTo(h, c.Change), Status: StatusCleanMerge}, nil
}

// applyOnto three-way applies the diff between c and its first parent onto the
// current tip and returns the resulting tree.
func applyOnto(ctx context.Context, rc RepoContext, tip MergeTip, c *Candidate) (git.TreeMerge, error) {
	base, err := treeOf(ctx, rc, c.Parents[0])
	if err != nil {
		return git.TreeMerge{}, err
	}
	ours, err := treeOf(ctx, rc, tip.Current())
	if err != nil {
		return git.TreeMerge{}, err
	}
	theirs, err := treeOf(ctx, rc, c.Commit)
	if err != nil {
		return git.TreeMerge{}, err
	}
	merged, err := rc.MergeTrees(ctx, base, ours, theirs)
	if err != nil {
		return git.TreeMerge{}, perr.Wrapf(err, perr.CodeInternal, "apply %s", c)
	}
	return merged, nil
}

// rewrite writes a copy of c with the given tree on top of the current tip,
// keeping the original author and message.
func rewrite(ctx context.Context, rc RepoContext, tip MergeTip, c *Candidate, tree plumbing.Hash, committer object.Signature) (plumbing.Hash, error) {
	orig, err := rc.Commit(ctx, c.Commit)
	if err != nil {
		return plumbing.ZeroHash, perr.Wrapf(err, perr.CodeInternal, "read %s", c)
	}
	h, err := rc.WriteCommit(ctx, git.CommitSpec{
		Tree:      tree,
		Parents:   []plumbing.Hash{tip.Current()},
		Author:    orig.Author,
		Committer: committer,
		Message:   orig.Message,
	})
	if err != nil {
		return plumbing.ZeroHash, perr.Wrapf(err, perr.CodeInternal, "write rewritten commit for %s", c)
	}
	return h, nil
}

func treeOf(ctx context.Context, g Graph, h plumbing.Hash) (plumbing.Hash, error) {
	c, err := g.Commit(ctx, h)
	if err != nil {
		return plumbing.ZeroHash, perr.Wrapf(err, perr.CodeInternal, "read commit %s", h)
	}
	return c.TreeHash, nil
}

func isEmptyCommit(ctx context.Context, g Graph, c *Candidate) (bool, error) {
	if len(c.Parents) != 1 {
		return false, nil
	}
	own, err := treeOf(ctx, g, c.Commit)
	if err != nil {
		return false, err
	}
	parent, err := treeOf(ctx, g, c.Parents[0])
	if err != nil {
		return false, err
	}
	return own == parent, nil
}

func mergeMessage(c *Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Merge change #%d\n", c.Change)
	if c.Subject != "" {
		fmt.Fprintf(&b, "\n* %s\n", c.Subject)
	}
	return b.String()
}
