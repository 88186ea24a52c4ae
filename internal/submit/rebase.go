package submit

import (
	"context"

	"github.com/go-git/go-git/v5/plumbing/object"
	perr "github.com/jmgilman/go/errors"
)

// rebaseStrategy implements rebase-if-necessary and rebase-always. Every
// admissible candidate gets its own op so dependent changes are rewritten on
// top of their rewritten parents.
type rebaseStrategy struct {
	always bool
}

func (s rebaseStrategy) Kind() Kind {
	if s.always {
		return KindRebaseAlways
	}
	return KindRebaseIfNecessary
}

func (s rebaseStrategy) BuildOps(ctx context.Context, args Args, candidates []*Candidate) (Plan, error) {
	if err := validateArgs(args); err != nil {
		return Plan{}, err
	}

	sorted, err := args.Sorter.SortTopological(ctx, candidates)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{Outcomes: sorted.Outcomes}
	for _, c := range sorted.Heads {
		plan.Ops = append(plan.Ops, &rebaseOp{
			baseOp:      baseOp{cand: c},
			always:      s.always,
			committer:   args.Committer,
			rejectEmpty: args.RejectEmptyCommits,
		})
	}
	return plan, nil
}

type rebaseOp struct {
	baseOp
	always      bool
	committer   object.Signature
	rejectEmpty bool
}

func (o *rebaseOp) UpdateRepo(ctx context.Context, rc RepoContext, tip MergeTip) (Step, error) {
	c := o.cand
	if !tip.Born() {
		return fastForward(tip, c), nil
	}
	for _, p := range c.Parents {
		if tip.Skipped(p) {
			return Step{Tip: tip, Status: StatusMissingDependency}, nil
		}
	}

	present, err := rc.IsAncestor(ctx, c.Commit, tip.Current())
	if err != nil {
		return Step{}, perr.Wrapf(err, perr.CodeInternal, "check %s against tip", c)
	}
	if present {
		return Step{Tip: tip}, nil
	}

	ff, err := rc.IsAncestor(ctx, tip.Current(), c.Commit)
	if err != nil {
		return Step{}, perr.Wrapf(err, perr.CodeInternal, "check fast-forward to %s", c)
	}

	if c.IsMerge() {
		if ff {
			return fastForward(tip, c), nil
		}
		return mergeCommit(ctx, rc, tip, c, o.committer)
	}
	if c.IsRoot() {
		return Step{Tip: tip, Status: StatusCannotRebaseRoot}, nil
	}
	if ff && !o.always {
		return fastForward(tip, c), nil
	}

	merged, err := applyOnto(ctx, rc, tip, c)
	if err != nil {
		return Step{}, err
	}
	if len(merged.Conflicts) > 0 {
		return Step{Tip: tip, Status: StatusRebaseMergeConflict}, nil
	}
	if o.rejectEmpty {
		tipTree, err := treeOf(ctx, rc, tip.Current())
		if err != nil {
			return Step{}, err
		}
		if merged.Tree == tipTree {
			return Step{Tip: tip, Status: StatusEmptyCommit}, nil
		}
	}

	h, err := rewrite(ctx, rc, tip, c, merged.Tree, o.committer)
	if err != nil {
		return Step{}, err
	}
	return Step{Tip: tip.MoveTo(h, c.Change), Status: StatusCleanRebase}, nil
}
