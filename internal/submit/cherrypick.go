package submit

import (
	"context"

	"github.com/go-git/go-git/v5/plumbing/object"
	perr "github.com/jmgilman/go/errors"
)

type cherryPick struct{}

func (cherryPick) Kind() Kind { return KindCherryPick }

func (cherryPick) BuildOps(ctx context.Context, args Args, candidates []*Candidate) (Plan, error) {
	if err := validateArgs(args); err != nil {
		return Plan{}, err
	}

	sorted, err := args.Sorter.Linearize(ctx, candidates)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{Outcomes: sorted.Outcomes}
	for _, c := range sorted.Heads {
		plan.Ops = append(plan.Ops, &cherryPickOp{
			baseOp:      baseOp{cand: c},
			committer:   args.Committer,
			rejectEmpty: args.RejectEmptyCommits,
		})
	}
	return plan, nil
}

type cherryPickOp struct {
	baseOp
	committer   object.Signature
	rejectEmpty bool
}

func (o *cherryPickOp) UpdateRepo(ctx context.Context, rc RepoContext, tip MergeTip) (Step, error) {
	c := o.cand
	if !tip.Born() {
		return fastForward(tip, c), nil
	}
	if c.IsRoot() {
		return Step{Tip: tip, Status: StatusCannotCherryPickRoot}, nil
	}

	present, err := rc.IsAncestor(ctx, c.Commit, tip.Current())
	if err != nil {
		return Step{}, perr.Wrapf(err, perr.CodeInternal, "check %s against tip", c)
	}
	if present {
		return Step{Tip: tip}, nil
	}

	if c.IsMerge() {
		ff, err := rc.IsAncestor(ctx, tip.Current(), c.Commit)
		if err != nil {
			return Step{}, perr.Wrapf(err, perr.CodeInternal, "check fast-forward to %s", c)
		}
		if ff {
			return fastForward(tip, c), nil
		}
		return mergeCommit(ctx, rc, tip, c, o.committer)
	}

	merged, err := applyOnto(ctx, rc, tip, c)
	if err != nil {
		return Step{}, err
	}
	if len(merged.Conflicts) > 0 {
		return Step{Tip: tip, Status: StatusPathConflict}, nil
	}

	tipTree, err := treeOf(ctx, rc, tip.Current())
	if err != nil {
		return Step{}, err
	}
	if merged.Tree == tipTree {
		if o.rejectEmpty {
			return Step{Tip: tip, Status: StatusEmptyCommit}, nil
		}
		return Step{Tip: tip, Status: StatusSkippedIdenticalTree}, nil
	}

	h, err := rewrite(ctx, rc, tip, c, merged.Tree, o.committer)
	if err != nil {
		return Step{}, err
	}
	return Step{Tip: tip.MoveTo(h, c.Change), Status: StatusCleanPick}, nil
}
