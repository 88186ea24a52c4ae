package submit

import (
	"context"

	"github.com/go-git/go-git/v5/plumbing/object"
	perr "github.com/jmgilman/go/errors"
)

// mergeStrategy implements merge-if-necessary and merge-always.
type mergeStrategy struct {
	always bool
}

func (s mergeStrategy) Kind() Kind {
	if s.always {
		return KindMergeAlways
	}
	return KindMergeIfNecessary
}

func (s mergeStrategy) BuildOps(ctx context.Context, args Args, candidates []*Candidate) (Plan, error) {
	if err := validateArgs(args); err != nil {
		return Plan{}, err
	}

	sorted, err := args.Sorter.Sort(ctx, candidates)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{Outcomes: sorted.Outcomes}
	heads := sorted.Heads
	if len(heads) == 0 {
		return plan, nil
	}

	switch {
	case !args.Tip.Born():
		plan.Ops = append(plan.Ops, &fastForwardOp{baseOp: baseOp{cand: heads[0]}, rejectEmpty: args.RejectEmptyCommits})
		heads = heads[1:]
	case !s.always:
		next, err := firstFastForward(ctx, args.Graph, args.Tip, heads)
		if err != nil {
			return Plan{}, err
		}
		if next != nil {
			plan.Ops = append(plan.Ops, &fastForwardOp{baseOp: baseOp{cand: next}, rejectEmpty: args.RejectEmptyCommits})
			heads = without(heads, next)
		}
	}

	for _, c := range heads {
		plan.Ops = append(plan.Ops, &mergeOneOp{baseOp: baseOp{cand: c}, always: s.always, committer: args.Committer})
	}
	return plan, nil
}

type mergeOneOp struct {
	baseOp
	always    bool
	committer object.Signature
}

func (o *mergeOneOp) UpdateRepo(ctx context.Context, rc RepoContext, tip MergeTip) (Step, error) {
	if !tip.Born() {
		return fastForward(tip, o.cand), nil
	}

	present, err := rc.IsAncestor(ctx, o.cand.Commit, tip.Current())
	if err != nil {
		return Step{}, perr.Wrapf(err, perr.CodeInternal, "check %s against tip", o.cand)
	}
	if present {
		return Step{Tip: tip}, nil
	}

	if !o.always {
		ff, err := rc.IsAncestor(ctx, tip.Current(), o.cand.Commit)
		if err != nil {
			return Step{}, perr.Wrapf(err, perr.CodeInternal, "check fast-forward to %s", o.cand)
		}
		if ff {
			return fastForward(tip, o.cand), nil
		}
	}

	return mergeCommit(ctx, rc, tip, o.cand, o.committer)
}
