package submit

import (
	"context"

	perr "github.com/jmgilman/go/errors"
)

type fastForwardOnly struct{}

func (fastForwardOnly) Kind() Kind { return KindFastForwardOnly }

// BuildOps plans at most one fast-forward. Independent heads for the same
// branch, or a head that does not descend from the tip, reject the batch
// without any op.
func (fastForwardOnly) BuildOps(ctx context.Context, args Args, candidates []*Candidate) (Plan, error) {
	if err := validateArgs(args); err != nil {
		return Plan{}, err
	}

	sorted, err := args.Sorter.Sort(ctx, candidates)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{Outcomes: sorted.Outcomes}

	byBranch := make(map[BranchKey]*Candidate, len(sorted.Heads))
	for _, c := range sorted.Heads {
		other, ok := byBranch[c.Dest]
		if !ok {
			byBranch[c.Dest] = c
			continue
		}
		if err := plan.Outcomes.Set(other.Change, StatusFastForwardIndependentChanges); err != nil {
			return Plan{}, err
		}
		if err := plan.Outcomes.Set(c.Change, StatusFastForwardIndependentChanges); err != nil {
			return Plan{}, err
		}
		if err := markUnresolved(plan.Outcomes, candidates, StatusFastForwardIndependentChanges); err != nil {
			return Plan{}, err
		}
		return plan, nil
	}

	next, err := firstFastForward(ctx, args.Graph, args.Tip, sorted.Heads)
	if err != nil {
		return Plan{}, err
	}
	if next != nil && next.Commit != args.Tip.Initial() {
		plan.Ops = append(plan.Ops, &fastForwardOp{baseOp: baseOp{cand: next}, rejectEmpty: args.RejectEmptyCommits})
		return plan, nil
	}

	if err := markUnresolved(plan.Outcomes, candidates, StatusNotFastForward); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

type fastForwardOp struct {
	baseOp
	rejectEmpty bool
}

func (o *fastForwardOp) UpdateRepo(ctx context.Context, rc RepoContext, tip MergeTip) (Step, error) {
	if o.rejectEmpty {
		empty, err := isEmptyCommit(ctx, rc, o.cand)
		if err != nil {
			return Step{}, err
		}
		if empty {
			return Step{Tip: tip, Status: StatusEmptyCommit}, nil
		}
	}
	if tip.Born() {
		ok, err := rc.IsAncestor(ctx, tip.Current(), o.cand.Commit)
		if err != nil {
			return Step{}, perr.Wrapf(err, perr.CodeInternal, "check fast-forward to %s", o.cand)
		}
		if !ok {
			return Step{Tip: tip, Status: StatusNotFastForward}, nil
		}
	}
	return fastForward(tip, o.cand), nil
}

// CanFastForward reports whether c could be integrated into the sorter's
// branch tip by moving the branch pointer alone. It does not modify any state.
func CanFastForward(ctx context.Context, sorter *MergeSorter, c *Candidate) (bool, error) {
	missing, err := sorter.HasMissingDependencies(ctx, c, []*Candidate{c})
	if err != nil {
		return false, err
	}
	if missing {
		return false, nil
	}
	tip := sorter.tip
	if tip.IsZero() {
		return true, nil
	}
	ok, err := sorter.reachable(ctx, tip, c.Commit)
	if err != nil {
		return false, perr.Wrapf(err, perr.CodeInternal, "check fast-forward to %s", c)
	}
	if ok {
		return true, nil
	}
	ok, err = sorter.reachable(ctx, c.Commit, tip)
	if err != nil {
		return false, perr.Wrapf(err, perr.CodeInternal, "check %s already merged", c)
	}
	return ok, nil
}
