package submit

import (
	"context"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/object"
	perr "github.com/jmgilman/go/errors"
)

// Kind names a submit strategy.
type Kind string

const (
	KindFastForwardOnly   Kind = "fast-forward-only"
	KindMergeIfNecessary  Kind = "merge-if-necessary"
	KindMergeAlways       Kind = "merge-always"
	KindCherryPick        Kind = "cherry-pick"
	KindRebaseIfNecessary Kind = "rebase-if-necessary"
	KindRebaseAlways      Kind = "rebase-always"
)

var kinds = []Kind{
	KindFastForwardOnly,
	KindMergeIfNecessary,
	KindMergeAlways,
	KindCherryPick,
	KindRebaseIfNecessary,
	KindRebaseAlways,
}

// Kinds returns every supported strategy.
func Kinds() []Kind {
	return append([]Kind(nil), kinds...)
}

// ParseKind accepts strategy names case-insensitively, with either dashes or
// underscores.
func ParseKind(raw string) (Kind, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", "-")
	for _, k := range kinds {
		if string(k) == normalized {
			return k, nil
		}
	}
	return "", perr.Newf(perr.CodeInvalidConfig, "unsupported submit strategy %q", raw)
}

// Rewrites reports whether the strategy lands changes as commits other than
// the reviewed ones.
func (k Kind) Rewrites() bool {
	switch k {
	case KindCherryPick, KindRebaseIfNecessary, KindRebaseAlways:
		return true
	default:
		return false
	}
}

// Args is the read-only planning context handed to a strategy.
type Args struct {
	Graph  Graph
	Tip    MergeTip
	Sorter *MergeSorter
	// Committer is used for every commit the batch creates.
	Committer object.Signature
	// RejectEmptyCommits turns commits that change no file into EMPTY_COMMIT.
	RejectEmptyCommits bool
}

// Plan is the output of a strategy: the ops to apply in order plus the
// outcomes decided without touching the repository.
type Plan struct {
	Ops      []Op
	Outcomes Outcomes
}

// Strategy turns a batch of candidates for one branch into a Plan. BuildOps
// never writes to the repository.
type Strategy interface {
	Kind() Kind
	BuildOps(ctx context.Context, args Args, candidates []*Candidate) (Plan, error)
}

// New returns the strategy implementation for kind.
func New(kind Kind) (Strategy, error) {
	switch kind {
	case KindFastForwardOnly:
		return fastForwardOnly{}, nil
	case KindMergeIfNecessary:
		return mergeStrategy{always: false}, nil
	case KindMergeAlways:
		return mergeStrategy{always: true}, nil
	case KindCherryPick:
		return cherryPick{}, nil
	case KindRebaseIfNecessary:
		return rebaseStrategy{always: false}, nil
	case KindRebaseAlways:
		return rebaseStrategy{always: true}, nil
	default:
		return nil, perr.Newf(perr.CodeInvalidConfig, "unsupported submit strategy %q", kind)
	}
}

func validateArgs(args Args) error {
	if args.Graph == nil {
		return perr.New(perr.CodeInvalidInput, "strategy requires a commit graph")
	}
	if args.Sorter == nil {
		return perr.New(perr.CodeInvalidInput, "strategy requires a merge sorter")
	}
	return nil
}

// firstFastForward returns the first sorted candidate the tip can be
// fast-forwarded to, or nil when no candidate qualifies. Any candidate
// qualifies on an unborn branch.
func firstFastForward(ctx context.Context, g Graph, tip MergeTip, sorted []*Candidate) (*Candidate, error) {
	for _, c := range sorted {
		if !tip.Born() {
			return c, nil
		}
		ok, err := g.IsAncestor(ctx, tip.Current(), c.Commit)
		if err != nil {
			return nil, perr.Wrapf(err, perr.CodeInternal, "check fast-forward to %s", c)
		}
		if ok {
			return c, nil
		}
	}
	return nil, nil
}

func without(candidates []*Candidate, drop *Candidate) []*Candidate {
	out := make([]*Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c != drop {
			out = append(out, c)
		}
	}
	return out
}

func markUnresolved(outcomes Outcomes, candidates []*Candidate, status Status) error {
	for _, c := range outcomes.Unresolved(candidates) {
		if err := outcomes.Set(c.Change, status); err != nil {
			return err
		}
	}
	return nil
}
