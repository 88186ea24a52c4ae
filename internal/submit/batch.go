package submit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/uuid"
	perr "github.com/jmgilman/go/errors"
)

// Identity is the name and email used for commits created by a batch.
type Identity struct {
	Name  string
	Email string
}

// PublishFunc makes a locally committed branch update durable, for example by
// pushing it to a remote. An error leaves the batch uncommitted.
type PublishFunc func(ctx context.Context, key BranchKey, oldTip, newTip plumbing.Hash) error

// Options configures an Executor.
type Options struct {
	Strategy           Kind
	Committer          Identity
	RejectEmptyCommits bool
	// Now stamps created commits. Defaults to time.Now.
	Now func() time.Time
	// Publish runs after the local reference update and before listeners.
	Publish   PublishFunc
	Listeners []Listener
	Logger    *slog.Logger
}

// Executor applies submit strategies to batches of candidates. Each branch is
// processed independently; the executor never retries.
type Executor struct {
	strategy    Strategy
	committer   Identity
	rejectEmpty bool
	now         func() time.Time
	publish     PublishFunc
	listeners   []Listener
	log         *slog.Logger
}

// BranchResult reports the outcome of one branch of a batch.
type BranchResult struct {
	BatchID    string
	Key        BranchKey
	Strategy   Kind
	InitialTip plumbing.Hash
	FinalTip   plumbing.Hash
	Outcomes   Outcomes
	// MergedAs maps every merged change to the commit carrying it.
	MergedAs map[ChangeID]plumbing.Hash
	// Err is set when the branch was not updated. Outcomes are then partial.
	Err error

	candidates []*Candidate
	ops        []Op
}

// Committed reports whether the branch update completed.
func (r *BranchResult) Committed() bool {
	return r.Err == nil
}

// Candidates returns the candidates of the branch in change order.
func (r *BranchResult) Candidates() []*Candidate {
	return append([]*Candidate(nil), r.candidates...)
}

func (r *BranchResult) outcomeFor(c *Candidate) Outcome {
	status, _ := r.Outcomes.Get(c.Change)
	return Outcome{
		BatchID:   r.BatchID,
		Key:       r.Key,
		Strategy:  r.Strategy,
		Candidate: c,
		Status:    status,
		MergedAs:  r.MergedAs[c.Change],
		Tip:       r.FinalTip,
	}
}

// NewExecutor validates opts and returns an Executor.
func NewExecutor(opts Options) (*Executor, error) {
	kind := opts.Strategy
	if kind == "" {
		kind = KindFastForwardOnly
	}
	strategy, err := New(kind)
	if err != nil {
		return nil, err
	}
	if opts.Committer.Name == "" || opts.Committer.Email == "" {
		return nil, perr.New(perr.CodeInvalidConfig, "committer name and email are required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Executor{
		strategy:    strategy,
		committer:   opts.Committer,
		rejectEmpty: opts.RejectEmptyCommits,
		now:         now,
		publish:     opts.Publish,
		listeners:   opts.Listeners,
		log:         opts.Logger,
	}, nil
}

// Strategy returns the configured strategy kind.
func (e *Executor) Strategy() Kind {
	return e.strategy.Kind()
}

// Run partitions candidates by destination and processes every branch. A
// failure on one branch does not affect the others.
func (e *Executor) Run(ctx context.Context, rc RepoContext, candidates []*Candidate) []BranchResult {
	keys, groups := PartitionByBranch(candidates)
	results := make([]BranchResult, 0, len(keys))
	for _, key := range keys {
		results = append(results, e.RunBranch(ctx, rc, key, groups[key]))
	}
	return results
}

// RunBranch integrates candidates into one branch: it plans, applies every op,
// resolves the remaining candidates, moves the reference with a single
// compare-and-swap and finally notifies listeners.
func (e *Executor) RunBranch(ctx context.Context, rc RepoContext, key BranchKey, candidates []*Candidate) BranchResult {
	ordered := make([]*Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c != nil {
			ordered = append(ordered, c)
		}
	}
	sortCandidates(ordered)

	res := BranchResult{
		BatchID:    uuid.New().String(),
		Key:        key,
		Strategy:   e.strategy.Kind(),
		Outcomes:   make(Outcomes),
		MergedAs:   make(map[ChangeID]plumbing.Hash),
		candidates: ordered,
	}
	log := e.logger().With("batch_id", res.BatchID, "branch", key.String(), "strategy", string(res.Strategy))

	for _, c := range ordered {
		if c.Dest != key {
			res.Err = perr.Newf(perr.CodeInvalidInput, "%s targets %s, not %s", c, c.Dest, key)
			return res
		}
	}

	initial, err := rc.ResolveRef(ctx, key.Ref())
	if err != nil {
		res.Err = perr.Wrapf(err, perr.CodeInternal, "resolve %s", key.Ref())
		return res
	}
	res.InitialTip = initial
	res.FinalTip = initial

	accepted, err := rc.AcceptedTips(ctx)
	if err != nil {
		res.Err = perr.Wrap(err, perr.CodeInternal, "list accepted branch tips")
		return res
	}

	args := Args{
		Graph:              rc,
		Tip:                NewMergeTip(initial),
		Sorter:             NewMergeSorter(rc, initial, accepted),
		Committer:          e.signature(),
		RejectEmptyCommits: e.rejectEmpty,
	}

	plan, err := e.strategy.BuildOps(ctx, args, ordered)
	if err != nil {
		res.Err = perr.Wrap(err, perr.CodeInternal, "build submit plan")
		return res
	}
	res.ops = plan.Ops
	outcomes := plan.Outcomes.Clone()
	if outcomes == nil {
		outcomes = make(Outcomes)
	}
	log.Debug("planned batch", "candidates", len(ordered), "ops", len(plan.Ops), "planned_outcomes", len(outcomes))

	tip := args.Tip
	for _, op := range plan.Ops {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		c := op.Candidate()
		step, err := op.UpdateRepo(ctx, rc, tip)
		if err != nil {
			res.Err = perr.WithContext(perr.Wrapf(err, perr.CodeInternal, "apply %s", c), "change", int(c.Change))
			return res
		}
		tip = step.Tip
		if step.Status == "" {
			continue
		}
		if err := outcomes.Set(c.Change, step.Status); err != nil {
			res.Err = err
			return res
		}
		if !step.Status.Merged() {
			tip = tip.Skip(c.Commit)
		}
		log.Debug("applied op", "change", int(c.Change), "status", string(step.Status), "tip", tip.Current().String())
	}

	if err := markCleanMerges(ctx, rc, tip, ordered, outcomes); err != nil {
		res.Err = err
		return res
	}
	if err := inheritRejections(ctx, rc, ordered, outcomes); err != nil {
		res.Err = err
		return res
	}
	for _, c := range ordered {
		if !outcomes.Resolved(c.Change) {
			res.Err = perr.WithContext(
				perr.Newf(perr.CodeInternal, "%s has no status after applying the plan", c),
				"change", int(c.Change),
			)
			return res
		}
	}
	res.Outcomes = outcomes

	results := tip.Results()
	for _, c := range ordered {
		status, _ := outcomes.Get(c.Change)
		if !status.Merged() {
			continue
		}
		if h, ok := results[c.Change]; ok {
			res.MergedAs[c.Change] = h
		} else if status != StatusSkippedIdenticalTree {
			res.MergedAs[c.Change] = c.Commit
		}
	}

	if tip.Advanced() {
		if err := rc.CompareAndSwapRef(ctx, key.Ref(), initial, tip.Current()); err != nil {
			res.Err = fmt.Errorf("update %s: %w", key.Ref(), err)
			return res
		}
		if e.publish != nil {
			if err := e.publish(ctx, key, initial, tip.Current()); err != nil {
				res.Err = fmt.Errorf("publish %s: %w", key.Ref(), err)
				if rerr := e.restoreRef(ctx, rc, key, initial, tip.Current()); rerr != nil {
					log.Warn("failed to restore branch after publish failure", "error", rerr)
				}
				return res
			}
		}
	}
	res.FinalTip = tip.Current()

	log.Info("branch updated", "initial_tip", initial.String(), "final_tip", res.FinalTip.String(), "advanced", tip.Advanced())
	e.notify(ctx, &res, log)
	return res
}

// restoreRef moves the local branch back to initial after a failed publish so
// the unpublished tip is not treated as integrated. An unborn branch is
// removed again.
func (e *Executor) restoreRef(ctx context.Context, rc RepoContext, key BranchKey, initial, published plumbing.Hash) error {
	if initial.IsZero() {
		return rc.RemoveRef(ctx, key.Ref(), published)
	}
	return rc.CompareAndSwapRef(ctx, key.Ref(), published, initial)
}

func (e *Executor) notify(ctx context.Context, res *BranchResult, log *slog.Logger) {
	covered := make(map[ChangeID]struct{}, len(res.ops))
	for _, op := range res.ops {
		if c := op.Candidate(); c != nil {
			covered[c.Change] = struct{}{}
		}
		for _, l := range e.listeners {
			if err := op.PostUpdate(ctx, l, res); err != nil {
				log.Warn("post-update listener failed", "change", int(op.Candidate().Change), "error", err)
			}
		}
	}
	for _, c := range res.candidates {
		if _, ok := covered[c.Change]; ok {
			continue
		}
		for _, l := range e.listeners {
			if err := l.OnOutcome(ctx, res.outcomeFor(c)); err != nil {
				log.Warn("post-update listener failed", "change", int(c.Change), "error", err)
			}
		}
	}
}

// markCleanMerges resolves candidates brought in by another op: anything
// reachable from the final tip that has no status yet landed cleanly.
func markCleanMerges(ctx context.Context, g Graph, tip MergeTip, candidates []*Candidate, outcomes Outcomes) error {
	if !tip.Born() {
		return nil
	}
	for _, c := range outcomes.Unresolved(candidates) {
		ok, err := g.IsAncestor(ctx, c.Commit, tip.Current())
		if err != nil {
			return perr.Wrapf(err, perr.CodeInternal, "check %s against final tip", c)
		}
		if !ok {
			continue
		}
		status := StatusCleanMerge
		if !tip.Initial().IsZero() {
			merged, err := g.IsAncestor(ctx, c.Commit, tip.Initial())
			if err != nil {
				return perr.Wrapf(err, perr.CodeInternal, "check %s against initial tip", c)
			}
			if merged {
				status = StatusAlreadyMerged
			}
		}
		if err := outcomes.Set(c.Change, status); err != nil {
			return err
		}
	}
	return nil
}

// inheritRejections resolves candidates that were only reachable through a
// rejected head: they take the status of that head.
func inheritRejections(ctx context.Context, g Graph, candidates []*Candidate, outcomes Outcomes) error {
	var rejected []*Candidate
	for _, c := range candidates {
		if s, ok := outcomes.Get(c.Change); ok && !s.Merged() {
			rejected = append(rejected, c)
		}
	}
	for _, c := range outcomes.Unresolved(candidates) {
		for _, head := range rejected {
			ok, err := g.IsAncestor(ctx, c.Commit, head.Commit)
			if err != nil {
				return perr.Wrapf(err, perr.CodeInternal, "check %s against %s", c, head)
			}
			if ok {
				status, _ := outcomes.Get(head.Change)
				if err := outcomes.Set(c.Change, status); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

func (e *Executor) signature() object.Signature {
	return object.Signature{Name: e.committer.Name, Email: e.committer.Email, When: e.now()}
}

func (e *Executor) logger() *slog.Logger {
	if e.log != nil {
		return e.log
	}
	return slog.New(slog.DiscardHandler)
}
