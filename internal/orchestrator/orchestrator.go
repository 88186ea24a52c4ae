package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	perr "github.com/jmgilman/go/errors"

	"github.com/rancher/submit-action/internal/git"
	gh "github.com/rancher/submit-action/internal/github"
	"github.com/rancher/submit-action/internal/labels"
	"github.com/rancher/submit-action/internal/metrics"
	"github.com/rancher/submit-action/internal/submit"
)

// Orchestrator collects ready pull requests, integrates them into their
// destination branches with the configured submit strategy and reports the
// outcome back to GitHub.
type Orchestrator struct {
	cfg      Config
	gh       gh.Client
	git      git.Executor
	selector *labels.Selector
	metrics  *metrics.Recorder
	log      *slog.Logger
}

// ChangeStatus summarises what happened to a pull request during a run.
type ChangeStatus string

const (
	ChangeStatusMerged   ChangeStatus = "merged"
	ChangeStatusRejected ChangeStatus = "rejected"
	ChangeStatusFailed   ChangeStatus = "failed"
	ChangeStatusDryRun   ChangeStatus = "dry_run"
	ChangeStatusSkipped  ChangeStatus = "skipped"
)

// ChangeResult captures the outcome of one pull request.
type ChangeResult struct {
	Number  int
	Title   string
	URL     string
	Branch  string
	Status  ChangeStatus
	Outcome submit.Status
	Reason  string
	// MergedAs is the commit carrying the change on the branch, if any.
	MergedAs string
}

// BranchSummary captures the outcome of one destination branch.
type BranchSummary struct {
	Branch     string
	Strategy   submit.Kind
	BatchID    string
	InitialTip string
	FinalTip   string
	Attempts   int
	Err        string
	Changes    []ChangeResult
}

// Result captures the outcome of a single orchestrator run.
type Result struct {
	Branches     []BranchSummary
	Skipped      []ChangeResult
	NoWork       bool
	NoWorkReason string
}

// Changes returns every change result, branch by branch, followed by the
// changes that were not attempted.
func (r Result) Changes() []ChangeResult {
	var out []ChangeResult
	for _, b := range r.Branches {
		out = append(out, b.Changes...)
	}
	return append(out, r.Skipped...)
}

// Failed reports the branches that could not be updated.
func (r Result) Failed() []string {
	var out []string
	for _, b := range r.Branches {
		if b.Err != "" {
			out = append(out, b.Branch)
		}
	}
	return out
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records outcome and attempt metrics on rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(o *Orchestrator) {
		o.metrics = rec
	}
}

// New returns a configured Orchestrator instance. In dry-run mode GitHub
// writes are logged instead of performed.
func New(cfg Config, ghClient gh.Client, gitExecutor git.Executor, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if ghClient == nil {
		return nil, perr.New(perr.CodeInvalidConfig, "github client is required")
	}
	if gitExecutor == nil {
		return nil, perr.New(perr.CodeInvalidConfig, "git executor is required")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = submit.KindFastForwardOnly
	}
	if _, err := submit.New(cfg.Strategy); err != nil {
		return nil, err
	}
	selector, err := labels.NewSelector(cfg.ReadyLabel, cfg.HoldLabels, cfg.TargetBranches)
	if err != nil {
		return nil, perr.Wrap(err, perr.CodeInvalidConfig, "configure pull request selection")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	o := &Orchestrator{cfg: cfg, gh: ghClient, git: gitExecutor, selector: selector, log: logger}
	if cfg.DryRun {
		o.gh = gh.NewDryRunClient(ghClient, logger)
		o.git = git.DryRunExecutor(gitExecutor, logger)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

type queued struct {
	pr        gh.PullRequest
	candidate *submit.Candidate
}

// ProcessRepository submits every ready pull request of owner/repo. A
// non-empty branch restricts the run to that destination. A best-effort Result
// is always returned when err == nil; per-branch failures are reported in it.
func (o *Orchestrator) ProcessRepository(ctx context.Context, owner, repo, branch string) (Result, error) {
	branch = labels.NormalizeBranch(branch)
	if branch != "" {
		if err := labels.ValidateBranch(branch); err != nil {
			return Result{}, perr.Wrapf(err, perr.CodeInvalidInput, "invalid branch %q", branch)
		}
	}

	prs, err := o.listReady(ctx, owner, repo, branch)
	if err != nil {
		return Result{}, err
	}

	var result Result
	ready := make([]gh.PullRequest, 0, len(prs))
	for _, pr := range prs {
		if reason := o.skipReason(pr); reason != "" {
			o.log.Info("skipping pull request", "pr", pr.Number, "branch", pr.BaseRef, "reason", reason)
			result.Skipped = append(result.Skipped, changeResult(pr, ChangeStatusSkipped, reason))
			continue
		}
		ready = append(ready, pr)
	}

	if len(ready) == 0 {
		result.NoWork = true
		result.NoWorkReason = "no ready pull requests"
		o.log.Info("nothing to submit", "owner", owner, "repo", repo, "branch", branch)
		return result, nil
	}

	ws, err := o.git.Prepare(ctx, owner, repo)
	if err != nil {
		return Result{}, fmt.Errorf("prepare workspace: %w", err)
	}
	defer func() {
		if err := ws.Cleanup(context.WithoutCancel(ctx)); err != nil {
			o.log.Warn("failed to cleanup workspace", "error", err)
		}
	}()

	groups := make(map[string][]queued)
	for _, pr := range ready {
		q, reason, err := o.load(ctx, ws, owner, repo, pr)
		if err != nil {
			o.log.Warn("failed to load pull request", "pr", pr.Number, "error", err)
			result.Skipped = append(result.Skipped, changeResult(pr, ChangeStatusFailed, err.Error()))
			continue
		}
		if reason != "" {
			o.log.Info("skipping pull request", "pr", pr.Number, "branch", pr.BaseRef, "reason", reason)
			result.Skipped = append(result.Skipped, changeResult(pr, ChangeStatusSkipped, reason))
			continue
		}
		groups[q.pr.BaseRef] = append(groups[q.pr.BaseRef], q)
	}

	branches := make([]string, 0, len(groups))
	for b := range groups {
		branches = append(branches, b)
	}
	slices.Sort(branches)

	for _, b := range branches {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Branches = append(result.Branches, o.submitBranch(ctx, ws, owner, repo, b, groups[b]))
	}

	return result, nil
}

func (o *Orchestrator) listReady(ctx context.Context, owner, repo, branch string) ([]gh.PullRequest, error) {
	var prs []gh.PullRequest
	err := o.withGitHubRetry(ctx, "list pull requests", func(ctx context.Context) error {
		var err error
		prs, err = o.gh.ListOpenPullRequests(ctx, owner, repo, branch)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}

	out := prs[:0]
	for _, pr := range prs {
		if o.selector.Ready(pr.Labels) {
			out = append(out, pr)
		}
	}
	return out, nil
}

func (o *Orchestrator) skipReason(pr gh.PullRequest) string {
	switch {
	case pr.Draft && o.cfg.SkipDrafts:
		return "pull request is a draft"
	case !o.selector.AllowsBranch(pr.BaseRef):
		return fmt.Sprintf("branch %s is not a submit target", pr.BaseRef)
	case labels.ValidateBranch(pr.BaseRef) != nil:
		return fmt.Sprintf("branch %q is not a valid destination", pr.BaseRef)
	}
	return ""
}

// load fetches the pull request head and builds its candidate. When the head
// moved since the listing the pull request is read again, and a non-empty
// reason is returned if it is no longer ready for submission.
func (o *Orchestrator) load(ctx context.Context, ws git.Workspace, owner, repo string, pr gh.PullRequest) (queued, string, error) {
	head, err := ws.FetchChange(ctx, pr.Number)
	if err != nil {
		return queued{}, "", err
	}
	if pr.HeadSHA != "" && pr.HeadSHA != head.String() {
		o.log.Info("pull request head moved since listing", "pr", pr.Number, "listed", pr.HeadSHA, "fetched", head.String())
		fresh, reason, err := o.refresh(ctx, owner, repo, pr)
		if err != nil || reason != "" {
			return queued{}, reason, err
		}
		pr = fresh
		if pr.HeadSHA != "" && pr.HeadSHA != head.String() {
			if head, err = ws.FetchChange(ctx, pr.Number); err != nil {
				return queued{}, "", err
			}
		}
	}

	key := submit.BranchKey{Project: owner + "/" + repo, Branch: pr.BaseRef}
	c, err := submit.LoadCandidate(ctx, ws.Repository(), submit.ChangeID(pr.Number), key, head)
	if err != nil {
		return queued{}, "", err
	}
	if c.Subject == "" {
		c.Subject = pr.Title
	}
	return queued{pr: pr, candidate: c}, "", nil
}

// refresh rereads a pull request and reports why it can no longer be
// submitted, if it cannot.
func (o *Orchestrator) refresh(ctx context.Context, owner, repo string, listed gh.PullRequest) (gh.PullRequest, string, error) {
	var pr gh.PullRequest
	err := o.withGitHubRetry(ctx, "get pull request", func(ctx context.Context) error {
		var err error
		pr, err = o.gh.GetPullRequest(ctx, owner, repo, listed.Number)
		return err
	})
	switch {
	case errors.Is(err, gh.ErrPullRequestNotFound):
		return gh.PullRequest{}, "pull request no longer exists", nil
	case err != nil:
		return gh.PullRequest{}, "", fmt.Errorf("get pull request %d: %w", listed.Number, err)
	}

	switch {
	case pr.State != "" && pr.State != "open":
		return pr, fmt.Sprintf("pull request is %s", pr.State), nil
	case !o.selector.Ready(pr.Labels):
		return pr, "pull request is no longer ready", nil
	case pr.BaseRef != listed.BaseRef:
		return pr, fmt.Sprintf("base branch changed to %s", pr.BaseRef), nil
	}
	if reason := o.skipReason(pr); reason != "" {
		return pr, reason, nil
	}
	return pr, "", nil
}

func (o *Orchestrator) submitBranch(ctx context.Context, ws git.Workspace, owner, repo, branch string, batch []queued) BranchSummary {
	summary := BranchSummary{Branch: branch, Strategy: o.cfg.Strategy}
	prs := make(map[submit.ChangeID]gh.PullRequest, len(batch))
	candidates := make([]*submit.Candidate, 0, len(batch))
	for _, q := range batch {
		prs[q.candidate.Change] = q.pr
		candidates = append(candidates, q.candidate)
	}

	listeners := []submit.Listener{o.newNotifier(owner, repo, prs)}
	if o.metrics != nil {
		listeners = append(listeners, submit.ListenerFunc(func(_ context.Context, out submit.Outcome) error {
			o.metrics.RecordOutcome(string(out.Strategy), string(out.Status))
			return nil
		}))
	}

	exec, err := submit.NewExecutor(submit.Options{
		Strategy:           o.cfg.Strategy,
		Committer:          o.cfg.Committer,
		RejectEmptyCommits: o.cfg.RejectEmptyCommits,
		Publish: func(ctx context.Context, key submit.BranchKey, oldTip, newTip plumbing.Hash) error {
			return ws.PushBranch(ctx, key.Branch, oldTip, newTip)
		},
		Listeners: listeners,
		Logger:    o.log,
	})
	if err != nil {
		summary.Err = err.Error()
		summary.Changes = failAll(batch, err)
		return summary
	}

	key := submit.BranchKey{Project: owner + "/" + repo, Branch: branch}
	log := o.log.With("branch", branch, "strategy", string(o.cfg.Strategy))
	started := time.Now()

	var res submit.BranchResult
	for attempt := 1; ; attempt++ {
		summary.Attempts = attempt
		res, err = o.attempt(ctx, ws, exec, key, candidates)
		if err == nil {
			o.metrics.RecordAttempt(metrics.AttemptCommitted)
			break
		}
		if !perr.IsRetryable(err) || attempt >= o.cfg.maxAttempts() || ctx.Err() != nil {
			o.metrics.RecordAttempt(metrics.AttemptFailed)
			log.Error("branch update failed", "attempt", attempt, "error", err)
			summary.Err = err.Error()
			break
		}
		o.metrics.RecordAttempt(metrics.AttemptRetried)
		log.Warn("branch moved during submission, retrying", "attempt", attempt, "error", err)
	}
	o.metrics.ObserveBatch(string(o.cfg.Strategy), time.Since(started))

	summary.BatchID = res.BatchID
	summary.InitialTip = hashString(res.InitialTip)
	summary.FinalTip = hashString(res.FinalTip)

	if summary.Err != "" {
		summary.Changes = failAll(batch, errors.New(summary.Err))
		return summary
	}

	for _, q := range batch {
		status, _ := res.Outcomes.Get(q.candidate.Change)
		cr := changeResult(q.pr, ChangeStatusRejected, status.Description())
		cr.Outcome = status
		if status.Merged() {
			cr.Status = ChangeStatusMerged
			if o.cfg.DryRun {
				cr.Status = ChangeStatusDryRun
			}
			cr.MergedAs = hashString(res.MergedAs[q.candidate.Change])
		}
		summary.Changes = append(summary.Changes, cr)
	}
	log.Info("submitted branch", "batch_id", res.BatchID, "attempts", summary.Attempts, "final_tip", summary.FinalTip)
	return summary
}

// attempt refreshes the branch from the remote and runs one batch on it.
func (o *Orchestrator) attempt(ctx context.Context, ws git.Workspace, exec *submit.Executor, key submit.BranchKey, candidates []*submit.Candidate) (submit.BranchResult, error) {
	if _, err := ws.FetchBranch(ctx, key.Branch); err != nil {
		return submit.BranchResult{}, fmt.Errorf("fetch %s: %w", key.Branch, err)
	}
	res := exec.RunBranch(ctx, ws.Repository(), key, candidates)
	return res, res.Err
}

// withGitHubRetry retries fn while GitHub reports a transient failure.
func (o *Orchestrator) withGitHubRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := time.Second
	var err error
	for attempt := 1; attempt <= o.cfg.maxAttempts(); attempt++ {
		if err = fn(ctx); err == nil || !gh.IsRetryable(err) || attempt == o.cfg.maxAttempts() {
			return err
		}
		o.log.Warn("github request failed, retrying", "op", op, "attempt", attempt, "delay", delay.String(), "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func changeResult(pr gh.PullRequest, status ChangeStatus, reason string) ChangeResult {
	return ChangeResult{
		Number: pr.Number,
		Title:  pr.Title,
		URL:    pr.HTMLURL,
		Branch: pr.BaseRef,
		Status: status,
		Reason: reason,
	}
}

func failAll(batch []queued, err error) []ChangeResult {
	out := make([]ChangeResult, 0, len(batch))
	for _, q := range batch {
		out = append(out, changeResult(q.pr, ChangeStatusFailed, err.Error()))
	}
	return out
}

func hashString(h plumbing.Hash) string {
	if h.IsZero() {
		return ""
	}
	return h.String()
}
