package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/rancher/submit-action/internal/event"
	"github.com/rancher/submit-action/internal/git"
	gh "github.com/rancher/submit-action/internal/github"
	"github.com/rancher/submit-action/internal/metrics"
	"github.com/rancher/submit-action/internal/orchestrator"
	"github.com/rancher/submit-action/internal/submit"
)

// Runner glues together the orchestrator and supporting services to execute the submit flow.
type Runner struct {
	cfg       Config
	log       *slog.Logger
	ghFactory gh.Factory
	gitExec   git.Executor // only set for testing via NewRunnerWithDeps
	metrics   *metrics.Recorder
}

// NewRunner constructs a Runner with the supplied configuration.
func NewRunner(cfg Config) (*Runner, error) {
	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	var opts []gh.RESTOption
	if cfg.GitHubRateLimit > 0 {
		opts = append(opts, gh.WithRateLimit(cfg.GitHubRateLimit, 1))
	}

	return &Runner{
		cfg:       cfg,
		log:       logger,
		ghFactory: gh.NewRESTFactory(cfg.GitHubBaseURL, cfg.GitHubUploadURL, opts...),
		metrics:   metrics.NewRecorder(cfg.PushGatewayURL, "submit-action"),
	}, nil
}

// NewRunnerWithDeps constructs a Runner with injected dependencies for testing.
func NewRunnerWithDeps(cfg Config, log *slog.Logger, ghFactory gh.Factory, gitExec git.Executor) *Runner {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Runner{cfg: cfg, log: log, ghFactory: ghFactory, gitExec: gitExec}
}

// Run executes the application using the provided context.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("starting submit action run", "dry_run", r.cfg.DryRun, "strategy", string(r.cfg.Strategy))

	trigger, err := r.loadTrigger()
	if err != nil {
		return err
	}
	if trigger == nil {
		return nil
	}

	if !trigger.Wakes(r.cfg.ReadyLabel) {
		r.log.Info("ignoring event that cannot change the submit queue", "event_name", trigger.Kind, "action", trigger.Action)
		return nil
	}

	owner, repo := trigger.Repository.Owner, trigger.Repository.Name
	if owner == "" || repo == "" {
		owner, repo = splitRepository(os.Getenv("GITHUB_REPOSITORY"))
	}
	if owner == "" || repo == "" {
		return fmt.Errorf("event payload missing repository owner/name")
	}

	ghClient, err := r.ghFactory.New(ctx, r.cfg.GitHubToken)
	if err != nil {
		return fmt.Errorf("initialize github client: %w", err)
	}

	gitExec := r.gitExec
	if gitExec == nil {
		exec, err := r.buildGitExecutor()
		if err != nil {
			return fmt.Errorf("configure git executor: %w", err)
		}
		gitExec = exec
	}

	orchCfg := orchestrator.Config{
		Strategy:           r.cfg.Strategy,
		ReadyLabel:         r.cfg.ReadyLabel,
		HoldLabels:         r.cfg.HoldLabels,
		MergedLabel:        r.cfg.MergedLabel,
		TargetBranches:     r.cfg.TargetBranches,
		DryRun:             r.cfg.DryRun,
		SkipDrafts:         r.cfg.SkipDrafts,
		MaxAttempts:        r.cfg.MaxAttempts,
		RejectEmptyCommits: r.cfg.RejectEmptyCommits,
		Committer:          submit.Identity{Name: r.cfg.GitUserName, Email: r.cfg.GitUserEmail},
	}

	orch, err := orchestrator.New(orchCfg, ghClient, gitExec, r.log, orchestrator.WithMetrics(r.metrics))
	if err != nil {
		return fmt.Errorf("configure orchestrator: %w", err)
	}

	result, err := orch.ProcessRepository(ctx, owner, repo, trigger.Branch)
	if err != nil {
		return fmt.Errorf("process repository: %w", err)
	}

	for _, change := range result.Changes() {
		r.log.Info("evaluated pull request", "pr", change.Number, "branch", change.Branch, "status", change.Status, "outcome", change.Outcome, "reason", change.Reason)
	}

	if err := r.writeStepSummary(result); err != nil {
		r.log.Warn("failed to write step summary", "error", err)
	}

	if err := r.writeGitHubOutputs(result); err != nil {
		r.log.Warn("failed to write action outputs", "error", err)
	}

	if err := r.metrics.Push(context.WithoutCancel(ctx)); err != nil {
		r.log.Warn("failed to push metrics", "error", err)
	}

	if failed := result.Failed(); len(failed) > 0 {
		return fmt.Errorf("submit failed for %d branch(es): %s", len(failed), strings.Join(failed, ", "))
	}

	return nil
}

// loadTrigger parses the workflow event. A nil trigger means the event is
// not one the action handles.
func (r *Runner) loadTrigger() (*event.Trigger, error) {
	eventName := strings.TrimSpace(os.Getenv("GITHUB_EVENT_NAME"))
	switch event.Kind(eventName) {
	case event.KindPullRequest, event.KindPullRequestTarget, event.KindSchedule, event.KindWorkflowDispatch:
	default:
		r.log.Info("ignoring unsupported event", "event_name", eventName)
		return nil, nil
	}

	eventPath := strings.TrimSpace(os.Getenv("GITHUB_EVENT_PATH"))
	if eventPath == "" {
		if event.Kind(eventName) != event.KindSchedule {
			return nil, fmt.Errorf("GITHUB_EVENT_PATH is required for %s events", eventName)
		}
		trigger, err := event.ParseTrigger(eventName, strings.NewReader(""))
		if err != nil {
			return nil, err
		}
		return &trigger, nil
	}

	trigger, err := event.ParseTriggerFile(eventName, eventPath)
	if err != nil {
		return nil, fmt.Errorf("parse %s event: %w", eventName, err)
	}
	return &trigger, nil
}

func (r *Runner) buildGitExecutor() (git.Executor, error) {
	exec := git.NewGoGitExecutor()
	exec.Token = r.cfg.GitHubToken
	exec.BaseDir = r.cfg.WorkspaceDir
	exec.InMemory = r.cfg.InMemory
	exec.Logger = r.log

	if r.cfg.GitSigningKey != "" {
		signer, err := git.NewOpenPGPSigner(r.cfg.GitSigningKey, r.cfg.GitSigningPass)
		if err != nil {
			return nil, fmt.Errorf("load signing key: %w", err)
		}
		exec.Signer = signer
	}

	if remote := remoteURLBuilder(r.cfg); remote != nil {
		exec.RemoteURL = remote
	}

	return exec, nil
}

func splitRepository(full string) (string, string) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(full), "/")
	if !ok {
		return "", ""
	}
	return owner, repo
}

func remoteURLBuilder(cfg Config) func(owner, repo string) string {
	base := strings.TrimSpace(cfg.GitHubBaseURL)
	if base == "" {
		return nil
	}

	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil
	}

	root := (&url.URL{Scheme: parsed.Scheme, Host: parsed.Host}).String()
	root = strings.TrimRight(root, "/")

	return func(owner, repo string) string {
		return fmt.Sprintf("%s/%s/%s.git", root, owner, repo)
	}
}
