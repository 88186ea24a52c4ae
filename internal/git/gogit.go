package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	perr "github.com/jmgilman/go/errors"
)

// GoGitExecutor prepares workspaces with go-git. Workspaces are bare: no
// worktree is ever checked out.
type GoGitExecutor struct {
	// BaseDir is the directory under which temporary workspaces are created. When
	// empty, os.TempDir() is used.
	BaseDir string

	// InMemory keeps the object store in memory instead of on disk.
	InMemory bool

	// RemoteURL constructs the git remote URL for the given owner/repo pair. When
	// unset, https://github.com/<owner>/<repo>.git is assumed.
	RemoteURL func(owner, repo string) string

	// Token, if provided, authenticates HTTPS remotes using the
	// x-access-token format.
	Token string

	// Signer, if set, signs every commit written in the workspace.
	Signer Signer

	// RemoteName controls which remote the workspace interacts with. Defaults to "origin".
	RemoteName string

	// NetworkRetries controls how many additional attempts should be made for network
	// operations (fetch, push). When zero, a default of 2 retries is used.
	NetworkRetries int

	// NetworkRetryDelay controls the initial backoff delay between retries. When zero,
	// a default of 1 second is used. Backoff grows exponentially per attempt.
	NetworkRetryDelay time.Duration

	// NetworkTimeout bounds network operations that would otherwise inherit an unbounded
	// context. When zero, a default of 2 minutes is used.
	NetworkTimeout time.Duration

	Logger *slog.Logger
}

// NewGoGitExecutor returns an Executor backed by go-git.
func NewGoGitExecutor() *GoGitExecutor {
	return &GoGitExecutor{}
}

func (e *GoGitExecutor) remoteName() string {
	if e.RemoteName == "" {
		return "origin"
	}
	return e.RemoteName
}

func (e *GoGitExecutor) remoteURL(owner, repo string) string {
	if e.RemoteURL != nil {
		return e.RemoteURL(owner, repo)
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
}

func (e *GoGitExecutor) auth(url string) transport.AuthMethod {
	if e.Token == "" || !strings.HasPrefix(url, "http") {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: e.Token}
}

func (e *GoGitExecutor) workspaceDir(repo string) (string, error) {
	base := e.BaseDir
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("create workspace base: %w", err)
	}
	return os.MkdirTemp(base, fmt.Sprintf("submit-%s-", strings.ReplaceAll(repo, " ", "_")))
}

// Prepare creates a bare repository, configures the remote and fetches every
// branch so accepted tips are known.
func (e *GoGitExecutor) Prepare(ctx context.Context, owner, repo string) (Workspace, error) {
	if owner == "" || repo == "" {
		return nil, perr.New(perr.CodeInvalidInput, "owner and repo are required")
	}

	remoteURL := e.remoteURL(owner, repo)
	if remoteURL == "" {
		return nil, perr.New(perr.CodeInvalidConfig, "remote url could not be determined")
	}

	var (
		raw     *gogit.Repository
		workDir string
		err     error
	)
	if e.InMemory {
		raw, err = gogit.Init(memory.NewStorage(), nil)
	} else {
		workDir, err = e.workspaceDir(repo)
		if err != nil {
			return nil, err
		}
		raw, err = gogit.PlainInit(workDir, true)
	}
	if err != nil {
		if workDir != "" {
			_ = os.RemoveAll(workDir)
		}
		return nil, wrapError(err, "init workspace")
	}

	remote := e.remoteName()
	if _, err := raw.CreateRemote(&config.RemoteConfig{
		Name:  remote,
		URLs:  []string{remoteURL},
		Fetch: []config.RefSpec{config.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", remote))},
	}); err != nil {
		if workDir != "" {
			_ = os.RemoveAll(workDir)
		}
		return nil, wrapError(err, "configure remote")
	}

	var opts []Option
	if e.Signer != nil {
		opts = append(opts, WithSigner(e.Signer))
	}

	ws := &goGitWorkspace{
		executor: e,
		repo:     Wrap(raw, opts...),
		path:     workDir,
		remote:   remote,
		auth:     e.auth(remoteURL),
	}

	err = ws.fetch(ctx, config.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", remote)))
	if err != nil && !isMissingRemoteRef(err) {
		_ = ws.Cleanup(ctx)
		return nil, fmt.Errorf("fetch branches: %w", err)
	}

	return ws, nil
}

type goGitWorkspace struct {
	executor *GoGitExecutor
	repo     *Repository
	path     string
	remote   string
	auth     transport.AuthMethod
}

func (w *goGitWorkspace) Repository() *Repository {
	return w.repo
}

func (w *goGitWorkspace) trackingRef(branch string) plumbing.ReferenceName {
	return plumbing.NewRemoteReferenceName(w.remote, branch)
}

func (w *goGitWorkspace) FetchBranch(ctx context.Context, branch string) (plumbing.Hash, error) {
	tracking := w.trackingRef(branch)
	spec := config.RefSpec(fmt.Sprintf("+%s:%s", plumbing.NewBranchReferenceName(branch), tracking))

	err := w.fetch(ctx, spec)
	switch {
	case err == nil:
	case isMissingRemoteRef(err):
		if err := w.repo.SetRef(ctx, tracking, plumbing.ZeroHash); err != nil {
			return plumbing.ZeroHash, err
		}
	default:
		return plumbing.ZeroHash, fmt.Errorf("fetch %s: %w", branch, err)
	}

	tip, err := w.repo.ResolveRef(ctx, tracking)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if err := w.repo.SetRef(ctx, plumbing.NewBranchReferenceName(branch), tip); err != nil {
		return plumbing.ZeroHash, err
	}
	return tip, nil
}

func (w *goGitWorkspace) FetchChange(ctx context.Context, number int) (plumbing.Hash, error) {
	if number <= 0 {
		return plumbing.ZeroHash, perr.Newf(perr.CodeInvalidInput, "invalid pull request number %d", number)
	}
	local := ChangeRef(number)
	spec := config.RefSpec(fmt.Sprintf("+refs/pull/%d/head:%s", number, local))
	if err := w.fetch(ctx, spec); err != nil {
		if isMissingRemoteRef(err) {
			return plumbing.ZeroHash, perr.Wrapf(err, perr.CodeNotFound, "pull request %d has no head ref", number)
		}
		return plumbing.ZeroHash, fmt.Errorf("fetch pull request %d: %w", number, err)
	}
	return w.repo.ResolveRef(ctx, local)
}

func (w *goGitWorkspace) PushBranch(ctx context.Context, branch string, expected, tip plumbing.Hash) error {
	if tip.IsZero() {
		return perr.Newf(perr.CodeInvalidInput, "refusing to push an empty tip to %s", branch)
	}
	target := plumbing.NewBranchReferenceName(branch)
	opts := &gogit.PushOptions{
		RemoteName: w.remote,
		RefSpecs:   []config.RefSpec{config.RefSpec(fmt.Sprintf("%s:%s", tip, target))},
		Auth:       w.auth,
	}
	if !expected.IsZero() {
		opts.RequireRemoteRefs = []config.RefSpec{config.RefSpec(fmt.Sprintf("%s:%s", expected, target))}
	}

	err := w.executor.withNetworkRetry(ctx, "push", func(ctx context.Context) error {
		err := w.repo.Underlying().PushContext(ctx, opts)
		if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
			return nil
		}
		return err
	})
	if err != nil {
		return wrapError(err, "push "+branch)
	}
	return w.repo.SetRef(ctx, w.trackingRef(branch), tip)
}

func (w *goGitWorkspace) Cleanup(ctx context.Context) error {
	if w.path == "" {
		return nil
	}
	return os.RemoveAll(w.path)
}

func (w *goGitWorkspace) fetch(ctx context.Context, specs ...config.RefSpec) error {
	err := w.executor.withNetworkRetry(ctx, "fetch", func(ctx context.Context) error {
		err := w.repo.Underlying().FetchContext(ctx, &gogit.FetchOptions{
			RemoteName: w.remote,
			RefSpecs:   specs,
			Auth:       w.auth,
			Tags:       gogit.NoTags,
			Force:      true,
		})
		if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
			return nil
		}
		return err
	})
	return err
}

// withNetworkRetry runs fn with a per-attempt timeout and retries failures
// that are not permanent, backing off exponentially between attempts.
func (e *GoGitExecutor) withNetworkRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	retries := e.networkRetriesValue()
	delay := e.networkRetryDelayValue()
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		attemptCtx, cancel := e.applyNetworkTimeout(ctx)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			break
		}
		if !retryableNetworkError(err) {
			break
		}
		if attempt == retries {
			break
		}

		if e.Logger != nil {
			e.Logger.Warn("git network operation failed, retrying", "op", op, "attempt", attempt+1, "delay", delay.String(), "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < time.Second {
			delay = time.Second
		}
		delay *= 2
	}

	if errors.Is(lastErr, context.DeadlineExceeded) {
		return perr.Wrapf(lastErr, perr.CodeTimeout, "git %s timed out", op)
	}
	return lastErr
}

func retryableNetworkError(err error) bool {
	if isMissingRemoteRef(err) || isRejectedPush(err) {
		return false
	}
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, gogit.ErrNonFastForwardUpdate):
		return false
	}
	return true
}

func isMissingRemoteRef(err error) bool {
	var noMatch gogit.NoMatchingRefSpecError
	if errors.As(err, &noMatch) || errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "couldn't find remote ref") ||
		strings.Contains(msg, "reference not found")
}

func (e *GoGitExecutor) networkRetriesValue() int {
	if e.NetworkRetries < 0 {
		return 0
	}
	if e.NetworkRetries == 0 {
		return 2
	}
	return e.NetworkRetries
}

func (e *GoGitExecutor) networkRetryDelayValue() time.Duration {
	if e.NetworkRetryDelay <= 0 {
		return time.Second
	}
	return e.NetworkRetryDelay
}

func (e *GoGitExecutor) networkTimeoutValue() time.Duration {
	if e.NetworkTimeout <= 0 {
		return 2 * time.Minute
	}
	return e.NetworkTimeout
}

func (e *GoGitExecutor) applyNetworkTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && !deadline.IsZero() {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.networkTimeoutValue())
}
