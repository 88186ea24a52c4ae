package git

import (
	"context"
	"log/slog"

	"github.com/go-git/go-git/v5/plumbing"
)

// DryRunExecutor wraps inner so that prepared workspaces never publish.
// Fetches and local integration still run, which lets a dry run report the
// outcome a real run would produce.
func DryRunExecutor(inner Executor, logger *slog.Logger) Executor {
	return &dryRunExecutor{inner: inner, logger: logger}
}

type dryRunExecutor struct {
	inner  Executor
	logger *slog.Logger
}

func (e *dryRunExecutor) Prepare(ctx context.Context, owner, repo string) (Workspace, error) {
	ws, err := e.inner.Prepare(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	return DryRun(ws, e.logger), nil
}

// DryRun returns a Workspace whose PushBranch only logs the update.
func DryRun(ws Workspace, logger *slog.Logger) Workspace {
	return &dryRunWorkspace{Workspace: ws, logger: logger}
}

type dryRunWorkspace struct {
	Workspace
	logger *slog.Logger
}

func (w *dryRunWorkspace) PushBranch(ctx context.Context, branch string, expected, tip plumbing.Hash) error {
	if w.logger != nil {
		w.logger.Info("dry run: skipping push", "branch", branch, "from", describeHash(expected), "to", tip.String())
	}
	return nil
}
