package gh

import (
	"context"
	"log/slog"
)

// NewDryRunClient wraps inner so reads pass through while every write is
// logged and skipped.
func NewDryRunClient(inner Client, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &dryRunClient{Client: inner, logger: logger}
}

type dryRunClient struct {
	Client
	logger *slog.Logger
}

func (c *dryRunClient) CommentOnPullRequest(ctx context.Context, owner, repo string, number int, body string) error {
	c.logger.Info("dry run: skipping comment", "repo", owner+"/"+repo, "pr", number)
	return nil
}

func (c *dryRunClient) UpdateComment(ctx context.Context, owner, repo string, commentID int64, body string) error {
	c.logger.Info("dry run: skipping comment update", "repo", owner+"/"+repo, "comment_id", commentID)
	return nil
}

func (c *dryRunClient) AddLabel(ctx context.Context, owner, repo string, number int, label string) error {
	c.logger.Info("dry run: skipping label add", "repo", owner+"/"+repo, "pr", number, "label", label)
	return nil
}

func (c *dryRunClient) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	c.logger.Info("dry run: skipping label removal", "repo", owner+"/"+repo, "pr", number, "label", label)
	return nil
}

func (c *dryRunClient) ClosePullRequest(ctx context.Context, owner, repo string, number int) error {
	c.logger.Info("dry run: skipping close", "repo", owner+"/"+repo, "pr", number)
	return nil
}
