package gh

import (
	"context"
	"errors"

	perr "github.com/jmgilman/go/errors"
)

// PullRequest contains the pull request details needed to integrate a change.
type PullRequest struct {
	Owner   string
	Repo    string
	Number  int
	Title   string
	State   string
	Draft   bool
	HeadSHA string
	HeadRef string
	BaseRef string
	HTMLURL string
	Author  string
	Labels  []string
}

// IssueComment represents a GitHub issue or pull request comment.
type IssueComment struct {
	ID   int64
	Body string
}

// Client exposes the GitHub operations required by the submit orchestrator.
type Client interface {
	// ListOpenPullRequests returns open pull requests, optionally limited to
	// a base branch.
	ListOpenPullRequests(ctx context.Context, owner, repo, base string) ([]PullRequest, error)
	GetPullRequest(ctx context.Context, owner, repo string, number int) (PullRequest, error)
	CommentOnPullRequest(ctx context.Context, owner, repo string, number int, body string) error
	ListPullRequestComments(ctx context.Context, owner, repo string, number int) ([]IssueComment, error)
	UpdateComment(ctx context.Context, owner, repo string, commentID int64, body string) error
	AddLabel(ctx context.Context, owner, repo string, number int, label string) error
	// RemoveLabel succeeds when the label is already absent.
	RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error
	ClosePullRequest(ctx context.Context, owner, repo string, number int) error
}

// Factory builds concrete GitHub clients (e.g., REST-backed) for the orchestrator.
type Factory interface {
	New(ctx context.Context, token string) (Client, error)
}

// ErrPullRequestNotFound indicates the requested pull request does not exist.
var ErrPullRequestNotFound = errors.New("github: pull request not found")

// IsRetryable reports whether the supplied error resulted from a retryable GitHub
// API failure (for example, a transient network problem or rate-limited request).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return perr.IsRetryable(err)
}
