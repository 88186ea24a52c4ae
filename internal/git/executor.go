package git

import (
	"context"
	"strconv"

	"github.com/go-git/go-git/v5/plumbing"
)

// Executor prepares repository workspaces used to integrate changes.
type Executor interface {
	Prepare(ctx context.Context, owner, repo string) (Workspace, error)
}

// Workspace is a local copy of a remote repository. Branch updates are made
// locally through Repository and published with PushBranch.
type Workspace interface {
	Repository() *Repository
	// FetchBranch refreshes the remote branch and resets the local branch to
	// it. The zero hash is returned when the branch does not exist remotely.
	FetchBranch(ctx context.Context, branch string) (plumbing.Hash, error)
	// FetchChange fetches the head of a pull request and returns its commit.
	FetchChange(ctx context.Context, number int) (plumbing.Hash, error)
	// PushBranch publishes tip to the remote branch, provided the remote still
	// points at expected. A moved remote yields a retryable conflict.
	PushBranch(ctx context.Context, branch string, expected, tip plumbing.Hash) error
	Cleanup(ctx context.Context) error
}

// ChangeRef is the local reference fetched pull request heads are stored under.
func ChangeRef(number int) plumbing.ReferenceName {
	return plumbing.ReferenceName("refs/changes/" + strconv.Itoa(number) + "/head")
}
