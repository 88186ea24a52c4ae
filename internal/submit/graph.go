package submit

import (
	"context"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/rancher/submit-action/internal/git"
)

// Graph is the read-only view of the commit graph used while planning.
type Graph interface {
	Commit(ctx context.Context, h plumbing.Hash) (*object.Commit, error)
	// IsAncestor reports whether ancestor is reachable from descendant. A
	// commit is its own ancestor.
	IsAncestor(ctx context.Context, ancestor, descendant plumbing.Hash) (bool, error)
	MergeBases(ctx context.Context, a, b plumbing.Hash) ([]plumbing.Hash, error)
}

// RepoContext is the repository handle used while applying operations. Ops
// only write objects; the branch reference is moved once per batch through
// CompareAndSwapRef.
type RepoContext interface {
	Graph
	ResolveRef(ctx context.Context, name plumbing.ReferenceName) (plumbing.Hash, error)
	// AcceptedTips returns the tips of every integrated branch known to the
	// repository. Commits reachable from them are not missing dependencies.
	AcceptedTips(ctx context.Context) ([]plumbing.Hash, error)
	MergeTrees(ctx context.Context, base, ours, theirs plumbing.Hash) (git.TreeMerge, error)
	WriteCommit(ctx context.Context, spec git.CommitSpec) (plumbing.Hash, error)
	CompareAndSwapRef(ctx context.Context, name plumbing.ReferenceName, old, new plumbing.Hash) error
	RemoveRef(ctx context.Context, name plumbing.ReferenceName, expected plumbing.Hash) error
}

var _ RepoContext = (*git.Repository)(nil)
