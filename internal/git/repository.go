package git

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5/memfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/memory"
	perr "github.com/jmgilman/go/errors"
)

// Repository wraps a go-git repository with the graph queries and object
// writes needed to integrate changes. Reference updates are compare-and-swap.
type Repository struct {
	repo   *gogit.Repository
	signer Signer

	// refMu serializes CompareAndSwapRef; storers only check the old value
	// when one exists.
	refMu sync.Mutex
}

// Option customizes a Repository.
type Option func(*Repository)

// WithSigner signs every commit written through the repository.
func WithSigner(s Signer) Option {
	return func(r *Repository) { r.signer = s }
}

// Wrap returns a Repository backed by an existing go-git repository.
func Wrap(repo *gogit.Repository, opts ...Option) *Repository {
	r := &Repository{repo: repo}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewMemory returns an empty repository held entirely in memory.
func NewMemory(opts ...Option) (*Repository, error) {
	repo, err := gogit.Init(memory.NewStorage(), memfs.New())
	if err != nil {
		return nil, wrapError(err, "init memory repository")
	}
	return Wrap(repo, opts...), nil
}

// Underlying returns the go-git repository.
func (r *Repository) Underlying() *gogit.Repository {
	return r.repo
}

// Commit returns the commit object for h.
func (r *Repository) Commit(ctx context.Context, h plumbing.Hash) (*object.Commit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := r.repo.CommitObject(h)
	if err != nil {
		return nil, wrapError(err, "read commit "+h.String())
	}
	return c, nil
}

// IsAncestor reports whether ancestor is reachable from descendant. Every
// commit is its own ancestor.
func (r *Repository) IsAncestor(ctx context.Context, ancestor, descendant plumbing.Hash) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}
	if ancestor.IsZero() || descendant.IsZero() {
		return false, nil
	}

	start, err := r.Commit(ctx, descendant)
	if err != nil {
		return false, err
	}

	found := false
	iter := object.NewCommitPreorderIter(start, nil, nil)
	defer iter.Close()
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Hash == ancestor {
			found = true
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return false, wrapError(err, "walk history of "+descendant.String())
	}
	return found, nil
}

// MergeBases returns the best common ancestors of a and b.
func (r *Repository) MergeBases(ctx context.Context, a, b plumbing.Hash) ([]plumbing.Hash, error) {
	ca, err := r.Commit(ctx, a)
	if err != nil {
		return nil, err
	}
	cb, err := r.Commit(ctx, b)
	if err != nil {
		return nil, err
	}
	bases, err := ca.MergeBase(cb)
	if err != nil {
		return nil, wrapError(err, "merge base")
	}
	out := make([]plumbing.Hash, 0, len(bases))
	for _, c := range bases {
		out = append(out, c.Hash)
	}
	return out, nil
}

// ResolveRef returns the commit name points to, or the zero hash when the
// reference does not exist.
func (r *Repository) ResolveRef(ctx context.Context, name plumbing.ReferenceName) (plumbing.Hash, error) {
	if err := ctx.Err(); err != nil {
		return plumbing.ZeroHash, err
	}
	ref, err := r.repo.Reference(name, true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, nil
	}
	if err != nil {
		return plumbing.ZeroHash, wrapError(err, "resolve "+name.String())
	}
	return ref.Hash(), nil
}

// SetRef unconditionally points name at h. A zero hash removes the reference.
func (r *Repository) SetRef(ctx context.Context, name plumbing.ReferenceName, h plumbing.Hash) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.refMu.Lock()
	defer r.refMu.Unlock()

	if h.IsZero() {
		err := r.repo.Storer.RemoveReference(name)
		if err != nil && !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return wrapError(err, "remove "+name.String())
		}
		return nil
	}
	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(name, h)); err != nil {
		return wrapError(err, "set "+name.String())
	}
	return nil
}

// CompareAndSwapRef moves name from old to new. It fails with a retryable
// conflict when the reference no longer points at old; a zero old hash
// requires the reference to be absent.
func (r *Repository) CompareAndSwapRef(ctx context.Context, name plumbing.ReferenceName, old, new plumbing.Hash) error {
	if new.IsZero() {
		return perr.Newf(perr.CodeInvalidInput, "refusing to move %s to the zero hash", name)
	}
	r.refMu.Lock()
	defer r.refMu.Unlock()

	current, err := r.ResolveRef(ctx, name)
	if err != nil {
		return err
	}
	if current != old {
		return newRefConflict(name, old, current)
	}

	var expected *plumbing.Reference
	if !old.IsZero() {
		expected = plumbing.NewHashReference(name, old)
	}
	err = r.repo.Storer.CheckAndSetReference(plumbing.NewHashReference(name, new), expected)
	if errors.Is(err, storage.ErrReferenceHasChanged) {
		return newRefConflict(name, old, plumbing.ZeroHash)
	}
	if err != nil {
		return wrapError(err, "update "+name.String())
	}
	return nil
}

// RemoveRef deletes name if it still points at expected. It fails with a
// retryable conflict otherwise.
func (r *Repository) RemoveRef(ctx context.Context, name plumbing.ReferenceName, expected plumbing.Hash) error {
	r.refMu.Lock()
	defer r.refMu.Unlock()

	current, err := r.ResolveRef(ctx, name)
	if err != nil {
		return err
	}
	if current != expected {
		return newRefConflict(name, expected, current)
	}
	if current.IsZero() {
		return nil
	}
	if err := r.repo.Storer.RemoveReference(name); err != nil {
		return wrapError(err, "remove "+name.String())
	}
	return nil
}

// AcceptedTips returns the tips of all local and remote-tracking branches.
func (r *Repository) AcceptedTips(ctx context.Context) ([]plumbing.Hash, error) {
	iter, err := r.repo.Storer.IterReferences()
	if err != nil {
		return nil, wrapError(err, "list references")
	}
	defer iter.Close()

	seen := make(map[plumbing.Hash]struct{})
	var tips []plumbing.Hash
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		name := ref.Name()
		if !name.IsBranch() && !name.IsRemote() {
			return nil
		}
		if strings.HasSuffix(name.String(), "/HEAD") {
			return nil
		}
		if _, ok := seen[ref.Hash()]; ok {
			return nil
		}
		seen[ref.Hash()] = struct{}{}
		tips = append(tips, ref.Hash())
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return nil, err
	}
	return tips, nil
}

// WriteBlob stores data as a blob object.
func (r *Repository) WriteBlob(ctx context.Context, data []byte) (plumbing.Hash, error) {
	if err := ctx.Err(); err != nil {
		return plumbing.ZeroHash, err
	}
	obj := r.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(data)))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, wrapError(err, "open blob writer")
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, wrapError(err, "write blob")
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, wrapError(err, "close blob writer")
	}
	h, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, wrapError(err, "store blob")
	}
	return h, nil
}

// ReadFile returns the content at path in the tree of commit.
func (r *Repository) ReadFile(ctx context.Context, commit plumbing.Hash, path string) (string, error) {
	c, err := r.Commit(ctx, commit)
	if err != nil {
		return "", err
	}
	f, err := c.File(path)
	if err != nil {
		return "", wrapError(err, "read "+path)
	}
	content, err := f.Contents()
	if err != nil {
		return "", wrapError(err, "read "+path)
	}
	return content, nil
}
