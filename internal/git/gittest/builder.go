// Package gittest builds commit graphs in memory for tests.
package gittest

import (
	"context"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/rancher/submit-action/internal/git"
)

// TB is the subset of testing.TB the builder needs. GinkgoT() satisfies it.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// Epoch is the author time of the first commit a Builder writes. Each later
// commit is one minute newer, so hashes are stable across runs.
var Epoch = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

// Builder writes commits into an in-memory repository.
type Builder struct {
	t    TB
	ctx  context.Context
	repo *git.Repository
	n    int
}

// New returns a Builder over a fresh in-memory repository.
func New(t TB, opts ...git.Option) *Builder {
	t.Helper()
	repo, err := git.NewMemory(opts...)
	if err != nil {
		t.Fatalf("create memory repository: %v", err)
	}
	return &Builder{t: t, ctx: context.Background(), repo: repo}
}

// For returns a Builder writing into an existing repository.
func For(t TB, repo *git.Repository) *Builder {
	return &Builder{t: t, ctx: context.Background(), repo: repo}
}

// Repository returns the repository commits are written to.
func (b *Builder) Repository() *git.Repository {
	return b.repo
}

// Commit writes a commit whose tree is the first parent's tree with files
// applied on top. An empty string value deletes the path.
func (b *Builder) Commit(message string, files map[string]string, parents ...plumbing.Hash) plumbing.Hash {
	b.t.Helper()

	entries := map[string]object.TreeEntry{}
	if len(parents) > 0 {
		parent, err := b.repo.Commit(b.ctx, parents[0])
		if err != nil {
			b.t.Fatalf("read parent %s: %v", parents[0], err)
		}
		entries, err = b.repo.TreeEntries(b.ctx, parent.TreeHash)
		if err != nil {
			b.t.Fatalf("read parent tree: %v", err)
		}
	}
	for path, content := range files {
		if content == "" {
			delete(entries, path)
			continue
		}
		blob, err := b.repo.WriteBlob(b.ctx, []byte(content))
		if err != nil {
			b.t.Fatalf("write blob %s: %v", path, err)
		}
		entries[path] = object.TreeEntry{Mode: filemode.Regular, Hash: blob}
	}

	tree, err := b.repo.WriteTree(b.ctx, entries)
	if err != nil {
		b.t.Fatalf("write tree: %v", err)
	}

	sig := object.Signature{Name: "Test Author", Email: "author@example.com", When: Epoch.Add(time.Duration(b.n) * time.Minute)}
	b.n++
	h, err := b.repo.WriteCommit(b.ctx, git.CommitSpec{
		Tree:      tree,
		Parents:   parents,
		Author:    sig,
		Committer: sig,
		Message:   message + "\n",
	})
	if err != nil {
		b.t.Fatalf("write commit %q: %v", message, err)
	}
	return h
}

// SetBranch points refs/heads/<name> at h.
func (b *Builder) SetBranch(name string, h plumbing.Hash) {
	b.t.Helper()
	if err := b.repo.SetRef(b.ctx, plumbing.NewBranchReferenceName(name), h); err != nil {
		b.t.Fatalf("set branch %s: %v", name, err)
	}
}

// File returns the content of path at commit, or "" when it is absent.
func (b *Builder) File(commit plumbing.Hash, path string) string {
	b.t.Helper()
	content, err := b.repo.ReadFile(b.ctx, commit, path)
	if err != nil {
		if git.IsNotFound(err) {
			return ""
		}
		b.t.Fatalf("read %s at %s: %v", path, commit, err)
	}
	return content
}
