package git

import (
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	perr "github.com/jmgilman/go/errors"
)

// TreeMerge is the result of a three-way tree merge. Tree is only valid when
// Conflicts is empty.
type TreeMerge struct {
	Tree      plumbing.Hash
	Conflicts []string
}

// CommitSpec describes a commit to write.
type CommitSpec struct {
	Tree      plumbing.Hash
	Parents   []plumbing.Hash
	Author    object.Signature
	Committer object.Signature
	Message   string
}

// MergeTrees merges ours and theirs relative to base at path granularity. A
// path changed differently on both sides is a conflict; a zero base stands
// for the empty tree. The merged tree is written only when there are no
// conflicts.
func (r *Repository) MergeTrees(ctx context.Context, base, ours, theirs plumbing.Hash) (TreeMerge, error) {
	if ours == theirs {
		return TreeMerge{Tree: ours}, nil
	}
	if base == ours {
		return TreeMerge{Tree: theirs}, nil
	}
	if base == theirs {
		return TreeMerge{Tree: ours}, nil
	}

	b, err := r.flatten(ctx, base)
	if err != nil {
		return TreeMerge{}, err
	}
	o, err := r.flatten(ctx, ours)
	if err != nil {
		return TreeMerge{}, err
	}
	t, err := r.flatten(ctx, theirs)
	if err != nil {
		return TreeMerge{}, err
	}

	paths := make(map[string]struct{}, len(o)+len(t))
	for p := range b {
		paths[p] = struct{}{}
	}
	for p := range o {
		paths[p] = struct{}{}
	}
	for p := range t {
		paths[p] = struct{}{}
	}

	merged := make(map[string]object.TreeEntry, len(paths))
	var conflicts []string
	for p := range paths {
		be, inBase := b[p]
		oe, inOurs := o[p]
		te, inTheirs := t[p]

		var (
			pick    object.TreeEntry
			present bool
		)
		switch {
		case sameEntry(oe, inOurs, te, inTheirs):
			pick, present = oe, inOurs
		case sameEntry(be, inBase, oe, inOurs):
			pick, present = te, inTheirs
		case sameEntry(be, inBase, te, inTheirs):
			pick, present = oe, inOurs
		default:
			conflicts = append(conflicts, p)
			continue
		}
		if present {
			merged[p] = pick
		}
	}

	for p := range merged {
		for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if _, clash := merged[dir]; clash {
				conflicts = append(conflicts, dir)
			}
		}
	}

	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return TreeMerge{Conflicts: dedupe(conflicts)}, nil
	}

	h, err := r.WriteTree(ctx, merged)
	if err != nil {
		return TreeMerge{}, err
	}
	return TreeMerge{Tree: h}, nil
}

func sameEntry(a object.TreeEntry, aok bool, b object.TreeEntry, bok bool) bool {
	if aok != bok {
		return false
	}
	if !aok {
		return true
	}
	return a.Hash == b.Hash && a.Mode == b.Mode
}

func (r *Repository) flatten(ctx context.Context, treeHash plumbing.Hash) (map[string]object.TreeEntry, error) {
	out := make(map[string]object.TreeEntry)
	if treeHash.IsZero() {
		return out, nil
	}
	tree, err := object.GetTree(r.repo.Storer, treeHash)
	if err != nil {
		return nil, wrapError(err, "read tree "+treeHash.String())
	}

	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, entry, err := walker.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, wrapError(err, "walk tree "+treeHash.String())
		}
		if entry.Mode == filemode.Dir {
			continue
		}
		out[name] = entry
	}
	return out, nil
}

// TreeEntries returns the files of a tree keyed by slash separated path.
func (r *Repository) TreeEntries(ctx context.Context, treeHash plumbing.Hash) (map[string]object.TreeEntry, error) {
	return r.flatten(ctx, treeHash)
}

type treeNode struct {
	files map[string]object.TreeEntry
	dirs  map[string]*treeNode
}

func newTreeNode() *treeNode {
	return &treeNode{files: map[string]object.TreeEntry{}, dirs: map[string]*treeNode{}}
}

// WriteTree stores the tree described by a flat path to entry mapping and
// returns the root tree hash.
func (r *Repository) WriteTree(ctx context.Context, entries map[string]object.TreeEntry) (plumbing.Hash, error) {
	root := newTreeNode()
	for p, e := range entries {
		parts := strings.Split(strings.Trim(p, "/"), "/")
		node := root
		for _, dir := range parts[:len(parts)-1] {
			child, ok := node.dirs[dir]
			if !ok {
				child = newTreeNode()
				node.dirs[dir] = child
			}
			node = child
		}
		name := parts[len(parts)-1]
		if name == "" {
			return plumbing.ZeroHash, perr.Newf(perr.CodeInvalidInput, "invalid tree path %q", p)
		}
		e.Name = name
		node.files[name] = e
	}
	return r.storeTreeNode(ctx, root)
}

func (r *Repository) storeTreeNode(ctx context.Context, node *treeNode) (plumbing.Hash, error) {
	if err := ctx.Err(); err != nil {
		return plumbing.ZeroHash, err
	}
	tree := &object.Tree{}
	for _, e := range node.files {
		tree.Entries = append(tree.Entries, e)
	}
	for name, child := range node.dirs {
		h, err := r.storeTreeNode(ctx, child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		tree.Entries = append(tree.Entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: h})
	}
	sort.Slice(tree.Entries, func(i, j int) bool {
		return entrySortKey(&tree.Entries[i]) < entrySortKey(&tree.Entries[j])
	})

	obj := r.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, wrapError(err, "encode tree")
	}
	h, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, wrapError(err, "store tree")
	}
	return h, nil
}

// Git sorts tree entries as though directories have '/' appended to them.
func entrySortKey(e *object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

// WriteCommit stores a commit object, signing it when the repository has a
// signer.
func (r *Repository) WriteCommit(ctx context.Context, spec CommitSpec) (plumbing.Hash, error) {
	if err := ctx.Err(); err != nil {
		return plumbing.ZeroHash, err
	}
	if spec.Tree.IsZero() {
		return plumbing.ZeroHash, perr.New(perr.CodeInvalidInput, "commit requires a tree")
	}

	commit := &object.Commit{
		Author:       spec.Author,
		Committer:    spec.Committer,
		Message:      spec.Message,
		TreeHash:     spec.Tree,
		ParentHashes: append([]plumbing.Hash(nil), spec.Parents...),
	}

	if r.signer != nil {
		unsigned := &plumbing.MemoryObject{}
		if err := commit.EncodeWithoutSignature(unsigned); err != nil {
			return plumbing.ZeroHash, wrapError(err, "encode commit for signing")
		}
		reader, err := unsigned.Reader()
		if err != nil {
			return plumbing.ZeroHash, wrapError(err, "read commit for signing")
		}
		sig, err := r.signer.Sign(reader)
		_ = reader.Close()
		if err != nil {
			return plumbing.ZeroHash, perr.Wrap(err, perr.CodeInternal, "sign commit")
		}
		commit.PGPSignature = sig
	}

	obj := r.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, wrapError(err, "encode commit")
	}
	h, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, wrapError(err, "store commit")
	}
	return h, nil
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
