package orchestrator_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	perr "github.com/jmgilman/go/errors"

	"github.com/rancher/submit-action/internal/git"
	gh "github.com/rancher/submit-action/internal/github"
)

type fakeGHClient struct {
	mu sync.Mutex

	prs      []gh.PullRequest
	fresh    map[int]gh.PullRequest
	gets     []int
	listErr  error
	comments map[int][]gh.IssueComment
	nextID   int64
	created  map[int][]string
	updated  map[int64]string
	added    map[int][]string
	removed  map[int][]string
	closed   []int
}

func (f *fakeGHClient) ListOpenPullRequests(_ context.Context, _, _, base string) ([]gh.PullRequest, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []gh.PullRequest
	for _, pr := range f.prs {
		if base == "" || pr.BaseRef == base {
			out = append(out, pr)
		}
	}
	return out, nil
}

func (f *fakeGHClient) GetPullRequest(_ context.Context, _, _ string, number int) (gh.PullRequest, error) {
	f.gets = append(f.gets, number)
	if pr, ok := f.fresh[number]; ok {
		return pr, nil
	}
	for _, pr := range f.prs {
		if pr.Number == number {
			return pr, nil
		}
	}
	return gh.PullRequest{}, gh.ErrPullRequestNotFound
}

func (f *fakeGHClient) CommentOnPullRequest(_ context.Context, _, _ string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created == nil {
		f.created = map[int][]string{}
	}
	if f.comments == nil {
		f.comments = map[int][]gh.IssueComment{}
	}
	f.nextID++
	f.created[number] = append(f.created[number], body)
	f.comments[number] = append(f.comments[number], gh.IssueComment{ID: f.nextID, Body: body})
	return nil
}

func (f *fakeGHClient) ListPullRequestComments(_ context.Context, _, _ string, number int) ([]gh.IssueComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gh.IssueComment(nil), f.comments[number]...), nil
}

func (f *fakeGHClient) UpdateComment(_ context.Context, _, _ string, commentID int64, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updated == nil {
		f.updated = map[int64]string{}
	}
	f.updated[commentID] = body
	return nil
}

func (f *fakeGHClient) AddLabel(_ context.Context, _, _ string, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.added == nil {
		f.added = map[int][]string{}
	}
	f.added[number] = append(f.added[number], label)
	return nil
}

func (f *fakeGHClient) RemoveLabel(_ context.Context, _, _ string, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed == nil {
		f.removed = map[int][]string{}
	}
	f.removed[number] = append(f.removed[number], label)
	return nil
}

func (f *fakeGHClient) ClosePullRequest(_ context.Context, _, _ string, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, number)
	return nil
}

func (f *fakeGHClient) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.updated) + len(f.closed)
	for _, v := range f.created {
		n += len(v)
	}
	for _, v := range f.added {
		n += len(v)
	}
	for _, v := range f.removed {
		n += len(v)
	}
	return n
}

// fakeRemote simulates the remote side of a workspace. Objects live in the
// local repository; only reference values are tracked here.
type fakeRemote struct {
	branches map[string]plumbing.Hash
	changes  map[int]plumbing.Hash
	// beforePush runs ahead of each push and may move branches.
	beforePush func(branch string)
	pushErr    error
	pushes     int
}

type fakeGitExecutor struct {
	repo       *git.Repository
	remote     *fakeRemote
	prepareErr error
	prepared   int
	cleaned    int
}

func (f *fakeGitExecutor) Prepare(context.Context, string, string) (git.Workspace, error) {
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	f.prepared++
	return &fakeWorkspace{executor: f}, nil
}

type fakeWorkspace struct {
	executor *fakeGitExecutor
}

func (w *fakeWorkspace) Repository() *git.Repository {
	return w.executor.repo
}

func (w *fakeWorkspace) FetchBranch(ctx context.Context, branch string) (plumbing.Hash, error) {
	tip := w.executor.remote.branches[branch]
	if err := w.executor.repo.SetRef(ctx, plumbing.NewBranchReferenceName(branch), tip); err != nil {
		return plumbing.ZeroHash, err
	}
	return tip, nil
}

func (w *fakeWorkspace) FetchChange(ctx context.Context, number int) (plumbing.Hash, error) {
	h, ok := w.executor.remote.changes[number]
	if !ok {
		return plumbing.ZeroHash, perr.Newf(perr.CodeNotFound, "pull request %d has no head ref", number)
	}
	if err := w.executor.repo.SetRef(ctx, git.ChangeRef(number), h); err != nil {
		return plumbing.ZeroHash, err
	}
	return h, nil
}

func (w *fakeWorkspace) PushBranch(_ context.Context, branch string, expected, tip plumbing.Hash) error {
	r := w.executor.remote
	r.pushes++
	if r.beforePush != nil {
		r.beforePush(branch)
	}
	if r.pushErr != nil {
		return r.pushErr
	}
	if r.branches[branch] != expected {
		err := perr.Newf(perr.CodeConflict, "push %s: remote ref is required to be %s", branch, expected)
		return perr.WithClassification(err, perr.ClassificationRetryable)
	}
	r.branches[branch] = tip
	return nil
}

func (w *fakeWorkspace) Cleanup(context.Context) error {
	w.executor.cleaned++
	return nil
}

func pullRequest(number int, base string, labels ...string) gh.PullRequest {
	return gh.PullRequest{
		Owner:   "rancher",
		Repo:    "repo",
		Number:  number,
		Title:   fmt.Sprintf("Change %d", number),
		State:   "open",
		BaseRef: base,
		HTMLURL: fmt.Sprintf("https://github.com/rancher/repo/pull/%d", number),
		Labels:  labels,
	}
}
