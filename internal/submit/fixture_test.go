package submit_test

import (
	"context"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/submit-action/internal/git"
	"github.com/rancher/submit-action/internal/git/gittest"
	"github.com/rancher/submit-action/internal/submit"
)

var (
	mainKey    = submit.BranchKey{Project: "rancher/repo", Branch: "main"}
	releaseKey = submit.BranchKey{Project: "rancher/repo", Branch: "release/v1"}
	committer  = submit.Identity{Name: "Submit Bot", Email: "bot@example.com"}
	fixedNow   = time.Date(2024, time.March, 1, 9, 30, 0, 0, time.UTC)
)

// graphFixture is a repository whose main branch starts at commit A.
type graphFixture struct {
	ctx  context.Context
	b    *gittest.Builder
	repo *git.Repository
	a    plumbing.Hash
}

func newFixture() *graphFixture {
	b := gittest.New(GinkgoT())
	a := b.Commit("A", map[string]string{"README.md": "base\n"})
	b.SetBranch("main", a)
	return &graphFixture{ctx: context.Background(), b: b, repo: b.Repository(), a: a}
}

func (f *graphFixture) candidate(change int, key submit.BranchKey, h plumbing.Hash) *submit.Candidate {
	GinkgoHelper()
	c, err := submit.LoadCandidate(f.ctx, f.repo, submit.ChangeID(change), key, h)
	Expect(err).NotTo(HaveOccurred())
	return c
}

func (f *graphFixture) tip(key submit.BranchKey) plumbing.Hash {
	GinkgoHelper()
	h, err := f.repo.ResolveRef(f.ctx, key.Ref())
	Expect(err).NotTo(HaveOccurred())
	return h
}

func (f *graphFixture) args(key submit.BranchKey) submit.Args {
	GinkgoHelper()
	tip := f.tip(key)
	accepted, err := f.repo.AcceptedTips(f.ctx)
	Expect(err).NotTo(HaveOccurred())
	return submit.Args{
		Graph:     f.repo,
		Tip:       submit.NewMergeTip(tip),
		Sorter:    submit.NewMergeSorter(f.repo, tip, accepted),
		Committer: signature(),
	}
}

func (f *graphFixture) plan(kind submit.Kind, key submit.BranchKey, cands ...*submit.Candidate) submit.Plan {
	GinkgoHelper()
	strategy, err := submit.New(kind)
	Expect(err).NotTo(HaveOccurred())
	plan, err := strategy.BuildOps(f.ctx, f.args(key), cands)
	Expect(err).NotTo(HaveOccurred())
	return plan
}

func (f *graphFixture) run(opts submit.Options, key submit.BranchKey, cands ...*submit.Candidate) submit.BranchResult {
	GinkgoHelper()
	if opts.Committer == (submit.Identity{}) {
		opts.Committer = committer
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	exec, err := submit.NewExecutor(opts)
	Expect(err).NotTo(HaveOccurred())
	return exec.RunBranch(f.ctx, f.repo, key, cands)
}

func (f *graphFixture) parents(h plumbing.Hash) []plumbing.Hash {
	GinkgoHelper()
	c, err := f.repo.Commit(f.ctx, h)
	Expect(err).NotTo(HaveOccurred())
	return c.ParentHashes
}

func signature() object.Signature {
	return object.Signature{Name: committer.Name, Email: committer.Email, When: fixedNow}
}

func status(res submit.BranchResult, c *submit.Candidate) submit.Status {
	s, _ := res.Outcomes.Get(c.Change)
	return s
}

func changes(cands []*submit.Candidate) []submit.ChangeID {
	out := make([]submit.ChangeID, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.Change)
	}
	return out
}

func opChanges(plan submit.Plan) []submit.ChangeID {
	out := make([]submit.ChangeID, 0, len(plan.Ops))
	for _, op := range plan.Ops {
		out = append(out, op.Candidate().Change)
	}
	return out
}
