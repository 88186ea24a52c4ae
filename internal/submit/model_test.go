package submit_test

import (
	"github.com/go-git/go-git/v5/plumbing"
	perr "github.com/jmgilman/go/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/submit-action/internal/submit"
)

var _ = Describe("Outcomes", func() {
	It("assigns each change exactly once", func() {
		o := make(submit.Outcomes)
		Expect(o.Set(1, submit.StatusCleanMerge)).To(Succeed())

		err := o.Set(1, submit.StatusCleanMerge)
		Expect(err).To(HaveOccurred())
		Expect(perr.GetCode(err)).To(Equal(perr.CodeInternal))
		s, ok := o.Get(1)
		Expect(ok).To(BeTrue())
		Expect(s).To(Equal(submit.StatusCleanMerge))
	})

	It("rejects statuses outside the closed set", func() {
		o := make(submit.Outcomes)
		Expect(o.Set(1, submit.Status("MAYBE"))).NotTo(Succeed())
		Expect(o.Resolved(1)).To(BeFalse())
	})

	It("lists unresolved candidates in order", func() {
		o := submit.Outcomes{2: submit.StatusPathConflict}
		cands := []*submit.Candidate{{Change: 1}, {Change: 2}, {Change: 3}}
		Expect(changes(o.Unresolved(cands))).To(Equal([]submit.ChangeID{1, 3}))
	})

	It("clones independently", func() {
		o := submit.Outcomes{1: submit.StatusCleanMerge}
		c := o.Clone()
		Expect(c.Set(2, submit.StatusEmptyCommit)).To(Succeed())
		Expect(o).To(HaveLen(1))
	})
})

var _ = Describe("Status", func() {
	It("describes every status", func() {
		for _, s := range []submit.Status{
			submit.StatusCleanMerge, submit.StatusCleanPick, submit.StatusCleanRebase,
			submit.StatusAlreadyMerged, submit.StatusSkippedIdenticalTree, submit.StatusPathConflict,
			submit.StatusRebaseMergeConflict, submit.StatusManualRecursiveMerge, submit.StatusMissingDependency,
			submit.StatusNotFastForward, submit.StatusFastForwardIndependentChanges,
			submit.StatusCannotCherryPickRoot, submit.StatusCannotRebaseRoot, submit.StatusEmptyCommit,
		} {
			Expect(s.Valid()).To(BeTrue(), string(s))
			Expect(s.Description()).NotTo(Equal(string(s)))
		}
	})

	It("separates merged from rejected outcomes", func() {
		Expect(submit.StatusSkippedIdenticalTree.Merged()).To(BeTrue())
		Expect(submit.StatusAlreadyMerged.Merged()).To(BeTrue())
		Expect(submit.StatusNotFastForward.Merged()).To(BeFalse())
		Expect(submit.StatusEmptyCommit.Merged()).To(BeFalse())
	})
})

var _ = Describe("MergeTip", func() {
	a := plumbing.NewHash("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	b := plumbing.NewHash("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	It("starts unborn for a zero hash", func() {
		tip := submit.NewMergeTip(plumbing.ZeroHash)
		Expect(tip.Born()).To(BeFalse())
		Expect(tip.Advanced()).To(BeFalse())
	})

	It("returns new values on every move", func() {
		start := submit.NewMergeTip(a)
		moved := start.MoveTo(b, 7)
		skipped := moved.Skip(a)

		Expect(start.Current()).To(Equal(a))
		Expect(start.Results()).To(BeEmpty())
		Expect(moved.Current()).To(Equal(b))
		Expect(moved.Initial()).To(Equal(a))
		Expect(moved.Advanced()).To(BeTrue())
		Expect(moved.Skipped(a)).To(BeFalse())
		Expect(skipped.Skipped(a)).To(BeTrue())

		h, ok := skipped.MergedAs(7)
		Expect(ok).To(BeTrue())
		Expect(h).To(Equal(b))
	})
})

var _ = Describe("Candidates", func() {
	var f *graphFixture

	BeforeEach(func() {
		f = newFixture()
	})

	It("loads parents and the subject line", func() {
		b := f.b.Commit("Fix the widget\n\nLonger body.", map[string]string{"b.txt": "b\n"}, f.a)
		c := f.candidate(12, mainKey, b)
		Expect(c.Parents).To(Equal([]plumbing.Hash{f.a}))
		Expect(c.Subject).To(Equal("Fix the widget"))
		Expect(c.IsRoot()).To(BeFalse())
		Expect(c.IsMerge()).To(BeFalse())
		Expect(c.String()).To(HavePrefix("#12 ("))
	})

	It("validates its inputs", func() {
		_, err := submit.LoadCandidate(f.ctx, f.repo, 1, mainKey, plumbing.ZeroHash)
		Expect(perr.GetCode(err)).To(Equal(perr.CodeInvalidInput))

		_, err = submit.LoadCandidate(f.ctx, f.repo, 1, submit.BranchKey{Project: "p"}, f.a)
		Expect(perr.GetCode(err)).To(Equal(perr.CodeInvalidInput))

		_, err = submit.LoadCandidate(f.ctx, f.repo, 1, mainKey, plumbing.NewHash("cccccccccccccccccccccccccccccccccccccccc"))
		Expect(perr.GetCode(err)).To(Equal(perr.CodeNotFound))
	})

	It("partitions by destination in a stable order", func() {
		cands := []*submit.Candidate{
			{Change: 3, Dest: releaseKey},
			{Change: 2, Dest: mainKey},
			{Change: 1, Dest: mainKey},
		}
		keys, groups := submit.PartitionByBranch(cands)
		Expect(keys).To(Equal([]submit.BranchKey{mainKey, releaseKey}))
		Expect(changes(groups[mainKey])).To(Equal([]submit.ChangeID{1, 2}))
		Expect(mainKey.String()).To(Equal("rancher/repo:main"))
		Expect(mainKey.Ref()).To(Equal(plumbing.ReferenceName("refs/heads/main")))
	})
})
