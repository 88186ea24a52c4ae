package submit_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/submit-action/internal/submit"
)

var _ = Describe("FastForwardOnly", func() {
	var f *graphFixture

	BeforeEach(func() {
		f = newFixture()
	})

	It("advances to the most descendant candidate of a linear chain", func() {
		b := f.b.Commit("B", map[string]string{"b.txt": "b\n"}, f.a)
		c := f.b.Commit("C", map[string]string{"c.txt": "c\n"}, b)
		cb, cc := f.candidate(1, mainKey, b), f.candidate(2, mainKey, c)

		plan := f.plan(submit.KindFastForwardOnly, mainKey, cc, cb)
		Expect(opChanges(plan)).To(Equal([]submit.ChangeID{2}))
		Expect(plan.Outcomes).To(BeEmpty())

		res := f.run(submit.Options{}, mainKey, cb, cc)
		Expect(res.Err).NotTo(HaveOccurred())
		Expect(status(res, cb)).To(Equal(submit.StatusCleanMerge))
		Expect(status(res, cc)).To(Equal(submit.StatusCleanMerge))
		Expect(res.FinalTip).To(Equal(c))
		Expect(f.tip(mainKey)).To(Equal(c))
		Expect(res.MergedAs).To(HaveKeyWithValue(submit.ChangeID(1), b))
		Expect(res.MergedAs).To(HaveKeyWithValue(submit.ChangeID(2), c))
	})

	It("rejects diverging siblings without any op", func() {
		b := f.b.Commit("B", map[string]string{"b.txt": "b\n"}, f.a)
		d := f.b.Commit("D", map[string]string{"d.txt": "d\n"}, f.a)
		cb, cd := f.candidate(1, mainKey, b), f.candidate(2, mainKey, d)

		plan := f.plan(submit.KindFastForwardOnly, mainKey, cb, cd)
		Expect(plan.Ops).To(BeEmpty())
		Expect(plan.Outcomes).To(Equal(submit.Outcomes{
			1: submit.StatusFastForwardIndependentChanges,
			2: submit.StatusFastForwardIndependentChanges,
		}))

		res := f.run(submit.Options{}, mainKey, cb, cd)
		Expect(res.Err).NotTo(HaveOccurred())
		Expect(res.FinalTip).To(Equal(f.a))
		Expect(f.tip(mainKey)).To(Equal(f.a))
	})

	It("marks every candidate of an independent batch, including their ancestors", func() {
		b := f.b.Commit("B", map[string]string{"b.txt": "b\n"}, f.a)
		c := f.b.Commit("C", map[string]string{"c.txt": "c\n"}, b)
		d := f.b.Commit("D", map[string]string{"d.txt": "d\n"}, f.a)

		res := f.run(submit.Options{}, mainKey, f.candidate(1, mainKey, b), f.candidate(2, mainKey, c), f.candidate(3, mainKey, d))
		Expect(res.Err).NotTo(HaveOccurred())
		Expect(res.Outcomes).To(HaveLen(3))
		for _, s := range res.Outcomes {
			Expect(s).To(Equal(submit.StatusFastForwardIndependentChanges))
		}
	})

	It("reports NOT_FAST_FORWARD when the candidate does not descend from the tip", func() {
		x := f.b.Commit("X", map[string]string{"x.txt": "x\n"})
		f.b.SetBranch("other", x)
		e := f.b.Commit("E", map[string]string{"e.txt": "e\n"}, x)
		ce := f.candidate(1, mainKey, e)

		plan := f.plan(submit.KindFastForwardOnly, mainKey, ce)
		Expect(plan.Ops).To(BeEmpty())
		Expect(plan.Outcomes).To(Equal(submit.Outcomes{1: submit.StatusNotFastForward}))

		res := f.run(submit.Options{}, mainKey, ce)
		Expect(res.Err).NotTo(HaveOccurred())
		Expect(f.tip(mainKey)).To(Equal(f.a))
	})

	It("reports NOT_FAST_FORWARD when the branch moved past the candidate's base", func() {
		b := f.b.Commit("B", map[string]string{"b.txt": "b\n"}, f.a)
		moved := f.b.Commit("moved", map[string]string{"m.txt": "m\n"}, f.a)
		f.b.SetBranch("main", moved)

		res := f.run(submit.Options{}, mainKey, f.candidate(1, mainKey, b))
		Expect(res.Err).NotTo(HaveOccurred())
		Expect(res.Outcomes).To(Equal(submit.Outcomes{1: submit.StatusNotFastForward}))
	})

	It("reports MISSING_DEPENDENCY when an ancestor is neither in the batch nor accepted", func() {
		x := f.b.Commit("X", map[string]string{"x.txt": "x\n"}, f.a)
		e := f.b.Commit("E", map[string]string{"e.txt": "e\n"}, x)

		res := f.run(submit.Options{}, mainKey, f.candidate(1, mainKey, e))
		Expect(res.Err).NotTo(HaveOccurred())
		Expect(res.Outcomes).To(Equal(submit.Outcomes{1: submit.StatusMissingDependency}))
	})

	It("marks candidates already on the branch as ALREADY_MERGED", func() {
		b := f.b.Commit("B", map[string]string{"b.txt": "b\n"}, f.a)
		f.b.SetBranch("main", b)

		plan := f.plan(submit.KindFastForwardOnly, mainKey, f.candidate(1, mainKey, b))
		Expect(plan.Outcomes).To(Equal(submit.Outcomes{1: submit.StatusAlreadyMerged}))
		Expect(plan.Ops).To(BeEmpty())
	})

	It("creates an unborn branch from the candidate", func() {
		b := f.b.Commit("B", map[string]string{"b.txt": "b\n"}, f.a)
		cb := f.candidate(1, releaseKey, b)

		res := f.run(submit.Options{}, releaseKey, cb)
		Expect(res.Err).NotTo(HaveOccurred())
		Expect(res.InitialTip.IsZero()).To(BeTrue())
		Expect(status(res, cb)).To(Equal(submit.StatusCleanMerge))
		Expect(f.tip(releaseKey)).To(Equal(b))
	})

	It("rejects empty commits when configured", func() {
		empty := f.b.Commit("empty", nil, f.a)
		ce := f.candidate(1, mainKey, empty)

		res := f.run(submit.Options{RejectEmptyCommits: true}, mainKey, ce)
		Expect(res.Err).NotTo(HaveOccurred())
		Expect(status(res, ce)).To(Equal(submit.StatusEmptyCommit))
		Expect(f.tip(mainKey)).To(Equal(f.a))

		res = f.run(submit.Options{}, mainKey, ce)
		Expect(status(res, ce)).To(Equal(submit.StatusCleanMerge))
	})

	Describe("CanFastForward", func() {
		It("answers consistently without changing state", func() {
			b := f.b.Commit("B", map[string]string{"b.txt": "b\n"}, f.a)
			x := f.b.Commit("X", map[string]string{"x.txt": "x\n"})
			f.b.SetBranch("other", x)
			e := f.b.Commit("E", map[string]string{"e.txt": "e\n"}, x)
			args := f.args(mainKey)
			cb, ce := f.candidate(1, mainKey, b), f.candidate(2, mainKey, e)

			for i := 0; i < 2; i++ {
				ok, err := submit.CanFastForward(f.ctx, args.Sorter, cb)
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeTrue())

				ok, err = submit.CanFastForward(f.ctx, args.Sorter, ce)
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeFalse())
			}
			Expect(f.tip(mainKey)).To(Equal(f.a))
		})

		It("is false for a candidate with a missing dependency", func() {
			x := f.b.Commit("X", map[string]string{"x.txt": "x\n"}, f.a)
			e := f.b.Commit("E", map[string]string{"e.txt": "e\n"}, x)
			args := f.args(mainKey)

			ok, err := submit.CanFastForward(f.ctx, args.Sorter, f.candidate(1, mainKey, e))
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("checks against the tip the sorter was built for", func() {
			b := f.b.Commit("B", map[string]string{"b.txt": "b\n"}, f.a)
			c := f.b.Commit("C", map[string]string{"c.txt": "c\n"}, f.a)
			accepted, err := f.repo.AcceptedTips(f.ctx)
			Expect(err).NotTo(HaveOccurred())
			cc := f.candidate(1, mainKey, c)

			ok, err := submit.CanFastForward(f.ctx, submit.NewMergeSorter(f.repo, f.a, accepted), cc)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())

			ok, err = submit.CanFastForward(f.ctx, submit.NewMergeSorter(f.repo, b, append(accepted, b)), cc)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("is true on an unborn branch", func() {
			b := f.b.Commit("B", map[string]string{"b.txt": "b\n"}, f.a)
			args := f.args(releaseKey)

			ok, err := submit.CanFastForward(f.ctx, args.Sorter, f.candidate(1, releaseKey, b))
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
		})
	})
})
