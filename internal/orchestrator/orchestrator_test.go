package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	perr "github.com/jmgilman/go/errors"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rancher/submit-action/internal/git/gittest"
	gh "github.com/rancher/submit-action/internal/github"
	"github.com/rancher/submit-action/internal/metrics"
	"github.com/rancher/submit-action/internal/orchestrator"
	"github.com/rancher/submit-action/internal/submit"
)

const ready = "ready-to-merge"

var _ = Describe("Orchestrator", func() {
	var (
		ctx      context.Context
		builder  *gittest.Builder
		root     plumbing.Hash
		remote   *fakeRemote
		executor *fakeGitExecutor
		client   *fakeGHClient
		cfg      orchestrator.Config
	)

	newOrchestrator := func(opts ...orchestrator.Option) *orchestrator.Orchestrator {
		GinkgoHelper()
		o, err := orchestrator.New(cfg, client, executor, nil, opts...)
		Expect(err).NotTo(HaveOccurred())
		return o
	}

	// change commits files on parent and publishes it as the head of a pull request.
	change := func(number int, parent plumbing.Hash, files map[string]string) plumbing.Hash {
		h := builder.Commit(fmt.Sprintf("change %d", number), files, parent)
		remote.changes[number] = h
		return h
	}

	BeforeEach(func() {
		ctx = context.Background()
		builder = gittest.New(GinkgoT())
		root = builder.Commit("root", map[string]string{"README.md": "root\n"})
		remote = &fakeRemote{
			branches: map[string]plumbing.Hash{"main": root},
			changes:  map[int]plumbing.Hash{},
		}
		executor = &fakeGitExecutor{repo: builder.Repository(), remote: remote}
		client = &fakeGHClient{}
		cfg = orchestrator.Config{
			Strategy:    submit.KindFastForwardOnly,
			ReadyLabel:  ready,
			HoldLabels:  []string{"do-not-merge"},
			MergedLabel: "merged",
			Committer:   submit.Identity{Name: "Submit Bot", Email: "bot@example.com"},
		}
	})

	It("rejects invalid configuration", func() {
		_, err := orchestrator.New(orchestrator.Config{ReadyLabel: ""}, client, executor, nil)
		Expect(perr.GetCode(err)).To(Equal(perr.CodeInvalidConfig))

		_, err = orchestrator.New(orchestrator.Config{ReadyLabel: ready, Strategy: "squash"}, client, executor, nil)
		Expect(err).To(HaveOccurred())

		_, err = orchestrator.New(cfg, nil, executor, nil)
		Expect(err).To(HaveOccurred())
	})

	It("reports no work when nothing is ready", func() {
		client.prs = []gh.PullRequest{
			pullRequest(1, "main"),
			pullRequest(2, "main", ready, "do-not-merge"),
		}

		result, err := newOrchestrator().ProcessRepository(ctx, "rancher", "repo", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.NoWork).To(BeTrue())
		Expect(result.Branches).To(BeEmpty())
		Expect(executor.prepared).To(BeZero())
	})

	It("fast-forwards a chain of ready pull requests and reports back", func() {
		b := change(1, root, map[string]string{"b.txt": "b\n"})
		c := change(2, b, map[string]string{"c.txt": "c\n"})
		client.prs = []gh.PullRequest{pullRequest(1, "main", ready), pullRequest(2, "main", ready)}

		result, err := newOrchestrator().ProcessRepository(ctx, "rancher", "repo", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Branches).To(HaveLen(1))

		summary := result.Branches[0]
		Expect(summary.Branch).To(Equal("main"))
		Expect(summary.Err).To(BeEmpty())
		Expect(summary.Attempts).To(Equal(1))
		Expect(summary.InitialTip).To(Equal(root.String()))
		Expect(summary.FinalTip).To(Equal(c.String()))
		Expect(summary.Changes).To(HaveLen(2))
		for _, cr := range summary.Changes {
			Expect(cr.Status).To(Equal(orchestrator.ChangeStatusMerged))
			Expect(cr.Outcome).To(Equal(submit.StatusCleanMerge))
		}
		Expect(summary.Changes[0].MergedAs).To(Equal(b.String()))

		Expect(remote.branches["main"]).To(Equal(c))
		Expect(client.removed[1]).To(ConsistOf(ready))
		Expect(client.removed[2]).To(ConsistOf(ready))
		Expect(client.added[1]).To(ConsistOf("merged"))
		Expect(client.created[1]).To(HaveLen(1))
		Expect(client.created[1][0]).To(ContainSubstring(orchestrator.OutcomeCommentMarker))
		Expect(client.created[1][0]).To(ContainSubstring("CLEAN_MERGE"))
		Expect(client.closed).To(BeEmpty())
		Expect(executor.cleaned).To(Equal(1))
	})

	It("comments on rejected pull requests without touching labels", func() {
		other := builder.Commit("other", map[string]string{"x.txt": "x\n"})
		builder.SetBranch("other", other)
		change(3, other, map[string]string{"e.txt": "e\n"})
		client.prs = []gh.PullRequest{pullRequest(3, "main", ready)}

		result, err := newOrchestrator().ProcessRepository(ctx, "rancher", "repo", "")
		Expect(err).NotTo(HaveOccurred())

		cr := result.Branches[0].Changes[0]
		Expect(cr.Status).To(Equal(orchestrator.ChangeStatusRejected))
		Expect(cr.Outcome).To(Equal(submit.StatusNotFastForward))
		Expect(cr.Reason).To(Equal(submit.StatusNotFastForward.Description()))

		Expect(remote.pushes).To(BeZero())
		Expect(client.created[3]).To(HaveLen(1))
		Expect(client.created[3][0]).To(ContainSubstring("NOT_FAST_FORWARD"))
		Expect(client.removed).To(BeEmpty())
		Expect(client.added).To(BeEmpty())
	})

	It("updates the existing outcome comment instead of adding another", func() {
		other := builder.Commit("other", map[string]string{"x.txt": "x\n"})
		builder.SetBranch("other", other)
		change(3, other, map[string]string{"e.txt": "e\n"})
		client.prs = []gh.PullRequest{pullRequest(3, "main", ready)}
		client.comments = map[int][]gh.IssueComment{3: {{ID: 99, Body: orchestrator.OutcomeCommentMarker + "\nstale"}}}

		_, err := newOrchestrator().ProcessRepository(ctx, "rancher", "repo", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(client.created).To(BeEmpty())
		Expect(client.updated).To(HaveKey(int64(99)))

		client.comments[3][0].Body = client.updated[99]
		client.updated = nil
		_, err = newOrchestrator().ProcessRepository(ctx, "rancher", "repo", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(client.updated).To(BeEmpty())
	})

	It("rereads pull requests whose head moved since they were listed", func() {
		b := change(1, root, map[string]string{"b.txt": "b\n"})
		listed := pullRequest(1, "main", ready)
		listed.HeadSHA = root.String()
		current := listed
		current.HeadSHA = b.String()
		current.Title = "Change 1, amended"
		client.prs = []gh.PullRequest{listed}
		client.fresh = map[int]gh.PullRequest{1: current}

		result, err := newOrchestrator().ProcessRepository(ctx, "rancher", "repo", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(client.gets).To(Equal([]int{1}))

		Expect(result.Branches).To(HaveLen(1))
		cr := result.Branches[0].Changes[0]
		Expect(cr.Status).To(Equal(orchestrator.ChangeStatusMerged))
		Expect(cr.Title).To(Equal("Change 1, amended"))
		Expect(remote.branches["main"]).To(Equal(b))
	})

	It("skips pull requests that stopped being ready after their head moved", func() {
		change(1, root, map[string]string{"b.txt": "b\n"})
		change(2, root, map[string]string{"c.txt": "c\n"})
		first := pullRequest(1, "main", ready)
		first.HeadSHA = root.String()
		second := pullRequest(2, "main", ready)
		second.HeadSHA = root.String()
		client.prs = []gh.PullRequest{first, second}

		unlabeled := first
		unlabeled.Labels = nil
		closed := second
		closed.State = "closed"
		client.fresh = map[int]gh.PullRequest{1: unlabeled, 2: closed}

		result, err := newOrchestrator().ProcessRepository(ctx, "rancher", "repo", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(client.gets).To(Equal([]int{1, 2}))
		Expect(result.Branches).To(BeEmpty())

		reasons := map[int]string{}
		for _, cr := range result.Skipped {
			Expect(cr.Status).To(Equal(orchestrator.ChangeStatusSkipped))
			reasons[cr.Number] = cr.Reason
		}
		Expect(reasons).To(Equal(map[int]string{
			1: "pull request is no longer ready",
			2: "pull request is closed",
		}))
		Expect(remote.pushes).To(BeZero())
		Expect(client.writes()).To(BeZero())
	})

	It("skips drafts and pull requests for branches that are not targets", func() {
		cfg.SkipDrafts = true
		cfg.TargetBranches = []string{"main"}
		draft := pullRequest(4, "main", ready)
		draft.Draft = true
		client.prs = []gh.PullRequest{draft, pullRequest(5, "develop", ready)}

		result, err := newOrchestrator().ProcessRepository(ctx, "rancher", "repo", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.NoWork).To(BeTrue())
		Expect(result.Skipped).To(HaveLen(2))
		Expect(result.Skipped[0].Reason).To(ContainSubstring("draft"))
		Expect(result.Skipped[1].Reason).To(ContainSubstring("not a submit target"))
		Expect(result.Changes()).To(HaveLen(2))
	})

	It("restricts the run to the requested branch", func() {
		remote.branches["release/v1"] = root
		change(1, root, map[string]string{"b.txt": "b\n"})
		change(2, root, map[string]string{"r.txt": "r\n"})
		client.prs = []gh.PullRequest{pullRequest(1, "main", ready), pullRequest(2, "release/v1", ready)}

		result, err := newOrchestrator().ProcessRepository(ctx, "rancher", "repo", "release/v1")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Branches).To(HaveLen(1))
		Expect(result.Branches[0].Branch).To(Equal("release/v1"))
		Expect(remote.branches["main"]).To(Equal(root))
	})

	It("processes each destination branch independently", func() {
		remote.branches["release/v1"] = root
		change(1, root, map[string]string{"b.txt": "b\n"})
		r := change(2, root, map[string]string{"r.txt": "r\n"})
		client.prs = []gh.PullRequest{pullRequest(2, "release/v1", ready), pullRequest(1, "main", ready)}
		remote.beforePush = func(branch string) {
			if branch == "main" {
				remote.pushErr = perr.New(perr.CodeUnauthorized, "push main: authorization failed")
			} else {
				remote.pushErr = nil
			}
		}

		result, err := newOrchestrator().ProcessRepository(ctx, "rancher", "repo", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Branches).To(HaveLen(2))
		Expect(result.Branches[0].Branch).To(Equal("main"))
		Expect(result.Branches[0].Err).To(ContainSubstring("authorization failed"))
		Expect(result.Branches[0].Changes[0].Status).To(Equal(orchestrator.ChangeStatusFailed))
		Expect(result.Branches[1].Err).To(BeEmpty())
		Expect(remote.branches["release/v1"]).To(Equal(r))
		Expect(result.Failed()).To(Equal([]string{"main"}))
		Expect(client.removed).NotTo(HaveKey(1))
		Expect(client.removed).To(HaveKey(2))
	})

	It("retries a branch that moved while submitting", func() {
		cfg.Strategy = submit.KindCherryPick
		change(1, root, map[string]string{"b.txt": "b\n"})
		racer := builder.Commit("racer", map[string]string{"d.txt": "d\n"}, root)
		moved := false
		remote.beforePush = func(string) {
			if !moved {
				moved = true
				remote.branches["main"] = racer
			}
		}
		client.prs = []gh.PullRequest{pullRequest(1, "main", ready)}
		rec := metrics.NewRecorder("", "")

		result, err := newOrchestrator(orchestrator.WithMetrics(rec)).ProcessRepository(ctx, "rancher", "repo", "")
		Expect(err).NotTo(HaveOccurred())

		summary := result.Branches[0]
		Expect(summary.Err).To(BeEmpty())
		Expect(summary.Attempts).To(Equal(2))
		Expect(summary.InitialTip).To(Equal(racer.String()))
		Expect(summary.Changes[0].Outcome).To(Equal(submit.StatusCleanPick))

		tip := remote.branches["main"]
		commit, err := builder.Repository().Commit(ctx, tip)
		Expect(err).NotTo(HaveOccurred())
		Expect(commit.ParentHashes).To(Equal([]plumbing.Hash{racer}))
		Expect(builder.File(tip, "b.txt")).To(Equal("b\n"))
		Expect(builder.File(tip, "d.txt")).To(Equal("d\n"))

		Expect(client.closed).To(Equal([]int{1}))
		Expect(client.created[1]).To(HaveLen(1))

		Expect(testutil.ToFloat64(rec.AttemptsTotal.WithLabelValues(metrics.AttemptRetried))).To(Equal(1.0))
		Expect(testutil.ToFloat64(rec.AttemptsTotal.WithLabelValues(metrics.AttemptCommitted))).To(Equal(1.0))
		Expect(testutil.ToFloat64(rec.OutcomesTotal.WithLabelValues("cherry-pick", "CLEAN_PICK"))).To(Equal(1.0))
	})

	It("gives up after the configured number of attempts", func() {
		cfg.Strategy = submit.KindCherryPick
		cfg.MaxAttempts = 2
		change(1, root, map[string]string{"b.txt": "b\n"})
		n := 0
		remote.beforePush = func(string) {
			n++
			remote.branches["main"] = builder.Commit("racer", map[string]string{"n.txt": strings.Repeat("n", n)}, remote.branches["main"])
		}
		client.prs = []gh.PullRequest{pullRequest(1, "main", ready)}

		result, err := newOrchestrator().ProcessRepository(ctx, "rancher", "repo", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Branches[0].Attempts).To(Equal(2))
		Expect(result.Branches[0].Err).NotTo(BeEmpty())
		Expect(result.Branches[0].Changes[0].Status).To(Equal(orchestrator.ChangeStatusFailed))
		Expect(client.writes()).To(BeZero())
	})

	It("does not push or write to GitHub in dry-run mode", func() {
		cfg.DryRun = true
		change(1, root, map[string]string{"b.txt": "b\n"})
		client.prs = []gh.PullRequest{pullRequest(1, "main", ready)}

		result, err := newOrchestrator().ProcessRepository(ctx, "rancher", "repo", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Branches[0].Changes[0].Status).To(Equal(orchestrator.ChangeStatusDryRun))
		Expect(result.Branches[0].Changes[0].Outcome).To(Equal(submit.StatusCleanMerge))
		Expect(remote.pushes).To(BeZero())
		Expect(remote.branches["main"]).To(Equal(root))
		Expect(client.writes()).To(BeZero())
	})

	It("reports pull requests whose head cannot be fetched", func() {
		client.prs = []gh.PullRequest{pullRequest(7, "main", ready)}

		result, err := newOrchestrator().ProcessRepository(ctx, "rancher", "repo", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Branches).To(BeEmpty())
		Expect(result.Skipped).To(HaveLen(1))
		Expect(result.Skipped[0].Status).To(Equal(orchestrator.ChangeStatusFailed))
		Expect(result.Skipped[0].Reason).To(ContainSubstring("no head ref"))
	})

	It("propagates workspace and listing failures", func() {
		change(1, root, map[string]string{"b.txt": "b\n"})
		client.prs = []gh.PullRequest{pullRequest(1, "main", ready)}
		executor.prepareErr = errors.New("disk full")

		_, err := newOrchestrator().ProcessRepository(ctx, "rancher", "repo", "")
		Expect(err).To(MatchError(ContainSubstring("prepare workspace")))

		client.listErr = perr.New(perr.CodeUnauthorized, "bad credentials")
		_, err = newOrchestrator().ProcessRepository(ctx, "rancher", "repo", "")
		Expect(err).To(MatchError(ContainSubstring("list pull requests")))
	})

	It("rejects invalid branch filters", func() {
		_, err := newOrchestrator().ProcessRepository(ctx, "rancher", "repo", "bad..branch")
		Expect(perr.GetCode(err)).To(Equal(perr.CodeInvalidInput))
	})
})

var _ = Describe("RenderOutcomeComment", func() {
	It("describes merged and rejected outcomes", func() {
		key := submit.BranchKey{Project: "rancher/repo", Branch: "main"}
		merged := orchestrator.RenderOutcomeComment(submit.Outcome{
			Key:      key,
			Strategy: submit.KindMergeIfNecessary,
			Status:   submit.StatusCleanMerge,
			MergedAs: plumbing.NewHash("1111111111111111111111111111111111111111"),
		})
		Expect(merged).To(HavePrefix(orchestrator.OutcomeCommentMarker))
		Expect(merged).To(ContainSubstring("Submitted to `main` with `merge-if-necessary`"))
		Expect(merged).To(ContainSubstring("Merged as `1111111111111111111111111111111111111111`"))
		Expect(merged).To(ContainSubstring("rancher/submit-action"))

		rejected := orchestrator.RenderOutcomeComment(submit.Outcome{
			Key:      key,
			Strategy: submit.KindFastForwardOnly,
			Status:   submit.StatusPathConflict,
		})
		Expect(rejected).To(ContainSubstring("Could not submit"))
		Expect(rejected).To(ContainSubstring(submit.StatusPathConflict.Description()))
		Expect(rejected).NotTo(ContainSubstring("Merged as"))
	})
})
