package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gh "github.com/rancher/submit-action/internal/github"
	"github.com/rancher/submit-action/internal/submit"
)

// OutcomeCommentMarker identifies the comment the action maintains on each
// pull request.
const OutcomeCommentMarker = "<!-- submit-action:outcome -->"

// notifier reports committed outcomes back to the pull requests they belong
// to. Merged changes lose the ready label, gain the merged label and, when
// the branch does not contain the original head, are closed.
type notifier struct {
	o     *Orchestrator
	owner string
	repo  string
	prs   map[submit.ChangeID]gh.PullRequest
}

func (o *Orchestrator) newNotifier(owner, repo string, prs map[submit.ChangeID]gh.PullRequest) *notifier {
	return &notifier{o: o, owner: owner, repo: repo, prs: prs}
}

func (n *notifier) OnOutcome(ctx context.Context, out submit.Outcome) error {
	pr, ok := n.prs[out.Candidate.Change]
	if !ok {
		return fmt.Errorf("no pull request for %s", out.Candidate)
	}

	var errs []error
	if err := n.upsertComment(ctx, pr.Number, RenderOutcomeComment(out)); err != nil {
		errs = append(errs, fmt.Errorf("comment: %w", err))
	}

	if !out.Status.Merged() {
		return errors.Join(errs...)
	}

	cfg := n.o.cfg
	if err := n.o.gh.RemoveLabel(ctx, n.owner, n.repo, pr.Number, n.o.selector.ReadyLabel()); err != nil {
		errs = append(errs, err)
	}
	if cfg.MergedLabel != "" {
		if err := n.o.gh.AddLabel(ctx, n.owner, n.repo, pr.Number, cfg.MergedLabel); err != nil {
			errs = append(errs, err)
		}
	}
	if needsClose(out) {
		if err := n.o.gh.ClosePullRequest(ctx, n.owner, n.repo, pr.Number); err != nil {
			errs = append(errs, err)
		}
	}

	n.o.log.Info("reported outcome", "pr", pr.Number, "status", string(out.Status), "merged_as", hashString(out.MergedAs))
	return errors.Join(errs...)
}

// needsClose reports whether GitHub will not detect the merge on its own
// because the pull request head is not on the branch.
func needsClose(out submit.Outcome) bool {
	switch out.Status {
	case submit.StatusCleanPick, submit.StatusCleanRebase, submit.StatusSkippedIdenticalTree:
		return true
	}
	return false
}

func (n *notifier) upsertComment(ctx context.Context, number int, body string) error {
	comments, err := n.o.gh.ListPullRequestComments(ctx, n.owner, n.repo, number)
	if err != nil {
		return err
	}
	for _, c := range comments {
		if !strings.Contains(c.Body, OutcomeCommentMarker) {
			continue
		}
		if c.Body == body {
			return nil
		}
		return n.o.gh.UpdateComment(ctx, n.owner, n.repo, c.ID, body)
	}
	return n.o.gh.CommentOnPullRequest(ctx, n.owner, n.repo, number, body)
}

// RenderOutcomeComment builds the pull request comment for an outcome.
func RenderOutcomeComment(out submit.Outcome) string {
	var b strings.Builder
	b.WriteString(OutcomeCommentMarker)
	b.WriteString("\n")

	if out.Status.Merged() {
		fmt.Fprintf(&b, "✅ Submitted to `%s` with `%s`.\n\n", out.Key.Branch, out.Strategy)
	} else {
		fmt.Fprintf(&b, "❌ Could not submit to `%s` with `%s`.\n\n", out.Key.Branch, out.Strategy)
	}

	fmt.Fprintf(&b, "**%s**: %s\n", out.Status, out.Status.Description())
	if !out.MergedAs.IsZero() {
		fmt.Fprintf(&b, "\nMerged as `%s`.\n", out.MergedAs)
	}
	b.WriteString("\n--\n")
	b.WriteString("Automated submission by rancher/submit-action.")
	return b.String()
}
