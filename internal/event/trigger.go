package event

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/go-github/v55/github"
)

// Kind enumerates the workflow triggers the action understands.
type Kind string

const (
	KindPullRequest       Kind = "pull_request"
	KindPullRequestTarget Kind = "pull_request_target"
	KindSchedule          Kind = "schedule"
	KindWorkflowDispatch  Kind = "workflow_dispatch"
)

// PullRequestAction enumerates actions we care about from pull_request events.
type PullRequestAction string

const (
	PullRequestActionLabeled     PullRequestAction = "labeled"
	PullRequestActionUnlabeled   PullRequestAction = "unlabeled"
	PullRequestActionOpened      PullRequestAction = "opened"
	PullRequestActionReopened    PullRequestAction = "reopened"
	PullRequestActionSynchronize PullRequestAction = "synchronize"
	PullRequestActionReady       PullRequestAction = "ready_for_review"
	PullRequestActionClosed      PullRequestAction = "closed"
)

// Trigger captures the subset of the workflow event the action needs to
// decide what to submit.
type Trigger struct {
	Kind       Kind
	Action     PullRequestAction
	Repository Repository
	// PullRequest is set for pull request triggers only.
	PullRequest *PullRequest
	LabelName   string
	// Branch restricts the run to one destination branch. Empty means all.
	Branch string
}

// Repository identifies the owner/name of the repository where the event originated.
type Repository struct {
	Owner string
	Name  string
}

// PullRequest includes the pull request details carried by the event.
type PullRequest struct {
	Number  int
	Labels  []string
	HeadSHA string
	BaseRef string
	Draft   bool
}

// Wakes reports whether the trigger can change the set of ready changes.
// Label events only matter when they concern readyLabel.
func (t Trigger) Wakes(readyLabel string) bool {
	switch t.Kind {
	case KindSchedule, KindWorkflowDispatch:
		return true
	case KindPullRequest, KindPullRequestTarget:
	default:
		return false
	}

	switch t.Action {
	case PullRequestActionLabeled:
		return strings.EqualFold(t.LabelName, strings.TrimSpace(readyLabel))
	case PullRequestActionOpened, PullRequestActionReopened, PullRequestActionSynchronize, PullRequestActionReady:
		return true
	default:
		return false
	}
}

// ParseTrigger decodes the event payload for the named workflow trigger.
func ParseTrigger(name string, r io.Reader) (Trigger, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(name)))
	switch kind {
	case KindPullRequest, KindPullRequestTarget:
		return parsePullRequest(kind, r)
	case KindWorkflowDispatch:
		return parseDispatch(r)
	case KindSchedule:
		return parseSchedule(r)
	default:
		return Trigger{}, fmt.Errorf("unsupported event %q", name)
	}
}

func parsePullRequest(kind Kind, r io.Reader) (Trigger, error) {
	var raw github.PullRequestEvent
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return Trigger{}, fmt.Errorf("decode %s event: %w", kind, err)
	}

	pr := raw.GetPullRequest()
	t := Trigger{
		Kind:       kind,
		Action:     PullRequestAction(strings.ToLower(strings.TrimSpace(raw.GetAction()))),
		Repository: repositoryOf(raw.GetRepo()),
		PullRequest: &PullRequest{
			Number:  pr.GetNumber(),
			HeadSHA: strings.TrimSpace(pr.GetHead().GetSHA()),
			BaseRef: strings.TrimSpace(pr.GetBase().GetRef()),
			Draft:   pr.GetDraft(),
		},
	}
	t.Branch = t.PullRequest.BaseRef

	for _, l := range pr.Labels {
		if name := strings.TrimSpace(l.GetName()); name != "" {
			t.PullRequest.Labels = append(t.PullRequest.Labels, name)
		}
	}

	if raw.Label != nil {
		t.LabelName = strings.TrimSpace(raw.Label.GetName())
	}

	return t, nil
}

func parseDispatch(r io.Reader) (Trigger, error) {
	var raw github.WorkflowDispatchEvent
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return Trigger{}, fmt.Errorf("decode workflow_dispatch event: %w", err)
	}

	t := Trigger{Kind: KindWorkflowDispatch, Repository: repositoryOf(raw.GetRepo())}
	if len(raw.Inputs) > 0 {
		var inputs map[string]any
		if err := json.Unmarshal(raw.Inputs, &inputs); err != nil {
			return Trigger{}, fmt.Errorf("decode workflow_dispatch inputs: %w", err)
		}
		if branch, ok := inputs["branch"].(string); ok {
			t.Branch = strings.TrimSpace(branch)
		}
	}
	return t, nil
}

func parseSchedule(r io.Reader) (Trigger, error) {
	var raw struct {
		Repo *github.Repository `json:"repository,omitempty"`
	}
	if err := json.NewDecoder(r).Decode(&raw); err != nil && err != io.EOF {
		return Trigger{}, fmt.Errorf("decode schedule event: %w", err)
	}
	return Trigger{Kind: KindSchedule, Repository: repositoryOf(raw.Repo)}, nil
}

func repositoryOf(repo *github.Repository) Repository {
	return Repository{
		Owner: strings.TrimSpace(repo.GetOwner().GetLogin()),
		Name:  strings.TrimSpace(repo.GetName()),
	}
}

// ParseTriggerFile reads the event JSON from disk.
func ParseTriggerFile(name, path string) (Trigger, error) {
	f, err := os.Open(path)
	if err != nil {
		return Trigger{}, fmt.Errorf("open event file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close event file: %v\n", closeErr)
		}
	}()

	return ParseTrigger(name, f)
}
