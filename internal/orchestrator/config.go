package orchestrator

import (
	"github.com/rancher/submit-action/internal/submit"
)

const defaultMaxAttempts = 3

// Config captures the runtime controls the orchestrator needs.
type Config struct {
	Strategy    submit.Kind
	ReadyLabel  string
	HoldLabels  []string
	MergedLabel string
	// TargetBranches limits submissions to matching destination branches.
	TargetBranches     []string
	DryRun             bool
	SkipDrafts         bool
	MaxAttempts        int
	RejectEmptyCommits bool
	Committer          submit.Identity
}

func (c Config) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return c.MaxAttempts
}
