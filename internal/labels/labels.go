package labels

import (
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
)

var (
	errEmptyReadyLabel = errors.New("ready label cannot be empty")
)

// Selector decides which pull requests are queued for submission. A pull
// request is ready when it carries the ready label and none of the hold
// labels, and targets an allowed branch.
type Selector struct {
	ready    string
	hold     []string
	branches []string
}

// NewSelector validates the configuration and returns a Selector. Branch
// patterns may use path.Match wildcards; an empty list allows every branch.
func NewSelector(readyLabel string, holdLabels, branches []string) (*Selector, error) {
	readyLabel = strings.TrimSpace(readyLabel)
	if readyLabel == "" {
		return nil, errEmptyReadyLabel
	}

	s := &Selector{ready: readyLabel}
	for _, h := range holdLabels {
		if h = strings.TrimSpace(h); h != "" {
			s.hold = append(s.hold, h)
		}
	}

	seen := make(map[string]struct{})
	for _, raw := range branches {
		pattern := NormalizeBranch(raw)
		if pattern == "" {
			continue
		}
		if _, ok := seen[pattern]; ok {
			continue
		}
		if err := validatePattern(pattern); err != nil {
			return nil, fmt.Errorf("invalid target branch %q: %w", raw, err)
		}
		seen[pattern] = struct{}{}
		s.branches = append(s.branches, pattern)
	}

	return s, nil
}

// ReadyLabel returns the label that queues a pull request.
func (s *Selector) ReadyLabel() string {
	return s.ready
}

// Ready reports whether the label set queues a pull request.
func (s *Selector) Ready(labelNames []string) bool {
	ready := false
	for _, name := range labelNames {
		name = strings.TrimSpace(name)
		if strings.EqualFold(name, s.ready) {
			ready = true
		}
		if slices.ContainsFunc(s.hold, func(h string) bool { return strings.EqualFold(h, name) }) {
			return false
		}
	}
	return ready
}

// AllowsBranch reports whether submissions to branch are permitted.
func (s *Selector) AllowsBranch(branch string) bool {
	branch = NormalizeBranch(branch)
	if branch == "" {
		return false
	}
	if len(s.branches) == 0 {
		return true
	}
	for _, pattern := range s.branches {
		if ok, _ := path.Match(pattern, branch); ok {
			return true
		}
	}
	return false
}

// Branches returns the configured branch patterns.
func (s *Selector) Branches() []string {
	return slices.Clone(s.branches)
}

// ValidateBranch ensures a branch name conforms to simple safety checks.
func ValidateBranch(branch string) error {
	if branch == "" {
		return errors.New("branch cannot be empty")
	}

	if strings.ContainsAny(branch, " \t\n\r") {
		return errors.New("branch cannot contain whitespace")
	}

	if strings.Contains(branch, "..") {
		return errors.New("branch cannot contain '..'")
	}

	if strings.ContainsAny(branch, "~^:?*[]@{\\") {
		return errors.New("branch contains forbidden git characters")
	}

	return nil
}

func validatePattern(pattern string) error {
	if _, err := path.Match(pattern, ""); err != nil {
		return err
	}
	literal := strings.NewReplacer("*", "x", "?", "x", "[", "", "]", "").Replace(pattern)
	return ValidateBranch(literal)
}

// SortedBranches returns a deduplicated, sorted copy of branches.
func SortedBranches(branches []string) []string {
	out := slices.Clone(branches)
	slices.Sort(out)
	return slices.Compact(out)
}

// NormalizeBranch trims whitespace, removes leading/trailing slashes, and strips
// refs/heads prefixes from a branch name. It returns an empty string when the
// normalized branch would otherwise be empty.
func NormalizeBranch(branch string) string {
	branch = strings.TrimSpace(branch)
	branch = strings.Trim(branch, "/")

	if len(branch) >= len("refs/heads/") && strings.EqualFold(branch[:len("refs/heads/")], "refs/heads/") {
		branch = branch[len("refs/heads/"):]
	}

	branch = strings.TrimSpace(branch)
	branch = strings.Trim(branch, "/")

	return strings.TrimSpace(branch)
}
