package submit

import "github.com/go-git/go-git/v5/plumbing"

// MergeTip tracks the branch tip while a plan is applied. It is a value type:
// every mutation returns a new tip so ops cannot alias each other's state.
type MergeTip struct {
	initial plumbing.Hash
	current plumbing.Hash
	results map[ChangeID]plumbing.Hash
	skipped map[plumbing.Hash]struct{}
}

// NewMergeTip returns a tip positioned at initial. A zero hash denotes an
// unborn branch.
func NewMergeTip(initial plumbing.Hash) MergeTip {
	return MergeTip{initial: initial, current: initial}
}

// Initial returns the branch tip observed before the batch started.
func (t MergeTip) Initial() plumbing.Hash { return t.initial }

// Current returns the tip after the operations applied so far.
func (t MergeTip) Current() plumbing.Hash { return t.current }

// Born reports whether the branch has any commit yet.
func (t MergeTip) Born() bool { return !t.current.IsZero() }

// Advanced reports whether the tip moved during the batch.
func (t MergeTip) Advanced() bool { return t.current != t.initial }

// MoveTo returns a tip positioned at commit, recording it as the commit the
// change landed as.
func (t MergeTip) MoveTo(commit plumbing.Hash, change ChangeID) MergeTip {
	next := t.clone()
	next.current = commit
	next.results[change] = commit
	return next
}

// Skip returns a tip recording that commit did not land in this batch. Ops of
// descendants consult it so they do not silently drop the skipped content.
func (t MergeTip) Skip(commit plumbing.Hash) MergeTip {
	next := t.clone()
	next.skipped[commit] = struct{}{}
	return next
}

// Skipped reports whether commit was rejected earlier in the batch.
func (t MergeTip) Skipped(commit plumbing.Hash) bool {
	_, ok := t.skipped[commit]
	return ok
}

// MergedAs returns the commit the change landed as, if any op recorded one.
func (t MergeTip) MergedAs(change ChangeID) (plumbing.Hash, bool) {
	h, ok := t.results[change]
	return h, ok
}

// Results returns a copy of the change to commit mapping.
func (t MergeTip) Results() map[ChangeID]plumbing.Hash {
	out := make(map[ChangeID]plumbing.Hash, len(t.results))
	for k, v := range t.results {
		out[k] = v
	}
	return out
}

func (t MergeTip) clone() MergeTip {
	next := MergeTip{
		initial: t.initial,
		current: t.current,
		results: make(map[ChangeID]plumbing.Hash, len(t.results)+1),
		skipped: make(map[plumbing.Hash]struct{}, len(t.skipped)),
	}
	for k, v := range t.results {
		next.results[k] = v
	}
	for k := range t.skipped {
		next.skipped[k] = struct{}{}
	}
	return next
}
