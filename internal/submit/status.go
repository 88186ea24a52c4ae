package submit

import (
	perr "github.com/jmgilman/go/errors"
)

// Status is the terminal outcome of a candidate within one batch.
type Status string

const (
	StatusCleanMerge                    Status = "CLEAN_MERGE"
	StatusCleanPick                     Status = "CLEAN_PICK"
	StatusCleanRebase                   Status = "CLEAN_REBASE"
	StatusAlreadyMerged                 Status = "ALREADY_MERGED"
	StatusSkippedIdenticalTree          Status = "SKIPPED_IDENTICAL_TREE"
	StatusPathConflict                  Status = "PATH_CONFLICT"
	StatusRebaseMergeConflict           Status = "REBASE_MERGE_CONFLICT"
	StatusManualRecursiveMerge          Status = "MANUAL_RECURSIVE_MERGE"
	StatusMissingDependency             Status = "MISSING_DEPENDENCY"
	StatusNotFastForward                Status = "NOT_FAST_FORWARD"
	StatusFastForwardIndependentChanges Status = "FAST_FORWARD_INDEPENDENT_CHANGES"
	StatusCannotCherryPickRoot          Status = "CANNOT_CHERRY_PICK_ROOT"
	StatusCannotRebaseRoot              Status = "CANNOT_REBASE_ROOT"
	StatusEmptyCommit                   Status = "EMPTY_COMMIT"
)

var statusDescriptions = map[Status]string{
	StatusCleanMerge:                    "Change has been successfully merged.",
	StatusCleanPick:                     "Change has been successfully cherry-picked.",
	StatusCleanRebase:                   "Change has been successfully rebased and submitted.",
	StatusAlreadyMerged:                 "Change is already merged into the target branch.",
	StatusSkippedIdenticalTree:          "Change's content is already present on the target branch; no new commit was created.",
	StatusPathConflict:                  "Change could not be merged due to a path conflict. Please rebase the change locally and upload the rebased commit for review.",
	StatusRebaseMergeConflict:           "Change could not be rebased due to a conflict during rebase. Please rebase the change locally and upload the rebased commit for review.",
	StatusManualRecursiveMerge:          "The change requires a local merge to resolve. Please merge (or rebase) the change locally and upload the resolution for review.",
	StatusMissingDependency:             "Depends on a change that is not ready for submission and not part of this batch.",
	StatusNotFastForward:                "Project policy requires all submissions to be a fast-forward. Please rebase the change locally and upload again for review.",
	StatusFastForwardIndependentChanges: "Project policy requires all submissions to be a fast-forward, and the batch contains independent changes for the same branch. Please submit the changes one at a time.",
	StatusCannotCherryPickRoot:          "Cannot cherry-pick an initial commit onto an existing branch. Please merge the change locally and upload the merge commit for review.",
	StatusCannotRebaseRoot:              "Cannot rebase an initial commit onto an existing branch. Please merge the change locally and upload the merge commit for review.",
	StatusEmptyCommit:                   "Change could not be merged because the commit is empty. Project policy requires all commits to contain modifications to at least one file.",
}

// Description returns a human readable explanation of the status.
func (s Status) Description() string {
	if d, ok := statusDescriptions[s]; ok {
		return d
	}
	return string(s)
}

// Valid reports whether s belongs to the closed status set.
func (s Status) Valid() bool {
	_, ok := statusDescriptions[s]
	return ok
}

// Merged reports whether the change's content is on the branch once the
// batch completes.
func (s Status) Merged() bool {
	switch s {
	case StatusCleanMerge, StatusCleanPick, StatusCleanRebase, StatusAlreadyMerged, StatusSkippedIdenticalTree:
		return true
	default:
		return false
	}
}

// Outcomes maps every change of a batch to its terminal status. Each change
// is assigned at most once.
type Outcomes map[ChangeID]Status

// Set records the status of a change. Assigning a change twice is an internal
// error even when the status is the same.
func (o Outcomes) Set(change ChangeID, status Status) error {
	if !status.Valid() {
		return perr.Newf(perr.CodeInternal, "change %d: unknown status %q", change, status)
	}
	if prev, ok := o[change]; ok {
		return perr.WithContext(
			perr.Newf(perr.CodeInternal, "change %d already resolved as %s, refusing %s", change, prev, status),
			"change", int(change),
		)
	}
	o[change] = status
	return nil
}

// Get returns the status of a change and whether it has been resolved.
func (o Outcomes) Get(change ChangeID) (Status, bool) {
	s, ok := o[change]
	return s, ok
}

// Resolved reports whether the change has a status.
func (o Outcomes) Resolved(change ChangeID) bool {
	_, ok := o[change]
	return ok
}

// Unresolved returns the candidates that have no status yet, preserving order.
func (o Outcomes) Unresolved(candidates []*Candidate) []*Candidate {
	var out []*Candidate
	for _, c := range candidates {
		if !o.Resolved(c.Change) {
			out = append(out, c)
		}
	}
	return out
}

// Clone returns an independent copy.
func (o Outcomes) Clone() Outcomes {
	out := make(Outcomes, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}
