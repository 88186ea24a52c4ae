package git

import (
	"errors"
	"fmt"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	perr "github.com/jmgilman/go/errors"
)

// wrapError classifies a go-git error and adds context. The original error
// stays reachable through errors.Is.
func wrapError(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, classifyError(err))
}

// classifyError maps go-git errors to platform error codes. Unknown errors
// pass through unchanged.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var platform perr.PlatformError
	if errors.As(err, &platform) {
		return err
	}

	switch {
	case errors.Is(err, plumbing.ErrObjectNotFound):
		return perr.Wrap(err, perr.CodeNotFound, "object not found")
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		return perr.Wrap(err, perr.CodeNotFound, "reference not found")
	case errors.Is(err, object.ErrFileNotFound):
		return perr.Wrap(err, perr.CodeNotFound, "file not found")
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return perr.Wrap(err, perr.CodeNotFound, "repository not found")
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return perr.Wrap(err, perr.CodeNotFound, "remote repository is empty")
	case errors.Is(err, gogit.ErrRemoteNotFound):
		return perr.Wrap(err, perr.CodeNotFound, "remote not found")
	case errors.Is(err, gogit.ErrRemoteExists):
		return perr.Wrap(err, perr.CodeAlreadyExists, "remote already exists")
	case errors.Is(err, transport.ErrAuthenticationRequired):
		return perr.Wrap(err, perr.CodeUnauthorized, "authentication required")
	case errors.Is(err, transport.ErrAuthorizationFailed):
		return perr.Wrap(err, perr.CodeUnauthorized, "authorization failed")
	case errors.Is(err, gogit.ErrNonFastForwardUpdate), isRejectedPush(err):
		return perr.WithClassification(perr.Wrap(err, perr.CodeConflict, "remote rejected update"), perr.ClassificationRetryable)
	}
	return err
}

func isRejectedPush(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "non-fast-forward") ||
		strings.Contains(msg, "updated since checkout") ||
		strings.Contains(msg, "stale info") ||
		strings.Contains(msg, "failed to update ref") ||
		strings.Contains(msg, "required to be")
}

// newRefConflict reports a compare-and-swap mismatch. Callers may retry the
// whole batch after reloading the branch.
func newRefConflict(name plumbing.ReferenceName, expected, found plumbing.Hash) error {
	msg := fmt.Sprintf("reference %s moved: expected %s", name, describeHash(expected))
	if !found.IsZero() {
		msg += ", found " + found.String()
	}
	err := perr.WithContext(perr.New(perr.CodeConflict, msg), "ref", name.String())
	return perr.WithClassification(err, perr.ClassificationRetryable)
}

func describeHash(h plumbing.Hash) string {
	if h.IsZero() {
		return "no reference"
	}
	return h.String()
}

// IsConflict reports whether err is a reference update conflict.
func IsConflict(err error) bool {
	return perr.GetCode(err) == perr.CodeConflict
}

// IsNotFound reports whether err denotes a missing object or reference.
func IsNotFound(err error) bool {
	return perr.GetCode(err) == perr.CodeNotFound
}
