// Package search runs one search unit against the portal and merges unit
// results into the consolidated table.
package search

import (
	"errors"
	"fmt"

	"github.com/dbsmedya/echarvest/internal/types"
)

// FailureKind classifies why a search call failed.
type FailureKind int

const (
	KindTransientNetwork FailureKind = iota + 1
	KindCaptchaRejected
	KindSessionExpired
	KindRemoteValidation
)

func (k FailureKind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindCaptchaRejected:
		return "captcha_rejected"
	case KindSessionExpired:
		return "session_expired"
	case KindRemoteValidation:
		return "remote_validation"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether the same call may simply be repeated.
func (k FailureKind) Retryable() bool {
	return k == KindTransientNetwork
}

// NeedsRebind reports whether the session must get a new CAPTCHA or login
// before the unit is tried again.
func (k FailureKind) NeedsRebind() bool {
	return k == KindCaptchaRejected || k == KindSessionExpired
}

// ErrPaginationLimitExceeded is returned with the rows collected so far when
// a unit keeps reporting more pages than the configured bound.
var ErrPaginationLimitExceeded = errors.New("pagination limit exceeded")

// Failure is returned by a Client to say how the portal refused a call.
type Failure struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	switch {
	case f.Err != nil && f.Message != "":
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	default:
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	}
}

func (f *Failure) Unwrap() error { return f.Err }

// Classify maps a client error to a failure kind. Errors that carry no
// classification are treated as transient network problems.
func Classify(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindTransientNetwork
}

// ExecutionFailure is the final outcome of a unit that could not be run.
type ExecutionFailure struct {
	Kind     FailureKind
	Unit     types.SearchUnit
	Attempts int
	Err      error
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("unit %s failed (%s) after %d attempt(s): %v", e.Unit.Key(), e.Kind, e.Attempts, e.Err)
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }
