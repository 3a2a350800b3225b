package submission

import (
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/customs-cli/internal/automation"
	"github.com/sells-group/customs-cli/internal/match"
)

var (
	// ErrResolutionGap marks a required field that resolved to nothing. It is
	// reported as a warning before automation runs, never fatal.
	ErrResolutionGap = eris.New("submission: required field unresolved")

	// ErrMatchRejected is re-exported from the matcher for callers that only
	// import this package.
	ErrMatchRejected = match.ErrMatchRejected

	// ErrBackendTimeout means the automation driver ran past its deadline.
	ErrBackendTimeout = automation.ErrTimeout
	// ErrBackendError means the driver failed without a structured result.
	ErrBackendError = automation.ErrProcess
	// ErrDecode means the driver's output could not be decoded.
	ErrDecode = automation.ErrDecode

	// ErrInvalidRetryState is returned when retrying a submission that has
	// not failed or that already has a follow-up.
	ErrInvalidRetryState = eris.New("submission: invalid retry state")
	// ErrRetryExhausted is returned when a failed submission already used
	// all of its retries.
	ErrRetryExhausted = eris.New("submission: retries exhausted")
	// ErrNotPending is returned by Start for a submission that already left
	// the pending state.
	ErrNotPending = eris.New("submission: not pending")
)

// IsRetryRejected reports whether err is one of the retry guard errors.
func IsRetryRejected(err error) bool {
	return errors.Is(err, ErrInvalidRetryState) || errors.Is(err, ErrRetryExhausted)
}
