package domain

import "errors"

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrNoEligibleAccount is fatal to a run; callers mark the job failed and do not retry.
	ErrNoEligibleAccount = errors.New("no eligible account")

	ErrSessionTimeout       = errors.New("session timeout")
	ErrLeaseLost            = errors.New("account lease lost")
	ErrStabilizationTimeout = errors.New("response did not stabilize")
	ErrChildProcessExit     = errors.New("worker process exited with non-zero status")
	ErrCascadeStep          = errors.New("cascade step failed")
	ErrAuthMismatch         = errors.New("credential does not match requested user")
	ErrUnauthorized         = errors.New("unauthorized")
)
