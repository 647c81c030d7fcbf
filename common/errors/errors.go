package errors

import "fmt"

// InvalidInputError marks a malformed or out-of-policy request (bad bucket,
// tag, lease duration, cursor, batch size). Caller-fixable, never retried.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s", e.Reason)
}

// NewInvalidInput builds an InvalidInputError with a formatted reason.
func NewInvalidInput(format string, args ...any) *InvalidInputError {
	return &InvalidInputError{Reason: fmt.Sprintf(format, args...)}
}

// BuildNotFoundError means the referenced build id does not exist.
type BuildNotFoundError struct {
	ID int64
}

func (e *BuildNotFoundError) Error() string {
	return fmt.Sprintf("build %d not found", e.ID)
}

// LeaseExpiredError means the presented lease key does not match the current
// one. The caller's lease is gone; it must re-lease, not retry the same call.
type LeaseExpiredError struct {
	ID int64
}

func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("lease on build %d expired or was never granted", e.ID)
}

// BuildIsCompletedError means the attempted transition is incompatible with
// an already-completed build whose outcome differs from what was requested.
type BuildIsCompletedError struct {
	ID int64
}

func (e *BuildIsCompletedError) Error() string {
	return fmt.Sprintf("build %d is already completed", e.ID)
}

// TooManyBuildsError means creation was throttled. The caller should wait
// and retry the same request.
type TooManyBuildsError struct {
	Bucket            string
	RetryAfterSeconds int64
}

func (e *TooManyBuildsError) Error() string {
	return fmt.Sprintf("bucket %q is over its creation rate limit, retry in %ds", e.Bucket, e.RetryAfterSeconds)
}

// PermissionError is raised by the access layer and surfaced verbatim,
// never downgraded to a generic error.
type PermissionError struct {
	Identity string
	Action   string
	Bucket   string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s does not have permission to %s in bucket %q", e.Identity, e.Action, e.Bucket)
}
