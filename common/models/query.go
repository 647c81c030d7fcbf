package models

import "github.com/lyzr/buildqueue/common/identity"

// BuildQuery is the predicate set applied when scanning builds. Zero values
// mean "no filter"; a nil Buckets slice scans every bucket, so resolving the
// caller's visible bucket set happens before the query reaches storage.
type BuildQuery struct {
	Buckets           []string
	Tags              []string
	Status            BuildStatus
	Result            BuildResult
	FailureReason     FailureReason
	CancelationReason CancelationReason
	CreatedBy         identity.Identity
	RetryOf           int64

	// OnlyUnleased restricts to builds with no active lease (peek).
	OnlyUnleased bool

	// OldestFirst flips the natural newest-first key order (peek).
	OldestFirst bool
}
