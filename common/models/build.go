package models

import (
	"sort"
	"strings"
	"time"

	"github.com/lyzr/buildqueue/common/identity"
)

// BuildStatus represents the lifecycle state of a build
type BuildStatus string

const (
	StatusScheduled BuildStatus = "SCHEDULED"
	StatusStarted   BuildStatus = "STARTED"
	StatusCompleted BuildStatus = "COMPLETED"
)

// BuildResult is the terminal outcome, meaningful only when status is COMPLETED
type BuildResult string

const (
	ResultSuccess  BuildResult = "SUCCESS"
	ResultFailure  BuildResult = "FAILURE"
	ResultCanceled BuildResult = "CANCELED"
)

// FailureReason qualifies a FAILURE result
type FailureReason string

const (
	FailureBuildFailure FailureReason = "BUILD_FAILURE"
	FailureInfraFailure FailureReason = "INFRA_FAILURE"
)

// CancelationReason qualifies a CANCELED result
type CancelationReason string

const (
	CanceledExplicitly CancelationReason = "CANCELED_EXPLICITLY"
	CanceledTimeout    CancelationReason = "TIMEOUT"
)

// Callback describes where to announce completion of a build.
// It is never read except to decide whether to enqueue a notification.
type Callback struct {
	Topic    string `db:"callback_topic" json:"topic"`
	UserData string `db:"callback_user_data" json:"user_data,omitempty"`
	AuthToken string `db:"callback_auth_token" json:"-"`
}

// Build represents one schedulable unit of work and its lifecycle
// Maps to: build table
type Build struct {
	// Generated at creation, roughly time-ordered descending: newer builds
	// sort first in natural key order. Immutable.
	ID int64 `db:"id" json:"id"`

	// Logical queue/namespace the build belongs to. Immutable.
	Bucket string `db:"bucket" json:"bucket"`

	// "key:value" strings, deduplicated and sorted. Tags only grow
	// (completion may append), never shrink.
	Tags []string `db:"tags" json:"tags"`

	// Opaque structured payload supplied at creation (JSONB). Immutable.
	Parameters map[string]any `db:"parameters" json:"parameters,omitempty"`

	Status            BuildStatus       `db:"status" json:"status"`
	Result            BuildResult       `db:"result" json:"result,omitempty"`
	FailureReason     FailureReason     `db:"failure_reason" json:"failure_reason,omitempty"`
	CancelationReason CancelationReason `db:"cancelation_reason" json:"cancelation_reason,omitempty"`

	// Audit fields
	CreatedBy         identity.Identity `db:"created_by" json:"created_by"`
	CreatedTime       time.Time         `db:"created_time" json:"created_time"`
	StatusChangedTime time.Time         `db:"status_changed_time" json:"status_changed_time"`
	CompleteTime      *time.Time        `db:"complete_time" json:"complete_time,omitempty"`

	// Caller-supplied human-viewable progress link. Mutable while active.
	URL *string `db:"url" json:"url,omitempty"`

	// Lease fields. LeaseKey is non-nil exactly while the build is leased and
	// acts as a capability token: it is regenerated on every grant and must be
	// presented unchanged for further mutations.
	LeaseKey            *string            `db:"lease_key" json:"-"`
	Leasee              *identity.Identity `db:"leasee" json:"leasee,omitempty"`
	LeaseExpirationDate *time.Time         `db:"lease_expiration_date" json:"lease_expiration_date,omitempty"`

	// True until the first successful lease grant, distinguishing "never
	// picked up" from "picked up and returned".
	NeverLeased bool `db:"never_leased" json:"never_leased"`

	// ID of the build this one retries, or 0.
	RetryOf int64 `db:"retry_of" json:"retry_of,omitempty"`

	// Opaque structured payload attached at completion (JSONB).
	ResultDetails map[string]any `db:"result_details" json:"result_details,omitempty"`

	Callback *Callback `db:"-" json:"callback,omitempty"`
}

// IsCompleted reports whether the build reached its terminal status.
func (b *Build) IsCompleted() bool {
	return b.Status == StatusCompleted
}

// IsLeased reports whether the build holds an unexpired lease at now.
func (b *Build) IsLeased(now time.Time) bool {
	return b.LeaseKey != nil && b.LeaseExpirationDate != nil && b.LeaseExpirationDate.After(now)
}

// ClearLease removes all lease state.
func (b *Build) ClearLease() {
	b.LeaseKey = nil
	b.Leasee = nil
	b.LeaseExpirationDate = nil
}

// TagKey returns the part of a "key:value" tag before the first colon.
func TagKey(tag string) string {
	key, _, _ := strings.Cut(tag, ":")
	return key
}

// NormalizeTags deduplicates and sorts a tag set.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// MergeTags unions extra into tags, re-sorted. The input slices are not modified.
func MergeTags(tags, extra []string) []string {
	return NormalizeTags(append(append([]string{}, tags...), extra...))
}
