package service

import (
	"regexp"
	"strings"
	"time"

	buildqerrors "github.com/lyzr/buildqueue/common/errors"
	"github.com/lyzr/buildqueue/common/models"
)

const (
	maxTagLength     = 500
	maxOperationID   = 256
	maxBatchSize     = 200
	builderTagKey    = "builder"
	builderParameter = "builder_name"
)

var bucketNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9\-_.]{0,99}$`)

// validateBucket checks bucket name syntax.
func validateBucket(bucket string) error {
	if bucket == "" {
		return buildqerrors.NewInvalidInput("bucket is required")
	}
	if !bucketNameRe.MatchString(bucket) {
		return buildqerrors.NewInvalidInput("bucket name %q does not match %s", bucket, bucketNameRe.String())
	}
	return nil
}

// validateTag checks "key:value" tag syntax.
func validateTag(tag string) error {
	if len(tag) > maxTagLength {
		return buildqerrors.NewInvalidInput("tag is longer than %d characters", maxTagLength)
	}
	key, value, ok := strings.Cut(tag, ":")
	if !ok {
		return buildqerrors.NewInvalidInput("tag %q must have a colon", tag)
	}
	if key == "" || value == "" {
		return buildqerrors.NewInvalidInput("tag %q must be in key:value form with both parts non-empty", tag)
	}
	return nil
}

// normalizeTags validates every tag, derives the builder tag from the
// builder_name parameter, and returns the deduplicated sorted set. An
// explicit builder tag that conflicts with the parameter is rejected.
func normalizeTags(tags []string, parameters map[string]any) ([]string, error) {
	for _, t := range tags {
		if err := validateTag(t); err != nil {
			return nil, err
		}
	}

	builderName, _ := parameters[builderParameter].(string)
	builderTag := ""
	if builderName != "" {
		builderTag = builderTagKey + ":" + builderName
	}

	for _, t := range tags {
		if models.TagKey(t) != builderTagKey {
			continue
		}
		if builderTag == "" {
			builderTag = t
			continue
		}
		if t != builderTag {
			return nil, buildqerrors.NewInvalidInput(
				"tag %q conflicts with builder_name parameter %q", t, builderName)
		}
	}

	if builderTag != "" {
		tags = append(append([]string{}, tags...), builderTag)
	}

	return models.NormalizeTags(tags), nil
}

// validateLeaseDuration bounds an initial lease duration. Zero means the
// build is created unleased.
func (s *BuildService) validateLeaseDuration(d time.Duration) error {
	if d == 0 {
		return nil
	}
	if d < 0 {
		return buildqerrors.NewInvalidInput("lease duration must not be negative")
	}
	if d < s.lease.MinDuration {
		return buildqerrors.NewInvalidInput("lease duration must be at least %s", s.lease.MinDuration)
	}
	if d > s.lease.MaxDuration {
		return buildqerrors.NewInvalidInput("lease duration must not exceed %s", s.lease.MaxDuration)
	}
	return nil
}

// resolveLeaseExpiration bounds a caller-supplied lease deadline between the
// configured min and max lease durations. A zero time means the caller has
// no preference and gets the default duration.
func (s *BuildService) resolveLeaseExpiration(expiration time.Time) (time.Time, error) {
	now := s.now()
	if expiration.IsZero() {
		return now.Add(s.lease.DefaultDuration), nil
	}
	if !expiration.After(now) {
		return time.Time{}, buildqerrors.NewInvalidInput("lease expiration must be in the future")
	}
	if expiration.Sub(now) < s.lease.MinDuration {
		return time.Time{}, buildqerrors.NewInvalidInput("lease expiration must be at least %s away", s.lease.MinDuration)
	}
	if expiration.Sub(now) > s.lease.MaxDuration {
		return time.Time{}, buildqerrors.NewInvalidInput("lease expiration must be within %s", s.lease.MaxDuration)
	}
	return expiration, nil
}

// validateOperationID checks a client-supplied idempotency token.
func validateOperationID(opID string) error {
	if len(opID) > maxOperationID {
		return buildqerrors.NewInvalidInput("client operation id is longer than %d characters", maxOperationID)
	}
	return nil
}
