package service

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lyzr/buildqueue/common/acl"
	buildqerrors "github.com/lyzr/buildqueue/common/errors"
	"github.com/lyzr/buildqueue/common/identity"
	"github.com/lyzr/buildqueue/common/models"
)

// errLeaseNotGranted aborts a Lease transaction without surfacing an error:
// the build is already held, which is an ordinary answer, not a failure.
var errLeaseNotGranted = errors.New("lease not granted")

// errAlreadyCompleted aborts a completion transaction when an identical
// completion won the race. The losing caller gets the record back, but the
// transition already happened, so it must not notify or count it again.
var errAlreadyCompleted = errors.New("already completed")

// checkLease verifies the presented lease key against the current record.
// Expired or replaced keys both come back as LeaseExpiredError, so a worker
// holding a reclaimed lease cannot distinguish the two and must not care.
func checkLease(b *models.Build, leaseKey string, now time.Time) error {
	if !b.IsLeased(now) || b.LeaseKey == nil || *b.LeaseKey != leaseKey {
		return &buildqerrors.LeaseExpiredError{ID: b.ID}
	}
	return nil
}

// authorizeBuild loads a build and checks the caller may perform action on
// its bucket.
func (s *BuildService) authorizeBuild(ctx context.Context, id int64, action acl.Action) (*models.Build, identity.Identity, error) {
	caller := identity.FromContext(ctx)

	b, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, caller, err
	}

	ok, err := s.access.Can(ctx, caller, action, b.Bucket)
	if err != nil {
		return nil, caller, err
	}
	if !ok {
		return nil, caller, &buildqerrors.PermissionError{
			Identity: string(caller),
			Action:   string(action),
			Bucket:   b.Bucket,
		}
	}

	return b, caller, nil
}

// Lease attempts to acquire the build for the caller until expiration. On
// success the returned record carries a fresh lease key. When the build is
// already leased, completed or started the current record is returned with
// granted false and no error. A zero expiration leases for the configured
// default duration.
func (s *BuildService) Lease(ctx context.Context, id int64, expiration time.Time) (bool, *models.Build, error) {
	expiration, err := s.resolveLeaseExpiration(expiration)
	if err != nil {
		return false, nil, err
	}

	b, caller, err := s.authorizeBuild(ctx, id, acl.ActionLeaseBuild)
	if err != nil {
		return false, nil, err
	}

	updated, err := s.store.Mutate(ctx, id, func(b *models.Build) error {
		if b.Status != models.StatusScheduled || b.IsLeased(s.now()) {
			return errLeaseNotGranted
		}
		key := uuid.NewString()
		exp := expiration.UTC()
		b.LeaseKey = &key
		b.Leasee = &caller
		b.LeaseExpirationDate = &exp
		b.NeverLeased = false
		return nil
	})
	if errors.Is(err, errLeaseNotGranted) {
		// Re-read outside the aborted transaction for the caller's benefit.
		current, gerr := s.store.GetByID(ctx, id)
		if gerr != nil {
			current = b
		}
		return false, current, nil
	}
	if err != nil {
		return false, nil, err
	}

	s.metrics.Increment("lease", updated.Bucket)
	s.log.Info("lease granted",
		"build_id", updated.ID,
		"bucket", updated.Bucket,
		"leasee", caller,
		"lease_expiration", updated.LeaseExpirationDate)

	return true, updated, nil
}

// Reset forcibly returns an incomplete build to SCHEDULED, discarding any
// lease without knowing its key. Completed builds cannot be reset.
func (s *BuildService) Reset(ctx context.Context, id int64) (*models.Build, error) {
	if _, _, err := s.authorizeBuild(ctx, id, acl.ActionResetBuild); err != nil {
		return nil, err
	}

	updated, err := s.store.Mutate(ctx, id, func(b *models.Build) error {
		if b.IsCompleted() {
			return &buildqerrors.BuildIsCompletedError{ID: b.ID}
		}
		b.ClearLease()
		b.URL = nil
		b.Status = models.StatusScheduled
		b.StatusChangedTime = s.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("build reset", "build_id", id, "bucket", updated.Bucket)
	return updated, nil
}

// Start transitions a leased SCHEDULED build to STARTED and records the
// progress url. Re-starting an already STARTED build is idempotent and only
// refreshes the url.
func (s *BuildService) Start(ctx context.Context, id int64, leaseKey string, url *string) (*models.Build, error) {
	updated, err := s.store.Mutate(ctx, id, func(b *models.Build) error {
		if b.IsCompleted() {
			return &buildqerrors.BuildIsCompletedError{ID: b.ID}
		}
		if b.Status == models.StatusStarted {
			b.URL = url
			return nil
		}
		if err := checkLease(b, leaseKey, s.now()); err != nil {
			return err
		}
		b.Status = models.StatusStarted
		b.StatusChangedTime = s.now().UTC()
		b.URL = url
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Increment("start", updated.Bucket)
	s.log.Info("build started", "build_id", id, "bucket", updated.Bucket)
	return updated, nil
}

// Heartbeat extends the lease of a held build to the new expiration. The
// presented key must match the active lease. A zero expiration extends by
// the configured default lease duration.
func (s *BuildService) Heartbeat(ctx context.Context, id int64, leaseKey string, expiration time.Time) (*models.Build, error) {
	expiration, err := s.resolveLeaseExpiration(expiration)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.Mutate(ctx, id, func(b *models.Build) error {
		if b.IsCompleted() {
			return &buildqerrors.BuildIsCompletedError{ID: b.ID}
		}
		if err := checkLease(b, leaseKey, s.now()); err != nil {
			return err
		}
		exp := expiration.UTC()
		b.LeaseExpirationDate = &exp
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Increment("heartbeat", updated.Bucket)
	s.log.Info("lease extended",
		"build_id", id,
		"bucket", updated.Bucket,
		"lease_expiration", updated.LeaseExpirationDate)
	return updated, nil
}

// HeartbeatRequest is one item of a batch lease extension.
type HeartbeatRequest struct {
	BuildID    int64     `json:"build_id"`
	LeaseKey   string    `json:"lease_key"`
	Expiration time.Time `json:"lease_expiration"`
}

// HeartbeatResult is one item of a batch lease extension response.
type HeartbeatResult struct {
	BuildID int64
	Build   *models.Build
	Err     error
}

// HeartbeatBatch extends many leases with independent partial failure,
// results in input order.
func (s *BuildService) HeartbeatBatch(ctx context.Context, reqs []HeartbeatRequest) ([]HeartbeatResult, error) {
	if len(reqs) > maxBatchSize {
		return nil, buildqerrors.NewInvalidInput("batch size %d exceeds %d", len(reqs), maxBatchSize)
	}

	results := make([]HeartbeatResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i, req := range reqs {
		i, req := i, req
		results[i].BuildID = req.BuildID
		g.Go(func() error {
			b, err := s.Heartbeat(gctx, req.BuildID, req.LeaseKey, req.Expiration)
			results[i].Build = b
			results[i].Err = err
			return nil
		})
	}
	g.Wait()

	return results, nil
}

// outcome is the terminal state a completion call wants to reach.
type outcome struct {
	result            models.BuildResult
	failureReason     models.FailureReason
	cancelationReason models.CancelationReason
}

// matches reports whether the build already ended with exactly this outcome,
// including the result details and url the repeat is presenting. A nil
// details map or url asks for no change and matches whatever is recorded.
// Cancellation is looser: a build already canceled stays canceled no matter
// how or why, so a repeat cancel always matches.
func (o outcome) matches(b *models.Build, details map[string]any, url *string) bool {
	if o.result == models.ResultCanceled && b.Result == models.ResultCanceled {
		return true
	}
	if b.Result != o.result ||
		b.FailureReason != o.failureReason ||
		b.CancelationReason != o.cancelationReason {
		return false
	}
	if details != nil && !reflect.DeepEqual(b.ResultDetails, details) {
		return false
	}
	if url != nil && (b.URL == nil || *b.URL != *url) {
		return false
	}
	return true
}

// complete drives a build to COMPLETED with the given outcome. Repeating a
// completion with an identical outcome is idempotent; a different outcome on
// a completed build fails. When checkKey is set the caller must hold the
// active lease.
func (s *BuildService) complete(ctx context.Context, id int64, leaseKey string, checkKey bool, o outcome, resultDetails map[string]any, newTags []string, url *string) (*models.Build, error) {
	// Short-circuit before opening a transaction: repeated completions are
	// the common retry path.
	if b, err := s.store.GetByID(ctx, id); err != nil {
		return nil, err
	} else if b.IsCompleted() {
		if o.matches(b, resultDetails, url) {
			return b, nil
		}
		return nil, &buildqerrors.BuildIsCompletedError{ID: b.ID}
	}

	updated, err := s.store.Mutate(ctx, id, func(b *models.Build) error {
		if b.IsCompleted() {
			if o.matches(b, resultDetails, url) {
				return errAlreadyCompleted
			}
			return &buildqerrors.BuildIsCompletedError{ID: b.ID}
		}
		if checkKey {
			if err := checkLease(b, leaseKey, s.now()); err != nil {
				return err
			}
		}

		now := s.now().UTC()
		b.Status = models.StatusCompleted
		b.Result = o.result
		b.FailureReason = o.failureReason
		b.CancelationReason = o.cancelationReason
		b.StatusChangedTime = now
		b.CompleteTime = &now
		b.ClearLease()
		if url != nil {
			b.URL = url
		}
		if resultDetails != nil {
			b.ResultDetails = resultDetails
		}
		if len(newTags) > 0 {
			for _, t := range newTags {
				if err := validateTag(t); err != nil {
					return err
				}
			}
			b.Tags = models.MergeTags(b.Tags, newTags)
		}
		return nil
	})
	if errors.Is(err, errAlreadyCompleted) {
		// The winner already notified and counted the transition.
		return s.store.GetByID(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	s.metrics.Increment("complete", updated.Bucket)
	s.log.Info("build completed",
		"build_id", updated.ID,
		"bucket", updated.Bucket,
		"result", updated.Result)
	s.notifyCompleted(ctx, updated)

	return updated, nil
}

// Succeed completes a leased build with SUCCESS.
func (s *BuildService) Succeed(ctx context.Context, id int64, leaseKey string, resultDetails map[string]any, newTags []string, url *string) (*models.Build, error) {
	return s.complete(ctx, id, leaseKey, true,
		outcome{result: models.ResultSuccess}, resultDetails, newTags, url)
}

// Fail completes a leased build with FAILURE and the given reason.
func (s *BuildService) Fail(ctx context.Context, id int64, leaseKey string, reason models.FailureReason, resultDetails map[string]any, newTags []string, url *string) (*models.Build, error) {
	if reason == "" {
		reason = models.FailureBuildFailure
	}
	if reason != models.FailureBuildFailure && reason != models.FailureInfraFailure {
		return nil, buildqerrors.NewInvalidInput("unknown failure reason %q", reason)
	}
	return s.complete(ctx, id, leaseKey, true,
		outcome{result: models.ResultFailure, failureReason: reason}, resultDetails, newTags, url)
}

// Cancel terminates a build from the outside with CANCELED. No lease key is
// needed, but the caller needs cancel permission on the bucket. The remote
// task, if any, is canceled best-effort.
func (s *BuildService) Cancel(ctx context.Context, id int64, resultDetails map[string]any) (*models.Build, error) {
	if _, _, err := s.authorizeBuild(ctx, id, acl.ActionCancelBuild); err != nil {
		return nil, err
	}

	updated, err := s.complete(ctx, id, "", false,
		outcome{result: models.ResultCanceled, cancelationReason: models.CanceledExplicitly},
		resultDetails, nil, nil)
	if err != nil {
		return nil, err
	}

	if s.dispatch != nil {
		s.dispatch.cancelTask(ctx, updated)
	}
	return updated, nil
}
