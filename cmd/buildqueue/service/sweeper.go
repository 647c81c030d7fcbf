package service

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/lyzr/buildqueue/common/models"
)

// errSweepSkip aborts a sweep transaction when the record turned out to be
// out of scope by the time the row lock was taken. Not an error for the
// sweep as a whole.
var errSweepSkip = errors.New("sweep skip")

// sweepConcurrency bounds how many records a single sweep mutates at once.
const sweepConcurrency = 8

// ResetExpiredBuilds reclaims expired leases: every incomplete build whose
// lease deadline passed is returned to SCHEDULED with its lease discarded,
// so it shows up in Peek again. Each record is its own transaction and
// re-checked under the row lock, so a completion racing the sweep wins.
// Returns the number of builds reclaimed.
func (s *BuildService) ResetExpiredBuilds(ctx context.Context) (int, error) {
	now := s.now().UTC()
	ids, err := s.store.ExpiredLeases(ctx, now, s.sweeper.BatchLimit)
	if err != nil {
		return 0, err
	}

	var reclaimed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			updated, err := s.store.Mutate(gctx, id, func(b *models.Build) error {
				if b.IsCompleted() || b.IsLeased(s.now()) || b.LeaseKey == nil {
					return errSweepSkip
				}
				b.ClearLease()
				b.URL = nil
				b.Status = models.StatusScheduled
				b.StatusChangedTime = s.now().UTC()
				return nil
			})
			if errors.Is(err, errSweepSkip) {
				return nil
			}
			if err != nil {
				// One stuck record must not stop the rest of the sweep.
				s.log.Error("lease reclamation failed", "build_id", id, "error", err)
				return nil
			}
			reclaimed.Add(1)
			s.metrics.Increment("lease_expired", updated.Bucket)
			s.log.Info("expired lease reclaimed", "build_id", id, "bucket", updated.Bucket)
			return nil
		})
	}
	g.Wait()

	if n := int(reclaimed.Load()); n > 0 {
		s.log.Info("lease reclamation sweep finished", "scanned", len(ids), "reclaimed", n)
		return n, nil
	}
	return 0, nil
}

// TimeoutExpiredBuilds force-completes builds that have been incomplete for
// longer than the configured maximum age, with result CANCELED and reason
// TIMEOUT. Returns the number of builds timed out.
func (s *BuildService) TimeoutExpiredBuilds(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.sweeper.MaxBuildAge)
	ids, err := s.store.StaleBuilds(ctx, cutoff, s.sweeper.BatchLimit)
	if err != nil {
		return 0, err
	}

	var timedOut atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			updated, err := s.store.Mutate(gctx, id, func(b *models.Build) error {
				if b.IsCompleted() || !b.CreatedTime.Before(cutoff) {
					return errSweepSkip
				}
				now := s.now().UTC()
				b.Status = models.StatusCompleted
				b.Result = models.ResultCanceled
				b.CancelationReason = models.CanceledTimeout
				b.StatusChangedTime = now
				b.CompleteTime = &now
				b.ClearLease()
				return nil
			})
			if errors.Is(err, errSweepSkip) {
				return nil
			}
			if err != nil {
				s.log.Error("build timeout failed", "build_id", id, "error", err)
				return nil
			}
			timedOut.Add(1)
			s.metrics.Increment("timeout", updated.Bucket)
			s.log.Warn("build timed out", "build_id", id, "bucket", updated.Bucket)
			s.notifyCompleted(gctx, updated)
			return nil
		})
	}
	g.Wait()

	if n := int(timedOut.Load()); n > 0 {
		s.log.Info("timeout sweep finished", "scanned", len(ids), "timed_out", n)
		return n, nil
	}
	return 0, nil
}
