package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/buildqueue/common/acl"
	buildqerrors "github.com/lyzr/buildqueue/common/errors"
	"github.com/lyzr/buildqueue/common/models"
)

func (env *testEnv) mustAdd(t *testing.T, req *AddRequest) *models.Build {
	t.Helper()
	b, err := env.svc.Add(asUser("scheduler"), req)
	require.NoError(t, err)
	return b
}

func (env *testEnv) leaseFor(d time.Duration) time.Time {
	return env.clock.Now().Add(d)
}

func TestLease_GrantAndRegrant(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	b := env.mustAdd(t, &AddRequest{Bucket: "ci"})
	ctx := asUser("worker")

	granted, leased, err := env.svc.Lease(ctx, b.ID, env.leaseFor(10*time.Minute))
	require.NoError(t, err)
	require.True(t, granted)
	require.NotNil(t, leased.LeaseKey)
	assert.False(t, leased.NeverLeased)
	assert.Equal(t, models.StatusScheduled, leased.Status)

	firstKey := *leased.LeaseKey

	// A second lease against a held build is refused, not an error, and the
	// original key stays in force.
	granted, current, err := env.svc.Lease(asUser("other"), b.ID, env.leaseFor(10*time.Minute))
	require.NoError(t, err)
	assert.False(t, granted)
	require.NotNil(t, current.LeaseKey)
	assert.Equal(t, firstKey, *current.LeaseKey)
}

func TestLease_RegrantAfterExpiry(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	b := env.mustAdd(t, &AddRequest{Bucket: "ci"})

	granted, first, err := env.svc.Lease(asUser("w1"), b.ID, env.leaseFor(time.Minute+time.Second))
	require.NoError(t, err)
	require.True(t, granted)

	env.clock.Advance(2 * time.Minute)

	granted, second, err := env.svc.Lease(asUser("w2"), b.ID, env.leaseFor(10*time.Minute))
	require.NoError(t, err)
	require.True(t, granted)
	assert.NotEqual(t, *first.LeaseKey, *second.LeaseKey)

	// The first worker's key is now dead.
	_, err = env.svc.Start(asUser("w1"), b.ID, *first.LeaseKey, nil)
	var expired *buildqerrors.LeaseExpiredError
	assert.ErrorAs(t, err, &expired)
}

func TestLease_InvalidExpiration(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	b := env.mustAdd(t, &AddRequest{Bucket: "ci"})

	for _, exp := range []time.Time{
		env.clock.Now().Add(-time.Minute),
		env.clock.Now().Add(10 * time.Second),
		env.clock.Now().Add(100 * time.Hour),
	} {
		_, _, err := env.svc.Lease(asUser("w"), b.ID, exp)
		var invalid *buildqerrors.InvalidInputError
		assert.ErrorAs(t, err, &invalid)
	}
}

func TestLease_ZeroExpirationUsesDefault(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	b := env.mustAdd(t, &AddRequest{Bucket: "ci"})

	granted, leased, err := env.svc.Lease(asUser("w"), b.ID, time.Time{})
	require.NoError(t, err)
	require.True(t, granted)
	require.NotNil(t, leased.LeaseExpirationDate)
	assert.Equal(t, env.clock.Now().Add(10*time.Minute), *leased.LeaseExpirationDate)
}

func TestStart_RequiresLease(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	b := env.mustAdd(t, &AddRequest{Bucket: "ci"})

	_, err := env.svc.Start(asUser("w"), b.ID, "bogus-key", nil)
	var expired *buildqerrors.LeaseExpiredError
	require.ErrorAs(t, err, &expired)

	_, leased, err := env.svc.Lease(asUser("w"), b.ID, env.leaseFor(10*time.Minute))
	require.NoError(t, err)

	url := "https://ci.example.com/run/1"
	started, err := env.svc.Start(asUser("w"), b.ID, *leased.LeaseKey, &url)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarted, started.Status)
	require.NotNil(t, started.URL)
	assert.Equal(t, url, *started.URL)
}

func TestStart_IdempotentURLRefresh(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	b := env.mustAdd(t, &AddRequest{Bucket: "ci"})

	_, leased, err := env.svc.Lease(asUser("w"), b.ID, env.leaseFor(10*time.Minute))
	require.NoError(t, err)
	key := *leased.LeaseKey

	first := "https://ci.example.com/run/1"
	_, err = env.svc.Start(asUser("w"), b.ID, key, &first)
	require.NoError(t, err)

	// Re-start only refreshes the url, without re-checking the lease.
	second := "https://ci.example.com/run/1-restarted"
	updated, err := env.svc.Start(asUser("w"), b.ID, "different-key", &second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarted, updated.Status)
	assert.Equal(t, second, *updated.URL)
}

func TestHeartbeat_ExtendsLease(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	b := env.mustAdd(t, &AddRequest{Bucket: "ci"})

	_, leased, err := env.svc.Lease(asUser("w"), b.ID, env.leaseFor(10*time.Minute))
	require.NoError(t, err)
	key := *leased.LeaseKey

	extended := env.leaseFor(30 * time.Minute)
	updated, err := env.svc.Heartbeat(asUser("w"), b.ID, key, extended)
	require.NoError(t, err)
	assert.Equal(t, extended, *updated.LeaseExpirationDate)
	assert.Equal(t, 1, env.recorder.count("heartbeat"))

	_, err = env.svc.Heartbeat(asUser("w"), b.ID, "wrong-key", env.leaseFor(time.Hour))
	var expired *buildqerrors.LeaseExpiredError
	assert.ErrorAs(t, err, &expired)
	assert.Equal(t, 1, env.recorder.count("heartbeat"))
}

func TestHeartbeatBatch_PartialFailure(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	a := env.mustAdd(t, &AddRequest{Bucket: "ci"})
	b := env.mustAdd(t, &AddRequest{Bucket: "ci"})

	_, leasedA, err := env.svc.Lease(asUser("w"), a.ID, env.leaseFor(10*time.Minute))
	require.NoError(t, err)

	exp := env.leaseFor(30 * time.Minute)
	results, err := env.svc.HeartbeatBatch(asUser("w"), []HeartbeatRequest{
		{BuildID: a.ID, LeaseKey: *leasedA.LeaseKey, Expiration: exp},
		{BuildID: b.ID, LeaseKey: "not-leased", Expiration: exp},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.NoError(t, results[0].Err)
	assert.Equal(t, exp, *results[0].Build.LeaseExpirationDate)

	var expired *buildqerrors.LeaseExpiredError
	assert.ErrorAs(t, results[1].Err, &expired)
}

func TestSucceed_CompletesAndNotifies(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	b := env.mustAdd(t, &AddRequest{
		Bucket:   "ci",
		Callback: &models.Callback{Topic: "builds"},
	})

	_, leased, err := env.svc.Lease(asUser("w"), b.ID, env.leaseFor(10*time.Minute))
	require.NoError(t, err)
	key := *leased.LeaseKey

	done, err := env.svc.Succeed(asUser("w"), b.ID, key,
		map[string]any{"exit_code": float64(0)},
		[]string{"result:green"}, nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, models.ResultSuccess, done.Result)
	assert.Nil(t, done.LeaseKey)
	require.NotNil(t, done.CompleteTime)
	assert.Contains(t, done.Tags, "result:green")
	assert.Equal(t, []int64{b.ID}, env.notifier.notified)
}

func TestComplete_IdempotentOnSameOutcome(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	b := env.mustAdd(t, &AddRequest{Bucket: "ci"})

	_, leased, err := env.svc.Lease(asUser("w"), b.ID, env.leaseFor(10*time.Minute))
	require.NoError(t, err)
	key := *leased.LeaseKey

	first, err := env.svc.Succeed(asUser("w"), b.ID, key, nil, nil, nil)
	require.NoError(t, err)

	// Same outcome again: returns the existing record even though the lease
	// is long gone.
	again, err := env.svc.Succeed(asUser("w"), b.ID, key, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.Result, again.Result)

	// A different outcome is refused.
	_, err = env.svc.Fail(asUser("w"), b.ID, key, models.FailureBuildFailure, nil, nil, nil)
	var completed *buildqerrors.BuildIsCompletedError
	assert.ErrorAs(t, err, &completed)
}

func TestComplete_DifferentDetailsRefused(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	b := env.mustAdd(t, &AddRequest{Bucket: "ci"})

	_, leased, err := env.svc.Lease(asUser("w"), b.ID, env.leaseFor(10*time.Minute))
	require.NoError(t, err)
	key := *leased.LeaseKey

	url := "https://ci.example.com/run/1"
	first, err := env.svc.Succeed(asUser("w"), b.ID, key,
		map[string]any{"exit_code": float64(0)}, nil, &url)
	require.NoError(t, err)

	// Identical details and url: the no-op retry path.
	again, err := env.svc.Succeed(asUser("w"), b.ID, key,
		map[string]any{"exit_code": float64(0)}, nil, &url)
	require.NoError(t, err)
	assert.Equal(t, first.ResultDetails, again.ResultDetails)

	// A repeat presenting no details or url matches whatever is recorded.
	_, err = env.svc.Succeed(asUser("w"), b.ID, key, nil, nil, nil)
	require.NoError(t, err)

	var completed *buildqerrors.BuildIsCompletedError

	// Same result but different details is a different outcome.
	_, err = env.svc.Succeed(asUser("w"), b.ID, key,
		map[string]any{"exit_code": float64(42)}, nil, &url)
	require.ErrorAs(t, err, &completed)

	// Same for a different url.
	otherURL := "https://ci.example.com/run/2"
	_, err = env.svc.Succeed(asUser("w"), b.ID, key,
		map[string]any{"exit_code": float64(0)}, nil, &otherURL)
	require.ErrorAs(t, err, &completed)

	// The record is untouched throughout.
	current, err := env.svc.Get(asUser("w"), b.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"exit_code": float64(0)}, current.ResultDetails)
	assert.Equal(t, url, *current.URL)
}

func TestCancel_AlreadyCanceledIsNoOp(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	b := env.mustAdd(t, &AddRequest{Bucket: "ci"})

	// The sweeper timed the build out before anyone canceled it.
	now := env.clock.Now()
	env.store.apply(b.ID, func(rec *models.Build) {
		rec.Status = models.StatusCompleted
		rec.Result = models.ResultCanceled
		rec.CancelationReason = models.CanceledTimeout
		rec.CompleteTime = &now
	})

	// Canceling a canceled build stays a no-op no matter how it was
	// canceled; the recorded reason is kept.
	done, err := env.svc.Cancel(asUser("admin"), b.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ResultCanceled, done.Result)
	assert.Equal(t, models.CanceledTimeout, done.CancelationReason)
}

func TestComplete_RacedByIdenticalCompletion(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	b := env.mustAdd(t, &AddRequest{Bucket: "ci"})

	_, leased, err := env.svc.Lease(asUser("w"), b.ID, env.leaseFor(10*time.Minute))
	require.NoError(t, err)
	key := *leased.LeaseKey

	// An identical completion lands between the caller's read and its
	// transaction.
	now := env.clock.Now()
	env.store.mutateHook = func(id int64) {
		env.store.apply(id, func(rec *models.Build) {
			rec.Status = models.StatusCompleted
			rec.Result = models.ResultSuccess
			rec.CompleteTime = &now
			rec.ClearLease()
		})
	}

	done, err := env.svc.Succeed(asUser("w"), b.ID, key, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)

	// The transition already happened, so the losing call must not announce
	// or count it again.
	assert.Empty(t, env.notifier.notified)
	assert.Zero(t, env.recorder.count("complete"))
}

func TestFail_RequiresValidReason(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	b := env.mustAdd(t, &AddRequest{Bucket: "ci"})

	_, leased, err := env.svc.Lease(asUser("w"), b.ID, env.leaseFor(10*time.Minute))
	require.NoError(t, err)
	key := *leased.LeaseKey

	_, err = env.svc.Fail(asUser("w"), b.ID, key, "NOT_A_REASON", nil, nil, nil)
	var invalid *buildqerrors.InvalidInputError
	require.ErrorAs(t, err, &invalid)

	done, err := env.svc.Fail(asUser("w"), b.ID, key, models.FailureInfraFailure, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ResultFailure, done.Result)
	assert.Equal(t, models.FailureInfraFailure, done.FailureReason)
}

func TestCancel_NoLeaseNeeded(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	b := env.mustAdd(t, &AddRequest{Bucket: "ci"})

	_, _, err := env.svc.Lease(asUser("w"), b.ID, env.leaseFor(10*time.Minute))
	require.NoError(t, err)

	done, err := env.svc.Cancel(asUser("admin"), b.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ResultCanceled, done.Result)
	assert.Equal(t, models.CanceledExplicitly, done.CancelationReason)
	assert.Nil(t, done.LeaseKey)
}

func TestReset_ReturnsBuildToQueue(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	b := env.mustAdd(t, &AddRequest{Bucket: "ci"})

	_, leased, err := env.svc.Lease(asUser("w"), b.ID, env.leaseFor(10*time.Minute))
	require.NoError(t, err)
	key := *leased.LeaseKey

	url := "https://ci.example.com/run/1"
	_, err = env.svc.Start(asUser("w"), b.ID, key, &url)
	require.NoError(t, err)

	reset, err := env.svc.Reset(asUser("admin"), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, reset.Status)
	assert.Nil(t, reset.LeaseKey)
	assert.Nil(t, reset.URL)
	assert.False(t, reset.NeverLeased)

	// The old key no longer works.
	_, err = env.svc.Start(asUser("w"), b.ID, key, &url)
	var expired *buildqerrors.LeaseExpiredError
	assert.ErrorAs(t, err, &expired)
}

func TestReset_RefusedOnCompleted(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	b := env.mustAdd(t, &AddRequest{Bucket: "ci"})

	_, leased, err := env.svc.Lease(asUser("w"), b.ID, env.leaseFor(10*time.Minute))
	require.NoError(t, err)

	_, err = env.svc.Succeed(asUser("w"), b.ID, *leased.LeaseKey, nil, nil, nil)
	require.NoError(t, err)

	_, err = env.svc.Reset(asUser("admin"), b.ID)
	var completed *buildqerrors.BuildIsCompletedError
	assert.ErrorAs(t, err, &completed)
}
