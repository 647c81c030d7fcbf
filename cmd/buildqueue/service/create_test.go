package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/buildqueue/common/acl"
	"github.com/lyzr/buildqueue/common/config"
	buildqerrors "github.com/lyzr/buildqueue/common/errors"
	"github.com/lyzr/buildqueue/common/identity"
	"github.com/lyzr/buildqueue/common/logger"
	"github.com/lyzr/buildqueue/common/models"
)

// testClock is a settable clock shared with the service under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc      *BuildService
	store    *fakeStore
	index    *fakeTagIndex
	notifier *fakeNotifier
	recorder *fakeRecorder
	cache    *fakeCache
	clock    *testClock
}

func newTestEnv(t *testing.T, access acl.Access) *testEnv {
	t.Helper()

	env := &testEnv{
		store:    newFakeStore(),
		index:    newFakeTagIndex(),
		notifier: &fakeNotifier{},
		recorder: newFakeRecorder(),
		cache:    newFakeCache(),
		clock:    newTestClock(),
	}

	env.svc = NewBuildService(&BuildServiceOpts{
		Store:    env.store,
		TagIndex: env.index,
		Access:   access,
		Cache:    env.cache,
		Notifier: env.notifier,
		Metrics:  env.recorder,
		Logger:   logger.New("error", "text"),
		Lease: config.LeaseConfig{
			MinDuration:     time.Minute,
			MaxDuration:     2 * time.Hour,
			DefaultDuration: 10 * time.Minute,
		},
		Sweeper: config.SweeperConfig{
			Interval:    time.Minute,
			MaxBuildAge: 48 * time.Hour,
			BatchLimit:  500,
		},
	})
	env.svc.now = env.clock.Now
	return env
}

func asUser(name string) context.Context {
	return identity.WithIdentity(context.Background(), identity.Identity("user:"+name))
}

func TestAdd_CreatesScheduledBuild(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	ctx := asUser("alice")

	b, err := env.svc.Add(ctx, &AddRequest{
		Bucket:     "ci",
		Tags:       []string{"buildset:patch/1"},
		Parameters: map[string]any{"builder_name": "linux-rel"},
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusScheduled, b.Status)
	assert.Equal(t, "ci", b.Bucket)
	assert.Equal(t, identity.Identity("user:alice"), b.CreatedBy)
	assert.True(t, b.NeverLeased)
	assert.Nil(t, b.LeaseKey)
	assert.Equal(t, []string{"builder:linux-rel", "buildset:patch/1"}, b.Tags)

	stored, err := env.store.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, stored.ID)
}

func TestAdd_WithInitialLease(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})

	b, err := env.svc.Add(asUser("worker"), &AddRequest{
		Bucket:        "ci",
		LeaseDuration: 10 * time.Minute,
	})
	require.NoError(t, err)

	require.NotNil(t, b.LeaseKey)
	require.NotNil(t, b.LeaseExpirationDate)
	assert.False(t, b.NeverLeased)
	assert.Equal(t, env.clock.Now().Add(10*time.Minute), *b.LeaseExpirationDate)
	assert.True(t, b.IsLeased(env.clock.Now()))
}

func TestAdd_DeniedByACL(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: false})

	_, err := env.svc.Add(asUser("eve"), &AddRequest{Bucket: "ci"})

	var perm *buildqerrors.PermissionError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, "ci", perm.Bucket)
}

func TestAdd_RejectsBadInput(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	ctx := asUser("alice")

	cases := []struct {
		name string
		req  *AddRequest
	}{
		{"missing bucket", &AddRequest{}},
		{"bad bucket name", &AddRequest{Bucket: "No Spaces Allowed"}},
		{"tag without colon", &AddRequest{Bucket: "ci", Tags: []string{"nocolon"}}},
		{"tag with empty value", &AddRequest{Bucket: "ci", Tags: []string{"key:"}}},
		{"excessive lease", &AddRequest{Bucket: "ci", LeaseDuration: 100 * time.Hour}},
		{"lease below minimum", &AddRequest{Bucket: "ci", LeaseDuration: 10 * time.Second}},
		{"builder tag conflict", &AddRequest{
			Bucket:     "ci",
			Tags:       []string{"builder:mac"},
			Parameters: map[string]any{"builder_name": "linux"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Add(ctx, tc.req)
			var invalid *buildqerrors.InvalidInputError
			assert.ErrorAs(t, err, &invalid)
		})
	}
}

func TestAdd_DeduplicatesByOperationID(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	ctx := asUser("alice")

	req := &AddRequest{Bucket: "ci", ClientOperationID: "op-1"}

	first, err := env.svc.Add(ctx, req)
	require.NoError(t, err)

	second, err := env.svc.Add(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// A different identity with the same operation id gets a new build.
	third, err := env.svc.Add(asUser("bob"), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestAdd_DedupWindowExpires(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	ctx := asUser("alice")

	req := &AddRequest{Bucket: "ci", ClientOperationID: "op-1"}

	first, err := env.svc.Add(ctx, req)
	require.NoError(t, err)

	// Simulate TTL expiry.
	require.NoError(t, env.cache.Delete(ctx, "add:user:alice:op-1"))
	env.clock.Advance(61 * time.Second)

	second, err := env.svc.Add(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestAdd_WritesTagIndex(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	ctx := asUser("alice")

	b, err := env.svc.Add(ctx, &AddRequest{
		Bucket: "ci",
		Tags:   []string{"buildset:x", "custom:y"},
	})
	require.NoError(t, err)

	entries, err := env.index.Lookup(ctx, "buildset:x", nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, b.ID, entries[0].BuildID)
	assert.Equal(t, "ci", entries[0].Bucket)

	// Non-indexable keys stay out of the index.
	entries, err = env.index.Lookup(ctx, "custom:y", nil, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNewBuildID_NewerSortsFirst(t *testing.T) {
	older := models.NewBuildID(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	newer := models.NewBuildID(time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC))

	assert.Less(t, newer, older)
}

func TestAddBatch_PartialFailure(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	ctx := asUser("alice")

	results, err := env.svc.AddBatch(ctx, []*AddRequest{
		{Bucket: "ci"},
		{Bucket: ""},
		{Bucket: "try", Tags: []string{"buildset:x"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.NoError(t, results[0].Err)
	assert.Equal(t, "ci", results[0].Build.Bucket)

	var invalid *buildqerrors.InvalidInputError
	assert.ErrorAs(t, results[1].Err, &invalid)
	assert.Nil(t, results[1].Build)

	require.NoError(t, results[2].Err)
	assert.Equal(t, "try", results[2].Build.Bucket)
}

func TestAddBatch_SizeCap(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})

	reqs := make([]*AddRequest, maxBatchSize+1)
	for i := range reqs {
		reqs[i] = &AddRequest{Bucket: "ci"}
	}

	_, err := env.svc.AddBatch(asUser("alice"), reqs)
	var invalid *buildqerrors.InvalidInputError
	assert.ErrorAs(t, err, &invalid)
}

// grantedBuckets allows everything in its set and denies the rest.
type grantedBuckets map[string]bool

func (g grantedBuckets) Can(ctx context.Context, id identity.Identity, action acl.Action, bucket string) (bool, error) {
	return g[bucket], nil
}

func (g grantedBuckets) AvailableBuckets(ctx context.Context, id identity.Identity) ([]string, error) {
	out := []string{}
	for b := range g {
		if g[b] {
			out = append(out, b)
		}
	}
	return out, nil
}

func TestAddBatch_PerBucketACL(t *testing.T) {
	env := newTestEnv(t, grantedBuckets{"ci": true, "secret": false})
	ctx := asUser("alice")

	results, err := env.svc.AddBatch(ctx, []*AddRequest{
		{Bucket: "ci"},
		{Bucket: "secret"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.NoError(t, results[0].Err)

	var perm *buildqerrors.PermissionError
	require.ErrorAs(t, results[1].Err, &perm)
	assert.Equal(t, "secret", perm.Bucket)
}

func TestRetry_CopiesOriginal(t *testing.T) {
	env := newTestEnv(t, acl.Static{Allow: true})
	ctx := asUser("alice")

	orig, err := env.svc.Add(ctx, &AddRequest{
		Bucket:     "ci",
		Tags:       []string{"buildset:x"},
		Parameters: map[string]any{"builder_name": "linux", "rev": "abc"},
	})
	require.NoError(t, err)

	retried, err := env.svc.Retry(ctx, &RetryRequest{
		BuildID:           orig.ID,
		ParameterOverride: map[string]any{"rev": "def"},
	})
	require.NoError(t, err)

	assert.NotEqual(t, orig.ID, retried.ID)
	assert.Equal(t, orig.ID, retried.RetryOf)
	assert.Equal(t, orig.Bucket, retried.Bucket)
	assert.Equal(t, orig.Tags, retried.Tags)
	assert.Equal(t, "def", retried.Parameters["rev"])
	assert.Equal(t, "linux", retried.Parameters["builder_name"])
}
