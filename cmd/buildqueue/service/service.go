package service

import (
	"context"
	"time"

	"github.com/lyzr/buildqueue/common/acl"
	"github.com/lyzr/buildqueue/common/cache"
	"github.com/lyzr/buildqueue/common/config"
	"github.com/lyzr/buildqueue/common/logger"
	"github.com/lyzr/buildqueue/common/metrics"
	"github.com/lyzr/buildqueue/common/models"
	"github.com/lyzr/buildqueue/common/ratelimit"
)

// BuildStore is the durable store surface the engine needs: single-record
// transactions via Mutate, batch gets, filtered scans with keyset cursors.
type BuildStore interface {
	Create(ctx context.Context, b *models.Build) error
	GetByID(ctx context.Context, id int64) (*models.Build, error)
	GetMulti(ctx context.Context, ids []int64) (map[int64]*models.Build, error)

	// Mutate runs fn against the current record inside a transaction scoped
	// to that record. An error from fn aborts with no state change.
	Mutate(ctx context.Context, id int64, fn func(b *models.Build) error) (*models.Build, error)

	Search(ctx context.Context, q *models.BuildQuery, limit int, afterID int64) ([]*models.Build, int64, error)
	ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]int64, error)
	StaleBuilds(ctx context.Context, cutoff time.Time, limit int) ([]int64, error)
}

// TagIndex is the secondary index mapping an indexable tag to builds.
// Updates for the same tag serialize with each other but are not ordered
// relative to the record creations they reference; Lookup results may
// contain dangling ids and callers must skip them.
type TagIndex interface {
	Add(ctx context.Context, tag string, entries []models.TagIndexEntry) error
	Lookup(ctx context.Context, tag string, buckets []string, limit int, afterID int64) ([]models.TagIndexEntry, error)
}

// Notifier announces builds that transitioned into COMPLETED.
type Notifier interface {
	NotifyCompleted(ctx context.Context, b *models.Build) error
}

// BuildService implements the scheduling and leasing engine: creation with
// dedup, the lease state machine, search/peek and the expiration sweeps.
type BuildService struct {
	store    BuildStore
	tagIndex TagIndex
	access   acl.Access
	cache    cache.Cache
	notifier Notifier
	dispatch *Dispatcher
	metrics  metrics.Recorder
	log      *logger.Logger

	limiter   *ratelimit.Limiter
	rateLimit config.RateLimitConfig
	lease     config.LeaseConfig
	sweeper   config.SweeperConfig
	dedupTTL  time.Duration

	// Tag keys entered into the secondary index.
	indexableKeys map[string]bool

	// Clock, swapped in tests.
	now func() time.Time
}

// BuildServiceOpts contains options for creating a BuildService
type BuildServiceOpts struct {
	Store    BuildStore
	TagIndex TagIndex
	Access   acl.Access
	Cache    cache.Cache
	Notifier Notifier
	Dispatch *Dispatcher
	Metrics  metrics.Recorder
	Logger   *logger.Logger

	Limiter   *ratelimit.Limiter
	RateLimit config.RateLimitConfig
	Lease     config.LeaseConfig
	Sweeper   config.SweeperConfig
	DedupTTL  time.Duration

	// IndexableKeys overrides the default {"buildset"}.
	IndexableKeys []string
}

// NewBuildService creates a new build service with options pattern
func NewBuildService(opts *BuildServiceOpts) *BuildService {
	indexable := map[string]bool{"buildset": true}
	if len(opts.IndexableKeys) > 0 {
		indexable = make(map[string]bool, len(opts.IndexableKeys))
		for _, k := range opts.IndexableKeys {
			indexable[k] = true
		}
	}

	rec := opts.Metrics
	if rec == nil {
		rec = metrics.NopRecorder{}
	}

	dedupTTL := opts.DedupTTL
	if dedupTTL == 0 {
		dedupTTL = 60 * time.Second
	}

	return &BuildService{
		store:         opts.Store,
		tagIndex:      opts.TagIndex,
		access:        opts.Access,
		cache:         opts.Cache,
		notifier:      opts.Notifier,
		dispatch:      opts.Dispatch,
		metrics:       rec,
		log:           opts.Logger,
		limiter:       opts.Limiter,
		rateLimit:     opts.RateLimit,
		lease:         opts.Lease,
		sweeper:       opts.Sweeper,
		dedupTTL:      dedupTTL,
		indexableKeys: indexable,
		now:           time.Now,
	}
}

// isIndexable reports whether a tag's key is entered into the tag index.
func (s *BuildService) isIndexable(tag string) bool {
	return s.indexableKeys[models.TagKey(tag)]
}

// Get returns a single build by id, subject to view permission on its bucket.
func (s *BuildService) Get(ctx context.Context, id int64) (*models.Build, error) {
	b, _, err := s.authorizeBuild(ctx, id, acl.ActionViewBuild)
	return b, err
}

// notifyCompleted announces the completed build: every completion is
// published for live watchers, and builds carrying a callback get it
// delivered off the stream. Best-effort: the completion has already
// committed, so a notification failure is logged, never surfaced.
func (s *BuildService) notifyCompleted(ctx context.Context, b *models.Build) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyCompleted(ctx, b); err != nil {
		s.log.Error("failed to enqueue completion callback", "build_id", b.ID, "error", err)
	}
}
