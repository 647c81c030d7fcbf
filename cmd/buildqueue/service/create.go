package service

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lyzr/buildqueue/common/acl"
	buildqerrors "github.com/lyzr/buildqueue/common/errors"
	"github.com/lyzr/buildqueue/common/identity"
	"github.com/lyzr/buildqueue/common/models"
)

// AddRequest is a request to create one build.
type AddRequest struct {
	Bucket            string           `json:"bucket"`
	Tags              []string         `json:"tags,omitempty"`
	Parameters        map[string]any   `json:"parameters,omitempty"`
	LeaseDuration     time.Duration    `json:"lease_duration,omitempty"`
	ClientOperationID string           `json:"client_operation_id,omitempty"`
	Callback          *models.Callback `json:"callback,omitempty"`

	// Set internally by Retry.
	retryOf int64
}

// AddResult is one item of a batch creation response.
type AddResult struct {
	Build *models.Build
	Err   error
}

// normalized is a validated creation request ready for record assembly.
type normalized struct {
	req  *AddRequest
	tags []string
}

// normalize validates an AddRequest and resolves its final tag set.
func (s *BuildService) normalize(req *AddRequest) (*normalized, error) {
	if err := validateBucket(req.Bucket); err != nil {
		return nil, err
	}
	if err := validateOperationID(req.ClientOperationID); err != nil {
		return nil, err
	}
	if err := s.validateLeaseDuration(req.LeaseDuration); err != nil {
		return nil, err
	}

	tags, err := normalizeTags(req.Tags, req.Parameters)
	if err != nil {
		return nil, err
	}

	return &normalized{req: req, tags: tags}, nil
}

// dedupKey is the idempotency cache key for a creation request, or "" when
// the request carries no client operation id.
func dedupKey(id identity.Identity, req *AddRequest) string {
	if req.ClientOperationID == "" {
		return ""
	}
	return "add:" + string(id) + ":" + req.ClientOperationID
}

// checkDedup returns the previously created build for a retried request, or
// nil on a cache miss.
func (s *BuildService) checkDedup(ctx context.Context, key string) (*models.Build, error) {
	if key == "" || s.cache == nil {
		return nil, nil
	}

	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		// A broken dedup cache must not block creation; the worst case is a
		// duplicate build, same as an expired window.
		s.log.Warn("dedup cache read failed", "error", err)
		return nil, nil
	}
	if !ok {
		return nil, nil
	}

	buildID, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return nil, nil
	}

	b, err := s.store.GetByID(ctx, buildID)
	if err != nil {
		return nil, err
	}

	s.log.Info("creation deduplicated", "build_id", b.ID, "bucket", b.Bucket)
	return b, nil
}

// rememberDedup records the (identity, operation id) -> build id mapping to
// absorb immediate client retries.
func (s *BuildService) rememberDedup(ctx context.Context, key string, buildID int64) {
	if key == "" || s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, []byte(strconv.FormatInt(buildID, 10)), s.dedupTTL); err != nil {
		s.log.Warn("dedup cache write failed", "error", err)
	}
}

// assemble builds the record for a normalized request. The id is generated
// here; if the request asked for an initial lease the record is created
// already leased by the caller.
func (s *BuildService) assemble(n *normalized, createdBy identity.Identity) *models.Build {
	now := s.now().UTC()

	b := &models.Build{
		ID:                models.NewBuildID(now),
		Bucket:            n.req.Bucket,
		Tags:              n.tags,
		Parameters:        n.req.Parameters,
		Status:            models.StatusScheduled,
		CreatedBy:         createdBy,
		CreatedTime:       now,
		StatusChangedTime: now,
		NeverLeased:       true,
		RetryOf:           n.req.retryOf,
		Callback:          n.req.Callback,
	}

	if n.req.LeaseDuration > 0 {
		key := uuid.NewString()
		exp := now.Add(n.req.LeaseDuration)
		b.LeaseKey = &key
		b.Leasee = &createdBy
		b.LeaseExpirationDate = &exp
		b.NeverLeased = false
	}

	return b
}

// indexEntries returns the tag index entries the build contributes, one per
// indexable tag.
func (s *BuildService) indexEntries(b *models.Build) map[string][]models.TagIndexEntry {
	entries := make(map[string][]models.TagIndexEntry)
	for _, t := range b.Tags {
		if s.isIndexable(t) {
			entries[t] = append(entries[t], models.TagIndexEntry{
				Tag:     t,
				BuildID: b.ID,
				Bucket:  b.Bucket,
			})
		}
	}
	return entries
}

// checkBucketRate enforces the shared per-bucket creation budget. Fails
// open: a limiter error never blocks creation.
func (s *BuildService) checkBucketRate(ctx context.Context, bucket string) error {
	if s.limiter == nil || !s.rateLimit.Enabled {
		return nil
	}
	result, err := s.limiter.CheckBucket(ctx, bucket, s.rateLimit.BucketLimit, s.rateLimit.WindowSeconds)
	if err != nil {
		return nil
	}
	if !result.Allowed {
		return &buildqerrors.TooManyBuildsError{
			Bucket:            bucket,
			RetryAfterSeconds: result.RetryAfterSeconds,
		}
	}
	return nil
}

// createRecord dispatches the remote task if the bucket is configured for
// one, then creates the record. If record creation fails after the task was
// dispatched, the task is canceled best-effort.
func (s *BuildService) createRecord(ctx context.Context, b *models.Build) error {
	if s.dispatch != nil {
		if err := s.dispatch.createTask(ctx, b); err != nil {
			return err
		}
	}

	if err := s.store.Create(ctx, b); err != nil {
		if s.dispatch != nil {
			s.dispatch.cancelTask(ctx, b)
		}
		return err
	}

	return nil
}

// Add validates, authorizes and creates a single build. A request carrying a
// client operation id is deduplicated against the idempotency cache first:
// within the TTL window the same (identity, operation id) pair returns the
// build created by the original call.
func (s *BuildService) Add(ctx context.Context, req *AddRequest) (*models.Build, error) {
	caller := identity.FromContext(ctx)

	n, err := s.normalize(req)
	if err != nil {
		return nil, err
	}

	key := dedupKey(caller, req)
	if b, err := s.checkDedup(ctx, key); err != nil || b != nil {
		return b, err
	}

	ok, err := s.access.Can(ctx, caller, acl.ActionAddBuild, req.Bucket)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &buildqerrors.PermissionError{
			Identity: string(caller),
			Action:   string(acl.ActionAddBuild),
			Bucket:   req.Bucket,
		}
	}

	if err := s.checkBucketRate(ctx, req.Bucket); err != nil {
		return nil, err
	}

	b := s.assemble(n, caller)

	// Index entries are written ahead of the record and independently of it;
	// readers skip ids that never got a record.
	for tag, entries := range s.indexEntries(b) {
		if err := s.tagIndex.Add(ctx, tag, entries); err != nil {
			return nil, err
		}
	}

	if err := s.createRecord(ctx, b); err != nil {
		return nil, err
	}

	s.rememberDedup(ctx, key, b.ID)
	s.metrics.Increment("create", b.Bucket)
	s.log.Info("build created",
		"build_id", b.ID,
		"bucket", b.Bucket,
		"created_by", caller,
		"leased", b.LeaseKey != nil)

	return b, nil
}

// AddBatch creates up to maxBatchSize builds with independent partial
// failure: the response has one entry per request, in input order, and one
// invalid or unauthorized request never blocks the others.
func (s *BuildService) AddBatch(ctx context.Context, reqs []*AddRequest) ([]AddResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	if len(reqs) > maxBatchSize {
		return nil, buildqerrors.NewInvalidInput("batch size %d exceeds %d", len(reqs), maxBatchSize)
	}

	caller := identity.FromContext(ctx)
	results := make([]AddResult, len(reqs))
	normalizedReqs := make([]*normalized, len(reqs))

	// 1. Validate everything up front; invalid requests drop out here.
	for i, req := range reqs {
		n, err := s.normalize(req)
		if err != nil {
			results[i].Err = err
			continue
		}
		normalizedReqs[i] = n
	}

	// 2. Authorize each distinct bucket exactly once, in parallel.
	allowed, err := s.authorizeBuckets(ctx, caller, normalizedReqs)
	if err != nil {
		return nil, err
	}
	for i, n := range normalizedReqs {
		if n == nil {
			continue
		}
		if !allowed[n.req.Bucket] {
			results[i].Err = &buildqerrors.PermissionError{
				Identity: string(caller),
				Action:   string(acl.ActionAddBuild),
				Bucket:   n.req.Bucket,
			}
			normalizedReqs[i] = nil
		}
	}

	// 3. Dedup retried requests before generating anything.
	for i, n := range normalizedReqs {
		if n == nil {
			continue
		}
		key := dedupKey(caller, n.req)
		b, err := s.checkDedup(ctx, key)
		if err != nil {
			results[i].Err = err
			normalizedReqs[i] = nil
			continue
		}
		if b != nil {
			results[i].Build = b
			normalizedReqs[i] = nil
		}
	}

	// 4. Assemble records, group index entries by tag so each tag's index is
	// touched once for the whole batch, then apply index updates in parallel.
	builds := make([]*models.Build, len(reqs))
	byTag := make(map[string][]models.TagIndexEntry)
	for i, n := range normalizedReqs {
		if n == nil {
			continue
		}
		b := s.assemble(n, caller)
		builds[i] = b
		for tag, entries := range s.indexEntries(b) {
			byTag[tag] = append(byTag[tag], entries...)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for tag, entries := range byTag {
		tag, entries := tag, entries
		g.Go(func() error {
			return s.tagIndex.Add(gctx, tag, entries)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// 5. Create the remaining records, each its own transaction, in parallel.
	// Each goroutine owns its result slot, so no locking is needed.
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i, b := range builds {
		if b == nil {
			continue
		}
		i, b := i, b
		g.Go(func() error {
			if err := s.checkBucketRate(gctx, b.Bucket); err != nil {
				results[i].Err = err
				return nil
			}
			if err := s.createRecord(gctx, b); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Build = b
			s.rememberDedup(gctx, dedupKey(caller, reqs[i]), b.ID)
			s.metrics.Increment("create", b.Bucket)
			return nil
		})
	}
	g.Wait()

	created := 0
	for _, r := range results {
		if r.Build != nil {
			created++
		}
	}
	s.log.Info("batch creation finished",
		"requested", len(reqs),
		"created", created,
		"created_by", caller)

	return results, nil
}

// authorizeBuckets checks add permission for every distinct bucket in the
// batch, one check per bucket regardless of how many requests target it.
func (s *BuildService) authorizeBuckets(ctx context.Context, caller identity.Identity, reqs []*normalized) (map[string]bool, error) {
	distinct := make(map[string]bool)
	for _, n := range reqs {
		if n != nil {
			distinct[n.req.Bucket] = false
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for bucket := range distinct {
		bucket := bucket
		g.Go(func() error {
			ok, err := s.access.Can(gctx, caller, acl.ActionAddBuild, bucket)
			if err != nil {
				return err
			}
			mu.Lock()
			distinct[bucket] = ok
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return distinct, nil
}

// RetryRequest asks for a new build re-running an existing one.
type RetryRequest struct {
	BuildID           int64          `json:"build_id"`
	ClientOperationID string         `json:"client_operation_id,omitempty"`
	LeaseDuration     time.Duration  `json:"lease_duration,omitempty"`
	ParameterOverride map[string]any `json:"parameter_override,omitempty"`
}

// Retry creates a new build in the same bucket with the original's tags and
// parameters (optionally merge-patched) and retry_of pointing back.
func (s *BuildService) Retry(ctx context.Context, req *RetryRequest) (*models.Build, error) {
	orig, err := s.store.GetByID(ctx, req.BuildID)
	if err != nil {
		return nil, err
	}

	params := orig.Parameters
	if len(req.ParameterOverride) > 0 {
		params, err = mergeParameters(orig.Parameters, req.ParameterOverride)
		if err != nil {
			return nil, err
		}
	}

	return s.Add(ctx, &AddRequest{
		Bucket:            orig.Bucket,
		Tags:              orig.Tags,
		Parameters:        params,
		LeaseDuration:     req.LeaseDuration,
		ClientOperationID: req.ClientOperationID,
		retryOf:           orig.ID,
	})
}

// mergeParameters applies override to base as an RFC 7386 merge patch.
func mergeParameters(base, override map[string]any) (map[string]any, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, buildqerrors.NewInvalidInput("parameters are not serializable: %v", err)
	}
	patchJSON, err := json.Marshal(override)
	if err != nil {
		return nil, buildqerrors.NewInvalidInput("parameter override is not serializable: %v", err)
	}

	merged, err := jsonpatch.MergePatch(baseJSON, patchJSON)
	if err != nil {
		return nil, buildqerrors.NewInvalidInput("cannot apply parameter override: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, buildqerrors.NewInvalidInput("merged parameters are not an object: %v", err)
	}
	return out, nil
}
