package service

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lyzr/buildqueue/common/acl"
	buildqerrors "github.com/lyzr/buildqueue/common/errors"
	"github.com/lyzr/buildqueue/common/identity"
	"github.com/lyzr/buildqueue/common/models"
)

const (
	defaultSearchLimit = 25
	maxSearchLimit     = 1000

	// Oversized page fetched per round so local filtering does not starve
	// the result set.
	searchFetchSize = 100
)

// SearchRequest filters the build listing. Zero values mean "any".
type SearchRequest struct {
	Buckets           []string                 `json:"buckets,omitempty"`
	Tags              []string                 `json:"tags,omitempty"`
	Status            models.BuildStatus       `json:"status,omitempty"`
	Result            models.BuildResult       `json:"result,omitempty"`
	FailureReason     models.FailureReason     `json:"failure_reason,omitempty"`
	CancelationReason models.CancelationReason `json:"cancelation_reason,omitempty"`
	CreatedBy         identity.Identity        `json:"created_by,omitempty"`
	RetryOf           int64                    `json:"retry_of,omitempty"`
	Limit             int                      `json:"limit,omitempty"`
	Cursor            string                   `json:"cursor,omitempty"`
}

// encodeCursor wraps the last returned id into an opaque continuation token.
func encodeCursor(afterID int64) string {
	if afterID == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte("id:" + strconv.FormatInt(afterID, 10)))
}

// decodeCursor unwraps a continuation token. Anything that does not decode
// to the expected shape is rejected rather than silently restarted.
func decodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, buildqerrors.NewInvalidInput("invalid cursor")
	}
	rest, ok := strings.CutPrefix(string(raw), "id:")
	if !ok {
		return 0, buildqerrors.NewInvalidInput("invalid cursor")
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, buildqerrors.NewInvalidInput("invalid cursor")
	}
	return id, nil
}

// resolveBuckets maps the requested bucket set onto what the caller may
// search. Explicitly requested buckets are checked one by one and any denial
// fails the whole request. An empty request means "everything visible": nil
// is returned for an unrestricted caller, and an empty non-nil slice means
// the caller can see nothing.
func (s *BuildService) resolveBuckets(ctx context.Context, caller identity.Identity, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return s.access.AvailableBuckets(ctx, caller)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, bucket := range requested {
		bucket := bucket
		if err := validateBucket(bucket); err != nil {
			return nil, err
		}
		g.Go(func() error {
			ok, err := s.access.Can(gctx, caller, acl.ActionSearchBuilds, bucket)
			if err != nil {
				return err
			}
			if !ok {
				return &buildqerrors.PermissionError{
					Identity: string(caller),
					Action:   string(acl.ActionSearchBuilds),
					Bucket:   bucket,
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return requested, nil
}

// matchesFilters re-checks a fetched record against the request. Index and
// scan results can be stale relative to the record, so the record is the
// authority.
func matchesFilters(b *models.Build, req *SearchRequest, buckets []string) bool {
	if buckets != nil {
		found := false
		for _, bucket := range buckets {
			if b.Bucket == bucket {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if req.Status != "" && b.Status != req.Status {
		return false
	}
	if req.Result != "" && b.Result != req.Result {
		return false
	}
	if req.FailureReason != "" && b.FailureReason != req.FailureReason {
		return false
	}
	if req.CancelationReason != "" && b.CancelationReason != req.CancelationReason {
		return false
	}
	if req.CreatedBy != "" && b.CreatedBy != req.CreatedBy {
		return false
	}
	if req.RetryOf != 0 && b.RetryOf != req.RetryOf {
		return false
	}
	for _, t := range req.Tags {
		found := false
		for _, bt := range b.Tags {
			if bt == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Search lists builds matching the request, newest first, with an opaque
// cursor for continuation. When the request carries tags the first tag is
// resolved through the secondary index and the rest verified on the records.
func (s *BuildService) Search(ctx context.Context, req *SearchRequest) ([]*models.Build, string, error) {
	caller := identity.FromContext(ctx)

	limit := req.Limit
	switch {
	case limit <= 0:
		limit = defaultSearchLimit
	case limit > maxSearchLimit:
		limit = maxSearchLimit
	}

	afterID, err := decodeCursor(req.Cursor)
	if err != nil {
		return nil, "", err
	}

	for _, t := range req.Tags {
		if err := validateTag(t); err != nil {
			return nil, "", err
		}
	}

	buckets, err := s.resolveBuckets(ctx, caller, req.Buckets)
	if err != nil {
		return nil, "", err
	}
	if buckets != nil && len(buckets) == 0 {
		return nil, "", nil
	}

	var indexTag string
	for _, t := range req.Tags {
		if s.isIndexable(t) {
			indexTag = t
			break
		}
	}
	if indexTag != "" {
		return s.searchByIndex(ctx, req, buckets, indexTag, limit, afterID)
	}
	return s.searchByScan(ctx, req, buckets, limit, afterID)
}

// searchByIndex pages through the tag index and hydrates records, dropping
// entries whose record is missing or no longer matches.
func (s *BuildService) searchByIndex(ctx context.Context, req *SearchRequest, buckets []string, tag string, limit int, afterID int64) ([]*models.Build, string, error) {
	var out []*models.Build
	cursor := afterID
	for len(out) < limit {
		entries, err := s.tagIndex.Lookup(ctx, tag, buckets, searchFetchSize, cursor)
		if err != nil {
			return nil, "", err
		}
		if len(entries) == 0 {
			return out, "", nil
		}

		ids := make([]int64, len(entries))
		for i, e := range entries {
			ids[i] = e.BuildID
		}
		records, err := s.store.GetMulti(ctx, ids)
		if err != nil {
			return nil, "", err
		}

		for _, e := range entries {
			cursor = e.BuildID
			b, ok := records[e.BuildID]
			if !ok {
				// Index entry without a record: the creation it announced
				// never committed. Skip it.
				continue
			}
			if !matchesFilters(b, req, buckets) {
				continue
			}
			out = append(out, b)
			if len(out) == limit {
				return out, encodeCursor(cursor), nil
			}
		}
		if len(entries) < searchFetchSize {
			return out, "", nil
		}
	}
	return out, encodeCursor(cursor), nil
}

// searchByScan pages through the primary table with the query pushed down,
// re-checking each record locally.
func (s *BuildService) searchByScan(ctx context.Context, req *SearchRequest, buckets []string, limit int, afterID int64) ([]*models.Build, string, error) {
	q := &models.BuildQuery{
		Buckets:           buckets,
		Tags:              req.Tags,
		Status:            req.Status,
		Result:            req.Result,
		FailureReason:     req.FailureReason,
		CancelationReason: req.CancelationReason,
		CreatedBy:         req.CreatedBy,
		RetryOf:           req.RetryOf,
	}

	var out []*models.Build
	pos := afterID
	for len(out) < limit {
		page, next, err := s.store.Search(ctx, q, searchFetchSize, pos)
		if err != nil {
			return nil, "", err
		}
		for _, b := range page {
			pos = b.ID
			if !matchesFilters(b, req, buckets) {
				continue
			}
			out = append(out, b)
			if len(out) == limit {
				return out, encodeCursor(pos), nil
			}
		}
		if next == 0 || len(page) < searchFetchSize {
			return out, "", nil
		}
	}
	return out, "", nil
}

// Peek returns the oldest scheduled, unleased builds from the given buckets,
// the ones a worker should pick up next. Buckets must be named explicitly.
func (s *BuildService) Peek(ctx context.Context, buckets []string, limit int, cursor string) ([]*models.Build, string, error) {
	caller := identity.FromContext(ctx)

	if len(buckets) == 0 {
		return nil, "", buildqerrors.NewInvalidInput("at least one bucket is required")
	}
	resolved, err := s.resolveBuckets(ctx, caller, buckets)
	if err != nil {
		return nil, "", err
	}

	switch {
	case limit <= 0:
		limit = defaultSearchLimit
	case limit > maxSearchLimit:
		limit = maxSearchLimit
	}
	afterID, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	req := &SearchRequest{Status: models.StatusScheduled}
	q := &models.BuildQuery{
		Buckets:      resolved,
		Status:       models.StatusScheduled,
		OnlyUnleased: true,
		OldestFirst:  true,
	}

	var out []*models.Build
	pos := afterID
	now := s.now()
	for len(out) < limit {
		page, next, err := s.store.Search(ctx, q, searchFetchSize, pos)
		if err != nil {
			return nil, "", err
		}
		for _, b := range page {
			pos = b.ID
			// The unleased pushdown can lag; verify on the record.
			if b.IsLeased(now) || !matchesFilters(b, req, resolved) {
				continue
			}
			out = append(out, b)
			if len(out) == limit {
				return out, encodeCursor(pos), nil
			}
		}
		if next == 0 || len(page) < searchFetchSize {
			return out, "", nil
		}
	}
	return out, encodeCursor(pos), nil
}
