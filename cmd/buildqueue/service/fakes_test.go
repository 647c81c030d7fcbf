package service

import (
	"context"
	"sort"
	"sync"
	"time"

	buildqerrors "github.com/lyzr/buildqueue/common/errors"
	"github.com/lyzr/buildqueue/common/models"
)

// fakeStore is an in-memory BuildStore. Mutate takes a per-store lock so the
// record-level transaction semantics match the real repository, and an
// optional hook runs between loading the record and applying fn, which lets
// tests inject a concurrent writer at the race window.
type fakeStore struct {
	mu     sync.Mutex
	builds map[int64]*models.Build

	// Called under the lock with the id being mutated, before fn sees the
	// record. Mutations made here are visible to fn.
	mutateHook func(id int64)
}

func newFakeStore() *fakeStore {
	return &fakeStore{builds: make(map[int64]*models.Build)}
}

func copyBuild(b *models.Build) *models.Build {
	cp := *b
	cp.Tags = append([]string(nil), b.Tags...)
	return &cp
}

func (s *fakeStore) Create(ctx context.Context, b *models.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builds[b.ID] = copyBuild(b)
	return nil
}

func (s *fakeStore) GetByID(ctx context.Context, id int64) (*models.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return nil, &buildqerrors.BuildNotFoundError{ID: id}
	}
	return copyBuild(b), nil
}

func (s *fakeStore) GetMulti(ctx context.Context, ids []int64) (map[int64]*models.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]*models.Build, len(ids))
	for _, id := range ids {
		if b, ok := s.builds[id]; ok {
			out[id] = copyBuild(b)
		}
	}
	return out, nil
}

func (s *fakeStore) Mutate(ctx context.Context, id int64, fn func(b *models.Build) error) (*models.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mutateHook != nil {
		hook := s.mutateHook
		s.mutateHook = nil
		hook(id)
	}

	b, ok := s.builds[id]
	if !ok {
		return nil, &buildqerrors.BuildNotFoundError{ID: id}
	}

	cp := copyBuild(b)
	if err := fn(cp); err != nil {
		return nil, err
	}
	s.builds[id] = copyBuild(cp)
	return cp, nil
}

// apply mutates a record directly, bypassing Mutate. For hooks and setup.
func (s *fakeStore) apply(id int64, fn func(b *models.Build)) {
	if b, ok := s.builds[id]; ok {
		fn(b)
	}
}

func (s *fakeStore) Search(ctx context.Context, q *models.BuildQuery, limit int, afterID int64) ([]*models.Build, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.builds))
	for id := range s.builds {
		ids = append(ids, id)
	}
	if q.OldestFirst {
		sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	} else {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	var out []*models.Build
	var next int64
	for _, id := range ids {
		if afterID != 0 {
			if q.OldestFirst && id >= afterID {
				continue
			}
			if !q.OldestFirst && id <= afterID {
				continue
			}
		}
		b := s.builds[id]
		if !matchQuery(b, q) {
			continue
		}
		out = append(out, copyBuild(b))
		if len(out) == limit {
			next = id
			break
		}
	}
	return out, next, nil
}

func matchQuery(b *models.Build, q *models.BuildQuery) bool {
	if q.Buckets != nil {
		found := false
		for _, bucket := range q.Buckets {
			if b.Bucket == bucket {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Status != "" && b.Status != q.Status {
		return false
	}
	if q.Result != "" && b.Result != q.Result {
		return false
	}
	if q.CreatedBy != "" && b.CreatedBy != q.CreatedBy {
		return false
	}
	if q.RetryOf != 0 && b.RetryOf != q.RetryOf {
		return false
	}
	if q.OnlyUnleased && b.LeaseKey != nil {
		return false
	}
	for _, t := range q.Tags {
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

func (s *fakeStore) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for id, b := range s.builds {
		if b.IsCompleted() || b.LeaseKey == nil {
			continue
		}
		if b.LeaseExpirationDate != nil && !b.LeaseExpirationDate.After(now) {
			out = append(out, id)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) StaleBuilds(ctx context.Context, cutoff time.Time, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for id, b := range s.builds {
		if b.IsCompleted() || !b.CreatedTime.Before(cutoff) {
			continue
		}
		out = append(out, id)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// fakeTagIndex is an in-memory TagIndex.
type fakeTagIndex struct {
	mu      sync.Mutex
	entries map[string][]models.TagIndexEntry
}

func newFakeTagIndex() *fakeTagIndex {
	return &fakeTagIndex{entries: make(map[string][]models.TagIndexEntry)}
}

func (x *fakeTagIndex) Add(ctx context.Context, tag string, entries []models.TagIndexEntry) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries[tag] = append(x.entries[tag], entries...)
	sort.Slice(x.entries[tag], func(i, j int) bool {
		return x.entries[tag][i].BuildID < x.entries[tag][j].BuildID
	})
	return nil
}

func (x *fakeTagIndex) Lookup(ctx context.Context, tag string, buckets []string, limit int, afterID int64) ([]models.TagIndexEntry, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []models.TagIndexEntry
	for _, e := range x.entries[tag] {
		if afterID != 0 && e.BuildID <= afterID {
			continue
		}
		if buckets != nil {
			found := false
			for _, b := range buckets {
				if e.Bucket == b {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// fakeNotifier records completion notifications.
type fakeNotifier struct {
	mu       sync.Mutex
	notified []int64
}

func (n *fakeNotifier) NotifyCompleted(ctx context.Context, b *models.Build) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, b.ID)
	return nil
}

// fakeRecorder counts metric increments per event name.
type fakeRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{counts: make(map[string]int)}
}

func (r *fakeRecorder) Increment(event, bucket string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[event]++
}

func (r *fakeRecorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[event]
}

// fakeCache is a TTL-less in-memory Cache sufficient for dedup tests; expiry
// is simulated by deleting entries.
type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *fakeCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *fakeCache) Close() error { return nil }
