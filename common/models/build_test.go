package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuildID_Ordering(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var prev int64
	for i := 0; i < 5; i++ {
		id := NewBuildID(base.Add(time.Duration(i) * time.Second))
		if i > 0 {
			assert.Less(t, id, prev, "a newer build must get a smaller id")
		}
		prev = id
	}
}

func TestBuildIDTime_RoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	id := NewBuildID(at)

	assert.Equal(t, at.UnixMilli(), BuildIDTime(id).UnixMilli())
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{"b:2", "a:1", "b:2", "c:3"})
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, got)
}

func TestMergeTags_DoesNotMutateInputs(t *testing.T) {
	tags := []string{"a:1", "b:2"}
	extra := []string{"b:2", "c:3"}

	got := MergeTags(tags, extra)
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, got)
	assert.Equal(t, []string{"a:1", "b:2"}, tags)
	assert.Equal(t, []string{"b:2", "c:3"}, extra)
}

func TestTagKey(t *testing.T) {
	assert.Equal(t, "buildset", TagKey("buildset:patch/1:extra"))
	assert.Equal(t, "plain", TagKey("plain"))
}

func TestIsLeased(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	key := "k"

	b := &Build{}
	assert.False(t, b.IsLeased(now), "no lease state")

	future := now.Add(time.Minute)
	b.LeaseKey = &key
	b.LeaseExpirationDate = &future
	assert.True(t, b.IsLeased(now))
	assert.False(t, b.IsLeased(future), "a lease ending exactly now is expired")

	b.ClearLease()
	require.Nil(t, b.LeaseKey)
	require.Nil(t, b.Leasee)
	require.Nil(t, b.LeaseExpirationDate)
}
