package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() Key {
	return Key{SubjectType: "user", SubjectID: "alice", Permission: "view", ObjectType: "document", ObjectID: "doc1", Zone: "default"}
}

func TestL1_SetAndGet(t *testing.T) {
	c := New()
	key := testKey()

	_, ok := c.Get(key)
	assert.False(t, ok)

	c.Set(key, true, SetOptions{Relation: "owner"})
	result, ok := c.Get(key)
	require.True(t, ok)
	assert.True(t, result)
}

func TestL1_GetWithRevision(t *testing.T) {
	c := New()
	key := testKey()
	c.Set(key, true, SetOptions{Relation: "owner", Revision: 5})

	result, ok := c.GetWithRevision(key, 5)
	require.True(t, ok)
	assert.True(t, result)

	_, ok = c.GetWithRevision(key, 6)
	assert.False(t, ok, "a cached entry older than min_revision must miss")
}

func TestL1_InvalidateSubject(t *testing.T) {
	c := New()
	k1 := Key{SubjectType: "user", SubjectID: "alice", Permission: "view", ObjectType: "document", ObjectID: "doc1"}
	k2 := Key{SubjectType: "user", SubjectID: "alice", Permission: "edit", ObjectType: "document", ObjectID: "doc2"}
	k3 := Key{SubjectType: "user", SubjectID: "bob", Permission: "view", ObjectType: "document", ObjectID: "doc1"}
	c.Set(k1, true, SetOptions{})
	c.Set(k2, true, SetOptions{})
	c.Set(k3, true, SetOptions{})

	c.InvalidateSubject("user", "alice")

	_, ok := c.Get(k1)
	assert.False(t, ok)
	_, ok = c.Get(k2)
	assert.False(t, ok)
	_, ok = c.Get(k3)
	assert.True(t, ok, "bob's entries must survive alice's invalidation")
}

func TestL1_InvalidateObject(t *testing.T) {
	c := New()
	k1 := Key{SubjectType: "user", SubjectID: "alice", Permission: "view", ObjectType: "document", ObjectID: "doc1"}
	k2 := Key{SubjectType: "user", SubjectID: "bob", Permission: "view", ObjectType: "document", ObjectID: "doc1"}
	k3 := Key{SubjectType: "user", SubjectID: "alice", Permission: "view", ObjectType: "document", ObjectID: "doc2"}
	c.Set(k1, true, SetOptions{})
	c.Set(k2, true, SetOptions{})
	c.Set(k3, true, SetOptions{})

	c.InvalidateObject("document", "doc1")

	_, ok := c.Get(k1)
	assert.False(t, ok)
	_, ok = c.Get(k2)
	assert.False(t, ok)
	_, ok = c.Get(k3)
	assert.True(t, ok, "doc2's entries must survive doc1's invalidation")
}

func TestL1_InvalidateObjectPrefix(t *testing.T) {
	c := New()
	inside := Key{SubjectType: "user", SubjectID: "alice", Permission: "view", ObjectType: "file", ObjectID: "/proj/sub/file.txt"}
	outside := Key{SubjectType: "user", SubjectID: "alice", Permission: "view", ObjectType: "file", ObjectID: "/other/file.txt"}
	c.Set(inside, true, SetOptions{})
	c.Set(outside, true, SetOptions{})

	c.InvalidateObjectPrefix("/proj/")

	_, ok := c.Get(inside)
	assert.False(t, ok)
	_, ok = c.Get(outside)
	assert.True(t, ok)
}

func TestL1_InvalidateObjectType(t *testing.T) {
	c := New()
	k1 := Key{SubjectType: "user", SubjectID: "alice", Permission: "view", ObjectType: "document", ObjectID: "doc1"}
	k2 := Key{SubjectType: "user", SubjectID: "alice", Permission: "view", ObjectType: "folder", ObjectID: "f1"}
	c.Set(k1, true, SetOptions{})
	c.Set(k2, true, SetOptions{})

	c.InvalidateObjectType("document")

	_, ok := c.Get(k1)
	assert.False(t, ok)
	_, ok = c.Get(k2)
	assert.True(t, ok)
}

func TestL1_GetOrCompute_CoalescesConcurrentMisses(t *testing.T) {
	c := New()
	key := testKey()
	var computeCalls int64

	var wg sync.WaitGroup
	results := make([]bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			result, err := c.GetOrCompute(context.Background(), key, func(ctx context.Context) (bool, error) {
				atomic.AddInt64(&computeCalls, 1)
				time.Sleep(10 * time.Millisecond)
				return true, nil
			}, SetOptions{Relation: "owner"})
			require.NoError(t, err)
			results[idx] = result
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.True(t, r)
	}
	assert.Equal(t, int64(1), computeCalls, "singleflight must coalesce concurrent misses into one compute")
}

func TestL1_GetOrCompute_PropagatesError(t *testing.T) {
	c := New()
	key := testKey()
	wantErr := errors.New("graph evaluator boom")

	_, err := c.GetOrCompute(context.Background(), key, func(ctx context.Context) (bool, error) {
		return false, wantErr
	}, SetOptions{})
	assert.ErrorIs(t, err, wantErr)

	_, ok := c.Get(key)
	assert.False(t, ok, "a failed compute must not populate the cache")
}

func TestShouldRefresh_KnownDeltaEventuallyTriggers(t *testing.T) {
	created := time.Now().Add(-55 * time.Second)
	ttl := time.Minute
	triggered := false
	for i := 0; i < 200; i++ {
		if ShouldRefresh(created, ttl, 5.0, Beta, time.Now()) {
			triggered = true
			break
		}
	}
	assert.True(t, triggered, "with an entry 55s into a 60s TTL, XFetch should eventually recommend refresh")
}

func TestShouldRefresh_FreshEntryRarelyTriggers(t *testing.T) {
	created := time.Now()
	ttl := time.Hour
	assert.False(t, ShouldRefresh(created, ttl, 5.0, Beta, time.Now()))
}

func TestShouldRefresh_UnknownDeltaUsesRefreshAheadFactor(t *testing.T) {
	created := time.Now().Add(-50 * time.Second)
	ttl := 60 * time.Second
	assert.True(t, ShouldRefresh(created, ttl, 0, Beta, time.Now()), "80% through TTL with unknown delta must trigger")

	freshCreated := time.Now().Add(-10 * time.Second)
	assert.False(t, ShouldRefresh(freshCreated, ttl, 0, Beta, time.Now()))
}
