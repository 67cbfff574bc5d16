package contentstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chunkledger/internal/record"
)

type mapCache struct {
	mu      sync.Mutex
	seen    map[string]bool
	lookups int
	fail    bool
}

func newMapCache() *mapCache {
	return &mapCache{seen: make(map[string]bool)}
}

func (c *mapCache) Seen(_ context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	if c.fail {
		return false, errors.New("cache down")
	}
	return c.seen[id], nil
}

func (c *mapCache) Remember(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("cache down")
	}
	c.seen[id] = true
	return nil
}

func TestCached_PutRemembers(t *testing.T) {
	ctx := context.Background()
	cache := newMapCache()
	c := NewCached(NewMemory(), cache, nil)

	id, err := c.Put(ctx, []byte("x"))
	require.NoError(t, err)
	assert.True(t, cache.seen[id])

	exists, err := c.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCached_NegativeNotCached(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	inner := NewMemory(WithPropagationLag(time.Minute), WithNow(func() time.Time { return now }))
	cache := newMapCache()
	c := NewCached(inner, cache, nil)

	id, err := inner.Put(ctx, []byte("lagging"))
	require.NoError(t, err)

	exists, err := c.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.False(t, cache.seen[id])

	now = now.Add(time.Minute)
	exists, err = c.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.True(t, cache.seen[id])
}

func TestCached_CacheFailureFallsThrough(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	cache := newMapCache()
	cache.fail = true
	c := NewCached(inner, cache, nil)

	id, err := c.Put(ctx, []byte("y"))
	require.NoError(t, err)

	exists, err := c.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = c.Exists(ctx, record.ContentID([]byte("z")))
	require.NoError(t, err)
	assert.False(t, exists)
}
