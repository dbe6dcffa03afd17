package revcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/revsync/pkg/types"
)

func TestCachePutGetRemove(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	c.Put(types.DefaultCollection, Entry{DocID: "doc1", RevID: "1-aaaa", Body: []byte("x")})

	entry, ok := c.Get(types.DefaultCollection, "doc1", "1-aaaa")
	require.True(t, ok)
	assert.Equal(t, []byte("x"), entry.Body)

	_, ok = c.Get(types.DefaultCollection, "doc1", "2-bbbb")
	assert.False(t, ok)

	c.Remove(types.DefaultCollection, "doc1", "1-aaaa")
	_, ok = c.Get(types.DefaultCollection, "doc1", "1-aaaa")
	assert.False(t, ok)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)

	c.Put(types.DefaultCollection, Entry{DocID: "doc1", RevID: "1-aaaa"})
	c.Put(types.DefaultCollection, Entry{DocID: "doc2", RevID: "1-bbbb"})

	_, ok := c.Get(types.DefaultCollection, "doc1", "1-aaaa")
	assert.False(t, ok, "doc1 should have been evicted to make room for doc2")

	_, ok = c.Get(types.DefaultCollection, "doc2", "1-bbbb")
	assert.True(t, ok)
}
