package changesfeed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/revsync/pkg/dbaccess"
	"github.com/cuemby/revsync/pkg/storage"
	"github.com/cuemby/revsync/pkg/types"
)

func newTestFeed(t *testing.T, opts Options) (*Feed, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	db := dbaccess.New(store)
	opts.Collection = types.DefaultCollection
	return New(db, store, nil, 0, opts), store
}

func TestDrainHistoricalBasic(t *testing.T) {
	feed, store := newTestFeed(t, Options{})
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.PutDocument(&types.Document{ID: id, Collection: types.DefaultCollection, CurrentRevID: "1-aaaa"}))
	}

	out, err := feed.DrainHistorical()
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0].DocID)
	assert.True(t, feed.Exhausted(len(out)))
}

func TestDrainHistoricalSkipsDeleted(t *testing.T) {
	feed, store := newTestFeed(t, Options{SkipDeleted: true})
	require.NoError(t, store.PutDocument(&types.Document{ID: "live", Collection: types.DefaultCollection}))
	require.NoError(t, store.PutDocument(&types.Document{ID: "dead", Collection: types.DefaultCollection, Flags: types.DocDeleted}))

	out, err := feed.DrainHistorical()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "live", out[0].DocID)
}

func TestDrainHistoricalDocIDFilter(t *testing.T) {
	feed, store := newTestFeed(t, Options{DocIDs: []string{"wanted"}})
	require.NoError(t, store.PutDocument(&types.Document{ID: "wanted", Collection: types.DefaultCollection}))
	require.NoError(t, store.PutDocument(&types.Document{ID: "other", Collection: types.DefaultCollection}))

	out, err := feed.DrainHistorical()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "wanted", out[0].DocID)
}

func TestDrainHistoricalPushFilter(t *testing.T) {
	feed, store := newTestFeed(t, Options{
		NeedsBody: true,
		PushFilter: func(docID string, revID types.RevID, flags types.RevFlags, body []byte) bool {
			return docID == "allowed"
		},
	})
	require.NoError(t, store.PutDocument(&types.Document{ID: "allowed", Collection: types.DefaultCollection}))
	require.NoError(t, store.PutDocument(&types.Document{ID: "blocked", Collection: types.DefaultCollection}))

	out, err := feed.DrainHistorical()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "allowed", out[0].DocID)
}

func TestDrainHistoricalExpiredSkipped(t *testing.T) {
	feed, store := newTestFeed(t, Options{})
	require.NoError(t, store.PutDocument(&types.Document{ID: "expired", Collection: types.DefaultCollection, Expiration: 1}))
	require.NoError(t, store.PutDocument(&types.Document{ID: "fresh", Collection: types.DefaultCollection}))

	out, err := feed.DrainHistorical()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "fresh", out[0].DocID)
}
