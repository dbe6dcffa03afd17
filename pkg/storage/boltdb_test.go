package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/revsync/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndGetDocument(t *testing.T) {
	s := newTestStore(t)
	doc := &types.Document{ID: "doc1", Collection: types.DefaultCollection, CurrentRevID: "1-aaaa", Body: []byte(`{"x":1}`)}

	require.NoError(t, s.PutDocument(doc))
	assert.NotZero(t, doc.Sequence)

	got, err := s.GetDocument(types.DefaultCollection, "doc1")
	require.NoError(t, err)
	assert.Equal(t, types.RevID("1-aaaa"), got.CurrentRevID)
	assert.Equal(t, doc.Sequence, got.Sequence)

	_, err = s.GetDocument(types.DefaultCollection, "missing")
	assert.Error(t, err)
}

func TestChangesSinceOrdering(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.PutDocument(&types.Document{ID: id, Collection: types.DefaultCollection}))
	}

	changes, err := s.ChangesSince(types.DefaultCollection, 0, 10)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, "a", changes[0].ID)
	assert.Equal(t, "c", changes[2].ID)

	last, err := s.LastSequence(types.DefaultCollection)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	changes, err = s.ChangesSince(types.DefaultCollection, changes[0].Sequence, 10)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "b", changes[0].ID)
}

func TestPurgeDocument(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PutDocument(&types.Document{ID: "gone", Collection: types.DefaultCollection}))
	require.NoError(t, s.PurgeDocument(types.DefaultCollection, "gone"))
	_, err := s.GetDocument(types.DefaultCollection, "gone")
	assert.Error(t, err)
}

func TestRemoteAncestor(t *testing.T) {
	s := newTestStore(t)
	_, found, err := s.GetRemoteAncestor(types.DefaultCollection, "doc1", 1)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SetRemoteAncestor(types.DefaultCollection, "doc1", 1, "3-beef"))
	rev, found, err := s.GetRemoteAncestor(types.DefaultCollection, "doc1", 1)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, types.RevID("3-beef"), rev)
}

func TestLocalCheckpoint(t *testing.T) {
	s := newTestStore(t)
	cp, err := s.GetLocalCheckpoint("cp-1")
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, s.SetLocalCheckpoint("cp-1", &types.Checkpoint{Local: 42, Remote: "42"}))
	cp, err = s.GetLocalCheckpoint("cp-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.EqualValues(t, 42, cp.Local)
}

func TestPeerCheckpointMVCC(t *testing.T) {
	s := newTestStore(t)
	rev, body, err := s.GetPeerCheckpoint("client1")
	require.NoError(t, err)
	assert.Empty(t, rev)
	assert.Nil(t, body)

	rev1, err := s.SetPeerCheckpoint("client1", "", []byte(`{"seq":1}`))
	require.NoError(t, err)
	assert.Equal(t, "1-cc", rev1)

	_, err = s.SetPeerCheckpoint("client1", "wrong-rev", []byte(`{"seq":2}`))
	assert.Error(t, err)

	rev2, err := s.SetPeerCheckpoint("client1", rev1, []byte(`{"seq":2}`))
	require.NoError(t, err)
	assert.Equal(t, "2-cc", rev2)

	gotRev, gotBody, err := s.GetPeerCheckpoint("client1")
	require.NoError(t, err)
	assert.Equal(t, rev2, gotRev)
	assert.JSONEq(t, `{"seq":2}`, string(gotBody))
}

func TestInfoAndRemoteDBID(t *testing.T) {
	s := newTestStore(t)
	_, found, err := s.GetInfo("privateUUID")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SetInfo("privateUUID", "abc-123"))
	v, found, err := s.GetInfo("privateUUID")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "abc-123", v)

	id1, err := s.RemoteDBID("ws://peer-a/db")
	require.NoError(t, err)
	id2, err := s.RemoteDBID("ws://peer-b/db")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	again, err := s.RemoteDBID("ws://peer-a/db")
	require.NoError(t, err)
	assert.Equal(t, id1, again)
}

func TestWithTxBatchesWrites(t *testing.T) {
	s := newTestStore(t)
	err := s.WithTx(func(tx Tx) error {
		if err := tx.PutDocument(&types.Document{ID: "batch1", Collection: types.DefaultCollection}); err != nil {
			return err
		}
		return tx.SetRemoteAncestor(types.DefaultCollection, "batch1", 1, "1-aaaa")
	})
	require.NoError(t, err)

	doc, err := s.GetDocument(types.DefaultCollection, "batch1")
	require.NoError(t, err)
	assert.Equal(t, "batch1", doc.ID)

	rev, found, err := s.GetRemoteAncestor(types.DefaultCollection, "batch1", 1)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, types.RevID("1-aaaa"), rev)
}
