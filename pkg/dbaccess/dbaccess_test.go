package dbaccess

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/revsync/pkg/storage"
	"github.com/cuemby/revsync/pkg/types"
)

func newTestDBAccess(t *testing.T) (*DBAccess, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store), store
}

func TestPutRawAndGetDoc(t *testing.T) {
	d, _ := newTestDBAccess(t)
	require.NoError(t, d.PutRaw(types.DefaultCollection, "doc1", []byte(`{"x":1}`)))

	doc, err := d.GetDoc(types.DefaultCollection, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "doc1", doc.ID)
	assert.JSONEq(t, `{"x":1}`, string(doc.Body))
}

func TestMarkRevsSyncedNowBatchesWrites(t *testing.T) {
	d, _ := newTestDBAccess(t)

	_, ok, err := d.GetDocRemoteAncestor(types.DefaultCollection, "doc1", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	d.SetDocRemoteAncestor(types.DefaultCollection, "doc1", 1, "3-abcd")
	// Not yet visible: the update is queued, not written.
	_, ok, err = d.GetDocRemoteAncestor(types.DefaultCollection, "doc1", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.MarkRevsSyncedNow())

	rev, ok, err := d.GetDocRemoteAncestor(types.DefaultCollection, "doc1", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.RevID("3-abcd"), rev)

	// Flushing an empty queue is a no-op.
	require.NoError(t, d.MarkRevsSyncedNow())
}

func TestApplyDelta(t *testing.T) {
	d, _ := newTestDBAccess(t)
	base := []byte(`{"name":"alice","age":30}`)
	patch := []byte(`{"age":31}`)

	body, err := d.ApplyDelta(base, patch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"alice","age":31}`, string(body))

	_, err = d.ApplyDelta(base, []byte(`not json`))
	assert.Error(t, err)
}

func TestFindBlobReferences(t *testing.T) {
	body := []byte(`{
		"photo": {"@type":"blob","digest":"sha1-abc","length":100,"content_type":"image/png"},
		"nested": {"avatar": {"@type":"blob","digest":"sha1-def","length":50}},
		"_attachments": {"legacy.txt": {"digest":"sha1-ghi","length":10}}
	}`)

	var found []types.BlobRef
	err := FindBlobReferences(body, func(ref types.BlobRef) {
		found = append(found, ref)
	})
	require.NoError(t, err)
	assert.Len(t, found, 3)

	digests := map[string]bool{}
	for _, ref := range found {
		digests[ref.Digest] = true
	}
	assert.True(t, digests["sha1-abc"])
	assert.True(t, digests["sha1-def"])
	assert.True(t, digests["sha1-ghi"])
}

func TestInTransactionCommitsAndAborts(t *testing.T) {
	d, _ := newTestDBAccess(t)

	err := d.InTransaction(func(tx storage.Tx) error {
		return tx.PutDocument(&types.Document{ID: "tx1", Collection: types.DefaultCollection})
	})
	require.NoError(t, err)

	doc, err := d.GetDoc(types.DefaultCollection, "tx1")
	require.NoError(t, err)
	assert.Equal(t, "tx1", doc.ID)

	err = d.InTransaction(func(tx storage.Tx) error {
		if err := tx.PutDocument(&types.Document{ID: "tx2", Collection: types.DefaultCollection}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = d.GetDoc(types.DefaultCollection, "tx2")
	assert.Error(t, err)
}
