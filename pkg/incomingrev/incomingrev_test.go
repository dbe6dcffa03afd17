package incomingrev

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/revsync/pkg/blobstore"
	"github.com/cuemby/revsync/pkg/dbaccess"
	"github.com/cuemby/revsync/pkg/rerror"
	"github.com/cuemby/revsync/pkg/storage"
	"github.com/cuemby/revsync/pkg/transport"
	"github.com/cuemby/revsync/pkg/types"
)

func newTestWorker(t *testing.T, blobs *blobstore.Store, sender transport.Sender) (*Worker, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	db := dbaccess.New(store)
	return New(db, nil, blobs, sender, Options{Collection: types.DefaultCollection, RemoteDBID: 1}), store
}

func TestProcessPlainRevision(t *testing.T) {
	w, _ := newTestWorker(t, nil, nil)
	msg := &transport.Message{
		Properties: map[string]string{"id": "doc1", "rev": "1-abcd"},
		Body:       []byte(`{"x":1}`),
	}
	rev, err := w.Process(context.Background(), msg, types.RemoteSequence{Numeric: 1})
	require.NoError(t, err)
	assert.Equal(t, "doc1", rev.DocID)
	assert.Equal(t, types.RevID("1-abcd"), rev.RevID)
	assert.False(t, rev.Purged)
	assert.JSONEq(t, `{"x":1}`, string(rev.Body))
}

func TestProcessDeletedRevision(t *testing.T) {
	w, _ := newTestWorker(t, nil, nil)
	msg := &transport.Message{
		Properties: map[string]string{"id": "doc1", "rev": "2-beef", "deleted": "true"},
		Body:       []byte(`{}`),
	}
	rev, err := w.Process(context.Background(), msg, types.RemoteSequence{Numeric: 2})
	require.NoError(t, err)
	assert.True(t, rev.Flags.Has(types.RevDeleted))
}

func TestProcessPurgeSentinel(t *testing.T) {
	w, _ := newTestWorker(t, nil, nil)
	msg := &transport.Message{
		Properties: map[string]string{"id": "doc1", "rev": "3-cccc"},
		Body:       []byte(`{"_removed":true}`),
	}
	rev, err := w.Process(context.Background(), msg, types.RemoteSequence{Numeric: 3})
	require.NoError(t, err)
	assert.True(t, rev.Purged)
}

func TestProcessDeltaAgainstCurrentRevision(t *testing.T) {
	w, store := newTestWorker(t, nil, nil)
	require.NoError(t, store.PutDocument(&types.Document{
		ID: "doc1", Collection: types.DefaultCollection,
		CurrentRevID: "1-abcd", Body: []byte(`{"x":1,"y":2}`),
	}))

	msg := &transport.Message{
		Properties: map[string]string{"id": "doc1", "rev": "2-efgh", "deltaSrc": "1-abcd"},
		Body:       []byte(`{"y":3}`),
	}
	rev, err := w.Process(context.Background(), msg, types.RemoteSequence{Numeric: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1,"y":3}`, string(rev.Body))
}

func TestProcessDeltaBaseUnknownFails(t *testing.T) {
	w, store := newTestWorker(t, nil, nil)
	require.NoError(t, store.PutDocument(&types.Document{
		ID: "doc1", Collection: types.DefaultCollection,
		CurrentRevID: "1-yyyy", Body: []byte(`{"x":1}`),
	}))

	msg := &transport.Message{
		Properties: map[string]string{"id": "doc1", "rev": "2-zzzz", "deltaSrc": "1-xxxx"},
		Body:       []byte(`{"y":[3]}`),
	}
	_, err := w.Process(context.Background(), msg, types.RemoteSequence{Numeric: 1})
	require.Error(t, err)
	rerr, ok := err.(*rerror.Error)
	require.True(t, ok)
	assert.Equal(t, rerror.CodeDeltaBaseUnknown, rerr.Code)
}

func TestProcessPullFilterRejects(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	db := dbaccess.New(store)
	w := New(db, nil, nil, nil, Options{
		Collection: types.DefaultCollection,
		PullFilter: func(docID string, revID types.RevID, flags types.RevFlags, body []byte) bool {
			return false
		},
	})

	msg := &transport.Message{
		Properties: map[string]string{"id": "doc1", "rev": "1-abcd"},
		Body:       []byte(`{"x":1}`),
	}
	_, err = w.Process(context.Background(), msg, types.RemoteSequence{Numeric: 1})
	require.Error(t, err)
}

func TestProcessFetchesMissingBlob(t *testing.T) {
	blobs, err := blobstore.Open(t.TempDir() + "/blobs.db")
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	content := []byte("attachment bytes")
	digest := blobstore.Digest(content)

	fakePeer := &fakeSender{
		response: &transport.Message{Body: content},
	}
	w, _ := newTestWorker(t, blobs, fakePeer)

	body := []byte(`{"photo":{"@type":"blob","digest":"` + digest + `","length":16}}`)
	msg := &transport.Message{
		Properties: map[string]string{"id": "doc1", "rev": "1-abcd"},
		Body:       body,
	}
	rev, err := w.Process(context.Background(), msg, types.RemoteSequence{Numeric: 1})
	require.NoError(t, err)
	assert.True(t, rev.Flags.Has(types.RevHasAttachments))

	has, err := blobs.Has(digest)
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, "getAttachment", fakePeer.lastProfile)
}

func TestProcessDanglingBlobFails(t *testing.T) {
	blobs, err := blobstore.Open(t.TempDir() + "/blobs.db")
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	fakePeer := &fakeSender{err: assertError{"no such blob"}}
	w, _ := newTestWorker(t, blobs, fakePeer)

	body := []byte(`{"photo":{"@type":"blob","digest":"sha1-missing","length":1}}`)
	msg := &transport.Message{
		Properties: map[string]string{"id": "doc1", "rev": "1-abcd"},
		Body:       body,
	}
	_, err = w.Process(context.Background(), msg, types.RemoteSequence{Numeric: 1})
	require.Error(t, err)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

// fakeSender is a minimal transport.Sender double that returns a fixed
// response (or error) and records the last profile it was asked to send.
type fakeSender struct {
	response    *transport.Message
	err         error
	lastProfile string
}

func (f *fakeSender) SendRequest(ctx context.Context, req *transport.Message) (*transport.Message, error) {
	f.lastProfile = req.Profile
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeSender) HandleProfile(profile string, handler transport.Handler) {}

func (f *fakeSender) Close() error { return nil }
