package puller

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/revsync/pkg/checkpoint"
	"github.com/cuemby/revsync/pkg/dbaccess"
	"github.com/cuemby/revsync/pkg/incomingrev"
	"github.com/cuemby/revsync/pkg/inserter"
	"github.com/cuemby/revsync/pkg/revfinder"
	"github.com/cuemby/revsync/pkg/storage"
	"github.com/cuemby/revsync/pkg/transport"
	"github.com/cuemby/revsync/pkg/types"
)

func newTestPuller(t *testing.T, opts Options) (*Puller, storage.Store, chan types.DocEnded) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	db := dbaccess.New(store)
	finder := revfinder.New(db, store, types.DefaultCollection, 1)
	cp := checkpoint.New(store, "test-cp")
	ins := inserter.New(db, nil, nil, inserter.Options{Collection: types.DefaultCollection})
	worker := incomingrev.New(db, nil, nil, nil, incomingrev.Options{Collection: types.DefaultCollection})

	sender, _ := transport.NewPair()
	opts.Collection = types.DefaultCollection
	docEnded := make(chan types.DocEnded, 10)
	p := New(db, sender, finder, cp, ins, worker, opts, docEnded)
	return p, store, docEnded
}

func TestHandleChangesWantsUnknownDoc(t *testing.T) {
	p, _, _ := newTestPuller(t, Options{})

	body, err := json.Marshal([][]interface{}{{1, "doc1", "1-aaaa", false, 40}})
	require.NoError(t, err)

	resp := p.handleChangesWire(nil, &transport.Message{Body: body})

	var reply []interface{}
	require.NoError(t, json.Unmarshal(resp.Body, &reply))
	require.Len(t, reply, 1)
	assert.EqualValues(t, 0, reply[0])

	p.mu.Lock()
	assert.Equal(t, 1, p.pendingRevMessages)
	p.mu.Unlock()
}

func TestHandleChangesAlreadyHaveItAdvancesCheckpoint(t *testing.T) {
	p, store, _ := newTestPuller(t, Options{})
	require.NoError(t, store.PutDocument(&types.Document{
		ID: "doc1", Collection: types.DefaultCollection, CurrentRevID: "1-aaaa",
	}))

	body, err := json.Marshal([][]interface{}{{1, "doc1", "1-aaaa", false, 10}})
	require.NoError(t, err)

	resp := p.handleChangesWire(nil, &transport.Message{Body: body})

	var reply []interface{}
	require.NoError(t, json.Unmarshal(resp.Body, &reply))
	assert.EqualValues(t, 304, reply[0])
}

func TestHandleProposeChangesConflictReportsDocEnded(t *testing.T) {
	p, store, docEnded := newTestPuller(t, Options{IsVector: true})
	require.NoError(t, store.PutDocument(&types.Document{
		ID: "doc1", Collection: types.DefaultCollection, CurrentRevID: "2-newer",
	}))

	body, err := json.Marshal([][]interface{}{{"doc1", "3-theirs", "1-stale"}})
	require.NoError(t, err)

	resp := p.handleChangesWire(nil, &transport.Message{Body: body})
	var reply []interface{}
	require.NoError(t, json.Unmarshal(resp.Body, &reply))
	assert.EqualValues(t, 409, reply[0])

	select {
	case ended := <-docEnded:
		assert.Equal(t, "doc1", ended.DocID)
	default:
		t.Fatal("expected a DocEnded notification for the conflict")
	}
}

func TestHandleCaughtUpOneShotStops(t *testing.T) {
	p, _, _ := newTestPuller(t, Options{Continuous: false})

	body, err := json.Marshal([]interface{}{})
	require.NoError(t, err)
	p.handleChangesWire(nil, &transport.Message{Body: body})

	select {
	case <-p.stopCh:
	case <-time.After(time.Second):
		t.Fatal("expected Stop to close stopCh for a one-shot puller")
	}
}

func TestHandleCaughtUpContinuousGoesIdle(t *testing.T) {
	p, _, _ := newTestPuller(t, Options{Continuous: true})

	body, err := json.Marshal([]interface{}{})
	require.NoError(t, err)
	p.handleChangesWire(nil, &transport.Message{Body: body})

	assert.Equal(t, StateIdle, p.State())
}

func TestHandleRevDeltaBaseUnknownLeavesSequenceOutstanding(t *testing.T) {
	p, _, _ := newTestPuller(t, Options{})
	p.cp.AddRemote(types.RemoteSequence{Numeric: 5}, 10)

	req := &transport.Message{
		Properties: map[string]string{"id": "doc1", "rev": "2-efgh", "sequence": "5", "deltaSrc": "1-missing"},
		Body:       []byte(`{"y":1}`),
	}
	resp := p.handleRev(nil, req)
	require.NotNil(t, resp)
	assert.Equal(t, "DeltaBaseUnknown", resp.Property("Error-Code"))

	stillOutstanding, _ := p.cp.RemoveRemote(types.RemoteSequence{Numeric: 5})
	assert.True(t, stillOutstanding, "sequence 5 should remain outstanding after a DeltaBaseUnknown error")
}

func TestHandlePlainRevQueuesForInsert(t *testing.T) {
	p, _, _ := newTestPuller(t, Options{})
	p.cp.AddRemote(types.RemoteSequence{Numeric: 7}, 10)

	req := &transport.Message{
		Properties: map[string]string{"id": "doc1", "rev": "1-aaaa", "sequence": "7"},
		Body:       []byte(`{"x":1}`),
	}
	resp := p.handleRev(nil, req)
	assert.Nil(t, resp)

	assert.Eventually(t, func() bool {
		_, ok, _ := p.db.GetDocRemoteAncestor(types.DefaultCollection, "doc1", 0)
		return ok
	}, time.Second, 10*time.Millisecond)
}
