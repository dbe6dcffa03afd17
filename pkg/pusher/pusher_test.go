package pusher

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/revsync/pkg/checkpoint"
	"github.com/cuemby/revsync/pkg/dbaccess"
	"github.com/cuemby/revsync/pkg/revcache"
	"github.com/cuemby/revsync/pkg/storage"
	"github.com/cuemby/revsync/pkg/transport"
	"github.com/cuemby/revsync/pkg/types"
)

func newTestPusher(t *testing.T, sender transport.Sender) (*Pusher, *dbaccess.DBAccess, storage.Store, chan types.DocEnded) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	db := dbaccess.New(store)
	cp := checkpoint.New(store, "test-cp")
	cache, err := revcache.New(64)
	require.NoError(t, err)
	if sender == nil {
		sender, _ = transport.NewPair()
	}
	docEnded := make(chan types.DocEnded, 10)
	p := New(db, sender, nil, cp, cache, nil, Options{Collection: types.DefaultCollection}, docEnded)
	return p, db, store, docEnded
}

func TestHandleChangeListReplyEnqueuesWanted(t *testing.T) {
	p, _, _, _ := newTestPusher(t, nil)
	candidates := []*types.RevToSend{
		{DocID: "doc1", RevID: "1-aaaa", Sequence: 1, BodySize: 10},
		{DocID: "doc2", RevID: "1-bbbb", Sequence: 2, BodySize: 10},
	}
	body, err := json.Marshal([]int{0, 0})
	require.NoError(t, err)

	p.handleChangeListReply(candidates, &transport.Message{Body: body})

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Len(t, p.queuedRevs, 2)
}

func TestHandleChangeListReplyRejectsWithCode(t *testing.T) {
	p, _, _, docEnded := newTestPusher(t, nil)
	candidates := []*types.RevToSend{
		{DocID: "doc1", RevID: "1-aaaa", Sequence: 1, BodySize: 10},
	}
	body, err := json.Marshal([]int{403})
	require.NoError(t, err)

	p.handleChangeListReply(candidates, &transport.Message{Body: body})

	p.mu.Lock()
	assert.Len(t, p.queuedRevs, 0)
	p.mu.Unlock()

	select {
	case ended := <-docEnded:
		assert.Equal(t, "doc1", ended.DocID)
		assert.Error(t, ended.Error)
	default:
		t.Fatal("expected a DocEnded notification")
	}
}

func TestHandleChangeListReplyAncestorArrayEnqueues(t *testing.T) {
	p, _, _, _ := newTestPusher(t, nil)
	candidates := []*types.RevToSend{
		{DocID: "doc1", RevID: "2-bbbb", Sequence: 1, BodySize: 10},
	}
	// A JSON array of ancestor revIDs, rather than a status code.
	body, err := json.Marshal([][]string{{"1-aaaa"}})
	require.NoError(t, err)

	p.handleChangeListReply(candidates, &transport.Message{Body: body})

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Len(t, p.queuedRevs, 1)
}

func TestEnqueueStashesSecondRevisionPerDoc(t *testing.T) {
	p, _, _, _ := newTestPusher(t, nil)
	first := &types.RevToSend{DocID: "doc1", RevID: "1-aaaa", Sequence: 1}
	second := &types.RevToSend{DocID: "doc1", RevID: "2-bbbb", Sequence: 2}

	p.enqueue(first)
	p.enqueue(second)

	p.mu.Lock()
	assert.Len(t, p.queuedRevs, 1, "second revision for the same doc should be stashed, not queued")
	assert.Equal(t, first, p.queuedRevs[0])
	assert.Equal(t, second, p.pushingDocs["doc1"])
	p.mu.Unlock()

	// Once the first revision completes, the stashed one should advance.
	p.advanceStashedDoc("doc1")
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Len(t, p.queuedRevs, 2)
	assert.Equal(t, second, p.queuedRevs[1])
}

func TestSendRevSendsDeltaWhenAncestorCached(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	longField := strings.Repeat("x", 400)
	base := []byte(`{"a":"` + longField + `","b":1}`)
	target := []byte(`{"a":"` + longField + `","b":2}`)

	require.NoError(t, store.PutDocument(&types.Document{
		ID: "doc1", Collection: types.DefaultCollection,
		CurrentRevID: "2-bbbb", History: []types.RevID{"2-bbbb", "1-aaaa"}, Body: target,
	}))

	var capturedReq *transport.Message
	sender := &capturingSender{
		response: func(req *transport.Message) *transport.Message {
			capturedReq = req
			return &transport.Message{}
		},
	}

	cache, err := revcache.New(64)
	require.NoError(t, err)
	cache.Put(types.DefaultCollection, revcache.Entry{DocID: "doc1", RevID: "1-aaaa", Body: base})

	newDB := dbaccess.New(store)
	cp := checkpoint.New(store, "test-cp2")
	p := New(newDB, sender, nil, cp, cache, nil, Options{Collection: types.DefaultCollection}, nil)

	rev := &types.RevToSend{
		DocID: "doc1", RevID: "2-bbbb", Sequence: 1,
		History: []types.RevID{"1-aaaa"}, BodySize: len(target),
	}
	p.sendRev(context.Background(), rev)

	require.NotNil(t, capturedReq)
	assert.Equal(t, "1-aaaa", capturedReq.Property("deltaSrc"))
	assert.Less(t, len(capturedReq.Body), len(target))
}

func TestHandleRevErrorDeltaBaseUnknownRetriesWithoutDelta(t *testing.T) {
	p, _, _, _ := newTestPusher(t, nil)
	rev := &types.RevToSend{DocID: "doc1", RevID: "2-bbbb", Sequence: 1}

	p.mu.Lock()
	p.revsInFlight = 1
	p.mu.Unlock()

	resp := &transport.Message{Properties: map[string]string{
		"Error-Domain": "LiteCore",
		"Error-Code":   "DeltaBaseUnknown",
	}}
	p.handleRevError(rev, resp)

	assert.True(t, rev.NoDelta)
}

func TestHandleRevErrorPermanentFailsRevision(t *testing.T) {
	p, _, _, docEnded := newTestPusher(t, nil)
	rev := &types.RevToSend{DocID: "doc1", RevID: "2-bbbb", Sequence: 1}

	p.mu.Lock()
	p.revsInFlight = 1
	p.mu.Unlock()

	resp := &transport.Message{Properties: map[string]string{
		"Error-Domain": "HTTP",
		"Error-Code":   "403",
	}}
	p.handleRevError(rev, resp)

	select {
	case ended := <-docEnded:
		assert.Equal(t, "doc1", ended.DocID)
		assert.False(t, ended.ErrorIsTransient)
	default:
		t.Fatal("expected a DocEnded notification for a permanent rejection")
	}
}

// capturingSender is a minimal transport.Sender double for pusher tests
// that need to inspect the outbound "rev" request.
type capturingSender struct {
	response func(req *transport.Message) *transport.Message
}

func (s *capturingSender) SendRequest(ctx context.Context, req *transport.Message) (*transport.Message, error) {
	return s.response(req), nil
}

func (s *capturingSender) HandleProfile(profile string, handler transport.Handler) {}

func (s *capturingSender) Close() error { return nil }
