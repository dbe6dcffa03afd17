package replicator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/revsync/pkg/events"
	"github.com/cuemby/revsync/pkg/revcache"
	"github.com/cuemby/revsync/pkg/storage"
	"github.com/cuemby/revsync/pkg/transport"
	"github.com/cuemby/revsync/pkg/types"
)

func newLoopbackPair(t *testing.T) (storage.Store, storage.Store, transport.Sender, transport.Sender, *events.Broker, *events.Broker) {
	t.Helper()
	activeStore, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { activeStore.Close() })
	passiveStore, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { passiveStore.Close() })

	activeSender, passiveSender := transport.NewPair()

	activeBroker := events.NewBroker()
	activeBroker.Start()
	t.Cleanup(activeBroker.Stop)
	passiveBroker := events.NewBroker()
	passiveBroker.Start()
	t.Cleanup(passiveBroker.Stop)

	return activeStore, passiveStore, activeSender, passiveSender, activeBroker, passiveBroker
}

func seedDocs(t *testing.T, store storage.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		doc := &types.Document{
			ID:           fmt.Sprintf("doc-%03d", i),
			Collection:   types.DefaultCollection,
			CurrentRevID: types.RevID(fmt.Sprintf("1-%04d", i)),
			Flags:        types.DocExists,
			Body:         []byte(fmt.Sprintf(`{"seq":%d}`, i)),
		}
		require.NoError(t, store.PutDocument(doc))
	}
}

func countPresent(store storage.Store, n int) int {
	count := 0
	for i := 0; i < n; i++ {
		if _, err := store.GetDocument(types.DefaultCollection, fmt.Sprintf("doc-%03d", i)); err == nil {
			count++
		}
	}
	return count
}

func TestOneShotPushPullConverges(t *testing.T) {
	const docCount = 10
	activeStore, passiveStore, activeSender, passiveSender, activeBroker, passiveBroker := newLoopbackPair(t)
	seedDocs(t, activeStore, docCount)

	cache, err := revcache.New(64)
	require.NoError(t, err)

	passiveRepl, err := New(Config{
		Store: passiveStore, Sender: passiveSender, Broker: passiveBroker, Cache: cache,
		LocalPeerUUID: "passive-peer", RemoteIdentity: "active-peer", Active: false,
		Options: types.ReplicatorOptions{Push: types.DirectionDisabled, Pull: types.DirectionOneShot},
	})
	require.NoError(t, err)

	activeRepl, err := New(Config{
		Store: activeStore, Sender: activeSender, Broker: activeBroker, Cache: cache,
		LocalPeerUUID: "active-peer", RemoteIdentity: "passive-peer", Active: true,
		Options: types.ReplicatorOptions{Push: types.DirectionOneShot, Pull: types.DirectionDisabled},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, passiveRepl.Start(ctx))
	defer passiveRepl.Stop()
	require.NoError(t, activeRepl.Start(ctx))
	defer activeRepl.Stop()

	require.Eventually(t, func() bool {
		return countPresent(passiveStore, docCount) == docCount
	}, 4*time.Second, 20*time.Millisecond, "all seeded documents should converge onto the passive side")

	for i := 0; i < docCount; i++ {
		doc, err := passiveStore.GetDocument(types.DefaultCollection, fmt.Sprintf("doc-%03d", i))
		require.NoError(t, err)
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(doc.Body))
	}
}

func TestResumeAfterStopTransfersNoExtraRevisions(t *testing.T) {
	const docCount = 3
	activeStore, passiveStore, activeSender, passiveSender, activeBroker, passiveBroker := newLoopbackPair(t)
	seedDocs(t, activeStore, docCount)

	cache, err := revcache.New(64)
	require.NoError(t, err)

	passiveRepl, err := New(Config{
		Store: passiveStore, Sender: passiveSender, Broker: passiveBroker, Cache: cache,
		LocalPeerUUID: "passive-peer", RemoteIdentity: "active-peer", Active: false,
		Options: types.ReplicatorOptions{Push: types.DirectionDisabled, Pull: types.DirectionOneShot},
	})
	require.NoError(t, err)
	activeRepl, err := New(Config{
		Store: activeStore, Sender: activeSender, Broker: activeBroker, Cache: cache,
		LocalPeerUUID: "active-peer", RemoteIdentity: "passive-peer", Active: true,
		Options: types.ReplicatorOptions{Push: types.DirectionOneShot, Pull: types.DirectionDisabled},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, passiveRepl.Start(ctx))
	require.NoError(t, activeRepl.Start(ctx))
	require.Eventually(t, func() bool {
		return countPresent(passiveStore, docCount) == docCount
	}, 4*time.Second, 20*time.Millisecond)

	passiveRepl.Stop()
	activeRepl.Stop()

	// Restarting with the same checkpoint IDs and no new local changes on
	// either side should transfer nothing further: the passive side's
	// document count stays exactly docCount, not doubled or corrupted.
	activeSender2, passiveSender2 := transport.NewPair()
	passiveRepl2, err := New(Config{
		Store: passiveStore, Sender: passiveSender2, Broker: passiveBroker, Cache: cache,
		LocalPeerUUID: "passive-peer", RemoteIdentity: "active-peer", Active: false,
		Options: types.ReplicatorOptions{Push: types.DirectionDisabled, Pull: types.DirectionOneShot},
	})
	require.NoError(t, err)
	activeRepl2, err := New(Config{
		Store: activeStore, Sender: activeSender2, Broker: activeBroker, Cache: cache,
		LocalPeerUUID: "active-peer", RemoteIdentity: "passive-peer", Active: true,
		Options: types.ReplicatorOptions{Push: types.DirectionOneShot, Pull: types.DirectionDisabled},
	})
	require.NoError(t, err)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, passiveRepl2.Start(ctx2))
	defer passiveRepl2.Stop()
	require.NoError(t, activeRepl2.Start(ctx2))
	defer activeRepl2.Stop()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, docCount, countPresent(passiveStore, docCount))
}
