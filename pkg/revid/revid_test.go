package revid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/revsync/pkg/types"
)

func TestParseTree(t *testing.T) {
	tr, err := ParseTree(types.RevID("3-abcd1234"))
	require.NoError(t, err)
	assert.Equal(t, 3, tr.Generation)
	assert.Equal(t, "abcd1234", tr.Digest)

	_, err = ParseTree(types.RevID("not-a-rev-id"))
	assert.Error(t, err)

	_, err = ParseTree(types.RevID("0-abcd"))
	assert.Error(t, err)
}

func TestNewTree(t *testing.T) {
	root := NewTree("", "aaaa")
	assert.Equal(t, types.RevID("1-aaaa"), root)

	child := NewTree(root, "bbbb")
	assert.Equal(t, types.RevID("2-bbbb"), child)
}

func TestParseVectorAndCanonicalize(t *testing.T) {
	entries, err := ParseVector(types.RevID("5@*,3@peerB"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ThisPeer, entries[0].PeerID)

	ResolveThisPeer(entries, "peerA")
	assert.Equal(t, "peerA", entries[0].PeerID)

	canon := CanonicalizeVector(entries)
	assert.Equal(t, "peerA", canon[0].PeerID)
	assert.Equal(t, "peerB", canon[1].PeerID)
}

func TestIsVector(t *testing.T) {
	assert.True(t, IsVector(types.RevID("5@peerA")))
	assert.False(t, IsVector(types.RevID("5-abcd")))
}

func TestGeneration(t *testing.T) {
	assert.Equal(t, 5, Generation(types.RevID("5-abcd")))
	assert.Equal(t, 5, Generation(types.RevID("5@peerA,3@peerB")))
}
