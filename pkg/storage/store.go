package storage

import "github.com/cuemby/revsync/pkg/types"

// Store is the minimal versioned document interface DBAccess wraps. It is
// deliberately narrow — the real storage engine's query machinery,
// indexing, and encoding are out of scope; this is exactly the surface
// the replication core consumes.
type Store interface {
	// PutDocument persists doc, assigning it the next sequence for its
	// collection if Sequence is zero.
	PutDocument(doc *types.Document) error
	GetDocument(collection types.Collection, docID string) (*types.Document, error)
	// ChangesSince returns up to limit documents in ascending sequence
	// order whose Sequence > since, within collection.
	ChangesSince(collection types.Collection, since uint64, limit int) ([]*types.Document, error)
	LastSequence(collection types.Collection) (uint64, error)
	PurgeDocument(collection types.Collection, docID string) error

	GetRemoteAncestor(collection types.Collection, docID string, remoteDBID uint32) (types.RevID, bool, error)
	SetRemoteAncestor(collection types.Collection, docID string, remoteDBID uint32, revID types.RevID) error

	GetLocalCheckpoint(checkpointID string) (*types.Checkpoint, error)
	SetLocalCheckpoint(checkpointID string, cp *types.Checkpoint) error

	// GetPeerCheckpoint returns the stored checkpoint body and its MVCC
	// rev tag for a client-supplied checkpoint ID, as served to a passive
	// replicator's getCheckpoint/setCheckpoint handlers.
	GetPeerCheckpoint(clientID string) (rev string, body []byte, err error)
	// SetPeerCheckpoint stores body under clientID, bumping the rev tag,
	// and returns the new rev. matchRev, if non-empty, must equal the
	// current rev or the call fails (MVCC guard).
	SetPeerCheckpoint(clientID, matchRev string, body []byte) (newRev string, err error)

	GetInfo(key string) (string, bool, error)
	SetInfo(key, value string) error

	// RemoteDBID returns the small integer assigned to remoteIdentity,
	// assigning a fresh one on first use.
	RemoteDBID(remoteIdentity string) (uint32, error)

	// WithTx runs fn inside a single write transaction, batching the
	// PutDocument/SetRemoteAncestor/PurgeDocument calls it makes through
	// the returned Tx. Used by the Inserter to apply a batch atomically.
	WithTx(fn func(Tx) error) error

	Close() error
}

// Tx is the batched-write handle passed to Store.WithTx.
type Tx interface {
	PutDocument(doc *types.Document) error
	SetRemoteAncestor(collection types.Collection, docID string, remoteDBID uint32, revID types.RevID) error
	PurgeDocument(collection types.Collection, docID string) error
}
