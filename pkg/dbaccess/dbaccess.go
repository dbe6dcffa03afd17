// Package dbaccess wraps a storage.Store behind a mutex, giving every
// replication component a single-writer, multi-reader handle to the
// database the way the teacher's LoadBalancer guards its round-robin
// state with a plain sync.Mutex rather than a heavier lock manager.
package dbaccess

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/revsync/pkg/delta"
	"github.com/cuemby/revsync/pkg/log"
	"github.com/cuemby/revsync/pkg/rerror"
	"github.com/cuemby/revsync/pkg/storage"
	"github.com/cuemby/revsync/pkg/types"
	"github.com/rs/zerolog"
)

// pendingSync is a batched "mark remote ancestor synced" entry, flushed by
// MarkRevsSyncedNow rather than written one at a time.
type pendingSync struct {
	collection types.Collection
	docID      string
	remoteDBID uint32
	revID      types.RevID
}

// DBAccess serializes access to one storage.Store. Exactly one logical
// transaction may be open at a time; a second caller blocks on mu until
// the first releases it, mirroring the single-writer storage handle the
// design requires.
type DBAccess struct {
	mu      sync.Mutex
	store   storage.Store
	pending []pendingSync
	logger  zerolog.Logger
}

// New wraps store.
func New(store storage.Store) *DBAccess {
	return &DBAccess{store: store, logger: log.WithComponent("dbaccess")}
}

// WithLocked runs fn while holding the storage mutex, releasing it even
// if fn panics or returns an error.
func (d *DBAccess) WithLocked(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn()
}

// InTransaction opens a storage transaction, runs fn, and commits on
// success or aborts (propagating fn's error) on failure. Nested calls on
// the same DBAccess deadlock by design — there is exactly one writer.
func (d *DBAccess) InTransaction(fn func(storage.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.WithTx(fn); err != nil {
		return rerror.New(rerror.DomainLiteCore, rerror.CodeUnexpectedError, "transaction aborted", err)
	}
	return nil
}

// GetDoc returns the current document state for docID.
func (d *DBAccess) GetDoc(collection types.Collection, docID string) (*types.Document, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.GetDocument(collection, docID)
}

// GetRaw returns the stored body of document docID in collection, without
// its revision metadata.
func (d *DBAccess) GetRaw(collection types.Collection, docID string) ([]byte, error) {
	doc, err := d.GetDoc(collection, docID)
	if err != nil {
		return nil, err
	}
	return doc.Body, nil
}

// PutRaw writes a document body directly, bypassing revision-tree
// bookkeeping; used for local-only metadata documents.
func (d *DBAccess) PutRaw(collection types.Collection, docID string, body []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.PutDocument(&types.Document{ID: docID, Collection: collection, Body: body})
}

// GetDocRemoteAncestor returns the most recent revision the given peer is
// known to have for docID, or ok=false if none is recorded.
func (d *DBAccess) GetDocRemoteAncestor(collection types.Collection, docID string, remoteDBID uint32) (rev types.RevID, ok bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.GetRemoteAncestor(collection, docID, remoteDBID)
}

// SetDocRemoteAncestor queues a remote-ancestor update. It is not written
// immediately — callers must call MarkRevsSyncedNow (or, from inside an
// InTransaction callback, MarkRevsSyncedNowTx) before any operation that
// reads remote-ancestor info, matching the design's batching requirement.
func (d *DBAccess) SetDocRemoteAncestor(collection types.Collection, docID string, remoteDBID uint32, revID types.RevID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, pendingSync{collection: collection, docID: docID, remoteDBID: remoteDBID, revID: revID})
}

// MarkRevsSyncedNow flushes the queued remote-ancestor updates inside a
// transaction of its own. Safe to call with an empty queue. Callers that
// already hold an open Tx from inside an InTransaction callback MUST use
// MarkRevsSyncedNowTx instead — this method re-acquires d.mu and opens a
// fresh store transaction, both of which would deadlock or double-open if
// called while one is already in progress on this goroutine.
func (d *DBAccess) MarkRevsSyncedNow() error {
	d.mu.Lock()
	pending := d.takePendingLocked()
	d.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	err := d.store.WithTx(func(tx storage.Tx) error {
		return flushPendingSync(tx, pending)
	})
	if err != nil {
		d.logger.Error().Err(err).Int("count", len(pending)).Msg("failed to flush remote ancestor sync queue")
		return rerror.New(rerror.DomainLiteCore, rerror.CodeUnexpectedError, "mark-synced flush failed", err)
	}
	return nil
}

// MarkRevsSyncedNowTx flushes the queued remote-ancestor updates using tx,
// an already-open transaction obtained from inside an InTransaction
// callback. It takes neither d.mu (already held by the caller's
// InTransaction) nor a new store transaction (tx is already open),
// avoiding the self-deadlock/double-transaction MarkRevsSyncedNow would
// hit if called in that position. Safe to call with an empty queue.
func (d *DBAccess) MarkRevsSyncedNowTx(tx storage.Tx) error {
	pending := d.takePendingLocked()
	if len(pending) == 0 {
		return nil
	}
	if err := flushPendingSync(tx, pending); err != nil {
		d.logger.Error().Err(err).Int("count", len(pending)).Msg("failed to flush remote ancestor sync queue")
		return rerror.New(rerror.DomainLiteCore, rerror.CodeUnexpectedError, "mark-synced flush failed", err)
	}
	return nil
}

// takePendingLocked clears and returns the pending queue. Called either
// with d.mu held by the immediate caller (MarkRevsSyncedNow) or from
// inside an InTransaction callback, where d.mu is already held by
// InTransaction itself on the same goroutine (MarkRevsSyncedNowTx) — a
// plain mutex is non-reentrant, so this helper never locks on its own.
func (d *DBAccess) takePendingLocked() []pendingSync {
	pending := d.pending
	d.pending = nil
	return pending
}

func flushPendingSync(tx storage.Tx, pending []pendingSync) error {
	for _, p := range pending {
		if err := tx.SetRemoteAncestor(p.collection, p.docID, p.remoteDBID, p.revID); err != nil {
			return err
		}
	}
	return nil
}

// ReEncodeForDatabase is a passthrough today: this module has no shared-
// keys encoder of its own, so a body is already in its persistent form by
// the time it reaches DBAccess. Kept as a named seam so a future shared-
// keys layer has somewhere to hook in without changing callers.
func (d *DBAccess) ReEncodeForDatabase(body []byte) ([]byte, error) {
	return body, nil
}

// ApplyDelta reconstructs a revision body from a base body and a received
// JSON delta.
func (d *DBAccess) ApplyDelta(base []byte, deltaJSON []byte) ([]byte, error) {
	body, err := delta.Apply(base, deltaJSON)
	if err != nil {
		return nil, rerror.New(rerror.DomainLiteCore, rerror.CodeCorruptDelta, "delta application failed", err)
	}
	return body, nil
}

// BlobVisitor is invoked by FindBlobReferences for each blob reference
// dictionary found in a document body.
type BlobVisitor func(ref types.BlobRef)

// FindBlobReferences walks a JSON document body looking for `{"@type":
// "blob", "digest": ...}` dictionaries (and legacy `_attachments` map
// entries carrying a digest), invoking visit for each one found.
func FindBlobReferences(body []byte, visit BlobVisitor) error {
	var root interface{}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, &root); err != nil {
		return fmt.Errorf("dbaccess: invalid document body: %w", err)
	}
	walkBlobs(root, visit)
	walkLegacyAttachments(root, visit)
	return nil
}

func walkBlobs(node interface{}, visit BlobVisitor) {
	switch v := node.(type) {
	case map[string]interface{}:
		if t, _ := v["@type"].(string); t == "blob" {
			if ref, ok := blobRefFromMap(v); ok {
				visit(ref)
			}
		}
		for k, child := range v {
			if k == "_attachments" {
				continue
			}
			walkBlobs(child, visit)
		}
	case []interface{}:
		for _, child := range v {
			walkBlobs(child, visit)
		}
	}
}

func walkLegacyAttachments(root interface{}, visit BlobVisitor) {
	obj, ok := root.(map[string]interface{})
	if !ok {
		return
	}
	atts, ok := obj["_attachments"].(map[string]interface{})
	if !ok {
		return
	}
	for _, v := range atts {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if ref, ok := blobRefFromMap(m); ok {
			visit(ref)
		}
	}
}

// TransformLegacyAttachments duplicates every blob reference found in
// body into a top-level "_attachments" dictionary carrying
// {stub:true, revpos:generation}, the layout pre-3.0 peers expect
// instead of inline "@type":"blob" references. It is idempotent: a blob
// already present in "_attachments" under the same digest is left alone
// rather than duplicated again, so re-applying the transform to its own
// output is a no-op.
func TransformLegacyAttachments(body []byte, generation int) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	var root map[string]interface{}
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("dbaccess: invalid document body: %w", err)
	}

	atts, _ := root["_attachments"].(map[string]interface{})
	if atts == nil {
		atts = make(map[string]interface{})
	}
	existing := make(map[string]bool, len(atts))
	for _, v := range atts {
		if m, ok := v.(map[string]interface{}); ok {
			if d, _ := m["digest"].(string); d != "" {
				existing[d] = true
			}
		}
	}

	name := 0
	walkBlobs(root, func(ref types.BlobRef) {
		if existing[ref.Digest] {
			return
		}
		existing[ref.Digest] = true
		name++
		atts[fmt.Sprintf("blob_%d", name)] = map[string]interface{}{
			"digest":       ref.Digest,
			"length":       ref.Length,
			"content_type": ref.ContentType,
			"stub":         true,
			"revpos":       generation,
		}
	})

	if len(atts) > 0 {
		root["_attachments"] = atts
	}
	return json.Marshal(root)
}

func blobRefFromMap(m map[string]interface{}) (types.BlobRef, bool) {
	digest, _ := m["digest"].(string)
	if digest == "" {
		return types.BlobRef{}, false
	}
	length, _ := m["length"].(float64)
	contentType, _ := m["content_type"].(string)
	encoding, _ := m["encoding"].(string)
	return types.BlobRef{
		Digest:      digest,
		Length:      uint64(length),
		ContentType: contentType,
		Encoding:    encoding,
	}, true
}
