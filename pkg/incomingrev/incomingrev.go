// Package incomingrev processes a single inbound "rev" message: parsing
// its properties and body, applying a delta against a known ancestor,
// fetching any blob references not yet stored locally, and evaluating
// the configured pull filter, before handing a fully resolved
// types.RevToInsert to the Inserter.
package incomingrev

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/revsync/pkg/blobstore"
	"github.com/cuemby/revsync/pkg/dbaccess"
	"github.com/cuemby/revsync/pkg/log"
	"github.com/cuemby/revsync/pkg/metrics"
	"github.com/cuemby/revsync/pkg/rerror"
	"github.com/cuemby/revsync/pkg/revcache"
	"github.com/cuemby/revsync/pkg/transport"
	"github.com/cuemby/revsync/pkg/types"
)

// AsyncThreshold is the body size (32 KiB) of a synchronous/asynchronous
// processing gate. Nothing in this module consults it: the Puller calls
// Process inline for every "rev", whatever its size, blob references or
// pull filter.
const AsyncThreshold = 32 * 1024

// Options configures a Worker for one collection.
type Options struct {
	Collection types.Collection
	RemoteDBID uint32
	PullFilter func(docID string, revID types.RevID, flags types.RevFlags, body []byte) bool
}

// Worker resolves one inbound revision at a time. The Puller holds a single
// Worker and does not limit concurrent Process calls; the caps in
// tuning.MaxActiveIncomingRevs and tuning.MaxIncomingRevs are not consulted.
// Worker itself holds no state across calls.
type Worker struct {
	db     *dbaccess.DBAccess
	cache  *revcache.Cache
	blobs  *blobstore.Store
	sender transport.Sender
	opts   Options
	logger zerolog.Logger
}

// New creates a Worker. blobs may be nil if attachment support is disabled.
func New(db *dbaccess.DBAccess, cache *revcache.Cache, blobs *blobstore.Store, sender transport.Sender, opts Options) *Worker {
	return &Worker{
		db:     db,
		cache:  cache,
		blobs:  blobs,
		sender: sender,
		opts:   opts,
		logger: log.WithComponent("incomingrev").With().Str("collection", opts.Collection.String()).Logger(),
	}
}

type revProps struct {
	docID    string
	revID    types.RevID
	history  []types.RevID
	deleted  bool
	deltaSrc types.RevID
}

func parseProps(msg *transport.Message) revProps {
	p := revProps{
		docID:    msg.Property("id"),
		revID:    types.RevID(msg.Property("rev")),
		deltaSrc: types.RevID(msg.Property("deltaSrc")),
		deleted:  msg.Property("deleted") == "true",
	}
	if h := msg.Property("history"); h != "" {
		var strs []string
		if json.Unmarshal([]byte(h), &strs) == nil {
			p.history = make([]types.RevID, len(strs))
			for i, s := range strs {
				p.history[i] = types.RevID(s)
			}
		}
	}
	return p
}

// Process resolves msg (a "rev" request body already extracted) into a
// RevToInsert. The returned value's Done callback is left nil — the
// caller attaches its own before handing the result to the Inserter.
func (w *Worker) Process(ctx context.Context, msg *transport.Message, remoteSeq types.RemoteSequence) (*types.RevToInsert, error) {
	props := parseProps(msg)
	body := msg.Body

	if props.deltaSrc != "" {
		base, ok := w.baseBody(props.docID, props.deltaSrc)
		if !ok {
			return nil, rerror.New(rerror.DomainLiteCore, rerror.CodeDeltaBaseUnknown,
				fmt.Sprintf("delta base %s not found for %s", props.deltaSrc, props.docID), nil)
		}
		applied, err := w.db.ApplyDelta(base, body)
		if err != nil {
			return nil, err
		}
		body = applied
	}

	if isPurge(body) {
		return &types.RevToInsert{
			DocID:      props.docID,
			RevID:      props.revID,
			History:    props.history,
			Sequence:   remoteSeq,
			RemoteDBID: w.opts.RemoteDBID,
			Purged:     true,
			DeltaBase:  props.deltaSrc,
		}, nil
	}

	flags := flagsFromProps(props)

	if w.blobs != nil {
		if err := w.fetchBlobs(ctx, props.docID, body); err != nil {
			return nil, err
		}
		var hasBlob bool
		if err := dbaccess.FindBlobReferences(body, func(types.BlobRef) { hasBlob = true }); err != nil {
			return nil, err
		}
		if hasBlob {
			flags |= types.RevHasAttachments
		}
	}

	if w.opts.PullFilter != nil && !w.opts.PullFilter(props.docID, props.revID, flags, body) {
		return nil, rerror.New(rerror.DomainHTTP, rerror.CodeUnexpectedError, "rejected by validation function", nil)
	}

	return &types.RevToInsert{
		DocID:      props.docID,
		RevID:      props.revID,
		History:    props.history,
		Flags:      flags,
		Body:       body,
		Sequence:   remoteSeq,
		RemoteDBID: w.opts.RemoteDBID,
		DeltaBase:  props.deltaSrc,
	}, nil
}

func flagsFromProps(p revProps) types.RevFlags {
	var f types.RevFlags
	if p.deleted {
		f |= types.RevDeleted
	}
	return f
}

// baseBody finds baseRev's body, first in the revcache, then by loading
// the document directly if baseRev is still its current revision.
func (w *Worker) baseBody(docID string, baseRev types.RevID) ([]byte, bool) {
	if w.cache != nil {
		if entry, ok := w.cache.Get(w.opts.Collection, docID, baseRev); ok {
			return entry.Body, true
		}
	}
	doc, err := w.db.GetDoc(w.opts.Collection, docID)
	if err != nil || doc.CurrentRevID != baseRev {
		return nil, false
	}
	return doc.Body, true
}

// isPurge reports whether body is the "{_removed:true}" sentinel a peer
// sends in place of the document's real content once it has expired out
// of the peer's own purview (e.g. channel removal).
func isPurge(body []byte) bool {
	var probe struct {
		Removed bool `json:"_removed"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Removed
}

// fetchBlobs walks body's blob references, downloading and installing
// any whose digest isn't already in the local blob store. A reference
// that can't be fetched fails the whole revision with NotFound, matching
// the design's "dangling blob" rule.
func (w *Worker) fetchBlobs(ctx context.Context, docID string, body []byte) error {
	var refs []types.BlobRef
	if err := dbaccess.FindBlobReferences(body, func(ref types.BlobRef) { refs = append(refs, ref) }); err != nil {
		return err
	}
	for _, ref := range refs {
		has, err := w.blobs.Has(ref.Digest)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		req := &transport.Message{Profile: "getAttachment", Properties: map[string]string{"digest": ref.Digest}}
		resp, err := w.sender.SendRequest(ctx, req)
		if err != nil || resp == nil {
			return rerror.New(rerror.DomainLiteCore, rerror.CodeNotFound,
				fmt.Sprintf("blob %s unavailable for %s", ref.Digest, docID), err)
		}
		ws := w.blobs.NewWriteStream()
		if _, err := ws.Write(resp.Body); err != nil {
			return err
		}
		if _, err := ws.Install(ref.Digest); err != nil {
			return err
		}
		metrics.BlobBytesTransferredTotal.WithLabelValues("pull").Add(float64(len(resp.Body)))
	}
	return nil
}
