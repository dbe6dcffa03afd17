// Package revfinder answers a peer's "changes" or "proposeChanges"
// request with a parallel vector of wanted/not-wanted/conflict statuses.
package revfinder

import (
	"github.com/cuemby/revsync/pkg/dbaccess"
	"github.com/cuemby/revsync/pkg/storage"
	"github.com/cuemby/revsync/pkg/tuning"
	"github.com/cuemby/revsync/pkg/types"
)

// Status mirrors the HTTP-ish codes the wire protocol uses: 0 means
// wanted, 304 means the local side already has the revision, 409 means
// conflict with the local revision.
type Status int

const (
	StatusWanted   Status = 0
	StatusHaveIt   Status = 304
	StatusConflict Status = 409
)

// Entry is one announced change from the peer.
type Entry struct {
	DocID string
	RevID types.RevID
	// ParentRevID is set only for proposeChanges (version-vector mode);
	// empty means the peer believes the doc doesn't exist locally yet.
	ParentRevID types.RevID
	Deleted     bool
}

// Response pairs a Status with, for a wanted tree-mode entry, up to
// tuning.MaxPossibleAncestors local ancestor revIDs the peer can choose a
// delta base from.
type Response struct {
	Status         Status
	KnownAncestors []types.RevID
}

// Finder answers FindOrRequestRevs against one collection.
type Finder struct {
	db         *dbaccess.DBAccess
	store      storage.Store
	collection types.Collection
	remoteDBID uint32
}

// New creates a Finder for collection, tagging remote-ancestor writes
// with remoteDBID.
func New(db *dbaccess.DBAccess, store storage.Store, collection types.Collection, remoteDBID uint32) *Finder {
	return &Finder{db: db, store: store, collection: collection, remoteDBID: remoteDBID}
}

// FindOrRequestRevs evaluates entries. proposeChanges selects the
// version-vector rule set (ParentRevID-based); otherwise the tree rule
// set (RevID-based, with ancestor disclosure) applies.
func (f *Finder) FindOrRequestRevs(entries []Entry, proposeChanges bool) ([]Response, error) {
	out := make([]Response, len(entries))
	for i, e := range entries {
		resp, err := f.evaluate(e, proposeChanges)
		if err != nil {
			return nil, err
		}
		out[i] = resp
	}
	return out, nil
}

func (f *Finder) evaluate(e Entry, proposeChanges bool) (Response, error) {
	doc, err := f.store.GetDocument(f.collection, e.DocID)
	found := err == nil

	if proposeChanges {
		if e.ParentRevID == "" {
			if !found || doc.Flags.Has(types.DocDeleted) {
				return Response{Status: StatusWanted}, nil
			}
			return Response{Status: StatusConflict}, nil
		}
		if found && doc.CurrentRevID == e.ParentRevID {
			return Response{Status: StatusWanted}, nil
		}
		return Response{Status: StatusConflict}, nil
	}

	if found && doc.CurrentRevID == e.RevID {
		f.markSyncedIfNeeded(e.DocID, doc.CurrentRevID)
		return Response{Status: StatusHaveIt}, nil
	}

	// The peer's offered revision may already be superseded by a more
	// recent local ancestor: if e.RevID is in our own history, sending it
	// back would just be a redundant transfer of something we've already
	// moved past.
	if found && isKnownAncestor(doc, e.RevID) {
		return Response{Status: StatusHaveIt}, nil
	}

	return Response{
		Status:         StatusWanted,
		KnownAncestors: ancestorsOf(doc, tuning.MaxPossibleAncestors),
	}, nil
}

// isKnownAncestor reports whether revID already appears in doc's history,
// meaning a more recent local revision has obsoleted it.
func isKnownAncestor(doc *types.Document, revID types.RevID) bool {
	for _, h := range doc.History {
		if h == revID {
			return true
		}
	}
	return false
}

// markSyncedIfNeeded records, without blocking the response, that the
// peer already has the local current revision — preventing a future
// redundant offer of the same revision to this remote.
func (f *Finder) markSyncedIfNeeded(docID string, revID types.RevID) {
	known, ok, err := f.db.GetDocRemoteAncestor(f.collection, docID, f.remoteDBID)
	if err == nil && (!ok || known != revID) {
		f.db.SetDocRemoteAncestor(f.collection, docID, f.remoteDBID, revID)
	}
}

func ancestorsOf(doc *types.Document, max int) []types.RevID {
	if doc == nil {
		return nil
	}
	if len(doc.History) <= max {
		return doc.History
	}
	return doc.History[:max]
}
