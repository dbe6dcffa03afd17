// Package changesfeed produces the ordered stream of local changes the
// Pusher consumes, in historical (single pass to the current tail) and
// continuous (subscribe-after-drain) modes.
package changesfeed

import (
	"time"

	"github.com/cuemby/revsync/pkg/dbaccess"
	"github.com/cuemby/revsync/pkg/events"
	"github.com/cuemby/revsync/pkg/storage"
	"github.com/cuemby/revsync/pkg/tuning"
	"github.com/cuemby/revsync/pkg/types"
)

// Candidate is one change the feed offers the Pusher before filtering.
type Candidate struct {
	Sequence uint64
	DocID    string
	RevID    types.RevID
	History  []types.RevID
	Flags    types.RevFlags
	BodySize int
	Body     []byte // populated only when NeedsBody is set
}

// Options configures gating behavior.
type Options struct {
	SkipDeleted      bool
	DocIDs           []string // empty means no filter
	NeedsBody        bool     // delta support or a push filter needs bodies
	PushFilter       func(docID string, revID types.RevID, flags types.RevFlags, body []byte) bool
	ProposeChanges   bool
	RemoteDBID       uint32
	Collection       types.Collection
}

// Feed produces RevToSend-eligible candidates for one collection.
type Feed struct {
	db      *dbaccess.DBAccess
	store   storage.Store
	opts    Options
	broker  *events.Broker
	sub     events.Subscriber
	since   uint64
}

// New creates a feed starting after since (typically checkpointer.LocalMin()+1's
// predecessor, i.e. resume point).
func New(db *dbaccess.DBAccess, store storage.Store, broker *events.Broker, since uint64, opts Options) *Feed {
	return &Feed{db: db, store: store, opts: opts, broker: broker, since: since}
}

// DrainHistorical reads up to tuning.ChangesBatchSize candidates in
// ascending sequence order starting after the feed's current position,
// applying all gates, and advances the feed's position past what it
// returned (whether or not it passed the gates).
func (f *Feed) DrainHistorical() ([]*types.RevToSend, error) {
	docs, err := f.store.ChangesSince(f.opts.Collection, f.since, tuning.ChangesBatchSize)
	if err != nil {
		return nil, err
	}
	var out []*types.RevToSend
	for _, doc := range docs {
		f.since = doc.Sequence
		rev, ok, err := f.gate(doc)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rev)
		}
	}
	return out, nil
}

// Exhausted reports whether the last DrainHistorical call returned fewer
// than a full batch, meaning the feed has reached the current tail.
func (f *Feed) Exhausted(lastBatchLen int) bool {
	return lastBatchLen < tuning.ChangesBatchSize
}

// SubscribeContinuous begins listening for EventDocumentWritten
// notifications for use after historical drain completes. Call Next to
// retrieve gated candidates as they arrive.
func (f *Feed) SubscribeContinuous() {
	if f.broker != nil {
		f.sub = f.broker.Subscribe()
	}
}

// Next blocks until a continuous-mode candidate passes all gates, or
// returns nil if the feed was not subscribed or the subscription closed.
func (f *Feed) Next() (*types.RevToSend, error) {
	if f.sub == nil {
		return nil, nil
	}
	for ev := range f.sub {
		if ev.Type != events.EventDocumentWritten {
			continue
		}
		if ev.Metadata["external"] == "false" {
			continue // the replicator's own write, not a real local change
		}
		if ev.Metadata["collection"] != f.opts.Collection.String() {
			continue
		}
		doc, err := f.store.GetDocument(f.opts.Collection, ev.Metadata["docID"])
		if err != nil {
			continue
		}
		f.since = doc.Sequence
		rev, ok, err := f.gate(doc)
		if err != nil {
			return nil, err
		}
		if ok {
			return rev, nil
		}
	}
	return nil, nil
}

// Stop releases the continuous subscription, if any.
func (f *Feed) Stop() {
	if f.broker != nil && f.sub != nil {
		f.broker.Unsubscribe(f.sub)
		f.sub = nil
	}
}

// gate applies, in order: expiration, skip-deleted, docIDs filter,
// propose-changes remote-ancestor short-circuit, and the user push filter.
func (f *Feed) gate(doc *types.Document) (*types.RevToSend, bool, error) {
	if doc.Expiration != 0 && doc.Expiration <= time.Now().Unix() {
		return nil, false, nil
	}
	if f.opts.SkipDeleted && doc.Flags.Has(types.DocDeleted) {
		return nil, false, nil
	}
	if len(f.opts.DocIDs) > 0 && !contains(f.opts.DocIDs, doc.ID) {
		return nil, false, nil
	}

	if f.opts.ProposeChanges {
		known, ok, err := f.db.GetDocRemoteAncestor(f.opts.Collection, doc.ID, f.opts.RemoteDBID)
		if err != nil {
			return nil, false, err
		}
		if ok && known == doc.CurrentRevID {
			return nil, false, nil
		}
	}

	flags := revFlagsFromDoc(doc)

	var body []byte
	if f.opts.NeedsBody || f.opts.PushFilter != nil {
		var err error
		body, err = f.db.GetRaw(f.opts.Collection, doc.ID)
		if err != nil {
			return nil, false, err
		}
	}

	if f.opts.PushFilter != nil && !f.opts.PushFilter(doc.ID, doc.CurrentRevID, flags, body) {
		return nil, false, nil
	}

	return &types.RevToSend{
		DocID:    doc.ID,
		RevID:    doc.CurrentRevID,
		Sequence: doc.Sequence,
		History:  capHistory(doc.History, tuning.MaxPossibleAncestors*2),
		Flags:    flags,
		BodySize: len(body),
	}, true, nil
}

func revFlagsFromDoc(doc *types.Document) types.RevFlags {
	var flags types.RevFlags
	if doc.Flags.Has(types.DocDeleted) {
		flags |= types.RevDeleted
	}
	if doc.Flags.Has(types.DocHasAttachments) {
		flags |= types.RevHasAttachments
	}
	if doc.Flags.Has(types.DocConflicted) {
		flags |= types.RevIsConflict
	}
	return flags
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func capHistory(history []types.RevID, max int) []types.RevID {
	if len(history) <= max {
		return history
	}
	return history[:max]
}
