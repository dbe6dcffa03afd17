// Package inserter batches accepted incoming revisions and applies them
// in a single storage transaction, flushing on a debounce delay or a
// batch-size cap, whichever comes first.
package inserter

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/revsync/pkg/dbaccess"
	"github.com/cuemby/revsync/pkg/events"
	"github.com/cuemby/revsync/pkg/log"
	"github.com/cuemby/revsync/pkg/metrics"
	"github.com/cuemby/revsync/pkg/revcache"
	"github.com/cuemby/revsync/pkg/storage"
	"github.com/cuemby/revsync/pkg/tuning"
	"github.com/cuemby/revsync/pkg/types"
)

// Options configures an Inserter for one collection.
type Options struct {
	Collection types.Collection
}

// Inserter collects types.RevToInsert values and commits them together.
// Add is safe for concurrent use by multiple IncomingRev workers.
type Inserter struct {
	mu sync.Mutex

	db     *dbaccess.DBAccess
	cache  *revcache.Cache
	broker *events.Broker
	opts   Options
	logger zerolog.Logger

	queue []*types.RevToInsert
	timer *time.Timer
}

// New creates an Inserter. cache and broker may be nil.
func New(db *dbaccess.DBAccess, cache *revcache.Cache, broker *events.Broker, opts Options) *Inserter {
	return &Inserter{
		db:     db,
		cache:  cache,
		broker: broker,
		opts:   opts,
		logger: log.WithComponent("inserter").With().Str("collection", opts.Collection.String()).Logger(),
	}
}

// Add queues rev for the next flush. The batch flushes immediately once
// it reaches tuning.InsertionBatchSize, or otherwise tuning.InsertionDelay
// after the first revision was queued; later Adds do not restart the timer.
func (ins *Inserter) Add(rev *types.RevToInsert) {
	ins.mu.Lock()
	ins.queue = append(ins.queue, rev)
	full := len(ins.queue) >= tuning.InsertionBatchSize
	if full && ins.timer != nil {
		ins.timer.Stop()
		ins.timer = nil
	}
	if !full && ins.timer == nil {
		ins.timer = time.AfterFunc(tuning.InsertionDelay, ins.flush)
	}
	ins.mu.Unlock()

	if full {
		ins.flush()
	}
}

// Flush forces an immediate flush of whatever is queued. Used when the
// Puller stops, so nothing outstanding is lost waiting for the debounce.
func (ins *Inserter) Flush() { ins.flush() }

func (ins *Inserter) flush() {
	ins.mu.Lock()
	batch := ins.queue
	ins.queue = nil
	if ins.timer != nil {
		ins.timer.Stop()
		ins.timer = nil
	}
	ins.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	timer := metrics.NewTimer()
	err := ins.db.InTransaction(func(tx storage.Tx) error {
		// Remote-ancestor bookkeeping must be flushed before any insert
		// in this batch, so a delta base looked up mid-batch sees it.
		// MarkRevsSyncedNowTx (not MarkRevsSyncedNow) because tx is
		// already open and d.mu is already held by this InTransaction
		// call on this same goroutine.
		if err := ins.db.MarkRevsSyncedNowTx(tx); err != nil {
			return err
		}
		for _, rev := range batch {
			if rev.Purged {
				if err := tx.PurgeDocument(ins.opts.Collection, rev.DocID); err != nil {
					return err
				}
				continue
			}
			doc := &types.Document{
				ID:           rev.DocID,
				Collection:   ins.opts.Collection,
				CurrentRevID: rev.RevID,
				History:      append([]types.RevID{rev.RevID}, rev.History...),
				Flags:        docFlagsFromRev(rev),
				Body:         rev.Body,
			}
			if err := tx.PutDocument(doc); err != nil {
				return err
			}
			if err := tx.SetRemoteAncestor(ins.opts.Collection, rev.DocID, rev.RemoteDBID, rev.RevID); err != nil {
				return err
			}
		}
		return nil
	})
	timer.ObserveDuration(metrics.InserterBatchDuration)
	ins.finishBatch(batch, err)
}

func (ins *Inserter) finishBatch(batch []*types.RevToInsert, err error) {
	for _, rev := range batch {
		if err != nil {
			ins.logger.Error().Err(err).Str("doc_id", rev.DocID).Msg("insertion batch failed")
			if rev.Done != nil {
				rev.Done(err)
			}
			continue
		}
		if ins.cache != nil && !rev.Purged {
			ins.cache.Put(ins.opts.Collection, revcache.Entry{DocID: rev.DocID, RevID: rev.RevID, Body: rev.Body, Flags: rev.Flags})
		}
		metrics.RevsPulledTotal.WithLabelValues(ins.opts.Collection.String()).Inc()
		if ins.broker != nil && !rev.Purged {
			ins.broker.Publish(&events.Event{
				Type:    events.EventRevisionPulled,
				Message: rev.DocID,
				Metadata: map[string]string{
					"docID":      rev.DocID,
					"revID":      string(rev.RevID),
					"collection": ins.opts.Collection.String(),
					// Marks this write as the replicator's own, not a
					// local app change.
					"external": "false",
				},
			})
		}
		if rev.Done != nil {
			rev.Done(nil)
		}
	}
}

func docFlagsFromRev(rev *types.RevToInsert) types.DocFlags {
	f := types.DocExists
	if rev.Flags.Has(types.RevDeleted) {
		f |= types.DocDeleted
	}
	if rev.Flags.Has(types.RevHasAttachments) {
		f |= types.DocHasAttachments
	}
	if rev.Flags.Has(types.RevIsConflict) {
		f |= types.DocConflicted
	}
	return f
}
