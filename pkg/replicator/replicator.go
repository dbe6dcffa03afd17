// Package replicator is the top-level supervisor: it owns the transport,
// negotiates the collection set and checkpoints, builds a (Pusher?,
// Puller?, Checkpointer) triple per collection, routes inbound requests
// to the right one, and aggregates status for a delegate callback.
package replicator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/revsync/pkg/blobstore"
	"github.com/cuemby/revsync/pkg/changesfeed"
	"github.com/cuemby/revsync/pkg/checkpoint"
	"github.com/cuemby/revsync/pkg/dbaccess"
	"github.com/cuemby/revsync/pkg/events"
	"github.com/cuemby/revsync/pkg/incomingrev"
	"github.com/cuemby/revsync/pkg/inserter"
	"github.com/cuemby/revsync/pkg/log"
	"github.com/cuemby/revsync/pkg/metrics"
	"github.com/cuemby/revsync/pkg/puller"
	"github.com/cuemby/revsync/pkg/pusher"
	"github.com/cuemby/revsync/pkg/rerror"
	"github.com/cuemby/revsync/pkg/revcache"
	"github.com/cuemby/revsync/pkg/revfinder"
	"github.com/cuemby/revsync/pkg/storage"
	"github.com/cuemby/revsync/pkg/transport"
	"github.com/cuemby/revsync/pkg/tuning"
	"github.com/cuemby/revsync/pkg/types"
)

// Config wires a Replicator to its storage, transport, and shared caches.
// Cache and Blobs may be nil to disable delta-base caching / blob support.
type Config struct {
	Store storage.Store
	// Sender is the single underlying multiplexed connection. Replicator
	// hands each collection its own view of it so Pusher/Puller never
	// collide registering the same wire profile.
	Sender transport.Sender
	Broker *events.Broker
	Cache  *revcache.Cache
	Blobs  *blobstore.Store

	Collections []types.Collection // defaults to {types.DefaultCollection}

	// LocalPeerUUID and RemoteIdentity feed checkpoint.DeriveID. Active
	// is true for the side that opened the connection and drives the
	// getCollections/getCheckpoint negotiation; the passive side only
	// answers it.
	LocalPeerUUID  string
	RemoteIdentity string
	Active         bool

	// IsVector selects version-vector (proposeChanges) framing for every
	// collection instead of the tree scheme, for peers that negotiated it.
	IsVector bool

	Options  types.ReplicatorOptions
	Delegate func(types.Status)
}

// collState is everything Replicator tracks for one collection.
type collState struct {
	collection   types.Collection
	remoteDBID   uint32
	checkpointID string
	cp           *checkpoint.Checkpointer
	sender       *collectionSender

	mu        sync.Mutex
	pusher    *pusher.Pusher
	puller    *puller.Puller
	pushStart sync.Once
}

// Replicator orchestrates every configured collection's replication.
type Replicator struct {
	cfg Config
	db  *dbaccess.DBAccess

	registry    *profileRegistry
	collections map[string]*collState // keyed by collection.String()

	docEndedCh chan types.DocEnded
	stopCh     chan struct{}
	stopOnce   sync.Once

	statusMu   sync.Mutex
	lastNotify time.Time
	level      types.StatusLevel
	fatalErr   error

	logger zerolog.Logger
}

// New builds a Replicator. It does not contact the peer; call Start for
// that.
func New(cfg Config) (*Replicator, error) {
	if len(cfg.Collections) == 0 {
		cfg.Collections = []types.Collection{types.DefaultCollection}
	}
	remoteDBID, err := cfg.Store.RemoteDBID(cfg.RemoteIdentity)
	if err != nil {
		return nil, fmt.Errorf("replicator: failed to assign remote db id: %w", err)
	}

	r := &Replicator{
		cfg:         cfg,
		db:          dbaccess.New(cfg.Store),
		collections: make(map[string]*collState, len(cfg.Collections)),
		docEndedCh:  make(chan types.DocEnded, 256),
		stopCh:      make(chan struct{}),
		logger:      log.WithComponent("replicator"),
	}
	r.registry = newProfileRegistry(cfg.Sender, cfg.Collections)

	checkpointInterval := cfg.Options.CheckpointInterval
	if checkpointInterval <= 0 {
		checkpointInterval = time.Second
	}

	for _, c := range cfg.Collections {
		checkpointID := checkpoint.DeriveID(
			cfg.LocalPeerUUID,
			remoteIdentityForCollection(cfg.RemoteIdentity, c),
			cfg.Options.Channels,
			cfg.Options.FilterName,
			cfg.Options.FilterParams,
			cfg.Options.DocIDs,
		)
		cp := checkpoint.New(cfg.Store, checkpointID)
		if _, err := cp.Read(false); err != nil {
			return nil, fmt.Errorf("replicator: failed to read checkpoint for %s: %w", c, err)
		}
		cp.EnableAutosave(checkpointInterval, func(cp *checkpoint.Checkpointer) error {
			err := cp.Save()
			if err == nil {
				metrics.CheckpointSavesTotal.WithLabelValues(c.String()).Inc()
				metrics.CheckpointLagSeconds.WithLabelValues(c.String()).Set(0)
			}
			return err
		})

		cs := &collState{
			collection:   c,
			remoteDBID:   remoteDBID,
			checkpointID: checkpointID,
			cp:           cp,
			sender:       r.registry.senderFor(c),
		}
		r.collections[c.String()] = cs
	}

	// getCheckpoint/setCheckpoint/getCollections aren't per-collection
	// workers — Replicator answers them directly against the peer-
	// checkpoint store, so they're registered straight on the real sender.
	cfg.Sender.HandleProfile("getCheckpoint", r.handleGetCheckpoint)
	cfg.Sender.HandleProfile("setCheckpoint", r.handleSetCheckpoint)
	cfg.Sender.HandleProfile("getCollections", r.handleGetCollections)

	return r, nil
}

func remoteIdentityForCollection(remoteIdentity string, c types.Collection) string {
	if c == types.DefaultCollection {
		return remoteIdentity
	}
	return remoteIdentity + "|" + c.String()
}

// Start negotiates (if active) and brings up every configured
// collection's Pusher/Puller, then begins watching for fatal errors.
func (r *Replicator) Start(ctx context.Context) error {
	r.setLevel(types.StatusConnecting, nil)

	if r.cfg.Active {
		if err := r.negotiate(ctx); err != nil {
			r.fail(err)
			return err
		}
	}

	for _, cs := range r.collections {
		r.bringUp(ctx, cs)
	}

	go r.watchDocEnded(ctx)
	r.setLevel(types.StatusBusy, nil)
	return nil
}

// negotiate performs the active-side getCollections exchange (point 3 of
// the design), falling back to per-collection getCheckpoint exchanges for
// peers that don't implement getCollections.
func (r *Replicator) negotiate(ctx context.Context) error {
	paths := make([]string, 0, len(r.collections))
	checkpointIDs := make([]string, 0, len(r.collections))
	order := make([]*collState, 0, len(r.collections))
	for _, cs := range r.collections {
		paths = append(paths, cs.collection.String())
		checkpointIDs = append(checkpointIDs, cs.checkpointID)
		order = append(order, cs)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"checkpoint_ids": checkpointIDs,
		"collections":    paths,
	})
	resp, err := r.cfg.Sender.SendRequest(ctx, &transport.Message{Profile: "getCollections", Body: body})
	if err == nil && resp != nil && resp.Property("Error-Domain") == "" {
		var entries []json.RawMessage
		if err := json.Unmarshal(resp.Body, &entries); err != nil {
			return rerror.New(rerror.DomainFleece, rerror.CodeUnexpectedError, "malformed getCollections reply", err)
		}
		for i, raw := range entries {
			if i >= len(order) {
				break
			}
			if string(raw) == "null" {
				return rerror.New(rerror.DomainHTTP, rerror.CodeUnexpectedError,
					fmt.Sprintf("peer does not know collection %s", order[i].collection), nil)
			}
			var remote types.Checkpoint
			if err := json.Unmarshal(raw, &remote); err == nil && len(raw) > 2 {
				r.validateCheckpoint(order[i], &remote)
			}
		}
		return nil
	}

	// 3.0-compatible fallback: one getCheckpoint per collection, run
	// concurrently the way a multi-filesystem sender/receiver listing
	// would fan out per filesystem rather than serialize them.
	g, gctx := errgroup.WithContext(ctx)
	for _, cs := range order {
		cs := cs
		g.Go(func() error {
			req := &transport.Message{Profile: "getCheckpoint", Properties: map[string]string{
				"client":     cs.checkpointID,
				"collection": cs.collection.String(),
			}}
			resp, err := r.cfg.Sender.SendRequest(gctx, req)
			if err != nil {
				return nil // peer has no checkpoint yet; start from zero
			}
			if resp == nil || resp.Property("Error-Domain") != "" {
				return nil
			}
			var remote types.Checkpoint
			if err := json.Unmarshal(resp.Body, &remote); err == nil {
				r.validateCheckpoint(cs, &remote)
			}
			return nil
		})
	}
	return g.Wait()
}

// validateCheckpoint resets local progress if the peer's view of the
// checkpoint no longer matches ours (design point 4).
func (r *Replicator) validateCheckpoint(cs *collState, remote *types.Checkpoint) {
	if !cs.cp.ValidateWith(remote) {
		r.logger.Warn().Str("collection", cs.collection.String()).Msg("checkpoint mismatch, restarting from zero")
		cs.cp.Reset()
	}
}

// bringUp constructs and starts the Pusher and/or Puller for one
// collection, according to the configured push/pull direction.
func (r *Replicator) bringUp(ctx context.Context, cs *collState) {
	needsBody := !r.cfg.Options.DisableDeltas || r.cfg.Options.PushFilter != nil

	if r.cfg.Options.Push != types.DirectionDisabled {
		feed := changesfeed.New(r.db, r.cfg.Store, r.cfg.Broker, cs.cp.LocalMin(), changesfeed.Options{
			SkipDeleted:    r.cfg.Options.SkipDeleted,
			DocIDs:         r.cfg.Options.DocIDs,
			NeedsBody:      needsBody,
			PushFilter:     r.cfg.Options.PushFilter,
			ProposeChanges: r.cfg.IsVector,
			RemoteDBID:     cs.remoteDBID,
			Collection:     cs.collection,
		})
		if r.cfg.Options.Push == types.DirectionContinuous {
			feed.SubscribeContinuous()
		}
		blobs := r.cfg.Blobs
		if r.cfg.Options.DisableBlobSupport {
			blobs = nil
		}
		p := pusher.New(r.db, cs.sender, feed, cs.cp, r.cfg.Cache, blobs, pusher.Options{
			Collection:        cs.collection,
			RemoteDBID:        cs.remoteDBID,
			Continuous:        r.cfg.Options.Push == types.DirectionContinuous,
			IsVector:          r.cfg.IsVector,
			NoConflicts:       r.cfg.Options.NoIncomingConflicts,
			DisableDeltas:     r.cfg.Options.DisableDeltas,
			LegacyAttachments: false,
			PushFilter:        r.cfg.Options.PushFilter,
		}, r.docEndedCh)

		cs.mu.Lock()
		cs.pusher = p
		cs.mu.Unlock()

		if r.cfg.Options.Push == types.DirectionPassive {
			// Don't pump until the peer actually asks for our changes;
			// the collectionSender's own subChanges ack is replaced by
			// this one so the first request both starts the pump and
			// answers the handshake.
			cs.sender.HandleProfile("subChanges", func(reqCtx context.Context, req *transport.Message) *transport.Message {
				// p.Start spawns a goroutine that outlives this single
				// request, so it must run against the session's long-lived
				// ctx, not the request-scoped one the handler receives.
				cs.pushStart.Do(func() { p.Start(ctx) })
				return &transport.Message{}
			})
		} else {
			p.Start(ctx)
		}
	}

	if r.cfg.Options.Pull == types.DirectionOneShot || r.cfg.Options.Pull == types.DirectionContinuous {
		finder := revfinder.New(r.db, r.cfg.Store, cs.collection, cs.remoteDBID)
		ins := inserter.New(r.db, r.cfg.Cache, r.cfg.Broker, inserter.Options{Collection: cs.collection})
		blobs := r.cfg.Blobs
		if r.cfg.Options.DisableBlobSupport {
			blobs = nil
		}
		worker := incomingrev.New(r.db, r.cfg.Cache, blobs, cs.sender, incomingrev.Options{
			Collection: cs.collection,
			RemoteDBID: cs.remoteDBID,
			PullFilter: r.cfg.Options.PullFilter,
		})
		pl := puller.New(r.db, cs.sender, finder, cs.cp, ins, worker, puller.Options{
			Collection:  cs.collection,
			RemoteDBID:  cs.remoteDBID,
			Continuous:  r.cfg.Options.Pull == types.DirectionContinuous,
			SkipDeleted: r.cfg.Options.SkipDeleted,
			Channels:    r.cfg.Options.Channels,
			FilterName:  r.cfg.Options.FilterName,
			DocIDs:      r.cfg.Options.DocIDs,
			IsVector:    r.cfg.IsVector,
		}, r.docEndedCh)

		cs.mu.Lock()
		cs.puller = pl
		cs.mu.Unlock()
		pl.Start(ctx)
	}
	// Pull == Passive has no local trigger in this wire protocol: nothing
	// asks us to start pulling, so it behaves like Disabled here. A real
	// passive pull would need an out-of-band signal this design doesn't have.
}

// watchDocEnded drains every Pusher/Puller's doc-ended stream, tearing
// the whole replicator down on a fatal error (design point 8's fatal list).
func (r *Replicator) watchDocEnded(ctx context.Context) {
	for {
		select {
		case de := <-r.docEndedCh:
			if de.Error != nil {
				if rerror.IsFatal(de.Error) {
					r.fail(de.Error)
					return
				}
				r.logger.Warn().Str("doc_id", de.DocID).Str("rev_id", string(de.RevID)).Err(de.Error).Msg("doc ended with error")
			}
			r.setLevel(types.StatusBusy, nil)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Replicator) fail(err error) {
	r.setLevel(types.StatusOffline, err)
	r.Stop()
}

// Stop tears down every collection's workers, flushes checkpoints, and
// fires the final status. Safe to call more than once.
func (r *Replicator) Stop() {
	r.stopOnce.Do(func() {
		for _, cs := range r.collections {
			cs.mu.Lock()
			p, pl := cs.pusher, cs.puller
			cs.mu.Unlock()
			if p != nil {
				p.Stop()
			}
			if pl != nil {
				pl.Stop()
			}
			if err := cs.cp.Save(); err != nil {
				r.logger.Error().Err(err).Str("collection", cs.collection.String()).Msg("failed to save checkpoint")
			}
		}
		close(r.stopCh)
		r.setLevel(types.StatusStopped, r.fatalErr)
	})
}

// setLevel updates aggregate status and notifies the delegate, rate
// limited to tuning.MinDelegateCallInterval except for terminal states.
func (r *Replicator) setLevel(level types.StatusLevel, err error) {
	r.statusMu.Lock()
	r.level = level
	if err != nil {
		r.fatalErr = err
	}
	terminal := level == types.StatusStopped || level == types.StatusOffline
	now := time.Now()
	due := terminal || now.Sub(r.lastNotify) >= tuning.MinDelegateCallInterval
	if due {
		r.lastNotify = now
	}
	delegate := r.cfg.Delegate
	status := types.Status{Level: level, Error: err}
	r.statusMu.Unlock()

	if due && delegate != nil {
		delegate(status)
	}
}

// handleGetCheckpoint serves a peer's getCheckpoint request against the
// peer-checkpoint store (passive role, design point 8).
func (r *Replicator) handleGetCheckpoint(ctx context.Context, req *transport.Message) *transport.Message {
	clientID := req.Property("client")
	rev, body, err := r.cfg.Store.GetPeerCheckpoint(clientID)
	if err != nil {
		return transport.ErrorMessageCode(string(rerror.DomainHTTP), "404", "no checkpoint for "+clientID)
	}
	return &transport.Message{Properties: map[string]string{"rev": rev}, Body: body}
}

// handleSetCheckpoint serves a peer's setCheckpoint request, enforcing
// the client-supplied MVCC rev.
func (r *Replicator) handleSetCheckpoint(ctx context.Context, req *transport.Message) *transport.Message {
	clientID := req.Property("client")
	matchRev := req.Property("rev")
	newRev, err := r.cfg.Store.SetPeerCheckpoint(clientID, matchRev, req.Body)
	if err != nil {
		return transport.ErrorMessageCode(string(rerror.DomainHTTP), "409", "checkpoint revision conflict")
	}
	return &transport.Message{Properties: map[string]string{"rev": newRev}}
}

// handleGetCollections answers an active peer's negotiation request with
// one local checkpoint dict per requested collection path (or null for
// one this replicator wasn't configured with).
func (r *Replicator) handleGetCollections(ctx context.Context, req *transport.Message) *transport.Message {
	var ask struct {
		CheckpointIDs []string `json:"checkpoint_ids"`
		Collections   []string `json:"collections"`
	}
	if err := json.Unmarshal(req.Body, &ask); err != nil {
		return transport.ErrorMessageCode(string(rerror.DomainFleece), string(rerror.CodeUnexpectedError), "malformed getCollections request")
	}

	reply := make([]interface{}, len(ask.Collections))
	for i, path := range ask.Collections {
		cs, ok := r.collections[path]
		if !ok {
			reply[i] = nil
			continue
		}
		reply[i] = types.Checkpoint{Local: cs.cp.LocalMin(), Remote: cs.cp.RemoteLastSequence()}
	}
	data, _ := json.Marshal(reply)
	return &transport.Message{Body: data}
}
