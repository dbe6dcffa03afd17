// Package pusher drives the push half of a replication: it pulls
// candidates from a changesfeed.Feed, negotiates which the peer wants,
// sends rev messages (optionally as deltas), and retries or retires them
// based on the peer's reply.
package pusher

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/revsync/pkg/blobstore"
	"github.com/cuemby/revsync/pkg/changesfeed"
	"github.com/cuemby/revsync/pkg/checkpoint"
	"github.com/cuemby/revsync/pkg/dbaccess"
	"github.com/cuemby/revsync/pkg/delta"
	"github.com/cuemby/revsync/pkg/log"
	"github.com/cuemby/revsync/pkg/metrics"
	"github.com/cuemby/revsync/pkg/rerror"
	"github.com/cuemby/revsync/pkg/revcache"
	"github.com/cuemby/revsync/pkg/revid"
	"github.com/cuemby/revsync/pkg/transport"
	"github.com/cuemby/revsync/pkg/tuning"
	"github.com/cuemby/revsync/pkg/types"
)

// State mirrors the design's Stopped/Connecting/Busy/Idle state machine.
type State int

const (
	StateStopped State = iota
	StateConnecting
	StateBusy
	StateIdle
)

// Options configures one Pusher.
type Options struct {
	Collection    types.Collection
	RemoteDBID    uint32
	Continuous    bool
	IsVector      bool // true when the peer negotiated the version-vector scheme
	NoConflicts   bool
	DisableDeltas bool
	// LegacyAttachments transforms outgoing bodies into the pre-3.0
	// top-level "_attachments" layout, for peers that don't understand
	// inline "@type":"blob" references.
	LegacyAttachments bool
	PushFilter        func(docID string, revID types.RevID, flags types.RevFlags, body []byte) bool
}

// Pusher drives the push half for one collection.
type Pusher struct {
	mu sync.Mutex

	db     *dbaccess.DBAccess
	sender transport.Sender
	feed   *changesfeed.Feed
	cp     *checkpoint.Checkpointer
	cache  *revcache.Cache
	blobs  *blobstore.Store
	opts   Options
	logger zerolog.Logger

	state                 State
	queuedRevs            []*types.RevToSend
	pushingDocs           map[string]*types.RevToSend // docID -> stashed next revision while one is in flight
	revsInFlight          int
	revBytesAwaitingReply int
	changeListsInFlight   int
	historicalDrained     bool

	docEndedCh chan types.DocEnded
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// New creates a Pusher. docEnded receives every revision that fails.
// blobs may be nil if attachment support is disabled, in which case the
// Pusher registers no getAttachment/proveAttachment handlers.
func New(db *dbaccess.DBAccess, sender transport.Sender, feed *changesfeed.Feed, cp *checkpoint.Checkpointer, cache *revcache.Cache, blobs *blobstore.Store, opts Options, docEnded chan types.DocEnded) *Pusher {
	p := &Pusher{
		db:          db,
		sender:      sender,
		feed:        feed,
		cp:          cp,
		cache:       cache,
		blobs:       blobs,
		opts:        opts,
		logger:      log.WithComponent("pusher").With().Str("collection", opts.Collection.String()).Logger(),
		pushingDocs: make(map[string]*types.RevToSend),
		docEndedCh:  docEnded,
		stopCh:      make(chan struct{}),
	}
	if blobs != nil {
		sender.HandleProfile("getAttachment", p.handleGetAttachment)
		sender.HandleProfile("proveAttachment", p.handleProveAttachment)
	}
	sender.HandleProfile("subChanges", p.handleSubChanges)
	return p
}

// handleSubChanges acknowledges the peer's subscription request. The
// Pusher's own pump loop already drives sending independently of this
// request; the handshake exists so a peer Puller's SendRequest succeeds.
func (p *Pusher) handleSubChanges(ctx context.Context, req *transport.Message) *transport.Message {
	return &transport.Message{}
}

// handleGetAttachment streams a locally stored blob's content back as
// the reply body, for a peer that doesn't yet have it.
func (p *Pusher) handleGetAttachment(ctx context.Context, req *transport.Message) *transport.Message {
	digest := req.Property("digest")
	r, err := p.blobs.OpenRead(digest)
	if err != nil {
		return transport.ErrorMessageCode(string(rerror.DomainLiteCore), string(rerror.CodeNotFound), err.Error())
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		return transport.ErrorMessageCode(string(rerror.DomainLiteCore), string(rerror.CodeUnexpectedError), err.Error())
	}
	metrics.BlobBytesTransferredTotal.WithLabelValues("push").Add(float64(len(content)))
	return &transport.Message{Body: content}
}

// handleProveAttachment responds with an HMAC of the peer's nonce over a
// locally stored blob's content, demonstrating possession without
// transferring it.
func (p *Pusher) handleProveAttachment(ctx context.Context, req *transport.Message) *transport.Message {
	digest := req.Property("digest")
	r, err := p.blobs.OpenRead(digest)
	if err != nil {
		return transport.ErrorMessageCode(string(rerror.DomainLiteCore), string(rerror.CodeNotFound), err.Error())
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		return transport.ErrorMessageCode(string(rerror.DomainLiteCore), string(rerror.CodeUnexpectedError), err.Error())
	}
	mac := hmac.New(sha1.New, content)
	mac.Write(req.Body)
	return &transport.Message{Body: mac.Sum(nil)}
}

// Start begins the push loop.
func (p *Pusher) Start(ctx context.Context) {
	p.setState(StateConnecting)
	go p.run(ctx)
}

// Stop halts the push loop; safe to call more than once.
func (p *Pusher) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Pusher) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	metrics.ReplicatorStatus.WithLabelValues(p.opts.Collection.String(), "push").Set(float64(s))
}

// State reports the current pusher state.
func (p *Pusher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pusher) run(ctx context.Context) {
	p.setState(StateBusy)
	ticker := time.NewTicker(50 * time.Millisecond) // periodic "send more" tick
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			p.setState(StateStopped)
			return
		case <-ctx.Done():
			p.setState(StateStopped)
			return
		case <-ticker.C:
			p.pump(ctx)
		}
	}
}

// pump drives one iteration: pull more candidates if under caps, then
// send queued revision bodies if under caps.
func (p *Pusher) pump(ctx context.Context) {
	p.maybeRequestMoreChanges(ctx)
	p.maybeSendRevs(ctx)

	p.mu.Lock()
	idle := p.historicalDrained && len(p.queuedRevs) == 0 && p.revsInFlight == 0 && len(p.pushingDocs) == 0
	continuous := p.opts.Continuous
	p.mu.Unlock()

	if idle {
		if continuous {
			p.setState(StateIdle)
		} else {
			p.Stop()
		}
	} else {
		p.setState(StateBusy)
	}
}

func (p *Pusher) maybeRequestMoreChanges(ctx context.Context) {
	p.mu.Lock()
	if p.changeListsInFlight >= tuning.MaxChangeListsInFlight || len(p.queuedRevs) >= tuning.MaxRevsQueued || p.historicalDrained {
		p.mu.Unlock()
		return
	}
	p.changeListsInFlight++
	p.mu.Unlock()

	candidates, err := p.feed.DrainHistorical()
	exhausted := p.feed.Exhausted(len(candidates))

	p.mu.Lock()
	p.changeListsInFlight--
	if exhausted {
		p.historicalDrained = true
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Error().Err(err).Msg("changes feed drain failed")
		return
	}
	if len(candidates) == 0 {
		return
	}
	p.sendChangeList(ctx, candidates)
}

func (p *Pusher) sendChangeList(ctx context.Context, candidates []*types.RevToSend) {
	profile := "changes"
	body := make([][]interface{}, len(candidates))
	for i, c := range candidates {
		body[i] = []interface{}{c.Sequence, c.DocID, string(c.RevID), c.Flags.Has(types.RevDeleted), c.BodySize}
	}
	if p.opts.IsVector {
		profile = "proposeChanges"
		for i, c := range candidates {
			entry := []interface{}{c.DocID, string(c.RevID)}
			body[i] = entry
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to encode change list")
		return
	}

	req := &transport.Message{
		Profile:    profile,
		Properties: map[string]string{"collection": p.opts.Collection.String()},
		Body:       payload,
		Urgent:     true,
	}
	resp, err := p.sender.SendRequest(ctx, req)
	if err != nil {
		p.logger.Warn().Err(err).Msg("change list request failed")
		return
	}
	p.handleChangeListReply(candidates, resp)
}

// handleChangeListReply walks the parallel reply array: 0 → enqueue for
// body send, a JSON array → enqueue for body send as well (the listed
// ancestors are not recorded anywhere), a positive integer → fail that
// revision.
func (p *Pusher) handleChangeListReply(candidates []*types.RevToSend, resp *transport.Message) {
	var entries []json.RawMessage
	if err := json.Unmarshal(resp.Body, &entries); err != nil {
		p.logger.Error().Err(err).Msg("malformed change list reply")
		return
	}
	for i, raw := range entries {
		if i >= len(candidates) {
			break
		}
		c := candidates[i]

		var code int
		if err := json.Unmarshal(raw, &code); err == nil {
			if code == 0 {
				p.enqueue(c)
			} else {
				p.failRevision(c, rerror.New(rerror.DomainHTTP, rerror.CodeUnexpectedError, fmt.Sprintf("rejected with status %d", code), nil), false)
			}
			continue
		}
		// A JSON array of ancestor revIDs: recorded as a delta-base hint.
		// Stored on the cache under a synthetic "ancestors" marker key is
		// unnecessary here since DeltaBase selection happens at send time
		// from storage's own history; the reply's value is informational
		// only for peers that want to pick among several ancestors.
		p.enqueue(c)
	}
}

func (p *Pusher) enqueue(rev *types.RevToSend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, busy := p.pushingDocs[rev.DocID]; busy {
		_ = existing
		p.pushingDocs[rev.DocID] = rev
		return
	}
	p.pushingDocs[rev.DocID] = nil
	p.queuedRevs = append(p.queuedRevs, rev)
	p.cp.AddPending(rev.Sequence)
}

func (p *Pusher) maybeSendRevs(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.revsInFlight >= tuning.MaxRevsInFlight ||
			p.revBytesAwaitingReply >= tuning.MaxRevBytesAwaitingReply ||
			len(p.queuedRevs) == 0 {
			p.mu.Unlock()
			return
		}
		rev := p.queuedRevs[0]
		p.queuedRevs = p.queuedRevs[1:]
		p.revsInFlight++
		p.revBytesAwaitingReply += rev.BodySize
		p.mu.Unlock()

		go p.sendRev(ctx, rev)
	}
}

func (p *Pusher) sendRev(ctx context.Context, rev *types.RevToSend) {
	doc, err := p.db.GetDoc(p.opts.Collection, rev.DocID)
	if err != nil {
		p.completeRev(rev, rerror.NetworkDependent(err))
		p.failRevision(rev, err, false)
		return
	}

	props := map[string]string{
		"id":         rev.DocID,
		"rev":        string(rev.RevID),
		"sequence":   fmt.Sprintf("%d", rev.Sequence),
		"collection": p.opts.Collection.String(),
	}
	if rev.Flags.Has(types.RevDeleted) {
		props["deleted"] = "true"
	}
	if p.opts.NoConflicts {
		props["noConflicts"] = "true"
	}
	if hist := historyJSON(rev.History); hist != "" {
		props["history"] = hist
	}

	body := doc.Body
	if p.opts.LegacyAttachments {
		if transformed, err := dbaccess.TransformLegacyAttachments(body, revid.Generation(rev.RevID)); err == nil {
			body = transformed
		}
	}
	if !p.opts.DisableDeltas && !rev.NoDelta && len(body) >= tuning.MinBodySizeForDelta {
		if baseRevID, base, ok := p.deltaBase(rev); ok {
			if patch, err := delta.Compute(base, body); err == nil && len(patch) <= (len(body)*12)/10 {
				props["deltaSrc"] = string(baseRevID)
				body = patch
				metrics.DeltasSentTotal.WithLabelValues(p.opts.Collection.String()).Inc()
				metrics.DeltaBytesSaved.WithLabelValues(p.opts.Collection.String()).Add(float64(len(doc.Body) - len(patch)))
			}
		}
	}

	req := &transport.Message{Profile: "rev", Properties: props, Body: body}
	resp, err := p.sender.SendRequest(ctx, req)
	if err != nil {
		p.completeRev(rev, true)
		p.retryRevision(rev)
		return
	}
	if resp != nil && resp.Property("Error-Domain") != "" {
		p.handleRevError(rev, resp)
		return
	}
	p.onRevAccepted(rev)
}

func (p *Pusher) deltaBase(rev *types.RevToSend) (types.RevID, []byte, bool) {
	if p.cache == nil {
		return "", nil, false
	}
	for _, ancestor := range rev.History {
		if entry, ok := p.cache.Get(p.opts.Collection, rev.DocID, ancestor); ok {
			return ancestor, entry.Body, true
		}
	}
	return "", nil, false
}

func (p *Pusher) onRevAccepted(rev *types.RevToSend) {
	p.completeRev(rev, false)
	p.db.SetDocRemoteAncestor(p.opts.Collection, rev.DocID, p.opts.RemoteDBID, rev.RevID)
	p.cp.CompletePending(rev.Sequence)
	metrics.RevsPushedTotal.WithLabelValues(p.opts.Collection.String()).Inc()
	p.advanceStashedDoc(rev.DocID)
}

func (p *Pusher) handleRevError(rev *types.RevToSend, resp *transport.Message) {
	code := resp.Property("Error-Code")
	domain := resp.Property("Error-Domain")

	// The peer couldn't find our delta base in its history: retry with
	// the full body rather than treating this as a failed revision.
	if rerror.Code(code) == rerror.CodeDeltaBaseUnknown {
		rev.NoDelta = true
		p.completeRev(rev, true)
		metrics.DeltaBaseUnknownTotal.WithLabelValues(p.opts.Collection.String()).Inc()
		p.retryRevision(rev)
		return
	}

	err := rerror.New(rerror.Domain(domain), rerror.Code(code), string(resp.Body), nil)
	transient := rerror.Transient(err)
	p.completeRev(rev, transient)
	if transient {
		p.retryRevision(rev)
	} else {
		p.failRevision(rev, err, false)
	}
}

func (p *Pusher) retryRevision(rev *types.RevToSend) {
	rev.Retries++
	delay := time.Duration(rev.Retries) * 500 * time.Millisecond
	time.AfterFunc(delay, func() {
		p.mu.Lock()
		p.queuedRevs = append(p.queuedRevs, rev)
		p.mu.Unlock()
	})
}

func (p *Pusher) failRevision(rev *types.RevToSend, err error, purged bool) {
	p.cp.CompletePending(rev.Sequence)
	metrics.RevsRejectedTotal.WithLabelValues(p.opts.Collection.String()).Inc()
	if p.docEndedCh != nil {
		select {
		case p.docEndedCh <- types.DocEnded{DocID: rev.DocID, RevID: rev.RevID, Flags: rev.Flags, Error: err, ErrorIsTransient: rerror.Transient(err), Purged: purged}:
		default:
		}
	}
	p.advanceStashedDoc(rev.DocID)
}

func (p *Pusher) completeRev(rev *types.RevToSend, keepPending bool) {
	p.mu.Lock()
	p.revsInFlight--
	p.revBytesAwaitingReply -= rev.BodySize
	p.mu.Unlock()
	_ = keepPending
}

func (p *Pusher) advanceStashedDoc(docID string) {
	p.mu.Lock()
	next := p.pushingDocs[docID]
	if next == nil {
		delete(p.pushingDocs, docID)
		p.mu.Unlock()
		return
	}
	p.pushingDocs[docID] = nil
	p.queuedRevs = append(p.queuedRevs, next)
	p.mu.Unlock()
}

func historyJSON(history []types.RevID) string {
	if len(history) == 0 {
		return ""
	}
	strs := make([]string, len(history))
	for i, h := range history {
		strs[i] = string(h)
	}
	data, _ := json.Marshal(strs)
	return string(data)
}
