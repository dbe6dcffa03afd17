// Package puller drives the pull half of a replication: it subscribes
// to the peer's changes, dispatches rev/norev to a single
// incomingrev.Worker, and maintains the set of outstanding
// remote sequences that gates checkpoint advancement.
package puller

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/revsync/pkg/checkpoint"
	"github.com/cuemby/revsync/pkg/dbaccess"
	"github.com/cuemby/revsync/pkg/incomingrev"
	"github.com/cuemby/revsync/pkg/inserter"
	"github.com/cuemby/revsync/pkg/log"
	"github.com/cuemby/revsync/pkg/metrics"
	"github.com/cuemby/revsync/pkg/rerror"
	"github.com/cuemby/revsync/pkg/revfinder"
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

// Options configures one Puller.
type Options struct {
	Collection  types.Collection
	RemoteDBID  uint32
	Continuous  bool
	SkipDeleted bool
	Channels    []string
	FilterName  string
	DocIDs      []string
	// IsVector selects proposeChanges framing for the inbound changes
	// message (version-vector peers) instead of the tree scheme's changes.
	IsVector bool
}

// Puller drives the pull half for one collection, registering itself as
// the handler for the peer's changes/proposeChanges and rev/norev
// requests on sender.
type Puller struct {
	mu sync.Mutex

	db     *dbaccess.DBAccess
	sender transport.Sender
	finder *revfinder.Finder
	cp     *checkpoint.Checkpointer
	ins    *inserter.Inserter
	worker *incomingrev.Worker
	opts   Options
	logger zerolog.Logger

	state                  State
	pendingRevMessages     int
	activeIncomingRevs     int
	unfinishedIncomingRevs int
	caughtUp               bool

	docEndedCh chan types.DocEnded
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// New creates a Puller and registers its wire handlers on sender.
// docEnded receives every revision that fails.
func New(db *dbaccess.DBAccess, sender transport.Sender, finder *revfinder.Finder, cp *checkpoint.Checkpointer, ins *inserter.Inserter, worker *incomingrev.Worker, opts Options, docEnded chan types.DocEnded) *Puller {
	p := &Puller{
		db:         db,
		sender:     sender,
		finder:     finder,
		cp:         cp,
		ins:        ins,
		worker:     worker,
		opts:       opts,
		logger:     log.WithComponent("puller").With().Str("collection", opts.Collection.String()).Logger(),
		docEndedCh: docEnded,
		stopCh:     make(chan struct{}),
	}
	changesProfile := "changes"
	if opts.IsVector {
		changesProfile = "proposeChanges"
	}
	sender.HandleProfile(changesProfile, p.handleChangesWire)
	sender.HandleProfile("rev", p.handleRev)
	sender.HandleProfile("norev", p.handleNoRev)
	return p
}

// Start sends the opening subChanges request.
func (p *Puller) Start(ctx context.Context) {
	p.setState(StateConnecting)
	go p.run(ctx)
}

// Stop halts the pull loop; safe to call more than once.
func (p *Puller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.ins.Flush()
	})
}

// State reports the current puller state.
func (p *Puller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Puller) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	metrics.ReplicatorStatus.WithLabelValues(p.opts.Collection.String(), "pull").Set(float64(s))
}

func (p *Puller) run(ctx context.Context) {
	p.setState(StateBusy)

	props := map[string]string{
		"since":      p.cp.RemoteLastSequence(),
		"batch":      strconv.Itoa(tuning.ChangesBatchSize),
		"collection": p.opts.Collection.String(),
	}
	if p.opts.Continuous {
		props["continuous"] = "true"
	}
	if p.opts.SkipDeleted {
		props["activeOnly"] = "true"
	}
	if p.opts.FilterName != "" {
		props["filter"] = p.opts.FilterName
	}
	if len(p.opts.Channels) > 0 {
		// Mirrors sync_gateway/bychannel's grammar: a comma-joined list,
		// the only filter grammar this implementation understands.
		props["channels"] = strings.Join(p.opts.Channels, ",")
	}
	var body []byte
	if len(p.opts.DocIDs) > 0 {
		body, _ = json.Marshal(map[string][]string{"docIDs": p.opts.DocIDs})
	}

	req := &transport.Message{Profile: "subChanges", Properties: props, Body: body}
	if _, err := p.sender.SendRequest(ctx, req); err != nil {
		p.logger.Warn().Err(err).Msg("subChanges failed")
		p.setState(StateStopped)
		return
	}

	select {
	case <-p.stopCh:
	case <-ctx.Done():
	}
	p.setState(StateStopped)
}

// handleChangesWire dispatches to the tree or vector-mode parser
// depending on how this Puller was configured, then shares the common
// RevFinder + checkpoint-bookkeeping path via respond.
func (p *Puller) handleChangesWire(ctx context.Context, req *transport.Message) *transport.Message {
	if p.opts.IsVector {
		return p.handleProposeChanges(ctx, req)
	}
	return p.handleChanges(ctx, req)
}

func (p *Puller) handleChanges(ctx context.Context, req *transport.Message) *transport.Message {
	var raw []json.RawMessage
	if err := json.Unmarshal(req.Body, &raw); err != nil {
		return transport.ErrorMessageCode(string(rerror.DomainFleece), string(rerror.CodeUnexpectedError), "malformed changes body")
	}
	if len(raw) == 0 {
		return p.handleCaughtUp()
	}

	entries := make([]revfinder.Entry, len(raw))
	seqs := make([]types.RemoteSequence, len(raw))
	bodySizes := make([]int, len(raw))
	for i, r := range raw {
		var tuple []json.RawMessage
		if err := json.Unmarshal(r, &tuple); err != nil || len(tuple) < 3 {
			return transport.ErrorMessageCode(string(rerror.DomainFleece), string(rerror.CodeUnexpectedError), "malformed change entry")
		}
		seqs[i] = parseRemoteSequence(tuple[0])
		var docID, revID string
		_ = json.Unmarshal(tuple[1], &docID)
		_ = json.Unmarshal(tuple[2], &revID)
		entries[i] = revfinder.Entry{DocID: docID, RevID: types.RevID(revID)}
		if len(tuple) > 3 {
			var deleted bool
			_ = json.Unmarshal(tuple[3], &deleted)
			entries[i].Deleted = deleted
		}
		if len(tuple) > 4 {
			var sz int
			_ = json.Unmarshal(tuple[4], &sz)
			bodySizes[i] = sz
		}
	}
	return p.respond(entries, seqs, bodySizes, false)
}

func (p *Puller) handleProposeChanges(ctx context.Context, req *transport.Message) *transport.Message {
	var raw []json.RawMessage
	if err := json.Unmarshal(req.Body, &raw); err != nil {
		return transport.ErrorMessageCode(string(rerror.DomainFleece), string(rerror.CodeUnexpectedError), "malformed proposeChanges body")
	}
	if len(raw) == 0 {
		return p.handleCaughtUp()
	}

	entries := make([]revfinder.Entry, len(raw))
	seqs := make([]types.RemoteSequence, len(raw))
	bodySizes := make([]int, len(raw))
	for i, r := range raw {
		var tuple []json.RawMessage
		if err := json.Unmarshal(r, &tuple); err != nil || len(tuple) < 2 {
			return transport.ErrorMessageCode(string(rerror.DomainFleece), string(rerror.CodeUnexpectedError), "malformed propose entry")
		}
		var docID, revID, parentRevID string
		_ = json.Unmarshal(tuple[0], &docID)
		_ = json.Unmarshal(tuple[1], &revID)
		if len(tuple) > 2 {
			_ = json.Unmarshal(tuple[2], &parentRevID)
		}
		entries[i] = revfinder.Entry{DocID: docID, RevID: types.RevID(revID), ParentRevID: types.RevID(parentRevID)}
		// proposeChanges carries no remote sequence of its own; arrival
		// order within this one request stands in for it.
		seqs[i] = types.RemoteSequence{Numeric: uint64(i) + 1}
		if len(tuple) > 3 {
			var sz int
			_ = json.Unmarshal(tuple[3], &sz)
			bodySizes[i] = sz
		}
	}
	return p.respond(entries, seqs, bodySizes, true)
}

// respond runs entries through the RevFinder, registers every wanted
// sequence as outstanding, advances the checkpoint past everything else,
// and encodes the parallel reply array the wire protocol expects.
func (p *Puller) respond(entries []revfinder.Entry, seqs []types.RemoteSequence, bodySizes []int, proposeChanges bool) *transport.Message {
	results, err := p.finder.FindOrRequestRevs(entries, proposeChanges)
	if err != nil {
		p.logger.Error().Err(err).Msg("revfinder failed")
		return transport.ErrorMessageCode(string(rerror.DomainLiteCore), string(rerror.CodeUnexpectedError), err.Error())
	}

	reply := make([]interface{}, len(results))
	for i, r := range results {
		switch r.Status {
		case revfinder.StatusWanted:
			p.mu.Lock()
			p.pendingRevMessages++
			p.mu.Unlock()
			p.cp.AddRemote(seqs[i], bodySizes[i])
			metrics.ChangesQueueDepth.WithLabelValues(p.opts.Collection.String()).Inc()
			if !proposeChanges && len(r.KnownAncestors) > 0 {
				strs := make([]string, len(r.KnownAncestors))
				for j, a := range r.KnownAncestors {
					strs[j] = string(a)
				}
				reply[i] = strs
			} else {
				reply[i] = 0
			}
		case revfinder.StatusConflict:
			reply[i] = 409
			p.completedSequence(seqs[i])
			p.reportDocEnded(entries[i].DocID, entries[i].RevID,
				rerror.New(rerror.DomainHTTP, rerror.CodeConflict, "conflicts with newer local revision", nil), false)
		default: // StatusHaveIt
			reply[i] = 304
			p.completedSequence(seqs[i])
		}
	}
	data, _ := json.Marshal(reply)
	return &transport.Message{Body: data}
}

// handleCaughtUp responds to an empty changes list: the peer has nothing
// more to offer right now. A continuous puller goes idle and waits for
// the next notification; a one-shot puller is done.
func (p *Puller) handleCaughtUp() *transport.Message {
	p.mu.Lock()
	p.caughtUp = true
	continuous := p.opts.Continuous
	p.mu.Unlock()

	if continuous {
		p.setState(StateIdle)
	} else {
		p.Stop()
	}
	empty, _ := json.Marshal([]int{})
	return &transport.Message{Body: empty}
}

// handleRev processes one inbound revision body. It runs the
// incomingrev.Worker inline: the Puller's own goroutine already serves
// as the pool slot the design calls for, since each wire request arrives
// on its own goroutine from the transport.
func (p *Puller) handleRev(ctx context.Context, req *transport.Message) *transport.Message {
	remoteSeq := types.RemoteSequence{Numeric: parseUint(req.Property("sequence"))}
	docID := req.Property("id")
	revID := types.RevID(req.Property("rev"))

	p.mu.Lock()
	p.pendingRevMessages--
	p.activeIncomingRevs++
	p.unfinishedIncomingRevs++
	p.mu.Unlock()

	revToInsert, err := p.worker.Process(ctx, req, remoteSeq)

	p.mu.Lock()
	p.activeIncomingRevs--
	p.mu.Unlock()

	if err != nil {
		p.mu.Lock()
		p.unfinishedIncomingRevs--
		p.mu.Unlock()

		if rerr, ok := err.(*rerror.Error); ok && rerr.Code == rerror.CodeDeltaBaseUnknown {
			// Leave the sequence outstanding: the peer resends this same
			// rev (without a delta) after seeing this error, and the
			// resend's sequence property matches what's already pending.
			p.logger.Warn().Str("doc_id", docID).Str("rev_id", string(revID)).Msg("delta base unknown, requesting full body")
			metrics.DeltaBaseUnknownTotal.WithLabelValues(p.opts.Collection.String()).Inc()
			return transport.ErrorMessageCode(string(rerror.DomainLiteCore), string(rerror.CodeDeltaBaseUnknown), err.Error())
		}

		if !rerror.Transient(err) {
			p.completedSequence(remoteSeq)
		}
		p.reportDocEnded(docID, revID, err, false)
		return transport.ErrorMessageCode(string(rerror.DomainLiteCore), string(rerror.CodeUnexpectedError), err.Error())
	}

	if revToInsert.Purged {
		p.reportDocEnded(docID, revID, nil, true)
	}
	revToInsert.Done = func(insErr error) {
		p.mu.Lock()
		p.unfinishedIncomingRevs--
		p.mu.Unlock()
		// A stuck revision keeps its sequence outstanding, so the
		// checkpoint never advances past it to later sequences;
		// completedSequence only moves lastSequence once this is the
		// earliest still-pending entry.
		p.completedSequence(remoteSeq)
		if insErr != nil {
			p.reportDocEnded(docID, revID, insErr, false)
		}
	}
	p.ins.Add(revToInsert)
	return nil
}

func (p *Puller) handleNoRev(ctx context.Context, req *transport.Message) *transport.Message {
	remoteSeq := types.RemoteSequence{Numeric: parseUint(req.Property("sequence"))}
	docID := req.Property("id")
	revID := types.RevID(req.Property("rev"))
	errMsg := req.Property("error")

	p.mu.Lock()
	p.pendingRevMessages--
	p.mu.Unlock()

	p.completedSequence(remoteSeq)
	p.reportDocEnded(docID, revID, rerror.New(rerror.DomainHTTP, rerror.CodeUnexpectedError, errMsg, nil), false)
	return nil
}

func (p *Puller) completedSequence(seq types.RemoteSequence) {
	wasEarliest, _ := p.cp.RemoveRemote(seq)
	if wasEarliest {
		p.logger.Debug().Str("remote_seq", seq.String()).Msg("checkpoint advanced")
	}
}

func (p *Puller) reportDocEnded(docID string, revID types.RevID, err error, purged bool) {
	if p.docEndedCh == nil {
		return
	}
	select {
	case p.docEndedCh <- types.DocEnded{DocID: docID, RevID: revID, Error: err, ErrorIsTransient: rerror.Transient(err), Purged: purged}:
	default:
	}
}

func parseRemoteSequence(raw json.RawMessage) types.RemoteSequence {
	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		return types.RemoteSequence{Numeric: n}
	}
	return types.RemoteSequence{JSON: append([]byte(nil), raw...), IsJSON: true}
}

func parseUint(s string) uint64 {
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}
