// Package checkpoint tracks push/pull sync progress for one collection
// and derives the stable checkpoint document ID two peers agree on
// without any prior handshake.
package checkpoint

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/revsync/pkg/storage"
	"github.com/cuemby/revsync/pkg/types"
)

// DeriveID computes the checkpoint document ID from the values that must
// agree for two checkpoints to refer to the same logical sync state:
// local peer UUID, remote identity, channel filter, named filter, filter
// params, and docID filter. Both peers compute the same ID independently,
// the way the teacher's loadbalancer keys round-robin state by service
// name rather than negotiating a shared key.
func DeriveID(localPeerUUID, remoteIdentity string, channels []string, filterName string, filterParams map[string]string, docIDs []string) string {
	enc := canonicalEncode(localPeerUUID, remoteIdentity, channels, filterName, filterParams, docIDs)
	sum := sha1.Sum(enc)
	return "cp-" + base64.StdEncoding.EncodeToString(sum[:])
}

// canonicalEncode produces a deterministic byte encoding of the checkpoint
// identity tuple. JSON with sorted map keys stands in for the original's
// Fleece array encoding; either is deterministic and neither is part of
// the wire protocol, so the substitution is invisible to peers.
func canonicalEncode(localPeerUUID, remoteIdentity string, channels []string, filterName string, filterParams map[string]string, docIDs []string) []byte {
	type tuple struct {
		Local        string            `json:"local"`
		Remote       string            `json:"remote"`
		Channels     []string          `json:"channels,omitempty"`
		FilterName   string            `json:"filter,omitempty"`
		FilterParams map[string]string `json:"filterParams,omitempty"`
		DocIDs       []string          `json:"docIDs,omitempty"`
	}
	sortedChannels := append([]string(nil), channels...)
	sort.Strings(sortedChannels)
	sortedDocIDs := append([]string(nil), docIDs...)
	sort.Strings(sortedDocIDs)

	data, _ := json.Marshal(tuple{
		Local:        localPeerUUID,
		Remote:       remoteIdentity,
		Channels:     sortedChannels,
		FilterName:   filterName,
		FilterParams: filterParams,
		DocIDs:       sortedDocIDs,
	})
	return data
}

// RemoteSequenceSet records remote sequences that have been announced by
// the peer but not yet fully processed locally, in arrival order, so
// Since() reports the earliest one still outstanding.
type RemoteSequenceSet struct {
	mu      sync.Mutex
	order   []string // arrival order of sequence string-keys
	bodySz  map[string]int
	present map[string]bool
}

// NewRemoteSequenceSet returns an empty set.
func NewRemoteSequenceSet() *RemoteSequenceSet {
	return &RemoteSequenceSet{bodySz: make(map[string]int), present: make(map[string]bool)}
}

// Add records seq as outstanding, with bodySize used for progress totals.
func (s *RemoteSequenceSet) Add(seq types.RemoteSequence, bodySize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := seq.String()
	if s.present[key] {
		return
	}
	s.present[key] = true
	s.bodySz[key] = bodySize
	s.order = append(s.order, key)
}

// Remove clears seq from the outstanding set. wasEarliest is true if seq
// was the earliest outstanding entry (i.e. removing it may allow
// lastSequence to advance); bodySize is what was recorded in Add.
func (s *RemoteSequenceSet) Remove(seq types.RemoteSequence) (wasEarliest bool, bodySize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := seq.String()
	if !s.present[key] {
		return false, 0
	}
	wasEarliest = len(s.order) > 0 && s.order[0] == key
	bodySize = s.bodySz[key]
	delete(s.present, key)
	delete(s.bodySz, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return wasEarliest, bodySize
}

// Since returns true and the earliest outstanding sequence key, or false
// if the set is empty.
func (s *RemoteSequenceSet) Since() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return "", false
	}
	return s.order[0], true
}

// Len reports the number of outstanding sequences.
func (s *RemoteSequenceSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Checkpointer tracks push and pull progress for one collection and
// persists it to a Store under a derived checkpoint ID.
type Checkpointer struct {
	mu sync.Mutex

	store        storage.Store
	checkpointID string

	localMin uint64          // last sequence fully offered+acked to the peer
	pending  map[uint64]bool // push-side: sent but not yet confirmed persisted remotely
	maxSeen  uint64          // highest sequence ever passed to AddPending

	remoteLastSequence string // pull-side: see RemoteLastSequence
	missing            *RemoteSequenceSet

	autosaveTimer *time.Timer
	autosaveDelay time.Duration
	saveFn        func(*Checkpointer) error
}

// New creates a Checkpointer for checkpointID against store.
func New(store storage.Store, checkpointID string) *Checkpointer {
	return &Checkpointer{
		store:        store,
		checkpointID: checkpointID,
		pending:      make(map[uint64]bool),
		missing:      NewRemoteSequenceSet(),
	}
}

// Read loads the persisted checkpoint. If reset is true, or none exists,
// the Checkpointer starts from zero and Read returns false.
func (c *Checkpointer) Read(reset bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reset {
		return false, nil
	}
	cp, err := c.store.GetLocalCheckpoint(c.checkpointID)
	if err != nil {
		return false, err
	}
	if cp == nil {
		return false, nil
	}
	c.localMin = cp.Local
	c.maxSeen = cp.Local
	c.remoteLastSequence = cp.Remote
	return true, nil
}

// ValidateWith reports whether remote's fields match this checkpointer's
// current persisted state. A mismatch means both sides must restart from
// zero rather than trust stale progress.
func (c *Checkpointer) ValidateWith(remote *types.Checkpoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return remote.Local == c.localMin && remote.Remote == c.remoteLastSequence
}

// Reset clears all progress, used after a failed ValidateWith.
func (c *Checkpointer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localMin = 0
	c.maxSeen = 0
	c.pending = make(map[uint64]bool)
	c.remoteLastSequence = ""
	c.missing = NewRemoteSequenceSet()
}

// LocalMin returns the last local sequence known persisted remotely.
func (c *Checkpointer) LocalMin() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localMin
}

// RemoteLastSequence returns the pull-side checkpoint value: the earliest
// remote sequence still outstanding, or, once none remain, the last one
// removed by RemoveRemote.
func (c *Checkpointer) RemoteLastSequence() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteLastSequence
}

// AddPending records sequence as sent but not yet confirmed persisted.
func (c *Checkpointer) AddPending(sequence uint64) {
	c.mu.Lock()
	c.pending[sequence] = true
	if sequence > c.maxSeen {
		c.maxSeen = sequence
	}
	c.mu.Unlock()
	c.scheduleAutosave()
}

// CompletePending marks sequence as confirmed, advancing localMin past
// any now-contiguous run of non-pending sequences up to maxSeen.
func (c *Checkpointer) CompletePending(sequence uint64) {
	c.mu.Lock()
	delete(c.pending, sequence)
	for c.localMin < c.maxSeen && !c.pending[c.localMin+1] {
		c.localMin++
	}
	c.mu.Unlock()
	c.scheduleAutosave()
}

// IsSequenceCompleted reports whether sequence is at or before localMin
// and not in the pending set.
func (c *Checkpointer) IsSequenceCompleted(sequence uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sequence > c.localMin {
		return false
	}
	return !c.pending[sequence]
}

// AddRemote records an outstanding remote sequence on the pull side.
func (c *Checkpointer) AddRemote(seq types.RemoteSequence, bodySize int) {
	c.missing.Add(seq, bodySize)
}

// RemoveRemote clears seq from the outstanding set, advancing
// remoteLastSequence if it was the earliest outstanding entry.
func (c *Checkpointer) RemoveRemote(seq types.RemoteSequence) (wasEarliest bool, bodySize int) {
	wasEarliest, bodySize = c.missing.Remove(seq)
	if wasEarliest {
		c.mu.Lock()
		if next, ok := c.missing.Since(); ok {
			c.remoteLastSequence = next
		} else {
			c.remoteLastSequence = seq.String()
		}
		c.mu.Unlock()
		c.scheduleAutosave()
	}
	return wasEarliest, bodySize
}

// EnableAutosave arranges for Save to run delay after any mutation,
// debounced so consecutive mutations only trigger one save.
func (c *Checkpointer) EnableAutosave(delay time.Duration, saveFn func(*Checkpointer) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autosaveDelay = delay
	c.saveFn = saveFn
}

func (c *Checkpointer) scheduleAutosave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saveFn == nil || c.autosaveTimer != nil {
		return
	}
	c.autosaveTimer = time.AfterFunc(c.autosaveDelay, func() {
		c.mu.Lock()
		c.autosaveTimer = nil
		fn := c.saveFn
		c.mu.Unlock()
		if fn != nil {
			fn(c)
		}
	})
}

// Save persists the current checkpoint state.
func (c *Checkpointer) Save() error {
	c.mu.Lock()
	cp := &types.Checkpoint{Local: c.localMin, Remote: c.remoteLastSequence}
	id := c.checkpointID
	c.mu.Unlock()
	return c.store.SetLocalCheckpoint(id, cp)
}
