package types

import "time"

// Collection identifies a named, scoped document collection (e.g. the
// default collection is {Scope: "_default", Name: "_default"}).
type Collection struct {
	Scope string
	Name  string
}

// String returns the dotted "scope.name" form used in BLIP `collection`
// properties.
func (c Collection) String() string {
	if c.Scope == "" && c.Name == "" {
		return ""
	}
	return c.Scope + "." + c.Name
}

// DefaultCollection is used when a peer negotiates no explicit collections.
var DefaultCollection = Collection{Scope: "_default", Name: "_default"}

// RevID is a revision identifier in either the tree scheme
// ("<generation>-<digest>") or the version-vector scheme
// ("<logicalTime>@<peerID>[,...]", youngest first).
type RevID string

// RevFlags describes per-revision bits carried alongside a revision body.
type RevFlags uint8

const (
	RevDeleted RevFlags = 1 << iota
	RevHasAttachments
	RevKeepBody
	RevIsConflict
	RevClosed
)

func (f RevFlags) Has(bit RevFlags) bool { return f&bit != 0 }

// DocFlags describes per-document bits.
type DocFlags uint8

const (
	DocExists DocFlags = 1 << iota
	DocDeleted
	DocConflicted
	DocHasAttachments
	DocSynced
)

func (f DocFlags) Has(bit DocFlags) bool { return f&bit != 0 }

// Revision is a single version of a document's content.
type Revision struct {
	ID       RevID
	Parent   RevID // empty for the tree root, or always empty in vector mode
	Body     []byte
	Flags    RevFlags
	Sequence uint64
}

// Document is the rooted tree (or version-vector set) of Revisions
// identified by DocID within a Collection.
type Document struct {
	ID           string
	Collection   Collection
	Sequence     uint64
	CurrentRevID RevID
	Flags        DocFlags
	// History lists known ancestor RevIDs, current revision first, oldest
	// last, capped by the caller (e.g. to tuning.MaxPossibleAncestors).
	History []RevID
	Body    []byte
	// Expiration is a Unix timestamp past which the document is no longer
	// offered to peers; zero means no expiration.
	Expiration int64
}

// RemoteAncestor records, for one (docID, remoteDBID) pair, the most
// recent revision the named peer is known to have.
type RemoteAncestor struct {
	DocID      string
	RemoteDBID uint32
	RevID      RevID
}

// BlobRef is a content-addressed binary payload reference embedded in a
// document body via `@type: "blob"`.
type BlobRef struct {
	Digest      string
	Length      uint64
	ContentType string
	Encoding    string
}

// RemoteSequence is the peer-supplied change cursor. It is either a plain
// uint64 or an arbitrary JSON value; it is never reinterpreted. Ordering
// between RemoteSequence values is by arrival, tracked externally by
// pkg/checkpoint's RemoteSequenceSet, not by any field of this struct.
type RemoteSequence struct {
	Numeric uint64
	JSON    []byte // non-nil when the peer sent a non-numeric cursor
	IsJSON  bool
}

// String renders the sequence the way it would appear on the wire.
func (s RemoteSequence) String() string {
	if s.IsJSON {
		return string(s.JSON)
	}
	return itoa(s.Numeric)
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Checkpoint is the small persisted sync-progress document
// {local: <sequence>, remote: <remoteSequence>}.
type Checkpoint struct {
	Local  uint64 `json:"local"`
	Remote string `json:"remote"`
}

// Direction is the configured push/pull mode for a collection.
type Direction string

const (
	DirectionDisabled   Direction = "disabled"
	DirectionPassive    Direction = "passive"
	DirectionOneShot    Direction = "one-shot"
	DirectionContinuous Direction = "continuous"
)

// ProgressLevel controls how much detail status callbacks report.
type ProgressLevel int

const (
	ProgressSummary ProgressLevel = iota
	ProgressPerDoc
	ProgressPerAttachment
)

// ReplicatorOptions configures one Replicator instance.
type ReplicatorOptions struct {
	Push                Direction
	Pull                Direction
	Channels            []string
	DocIDs              []string
	FilterName          string
	FilterParams        map[string]string
	PushFilter          func(docID string, revID RevID, flags RevFlags, body []byte) bool
	PullFilter          func(docID string, revID RevID, flags RevFlags, body []byte) bool
	RemoteDBUniqueID    string
	DisableDeltas       bool
	DisableBlobSupport  bool
	SkipDeleted         bool
	NoIncomingConflicts bool
	ProgressLevel       ProgressLevel
	CheckpointInterval  time.Duration
}

// RevToSend is a queued outbound revision, owned by the Pusher until the
// peer acknowledges or rejects it.
type RevToSend struct {
	DocID       string
	RevID       RevID
	Sequence    uint64
	History     []RevID
	Flags       RevFlags
	BodySize    int
	Retries     int
	NoConflicts bool
	// NoDelta is set after the peer reports DeltaBaseUnknown for this
	// revision, so the retry sends the full body instead of a delta.
	NoDelta bool
}

// RevToInsert is an accepted inbound revision, handed from IncomingRev to
// the Inserter for transactional application.
type RevToInsert struct {
	DocID      string
	RevID      RevID
	History    []RevID
	Flags      RevFlags
	Body       []byte
	Sequence   RemoteSequence
	RemoteDBID uint32
	Purged     bool
	DeltaBase  RevID
	Done       func(error)
}

// StatusLevel is the activity level reported for a collection or for the
// replicator as a whole.
type StatusLevel int

const (
	StatusStopped StatusLevel = iota
	StatusOffline
	StatusConnecting
	StatusIdle
	StatusBusy
)

// Progress reports coarse byte/unit counters for a replication direction.
type Progress struct {
	DocumentCount  uint64
	CompletedBytes uint64
	TotalBytes     uint64
}

// Status is the (level, error, progress) triple reported to delegates.
type Status struct {
	Level    StatusLevel
	Error    error
	Progress Progress
}

// DocEnded is delivered through the document-ended stream for every
// revision that fails, per §7 of the design.
type DocEnded struct {
	DocID            string
	RevID            RevID
	Flags            RevFlags
	Error            error
	ErrorIsTransient bool
	Purged           bool
}
