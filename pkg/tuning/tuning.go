// Package tuning holds the batching and backpressure constants shared by
// the Pusher, Puller, Inserter and Replicator, carried over from
// ReplicatorTuning.hh rather than re-derived ad hoc per package.
package tuning

import "time"

const (
	// ChangesBatchSize is the maximum number of candidates pulled from a
	// ChangesFeed per outbound changes/proposeChanges request.
	ChangesBatchSize = 200

	// MaxChangeListsInFlight caps concurrent unacknowledged changes requests.
	MaxChangeListsInFlight = 5

	// MaxRevsQueued caps revisions queued for body send awaiting a free
	// in-flight slot.
	MaxRevsQueued = 600

	// MaxRevsInFlight caps rev messages sent but not yet replied to.
	MaxRevsInFlight = 10

	// MaxRevBytesAwaitingReply caps total body bytes of in-flight revs.
	MaxRevBytesAwaitingReply = 2 * 1024 * 1024

	// MinBodySizeForDelta is the smallest body eligible for delta encoding.
	MinBodySizeForDelta = 200

	// MaxPossibleAncestors caps the ancestor list a RevFinder reply reports
	// for any one wanted revision.
	MaxPossibleAncestors = 10

	// MaxActiveIncomingRevs is the cap on concurrently processing
	// IncomingRev workers. The Puller does not consult it.
	MaxActiveIncomingRevs = 100

	// MaxIncomingRevs is the cap on active+insertion-queued IncomingRev
	// instances. The Puller does not consult it.
	MaxIncomingRevs = 200

	// InsertionDelay is the Inserter's batch debounce window.
	InsertionDelay = 20 * time.Millisecond

	// InsertionBatchSize is the Inserter's maximum batch size.
	InsertionBatchSize = 100

	// MinDelegateCallInterval rate-limits Replicator status notifications.
	MinDelegateCallInterval = 200 * time.Millisecond
)
