/*
Package types defines the data model shared by every replication
component: documents, revisions (both tree and version-vector schemes),
checkpoints, blob references, and the options a Replicator is
constructed with.

Nothing in this package touches storage, transport, or wire encoding —
it is the vocabulary the other packages share.
*/
package types
