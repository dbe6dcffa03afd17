/*
Package storage provides a BoltDB-backed implementation of the document,
revision-ancestor, and checkpoint persistence the replication core needs.

# Bucket Layout

	docs              "<collection>\x00<docID>"                     -> JSON Document
	seqs              "<collection>\x00<8-byte BE sequence>"        -> docID
	                   "last_seq\x00<collection>"                    -> 8-byte BE counter
	remote_ancestors  "<collection>\x00<docID>\x00<4-byte BE dbID>" -> RevID
	checkpoints_local "<checkpointID>"                               -> JSON Checkpoint
	checkpoints_peer  "<clientID>"                                   -> JSON {rev, body}
	info              "<key>"                                        -> value
	remote_registry   "<remote identity>"                            -> 4-byte BE uint32

Sequences are per-collection monotonic counters allocated inside the same
write transaction as the document they number, so ChangesSince can walk
seqs with a cursor rather than scanning docs.

# Transactions

WithTx batches PutDocument/SetRemoteAncestor/PurgeDocument calls the
Inserter issues for one revision batch into a single bbolt write
transaction, matching the teacher's single-writer, multi-reader model.
*/
package storage
