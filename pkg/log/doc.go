/*
Package log provides structured logging for the replicator using zerolog.

It wraps zerolog to give every actor (Pusher, Puller, Checkpointer,
Replicator, DBAccess) JSON-structured logs with a shared set of context
fields instead of ad hoc string formatting.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	pushLog := log.WithComponent("pusher").
		With().Str("collection", "_default").Logger()
	pushLog.Info().Str("doc_id", "doc1").Msg("queued revision")

Context loggers (WithComponent, WithCollection, WithDocID, WithRevID,
WithPeerID) add one field each and can be chained via the returned
zerolog.Logger's own With() builder.

# Levels

Debug is for wire-level tracing (individual BLIP frames), Info for
session lifecycle (started/stopped, checkpoint saved), Warn for retried
errors, Error for operations that gave up, Fatal for configuration
errors discovered at startup.
*/
package log
