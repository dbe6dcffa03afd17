/*
Package events provides an in-memory broker for replication lifecycle
notifications.

Within this module the Inserter publishes EventRevisionPulled for each
revision it stores, and a continuous ChangesFeed subscribes for
EventDocumentWritten. No other event type is published by the module's
own packages; callers embedding the replicator can publish and subscribe
to any of them on the same Broker.

Delivery is best-effort and non-blocking: a subscriber with a full
buffer misses an event rather than stalling the publisher, the same
trade-off the teacher's cluster event bus makes.
*/
package events
