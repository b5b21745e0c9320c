// Package mongo provides the MongoDB-backed persistence port. Collections
// mirror the logical entities one to one; unique indexes enforce the
// identity invariants (one workflow per id and scope, gap-free step numbers,
// one queue job per request lineage, receipt and signal dedup). Multi-entity
// commits run inside Mongo transactions, so the store requires a replica set
// or a sharded cluster.
package mongo
