/*
Package activity writes the append-only audit log.

Every queue operation produces one entry (bulk operations one per message
plus a summary). Entries are heavily denormalized: message fields, depth
snapshots, timings and attempt accounting are copied in at write time so the
log stays meaningful after messages are deleted or queues renamed.

	engine op ──▶ Logger.Record(tx, rec)
	                  │
	                  ├── tx.CountMessages     depth snapshot (post-op)
	                  ├── tx.LastActivity      prev_action / prev_timestamp
	                  ├── registry.Detect      first anomaly embedded
	                  ├── tx.AppendActivity
	                  └── tx.Notify            delivered only on commit

Record runs on the engine's transaction, so an entry can never describe a
state change that rolled back, and a failed append rolls the state change
back with it.
*/
package activity
