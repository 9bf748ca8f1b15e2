/*
Package types defines the core entities shared across Courier's packages.

All broker components exchange these types: queues, messages, activity log
entries, anomalies, and the derived consumer statistics view. The package has
no dependencies beyond the standard library so that every other package can
import it freely.

# Message lifecycle

	queued ──dequeue──▶ processing ──ack──▶ acknowledged
	                      │
	                      ├──nack/timeout (attempts < max)──▶ queued
	                      ├──nack/timeout (attempts ≥ max)──▶ dead
	                      └──touch (extends lock)
	any ──move──▶ any (admin path)
	any ──delete──▶ ∅

Initial state is queued. Terminal states are acknowledged, dead, and archived.
Within status=processing a message always carries a consumer id, a lock token,
and a lock deadline; those fields are cleared on every transition out of
processing.

# Ordering

Dequeue ordering is (priority descending, created_at ascending): higher
priority first, FIFO within a priority level. Ordering across priorities is
not guaranteed and is explicitly out of scope.

# Denormalized history

ActivityEntry duplicates the message fields it describes (priority, type,
consumer, attempt counters, payload size) so that deleting a message never
orphans its audit history.

# See Also

  - pkg/storage for persistence of these entities
  - pkg/engine for the lifecycle state machine
  - pkg/anomaly for the classifications attached to activity entries
*/
package types
