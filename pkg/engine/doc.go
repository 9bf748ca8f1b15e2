/*
Package engine implements the message lifecycle state machine.

Every operation runs one storage transaction that performs the state change
and writes its activity entry, so audit and state always commit or roll back
together. Anomaly detection happens inside the transaction via the activity
logger; the post-commit event wakes dequeue long-polls and feeds the event
bus.

# Lifecycle

	queued ──dequeue──▶ processing ──ack──▶ acknowledged
	                      │
	                      ├──nack/timeout (attempts < max)──▶ queued
	                      ├──nack/timeout (attempts ≥ max)──▶ dead
	                      └──touch (extends lock)
	any ──move──▶ any non-processing status (admin path)
	any ──delete──▶ gone

Dequeue orders by priority (descending) then created_at (ascending), and
claims with skip-locked row selection so concurrent consumers never block
each other. Each claim carries a fresh lock token; ack, nack, and touch
require the current token and fail with ErrLockMismatch otherwise; the
stale attempt is audited but never mutates state.

# Reliability

Storage calls run through a circuit breaker (sony/gobreaker) and an
exponential backoff retry loop; transient errors that outlive the budget
surface as ErrStorageUnavailable. The reaper runs on a jittered interval,
requeues or dead-letters expired locks with the same accounting as a nack,
and applies retention pruning. It is idempotent and safe to run in several
broker instances at once.

# Long polling

A dequeue with WaitTimeout set subscribes to the event bus for the queue,
waits for an event that could make a message claimable (enqueue, requeue,
nack, move, timeout), and retries the claim once. No database transaction is
held while waiting.
*/
package engine
