/*
Package anomaly classifies queue lifecycle events into audit-worthy
observations.

A Registry holds an ordered set of detectors. The activity logger builds a
read-only Context for each lifecycle event and asks the registry to detect;
any anomalies come back attached to the activity entry. Detectors are pure
functions: no I/O, no callbacks into the broker, no shared state. A detector
panic is logged and skipped so detection can never fail a broker transaction.

# Built-in detectors

	flash_message    dequeue   warning   time in queue below flash threshold
	large_payload    enqueue   info      payload above size threshold
	long_processing  ack       warning   processing time above threshold
	lock_stolen      ack       critical  presented token does not own the message
	near_dlq         dequeue   warning   attempts remaining at or below threshold
	dlq_movement     nack/timeout warning  attempts exhausted, moved to dead
	zombie_message   timeout   critical  overdue beyond timeout × multiplier
	burst_dequeue    dequeue   warning   consumer rate above burst threshold
	bulk_operation   bulk      info      bulk enqueue/move/delete above threshold
	queue_cleared    bulk      warning   a whole status cleared

Invocation order is registration order. Registries are cheap; construct one
per broker instance and pass it as an explicit dependency so tests get fresh
state.
*/
package anomaly
