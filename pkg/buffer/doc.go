/*
Package buffer coalesces enqueue calls into bulk inserts.

	Add ──▶ per-queue batch ──size ≥ max──▶ flush (inline)
	              │
	              ├──oldest ≥ max_wait──▶ flush (background)
	              └──explicit Flush──────▶ flush

Add assigns the message id up front and returns a Pending handle; the
handle's Done channel resolves when the batch commits or is rejected. A
flush is one EnqueueBatch transaction per queue, so a batch never partially
succeeds: on failure every handle in it receives the error. When the buffer
is full and the inline flush fails, Add returns ErrBusy instead of queueing
unboundedly.
*/
package buffer
