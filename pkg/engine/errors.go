package engine

import "errors"

var (
	// ErrUnknownQueue is returned when an operation targets a queue that
	// does not exist.
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrLockMismatch is returned when an ack, nack, or touch presents a
	// lock token that no longer owns the message. Message state is not
	// mutated; the attempt is still audited.
	ErrLockMismatch = errors.New("lock token mismatch")

	// ErrPayloadTooLarge is returned when a payload exceeds the configured
	// cap. Nothing is written.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrBusy is returned when the enqueue buffer is full and flushes are
	// failing.
	ErrBusy = errors.New("broker busy")

	// ErrClosed is returned when the engine is shutting down. Enqueues are
	// rejected; in-flight acks and nacks still complete.
	ErrClosed = errors.New("engine closed")

	// ErrStorageUnavailable is returned when the retry budget for transient
	// storage errors is exhausted or the circuit breaker is open.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrIntegrity is returned on constraint violations such as a duplicate
	// message id on import. The operation has no partial effect.
	ErrIntegrity = errors.New("integrity violation")

	// ErrInvalidArgument is returned for malformed requests (bad queue name,
	// unknown status, empty batch). Nothing is written.
	ErrInvalidArgument = errors.New("invalid argument")
)
