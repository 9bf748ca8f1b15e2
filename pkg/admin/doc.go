// Package admin exposes the queue administration surface: definition CRUD,
// atomic rename, purge, forced delete, aggregate metrics, and a
// credential-free echo of the effective configuration. Message-level
// operations (enqueue, move, clear) remain on the engine; admin delegates to
// it so forced deletes and purges get the same audit trail as any other bulk
// operation.
package admin
