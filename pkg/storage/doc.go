/*
Package storage provides the transactional gateway to Courier's PostgreSQL
state: queues, messages, the activity log, and the LISTEN/NOTIFY event
channel.

The package exposes a Store interface with two implementations: PostgresStore
(production, built on a pgx connection pool) and MemoryStore (tests and local
development). Both give the same guarantees: every message mutation and its
activity record commit or roll back together, and event notifications are
delivered only after the transaction that produced them commits.

# Architecture

	┌──────────────────── STORAGE GATEWAY ─────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │              PostgresStore                 │           │
	│  │  - pgxpool.Pool for all query traffic      │           │
	│  │  - One hijacked connection kept on LISTEN  │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │              Table Layout                  │           │
	│  │  queues        (name PK, config)           │           │
	│  │  messages      (id PK, status, lock state) │           │
	│  │  activity_log  (log_id PK, denormalized)   │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          Transaction Model                 │           │
	│  │  WithTxn(fn): BEGIN → fn(Txn) → COMMIT     │           │
	│  │  fn error → ROLLBACK, nothing persists     │           │
	│  │  Txn.Notify → pg_notify, fires on commit   │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │         Claim Path (dequeue)               │           │
	│  │  UPDATE ... FROM (                         │           │
	│  │    SELECT id WHERE status='queued'         │           │
	│  │    ORDER BY priority DESC, created_at ASC  │           │
	│  │    LIMIT n FOR UPDATE SKIP LOCKED )        │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Claim semantics

LockAndClaim selects up to N queued messages in (priority descending,
created_at ascending) order, flips them to processing, and stamps each with a
fresh lock token and a lock deadline computed from, in precedence order: the
caller's override, the message's custom ack timeout, the queue default. FOR
UPDATE SKIP LOCKED means concurrent consumers never block on each other; a
row claimed by another transaction is simply invisible to this one.

FindExpiredLocks uses the same SKIP LOCKED discipline, which is what makes
the reaper idempotent: two reaper passes at the same instant partition the
expired rows between themselves instead of double-processing them.

# Notifications

Txn.Notify issues pg_notify inside the transaction. PostgreSQL delivers
NOTIFY payloads only on commit, so subscribers never observe an event for a
rolled-back mutation. The Listen method dedicates a hijacked pool connection
to the configured channel (default "queue_events") and reconnects with a
fixed delay when the connection drops; missed notifications during a
reconnect window are not replayed.

# Error taxonomy

Errors are classified into three sentinels callers can test with errors.Is:

  - ErrNotFound: queue or message does not exist
  - ErrDuplicate: unique constraint violation (duplicate id on import,
    duplicate queue name)
  - ErrTransient: connection loss, serialization failure, deadlock; the
    engine retries these with backoff

# MemoryStore

MemoryStore serializes transactions under a mutex and runs each one against
a staged copy of the state, so rollback is a no-op and commit is a swap. It
exists for the unit-test suite and `courier serve --storage=memory`; it is
not a durability layer.

# See Also

  - pkg/engine for the lifecycle state machine built on this gateway
  - pkg/events for the in-process fanout fed by Listen
  - pkg/types for the persisted entities
*/
package storage
