package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/courier/pkg/types"
)

var (
	// ErrNotFound is returned when a queue or message does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an insert violates a uniqueness constraint
	ErrDuplicate = errors.New("duplicate key")

	// ErrTransient marks a retryable storage failure (connection loss,
	// serialization conflict). Callers may retry the whole transaction.
	ErrTransient = errors.New("transient storage error")
)

// ClaimSpec describes a lock-and-claim request against a single queue
type ClaimSpec struct {
	Queue      string
	Count      int
	ConsumerID string
	// TypeFilter restricts claims to messages of this type; empty matches all
	TypeFilter string
	// AckTimeoutOverride, when non-nil, replaces both the queue default and
	// any per-message override for this claim (seconds).
	AckTimeoutOverride *int
	// DefaultAckTimeout is the queue's configured visibility timeout (seconds)
	DefaultAckTimeout int
}

// MessageFilter selects messages for list, move, and delete operations. Zero
// fields are ignored.
type MessageFilter struct {
	Queue  string
	Status types.Status
	Type   string
	IDs    []string
	Limit  int
	Offset int
	// AckedBefore selects rows acknowledged before this time; used by the
	// retention sweep.
	AckedBefore time.Time
}

// ActivityFilter selects activity log entries
type ActivityFilter struct {
	Queue     string
	MessageID string
	Action    types.Action
	Since     time.Time
	Limit     int
	Offset    int
}

// Txn exposes the transactional primitives available inside a storage
// transaction. Every state mutation and its activity record commit or roll
// back together.
type Txn interface {
	// InsertMessage inserts a single message. Returns ErrDuplicate if the id
	// already exists.
	InsertMessage(ctx context.Context, msg *types.Message) error

	// InsertMessages bulk-inserts messages in slice order
	InsertMessages(ctx context.Context, msgs []*types.Message) error

	// GetMessage returns a message by id without locking it
	GetMessage(ctx context.Context, id string) (*types.Message, error)

	// GetMessageForUpdate returns a message by id, holding a row lock until
	// the transaction ends.
	GetMessageForUpdate(ctx context.Context, id string) (*types.Message, error)

	// UpdateMessage writes all mutable message fields by id
	UpdateMessage(ctx context.Context, msg *types.Message) error

	// DeleteMessages removes messages matching the filter, returning the ids
	// of the deleted rows.
	DeleteMessages(ctx context.Context, filter MessageFilter) ([]string, error)

	// ListMessages returns messages matching the filter ordered by
	// (priority desc, created_at asc).
	ListMessages(ctx context.Context, filter MessageFilter) ([]*types.Message, error)

	// LockAndClaim atomically selects up to spec.Count queued messages in
	// (priority desc, created_at asc) order, marks them processing with a
	// fresh lock token per message, and returns them. Rows locked by
	// concurrent claims are skipped, never waited on.
	LockAndClaim(ctx context.Context, spec ClaimSpec) ([]*types.Message, error)

	// FindExpiredLocks returns processing messages whose locked_until is
	// before now, locking the rows so a concurrent reaper pass skips them.
	FindExpiredLocks(ctx context.Context, now time.Time) ([]*types.Message, error)

	// CountMessages returns per-status counts for a queue
	CountMessages(ctx context.Context, queue string) (*types.QueueCounts, error)

	// AppendActivity inserts an activity entry and fills in its LogID
	AppendActivity(ctx context.Context, entry *types.ActivityEntry) error

	// LastActivity returns the most recent activity entry for a message, or
	// ErrNotFound when none exists.
	LastActivity(ctx context.Context, messageID string) (*types.ActivityEntry, error)

	// Notify schedules an event on the queue event channel. Delivery happens
	// only if the transaction commits.
	Notify(ctx context.Context, event types.Event) error

	// GetQueue returns a queue definition within the transaction
	GetQueue(ctx context.Context, name string) (*types.Queue, error)
}

// NotificationHandler receives decoded events from the queue event channel
type NotificationHandler func(event types.Event)

// Store is the storage gateway: transactional access to queues, messages and
// the activity log, plus the LISTEN/NOTIFY fanout.
type Store interface {
	// WithTxn runs fn inside a transaction. fn returning an error rolls the
	// transaction back; otherwise it commits and any scheduled notifications
	// are delivered.
	WithTxn(ctx context.Context, fn func(tx Txn) error) error

	// Queue definitions
	CreateQueue(ctx context.Context, q *types.Queue) error
	GetQueue(ctx context.Context, name string) (*types.Queue, error)
	ListQueues(ctx context.Context) ([]*types.Queue, error)
	UpdateQueue(ctx context.Context, q *types.Queue) error
	// RenameQueue atomically renames a queue and updates every reference. A
	// failure leaves the old name intact.
	RenameQueue(ctx context.Context, oldName, newName string) error
	DeleteQueue(ctx context.Context, name string) error

	// CountMessages returns per-status counts outside a transaction
	CountMessages(ctx context.Context, queue string) (*types.QueueCounts, error)

	// ListActivity returns audit entries matching the filter, newest first
	ListActivity(ctx context.Context, filter ActivityFilter) ([]*types.ActivityEntry, error)

	// PruneActivity removes audit entries for a queue older than the cutoff,
	// returning the number of rows removed.
	PruneActivity(ctx context.Context, queue string, before time.Time) (int, error)

	// Listen starts the long-lived subscription on the queue event channel
	// and invokes handler for every decoded notification until ctx ends.
	Listen(ctx context.Context, handler NotificationHandler) error

	// Ping verifies connectivity to the backing store
	Ping(ctx context.Context) error

	Close() error
}
