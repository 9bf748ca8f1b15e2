package types

import (
	"regexp"
	"time"
)

// QueueType defines the storage layout of a queue
type QueueType string

const (
	QueueTypeStandard    QueueType = "standard"
	QueueTypeUnlogged    QueueType = "unlogged"
	QueueTypePartitioned QueueType = "partitioned"
)

// PartitionInterval defines the time-based partition granularity for
// partitioned queues. It is a storage-layout hint only; engine behavior is
// identical across queue types.
type PartitionInterval string

const (
	PartitionHourly PartitionInterval = "hourly"
	PartitionDaily  PartitionInterval = "daily"
	PartitionWeekly PartitionInterval = "weekly"
)

// Status represents the lifecycle state of a message
type Status string

const (
	StatusQueued       Status = "queued"
	StatusProcessing   Status = "processing"
	StatusAcknowledged Status = "acknowledged"
	StatusDead         Status = "dead"
	StatusArchived     Status = "archived"
)

// Action identifies the operation recorded by an activity entry
type Action string

const (
	ActionEnqueue Action = "enqueue"
	ActionDequeue Action = "dequeue"
	ActionAck     Action = "ack"
	ActionNack    Action = "nack"
	ActionMove    Action = "move"
	ActionDelete  Action = "delete"
	ActionClear   Action = "clear"
	ActionTouch   Action = "touch"
	ActionTimeout Action = "timeout"
	ActionRequeue Action = "requeue"
	ActionDLQ     Action = "dlq"
)

// Severity classifies an anomaly
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// AnomalyType identifies a built-in detector classification
type AnomalyType string

const (
	AnomalyFlashMessage   AnomalyType = "flash_message"
	AnomalyLargePayload   AnomalyType = "large_payload"
	AnomalyLongProcessing AnomalyType = "long_processing"
	AnomalyLockStolen     AnomalyType = "lock_stolen"
	AnomalyNearDLQ        AnomalyType = "near_dlq"
	AnomalyDLQMovement    AnomalyType = "dlq_movement"
	AnomalyZombieMessage  AnomalyType = "zombie_message"
	AnomalyBurstDequeue   AnomalyType = "burst_dequeue"
	AnomalyBulkEnqueue    AnomalyType = "bulk_enqueue"
	AnomalyBulkDelete     AnomalyType = "bulk_delete"
	AnomalyBulkMove       AnomalyType = "bulk_move"
	AnomalyQueueCleared   AnomalyType = "queue_cleared"
)

// Priority bounds for messages. Values outside the range are clamped on
// enqueue, not rejected.
const (
	PriorityMin = 0
	PriorityMax = 9
)

// Queue represents a named queue and its delivery configuration
type Queue struct {
	Name              string            `json:"name"`
	Type              QueueType         `json:"type"`
	AckTimeoutSeconds int               `json:"ack_timeout_seconds"`
	MaxAttempts       int               `json:"max_attempts"`
	PartitionInterval PartitionInterval `json:"partition_interval,omitempty"`
	RetentionSeconds  int64             `json:"retention_seconds,omitempty"`
	Description       string            `json:"description,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// AckTimeout returns the queue's visibility timeout as a duration
func (q *Queue) AckTimeout() time.Duration {
	return time.Duration(q.AckTimeoutSeconds) * time.Second
}

// Message represents a single message owned by exactly one queue
type Message struct {
	ID                string     `json:"id"`
	Queue             string     `json:"queue"`
	Type              string     `json:"type,omitempty"`
	Priority          int        `json:"priority"`
	Payload           []byte     `json:"payload"`
	PayloadSize       int        `json:"payload_size"`
	Status            Status     `json:"status"`
	AttemptCount      int        `json:"attempt_count"`
	CustomMaxAttempts *int       `json:"custom_max_attempts,omitempty"`
	CustomAckTimeout  *int       `json:"custom_ack_timeout,omitempty"` // seconds
	ConsumerID        string     `json:"consumer_id,omitempty"`
	LockToken         string     `json:"lock_token,omitempty"`
	LockedAt          *time.Time `json:"locked_at,omitempty"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	AcknowledgedAt    *time.Time `json:"acknowledged_at,omitempty"`
	ErrorReason       string     `json:"error_reason,omitempty"`
	PrevConsumerID    string     `json:"prev_consumer_id,omitempty"`
	PrevLockToken     string     `json:"prev_lock_token,omitempty"`
}

// EffectiveMaxAttempts returns the per-message override if set, otherwise the
// queue's configured maximum.
func (m *Message) EffectiveMaxAttempts(q *Queue) int {
	if m.CustomMaxAttempts != nil && *m.CustomMaxAttempts > 0 {
		return *m.CustomMaxAttempts
	}
	return q.MaxAttempts
}

// EffectiveAckTimeout returns the per-message override if set, otherwise the
// queue's configured visibility timeout.
func (m *Message) EffectiveAckTimeout(q *Queue) time.Duration {
	if m.CustomAckTimeout != nil && *m.CustomAckTimeout > 0 {
		return time.Duration(*m.CustomAckTimeout) * time.Second
	}
	return q.AckTimeout()
}

// AttemptsRemaining returns how many delivery attempts are left before the
// message moves to the dead-letter status.
func (m *Message) AttemptsRemaining(q *Queue) int {
	remaining := m.EffectiveMaxAttempts(q) - m.AttemptCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Anomaly is a classified observation attached to an activity entry. It never
// alters message state.
type Anomaly struct {
	Type       AnomalyType    `json:"type"`
	Severity   Severity       `json:"severity"`
	MessageID  string         `json:"message_id,omitempty"`
	ConsumerID string         `json:"consumer_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// ActivityEntry is an append-only audit record for a queue operation. Message
// fields are denormalized so the message may be deleted without orphaning
// history.
type ActivityEntry struct {
	LogID                 int64      `json:"log_id"`
	MessageID             string     `json:"message_id,omitempty"`
	Action                Action     `json:"action"`
	Timestamp             time.Time  `json:"timestamp"`
	Queue                 string     `json:"queue"`
	SourceQueue           string     `json:"source_queue,omitempty"`
	DestQueue             string     `json:"dest_queue,omitempty"`
	SourceStatus          Status     `json:"source_status,omitempty"`
	DestStatus            Status     `json:"dest_status,omitempty"`
	Priority              int        `json:"priority"`
	MessageType           string     `json:"message_type,omitempty"`
	ConsumerID            string     `json:"consumer_id,omitempty"`
	PrevConsumerID        string     `json:"prev_consumer_id,omitempty"`
	LockToken             string     `json:"lock_token,omitempty"`
	PrevLockToken         string     `json:"prev_lock_token,omitempty"`
	AttemptCount          int        `json:"attempt_count"`
	MaxAttempts           int        `json:"max_attempts"`
	AttemptsRemaining     int        `json:"attempts_remaining"`
	MessageCreatedAt      *time.Time `json:"message_created_at,omitempty"`
	MessageAgeMs          int64      `json:"message_age_ms,omitempty"`
	TimeInQueueMs         int64      `json:"time_in_queue_ms,omitempty"`
	ProcessingTimeMs      int64      `json:"processing_time_ms,omitempty"`
	TotalProcessingTimeMs int64      `json:"total_processing_time_ms,omitempty"`
	PayloadSizeBytes      int        `json:"payload_size_bytes,omitempty"`
	QueueDepth            int        `json:"queue_depth"`
	ProcessingDepth       int        `json:"processing_depth"`
	DLQDepth              int        `json:"dlq_depth"`
	ErrorReason           string     `json:"error_reason,omitempty"`
	ErrorCode             string     `json:"error_code,omitempty"`
	TriggeredBy           string     `json:"triggered_by,omitempty"`
	UserID                string     `json:"user_id,omitempty"`
	Reason                string     `json:"reason,omitempty"`
	BatchID               string     `json:"batch_id,omitempty"`
	BatchSize             int        `json:"batch_size,omitempty"`
	PrevAction            Action     `json:"prev_action,omitempty"`
	PrevTimestamp         *time.Time `json:"prev_timestamp,omitempty"`
	PayloadSnapshot       []byte     `json:"payload_snapshot,omitempty"`
	Anomaly               *Anomaly   `json:"anomaly,omitempty"`
}

// ConsumerStats is the derived per-consumer view updated on each dequeue
type ConsumerStats struct {
	ConsumerID   string    `json:"consumer_id"`
	LastDequeue  time.Time `json:"last_dequeue"`
	DequeueCount int64     `json:"dequeue_count"`
}

// QueueCounts holds per-status message counts for a queue. Archived messages
// do not count toward queue depth; they are reported separately.
type QueueCounts struct {
	Queued       int `json:"message_count"`
	Processing   int `json:"processing_count"`
	Dead         int `json:"dead_count"`
	Acknowledged int `json:"acknowledged_count"`
	Archived     int `json:"archived_count"`
}

// Event is the summary payload carried on the queue event channel
type Event struct {
	Queue     string    `json:"queue"`
	Action    Action    `json:"action"`
	MessageID string    `json:"message_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

var queueNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidQueueName reports whether name is a legal queue name (alphanumeric,
// underscore, hyphen).
func ValidQueueName(name string) bool {
	return name != "" && queueNameRe.MatchString(name)
}

// ValidStatus reports whether s is a known message status
func ValidStatus(s Status) bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusAcknowledged, StatusDead, StatusArchived:
		return true
	}
	return false
}

// ClampPriority restricts p to the [PriorityMin, PriorityMax] range
func ClampPriority(p int) int {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}
