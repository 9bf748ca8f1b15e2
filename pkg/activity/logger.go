package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/courier/pkg/anomaly"
	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/metrics"
	"github.com/cuemby/courier/pkg/storage"
	"github.com/cuemby/courier/pkg/types"
)

// Record describes a queue operation about to be written to the activity log.
// The engine fills in what it knows; the logger derives the rest (depth
// snapshots, previous entry, anomalies) inside the same transaction.
type Record struct {
	// Kind selects the detectors consulted for this record. Leave empty to
	// skip detection entirely (touch, export).
	Kind anomaly.EventKind

	Action types.Action
	Queue  string

	// Message, when set, supplies the denormalized message fields. QueueDef
	// must be set alongside it for attempt accounting.
	Message  *types.Message
	QueueDef *types.Queue

	SourceQueue  string
	DestQueue    string
	SourceStatus types.Status
	DestStatus   types.Status

	ConsumerID     string
	PrevConsumerID string
	PrevLockToken  string

	// ReceivedLockToken is the token presented by the caller, which may
	// differ from the message's current token on a stale ack.
	ReceivedLockToken string

	TimeInQueueMs         int64
	ProcessingTimeMs      int64
	TotalProcessingTimeMs int64
	OverdueMs             int64
	ExpectedTimeoutMs     int64

	// RecentDequeues is the consumer's dequeue count within the burst window
	RecentDequeues int

	// DLQTransition marks records that move the message to the dead status
	DLQTransition bool

	// BulkOperation and AffectedCount describe bulk records (enqueue batch,
	// move, delete, clear).
	BulkOperation string
	AffectedCount int

	TriggeredBy string
	UserID      string
	Reason      string
	ErrorReason string
	ErrorCode   string

	BatchID   string
	BatchSize int

	PayloadSnapshot []byte

	// Timestamp defaults to time.Now().UTC() when zero
	Timestamp time.Time

	// SkipNotify suppresses the post-commit event for this record. Bulk
	// per-message records set it so a batch emits a single event.
	SkipNotify bool
}

// Logger writes denormalized audit entries. It owns anomaly detection: every
// record passes through the registry and the first reported anomaly is
// embedded in the entry.
type Logger struct {
	registry   *anomaly.Registry
	thresholds anomaly.Thresholds
}

// NewLogger returns a Logger using the given detector registry and thresholds
func NewLogger(registry *anomaly.Registry, thresholds anomaly.Thresholds) *Logger {
	return &Logger{
		registry:   registry,
		thresholds: thresholds,
	}
}

// Registry exposes the detector registry for runtime toggling
func (l *Logger) Registry() *anomaly.Registry {
	return l.registry
}

// Record builds the activity entry for rec, appends it, and schedules the
// post-commit event, all on the caller's transaction, so the entry commits
// or rolls back with the state change it describes. The entry's depth
// snapshot reflects queue state after the operation. Returns the appended
// entry with its LogID filled in.
func (l *Logger) Record(ctx context.Context, tx storage.Txn, rec *Record) (*types.ActivityEntry, error) {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	entry := &types.ActivityEntry{
		Action:                rec.Action,
		Timestamp:             ts,
		Queue:                 rec.Queue,
		SourceQueue:           rec.SourceQueue,
		DestQueue:             rec.DestQueue,
		SourceStatus:          rec.SourceStatus,
		DestStatus:            rec.DestStatus,
		ConsumerID:            rec.ConsumerID,
		PrevConsumerID:        rec.PrevConsumerID,
		PrevLockToken:         rec.PrevLockToken,
		TimeInQueueMs:         rec.TimeInQueueMs,
		ProcessingTimeMs:      rec.ProcessingTimeMs,
		TotalProcessingTimeMs: rec.TotalProcessingTimeMs,
		ErrorReason:           rec.ErrorReason,
		ErrorCode:             rec.ErrorCode,
		TriggeredBy:           rec.TriggeredBy,
		UserID:                rec.UserID,
		Reason:                rec.Reason,
		BatchID:               rec.BatchID,
		BatchSize:             rec.BatchSize,
		PayloadSnapshot:       rec.PayloadSnapshot,
	}

	actx := &anomaly.Context{
		Kind:              rec.Kind,
		Queue:             rec.Queue,
		ConsumerID:        rec.ConsumerID,
		TimeInQueueMs:     rec.TimeInQueueMs,
		ProcessingTimeMs:  rec.ProcessingTimeMs,
		OverdueMs:         rec.OverdueMs,
		ExpectedTimeoutMs: rec.ExpectedTimeoutMs,
		ReceivedLockToken: rec.ReceivedLockToken,
		RecentDequeues:    rec.RecentDequeues,
		DLQTransition:     rec.DLQTransition,
		BulkOperation:     rec.BulkOperation,
		AffectedCount:     rec.AffectedCount,
		Thresholds:        l.thresholds,
	}

	if msg := rec.Message; msg != nil {
		entry.MessageID = msg.ID
		entry.Priority = msg.Priority
		entry.MessageType = msg.Type
		entry.AttemptCount = msg.AttemptCount
		entry.PayloadSizeBytes = msg.PayloadSize
		entry.LockToken = msg.LockToken
		if entry.PrevLockToken == "" {
			entry.PrevLockToken = msg.PrevLockToken
		}
		if entry.PrevConsumerID == "" {
			entry.PrevConsumerID = msg.PrevConsumerID
		}
		created := msg.CreatedAt
		entry.MessageCreatedAt = &created
		entry.MessageAgeMs = ts.Sub(created).Milliseconds()

		actx.MessageID = msg.ID
		actx.PayloadSize = msg.PayloadSize
		actx.AttemptCount = msg.AttemptCount
		actx.ExpectedLockToken = msg.LockToken

		if q := rec.QueueDef; q != nil {
			entry.MaxAttempts = msg.EffectiveMaxAttempts(q)
			entry.AttemptsRemaining = msg.AttemptsRemaining(q)
			actx.MaxAttempts = entry.MaxAttempts
			actx.AttemptsRemaining = entry.AttemptsRemaining
		}
	}

	counts, err := tx.CountMessages(ctx, rec.Queue)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot queue depth: %w", err)
	}
	entry.QueueDepth = counts.Queued
	entry.ProcessingDepth = counts.Processing
	entry.DLQDepth = counts.Dead

	if entry.MessageID != "" {
		prev, err := tx.LastActivity(ctx, entry.MessageID)
		switch {
		case err == nil:
			entry.PrevAction = prev.Action
			prevTS := prev.Timestamp
			entry.PrevTimestamp = &prevTS
		case errors.Is(err, storage.ErrNotFound):
			// First record for this message
		default:
			return nil, fmt.Errorf("failed to load previous activity: %w", err)
		}
	}

	if rec.Kind != "" {
		if found := l.registry.Detect(actx); len(found) > 0 {
			entry.Anomaly = found[0]
			logAnomalies(rec.Queue, found)
		}
	}

	if err := tx.AppendActivity(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to append activity: %w", err)
	}

	if !rec.SkipNotify {
		event := types.Event{
			Queue:     rec.Queue,
			Action:    rec.Action,
			MessageID: entry.MessageID,
			Timestamp: ts,
		}
		if err := tx.Notify(ctx, event); err != nil {
			return nil, fmt.Errorf("failed to schedule event: %w", err)
		}
	}

	return entry, nil
}

// logAnomalies emits one log line per detected anomaly at a level matching
// its severity.
func logAnomalies(queue string, found []*types.Anomaly) {
	logger := log.WithQueue(queue)
	for _, a := range found {
		ev := logger.Info()
		switch a.Severity {
		case types.SeverityCritical:
			ev = logger.Error()
		case types.SeverityWarning:
			ev = logger.Warn()
		}
		ev.Str("anomaly", string(a.Type)).
			Str("message_id", a.MessageID).
			Str("consumer_id", a.ConsumerID).
			Msg("anomaly detected")
		metrics.AnomaliesTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	}
}
