package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/courier/pkg/activity"
	"github.com/cuemby/courier/pkg/anomaly"
	"github.com/cuemby/courier/pkg/metrics"
	"github.com/cuemby/courier/pkg/storage"
	"github.com/cuemby/courier/pkg/types"
)

// MoveRequest selects messages by ids or by filter and transitions them to
// TargetStatus. Processing is not a valid target; a message enters processing
// only through dequeue.
type MoveRequest struct {
	Queue        string
	IDs          []string
	Status       types.Status // filter when IDs is empty
	Type         string
	TargetStatus types.Status
	TriggeredBy  string
	UserID       string
	Reason       string
}

// DeleteRequest selects messages to remove by ids or by filter
type DeleteRequest struct {
	Queue       string
	IDs         []string
	Status      types.Status
	Type        string
	TriggeredBy string
	UserID      string
	Reason      string
}

// Move bulk-transitions messages between statuses (queued↔archived, dead→
// queued for replay, and so on). Each affected message gets its own activity
// entry sharing a batch id, plus one aggregate entry that carries the bulk
// anomaly and the post-commit event. Returns the number of messages moved.
func (e *Engine) Move(ctx context.Context, req MoveRequest) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if !types.ValidStatus(req.TargetStatus) || req.TargetStatus == types.StatusProcessing {
		return 0, fmt.Errorf("%w: invalid target status %q", ErrInvalidArgument, req.TargetStatus)
	}
	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = e.actors.Manual
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, string(types.ActionMove))

	var moved int
	err := e.withRetry(ctx, "move", func() error {
		moved = 0
		return e.store.WithTxn(ctx, func(tx storage.Txn) error {
			q, err := getQueue(ctx, tx, req.Queue)
			if err != nil {
				return err
			}
			msgs, err := tx.ListMessages(ctx, storage.MessageFilter{
				Queue:  req.Queue,
				Status: req.Status,
				Type:   req.Type,
				IDs:    req.IDs,
			})
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			batchID := uuid.NewString()
			for _, msg := range msgs {
				if msg.Status == req.TargetStatus {
					continue
				}
				src := msg.Status
				applyMove(msg, req.TargetStatus, now)
				if err := tx.UpdateMessage(ctx, msg); err != nil {
					return err
				}
				_, err := e.activity.Record(ctx, tx, &activity.Record{
					Action:       types.ActionMove,
					Queue:        req.Queue,
					Message:      msg,
					QueueDef:     q,
					SourceQueue:  req.Queue,
					DestQueue:    req.Queue,
					SourceStatus: src,
					DestStatus:   req.TargetStatus,
					BatchID:      batchID,
					TriggeredBy:  triggeredBy,
					UserID:       req.UserID,
					Reason:       req.Reason,
					SkipNotify:   true,
					Timestamp:    now,
				})
				if err != nil {
					return err
				}
				moved++
			}
			if moved == 0 {
				return nil
			}

			_, err = e.activity.Record(ctx, tx, &activity.Record{
				Kind:          anomaly.KindBulkOperation,
				Action:        types.ActionMove,
				Queue:         req.Queue,
				SourceStatus:  req.Status,
				DestStatus:    req.TargetStatus,
				BulkOperation: "move",
				AffectedCount: moved,
				BatchID:       batchID,
				BatchSize:     moved,
				TriggeredBy:   triggeredBy,
				UserID:        req.UserID,
				Reason:        req.Reason,
				Timestamp:     now,
			})
			return err
		})
	})
	if err != nil {
		return 0, err
	}

	if moved > 0 {
		metrics.OperationsTotal.WithLabelValues(req.Queue, string(types.ActionMove)).Add(float64(moved))
	}
	return moved, nil
}

// Delete removes matched messages, one activity entry per row plus an
// aggregate entry. Returns the number of messages removed.
func (e *Engine) Delete(ctx context.Context, req DeleteRequest) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = e.actors.Manual
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, string(types.ActionDelete))

	var deleted int
	err := e.withRetry(ctx, "delete", func() error {
		deleted = 0
		return e.store.WithTxn(ctx, func(tx storage.Txn) error {
			q, err := getQueue(ctx, tx, req.Queue)
			if err != nil {
				return err
			}

			// Snapshot before deletion so the audit keeps message fields
			msgs, err := tx.ListMessages(ctx, storage.MessageFilter{
				Queue:  req.Queue,
				Status: req.Status,
				Type:   req.Type,
				IDs:    req.IDs,
			})
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				return nil
			}

			ids := make([]string, len(msgs))
			for i, m := range msgs {
				ids[i] = m.ID
			}
			if _, err := tx.DeleteMessages(ctx, storage.MessageFilter{Queue: req.Queue, IDs: ids}); err != nil {
				return err
			}

			now := time.Now().UTC()
			batchID := uuid.NewString()
			for _, msg := range msgs {
				_, err := e.activity.Record(ctx, tx, &activity.Record{
					Action:       types.ActionDelete,
					Queue:        req.Queue,
					Message:      msg,
					QueueDef:     q,
					SourceStatus: msg.Status,
					BatchID:      batchID,
					TriggeredBy:  triggeredBy,
					UserID:       req.UserID,
					Reason:       req.Reason,
					SkipNotify:   true,
					Timestamp:    now,
				})
				if err != nil {
					return err
				}
			}
			deleted = len(msgs)

			_, err = e.activity.Record(ctx, tx, &activity.Record{
				Kind:          anomaly.KindBulkOperation,
				Action:        types.ActionDelete,
				Queue:         req.Queue,
				SourceStatus:  req.Status,
				BulkOperation: "delete",
				AffectedCount: deleted,
				BatchID:       batchID,
				BatchSize:     deleted,
				TriggeredBy:   triggeredBy,
				UserID:        req.UserID,
				Reason:        req.Reason,
				Timestamp:     now,
			})
			return err
		})
	})
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		metrics.OperationsTotal.WithLabelValues(req.Queue, string(types.ActionDelete)).Add(float64(deleted))
	}
	return deleted, nil
}

// Clear removes every message in the queue, or every message in one status
// when status is non-empty. It audits as a single aggregate entry; clearing
// a non-empty status produces a queue_cleared anomaly.
func (e *Engine) Clear(ctx context.Context, queue string, status types.Status, triggeredBy, userID string) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if status != "" && !types.ValidStatus(status) {
		return 0, fmt.Errorf("%w: invalid status %q", ErrInvalidArgument, status)
	}
	if triggeredBy == "" {
		triggeredBy = e.actors.Manual
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, string(types.ActionClear))

	var cleared int
	err := e.withRetry(ctx, "clear", func() error {
		cleared = 0
		return e.store.WithTxn(ctx, func(tx storage.Txn) error {
			if _, err := getQueue(ctx, tx, queue); err != nil {
				return err
			}
			ids, err := tx.DeleteMessages(ctx, storage.MessageFilter{Queue: queue, Status: status})
			if err != nil {
				return err
			}
			cleared = len(ids)

			_, err = e.activity.Record(ctx, tx, &activity.Record{
				Kind:          anomaly.KindBulkOperation,
				Action:        types.ActionClear,
				Queue:         queue,
				SourceStatus:  status,
				BulkOperation: "clear",
				AffectedCount: cleared,
				BatchID:       uuid.NewString(),
				BatchSize:     cleared,
				TriggeredBy:   triggeredBy,
				UserID:        userID,
			})
			return err
		})
	})
	if err != nil {
		return 0, err
	}

	metrics.OperationsTotal.WithLabelValues(queue, string(types.ActionClear)).Inc()
	return cleared, nil
}

// ListMessages returns messages matching the filter without mutating state
func (e *Engine) ListMessages(ctx context.Context, filter storage.MessageFilter) ([]*types.Message, error) {
	var out []*types.Message
	err := e.withRetry(ctx, "list", func() error {
		return e.store.WithTxn(ctx, func(tx storage.Txn) error {
			if _, err := getQueue(ctx, tx, filter.Queue); err != nil {
				return err
			}
			var err error
			out, err = tx.ListMessages(ctx, filter)
			return err
		})
	})
	return out, err
}

// Export returns every message in the queue for a JSON dump
func (e *Engine) Export(ctx context.Context, queue string) ([]*types.Message, error) {
	return e.ListMessages(ctx, storage.MessageFilter{Queue: queue})
}

// Import inserts previously exported messages into the queue in one
// transaction. Messages without an id get a fresh one; ids that collide with
// existing messages fail the whole import with ErrIntegrity. Messages never
// arrive in processing state: exported processing rows are requeued.
func (e *Engine) Import(ctx context.Context, queue string, msgs []*types.Message, triggeredBy string) ([]string, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: empty import", ErrInvalidArgument)
	}
	if triggeredBy == "" {
		triggeredBy = e.actors.Manual
	}
	for _, m := range msgs {
		if e.cfg.MaxPayloadBytes > 0 && len(m.Payload) > e.cfg.MaxPayloadBytes {
			return nil, fmt.Errorf("%w: message %s: %d bytes exceeds cap of %d",
				ErrPayloadTooLarge, m.ID, len(m.Payload), e.cfg.MaxPayloadBytes)
		}
		if m.Status != "" && !types.ValidStatus(m.Status) {
			return nil, fmt.Errorf("%w: message %s: invalid status %q", ErrInvalidArgument, m.ID, m.Status)
		}
	}

	ids := make([]string, len(msgs))
	err := e.withRetry(ctx, "import", func() error {
		return e.store.WithTxn(ctx, func(tx storage.Txn) error {
			if _, err := getQueue(ctx, tx, queue); err != nil {
				return err
			}

			now := time.Now().UTC()
			inserts := make([]*types.Message, len(msgs))
			for i, src := range msgs {
				m := *src
				if m.ID == "" {
					m.ID = uuid.NewString()
				}
				ids[i] = m.ID
				m.Queue = queue
				m.Priority = types.ClampPriority(m.Priority)
				m.PayloadSize = len(m.Payload)
				if m.Status == "" || m.Status == types.StatusProcessing {
					m.Status = types.StatusQueued
				}
				m.ConsumerID = ""
				m.LockToken = ""
				m.LockedAt = nil
				m.LockedUntil = nil
				if m.CreatedAt.IsZero() {
					m.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
				}
				inserts[i] = &m
			}
			if err := tx.InsertMessages(ctx, inserts); err != nil {
				if errors.Is(err, storage.ErrDuplicate) {
					return fmt.Errorf("%w: %v", ErrIntegrity, err)
				}
				return err
			}

			_, err := e.activity.Record(ctx, tx, &activity.Record{
				Kind:          anomaly.KindBulkOperation,
				Action:        types.ActionEnqueue,
				Queue:         queue,
				DestStatus:    types.StatusQueued,
				BulkOperation: "enqueue",
				AffectedCount: len(inserts),
				BatchID:       uuid.NewString(),
				BatchSize:     len(inserts),
				Reason:        "import",
				TriggeredBy:   triggeredBy,
				Timestamp:     now,
			})
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.OperationsTotal.WithLabelValues(queue, string(types.ActionEnqueue)).Add(float64(len(msgs)))
	return ids, nil
}

// applyMove transitions a message to target, clearing any lock state. Moving
// back to queued grants a fresh delivery budget and a clean error state.
func applyMove(msg *types.Message, target types.Status, now time.Time) {
	if msg.Status == types.StatusProcessing {
		msg.PrevConsumerID = msg.ConsumerID
		msg.PrevLockToken = msg.LockToken
	}
	msg.ConsumerID = ""
	msg.LockToken = ""
	msg.LockedAt = nil
	msg.LockedUntil = nil

	switch target {
	case types.StatusQueued:
		msg.AttemptCount = 0
		msg.ErrorReason = ""
		msg.AcknowledgedAt = nil
	case types.StatusAcknowledged:
		if msg.AcknowledgedAt == nil {
			msg.AcknowledgedAt = &now
		}
	}
	msg.Status = target
}
