package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/cuemby/courier/pkg/activity"
	"github.com/cuemby/courier/pkg/anomaly"
	"github.com/cuemby/courier/pkg/config"
	"github.com/cuemby/courier/pkg/events"
	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/metrics"
	"github.com/cuemby/courier/pkg/storage"
	"github.com/cuemby/courier/pkg/types"
)

// Engine drives the message lifecycle state machine. Every operation runs a
// single storage transaction that performs the state change and writes its
// activity entry, so audit and state commit or roll back together.
type Engine struct {
	store     storage.Store
	activity  *activity.Logger
	bus       *events.Bus
	cfg       config.EngineConfig
	actors    config.ActorConfig
	consumers *consumerTracker
	breaker   *gobreaker.CircuitBreaker

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an engine. Call Start to launch the reaper and Close to shut
// down.
func New(store storage.Store, logger *activity.Logger, bus *events.Bus, cfg *config.Config) *Engine {
	return &Engine{
		store:     store,
		activity:  logger,
		bus:       bus,
		cfg:       cfg.Engine,
		actors:    cfg.Actors,
		consumers: newConsumerTracker(time.Duration(cfg.Detectors.BurstSeconds) * time.Second),
		breaker:   newBreaker(),
		stopCh:    make(chan struct{}),
	}
}

// EnqueueRequest describes one message to enqueue
type EnqueueRequest struct {
	// ID is optional; a UUID is generated when empty
	ID                string
	Type              string
	Payload           []byte
	Priority          int
	CustomMaxAttempts *int
	CustomAckTimeout  *int // seconds
}

// DequeueOptions tunes a dequeue call
type DequeueOptions struct {
	// Count of messages to claim; defaults to 1
	Count int
	// TypeFilter restricts claims to messages of this type
	TypeFilter string
	// AckTimeoutOverride replaces the queue default and any per-message
	// override for this claim (seconds).
	AckTimeoutOverride *int
	// WaitTimeout makes an empty dequeue block until a message may be
	// available, then retry once. Zero means non-blocking.
	WaitTimeout time.Duration
}

// AckRequest identifies the message and lock being acknowledged
type AckRequest struct {
	ID         string
	LockToken  string
	ConsumerID string
}

// NackRequest identifies the message and lock being negatively acknowledged
type NackRequest struct {
	ID         string
	LockToken  string
	ConsumerID string
	Reason     string
}

// TouchRequest extends the visibility timeout of a processing message
type TouchRequest struct {
	ID        string
	LockToken string
}

// Enqueue inserts a single message and returns its id. It is a thin wrapper
// over the batch path.
func (e *Engine) Enqueue(ctx context.Context, queue string, req EnqueueRequest) (string, error) {
	ids, err := e.EnqueueBatch(ctx, queue, []EnqueueRequest{req})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueBatch inserts messages in slice order within one transaction. A
// single-message batch audits as a plain enqueue; larger batches produce one
// aggregate activity entry with a batch id. created_at values are assigned
// monotonically so FIFO order within the batch is preserved.
func (e *Engine) EnqueueBatch(ctx context.Context, queue string, reqs []EnqueueRequest) ([]string, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidArgument)
	}
	if !types.ValidQueueName(queue) {
		return nil, fmt.Errorf("%w: bad queue name %q", ErrInvalidArgument, queue)
	}
	for i := range reqs {
		if e.cfg.MaxPayloadBytes > 0 && len(reqs[i].Payload) > e.cfg.MaxPayloadBytes {
			return nil, fmt.Errorf("%w: %d bytes exceeds cap of %d",
				ErrPayloadTooLarge, len(reqs[i].Payload), e.cfg.MaxPayloadBytes)
		}
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, string(types.ActionEnqueue))

	ids := make([]string, len(reqs))
	err := e.withRetry(ctx, "enqueue", func() error {
		return e.store.WithTxn(ctx, func(tx storage.Txn) error {
			q, err := getQueue(ctx, tx, queue)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			msgs := make([]*types.Message, len(reqs))
			for i, req := range reqs {
				id := req.ID
				if id == "" {
					id = uuid.NewString()
				}
				ids[i] = id
				msgs[i] = &types.Message{
					ID:                id,
					Queue:             queue,
					Type:              req.Type,
					Priority:          types.ClampPriority(req.Priority),
					Payload:           req.Payload,
					PayloadSize:       len(req.Payload),
					Status:            types.StatusQueued,
					CustomMaxAttempts: req.CustomMaxAttempts,
					CustomAckTimeout:  req.CustomAckTimeout,
					CreatedAt:         now.Add(time.Duration(i) * time.Microsecond),
				}
			}
			if err := tx.InsertMessages(ctx, msgs); err != nil {
				if errors.Is(err, storage.ErrDuplicate) {
					return fmt.Errorf("%w: %v", ErrIntegrity, err)
				}
				return err
			}

			if len(msgs) == 1 {
				_, err = e.activity.Record(ctx, tx, &activity.Record{
					Kind:        anomaly.KindEnqueue,
					Action:      types.ActionEnqueue,
					Queue:       queue,
					Message:     msgs[0],
					QueueDef:    q,
					DestStatus:  types.StatusQueued,
					TriggeredBy: e.actors.Relay,
					Timestamp:   now,
				})
				return err
			}
			_, err = e.activity.Record(ctx, tx, &activity.Record{
				Kind:          anomaly.KindBulkOperation,
				Action:        types.ActionEnqueue,
				Queue:         queue,
				DestStatus:    types.StatusQueued,
				BulkOperation: "enqueue",
				AffectedCount: len(msgs),
				BatchID:       uuid.NewString(),
				BatchSize:     len(msgs),
				TriggeredBy:   e.actors.Relay,
				Timestamp:     now,
			})
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.OperationsTotal.WithLabelValues(queue, string(types.ActionEnqueue)).Add(float64(len(reqs)))
	return ids, nil
}

// Dequeue claims up to opts.Count queued messages for the consumer, ordered
// by priority (descending) then created_at (ascending). When the queue is
// empty and WaitTimeout is set, it waits on the event bus for a message to
// become claimable and retries once. No transaction is held while waiting.
func (e *Engine) Dequeue(ctx context.Context, queue, consumerID string, opts DequeueOptions) ([]*types.Message, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if consumerID == "" {
		return nil, fmt.Errorf("%w: consumer id required", ErrInvalidArgument)
	}
	count := opts.Count
	if count <= 0 {
		count = 1
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, string(types.ActionDequeue))

	if opts.WaitTimeout <= 0 {
		return e.claim(ctx, queue, consumerID, count, opts)
	}

	// Subscribe before the first claim: an enqueue that commits between the
	// claim transaction and the subscription would otherwise never signal.
	sub := e.bus.Subscribe(queue)
	defer e.bus.Unsubscribe(sub)

	msgs, err := e.claim(ctx, queue, consumerID, count, opts)
	if err != nil || len(msgs) > 0 {
		return msgs, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.WaitTimeout)
	defer cancel()
	sub.WaitForMessage(waitCtx)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Final claim regardless of a signal: event delivery is best-effort and
	// a wakeup may have been dropped.
	return e.claim(ctx, queue, consumerID, count, opts)
}

func (e *Engine) claim(ctx context.Context, queue, consumerID string, count int, opts DequeueOptions) ([]*types.Message, error) {
	var claimed []*types.Message
	err := e.withRetry(ctx, "dequeue", func() error {
		claimed = nil
		return e.store.WithTxn(ctx, func(tx storage.Txn) error {
			q, err := getQueue(ctx, tx, queue)
			if err != nil {
				return err
			}

			msgs, err := tx.LockAndClaim(ctx, storage.ClaimSpec{
				Queue:              queue,
				Count:              count,
				ConsumerID:         consumerID,
				TypeFilter:         opts.TypeFilter,
				AckTimeoutOverride: opts.AckTimeoutOverride,
				DefaultAckTimeout:  q.AckTimeoutSeconds,
			})
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				return nil
			}

			now := time.Now().UTC()
			recent := e.consumers.recordDequeue(consumerID, len(msgs), now)
			for _, m := range msgs {
				_, err := e.activity.Record(ctx, tx, &activity.Record{
					Kind:           anomaly.KindDequeue,
					Action:         types.ActionDequeue,
					Queue:          queue,
					Message:        m,
					QueueDef:       q,
					SourceStatus:   types.StatusQueued,
					DestStatus:     types.StatusProcessing,
					ConsumerID:     consumerID,
					TimeInQueueMs:  now.Sub(m.CreatedAt).Milliseconds(),
					RecentDequeues: recent,
					TriggeredBy:    e.actors.Relay,
					Timestamp:      now,
				})
				if err != nil {
					return err
				}
			}
			claimed = msgs
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if len(claimed) > 0 {
		metrics.OperationsTotal.WithLabelValues(queue, string(types.ActionDequeue)).Add(float64(len(claimed)))
	}
	return claimed, nil
}

// Acknowledge transitions a processing message to acknowledged. The lock
// token must match the message's current token; a stale token leaves state
// untouched, audits the attempt with a lock_stolen anomaly, and returns
// ErrLockMismatch.
func (e *Engine) Acknowledge(ctx context.Context, req AckRequest) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, string(types.ActionAck))

	var mismatch bool
	var queue string
	err := e.withRetry(ctx, "ack", func() error {
		mismatch = false
		return e.store.WithTxn(ctx, func(tx storage.Txn) error {
			msg, err := getMessage(ctx, tx, req.ID)
			if err != nil {
				return err
			}
			q, err := getQueue(ctx, tx, msg.Queue)
			if err != nil {
				return err
			}
			queue = msg.Queue
			now := time.Now().UTC()

			if msg.Status != types.StatusProcessing || msg.LockToken != req.LockToken {
				mismatch = true
				_, err := e.activity.Record(ctx, tx, &activity.Record{
					Kind:              anomaly.KindAck,
					Action:            types.ActionAck,
					Queue:             msg.Queue,
					Message:           msg,
					QueueDef:          q,
					SourceStatus:      msg.Status,
					DestStatus:        msg.Status,
					ConsumerID:        req.ConsumerID,
					ReceivedLockToken: req.LockToken,
					ErrorReason:       "lock token mismatch",
					ErrorCode:         "LOCK_MISMATCH",
					TriggeredBy:       e.actors.Relay,
					SkipNotify:        true,
					Timestamp:         now,
				})
				return err
			}

			var processingMs int64
			if msg.LockedAt != nil {
				processingMs = now.Sub(*msg.LockedAt).Milliseconds()
			}

			// Audit from a snapshot taken before the lock fields are cleared
			audit := *msg

			msg.Status = types.StatusAcknowledged
			msg.AcknowledgedAt = &now
			msg.PrevConsumerID = msg.ConsumerID
			msg.PrevLockToken = msg.LockToken
			msg.ConsumerID = ""
			msg.LockToken = ""
			msg.LockedAt = nil
			msg.LockedUntil = nil
			if err := tx.UpdateMessage(ctx, msg); err != nil {
				return err
			}

			_, err = e.activity.Record(ctx, tx, &activity.Record{
				Kind:                  anomaly.KindAck,
				Action:                types.ActionAck,
				Queue:                 msg.Queue,
				Message:               &audit,
				QueueDef:              q,
				SourceStatus:          types.StatusProcessing,
				DestStatus:            types.StatusAcknowledged,
				ConsumerID:            req.ConsumerID,
				ReceivedLockToken:     req.LockToken,
				ProcessingTimeMs:      processingMs,
				TotalProcessingTimeMs: processingMs,
				TriggeredBy:           e.actors.Relay,
				Timestamp:             now,
			})
			return err
		})
	})
	if err != nil {
		return err
	}
	if mismatch {
		logger := log.WithConsumer(req.ConsumerID)
		logger.Warn().Str("message_id", req.ID).Msg("acknowledge rejected, stale lock token")
		return ErrLockMismatch
	}

	metrics.OperationsTotal.WithLabelValues(queue, string(types.ActionAck)).Inc()
	return nil
}

// Nack reports a delivery failure. The attempt count is incremented; with
// attempts remaining the message returns to queued, otherwise it moves to
// dead and the entry carries a dlq_movement anomaly.
func (e *Engine) Nack(ctx context.Context, req NackRequest) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, string(types.ActionNack))

	var mismatch bool
	var queue string
	var recorded types.Action
	err := e.withRetry(ctx, "nack", func() error {
		mismatch = false
		return e.store.WithTxn(ctx, func(tx storage.Txn) error {
			msg, err := getMessage(ctx, tx, req.ID)
			if err != nil {
				return err
			}
			q, err := getQueue(ctx, tx, msg.Queue)
			if err != nil {
				return err
			}
			queue = msg.Queue
			now := time.Now().UTC()

			if msg.Status != types.StatusProcessing || msg.LockToken != req.LockToken {
				mismatch = true
				_, err := e.activity.Record(ctx, tx, &activity.Record{
					Action:            types.ActionNack,
					Queue:             msg.Queue,
					Message:           msg,
					QueueDef:          q,
					SourceStatus:      msg.Status,
					DestStatus:        msg.Status,
					ConsumerID:        req.ConsumerID,
					ReceivedLockToken: req.LockToken,
					ErrorReason:       "lock token mismatch",
					ErrorCode:         "LOCK_MISMATCH",
					TriggeredBy:       e.actors.Relay,
					SkipNotify:        true,
					Timestamp:         now,
				})
				return err
			}

			var processingMs int64
			if msg.LockedAt != nil {
				processingMs = now.Sub(*msg.LockedAt).Milliseconds()
			}

			dest, dlq := failAttempt(msg, q, req.Reason)
			if err := tx.UpdateMessage(ctx, msg); err != nil {
				return err
			}

			action := types.ActionNack
			if dlq {
				action = types.ActionDLQ
			}
			recorded = action
			_, err = e.activity.Record(ctx, tx, &activity.Record{
				Kind:              anomaly.KindNack,
				Action:            action,
				Queue:             msg.Queue,
				Message:           msg,
				QueueDef:          q,
				SourceStatus:      types.StatusProcessing,
				DestStatus:        dest,
				ConsumerID:        req.ConsumerID,
				ReceivedLockToken: req.LockToken,
				ProcessingTimeMs:  processingMs,
				DLQTransition:     dlq,
				ErrorReason:       req.Reason,
				Reason:            req.Reason,
				TriggeredBy:       e.actors.Relay,
				Timestamp:         now,
			})
			return err
		})
	})
	if err != nil {
		return err
	}
	if mismatch {
		return ErrLockMismatch
	}

	metrics.OperationsTotal.WithLabelValues(queue, string(recorded)).Inc()
	return nil
}

// Touch extends the visibility timeout of a processing message by its
// effective ack timeout.
func (e *Engine) Touch(ctx context.Context, req TouchRequest) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, string(types.ActionTouch))

	var mismatch bool
	var queue string
	err := e.withRetry(ctx, "touch", func() error {
		mismatch = false
		return e.store.WithTxn(ctx, func(tx storage.Txn) error {
			msg, err := getMessage(ctx, tx, req.ID)
			if err != nil {
				return err
			}
			q, err := getQueue(ctx, tx, msg.Queue)
			if err != nil {
				return err
			}
			queue = msg.Queue
			now := time.Now().UTC()

			if msg.Status != types.StatusProcessing || msg.LockToken != req.LockToken {
				mismatch = true
				_, err := e.activity.Record(ctx, tx, &activity.Record{
					Action:            types.ActionTouch,
					Queue:             msg.Queue,
					Message:           msg,
					QueueDef:          q,
					SourceStatus:      msg.Status,
					DestStatus:        msg.Status,
					ReceivedLockToken: req.LockToken,
					ErrorReason:       "lock token mismatch",
					ErrorCode:         "LOCK_MISMATCH",
					TriggeredBy:       e.actors.Relay,
					SkipNotify:        true,
					Timestamp:         now,
				})
				return err
			}

			until := now.Add(msg.EffectiveAckTimeout(q))
			msg.LockedUntil = &until
			if err := tx.UpdateMessage(ctx, msg); err != nil {
				return err
			}

			_, err = e.activity.Record(ctx, tx, &activity.Record{
				Action:       types.ActionTouch,
				Queue:        msg.Queue,
				Message:      msg,
				QueueDef:     q,
				SourceStatus: types.StatusProcessing,
				DestStatus:   types.StatusProcessing,
				ConsumerID:   msg.ConsumerID,
				TriggeredBy:  e.actors.Relay,
				Timestamp:    now,
			})
			return err
		})
	})
	if err != nil {
		return err
	}
	if mismatch {
		return ErrLockMismatch
	}

	metrics.OperationsTotal.WithLabelValues(queue, string(types.ActionTouch)).Inc()
	return nil
}

// ConsumerStats returns a snapshot of the per-consumer derived view
func (e *Engine) ConsumerStats() []types.ConsumerStats {
	return e.consumers.Stats()
}

// failAttempt applies a delivery failure to a processing message: bumps the
// attempt count, clears the lock, and either requeues the message or moves
// it to dead when the attempt budget is exhausted.
func failAttempt(msg *types.Message, q *types.Queue, reason string) (types.Status, bool) {
	msg.AttemptCount++
	msg.ErrorReason = reason
	msg.PrevConsumerID = msg.ConsumerID
	msg.PrevLockToken = msg.LockToken
	msg.ConsumerID = ""
	msg.LockToken = ""
	msg.LockedAt = nil
	msg.LockedUntil = nil

	if msg.AttemptCount < msg.EffectiveMaxAttempts(q) {
		msg.Status = types.StatusQueued
		return types.StatusQueued, false
	}
	msg.Status = types.StatusDead
	return types.StatusDead, true
}

func getQueue(ctx context.Context, tx storage.Txn, name string) (*types.Queue, error) {
	q, err := tx.GetQueue(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
		}
		return nil, err
	}
	return q, nil
}

func getMessage(ctx context.Context, tx storage.Txn, id string) (*types.Message, error) {
	msg, err := tx.GetMessageForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("message %s: %w", id, err)
		}
		return nil, err
	}
	return msg, nil
}
