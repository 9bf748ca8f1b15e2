package engine

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/courier/pkg/activity"
	"github.com/cuemby/courier/pkg/anomaly"
	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/metrics"
	"github.com/cuemby/courier/pkg/storage"
	"github.com/cuemby/courier/pkg/types"
)

// Start launches the background reaper. The reaper reclaims expired locks
// and applies retention pruning on a jittered interval. Claims use
// skip-locked row selection, so running reapers in multiple broker instances
// is safe.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.reapLoop()
}

// Close stops the engine. New enqueues and dequeues are rejected with
// ErrClosed; in-flight acks and nacks complete. Blocks until the reaper has
// exited.
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) reapLoop() {
	defer e.wg.Done()

	logger := log.WithComponent("reaper")
	logger.Info().
		Int("interval_seconds", e.cfg.ReaperIntervalSeconds).
		Msg("reaper started")
	metrics.RegisterComponent("reaper", true, "")

	for {
		select {
		case <-time.After(e.jitteredInterval()):
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			now := time.Now().UTC()

			if n, err := e.ReapExpired(ctx, now); err != nil {
				logger.Warn().Err(err).Msg("reap pass failed")
			} else if n > 0 {
				logger.Info().Int("reaped", n).Msg("reclaimed expired locks")
			}

			if err := e.SweepRetention(ctx, now); err != nil {
				logger.Warn().Err(err).Msg("retention sweep failed")
			}
			cancel()
		case <-e.stopCh:
			metrics.UpdateComponent("reaper", false, "stopped")
			logger.Info().Msg("reaper stopped")
			return
		}
	}
}

// jitteredInterval spreads reap passes ±10% around the configured interval
// so multiple instances do not sweep in lockstep.
func (e *Engine) jitteredInterval() time.Duration {
	base := time.Duration(e.cfg.ReaperIntervalSeconds) * time.Second
	if base < time.Second {
		base = time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base)/5)) - base/10
	return base + jitter
}

// ReapExpired requeues or dead-letters every processing message whose lock
// expired before now, with the same accounting as a nack with reason
// "timeout". Running it twice at the same instant is idempotent: the second
// pass finds nothing. Returns the number of messages reclaimed.
func (e *Engine) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	var reaped int
	err := e.withRetry(ctx, "reap", func() error {
		reaped = 0
		return e.store.WithTxn(ctx, func(tx storage.Txn) error {
			expired, err := tx.FindExpiredLocks(ctx, now)
			if err != nil {
				return err
			}

			for _, msg := range expired {
				q, err := getQueue(ctx, tx, msg.Queue)
				if err != nil {
					return err
				}

				var overdueMs int64
				if msg.LockedUntil != nil {
					overdueMs = now.Sub(*msg.LockedUntil).Milliseconds()
				}
				expectedMs := msg.EffectiveAckTimeout(q).Milliseconds()
				prevConsumer := msg.ConsumerID

				dest, dlq := failAttempt(msg, q, "timeout")
				if err := tx.UpdateMessage(ctx, msg); err != nil {
					return err
				}

				action := types.ActionTimeout
				if dlq {
					action = types.ActionDLQ
				}
				_, err = e.activity.Record(ctx, tx, &activity.Record{
					Kind:              anomaly.KindTimeoutRequeue,
					Action:            action,
					Queue:             msg.Queue,
					Message:           msg,
					QueueDef:          q,
					SourceStatus:      types.StatusProcessing,
					DestStatus:        dest,
					PrevConsumerID:    prevConsumer,
					OverdueMs:         overdueMs,
					ExpectedTimeoutMs: expectedMs,
					DLQTransition:     dlq,
					Reason:            "timeout",
					TriggeredBy:       e.actors.Relay,
					Timestamp:         now,
				})
				if err != nil {
					return err
				}
				if dlq {
					logger := log.WithMessageID(msg.ID)
					logger.Warn().Str("queue", msg.Queue).Msg("dead-lettered after lock timeout")
				}
				reaped++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	if reaped > 0 {
		metrics.MessagesReaped.Add(float64(reaped))
	}
	return reaped, nil
}

// SweepRetention prunes acknowledged messages past the ack grace period or
// the queue's retention interval, and activity entries past retention.
func (e *Engine) SweepRetention(ctx context.Context, now time.Time) error {
	queues, err := e.store.ListQueues(ctx)
	if err != nil {
		return err
	}

	for _, q := range queues {
		var cutoff time.Time
		if e.cfg.AckGraceSeconds > 0 {
			cutoff = now.Add(-time.Duration(e.cfg.AckGraceSeconds) * time.Second)
		}
		if q.RetentionSeconds > 0 {
			retCutoff := now.Add(-time.Duration(q.RetentionSeconds) * time.Second)
			if retCutoff.After(cutoff) {
				cutoff = retCutoff
			}
		}
		if !cutoff.IsZero() {
			if err := e.pruneAcknowledged(ctx, q.Name, cutoff); err != nil {
				return err
			}
		}
		if q.RetentionSeconds > 0 {
			retCutoff := now.Add(-time.Duration(q.RetentionSeconds) * time.Second)
			if _, err := e.store.PruneActivity(ctx, q.Name, retCutoff); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) pruneAcknowledged(ctx context.Context, queue string, cutoff time.Time) error {
	return e.withRetry(ctx, "retention", func() error {
		return e.store.WithTxn(ctx, func(tx storage.Txn) error {
			ids, err := tx.DeleteMessages(ctx, storage.MessageFilter{
				Queue:       queue,
				Status:      types.StatusAcknowledged,
				AckedBefore: cutoff,
			})
			if err != nil || len(ids) == 0 {
				return err
			}

			_, err = e.activity.Record(ctx, tx, &activity.Record{
				Action:        types.ActionDelete,
				Queue:         queue,
				SourceStatus:  types.StatusAcknowledged,
				BulkOperation: "delete",
				AffectedCount: len(ids),
				BatchID:       uuid.NewString(),
				BatchSize:     len(ids),
				Reason:        "retention",
				TriggeredBy:   e.actors.Relay,
				SkipNotify:    true,
			})
			return err
		})
	})
}
