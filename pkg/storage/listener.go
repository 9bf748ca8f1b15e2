package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/types"
)

// listenRetryDelay is the pause before re-establishing a dropped LISTEN
// connection.
const listenRetryDelay = 2 * time.Second

// Listen holds a dedicated connection subscribed to the queue event channel
// and invokes handler for every decoded notification. It blocks until ctx is
// cancelled, reconnecting with a fixed delay whenever the connection drops.
func (s *PostgresStore) Listen(ctx context.Context, handler NotificationHandler) error {
	logger := log.WithComponent("storage-listener")

	for {
		if err := s.listenOnce(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn().Err(err).Msg("listen connection lost, reconnecting")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(listenRetryDelay):
		}
	}
}

// listenOnce runs a single LISTEN session until the connection fails or ctx
// is cancelled.
func (s *PostgresStore) listenOnce(ctx context.Context, handler NotificationHandler) error {
	poolConn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// Hijack removes the connection from the pool so notifications are never
	// interleaved with pooled query traffic.
	conn := poolConn.Hijack()
	defer func() { _ = conn.Close(context.Background()) }()

	channel := pgx.Identifier{s.channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return err
	}

	logger := log.WithComponent("storage-listener")
	logger.Debug().Str("channel", s.channel).Msg("listening for queue events")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var event types.Event
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			logger.Warn().Err(err).Str("payload", notification.Payload).
				Msg("dropping malformed queue event")
			continue
		}
		handler(event)
	}
}

// IsTransient reports whether err is a retryable storage failure
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
