package admin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/courier/pkg/activity"
	"github.com/cuemby/courier/pkg/anomaly"
	"github.com/cuemby/courier/pkg/config"
	"github.com/cuemby/courier/pkg/engine"
	"github.com/cuemby/courier/pkg/events"
	"github.com/cuemby/courier/pkg/storage"
	"github.com/cuemby/courier/pkg/types"
)

func newTestService(t *testing.T) (*Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	cfg := config.Default()
	cfg.Engine.RetryAttempts = 0
	cfg.Engine.RetryBackoffMs = 1

	logger := activity.NewLogger(anomaly.NewDefaultRegistry(), anomaly.Thresholds{
		FlashThresholdMs:  cfg.Detectors.FlashThresholdMs,
		LargePayloadBytes: cfg.Detectors.LargePayloadBytes,
		LongProcessingMs:  cfg.Detectors.LongProcessingMs,
		NearDLQThreshold:  cfg.Detectors.NearDLQThreshold,
		ZombieMultiplier:  cfg.Detectors.ZombieMultiplier,
		BurstCount:        cfg.Detectors.BurstCount,
		BurstSeconds:      cfg.Detectors.BurstSeconds,
		BulkThreshold:     cfg.Detectors.BulkThreshold,
	})
	eng := engine.New(store, logger, events.NewBus(cfg.Events.SubscriberBuffer), cfg)
	return New(store, eng, cfg), store
}

func TestCreateQueue(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	t.Run("defaults applied", func(t *testing.T) {
		q, err := s.CreateQueue(ctx, CreateQueueRequest{Name: "orders"})
		require.NoError(t, err)
		assert.Equal(t, types.QueueTypeStandard, q.Type)
		assert.Equal(t, defaultAckTimeoutSeconds, q.AckTimeoutSeconds)
		assert.Equal(t, defaultMaxAttempts, q.MaxAttempts)
	})

	t.Run("duplicate name", func(t *testing.T) {
		_, err := s.CreateQueue(ctx, CreateQueueRequest{Name: "orders"})
		assert.ErrorIs(t, err, ErrQueueExists)
	})

	t.Run("invalid name", func(t *testing.T) {
		_, err := s.CreateQueue(ctx, CreateQueueRequest{Name: "no spaces"})
		assert.ErrorIs(t, err, engine.ErrInvalidArgument)
	})

	t.Run("invalid type", func(t *testing.T) {
		_, err := s.CreateQueue(ctx, CreateQueueRequest{Name: "x", Type: "bogus"})
		assert.ErrorIs(t, err, engine.ErrInvalidArgument)
	})

	t.Run("partitioned gets daily interval", func(t *testing.T) {
		q, err := s.CreateQueue(ctx, CreateQueueRequest{
			Name: "events", Type: types.QueueTypePartitioned,
		})
		require.NoError(t, err)
		assert.Equal(t, types.PartitionDaily, q.PartitionInterval)
	})
}

func TestListQueuesWithCounts(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.CreateQueue(ctx, CreateQueueRequest{Name: "b-queue"})
	require.NoError(t, err)
	_, err = s.CreateQueue(ctx, CreateQueueRequest{Name: "a-queue"})
	require.NoError(t, err)

	_, err = s.engine.Enqueue(ctx, "a-queue", engine.EnqueueRequest{Payload: []byte("x")})
	require.NoError(t, err)

	infos, err := s.ListQueues(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a-queue", infos[0].Name)
	assert.Equal(t, 1, infos[0].Counts.Queued)
	assert.Equal(t, "b-queue", infos[1].Name)
	assert.Equal(t, 0, infos[1].Counts.Queued)
}

func TestUpdateQueueMutableFieldsOnly(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.CreateQueue(ctx, CreateQueueRequest{Name: "orders"})
	require.NoError(t, err)

	timeout, attempts := 60, 5
	desc := "order processing"
	q, err := s.UpdateQueue(ctx, "orders", UpdateQueueRequest{
		AckTimeoutSeconds: &timeout,
		MaxAttempts:       &attempts,
		Description:       &desc,
	})
	require.NoError(t, err)
	assert.Equal(t, 60, q.AckTimeoutSeconds)
	assert.Equal(t, 5, q.MaxAttempts)
	assert.Equal(t, "order processing", q.Description)
	assert.Equal(t, types.QueueTypeStandard, q.Type)

	t.Run("nil leaves unchanged", func(t *testing.T) {
		q, err := s.UpdateQueue(ctx, "orders", UpdateQueueRequest{})
		require.NoError(t, err)
		assert.Equal(t, 60, q.AckTimeoutSeconds)
	})

	t.Run("unknown queue", func(t *testing.T) {
		_, err := s.UpdateQueue(ctx, "missing", UpdateQueueRequest{})
		assert.ErrorIs(t, err, engine.ErrUnknownQueue)
	})

	t.Run("zero timeout rejected", func(t *testing.T) {
		zero := 0
		_, err := s.UpdateQueue(ctx, "orders", UpdateQueueRequest{AckTimeoutSeconds: &zero})
		assert.ErrorIs(t, err, engine.ErrInvalidArgument)
	})
}

func TestRenameQueueMovesMessages(t *testing.T) {
	s, store := newTestService(t)
	ctx := context.Background()

	_, err := s.CreateQueue(ctx, CreateQueueRequest{Name: "orders"})
	require.NoError(t, err)
	id, err := s.engine.Enqueue(ctx, "orders", engine.EnqueueRequest{Payload: []byte("x")})
	require.NoError(t, err)

	require.NoError(t, s.RenameQueue(ctx, "orders", "orders-v2"))

	_, err = store.GetQueue(ctx, "orders")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	counts, err := store.CountMessages(ctx, "orders-v2")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Queued)

	msgs, err := s.engine.Dequeue(ctx, "orders-v2", "c1", engine.DequeueOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)

	t.Run("rename to taken name", func(t *testing.T) {
		_, err := s.CreateQueue(ctx, CreateQueueRequest{Name: "other"})
		require.NoError(t, err)
		err = s.RenameQueue(ctx, "other", "orders-v2")
		assert.ErrorIs(t, err, ErrQueueExists)
	})
}

func TestDeleteQueue(t *testing.T) {
	s, store := newTestService(t)
	ctx := context.Background()

	_, err := s.CreateQueue(ctx, CreateQueueRequest{Name: "orders"})
	require.NoError(t, err)
	_, err = s.engine.Enqueue(ctx, "orders", engine.EnqueueRequest{Payload: []byte("x")})
	require.NoError(t, err)

	t.Run("refuses non-empty", func(t *testing.T) {
		err := s.DeleteQueue(ctx, "orders", false, "")
		assert.ErrorIs(t, err, ErrQueueNotEmpty)
	})

	t.Run("force clears then deletes", func(t *testing.T) {
		require.NoError(t, s.DeleteQueue(ctx, "orders", true, "ops@example.com"))
		_, err := store.GetQueue(ctx, "orders")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("unknown queue", func(t *testing.T) {
		err := s.DeleteQueue(ctx, "missing", false, "")
		assert.ErrorIs(t, err, engine.ErrUnknownQueue)
	})
}

func TestPurgeQueueKeepsDefinition(t *testing.T) {
	s, store := newTestService(t)
	ctx := context.Background()

	_, err := s.CreateQueue(ctx, CreateQueueRequest{Name: "orders"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.engine.Enqueue(ctx, "orders", engine.EnqueueRequest{Payload: []byte("x")})
		require.NoError(t, err)
	}

	n, err := s.PurgeQueue(ctx, "orders", "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = store.GetQueue(ctx, "orders")
	require.NoError(t, err)
	counts, err := store.CountMessages(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Queued)
}

func TestGetMetricsAggregates(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.CreateQueue(ctx, CreateQueueRequest{Name: "a"})
	require.NoError(t, err)
	_, err = s.CreateQueue(ctx, CreateQueueRequest{Name: "b"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := s.engine.Enqueue(ctx, "a", engine.EnqueueRequest{Payload: []byte("x")})
		require.NoError(t, err)
	}
	_, err = s.engine.Enqueue(ctx, "b", engine.EnqueueRequest{Payload: []byte("x")})
	require.NoError(t, err)
	_, err = s.engine.Dequeue(ctx, "a", "c1", engine.DequeueOptions{})
	require.NoError(t, err)

	m, err := s.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Queues)
	assert.Equal(t, 2, m.Queued)
	assert.Equal(t, 1, m.Processing)
	require.Len(t, m.Consumers, 1)
	assert.Equal(t, "c1", m.Consumers[0].ConsumerID)
	assert.Equal(t, int64(1), m.Consumers[0].DequeueCount)
}

func TestGetConfigRedactsDSN(t *testing.T) {
	s, _ := newTestService(t)
	cfg := s.GetConfig()
	assert.Empty(t, cfg.Storage.DSN)
	assert.NotEmpty(t, s.cfg.Storage.DSN)
}
