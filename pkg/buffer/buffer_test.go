package buffer

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

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

// flakyStore fails every transaction with a transient error while tripped
type flakyStore struct {
	*storage.MemoryStore
	fail atomic.Bool
}

func (s *flakyStore) WithTxn(ctx context.Context, fn func(storage.Txn) error) error {
	if s.fail.Load() {
		return fmt.Errorf("connect: %w", storage.ErrTransient)
	}
	return s.MemoryStore.WithTxn(ctx, fn)
}

func newTestBuffer(t *testing.T, maxSize, maxWaitMs int) (*Buffer, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	b := newTestBufferWith(t, store, maxSize, maxWaitMs)
	return b, store
}

func newTestBufferWith(t *testing.T, store storage.Store, maxSize, maxWaitMs int) *Buffer {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.RetryAttempts = 0
	cfg.Engine.RetryBackoffMs = 1
	cfg.Buffer.Enabled = true
	cfg.Buffer.MaxSize = maxSize
	cfg.Buffer.MaxWaitMs = maxWaitMs

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
	e := engine.New(store, logger, events.NewBus(cfg.Events.SubscriberBuffer), cfg)

	require.NoError(t, store.CreateQueue(context.Background(), &types.Queue{
		Name:              "orders",
		Type:              types.QueueTypeStandard,
		AckTimeoutSeconds: 30,
		MaxAttempts:       3,
	}))
	return New(e, cfg.Buffer)
}

func TestAddAssignsIDImmediately(t *testing.T) {
	b, _ := newTestBuffer(t, 10, 1000)

	p, err := b.Add(context.Background(), "orders", engine.EnqueueRequest{Payload: []byte("x")})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, 1, b.Size())

	// Not yet written
	counts, err := b.engine.ListMessages(context.Background(), storage.MessageFilter{Queue: "orders"})
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestSizeTriggeredFlush(t *testing.T) {
	b, store := newTestBuffer(t, 3, 60000)
	ctx := context.Background()

	var handles []*Pending
	for i := 0; i < 3; i++ {
		p, err := b.Add(ctx, "orders", engine.EnqueueRequest{Payload: []byte{byte('a' + i)}})
		require.NoError(t, err)
		handles = append(handles, p)
	}

	// Third add hit MaxSize and flushed inline
	assert.Equal(t, 0, b.Size())
	for _, p := range handles {
		require.NoError(t, p.Wait(ctx))
	}

	counts, err := store.CountMessages(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Queued)

	// One aggregate activity entry for the whole batch
	entries, err := store.ListActivity(ctx, storage.ActivityFilter{
		Queue: "orders", Action: types.ActionEnqueue,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].BatchSize)
}

func TestAgeTriggeredFlush(t *testing.T) {
	b, store := newTestBuffer(t, 100, 20)
	b.Start()
	defer b.Stop()
	ctx := context.Background()

	p, err := b.Add(ctx, "orders", engine.EnqueueRequest{Payload: []byte("x")})
	require.NoError(t, err)

	select {
	case err := <-p.Done():
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("age flush never fired")
	}

	counts, err := store.CountMessages(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Queued)
}

func TestExplicitFlush(t *testing.T) {
	b, store := newTestBuffer(t, 100, 60000)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := b.Add(ctx, "orders", engine.EnqueueRequest{Payload: []byte("x")})
		require.NoError(t, err)
	}
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, 0, b.Size())

	counts, err := store.CountMessages(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 5, counts.Queued)
}

func TestFlushPreservesInsertionOrder(t *testing.T) {
	b, _ := newTestBuffer(t, 100, 60000)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		p, err := b.Add(ctx, "orders", engine.EnqueueRequest{Payload: []byte{byte('a' + i)}})
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	require.NoError(t, b.Flush(ctx))

	msgs, err := b.engine.ListMessages(ctx, storage.MessageFilter{Queue: "orders"})
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	// created_at assigned monotonically at flush time in insertion order
	byID := map[string]*types.Message{}
	for _, m := range msgs {
		byID[m.ID] = m
	}
	for i := 1; i < len(ids); i++ {
		prev, cur := byID[ids[i-1]], byID[ids[i]]
		require.NotNil(t, prev)
		require.NotNil(t, cur)
		assert.True(t, cur.CreatedAt.After(prev.CreatedAt))
	}
}

func TestFailedFlushRejectsWholeBatch(t *testing.T) {
	b, store := newTestBuffer(t, 100, 60000)
	ctx := context.Background()

	p1, err := b.Add(ctx, "nosuch", engine.EnqueueRequest{Payload: []byte("x")})
	require.NoError(t, err)
	p2, err := b.Add(ctx, "nosuch", engine.EnqueueRequest{Payload: []byte("y")})
	require.NoError(t, err)

	err = b.Flush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrUnknownQueue)

	// Every pending caller sees the same failure; nothing was written
	assert.ErrorIs(t, p1.Wait(ctx), engine.ErrUnknownQueue)
	assert.ErrorIs(t, p2.Wait(ctx), engine.ErrUnknownQueue)
	assert.Equal(t, 0, b.Size())

	counts, err := store.CountMessages(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Queued)
}

func TestFullBufferWithFailingStorageReturnsBusy(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	b := newTestBufferWith(t, store, 2, 60000)
	ctx := context.Background()

	store.fail.Store(true)
	p1, err := b.Add(ctx, "orders", engine.EnqueueRequest{Payload: []byte("x")})
	require.NoError(t, err)
	p2, err := b.Add(ctx, "orders", engine.EnqueueRequest{Payload: []byte("y")})
	require.NoError(t, err)

	// The size-triggered flush failed transiently; the batch is retained
	assert.Equal(t, 2, b.Size())

	// Full buffer plus a still-failing flush is back-pressure
	_, err = b.Add(ctx, "orders", engine.EnqueueRequest{Payload: []byte("z")})
	assert.ErrorIs(t, err, engine.ErrBusy)

	// Storage recovers; the retained batch flushes and both handles resolve
	store.fail.Store(false)
	require.NoError(t, b.Flush(ctx))
	require.NoError(t, p1.Wait(ctx))
	require.NoError(t, p2.Wait(ctx))

	counts, err := store.CountMessages(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Queued)
}

func TestMultiQueueFlushIsIndependent(t *testing.T) {
	b, store := newTestBuffer(t, 100, 60000)
	ctx := context.Background()
	require.NoError(t, store.CreateQueue(ctx, &types.Queue{
		Name: "invoices", Type: types.QueueTypeStandard, AckTimeoutSeconds: 30, MaxAttempts: 3,
	}))

	good, err := b.Add(ctx, "orders", engine.EnqueueRequest{Payload: []byte("x")})
	require.NoError(t, err)
	bad, err := b.Add(ctx, "nosuch", engine.EnqueueRequest{Payload: []byte("y")})
	require.NoError(t, err)

	err = b.Flush(ctx)
	require.Error(t, err)

	// The healthy queue's batch committed; only the broken one was rejected
	assert.NoError(t, good.Wait(ctx))
	assert.ErrorIs(t, bad.Wait(ctx), engine.ErrUnknownQueue)

	counts, err := store.CountMessages(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Queued)
}

func TestStopFlushesRemainder(t *testing.T) {
	b, store := newTestBuffer(t, 100, 60000)
	b.Start()

	_, err := b.Add(context.Background(), "orders", engine.EnqueueRequest{Payload: []byte("x")})
	require.NoError(t, err)
	b.Stop()

	counts, err := store.CountMessages(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Queued)
}
