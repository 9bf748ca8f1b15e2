package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/courier/pkg/types"
)

func newTestQueue(name string) *types.Queue {
	now := time.Now()
	return &types.Queue{
		Name:              name,
		Type:              types.QueueTypeStandard,
		AckTimeoutSeconds: 30,
		MaxAttempts:       3,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func newTestMessage(id, queue string, priority int, createdAt time.Time) *types.Message {
	return &types.Message{
		ID:          id,
		Queue:       queue,
		Priority:    priority,
		Payload:     []byte(`{"n":1}`),
		PayloadSize: 7,
		Status:      types.StatusQueued,
		CreatedAt:   createdAt,
	}
}

func TestMemoryStoreQueueCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	q := newTestQueue("orders")
	require.NoError(t, store.CreateQueue(ctx, q))

	// Duplicate create fails
	err := store.CreateQueue(ctx, newTestQueue("orders"))
	assert.ErrorIs(t, err, ErrDuplicate)

	got, err := store.GetQueue(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 30, got.AckTimeoutSeconds)

	got.MaxAttempts = 5
	require.NoError(t, store.UpdateQueue(ctx, got))

	updated, err := store.GetQueue(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 5, updated.MaxAttempts)

	queues, err := store.ListQueues(ctx)
	require.NoError(t, err)
	assert.Len(t, queues, 1)

	require.NoError(t, store.DeleteQueue(ctx, "orders"))
	_, err = store.GetQueue(ctx, "orders")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreClaimOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateQueue(ctx, newTestQueue("orders")))

	t0 := time.Now().Add(-3 * time.Second)
	require.NoError(t, store.WithTxn(ctx, func(tx Txn) error {
		return tx.InsertMessages(ctx, []*types.Message{
			newTestMessage("a", "orders", 0, t0),
			newTestMessage("b", "orders", 9, t0.Add(time.Second)),
			newTestMessage("c", "orders", 0, t0.Add(2*time.Second)),
		})
	}))

	var claimed []*types.Message
	require.NoError(t, store.WithTxn(ctx, func(tx Txn) error {
		var err error
		claimed, err = tx.LockAndClaim(ctx, ClaimSpec{
			Queue: "orders", Count: 3, ConsumerID: "c1", DefaultAckTimeout: 30,
		})
		return err
	}))

	require.Len(t, claimed, 3)
	assert.Equal(t, "b", claimed[0].ID) // highest priority first
	assert.Equal(t, "a", claimed[1].ID) // FIFO within priority
	assert.Equal(t, "c", claimed[2].ID)

	for _, m := range claimed {
		assert.Equal(t, types.StatusProcessing, m.Status)
		assert.Equal(t, "c1", m.ConsumerID)
		assert.NotEmpty(t, m.LockToken)
		require.NotNil(t, m.LockedUntil)
		require.NotNil(t, m.LockedAt)
		assert.True(t, m.LockedUntil.After(*m.LockedAt))
	}

	// Lock tokens are unique per claim
	assert.NotEqual(t, claimed[0].LockToken, claimed[1].LockToken)
}

func TestMemoryStoreClaimTypeFilter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateQueue(ctx, newTestQueue("orders")))

	now := time.Now()
	a := newTestMessage("a", "orders", 0, now)
	a.Type = "email"
	b := newTestMessage("b", "orders", 0, now.Add(time.Millisecond))
	b.Type = "sms"

	require.NoError(t, store.WithTxn(ctx, func(tx Txn) error {
		return tx.InsertMessages(ctx, []*types.Message{a, b})
	}))

	var claimed []*types.Message
	require.NoError(t, store.WithTxn(ctx, func(tx Txn) error {
		var err error
		claimed, err = tx.LockAndClaim(ctx, ClaimSpec{
			Queue: "orders", Count: 10, ConsumerID: "c1",
			TypeFilter: "sms", DefaultAckTimeout: 30,
		})
		return err
	}))

	require.Len(t, claimed, 1)
	assert.Equal(t, "b", claimed[0].ID)
}

func TestMemoryStoreAckTimeoutPrecedence(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateQueue(ctx, newTestQueue("orders")))

	custom := 120
	msg := newTestMessage("a", "orders", 0, time.Now())
	msg.CustomAckTimeout = &custom
	require.NoError(t, store.WithTxn(ctx, func(tx Txn) error {
		return tx.InsertMessage(ctx, msg)
	}))

	// Message-level custom timeout beats the queue default
	var claimed []*types.Message
	require.NoError(t, store.WithTxn(ctx, func(tx Txn) error {
		var err error
		claimed, err = tx.LockAndClaim(ctx, ClaimSpec{
			Queue: "orders", Count: 1, ConsumerID: "c1", DefaultAckTimeout: 30,
		})
		return err
	}))
	require.Len(t, claimed, 1)
	lockSpan := claimed[0].LockedUntil.Sub(*claimed[0].LockedAt)
	assert.InDelta(t, 120, lockSpan.Seconds(), 1)
}

func TestMemoryStoreNonPositiveCustomTimeoutUsesDefault(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateQueue(ctx, newTestQueue("orders")))

	now := time.Now()
	zero, negative := 0, -5
	a := newTestMessage("a", "orders", 0, now)
	a.CustomAckTimeout = &zero
	b := newTestMessage("b", "orders", 0, now.Add(time.Millisecond))
	b.CustomAckTimeout = &negative
	require.NoError(t, store.WithTxn(ctx, func(tx Txn) error {
		return tx.InsertMessages(ctx, []*types.Message{a, b})
	}))

	var claimed []*types.Message
	require.NoError(t, store.WithTxn(ctx, func(tx Txn) error {
		var err error
		claimed, err = tx.LockAndClaim(ctx, ClaimSpec{
			Queue: "orders", Count: 2, ConsumerID: "c1", DefaultAckTimeout: 30,
		})
		return err
	}))

	// A non-positive per-message timeout is not a real override; both
	// backends fall back to the queue default.
	require.Len(t, claimed, 2)
	for _, m := range claimed {
		lockSpan := m.LockedUntil.Sub(*m.LockedAt)
		assert.InDelta(t, 30, lockSpan.Seconds(), 1)
	}
}

func TestMemoryStoreTxnRollback(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateQueue(ctx, newTestQueue("orders")))

	boom := assert.AnError
	err := store.WithTxn(ctx, func(tx Txn) error {
		if err := tx.InsertMessage(ctx, newTestMessage("a", "orders", 0, time.Now())); err != nil {
			return err
		}
		if err := tx.AppendActivity(ctx, &types.ActivityEntry{
			Action: types.ActionEnqueue, Queue: "orders", Timestamp: time.Now(),
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// Neither the message nor the activity entry survived
	counts, err := store.CountMessages(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Queued)

	entries, err := store.ListActivity(ctx, ActivityFilter{Queue: "orders"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStoreNotifyOnlyOnCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	require.NoError(t, store.CreateQueue(ctx, newTestQueue("orders")))

	received := make(chan types.Event, 10)
	go func() {
		_ = store.Listen(ctx, func(event types.Event) { received <- event })
	}()

	// Give the listener a beat to register
	require.Eventually(t, func() bool {
		store.handlerMu.RLock()
		defer store.handlerMu.RUnlock()
		return len(store.handlers) == 1
	}, time.Second, 5*time.Millisecond)

	// Rolled-back txn: no event
	_ = store.WithTxn(ctx, func(tx Txn) error {
		_ = tx.Notify(ctx, types.Event{Queue: "orders", Action: types.ActionEnqueue})
		return assert.AnError
	})
	select {
	case <-received:
		t.Fatal("received event from rolled-back transaction")
	case <-time.After(50 * time.Millisecond):
	}

	// Committed txn: one event
	require.NoError(t, store.WithTxn(ctx, func(tx Txn) error {
		return tx.Notify(ctx, types.Event{Queue: "orders", Action: types.ActionEnqueue, MessageID: "a"})
	}))
	select {
	case event := <-received:
		assert.Equal(t, "orders", event.Queue)
		assert.Equal(t, "a", event.MessageID)
	case <-time.After(time.Second):
		t.Fatal("expected event after commit")
	}
}

func TestMemoryStoreFindExpiredLocks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateQueue(ctx, newTestQueue("orders")))

	require.NoError(t, store.WithTxn(ctx, func(tx Txn) error {
		return tx.InsertMessages(ctx, []*types.Message{
			newTestMessage("a", "orders", 0, time.Now()),
			newTestMessage("b", "orders", 0, time.Now()),
		})
	}))

	short := 1
	require.NoError(t, store.WithTxn(ctx, func(tx Txn) error {
		_, err := tx.LockAndClaim(ctx, ClaimSpec{
			Queue: "orders", Count: 1, ConsumerID: "c1",
			AckTimeoutOverride: &short, DefaultAckTimeout: 30,
		})
		return err
	}))

	var expired []*types.Message
	require.NoError(t, store.WithTxn(ctx, func(tx Txn) error {
		var err error
		expired, err = tx.FindExpiredLocks(ctx, time.Now().Add(2*time.Second))
		return err
	}))
	require.Len(t, expired, 1)
	assert.Equal(t, "c1", expired[0].ConsumerID)

	// Nothing expired when checked before the deadline
	require.NoError(t, store.WithTxn(ctx, func(tx Txn) error {
		var err error
		expired, err = tx.FindExpiredLocks(ctx, time.Now().Add(-time.Hour))
		return err
	}))
	assert.Empty(t, expired)
}

func TestMemoryStoreRenameQueue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateQueue(ctx, newTestQueue("orders")))

	require.NoError(t, store.WithTxn(ctx, func(tx Txn) error {
		if err := tx.InsertMessage(ctx, newTestMessage("a", "orders", 0, time.Now())); err != nil {
			return err
		}
		return tx.AppendActivity(ctx, &types.ActivityEntry{
			MessageID: "a", Action: types.ActionEnqueue, Queue: "orders",
			Timestamp: time.Now(),
		})
	}))

	require.NoError(t, store.RenameQueue(ctx, "orders", "orders-v2"))

	_, err := store.GetQueue(ctx, "orders")
	assert.ErrorIs(t, err, ErrNotFound)

	counts, err := store.CountMessages(ctx, "orders-v2")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Queued)

	entries, err := store.ListActivity(ctx, ActivityFilter{Queue: "orders-v2"})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Renaming a missing queue fails without effect
	assert.ErrorIs(t, store.RenameQueue(ctx, "missing", "x"), ErrNotFound)
}

func TestMemoryStoreDeleteMessagesFilter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateQueue(ctx, newTestQueue("orders")))

	now := time.Now()
	dead := newTestMessage("d", "orders", 0, now)
	dead.Status = types.StatusDead
	require.NoError(t, store.WithTxn(ctx, func(tx Txn) error {
		return tx.InsertMessages(ctx, []*types.Message{
			newTestMessage("a", "orders", 0, now),
			newTestMessage("b", "orders", 0, now),
			dead,
		})
	}))

	var deleted []string
	require.NoError(t, store.WithTxn(ctx, func(tx Txn) error {
		var err error
		deleted, err = tx.DeleteMessages(ctx, MessageFilter{
			Queue: "orders", Status: types.StatusQueued,
		})
		return err
	}))
	assert.ElementsMatch(t, []string{"a", "b"}, deleted)

	counts, err := store.CountMessages(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Queued)
	assert.Equal(t, 1, counts.Dead)
}

func TestMemoryStorePruneActivity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateQueue(ctx, newTestQueue("orders")))

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, store.WithTxn(ctx, func(tx Txn) error {
		if err := tx.AppendActivity(ctx, &types.ActivityEntry{
			Action: types.ActionEnqueue, Queue: "orders", Timestamp: old,
		}); err != nil {
			return err
		}
		return tx.AppendActivity(ctx, &types.ActivityEntry{
			Action: types.ActionEnqueue, Queue: "orders", Timestamp: time.Now(),
		})
	}))

	pruned, err := store.PruneActivity(ctx, "orders", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	entries, err := store.ListActivity(ctx, ActivityFilter{Queue: "orders"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
