package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/courier/pkg/types"
)

// MemoryStore is an in-memory Store used by the test suite and for local
// development runs (--storage=memory). It mirrors PostgresStore semantics:
// claim ordering, expired-lock scans, rename, and post-commit notification
// fanout. Transactions are serialized under a single mutex and operate on a
// staged copy of the state, so a failed transaction leaves no trace.
type MemoryStore struct {
	mu        sync.Mutex
	queues    map[string]*types.Queue
	messages  map[string]*types.Message
	activity  []*types.ActivityEntry
	nextLogID int64

	handlerMu sync.RWMutex
	handlers  map[int]NotificationHandler
	nextSubID int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues:    make(map[string]*types.Queue),
		messages:  make(map[string]*types.Message),
		nextLogID: 1,
		handlers:  make(map[int]NotificationHandler),
	}
}

func (s *MemoryStore) Close() error { return nil }

// Ping always succeeds for the in-memory backend
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func cloneMessage(m *types.Message) *types.Message {
	c := *m
	if m.CustomMaxAttempts != nil {
		v := *m.CustomMaxAttempts
		c.CustomMaxAttempts = &v
	}
	if m.CustomAckTimeout != nil {
		v := *m.CustomAckTimeout
		c.CustomAckTimeout = &v
	}
	if m.LockedAt != nil {
		v := *m.LockedAt
		c.LockedAt = &v
	}
	if m.LockedUntil != nil {
		v := *m.LockedUntil
		c.LockedUntil = &v
	}
	if m.AcknowledgedAt != nil {
		v := *m.AcknowledgedAt
		c.AcknowledgedAt = &v
	}
	return &c
}

func cloneQueue(q *types.Queue) *types.Queue {
	c := *q
	return &c
}

// WithTxn runs fn against a staged copy of the store state. On success the
// staged state replaces the live state and scheduled events are dispatched to
// registered handlers; on error nothing changes.
func (s *MemoryStore) WithTxn(ctx context.Context, fn func(tx Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()

	staged := &memTxn{
		store:     s,
		queues:    make(map[string]*types.Queue, len(s.queues)),
		messages:  make(map[string]*types.Message, len(s.messages)),
		nextLogID: s.nextLogID,
	}
	for name, q := range s.queues {
		staged.queues[name] = cloneQueue(q)
	}
	for id, m := range s.messages {
		staged.messages[id] = cloneMessage(m)
	}

	if err := fn(staged); err != nil {
		s.mu.Unlock()
		return err
	}

	s.queues = staged.queues
	s.messages = staged.messages
	s.activity = append(s.activity, staged.activity...)
	s.nextLogID = staged.nextLogID
	events := staged.events
	s.mu.Unlock()

	for _, event := range events {
		s.dispatch(event)
	}
	return nil
}

func (s *MemoryStore) dispatch(event types.Event) {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	for _, handler := range s.handlers {
		handler(event)
	}
}

// Listen registers handler for events dispatched after commits and blocks
// until ctx is cancelled.
func (s *MemoryStore) Listen(ctx context.Context, handler NotificationHandler) error {
	s.handlerMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.handlers[id] = handler
	s.handlerMu.Unlock()

	<-ctx.Done()

	s.handlerMu.Lock()
	delete(s.handlers, id)
	s.handlerMu.Unlock()
	return ctx.Err()
}

// memTxn is the staged state of an in-flight transaction
type memTxn struct {
	store     *MemoryStore
	queues    map[string]*types.Queue
	messages  map[string]*types.Message
	activity  []*types.ActivityEntry
	events    []types.Event
	nextLogID int64
}

func (t *memTxn) InsertMessage(ctx context.Context, msg *types.Message) error {
	if _, exists := t.messages[msg.ID]; exists {
		return fmt.Errorf("%w: message %s", ErrDuplicate, msg.ID)
	}
	t.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (t *memTxn) InsertMessages(ctx context.Context, msgs []*types.Message) error {
	for _, msg := range msgs {
		if err := t.InsertMessage(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTxn) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	msg, ok := t.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (t *memTxn) GetMessageForUpdate(ctx context.Context, id string) (*types.Message, error) {
	// Transactions are serialized under the store mutex, so a plain read
	// already has exclusive access.
	return t.GetMessage(ctx, id)
}

func (t *memTxn) UpdateMessage(ctx context.Context, msg *types.Message) error {
	if _, ok := t.messages[msg.ID]; !ok {
		return ErrNotFound
	}
	t.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func matchesFilter(m *types.Message, filter MessageFilter) bool {
	if filter.Queue != "" && m.Queue != filter.Queue {
		return false
	}
	if filter.Status != "" && m.Status != filter.Status {
		return false
	}
	if filter.Type != "" && m.Type != filter.Type {
		return false
	}
	if len(filter.IDs) > 0 {
		found := false
		for _, id := range filter.IDs {
			if id == m.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !filter.AckedBefore.IsZero() {
		if m.AcknowledgedAt == nil || !m.AcknowledgedAt.Before(filter.AckedBefore) {
			return false
		}
	}
	return true
}

func sortByDequeueOrder(msgs []*types.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Priority != msgs[j].Priority {
			return msgs[i].Priority > msgs[j].Priority
		}
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func (t *memTxn) DeleteMessages(ctx context.Context, filter MessageFilter) ([]string, error) {
	var ids []string
	for id, m := range t.messages {
		if matchesFilter(m, filter) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		delete(t.messages, id)
	}
	return ids, nil
}

func (t *memTxn) ListMessages(ctx context.Context, filter MessageFilter) ([]*types.Message, error) {
	var msgs []*types.Message
	for _, m := range t.messages {
		if matchesFilter(m, filter) {
			msgs = append(msgs, cloneMessage(m))
		}
	}
	sortByDequeueOrder(msgs)

	if filter.Offset > 0 {
		if filter.Offset >= len(msgs) {
			return nil, nil
		}
		msgs = msgs[filter.Offset:]
	}
	if filter.Limit > 0 && len(msgs) > filter.Limit {
		msgs = msgs[:filter.Limit]
	}
	return msgs, nil
}

func (t *memTxn) LockAndClaim(ctx context.Context, spec ClaimSpec) ([]*types.Message, error) {
	var ready []*types.Message
	for _, m := range t.messages {
		if m.Queue != spec.Queue || m.Status != types.StatusQueued {
			continue
		}
		if spec.TypeFilter != "" && m.Type != spec.TypeFilter {
			continue
		}
		ready = append(ready, m)
	}
	sortByDequeueOrder(ready)

	if len(ready) > spec.Count {
		ready = ready[:spec.Count]
	}

	now := time.Now()
	claimed := make([]*types.Message, 0, len(ready))
	for _, m := range ready {
		timeout := spec.DefaultAckTimeout
		if m.CustomAckTimeout != nil && *m.CustomAckTimeout > 0 {
			timeout = *m.CustomAckTimeout
		}
		if spec.AckTimeoutOverride != nil {
			timeout = *spec.AckTimeoutOverride
		}

		m.Status = types.StatusProcessing
		m.PrevConsumerID = m.ConsumerID
		m.PrevLockToken = m.LockToken
		m.ConsumerID = spec.ConsumerID
		m.LockToken = uuid.NewString()
		lockedAt := now
		lockedUntil := now.Add(time.Duration(timeout) * time.Second)
		m.LockedAt = &lockedAt
		m.LockedUntil = &lockedUntil
		m.ErrorReason = ""

		claimed = append(claimed, cloneMessage(m))
	}
	return claimed, nil
}

func (t *memTxn) FindExpiredLocks(ctx context.Context, now time.Time) ([]*types.Message, error) {
	var expired []*types.Message
	for _, m := range t.messages {
		if m.Status == types.StatusProcessing && m.LockedUntil != nil && m.LockedUntil.Before(now) {
			expired = append(expired, cloneMessage(m))
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].LockedUntil.Before(*expired[j].LockedUntil)
	})
	return expired, nil
}

func countsFor(messages map[string]*types.Message, queue string) *types.QueueCounts {
	counts := &types.QueueCounts{}
	for _, m := range messages {
		if m.Queue != queue {
			continue
		}
		switch m.Status {
		case types.StatusQueued:
			counts.Queued++
		case types.StatusProcessing:
			counts.Processing++
		case types.StatusDead:
			counts.Dead++
		case types.StatusAcknowledged:
			counts.Acknowledged++
		case types.StatusArchived:
			counts.Archived++
		}
	}
	return counts
}

func (t *memTxn) CountMessages(ctx context.Context, queue string) (*types.QueueCounts, error) {
	return countsFor(t.messages, queue), nil
}

func (t *memTxn) AppendActivity(ctx context.Context, entry *types.ActivityEntry) error {
	entry.LogID = t.nextLogID
	t.nextLogID++
	c := *entry
	t.activity = append(t.activity, &c)
	return nil
}

func (t *memTxn) LastActivity(ctx context.Context, messageID string) (*types.ActivityEntry, error) {
	// Check entries staged in this transaction first, then committed history.
	for i := len(t.activity) - 1; i >= 0; i-- {
		if t.activity[i].MessageID == messageID {
			c := *t.activity[i]
			return &c, nil
		}
	}
	for i := len(t.store.activity) - 1; i >= 0; i-- {
		if t.store.activity[i].MessageID == messageID {
			c := *t.store.activity[i]
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTxn) Notify(ctx context.Context, event types.Event) error {
	t.events = append(t.events, event)
	return nil
}

func (t *memTxn) GetQueue(ctx context.Context, name string) (*types.Queue, error) {
	q, ok := t.queues[name]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneQueue(q), nil
}

// Queue operations

func (s *MemoryStore) CreateQueue(ctx context.Context, q *types.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.queues[q.Name]; exists {
		return fmt.Errorf("%w: queue %s", ErrDuplicate, q.Name)
	}
	s.queues[q.Name] = cloneQueue(q)
	return nil
}

func (s *MemoryStore) GetQueue(ctx context.Context, name string) (*types.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneQueue(q), nil
}

func (s *MemoryStore) ListQueues(ctx context.Context) ([]*types.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queues := make([]*types.Queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, cloneQueue(q))
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name < queues[j].Name })
	return queues, nil
}

func (s *MemoryStore) UpdateQueue(ctx context.Context, q *types.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.queues[q.Name]
	if !ok {
		return ErrNotFound
	}
	updated := cloneQueue(q)
	updated.CreatedAt = existing.CreatedAt
	s.queues[q.Name] = updated
	return nil
}

func (s *MemoryStore) RenameQueue(ctx context.Context, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[oldName]
	if !ok {
		return ErrNotFound
	}
	if _, exists := s.queues[newName]; exists {
		return fmt.Errorf("%w: queue %s", ErrDuplicate, newName)
	}

	q.Name = newName
	q.UpdatedAt = time.Now()
	s.queues[newName] = q
	delete(s.queues, oldName)

	for _, m := range s.messages {
		if m.Queue == oldName {
			m.Queue = newName
		}
	}
	for _, e := range s.activity {
		if e.Queue == oldName {
			e.Queue = newName
		}
		if e.SourceQueue == oldName {
			e.SourceQueue = newName
		}
		if e.DestQueue == oldName {
			e.DestQueue = newName
		}
	}
	return nil
}

func (s *MemoryStore) DeleteQueue(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[name]; !ok {
		return ErrNotFound
	}
	delete(s.queues, name)
	return nil
}

func (s *MemoryStore) CountMessages(ctx context.Context, queue string) (*types.QueueCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countsFor(s.messages, queue), nil
}

func (s *MemoryStore) ListActivity(ctx context.Context, filter ActivityFilter) ([]*types.ActivityEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []*types.ActivityEntry
	for i := len(s.activity) - 1; i >= 0; i-- {
		e := s.activity[i]
		if filter.Queue != "" && e.Queue != filter.Queue {
			continue
		}
		if filter.MessageID != "" && e.MessageID != filter.MessageID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		c := *e
		entries = append(entries, &c)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(entries) {
			return nil, nil
		}
		entries = entries[filter.Offset:]
	}
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

func (s *MemoryStore) PruneActivity(ctx context.Context, queue string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.activity[:0]
	pruned := 0
	for _, e := range s.activity {
		if e.Queue == queue && e.Timestamp.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	s.activity = kept
	return pruned, nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*PostgresStore)(nil)
