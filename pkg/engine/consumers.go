package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/courier/pkg/types"
)

type consumerEntry struct {
	stats types.ConsumerStats

	// Burst accounting: dequeues observed since windowStart
	windowStart time.Time
	windowCount int
}

// consumerTracker is the in-process derived view of consumer behavior. It
// feeds burst detection and the admin metrics endpoint; staleness across
// broker instances is acceptable since each instance only classifies the
// dequeues it served.
type consumerTracker struct {
	mu      sync.Mutex
	entries map[string]*consumerEntry
	window  time.Duration
}

func newConsumerTracker(window time.Duration) *consumerTracker {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &consumerTracker{
		entries: make(map[string]*consumerEntry),
		window:  window,
	}
}

// recordDequeue notes n dequeued messages for the consumer and returns its
// dequeue count within the current burst window, including these.
func (t *consumerTracker) recordDequeue(consumerID string, n int, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[consumerID]
	if !ok {
		e = &consumerEntry{stats: types.ConsumerStats{ConsumerID: consumerID}}
		t.entries[consumerID] = e
	}

	e.stats.LastDequeue = now
	e.stats.DequeueCount += int64(n)

	if now.Sub(e.windowStart) > t.window {
		e.windowStart = now
		e.windowCount = 0
	}
	e.windowCount += n
	return e.windowCount
}

// Stats returns a snapshot of all tracked consumers sorted by id
func (t *consumerTracker) Stats() []types.ConsumerStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]types.ConsumerStats, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.stats)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConsumerID < out[j].ConsumerID
	})
	return out
}
