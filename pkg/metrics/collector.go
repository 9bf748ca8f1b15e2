package metrics

import (
	"context"
	"time"

	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/storage"
)

// Collector periodically refreshes the queue depth gauges from storage
type Collector struct {
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector reading from the given store
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:    store,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	queues, err := c.store.ListQueues(ctx)
	if err != nil {
		logger := log.WithComponent("metrics")
		logger.Warn().Err(err).Msg("failed to list queues")
		return
	}
	QueuesTotal.Set(float64(len(queues)))

	for _, q := range queues {
		counts, err := c.store.CountMessages(ctx, q.Name)
		if err != nil {
			continue
		}
		QueueDepth.WithLabelValues(q.Name, "queued").Set(float64(counts.Queued))
		QueueDepth.WithLabelValues(q.Name, "processing").Set(float64(counts.Processing))
		QueueDepth.WithLabelValues(q.Name, "dead").Set(float64(counts.Dead))
		QueueDepth.WithLabelValues(q.Name, "acknowledged").Set(float64(counts.Acknowledged))
		QueueDepth.WithLabelValues(q.Name, "archived").Set(float64(counts.Archived))
	}
}
