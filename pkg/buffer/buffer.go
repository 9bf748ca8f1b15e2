package buffer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/courier/pkg/config"
	"github.com/cuemby/courier/pkg/engine"
	"github.com/cuemby/courier/pkg/log"
	"github.com/cuemby/courier/pkg/metrics"
)

// Pending is the handle returned by Add. The message id is assigned
// immediately; Done reports the flush outcome once the batch is written.
type Pending struct {
	ID   string
	done chan error
}

// Done resolves with nil after the message's batch commits, or with the
// flush error when the batch is rejected. The channel is buffered, so
// callers that do not care about the outcome can drop the handle.
func (p *Pending) Done() <-chan error {
	return p.done
}

// Wait blocks until the flush outcome is known or ctx expires.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type item struct {
	pending *Pending
	req     engine.EnqueueRequest
	added   time.Time
}

// Buffer coalesces enqueue calls into batches. A batch is flushed when it
// reaches MaxSize, when its oldest entry has waited MaxWaitMs, or on an
// explicit Flush. Each flush is one bulk insert with one aggregate activity
// entry; a failed flush rejects every entry in the batch, never a subset.
type Buffer struct {
	engine *engine.Engine
	cfg    config.BufferConfig

	mu      sync.Mutex
	batches map[string][]item // per queue, insertion order
	size    int

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a buffer in front of the engine's enqueue path
func New(e *engine.Engine, cfg config.BufferConfig) *Buffer {
	return &Buffer{
		engine:  e,
		cfg:     cfg,
		batches: make(map[string][]item),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the age-based flusher
func (b *Buffer) Start() {
	b.wg.Add(1)
	go b.flushLoop()
}

// Stop flushes whatever is pending and stops the flusher
func (b *Buffer) Stop() {
	b.stopped.Do(func() { close(b.stopCh) })
	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Flush(ctx); err != nil {
		logger := log.WithComponent("buffer")
		logger.Warn().Err(err).Msg("final flush failed")
	}
}

// Add accepts a message into the buffer and returns its handle immediately.
// When the buffer is full, Add flushes inline first; if that flush fails the
// message is not accepted and Add returns ErrBusy.
func (b *Buffer) Add(ctx context.Context, queue string, req engine.EnqueueRequest) (*Pending, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size >= b.cfg.MaxSize {
		if err := b.flushLocked(ctx); err != nil && b.size >= b.cfg.MaxSize {
			return nil, engine.ErrBusy
		}
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	p := &Pending{ID: req.ID, done: make(chan error, 1)}
	b.batches[queue] = append(b.batches[queue], item{pending: p, req: req, added: time.Now()})
	b.size++
	metrics.BufferSize.Set(float64(b.size))

	if b.size >= b.cfg.MaxSize {
		if err := b.flushLocked(ctx); err != nil {
			// The caller's handle already carries the failure
			logger := log.WithComponent("buffer")
			logger.Warn().Err(err).Msg("size-triggered flush failed")
		}
	}
	return p, nil
}

// Flush writes every buffered batch now. Returns the first flush error.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

// Size reports the number of buffered messages
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Buffer) flushLoop() {
	defer b.wg.Done()

	interval := time.Duration(b.cfg.MaxWaitMs) * time.Millisecond / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}

	for {
		select {
		case <-time.After(interval):
			b.flushAged()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Buffer) flushAged() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return
	}

	maxWait := time.Duration(b.cfg.MaxWaitMs) * time.Millisecond
	for _, batch := range b.batches {
		if len(batch) > 0 && time.Since(batch[0].added) >= maxWait {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := b.flushLocked(ctx); err != nil {
				logger := log.WithComponent("buffer")
				logger.Warn().Err(err).Msg("age-triggered flush failed")
			}
			cancel()
			return
		}
	}
}

// flushLocked writes each queue's batch through one EnqueueBatch call. A
// batch commits or fails whole. Domain failures (unknown queue, oversized
// payload, id collision) reject the batch: every handle receives the error
// and the entries are dropped. Transient storage failures keep the batch for
// a later attempt, which is what makes a full buffer surface ErrBusy rather
// than losing messages. Caller holds b.mu.
func (b *Buffer) flushLocked(ctx context.Context) error {
	var firstErr error
	for queue, batch := range b.batches {
		if len(batch) == 0 {
			continue
		}
		reqs := make([]engine.EnqueueRequest, len(batch))
		for i, it := range batch {
			reqs[i] = it.req
		}

		_, err := b.engine.EnqueueBatch(ctx, queue, reqs)
		if err != nil {
			metrics.BufferFlushesTotal.WithLabelValues("error").Inc()
			if firstErr == nil {
				firstErr = err
			}
			if errors.Is(err, engine.ErrStorageUnavailable) {
				continue // retry on the next trigger
			}
		} else {
			metrics.BufferFlushesTotal.WithLabelValues("ok").Inc()
		}

		for _, it := range batch {
			it.pending.done <- err
		}
		b.size -= len(batch)
		delete(b.batches, queue)
	}
	metrics.BufferSize.Set(float64(b.size))
	return firstErr
}
