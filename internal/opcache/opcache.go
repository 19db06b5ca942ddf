// Package opcache implements the operation cache: a bounded in-memory
// arena backing the EVENTUAL consistency path, drained by a single
// worker goroutine. Batches admitted here return to the caller
// immediately; their effects become visible once the worker executes
// them, and any read path forces a Flush first so a process always
// observes its own writes.
package opcache

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/juleago/julea/internal/batch"
	"github.com/juleago/julea/internal/operation"
)

// DefaultArenaSize bounds the payload bytes held by admitted batches.
const DefaultArenaSize = 50 * 1024 * 1024

// entry is one admitted batch: its snapshotted operation list and the
// number of arena bytes it holds.
type entry struct {
	b     *batch.Batch
	ops   []*operation.Operation
	bytes uint64
}

// Cache is the process-wide operation cache. It implements
// batch.Cache so a Batch can be constructed with .WithCache(cache).
type Cache struct {
	arenaSize uint64

	mu        sync.Mutex
	usedBytes uint64
	queue     []entry
	inFlight  int
	notEmpty  *sync.Cond
	drained   *sync.Cond

	flushMu sync.Mutex // serializes concurrent Flush callers

	closed bool
	group  *errgroup.Group
	cancel context.CancelFunc
}

// New starts a cache with the given arena size (0 selects
// DefaultArenaSize) and launches its single drain worker under ctx.
func New(ctx context.Context, arenaSize uint64) *Cache {
	if arenaSize == 0 {
		arenaSize = DefaultArenaSize
	}
	workerCtx, cancel := context.WithCancel(ctx)
	c := &Cache{arenaSize: arenaSize, cancel: cancel}
	c.notEmpty = sync.NewCond(&c.mu)
	c.drained = sync.NewCond(&c.mu)

	g, gctx := errgroup.WithContext(workerCtx)
	c.group = g
	g.Go(func() error {
		c.worker(gctx)
		return nil
	})
	return c
}

// Close stops the drain worker and waits for it to exit. Entries still
// queued are executed before the worker returns, so Close doubles as a
// final flush at teardown.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	c.notEmpty.Broadcast()
	c.mu.Unlock()
	err := c.group.Wait()
	c.cancel()
	return err
}

// TryEnqueue attempts to admit b. Every operation must consent to
// caching (CanCache), and the summed RequiredBytes must fit in the
// arena's free space; otherwise the batch is handed back for
// synchronous execution. Operation payloads are already owned copies
// by the time they reach the batch (the facades copy caller buffers at
// Add time), so admission only needs to account for the bytes, not
// copy them again — the caller may reuse its own buffers as soon as
// TryEnqueue returns.
func (c *Cache) TryEnqueue(ctx context.Context, b *batch.Batch) (bool, error) {
	var required uint64
	for _, op := range batch.PeekOps(b) {
		if !op.CanCache {
			return false, nil
		}
		required += op.RequiredBytes
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, nil
	}
	if c.usedBytes+required > c.arenaSize {
		return false, nil
	}
	ops := batch.DrainOps(b)
	if len(ops) == 0 {
		return true, nil
	}
	c.usedBytes += required
	c.queue = append(c.queue, entry{b: b, ops: ops, bytes: required})
	c.notEmpty.Signal()

	return true, nil
}

// Flush blocks until the queue is empty and no entry is mid-execution.
// Called implicitly by any IMMEDIATE batch's Execute and by every
// frontend read routed through a backend. Close does not call it; on
// Close the worker drains the remaining queue itself.
func (c *Cache) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	// Wake the condvar wait when ctx is canceled, so Flush does not
	// sit on a worker that has stalled inside a backend call.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.drained.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) > 0 || c.inFlight > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.drained.Wait()
	}
	return nil
}

func (c *Cache) worker(ctx context.Context) {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.notEmpty.Wait()
		}
		if c.closed && len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		e := c.queue[0]
		c.queue = c.queue[1:]
		c.inFlight++
		c.mu.Unlock()

		// Execute via the batch's standard fusion path. The arena slab
		// is released whether or not execution succeeded, so a batch
		// that fails mid-execution cannot leak arena space.
		_, _ = batch.ExecuteOps(ctx, e.ops, e.b.Semantics())

		c.mu.Lock()
		c.usedBytes -= e.bytes
		c.inFlight--
		if len(c.queue) == 0 && c.inFlight == 0 {
			c.drained.Broadcast()
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
