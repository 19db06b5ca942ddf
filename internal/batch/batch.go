// Package batch implements the batch engine: an ordered sequence of
// operations executed under a semantics-driven policy, with same-kind
// fusion merging consecutive operations that share an executor and key
// into one backend call.
//
// Exported methods take the lock only long enough to snapshot or
// mutate shared state, never while calling out to a backend.
package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/juleago/julea/internal/operation"
	"github.com/juleago/julea/internal/semantics"
)

// Cache is the subset of package opcache's Cache that Batch needs: an
// attempt to admit a batch into the eventual-consistency cache, and a
// blocking flush. Defined here (rather than importing package opcache)
// to avoid a cache->batch->cache import cycle, since opcache.Cache
// itself holds and executes *Batch values.
type Cache interface {
	// TryEnqueue attempts to admit b into the cache. ok is false if the
	// batch could not be cached; the caller falls back to synchronous
	// execution in that case.
	TryEnqueue(ctx context.Context, b *Batch) (ok bool, err error)
	// Flush blocks until the cache's queue is empty.
	Flush(ctx context.Context) error
}

// Batch is an ordered sequence of operations plus a semantics and a
// refcount.
type Batch struct {
	mu       sync.Mutex
	sem      semantics.Semantics
	ops      []*operation.Operation
	executed bool

	refCount int32
	cache    Cache

	bgMu     sync.Mutex
	bgDone   chan struct{}
	bgResult bool
	bgErr    error
}

// New creates a batch with refcount 1: construction hands the caller
// an owned reference.
func New(sem semantics.Semantics) *Batch {
	return &Batch{sem: sem.Freeze(), refCount: 1}
}

// WithCache injects the process-wide operation cache used for
// ConsistencyEventual batches. A batch with no cache injected always
// falls back to synchronous execution for EVENTUAL consistency.
func (b *Batch) WithCache(c Cache) *Batch {
	b.cache = c
	return b
}

// Semantics returns the batch's semantics.
func (b *Batch) Semantics() semantics.Semantics { return b.sem }

// Add appends op to the batch. Operations are appended only in
// creation order.
func (b *Batch) Add(op *operation.Operation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, op)
}

// Ref increments the refcount and returns b.
func (b *Batch) Ref() *Batch {
	atomic.AddInt32(&b.refCount, 1)
	return b
}

// Unref decrements the refcount. When it reaches zero and the batch's
// consistency is SESSION, the batch self-executes exactly once.
func (b *Batch) Unref(ctx context.Context) error {
	if atomic.AddInt32(&b.refCount, -1) > 0 {
		return nil
	}
	if b.sem.Consistency == semantics.ConsistencySession {
		_, err := b.executeInternal(ctx)
		return err
	}
	return nil
}

// Execute runs the batch according to its consistency aspect:
//
//   - IMMEDIATE: first flushes the cache (a sync point), then executes
//     synchronously, emptying the operation list.
//   - SESSION: no-op; execution happens on the final Unref.
//   - EVENTUAL: attempts to enqueue into the cache; on rejection, falls
//     back to synchronous execution.
func (b *Batch) Execute(ctx context.Context) (bool, error) {
	switch b.sem.Consistency {
	case semantics.ConsistencySession:
		return true, nil

	case semantics.ConsistencyEventual:
		if b.cache != nil {
			ok, err := b.cache.TryEnqueue(ctx, b)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return b.executeInternal(ctx)

	default: // ConsistencyImmediate
		if b.cache != nil {
			if err := b.cache.Flush(ctx); err != nil {
				return false, fmt.Errorf("batch: flush before immediate execute: %w", err)
			}
		}
		return b.executeInternal(ctx)
	}
}

// ExecuteAsync posts a background task that calls Execute, then invokes
// cb with the batch and the boolean result, then releases the caller's
// reference.
func (b *Batch) ExecuteAsync(ctx context.Context, cb func(*Batch, bool)) {
	b.bgMu.Lock()
	b.bgDone = make(chan struct{})
	b.bgMu.Unlock()

	go func() {
		ok, err := b.Execute(ctx)
		b.bgMu.Lock()
		b.bgResult = ok
		b.bgErr = err
		done := b.bgDone
		b.bgMu.Unlock()
		close(done)

		if cb != nil {
			cb(b, ok)
		}
		_ = b.Unref(ctx)
	}()
}

// Wait joins the background task started by ExecuteAsync, returning its
// result. Calling Wait without a prior ExecuteAsync returns immediately
// with (true, nil).
func (b *Batch) Wait() (bool, error) {
	b.bgMu.Lock()
	done := b.bgDone
	b.bgMu.Unlock()
	if done == nil {
		return true, nil
	}
	<-done
	b.bgMu.Lock()
	defer b.bgMu.Unlock()
	return b.bgResult, b.bgErr
}

// executeInternal runs the fusion algorithm over the current operation
// list and empties it. The same path serves IMMEDIATE execution, the
// EVENTUAL fallback, the SESSION self-execute, and the cache worker's
// drain step (package opcache calls this indirectly through Batch).
func (b *Batch) executeInternal(ctx context.Context) (bool, error) {
	b.mu.Lock()
	if b.executed {
		b.mu.Unlock()
		return true, nil
	}
	ops := b.ops
	b.ops = nil
	b.executed = len(ops) > 0 || b.executed
	b.mu.Unlock()

	return fuseAndExecute(ctx, ops, b.sem)
}

// PeekOps returns a snapshot of b's current operation list without
// removing anything. Package opcache walks this during its admission
// test; a rejected batch keeps its operations so the synchronous
// fallback still has work to execute.
func PeekOps(b *Batch) []*operation.Operation {
	b.mu.Lock()
	defer b.mu.Unlock()
	ops := make([]*operation.Operation, len(b.ops))
	copy(ops, b.ops)
	return ops
}

// DrainOps atomically takes b's current operation list, leaving b
// empty and marked executed, and returns it. Package opcache uses this
// to take ownership of an admitted batch's operations without
// exposing Batch's internal slice.
func DrainOps(b *Batch) []*operation.Operation {
	b.mu.Lock()
	defer b.mu.Unlock()
	ops := b.ops
	b.ops = nil
	b.executed = true
	return ops
}

// ExecuteOps runs the fusion algorithm over an already-drained
// operation list. Package opcache's worker calls this to execute a
// cached batch via the same path executeInternal uses.
func ExecuteOps(ctx context.Context, ops []*operation.Operation, sem semantics.Semantics) (bool, error) {
	return fuseAndExecute(ctx, ops, sem)
}

// fuseAndExecute implements same-kind fusion: walk the operation list
// once, accumulating a working list of payloads while (Kind, Key)
// stays constant; on change, invoke Exec once for the accumulated
// group and reset. Overall batch success is the logical AND across all
// groups.
func fuseAndExecute(ctx context.Context, ops []*operation.Operation, sem semantics.Semantics) (bool, error) {
	success := true

	i := 0
	for i < len(ops) {
		j := i + 1
		for j < len(ops) && ops[j].Kind == ops[i].Kind && ops[j].Key == ops[i].Key {
			j++
		}

		group := ops[i:j]
		payloads := make([]any, len(group))
		for k, op := range group {
			payloads[k] = op.Data
		}

		if group[0].Exec == nil {
			return false, fmt.Errorf("batch: operation kind %q has no Exec function", group[0].Kind)
		}
		ok := group[0].Exec(ctx, payloads, sem)
		success = success && ok

		for _, op := range group {
			op.Dispose()
		}

		i = j
	}

	return success, nil
}
