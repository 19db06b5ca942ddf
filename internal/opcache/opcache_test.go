package opcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juleago/julea/internal/batch"
	"github.com/juleago/julea/internal/operation"
	"github.com/juleago/julea/internal/semantics"
)

func TestTryEnqueueRejectsNonCacheableOperation(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, 0)
	defer c.Close()

	sem, _ := semantics.Default().WithConsistency(semantics.ConsistencyEventual)
	b := batch.New(sem)
	b.Add(&operation.Operation{Kind: "kv.get", Key: "k", CanCache: false})

	ok, err := c.TryEnqueue(ctx, b)
	if err != nil {
		t.Fatalf("TryEnqueue: %v", err)
	}
	if ok {
		t.Fatal("expected rejection of a non-cacheable operation")
	}
}

func TestTryEnqueueRejectsWhenArenaFull(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, 10) // tiny arena
	defer c.Close()

	sem, _ := semantics.Default().WithConsistency(semantics.ConsistencyEventual)
	b := batch.New(sem)
	b.Add(&operation.Operation{Kind: "kv.put", Key: "k", CanCache: true, RequiredBytes: 100})

	ok, err := c.TryEnqueue(ctx, b)
	if err != nil {
		t.Fatalf("TryEnqueue: %v", err)
	}
	if ok {
		t.Fatal("expected rejection when required bytes exceed arena size")
	}
}

func TestRejectedBatchKeepsItsOperations(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, 0)
	defer c.Close()

	executed := false
	exec := func(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
		executed = true
		return true
	}

	sem, _ := semantics.Default().WithConsistency(semantics.ConsistencyEventual)
	b := batch.New(sem).WithCache(c)
	b.Add(&operation.Operation{Kind: "kv.get", Key: "k", CanCache: false, Exec: exec})

	ok, err := b.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !ok {
		t.Fatal("expected fallback execution to succeed")
	}
	if !executed {
		t.Fatal("expected the rejected batch to execute synchronously with its operations intact")
	}
}

func TestFlushWaitsForInFlightEntry(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, 0)
	defer c.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	executed := false
	exec := func(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
		close(started)
		<-release
		mu.Lock()
		executed = true
		mu.Unlock()
		return true
	}

	sem, _ := semantics.Default().WithConsistency(semantics.ConsistencyEventual)
	b := batch.New(sem).WithCache(c)
	b.Add(&operation.Operation{Kind: "kv.put", Key: "k", CanCache: true, RequiredBytes: 1, Exec: exec})

	if _, err := b.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	<-started // worker popped the entry and is mid-execution
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Flush(flushCtx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !executed {
		t.Fatal("Flush returned while an entry was still executing")
	}
}

func TestCachedBatchExecutesAndFlushCompletes(t *testing.T) {
	ctx := context.Background()
	c := New(ctx, 0)
	defer c.Close()

	var mu sync.Mutex
	executed := false
	exec := func(ctx context.Context, payloads []any, sem semantics.Semantics) bool {
		mu.Lock()
		executed = true
		mu.Unlock()
		return true
	}

	sem, _ := semantics.Default().WithConsistency(semantics.ConsistencyEventual)
	b := batch.New(sem).WithCache(c)
	b.Add(&operation.Operation{Kind: "kv.put", Key: "k", CanCache: true, RequiredBytes: 1, Exec: exec})

	ok, err := b.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !ok {
		t.Fatal("expected Execute to report success once admitted")
	}

	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Flush(flushCtx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !executed {
		t.Fatal("expected the worker to have executed the cached batch by the time Flush returns")
	}
}
